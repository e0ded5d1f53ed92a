/*
Package fleet provides the core domain model for the availability
synchronization engine.

PURPOSE:
  This package contains the types shared by every other package in the
  system: bookings, pricing rules, the per-day availability cache, detected
  conflicts, sync runs, and resolution audit records. It has no persistence
  or HTTP knowledge; those live in store/sqlite and api respectively.

KEY CONCEPTS IN THIS FILE (types.go):
  - Booking: A rental reservation over a half-open day interval
  - PricingRule: A dated daily-rate rule with a priority
  - AvailabilityEntry: One materialized (vehicle, day) occupancy row
  - Conflict: A detected inconsistency awaiting an operator decision
  - SyncRun / VehicleSyncItem: One orchestrator invocation and its
    per-vehicle outcomes
  - ConflictResolution: Immutable audit record of a resolution

DESIGN PRINCIPLES:
  1. Precision: Uses decimal.Decimal for all money (totals, rates, refunds)
  2. Explicit intervals: Every date interval is half-open [Start, End)
  3. Independence: Conflicts are first-class rows, never embedded blobs,
     so two operators can resolve different conflicts concurrently
  4. Auditability: Every resolution leaves exactly one append-only record

SEE ALSO:
  - day.go: Day and DateRange calendar types
  - store.go: Persistence interfaces
  - errors.go: Error taxonomy
*/
package fleet

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// VEHICLE - Read-only to this subsystem
// =============================================================================

// Vehicle is owned by the fleet/listings module; the sync engine only reads it.
type Vehicle struct {
	ID    string
	Make  string
	Model string
	Year  int
}

// Name returns the display name used in sync reports.
func (v Vehicle) Name() string {
	if v.Make == "" && v.Model == "" {
		return v.ID
	}
	return v.Make + " " + v.Model
}

// =============================================================================
// BOOKING - Half-open rental interval with money attached
// =============================================================================

type BookingStatus string

const (
	BookingConfirmed BookingStatus = "confirmed"
	BookingActive    BookingStatus = "active"
	BookingCancelled BookingStatus = "cancelled"
	BookingCompleted BookingStatus = "completed"
)

// Booking is a rental reservation. Start is inclusive, End exclusive.
// The engine never creates bookings; it only cancels or shrinks them as
// conflict-resolution side effects.
type Booking struct {
	ID           string
	VehicleID    string
	CustomerID   string
	Start        Day
	End          Day // exclusive
	Status       BookingStatus
	TotalAmount  decimal.Decimal
	CancelReason string
	UpdatedAt    time.Time
}

// Range returns the booking's half-open day interval.
func (b Booking) Range() DateRange { return DateRange{Start: b.Start, End: b.End} }

// Days returns the number of billable days (End exclusive).
func (b Booking) Days() int { return b.Range().Days() }

// Occupies reports whether the booking blocks availability.
// Only confirmed and active bookings occupy days.
func (b Booking) Occupies() bool {
	return b.Status == BookingConfirmed || b.Status == BookingActive
}

// =============================================================================
// PRICING RULE
// =============================================================================

// PricingRule sets a daily rate for a vehicle over a half-open interval.
// Rules for one vehicle should not overlap; overlaps surface as conflicts.
type PricingRule struct {
	ID        string
	VehicleID string
	Start     Day
	End       Day // exclusive
	DailyRate decimal.Decimal
	Priority  int
}

// Range returns the rule's half-open day interval.
func (r PricingRule) Range() DateRange { return DateRange{Start: r.Start, End: r.End} }

// Covers reports whether the rule's interval fully contains rng.
func (r PricingRule) Covers(rng DateRange) bool { return r.Range().Contains(rng) }

// =============================================================================
// AVAILABILITY CACHE ENTRY - Materialized per-day occupancy
// =============================================================================

// AvailabilitySource tags where a cache row came from. COMPUTED rows are
// always safe to discard and rebuild from bookings; MANUAL_RESOLUTION rows
// survive rebuilds unless explicitly overridden.
type AvailabilitySource string

const (
	SourceComputed         AvailabilitySource = "COMPUTED"
	SourceManualResolution AvailabilitySource = "MANUAL_RESOLUTION"
	SourceRemoteSync       AvailabilitySource = "REMOTE_SYNC"
)

// AvailabilityEntry is one row of the materialized availability view,
// keyed uniquely by (VehicleID, Day).
type AvailabilityEntry struct {
	VehicleID   string
	Day         Day
	Available   bool
	Source      AvailabilitySource
	LastUpdated time.Time
}

// =============================================================================
// CONFLICT - First-class, independently updatable row
// =============================================================================

type ConflictType string

const (
	ConflictDoubleBooking   ConflictType = "double_booking"
	ConflictPricingMismatch ConflictType = "pricing_mismatch"
	ConflictAvailability    ConflictType = "availability_conflict"
)

// Conflict records one detected inconsistency. Created only during
// detection; resolved at most once via a conditional store update.
type Conflict struct {
	ID          string
	RunID       string
	VehicleID   string
	Type        ConflictType
	Day         Day
	Description string
	LocalValue  json.RawMessage
	RemoteValue json.RawMessage
	Resolved    bool
	ResolvedAt  *time.Time
	CreatedAt   time.Time
}

// =============================================================================
// CONFLICT SNAPSHOTS - JSON payloads carried on conflicts
// =============================================================================

// BookingSnapshot is the per-side payload of a double_booking conflict.
type BookingSnapshot struct {
	BookingID string        `json:"booking_id"`
	Start     string        `json:"start"`
	End       string        `json:"end"`
	Status    BookingStatus `json:"status"`
}

// PricingLocalSnapshot is the local side of a pricing_mismatch conflict:
// the booking's currently stored price.
type PricingLocalSnapshot struct {
	BookingID   string          `json:"booking_id"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

// PricingCandidate is one rule that fully covers the booking's interval.
type PricingCandidate struct {
	RuleID    string          `json:"rule_id"`
	DailyRate decimal.Decimal `json:"daily_rate"`
	Priority  int             `json:"priority"`
}

// PricingRemoteSnapshot is the remote side of a pricing_mismatch conflict.
type PricingRemoteSnapshot struct {
	BookingID  string             `json:"booking_id"`
	Candidates []PricingCandidate `json:"candidates"`
}

// AvailabilitySnapshot is either side of an availability_conflict.
type AvailabilitySnapshot struct {
	Available bool `json:"available"`
}

// =============================================================================
// SYNC RUN - One orchestrator invocation
// =============================================================================

type SyncRunStatus string

const (
	RunCompleted              SyncRunStatus = "COMPLETED"
	RunCompletedWithConflicts SyncRunStatus = "COMPLETED_WITH_CONFLICTS"
	RunError                  SyncRunStatus = "ERROR"
)

// SyncRun aggregates one batch synchronization. Conflicts reference it by
// RunID but live in their own rows (see design note on resolution races).
type SyncRun struct {
	ID            string
	VehicleIDs    []string
	Status        SyncRunStatus
	ConflictCount int
	UpdatedCount  int
	CreatedAt     time.Time
}

// SyncItemStatus classifies one vehicle's outcome inside a run.
type SyncItemStatus string

const (
	ItemSynced   SyncItemStatus = "synced"
	ItemConflict SyncItemStatus = "conflict"
	ItemError    SyncItemStatus = "error"
)

// VehicleSyncItem is the itemized per-vehicle result of a run. A failing
// vehicle is recorded here with ItemError and never aborts the batch.
type VehicleSyncItem struct {
	RunID         string
	VehicleID     string
	VehicleName   string
	Status        SyncItemStatus
	ConflictCount int
	BookingCount  int
	AvailableDays int
	Revenue       decimal.Decimal
	Error         string
}

// =============================================================================
// CONFLICT RESOLUTION - Append-only audit record
// =============================================================================

type ResolutionChoice string

const (
	ResolveLocal  ResolutionChoice = "local"
	ResolveRemote ResolutionChoice = "remote"
)

// Valid reports whether the choice is one of the two recognized sides.
func (c ResolutionChoice) Valid() bool { return c == ResolveLocal || c == ResolveRemote }

// ConflictResolution captures what a resolution did. Written exactly once
// per successful resolution, never updated or deleted.
type ConflictResolution struct {
	ID             string
	ConflictID     string
	ConflictType   ConflictType
	VehicleID      string
	ResolvedBy     string
	Resolution     ResolutionChoice
	ResolutionData json.RawMessage
	Metadata       json.RawMessage // optional operator-supplied context
	CreatedAt      time.Time
}

// =============================================================================
// NOTIFICATION EVENT - Logical event only, transport is external
// =============================================================================

type NotificationKind string

const (
	NotifyBookingCancelled NotificationKind = "booking_cancelled"
	NotifyBookingShortened NotificationKind = "booking_shortened"
	NotifyBookingRepriced  NotificationKind = "booking_repriced"
)

// Notification is the logical "notify customer X of Y" event the engine
// emits after a resolution commits. Delivery belongs to the notification
// module.
type Notification struct {
	CustomerID string
	BookingID  string
	VehicleID  string
	Kind       NotificationKind
	Message    string
	Refund     *decimal.Decimal
}

// Notifier dispatches logical notification events.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
