/*
store.go - Persistence interfaces for the sync engine

PURPOSE:
  Defines the interface between domain logic and the database. The engine
  reads bookings/rules/vehicles owned by the listings module, materializes
  the availability cache, and persists conflicts, sync runs, and the
  append-only resolution log.

KEY INTERFACES:
  BookingStore / PricingStore / VehicleStore: Source-of-truth reads plus
    the limited writes the resolution engine performs
  CacheStore:      Materialized per-day availability view
  ConflictStore:   First-class conflict rows with a conditional resolve flip
  RunStore:        Sync runs and their itemized per-vehicle results
  ResolutionStore: Append-only audit log (no Update, no Delete)
  TxStore:         Store plus WithTx for atomic multi-table mutations

CONDITIONAL RESOLVE:
  MarkConflictResolved performs a conditional write (resolved=false -> true)
  and returns ErrConflictAlreadyResolved when the row was already flipped.
  This is the concurrency guard that lets two operators work the same
  vehicle without a read-modify-write race on a shared parent record.

ATOMIC RESOLUTIONS:
  A resolution mutates a booking (or rule, or cache day), appends an audit
  row, and flips the conflict, all inside one WithTx. A failure partway
  leaves no partial state.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - fleet/store/memory.go:  In-memory for tests

SEE ALSO:
  - resolve/resolve.go: Consumes WithTx
  - syncer/syncer.go:   Consumes RunStore and ConflictStore
*/
package fleet

import (
	"context"
	"time"
)

// =============================================================================
// SOURCE-OF-TRUTH STORES (owned by listings; limited writes here)
// =============================================================================

// BookingStore reads bookings and applies the two mutations the resolution
// engine is allowed to make: cancel and shrink.
type BookingStore interface {
	// BookingsByVehicle returns bookings whose interval overlaps rng,
	// ordered by start then id.
	BookingsByVehicle(ctx context.Context, vehicleID string, rng DateRange) ([]Booking, error)

	// Booking returns one booking or ErrBookingNotFound.
	Booking(ctx context.Context, id string) (*Booking, error)

	// SaveBooking upserts a booking row.
	SaveBooking(ctx context.Context, b Booking) error
}

// PricingStore reads pricing rules.
type PricingStore interface {
	// RulesByVehicle returns rules whose interval overlaps rng,
	// ordered by start then id.
	RulesByVehicle(ctx context.Context, vehicleID string, rng DateRange) ([]PricingRule, error)

	// Rule returns one rule or ErrRuleNotFound.
	Rule(ctx context.Context, id string) (*PricingRule, error)

	// SaveRule upserts a rule row.
	SaveRule(ctx context.Context, r PricingRule) error
}

// VehicleStore reads vehicles.
type VehicleStore interface {
	// Vehicle returns one vehicle or ErrVehicleNotFound.
	Vehicle(ctx context.Context, id string) (*Vehicle, error)

	// Vehicles returns all vehicles ordered by id.
	Vehicles(ctx context.Context) ([]Vehicle, error)

	// SaveVehicle upserts a vehicle row (seeding and tests).
	SaveVehicle(ctx context.Context, v Vehicle) error
}

// =============================================================================
// AVAILABILITY CACHE STORE
// =============================================================================

// CacheStore persists the materialized availability view.
type CacheStore interface {
	// UpsertDay sets a single (vehicle, day) row. Last write wins.
	UpsertDay(ctx context.Context, e AvailabilityEntry) error

	// ReplaceRange atomically installs the computed entries for
	// [rng.Start, rng.End). Readers never observe an empty window: new
	// rows are written under a fresh generation marker and only stale
	// COMPUTED rows are removed, in the same transaction. Rows tagged
	// MANUAL_RESOLUTION are preserved unless force is true.
	ReplaceRange(ctx context.Context, vehicleID string, rng DateRange, entries []AvailabilityEntry, force bool) error

	// Entries returns cache rows for the range, ordered by day.
	Entries(ctx context.Context, vehicleID string, rng DateRange) ([]AvailabilityEntry, error)
}

// RemoteAvailability supplies externally-held per-day values to compare
// against the local cache. Nil maps mean the remote has no opinion.
type RemoteAvailability interface {
	Days(ctx context.Context, vehicleID string, rng DateRange) (map[Day]bool, error)
}

// =============================================================================
// CONFLICT / RUN / RESOLUTION STORES
// =============================================================================

// ConflictFilter narrows conflict listings.
type ConflictFilter struct {
	VehicleID string
	RunID     string
	Resolved  *bool
	Limit     int
}

// ConflictStore persists detected conflicts as independent rows.
type ConflictStore interface {
	// SaveConflicts inserts detection output atomically.
	SaveConflicts(ctx context.Context, conflicts []Conflict) error

	// Conflict returns one conflict or ErrConflictNotFound.
	Conflict(ctx context.Context, id string) (*Conflict, error)

	// Conflicts lists conflicts matching the filter, newest first.
	Conflicts(ctx context.Context, f ConflictFilter) ([]Conflict, error)

	// MarkConflictResolved flips resolved=false -> true conditionally.
	// Returns ErrConflictAlreadyResolved if the row was already resolved,
	// ErrConflictNotFound if it doesn't exist.
	MarkConflictResolved(ctx context.Context, id string, at time.Time) error
}

// RunStore persists sync runs and their per-vehicle items.
type RunStore interface {
	// SaveRun inserts a run and its itemized results atomically.
	SaveRun(ctx context.Context, run SyncRun, items []VehicleSyncItem) error

	// LatestRunForVehicle returns the most recent run touching the
	// vehicle and that vehicle's item, or ErrRunNotFound.
	LatestRunForVehicle(ctx context.Context, vehicleID string) (*SyncRun, *VehicleSyncItem, error)
}

// ResolutionStore is the append-only audit log.
// IMPORTANT: append-only. No Update, No Delete. Ever.
type ResolutionStore interface {
	// AppendResolution writes one audit row.
	AppendResolution(ctx context.Context, r ConflictResolution) error

	// Resolutions lists audit rows newest first, optionally filtered by
	// vehicle. limit <= 0 applies a default.
	Resolutions(ctx context.Context, vehicleID string, limit int) ([]ConflictResolution, error)
}

// =============================================================================
// AGGREGATE + TRANSACTIONAL STORE
// =============================================================================

// Store aggregates every persistence concern of the engine.
type Store interface {
	BookingStore
	PricingStore
	VehicleStore
	CacheStore
	ConflictStore
	RunStore
	ResolutionStore
}

// TxStore wraps Store with transaction support. Use for resolutions,
// where booking mutation + audit row + conflict flip must be one unit.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns an error, the transaction is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
