/*
Package resolve applies operator decisions to detected conflicts.

PURPOSE:
  Turns a (conflict, local-or-remote) choice into the corresponding data
  mutation, flips the conflict's resolved flag, and appends one audit row.
  All three happen inside a single store transaction; customer
  notifications go out only after the transaction commits.

RESOLUTION SEMANTICS:
  double_booking    local:  keep the earlier booking, cancel the later
                    remote: keep the later booking, shorten the earlier so
                            it ends the day before the later one starts,
                            repricing it pro rata and computing the refund
  pricing_mismatch  local:  keep the stored total, audit only
                    remote: reprice from the winning rule (highest
                            priority, then lowest rule ID); notify the
                            customer when the total moves more than 10%
  availability      local:  pin the cached value as MANUAL_RESOLUTION
                    remote: adopt the remote value as REMOTE_SYNC

IDEMPOTENCY:
  The conflict row's resolved flag is flipped with a conditional update
  as the FIRST write of the transaction. A concurrent second resolution
  of the same conflict fails there and rolls back, leaving exactly one
  mutation and one audit row.

SEE ALSO:
  - detect/detect.go: How the conflicts were produced
  - fleet/store.go: MarkConflictResolved and AppendResolution contracts
*/
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fleet-sync/detect"
	"github.com/warp/fleet-sync/fleet"
)

// DefaultResolvedBy is recorded when the caller does not identify itself.
const DefaultResolvedBy = "operator"

// repriceNotifyThreshold: customers hear about a reprice only when the
// total moves by more than this fraction.
var repriceNotifyThreshold = decimal.NewFromFloat(0.10)

// Engine resolves conflicts.
type Engine struct {
	store    fleet.TxStore
	notifier fleet.Notifier // nil disables notifications
	log      *zap.Logger
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(n fleet.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store fleet.TxStore, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Input identifies the conflict and the chosen side. Metadata is free-form
// operator context carried onto the audit row verbatim.
type Input struct {
	ConflictID string
	Resolution fleet.ResolutionChoice
	ResolvedBy string
	Metadata   json.RawMessage
}

// Resolve applies the choice. On success exactly one audit row exists for
// the conflict; on any error no mutation is visible.
func (e *Engine) Resolve(ctx context.Context, in Input) (*fleet.ConflictResolution, error) {
	if !in.Resolution.Valid() {
		return nil, fmt.Errorf("%w: %q is not local or remote", fleet.ErrInvalidResolution, in.Resolution)
	}
	resolvedBy := in.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = DefaultResolvedBy
	}

	conflict, err := e.store.Conflict(ctx, in.ConflictID)
	if err != nil {
		return nil, err
	}
	if conflict.Resolved {
		return nil, &fleet.AlreadyResolvedError{ConflictID: conflict.ID, ResolvedAt: conflict.ResolvedAt}
	}

	now := e.now().UTC()
	record := fleet.ConflictResolution{
		ID:           uuid.NewString(),
		ConflictID:   conflict.ID,
		ConflictType: conflict.Type,
		VehicleID:    conflict.VehicleID,
		ResolvedBy:   resolvedBy,
		Resolution:   in.Resolution,
		Metadata:     in.Metadata,
		CreatedAt:    now,
	}

	var notifications []fleet.Notification

	err = e.store.WithTx(ctx, func(tx fleet.Store) error {
		// Flip the flag first; a concurrent resolver loses here.
		if err := tx.MarkConflictResolved(ctx, conflict.ID, now); err != nil {
			return err
		}

		var (
			data  any
			notes []fleet.Notification
			err   error
		)
		switch conflict.Type {
		case fleet.ConflictDoubleBooking:
			data, notes, err = e.resolveDoubleBooking(ctx, tx, conflict, in.Resolution, now)
		case fleet.ConflictPricingMismatch:
			data, notes, err = e.resolvePricing(ctx, tx, conflict, in.Resolution, now)
		case fleet.ConflictAvailability:
			data, err = e.resolveAvailability(ctx, tx, conflict, in.Resolution, now)
		default:
			err = fmt.Errorf("%w: %q", fleet.ErrUnknownConflictType, conflict.Type)
		}
		if err != nil {
			return err
		}

		record.ResolutionData, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to encode resolution data: %w", err)
		}
		notifications = notes
		return tx.AppendResolution(ctx, record)
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("conflict resolved",
		zap.String("conflict_id", conflict.ID),
		zap.String("type", string(conflict.Type)),
		zap.String("resolution", string(in.Resolution)),
		zap.String("resolved_by", resolvedBy))

	e.notify(ctx, notifications)
	return &record, nil
}

// notify delivers post-commit notifications. Delivery failures are logged
// and never surfaced: the resolution already committed.
func (e *Engine) notify(ctx context.Context, notifications []fleet.Notification) {
	if e.notifier == nil {
		return
	}
	for _, n := range notifications {
		if err := e.notifier.Notify(ctx, n); err != nil {
			e.log.Warn("notification delivery failed",
				zap.String("kind", string(n.Kind)),
				zap.String("booking_id", n.BookingID),
				zap.Error(err))
		}
	}
}

// -----------------------------------------------------------------------------
// double_booking
// -----------------------------------------------------------------------------

type doubleBookingData struct {
	KeptBookingID      string `json:"keptBookingId"`
	CancelledBookingID string `json:"cancelledBookingId,omitempty"`
	ShortenedBookingID string `json:"shortenedBookingId,omitempty"`
	OldEnd             string `json:"oldEnd,omitempty"`
	NewEnd             string `json:"newEnd,omitempty"`
	OldTotal           string `json:"oldTotal,omitempty"`
	NewTotal           string `json:"newTotal,omitempty"`
	Refund             string `json:"refund,omitempty"`
}

func (e *Engine) resolveDoubleBooking(ctx context.Context, tx fleet.Store, c *fleet.Conflict, choice fleet.ResolutionChoice, now time.Time) (any, []fleet.Notification, error) {
	var localSnap, remoteSnap fleet.BookingSnapshot
	if err := json.Unmarshal(c.LocalValue, &localSnap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode local booking snapshot: %w", err)
	}
	if err := json.Unmarshal(c.RemoteValue, &remoteSnap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode remote booking snapshot: %w", err)
	}
	earlier, later := detect.OrderSnapshots(localSnap, remoteSnap)

	if choice == fleet.ResolveLocal {
		// Keep the earlier booking, cancel the later.
		booking, err := tx.Booking(ctx, later.BookingID)
		if err != nil {
			return nil, nil, err
		}
		booking.Status = fleet.BookingCancelled
		booking.CancelReason = fmt.Sprintf("overlaps booking %s", earlier.BookingID)
		booking.UpdatedAt = now
		if err := tx.SaveBooking(ctx, *booking); err != nil {
			return nil, nil, err
		}

		data := doubleBookingData{
			KeptBookingID:      earlier.BookingID,
			CancelledBookingID: booking.ID,
		}
		note := fleet.Notification{
			CustomerID: booking.CustomerID,
			BookingID:  booking.ID,
			VehicleID:  booking.VehicleID,
			Kind:       fleet.NotifyBookingCancelled,
			Message:    fmt.Sprintf("Your booking %s was cancelled: the vehicle is already booked for those dates.", booking.ID),
		}
		return data, []fleet.Notification{note}, nil
	}

	// Keep the later booking, shorten the earlier one so it ends the day
	// before the later one starts.
	booking, err := tx.Booking(ctx, earlier.BookingID)
	if err != nil {
		return nil, nil, err
	}
	laterStart, err := fleet.ParseDay(later.Start)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse conflicting start date: %w", err)
	}

	newEnd := laterStart.AddDays(-1)
	oldDays := booking.Days()
	newDays := fleet.DaysBetween(booking.Start, newEnd)
	if newDays < 1 || oldDays < 1 {
		return nil, nil, fmt.Errorf("%w: shortening booking %s to end %s leaves no rental days",
			fleet.ErrInvalidResolution, booking.ID, newEnd)
	}

	oldEnd := booking.End
	oldTotal := booking.TotalAmount
	dailyRate := oldTotal.Div(decimal.NewFromInt(int64(oldDays)))
	newTotal := dailyRate.Mul(decimal.NewFromInt(int64(newDays))).Round(2)
	refund := oldTotal.Sub(newTotal)

	booking.End = newEnd
	booking.TotalAmount = newTotal
	booking.UpdatedAt = now
	if err := tx.SaveBooking(ctx, *booking); err != nil {
		return nil, nil, err
	}

	data := doubleBookingData{
		KeptBookingID:      later.BookingID,
		ShortenedBookingID: booking.ID,
		OldEnd:             oldEnd.String(),
		NewEnd:             newEnd.String(),
		OldTotal:           oldTotal.String(),
		NewTotal:           newTotal.String(),
		Refund:             refund.String(),
	}
	note := fleet.Notification{
		CustomerID: booking.CustomerID,
		BookingID:  booking.ID,
		VehicleID:  booking.VehicleID,
		Kind:       fleet.NotifyBookingShortened,
		Message: fmt.Sprintf("Your booking %s now ends on %s. A refund of %s is on its way.",
			booking.ID, newEnd, refund.StringFixed(2)),
		Refund: &refund,
	}
	return data, []fleet.Notification{note}, nil
}

// -----------------------------------------------------------------------------
// pricing_mismatch
// -----------------------------------------------------------------------------

type pricingData struct {
	BookingID string `json:"bookingId"`
	KeptTotal string `json:"keptTotal,omitempty"`
	RuleID    string `json:"ruleId,omitempty"`
	DailyRate string `json:"dailyRate,omitempty"`
	OldTotal  string `json:"oldTotal,omitempty"`
	NewTotal  string `json:"newTotal,omitempty"`
}

func (e *Engine) resolvePricing(ctx context.Context, tx fleet.Store, c *fleet.Conflict, choice fleet.ResolutionChoice, now time.Time) (any, []fleet.Notification, error) {
	var localSnap fleet.PricingLocalSnapshot
	if err := json.Unmarshal(c.LocalValue, &localSnap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode local pricing snapshot: %w", err)
	}

	if choice == fleet.ResolveLocal {
		// Keep the stored total. Audit only, nothing to mutate.
		return pricingData{
			BookingID: localSnap.BookingID,
			KeptTotal: localSnap.TotalAmount.String(),
		}, nil, nil
	}

	var remoteSnap fleet.PricingRemoteSnapshot
	if err := json.Unmarshal(c.RemoteValue, &remoteSnap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode remote pricing snapshot: %w", err)
	}
	if len(remoteSnap.Candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no candidate pricing rules on conflict %s", fleet.ErrInvalidResolution, c.ID)
	}

	// Winning rule: highest priority, then lowest rule ID.
	winner := remoteSnap.Candidates[0]
	for _, cand := range remoteSnap.Candidates[1:] {
		if cand.Priority > winner.Priority ||
			(cand.Priority == winner.Priority && cand.RuleID < winner.RuleID) {
			winner = cand
		}
	}

	booking, err := tx.Booking(ctx, localSnap.BookingID)
	if err != nil {
		return nil, nil, err
	}

	rate := winner.DailyRate
	oldTotal := booking.TotalAmount
	newTotal := rate.Mul(decimal.NewFromInt(int64(booking.Days()))).Round(2)

	booking.TotalAmount = newTotal
	booking.UpdatedAt = now
	if err := tx.SaveBooking(ctx, *booking); err != nil {
		return nil, nil, err
	}

	data := pricingData{
		BookingID: booking.ID,
		RuleID:    winner.RuleID,
		DailyRate: rate.String(),
		OldTotal:  oldTotal.String(),
		NewTotal:  newTotal.String(),
	}

	var notes []fleet.Notification
	if significantChange(oldTotal, newTotal) {
		notes = append(notes, fleet.Notification{
			CustomerID: booking.CustomerID,
			BookingID:  booking.ID,
			VehicleID:  booking.VehicleID,
			Kind:       fleet.NotifyBookingRepriced,
			Message: fmt.Sprintf("The total for booking %s changed from %s to %s.",
				booking.ID, oldTotal.StringFixed(2), newTotal.StringFixed(2)),
		})
	}
	return data, notes, nil
}

// significantChange reports whether the move exceeds the notification
// threshold relative to the old total.
func significantChange(oldTotal, newTotal decimal.Decimal) bool {
	if oldTotal.IsZero() {
		return !newTotal.IsZero()
	}
	diff := newTotal.Sub(oldTotal).Abs()
	return diff.GreaterThan(oldTotal.Abs().Mul(repriceNotifyThreshold))
}

// -----------------------------------------------------------------------------
// availability_conflict
// -----------------------------------------------------------------------------

type availabilityData struct {
	Day       string `json:"day"`
	Available bool   `json:"available"`
	Source    string `json:"source"`
}

func (e *Engine) resolveAvailability(ctx context.Context, tx fleet.Store, c *fleet.Conflict, choice fleet.ResolutionChoice, now time.Time) (any, error) {
	var side json.RawMessage
	source := fleet.SourceManualResolution
	if choice == fleet.ResolveLocal {
		side = c.LocalValue
	} else {
		side = c.RemoteValue
		source = fleet.SourceRemoteSync
	}

	var snap fleet.AvailabilitySnapshot
	if err := json.Unmarshal(side, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode availability snapshot: %w", err)
	}

	entry := fleet.AvailabilityEntry{
		VehicleID:   c.VehicleID,
		Day:         c.Day,
		Available:   snap.Available,
		Source:      source,
		LastUpdated: now,
	}
	if err := tx.UpsertDay(ctx, entry); err != nil {
		return nil, err
	}

	return availabilityData{
		Day:       c.Day.String(),
		Available: snap.Available,
		Source:    string(source),
	}, nil
}
