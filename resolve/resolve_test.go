package resolve_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/fleet-sync/fleet"
	"github.com/warp/fleet-sync/fleet/store"
	"github.com/warp/fleet-sync/notify"
	"github.com/warp/fleet-sync/resolve"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*resolve.Engine, *store.TxMemory, *notify.Recorder) {
	t.Helper()
	mem := store.NewTxMemory()
	rec := &notify.Recorder{}
	eng := resolve.New(mem, zap.NewNop(),
		resolve.WithNotifier(rec),
		resolve.WithClock(func() time.Time { return testNow }))
	return eng, mem, rec
}

func seedBooking(t *testing.T, mem *store.TxMemory, id, start, end string, total int64) fleet.Booking {
	t.Helper()
	b := fleet.Booking{
		ID:          id,
		VehicleID:   "veh-1",
		CustomerID:  "cust-" + id,
		Start:       fleet.MustDay(start),
		End:         fleet.MustDay(end),
		Status:      fleet.BookingConfirmed,
		TotalAmount: decimal.NewFromInt(total),
	}
	require.NoError(t, mem.SaveBooking(context.Background(), b))
	return b
}

func snapshot(b fleet.Booking) json.RawMessage {
	raw, _ := json.Marshal(fleet.BookingSnapshot{
		BookingID: b.ID,
		Start:     b.Start.String(),
		End:       b.End.String(),
		Status:    b.Status,
	})
	return raw
}

func seedConflict(t *testing.T, mem *store.TxMemory, c fleet.Conflict) fleet.Conflict {
	t.Helper()
	if c.ID == "" {
		c.ID = "c-1"
	}
	c.RunID = "run-1"
	c.VehicleID = "veh-1"
	c.CreatedAt = testNow.Add(-time.Hour)
	require.NoError(t, mem.SaveConflicts(context.Background(), []fleet.Conflict{c}))
	return c
}

// =============================================================================
// DOUBLE BOOKING RESOLUTION
// =============================================================================

func TestResolve_DoubleBooking_RemoteShortensEarlierAndRefunds(t *testing.T) {
	// GIVEN: A 9-day booking at 900 total, overlapped by one starting Jan 9
	// WHEN: Resolving in favor of the later booking
	// THEN: The earlier booking ends Jan 8, is repriced to 700, and the
	//       customer is told about the 200 refund

	eng, mem, rec := newTestEngine(t)
	ctx := context.Background()

	b1 := seedBooking(t, mem, "b-1", "2026-01-01", "2026-01-10", 900)
	b2 := seedBooking(t, mem, "b-2", "2026-01-09", "2026-01-12", 300)
	c := seedConflict(t, mem, fleet.Conflict{
		Type:        fleet.ConflictDoubleBooking,
		Day:         b2.Start,
		LocalValue:  snapshot(b1),
		RemoteValue: snapshot(b2),
	})

	record, err := eng.Resolve(ctx, resolve.Input{
		ConflictID: c.ID,
		Resolution: fleet.ResolveRemote,
		ResolvedBy: "ops-jamie",
		Metadata:   json.RawMessage(`{"reason":"customer confirmed by phone"}`),
	})
	require.NoError(t, err)

	got, err := mem.Booking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-08", got.End.String())
	assert.Equal(t, "700", got.TotalAmount.String())
	assert.Equal(t, fleet.BookingConfirmed, got.Status)

	// Audit row
	assert.Equal(t, "ops-jamie", record.ResolvedBy)
	assert.Equal(t, fleet.ResolveRemote, record.Resolution)
	var data map[string]string
	require.NoError(t, json.Unmarshal(record.ResolutionData, &data))
	assert.Equal(t, "200", data["refund"])
	assert.Equal(t, "2026-01-10", data["oldEnd"])
	assert.JSONEq(t, `{"reason":"customer confirmed by phone"}`, string(record.Metadata))

	// Conflict row flipped
	resolved, err := mem.Conflict(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, resolved.Resolved)
	require.NotNil(t, resolved.ResolvedAt)

	// Notification after commit
	require.Len(t, rec.Sent, 1)
	n := rec.Sent[0]
	assert.Equal(t, fleet.NotifyBookingShortened, n.Kind)
	assert.Equal(t, "cust-b-1", n.CustomerID)
	require.NotNil(t, n.Refund)
	assert.Equal(t, "200.00", n.Refund.StringFixed(2))
}

func TestResolve_DoubleBooking_LocalCancelsLater(t *testing.T) {
	// GIVEN: The same overlap
	// WHEN: Resolving in favor of the earlier booking
	// THEN: The later booking is cancelled with a reason, earlier untouched

	eng, mem, rec := newTestEngine(t)
	ctx := context.Background()

	b1 := seedBooking(t, mem, "b-1", "2026-01-01", "2026-01-10", 900)
	b2 := seedBooking(t, mem, "b-2", "2026-01-09", "2026-01-12", 300)
	c := seedConflict(t, mem, fleet.Conflict{
		Type:        fleet.ConflictDoubleBooking,
		Day:         b2.Start,
		LocalValue:  snapshot(b1),
		RemoteValue: snapshot(b2),
	})

	_, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveLocal})
	require.NoError(t, err)

	cancelled, err := mem.Booking(ctx, "b-2")
	require.NoError(t, err)
	assert.Equal(t, fleet.BookingCancelled, cancelled.Status)
	assert.Contains(t, cancelled.CancelReason, "b-1")

	kept, err := mem.Booking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-10", kept.End.String())
	assert.Equal(t, "900", kept.TotalAmount.String())

	require.Len(t, rec.Sent, 1)
	assert.Equal(t, fleet.NotifyBookingCancelled, rec.Sent[0].Kind)
	assert.Equal(t, "cust-b-2", rec.Sent[0].CustomerID)
}

func TestResolve_DoubleBooking_ShrinkToNothingRejected(t *testing.T) {
	// GIVEN: Two bookings starting the same day
	// WHEN: Resolving remote would shrink the earlier one below one day
	// THEN: The resolution fails and nothing changes

	eng, mem, _ := newTestEngine(t)
	ctx := context.Background()

	b1 := seedBooking(t, mem, "b-1", "2026-01-01", "2026-01-05", 400)
	b2 := seedBooking(t, mem, "b-2", "2026-01-01", "2026-01-03", 200)
	c := seedConflict(t, mem, fleet.Conflict{
		Type:        fleet.ConflictDoubleBooking,
		Day:         b1.Start,
		LocalValue:  snapshot(b1),
		RemoteValue: snapshot(b2),
	})

	_, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveRemote})
	assert.ErrorIs(t, err, fleet.ErrInvalidResolution)

	// Rolled back: conflict still open, booking untouched.
	open, err := mem.Conflict(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, open.Resolved)

	got, err := mem.Booking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-05", got.End.String())
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestResolve_SecondAttemptRejected(t *testing.T) {
	// GIVEN: A conflict that has already been resolved
	// WHEN: Resolving it again (even with the other choice)
	// THEN: AlreadyResolvedError; exactly one audit row; no second mutation

	eng, mem, rec := newTestEngine(t)
	ctx := context.Background()

	b1 := seedBooking(t, mem, "b-1", "2026-01-01", "2026-01-10", 900)
	b2 := seedBooking(t, mem, "b-2", "2026-01-09", "2026-01-12", 300)
	c := seedConflict(t, mem, fleet.Conflict{
		Type:        fleet.ConflictDoubleBooking,
		Day:         b2.Start,
		LocalValue:  snapshot(b1),
		RemoteValue: snapshot(b2),
	})

	_, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveLocal})
	require.NoError(t, err)

	_, err = eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveRemote})
	require.Error(t, err)
	assert.True(t, fleet.IsAlreadyResolved(err))

	resolutions, err := mem.Resolutions(ctx, "veh-1", 0)
	require.NoError(t, err)
	assert.Len(t, resolutions, 1)

	// The losing attempt must not have shortened the earlier booking.
	got, err := mem.Booking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-10", got.End.String())
	assert.Len(t, rec.Sent, 1)
}

// =============================================================================
// PRICING RESOLUTION
// =============================================================================

func pricingConflict(t *testing.T, mem *store.TxMemory, b fleet.Booking, candidates []fleet.PricingCandidate) fleet.Conflict {
	t.Helper()
	local, _ := json.Marshal(fleet.PricingLocalSnapshot{BookingID: b.ID, TotalAmount: b.TotalAmount})
	remote, _ := json.Marshal(fleet.PricingRemoteSnapshot{BookingID: b.ID, Candidates: candidates})
	return seedConflict(t, mem, fleet.Conflict{
		Type:        fleet.ConflictPricingMismatch,
		Day:         b.Start,
		LocalValue:  local,
		RemoteValue: remote,
	})
}

func TestResolve_Pricing_RemoteTieBreaksOnRuleID(t *testing.T) {
	// GIVEN: Two candidate rules with equal priority
	// WHEN: Resolving remote
	// THEN: The lower rule ID wins and the booking is repriced from it

	eng, mem, rec := newTestEngine(t)
	ctx := context.Background()

	b := seedBooking(t, mem, "b-1", "2026-02-10", "2026-02-14", 400) // 4 days
	c := pricingConflict(t, mem, b, []fleet.PricingCandidate{
		{RuleID: "r-2", DailyRate: decimal.NewFromInt(80), Priority: 5},
		{RuleID: "r-1", DailyRate: decimal.NewFromInt(150), Priority: 5},
	})

	record, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveRemote})
	require.NoError(t, err)

	got, err := mem.Booking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "600", got.TotalAmount.String(), "150/day * 4 days")

	var data map[string]string
	require.NoError(t, json.Unmarshal(record.ResolutionData, &data))
	assert.Equal(t, "r-1", data["ruleId"])

	// 400 -> 600 is a 50% move, above the 10% threshold.
	require.Len(t, rec.Sent, 1)
	assert.Equal(t, fleet.NotifyBookingRepriced, rec.Sent[0].Kind)
}

func TestResolve_Pricing_HigherPriorityWins(t *testing.T) {
	eng, mem, _ := newTestEngine(t)
	ctx := context.Background()

	b := seedBooking(t, mem, "b-1", "2026-02-10", "2026-02-14", 400)
	c := pricingConflict(t, mem, b, []fleet.PricingCandidate{
		{RuleID: "r-1", DailyRate: decimal.NewFromInt(150), Priority: 0},
		{RuleID: "r-9", DailyRate: decimal.NewFromInt(110), Priority: 10},
	})

	_, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveRemote})
	require.NoError(t, err)

	got, err := mem.Booking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "440", got.TotalAmount.String(), "110/day * 4 days")
}

func TestResolve_Pricing_SmallMoveNoNotification(t *testing.T) {
	// GIVEN: A reprice that moves the total by 7.5%
	// WHEN: Resolving remote
	// THEN: The booking is updated but the customer is not notified

	eng, mem, rec := newTestEngine(t)
	ctx := context.Background()

	b := seedBooking(t, mem, "b-1", "2026-02-10", "2026-02-14", 400)
	c := pricingConflict(t, mem, b, []fleet.PricingCandidate{
		{RuleID: "r-1", DailyRate: decimal.RequireFromString("107.5"), Priority: 1},
	})

	_, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveRemote})
	require.NoError(t, err)

	got, err := mem.Booking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "430", got.TotalAmount.String())
	assert.Empty(t, rec.Sent)
}

func TestResolve_Pricing_LocalIsAuditOnly(t *testing.T) {
	eng, mem, rec := newTestEngine(t)
	ctx := context.Background()

	b := seedBooking(t, mem, "b-1", "2026-02-10", "2026-02-14", 400)
	c := pricingConflict(t, mem, b, []fleet.PricingCandidate{
		{RuleID: "r-1", DailyRate: decimal.NewFromInt(150), Priority: 5},
	})

	record, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveLocal})
	require.NoError(t, err)

	got, err := mem.Booking(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, "400", got.TotalAmount.String(), "local keeps the stored total")
	assert.Empty(t, rec.Sent)

	var data map[string]string
	require.NoError(t, json.Unmarshal(record.ResolutionData, &data))
	assert.Equal(t, "400", data["keptTotal"])
}

// =============================================================================
// AVAILABILITY RESOLUTION
// =============================================================================

func availabilityConflict(t *testing.T, mem *store.TxMemory, day string, local, remote bool) fleet.Conflict {
	t.Helper()
	localRaw, _ := json.Marshal(fleet.AvailabilitySnapshot{Available: local})
	remoteRaw, _ := json.Marshal(fleet.AvailabilitySnapshot{Available: remote})
	return seedConflict(t, mem, fleet.Conflict{
		Type:        fleet.ConflictAvailability,
		Day:         fleet.MustDay(day),
		LocalValue:  localRaw,
		RemoteValue: remoteRaw,
	})
}

func TestResolve_Availability_LocalPinsDay(t *testing.T) {
	// GIVEN: Cache and remote disagree on Mar 1
	// WHEN: Resolving local
	// THEN: The cached value is pinned as MANUAL_RESOLUTION

	eng, mem, _ := newTestEngine(t)
	ctx := context.Background()

	c := availabilityConflict(t, mem, "2026-03-01", true, false)

	_, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveLocal})
	require.NoError(t, err)

	rng, err := fleet.NewDateRange(fleet.MustDay("2026-03-01"), fleet.MustDay("2026-03-02"))
	require.NoError(t, err)
	entries, err := mem.Entries(ctx, "veh-1", rng)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Available)
	assert.Equal(t, fleet.SourceManualResolution, entries[0].Source)
}

func TestResolve_Availability_RemoteAdoptsFeedValue(t *testing.T) {
	eng, mem, _ := newTestEngine(t)
	ctx := context.Background()

	c := availabilityConflict(t, mem, "2026-03-01", true, false)

	_, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveRemote})
	require.NoError(t, err)

	rng, err := fleet.NewDateRange(fleet.MustDay("2026-03-01"), fleet.MustDay("2026-03-02"))
	require.NoError(t, err)
	entries, err := mem.Entries(ctx, "veh-1", rng)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Available)
	assert.Equal(t, fleet.SourceRemoteSync, entries[0].Source)
}

// =============================================================================
// INPUT VALIDATION
// =============================================================================

func TestResolve_InvalidChoice(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.Resolve(context.Background(), resolve.Input{
		ConflictID: "c-1",
		Resolution: fleet.ResolutionChoice("split"),
	})
	assert.ErrorIs(t, err, fleet.ErrInvalidResolution)
}

func TestResolve_UnknownConflict(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	_, err := eng.Resolve(context.Background(), resolve.Input{
		ConflictID: "c-ghost",
		Resolution: fleet.ResolveLocal,
	})
	assert.ErrorIs(t, err, fleet.ErrConflictNotFound)
}

func TestResolve_DefaultsOperatorIdentity(t *testing.T) {
	eng, mem, _ := newTestEngine(t)
	ctx := context.Background()

	c := availabilityConflict(t, mem, "2026-03-05", true, false)

	record, err := eng.Resolve(ctx, resolve.Input{ConflictID: c.ID, Resolution: fleet.ResolveLocal})
	require.NoError(t, err)
	assert.Equal(t, resolve.DefaultResolvedBy, record.ResolvedBy)
}
