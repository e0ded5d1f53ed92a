package syncer_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/fleet-sync/availability"
	"github.com/warp/fleet-sync/fleet"
	"github.com/warp/fleet-sync/fleet/store"
	"github.com/warp/fleet-sync/syncer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T, opts ...syncer.Option) (*syncer.Orchestrator, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	cache := availability.NewWithClock(mem, func() time.Time { return testNow })
	opts = append([]syncer.Option{syncer.WithClock(func() time.Time { return testNow })}, opts...)
	return syncer.New(mem, cache, zap.NewNop(), opts...), mem
}

func seedVehicle(t *testing.T, mem *store.TxMemory, id string) {
	t.Helper()
	require.NoError(t, mem.SaveVehicle(context.Background(), fleet.Vehicle{
		ID: id, Make: "Toyota", Model: "Corolla", Year: 2024,
	}))
}

func seedBooking(t *testing.T, mem *store.TxMemory, id, vehicleID, start, end string, total int64) {
	t.Helper()
	require.NoError(t, mem.SaveBooking(context.Background(), fleet.Booking{
		ID:          id,
		VehicleID:   vehicleID,
		CustomerID:  "cust-" + id,
		Start:       fleet.MustDay(start),
		End:         fleet.MustDay(end),
		Status:      fleet.BookingConfirmed,
		TotalAmount: decimal.NewFromInt(total),
	}))
}

func janRange(t *testing.T) fleet.DateRange {
	t.Helper()
	rng, err := fleet.NewDateRange(fleet.MustDay("2026-01-01"), fleet.MustDay("2026-01-11"))
	require.NoError(t, err)
	return rng
}

// =============================================================================
// BATCH SYNC
// =============================================================================

func TestSyncVehicles_DetectsAndPersistsConflicts(t *testing.T) {
	// GIVEN: One vehicle with overlapping bookings, one clean vehicle
	// WHEN: Running a full sync over a 10-day range
	// THEN: The run completes with conflicts, items are itemized per
	//       vehicle, and conflict rows are persisted independently

	orch, mem := newTestOrchestrator(t)
	ctx := context.Background()

	seedVehicle(t, mem, "veh-1")
	seedVehicle(t, mem, "veh-2")
	seedBooking(t, mem, "b-1", "veh-1", "2026-01-01", "2026-01-05", 400)
	seedBooking(t, mem, "b-2", "veh-1", "2026-01-04", "2026-01-07", 300)
	seedBooking(t, mem, "b-3", "veh-2", "2026-01-02", "2026-01-04", 200)

	run, items, err := orch.SyncVehicles(ctx, syncer.Request{
		VehicleIDs: []string{"veh-1", "veh-2"},
		FullSync:   true,
		Range:      janRange(t),
	})
	require.NoError(t, err)

	assert.Equal(t, fleet.RunCompletedWithConflicts, run.Status)
	assert.Equal(t, 1, run.ConflictCount)
	assert.Equal(t, 20, run.UpdatedCount, "10 cache rows per vehicle")

	require.Len(t, items, 2)
	assert.Equal(t, fleet.ItemConflict, items[0].Status)
	assert.Equal(t, 2, items[0].BookingCount)
	assert.Equal(t, "700", items[0].Revenue.String())
	assert.Equal(t, fleet.ItemSynced, items[1].Status)

	conflicts, err := mem.Conflicts(ctx, fleet.ConflictFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.NotEmpty(t, conflicts[0].ID)
	assert.Equal(t, run.ID, conflicts[0].RunID)
	assert.False(t, conflicts[0].Resolved)
}

func TestSyncVehicles_FailedVehicleDoesNotAbortBatch(t *testing.T) {
	// GIVEN: A batch containing an unknown vehicle
	// WHEN: Syncing
	// THEN: The unknown vehicle becomes an error item, the rest succeed

	orch, mem := newTestOrchestrator(t)
	ctx := context.Background()

	seedVehicle(t, mem, "veh-1")

	run, items, err := orch.SyncVehicles(ctx, syncer.Request{
		VehicleIDs: []string{"veh-ghost", "veh-1"},
		FullSync:   true,
		Range:      janRange(t),
	})
	require.NoError(t, err)

	require.Len(t, items, 2)
	assert.Equal(t, fleet.ItemError, items[0].Status)
	assert.NotEmpty(t, items[0].Error)
	assert.Equal(t, fleet.ItemSynced, items[1].Status)
	assert.Equal(t, fleet.RunCompleted, run.Status, "partial failure is not a run failure")
}

func TestSyncVehicles_AllFailed_RunError(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	run, _, err := orch.SyncVehicles(context.Background(), syncer.Request{
		VehicleIDs: []string{"veh-ghost"},
		Range:      janRange(t),
	})
	require.NoError(t, err)
	assert.Equal(t, fleet.RunError, run.Status)
}

func TestSyncVehicles_EmptyListSyncsWholeFleet(t *testing.T) {
	orch, mem := newTestOrchestrator(t)

	seedVehicle(t, mem, "veh-1")
	seedVehicle(t, mem, "veh-2")

	run, items, err := orch.SyncVehicles(context.Background(), syncer.Request{
		FullSync: true,
		Range:    janRange(t),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"veh-1", "veh-2"}, run.VehicleIDs)
	assert.Len(t, items, 2)
}

// =============================================================================
// REMOTE AVAILABILITY
// =============================================================================

type fakeRemote struct {
	days map[fleet.Day]bool
}

func (f *fakeRemote) Days(_ context.Context, _ string, _ fleet.DateRange) (map[fleet.Day]bool, error) {
	return f.days, nil
}

func TestSyncVehicles_RemoteDisagreementBecomesConflict(t *testing.T) {
	// GIVEN: The remote feed marks a locally-free day as unavailable
	// WHEN: Running a full sync with the feed attached
	// THEN: An availability_conflict row is produced

	remote := &fakeRemote{days: map[fleet.Day]bool{
		fleet.MustDay("2026-01-03"): false,
	}}
	orch, mem := newTestOrchestrator(t, syncer.WithRemote(remote))
	ctx := context.Background()

	seedVehicle(t, mem, "veh-1")

	run, _, err := orch.SyncVehicles(ctx, syncer.Request{
		VehicleIDs: []string{"veh-1"},
		FullSync:   true,
		Range:      janRange(t),
	})
	require.NoError(t, err)

	conflicts, err := mem.Conflicts(ctx, fleet.ConflictFilter{RunID: run.ID})
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, fleet.ConflictAvailability, conflicts[0].Type)
	assert.Equal(t, "2026-01-03", conflicts[0].Day.String())
}

// =============================================================================
// STATUS
// =============================================================================

func TestSyncStatus_ReportsLatestRunAndUpcoming(t *testing.T) {
	orch, mem := newTestOrchestrator(t)
	ctx := context.Background()

	seedVehicle(t, mem, "veh-1")
	seedBooking(t, mem, "b-1", "veh-1", "2026-01-05", "2026-01-08", 300)
	seedBooking(t, mem, "b-2", "veh-1", "2026-01-20", "2026-01-25", 500)

	run, _, err := orch.SyncVehicles(ctx, syncer.Request{
		VehicleIDs: []string{"veh-1"},
		FullSync:   true,
		Range:      janRange(t),
	})
	require.NoError(t, err)

	st, err := orch.SyncStatus(ctx, "veh-1")
	require.NoError(t, err)

	require.NotNil(t, st.Run)
	assert.Equal(t, run.ID, st.Run.ID)
	require.NotNil(t, st.Item)
	assert.Equal(t, "veh-1", st.Item.VehicleID)
	require.Len(t, st.UpcomingBookings, 2)
	require.NotNil(t, st.NextBooking)
	assert.Equal(t, "b-1", st.NextBooking.ID)
}

func TestSyncStatus_UnknownVehicle(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	_, err := orch.SyncStatus(context.Background(), "veh-ghost")
	assert.ErrorIs(t, err, fleet.ErrVehicleNotFound)
}
