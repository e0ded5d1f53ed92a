package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/fleet-sync/api"
	"github.com/warp/fleet-sync/availability"
	"github.com/warp/fleet-sync/fleet"
	"github.com/warp/fleet-sync/fleet/store"
	"github.com/warp/fleet-sync/resolve"
	"github.com/warp/fleet-sync/syncer"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

func newTestServer(t *testing.T) (*chi.Mux, *store.TxMemory) {
	t.Helper()
	mem := store.NewTxMemory()
	log := zap.NewNop()
	cache := availability.NewWithClock(mem, clock)
	orch := syncer.New(mem, cache, log, syncer.WithClock(clock))
	resolver := resolve.New(mem, log, resolve.WithClock(clock))
	h := api.NewHandler(mem, orch, resolver, cache)
	return api.NewRouter(h), mem
}

// seedOverlap stores one vehicle with two overlapping bookings so a full
// sync produces exactly one double-booking conflict.
func seedOverlap(t *testing.T, mem *store.TxMemory) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.SaveVehicle(ctx, fleet.Vehicle{ID: "veh-1", Make: "Kia", Model: "Niro", Year: 2024}))
	require.NoError(t, mem.SaveBooking(ctx, fleet.Booking{
		ID: "b-1", VehicleID: "veh-1", CustomerID: "cust-1",
		Start: fleet.MustDay("2026-01-01"), End: fleet.MustDay("2026-01-10"),
		Status: fleet.BookingConfirmed, TotalAmount: decimal.NewFromInt(900),
	}))
	require.NoError(t, mem.SaveBooking(ctx, fleet.Booking{
		ID: "b-2", VehicleID: "veh-1", CustomerID: "cust-2",
		Start: fleet.MustDay("2026-01-09"), End: fleet.MustDay("2026-01-12"),
		Status: fleet.BookingConfirmed, TotalAmount: decimal.NewFromInt(300),
	}))
}

func doJSON(t *testing.T, router *chi.Mux, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func runSync(t *testing.T, router *chi.Mux) api.SyncRunDTO {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/api/sync", api.SyncRequest{
		VehicleIDs: []string{"veh-1"},
		FullSync:   true,
		Start:      "2026-01-01",
		End:        "2026-01-15",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[api.SyncRunDTO](t, rec)
}

// =============================================================================
// SYNC ENDPOINTS
// =============================================================================

func TestTriggerSync_ReportsConflicts(t *testing.T) {
	// GIVEN: A vehicle with two overlapping bookings
	// WHEN: POST /api/sync with a full sync over January
	// THEN: The run completes with one conflict and a populated cache

	router, mem := newTestServer(t)
	seedOverlap(t, mem)

	run := runSync(t, router)
	assert.Equal(t, string(fleet.RunCompletedWithConflicts), run.Status)
	assert.Equal(t, 1, run.ConflictCount)
	require.Len(t, run.Items, 1)
	assert.Equal(t, "veh-1", run.Items[0].VehicleID)
	assert.Equal(t, "Kia Niro", run.Items[0].VehicleName)

	// The detected conflict records ride along on the response, so the
	// operator can resolve them without a second listing call.
	require.Len(t, run.Conflicts, 1)
	c := run.Conflicts[0]
	assert.Equal(t, run.ID, c.RunID)
	assert.Equal(t, string(fleet.ConflictDoubleBooking), c.Type)
	assert.False(t, c.Resolved)

	rec := doJSON(t, router, http.MethodPost, "/api/conflicts/"+c.ID+"/resolve",
		api.ResolveRequest{Resolution: "local"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestTriggerSync_BadDateRange(t *testing.T) {
	router, mem := newTestServer(t)
	seedOverlap(t, mem)

	rec := doJSON(t, router, http.MethodPost, "/api/sync", api.SyncRequest{
		VehicleIDs: []string{"veh-1"},
		Start:      "not-a-date",
		End:        "2026-01-15",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSyncStatus(t *testing.T) {
	router, mem := newTestServer(t)
	seedOverlap(t, mem)
	runSync(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/sync/status/veh-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st := decode[api.SyncStatusDTO](t, rec)
	assert.Equal(t, "veh-1", st.VehicleID)
	require.NotNil(t, st.Run)
	assert.Equal(t, 1, st.PendingConflicts)
	require.NotNil(t, st.NextBooking)
	assert.Equal(t, "b-1", st.NextBooking.ID)
}

func TestGetSyncStatus_UnknownVehicle(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/sync/status/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// CONFLICT ENDPOINTS
// =============================================================================

func TestListConflicts_Filtering(t *testing.T) {
	router, mem := newTestServer(t)
	seedOverlap(t, mem)
	runSync(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/conflicts?vehicle_id=veh-1&resolved=false", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	open := decode[[]api.ConflictDTO](t, rec)
	require.Len(t, open, 1)
	assert.Equal(t, string(fleet.ConflictDoubleBooking), open[0].Type)

	rec = doJSON(t, router, http.MethodGet, "/api/conflicts?resolved=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]api.ConflictDTO](t, rec))

	rec = doJSON(t, router, http.MethodGet, "/api/conflicts?resolved=maybe", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveConflict_FullFlow(t *testing.T) {
	// GIVEN: One open double-booking conflict
	// WHEN: POST /api/conflicts/{id}/resolve as operator ops-sam
	// THEN: 200 with the audit row; a second attempt gets 409

	router, mem := newTestServer(t)
	seedOverlap(t, mem)
	runSync(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/conflicts?resolved=false", nil, nil)
	conflicts := decode[[]api.ConflictDTO](t, rec)
	require.Len(t, conflicts, 1)
	id := conflicts[0].ID

	rec = doJSON(t, router, http.MethodPost, "/api/conflicts/"+id+"/resolve",
		api.ResolveRequest{Resolution: "local"},
		map[string]string{"X-Operator-ID": "ops-sam"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[api.ResolutionDTO](t, rec)
	assert.Equal(t, id, res.ConflictID)
	assert.Equal(t, "ops-sam", res.ResolvedBy)
	assert.Equal(t, "local", res.Resolution)

	// Losing side was cancelled.
	b, err := mem.Booking(context.Background(), "b-2")
	require.NoError(t, err)
	assert.Equal(t, fleet.BookingCancelled, b.Status)

	// Second attempt is rejected.
	rec = doJSON(t, router, http.MethodPost, "/api/conflicts/"+id+"/resolve",
		api.ResolveRequest{Resolution: "remote"}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveConflict_InvalidChoice(t *testing.T) {
	router, mem := newTestServer(t)
	seedOverlap(t, mem)
	runSync(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/conflicts", nil, nil)
	conflicts := decode[[]api.ConflictDTO](t, rec)
	require.Len(t, conflicts, 1)

	rec = doJSON(t, router, http.MethodPost, "/api/conflicts/"+conflicts[0].ID+"/resolve",
		api.ResolveRequest{Resolution: "split"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveConflict_Unknown(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodPost, "/api/conflicts/c-ghost/resolve",
		api.ResolveRequest{Resolution: "local"}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// AUDIT AND VEHICLE ENDPOINTS
// =============================================================================

func TestListResolutions(t *testing.T) {
	router, mem := newTestServer(t)
	seedOverlap(t, mem)
	runSync(t, router)

	rec := doJSON(t, router, http.MethodGet, "/api/conflicts", nil, nil)
	conflicts := decode[[]api.ConflictDTO](t, rec)
	require.Len(t, conflicts, 1)
	doJSON(t, router, http.MethodPost, "/api/conflicts/"+conflicts[0].ID+"/resolve",
		api.ResolveRequest{Resolution: "local"}, nil)

	rec = doJSON(t, router, http.MethodGet, "/api/resolutions?vehicle_id=veh-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decode[[]api.ResolutionDTO](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, conflicts[0].ID, rows[0].ConflictID)
}

func TestListVehicles(t *testing.T) {
	router, mem := newTestServer(t)
	seedOverlap(t, mem)

	rec := doJSON(t, router, http.MethodGet, "/api/vehicles", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	vehicles := decode[[]api.VehicleDTO](t, rec)
	require.Len(t, vehicles, 1)
	assert.Equal(t, "Kia Niro", vehicles[0].Name)
}

func TestGetAvailability(t *testing.T) {
	router, mem := newTestServer(t)
	seedOverlap(t, mem)
	runSync(t, router)

	rec := doJSON(t, router, http.MethodGet,
		"/api/vehicles/veh-1/availability?start=2026-01-01&end=2026-01-15", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	entries := decode[[]api.AvailabilityEntryDTO](t, rec)
	require.Len(t, entries, 14)
	assert.Equal(t, "2026-01-01", entries[0].Day)
	assert.False(t, entries[0].Available, "booked day")
	assert.True(t, entries[13].Available, "free tail day")
}

func TestGetAvailability_UnknownVehicle(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/api/vehicles/ghost/availability", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t)

	rec := doJSON(t, router, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
