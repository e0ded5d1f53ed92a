/*
handlers.go - HTTP API handlers for the fleet sync engine

PURPOSE:
  Exposes synchronization and conflict resolution over REST. Handles HTTP
  request/response, JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Sync:
    POST   /api/sync                        Trigger a sync batch
    GET    /api/sync/status/{vehicleId}     Per-vehicle sync status

  Conflicts:
    GET    /api/conflicts                   List conflicts (filterable)
    GET    /api/conflicts/{id}              Get one conflict
    POST   /api/conflicts/{id}/resolve      Apply a local/remote decision

  Audit:
    GET    /api/resolutions                 Resolution history

  Vehicles:
    GET    /api/vehicles                    List vehicles
    GET    /api/vehicles/{id}/availability  Cached availability range

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (syncer, resolver)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Conflict already resolved
  - 500: Internal errors

OPERATOR IDENTITY:
  The X-Operator-ID header attributes resolutions in the audit log.
  Missing header falls back to a generic operator identity. There is no
  authentication; the header is trusted as-is.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warp/fleet-sync/availability"
	"github.com/warp/fleet-sync/fleet"
	"github.com/warp/fleet-sync/resolve"
	"github.com/warp/fleet-sync/syncer"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store    fleet.Store
	Syncer   *syncer.Orchestrator
	Resolver *resolve.Engine
	Cache    *availability.Cache
}

// NewHandler creates a new handler.
func NewHandler(store fleet.Store, s *syncer.Orchestrator, r *resolve.Engine, c *availability.Cache) *Handler {
	return &Handler{Store: store, Syncer: s, Resolver: r, Cache: c}
}

// =============================================================================
// SYNC HANDLERS
// =============================================================================

// TriggerSync runs a sync batch.
// POST /api/sync
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var rng fleet.DateRange
	if req.Start != "" || req.End != "" {
		start, err := fleet.ParseDay(req.Start)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start date (use YYYY-MM-DD)", err)
			return
		}
		end, err := fleet.ParseDay(req.End)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end date (use YYYY-MM-DD)", err)
			return
		}
		rng, err = fleet.NewDateRange(start, end)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date range", err)
			return
		}
	}

	run, items, err := h.Syncer.SyncVehicles(r.Context(), syncer.Request{
		VehicleIDs: req.VehicleIDs,
		FullSync:   req.FullSync,
		Force:      req.Force,
		Range:      rng,
	})
	if err != nil {
		writeDomainError(w, "Sync failed", err)
		return
	}

	conflicts, err := h.Store.Conflicts(r.Context(), fleet.ConflictFilter{RunID: run.ID})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load detected conflicts", err)
		return
	}

	writeJSON(w, http.StatusOK, toRunDTO(*run, items, conflicts))
}

// GetSyncStatus reports a vehicle's latest sync outcome.
// GET /api/sync/status/{vehicleId}
func (h *Handler) GetSyncStatus(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "vehicleId")

	st, err := h.Syncer.SyncStatus(r.Context(), vehicleID)
	if err != nil {
		writeDomainError(w, "Failed to get sync status", err)
		return
	}

	writeJSON(w, http.StatusOK, toStatusDTO(vehicleID, st))
}

// =============================================================================
// CONFLICT HANDLERS
// =============================================================================

// ListConflicts returns conflicts, optionally filtered.
// GET /api/conflicts?vehicle_id=&run_id=&resolved=&limit=
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := fleet.ConflictFilter{
		VehicleID: q.Get("vehicle_id"),
		RunID:     q.Get("run_id"),
	}
	if v := q.Get("resolved"); v != "" {
		resolved, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid resolved filter (use true/false)", err)
			return
		}
		filter.Resolved = &resolved
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		filter.Limit = limit
	}

	conflicts, err := h.Store.Conflicts(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list conflicts", err)
		return
	}

	dtos := make([]ConflictDTO, 0, len(conflicts))
	for _, c := range conflicts {
		dtos = append(dtos, toConflictDTO(c))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetConflict returns one conflict.
// GET /api/conflicts/{id}
func (h *Handler) GetConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conflict, err := h.Store.Conflict(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get conflict", err)
		return
	}

	writeJSON(w, http.StatusOK, toConflictDTO(*conflict))
}

// ResolveConflict applies an operator decision.
// POST /api/conflicts/{id}/resolve
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	record, err := h.Resolver.Resolve(r.Context(), resolve.Input{
		ConflictID: id,
		Resolution: fleet.ResolutionChoice(req.Resolution),
		ResolvedBy: r.Header.Get("X-Operator-ID"),
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeDomainError(w, "Failed to resolve conflict", err)
		return
	}

	writeJSON(w, http.StatusOK, toResolutionDTO(*record))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// ListResolutions returns the resolution history, newest first.
// GET /api/resolutions?vehicle_id=&limit=
func (h *Handler) ListResolutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		var err error
		limit, err = strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
	}

	resolutions, err := h.Store.Resolutions(r.Context(), q.Get("vehicle_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list resolutions", err)
		return
	}

	dtos := make([]ResolutionDTO, 0, len(resolutions))
	for _, res := range resolutions {
		dtos = append(dtos, toResolutionDTO(res))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// VEHICLE HANDLERS
// =============================================================================

// ListVehicles returns all vehicles.
// GET /api/vehicles
func (h *Handler) ListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := h.Store.Vehicles(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list vehicles", err)
		return
	}

	dtos := make([]VehicleDTO, 0, len(vehicles))
	for _, v := range vehicles {
		dtos = append(dtos, toVehicleDTO(v))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAvailability returns the cached availability for a vehicle.
// GET /api/vehicles/{id}/availability?start=&end=
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	vehicleID := chi.URLParam(r, "id")

	if _, err := h.Store.Vehicle(r.Context(), vehicleID); err != nil {
		writeDomainError(w, "Failed to get vehicle", err)
		return
	}

	q := r.URL.Query()
	rng := fleet.DefaultSyncHorizon(fleet.Today())
	if q.Get("start") != "" || q.Get("end") != "" {
		start, err := fleet.ParseDay(q.Get("start"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid start date (use YYYY-MM-DD)", err)
			return
		}
		end, err := fleet.ParseDay(q.Get("end"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid end date (use YYYY-MM-DD)", err)
			return
		}
		rng, err = fleet.NewDateRange(start, end)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date range", err)
			return
		}
	}

	entries, err := h.Cache.Range(r.Context(), vehicleID, rng)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read availability", err)
		return
	}

	dtos := make([]AvailabilityEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, AvailabilityEntryDTO{
			Day:         e.Day.String(),
			Available:   e.Available,
			Source:      string(e.Source),
			LastUpdated: e.LastUpdated,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps domain errors onto HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case fleet.IsAlreadyResolved(err):
		writeError(w, http.StatusConflict, message, err)
	case fleet.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case fleet.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
