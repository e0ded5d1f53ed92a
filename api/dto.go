/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/fleet-sync/fleet"
	"github.com/warp/fleet-sync/syncer"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// SyncRequest triggers a sync batch.
type SyncRequest struct {
	VehicleIDs []string `json:"vehicleIds"`
	FullSync   bool     `json:"fullSync"`
	Force      bool     `json:"force"`
	Start      string   `json:"start,omitempty"`
	End        string   `json:"end,omitempty"`
}

// ResolveRequest picks a side for one conflict.
type ResolveRequest struct {
	Resolution string          `json:"resolution"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// VehicleDTO represents a vehicle in API responses.
type VehicleDTO struct {
	ID    string `json:"id"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Year  int    `json:"year"`
	Name  string `json:"name"`
}

// SyncRunDTO is the batch-level result. Conflicts carries the detected
// conflict records so an operator can resolve them straight from the
// sync response.
type SyncRunDTO struct {
	ID            string               `json:"id"`
	VehicleIDs    []string             `json:"vehicleIds"`
	Status        string               `json:"status"`
	ConflictCount int                  `json:"conflictCount"`
	UpdatedCount  int                  `json:"updatedCount"`
	CreatedAt     time.Time            `json:"createdAt"`
	Items         []VehicleSyncItemDTO `json:"items,omitempty"`
	Conflicts     []ConflictDTO        `json:"conflicts"`
}

// VehicleSyncItemDTO is one vehicle's outcome inside a run.
type VehicleSyncItemDTO struct {
	VehicleID     string `json:"vehicleId"`
	VehicleName   string `json:"vehicleName"`
	Status        string `json:"status"`
	ConflictCount int    `json:"conflictCount"`
	BookingCount  int    `json:"bookingCount"`
	AvailableDays int    `json:"availableDays"`
	Revenue       string `json:"revenue"`
	Error         string `json:"error,omitempty"`
}

// ConflictDTO represents a detected conflict.
type ConflictDTO struct {
	ID          string          `json:"id"`
	RunID       string          `json:"runId"`
	VehicleID   string          `json:"vehicleId"`
	Type        string          `json:"type"`
	Day         string          `json:"day"`
	Description string          `json:"description"`
	LocalValue  json.RawMessage `json:"localValue"`
	RemoteValue json.RawMessage `json:"remoteValue"`
	Resolved    bool            `json:"resolved"`
	ResolvedAt  *time.Time      `json:"resolvedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// ResolutionDTO is one audit-log row.
type ResolutionDTO struct {
	ID             string          `json:"id"`
	ConflictID     string          `json:"conflictId"`
	ConflictType   string          `json:"conflictType"`
	VehicleID      string          `json:"vehicleId"`
	ResolvedBy     string          `json:"resolvedBy"`
	Resolution     string          `json:"resolution"`
	ResolutionData json.RawMessage `json:"resolutionData"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// AvailabilityEntryDTO is one cached day.
type AvailabilityEntryDTO struct {
	Day         string    `json:"day"`
	Available   bool      `json:"available"`
	Source      string    `json:"source"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// BookingDTO represents a booking in API responses.
type BookingDTO struct {
	ID          string `json:"id"`
	VehicleID   string `json:"vehicleId"`
	CustomerID  string `json:"customerId"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Status      string `json:"status"`
	TotalAmount string `json:"totalAmount"`
}

// SyncStatusDTO is the per-vehicle status view.
type SyncStatusDTO struct {
	VehicleID        string              `json:"vehicleId"`
	Run              *SyncRunDTO         `json:"run,omitempty"`
	Item             *VehicleSyncItemDTO `json:"item,omitempty"`
	UpcomingBookings []BookingDTO        `json:"upcomingBookings"`
	NextBooking      *BookingDTO         `json:"nextBooking,omitempty"`
	PendingConflicts int                 `json:"pendingConflicts"`
}

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toVehicleDTO(v fleet.Vehicle) VehicleDTO {
	return VehicleDTO{ID: v.ID, Make: v.Make, Model: v.Model, Year: v.Year, Name: v.Name()}
}

func toItemDTO(it fleet.VehicleSyncItem) VehicleSyncItemDTO {
	return VehicleSyncItemDTO{
		VehicleID:     it.VehicleID,
		VehicleName:   it.VehicleName,
		Status:        string(it.Status),
		ConflictCount: it.ConflictCount,
		BookingCount:  it.BookingCount,
		AvailableDays: it.AvailableDays,
		Revenue:       it.Revenue.StringFixed(2),
		Error:         it.Error,
	}
}

func toRunDTO(run fleet.SyncRun, items []fleet.VehicleSyncItem, conflicts []fleet.Conflict) SyncRunDTO {
	dto := SyncRunDTO{
		ID:            run.ID,
		VehicleIDs:    run.VehicleIDs,
		Status:        string(run.Status),
		ConflictCount: run.ConflictCount,
		UpdatedCount:  run.UpdatedCount,
		CreatedAt:     run.CreatedAt,
		Conflicts:     make([]ConflictDTO, 0, len(conflicts)),
	}
	for _, it := range items {
		dto.Items = append(dto.Items, toItemDTO(it))
	}
	for _, c := range conflicts {
		dto.Conflicts = append(dto.Conflicts, toConflictDTO(c))
	}
	return dto
}

func toConflictDTO(c fleet.Conflict) ConflictDTO {
	return ConflictDTO{
		ID:          c.ID,
		RunID:       c.RunID,
		VehicleID:   c.VehicleID,
		Type:        string(c.Type),
		Day:         c.Day.String(),
		Description: c.Description,
		LocalValue:  c.LocalValue,
		RemoteValue: c.RemoteValue,
		Resolved:    c.Resolved,
		ResolvedAt:  c.ResolvedAt,
		CreatedAt:   c.CreatedAt,
	}
}

func toResolutionDTO(r fleet.ConflictResolution) ResolutionDTO {
	return ResolutionDTO{
		ID:             r.ID,
		ConflictID:     r.ConflictID,
		ConflictType:   string(r.ConflictType),
		VehicleID:      r.VehicleID,
		ResolvedBy:     r.ResolvedBy,
		Resolution:     string(r.Resolution),
		ResolutionData: r.ResolutionData,
		Metadata:       r.Metadata,
		CreatedAt:      r.CreatedAt,
	}
}

func toBookingDTO(b fleet.Booking) BookingDTO {
	return BookingDTO{
		ID:          b.ID,
		VehicleID:   b.VehicleID,
		CustomerID:  b.CustomerID,
		Start:       b.Start.String(),
		End:         b.End.String(),
		Status:      string(b.Status),
		TotalAmount: b.TotalAmount.StringFixed(2),
	}
}

func toStatusDTO(vehicleID string, st *syncer.Status) SyncStatusDTO {
	dto := SyncStatusDTO{
		VehicleID:        vehicleID,
		UpcomingBookings: make([]BookingDTO, 0, len(st.UpcomingBookings)),
		PendingConflicts: st.PendingConflicts,
	}
	if st.Run != nil {
		run := toRunDTO(*st.Run, nil, nil)
		dto.Run = &run
	}
	if st.Item != nil {
		item := toItemDTO(*st.Item)
		dto.Item = &item
	}
	for _, b := range st.UpcomingBookings {
		dto.UpcomingBookings = append(dto.UpcomingBookings, toBookingDTO(b))
	}
	if st.NextBooking != nil {
		next := toBookingDTO(*st.NextBooking)
		dto.NextBooking = &next
	}
	return dto
}
