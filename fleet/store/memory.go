// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/fleet-sync/fleet"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	vehicles    map[string]fleet.Vehicle
	bookings    map[string]fleet.Booking
	rules       map[string]fleet.PricingRule
	cache       map[cacheKey]fleet.AvailabilityEntry
	conflicts   map[string]fleet.Conflict
	runs        []fleet.SyncRun
	runItems    map[string][]fleet.VehicleSyncItem
	resolutions []fleet.ConflictResolution
	byConflict  map[string]bool
}

type cacheKey struct {
	VehicleID string
	Day       string
}

func NewMemory() *Memory {
	return &Memory{
		vehicles:   make(map[string]fleet.Vehicle),
		bookings:   make(map[string]fleet.Booking),
		rules:      make(map[string]fleet.PricingRule),
		cache:      make(map[cacheKey]fleet.AvailabilityEntry),
		conflicts:  make(map[string]fleet.Conflict),
		runItems:   make(map[string][]fleet.VehicleSyncItem),
		byConflict: make(map[string]bool),
	}
}

// -----------------------------------------------------------------------------
// Vehicles
// -----------------------------------------------------------------------------

func (m *Memory) SaveVehicle(_ context.Context, v fleet.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vehicles[v.ID] = v
	return nil
}

func (m *Memory) Vehicle(_ context.Context, id string) (*fleet.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vehicleLocked(id)
}

func (m *Memory) vehicleLocked(id string) (*fleet.Vehicle, error) {
	v, ok := m.vehicles[id]
	if !ok {
		return nil, fleet.ErrVehicleNotFound
	}
	return &v, nil
}

func (m *Memory) Vehicles(_ context.Context) ([]fleet.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.vehiclesLocked(), nil
}

func (m *Memory) vehiclesLocked() []fleet.Vehicle {
	result := make([]fleet.Vehicle, 0, len(m.vehicles))
	for _, v := range m.vehicles {
		result = append(result, v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// -----------------------------------------------------------------------------
// Bookings
// -----------------------------------------------------------------------------

func (m *Memory) SaveBooking(_ context.Context, b fleet.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveBookingLocked(b)
	return nil
}

func (m *Memory) saveBookingLocked(b fleet.Booking) {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}
	m.bookings[b.ID] = b
}

func (m *Memory) Booking(_ context.Context, id string) (*fleet.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bookingLocked(id)
}

func (m *Memory) bookingLocked(id string) (*fleet.Booking, error) {
	b, ok := m.bookings[id]
	if !ok {
		return nil, fleet.ErrBookingNotFound
	}
	return &b, nil
}

func (m *Memory) BookingsByVehicle(_ context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bookingsByVehicleLocked(vehicleID, rng), nil
}

func (m *Memory) bookingsByVehicleLocked(vehicleID string, rng fleet.DateRange) []fleet.Booking {
	var result []fleet.Booking
	for _, b := range m.bookings {
		if b.VehicleID != vehicleID {
			continue
		}
		if !b.Range().Overlaps(rng) {
			continue
		}
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Start.Equal(result[j].Start) {
			return result[i].Start.Before(result[j].Start)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// -----------------------------------------------------------------------------
// Pricing rules
// -----------------------------------------------------------------------------

func (m *Memory) SaveRule(_ context.Context, r fleet.PricingRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r
	return nil
}

func (m *Memory) Rule(_ context.Context, id string) (*fleet.PricingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ruleLocked(id)
}

func (m *Memory) ruleLocked(id string) (*fleet.PricingRule, error) {
	r, ok := m.rules[id]
	if !ok {
		return nil, fleet.ErrRuleNotFound
	}
	return &r, nil
}

func (m *Memory) RulesByVehicle(_ context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.PricingRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rulesByVehicleLocked(vehicleID, rng), nil
}

func (m *Memory) rulesByVehicleLocked(vehicleID string, rng fleet.DateRange) []fleet.PricingRule {
	var result []fleet.PricingRule
	for _, r := range m.rules {
		if r.VehicleID != vehicleID {
			continue
		}
		if !r.Range().Overlaps(rng) {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Start.Equal(result[j].Start) {
			return result[i].Start.Before(result[j].Start)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// -----------------------------------------------------------------------------
// Availability cache
// -----------------------------------------------------------------------------

func (m *Memory) UpsertDay(_ context.Context, e fleet.AvailabilityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertDayLocked(e)
	return nil
}

func (m *Memory) upsertDayLocked(e fleet.AvailabilityEntry) {
	m.cache[cacheKey{VehicleID: e.VehicleID, Day: e.Day.String()}] = e
}

func (m *Memory) ReplaceRange(_ context.Context, vehicleID string, rng fleet.DateRange, entries []fleet.AvailabilityEntry, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceRangeLocked(vehicleID, rng, entries, force)
	return nil
}

func (m *Memory) replaceRangeLocked(vehicleID string, rng fleet.DateRange, entries []fleet.AvailabilityEntry, force bool) {
	// Manually pinned rows survive a rebuild unless forced.
	written := make(map[string]bool, len(entries))
	for _, e := range entries {
		k := cacheKey{VehicleID: e.VehicleID, Day: e.Day.String()}
		if old, ok := m.cache[k]; ok && !force && old.Source == fleet.SourceManualResolution {
			written[k.Day] = true
			continue
		}
		m.cache[k] = e
		written[k.Day] = true
	}
	for k, e := range m.cache {
		if k.VehicleID != vehicleID || written[k.Day] {
			continue
		}
		if rng.ContainsDay(e.Day) && e.Source == fleet.SourceComputed {
			delete(m.cache, k)
		}
	}
}

func (m *Memory) Entries(_ context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.AvailabilityEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entriesLocked(vehicleID, rng), nil
}

func (m *Memory) entriesLocked(vehicleID string, rng fleet.DateRange) []fleet.AvailabilityEntry {
	var result []fleet.AvailabilityEntry
	for k, e := range m.cache {
		if k.VehicleID != vehicleID || !rng.ContainsDay(e.Day) {
			continue
		}
		result = append(result, e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Day.Before(result[j].Day) })
	return result
}

// -----------------------------------------------------------------------------
// Conflicts
// -----------------------------------------------------------------------------

func (m *Memory) SaveConflicts(_ context.Context, conflicts []fleet.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveConflictsLocked(conflicts)
	return nil
}

func (m *Memory) saveConflictsLocked(conflicts []fleet.Conflict) {
	for _, c := range conflicts {
		m.conflicts[c.ID] = c
	}
}

func (m *Memory) Conflict(_ context.Context, id string) (*fleet.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conflictLocked(id)
}

func (m *Memory) conflictLocked(id string) (*fleet.Conflict, error) {
	c, ok := m.conflicts[id]
	if !ok {
		return nil, fleet.ErrConflictNotFound
	}
	return &c, nil
}

func (m *Memory) Conflicts(_ context.Context, f fleet.ConflictFilter) ([]fleet.Conflict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conflictsLocked(f), nil
}

func (m *Memory) conflictsLocked(f fleet.ConflictFilter) []fleet.Conflict {
	var result []fleet.Conflict
	for _, c := range m.conflicts {
		if f.VehicleID != "" && c.VehicleID != f.VehicleID {
			continue
		}
		if f.RunID != "" && c.RunID != f.RunID {
			continue
		}
		if f.Resolved != nil && c.Resolved != *f.Resolved {
			continue
		}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result
}

func (m *Memory) MarkConflictResolved(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markConflictResolvedLocked(id, at)
}

func (m *Memory) markConflictResolvedLocked(id string, at time.Time) error {
	c, ok := m.conflicts[id]
	if !ok {
		return fleet.ErrConflictNotFound
	}
	if c.Resolved {
		return &fleet.AlreadyResolvedError{ConflictID: id, ResolvedAt: c.ResolvedAt}
	}
	c.Resolved = true
	c.ResolvedAt = &at
	m.conflicts[id] = c
	return nil
}

// -----------------------------------------------------------------------------
// Sync runs
// -----------------------------------------------------------------------------

func (m *Memory) SaveRun(_ context.Context, run fleet.SyncRun, items []fleet.VehicleSyncItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveRunLocked(run, items)
	return nil
}

func (m *Memory) saveRunLocked(run fleet.SyncRun, items []fleet.VehicleSyncItem) {
	m.runs = append(m.runs, run)
	m.runItems[run.ID] = append([]fleet.VehicleSyncItem{}, items...)
}

func (m *Memory) LatestRunForVehicle(_ context.Context, vehicleID string) (*fleet.SyncRun, *fleet.VehicleSyncItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestRunForVehicleLocked(vehicleID)
}

func (m *Memory) latestRunForVehicleLocked(vehicleID string) (*fleet.SyncRun, *fleet.VehicleSyncItem, error) {
	for i := len(m.runs) - 1; i >= 0; i-- {
		run := m.runs[i]
		for _, it := range m.runItems[run.ID] {
			if it.VehicleID == vehicleID {
				item := it
				return &run, &item, nil
			}
		}
	}
	return nil, nil, fleet.ErrRunNotFound
}

// -----------------------------------------------------------------------------
// Resolutions (append-only)
// -----------------------------------------------------------------------------

func (m *Memory) AppendResolution(_ context.Context, r fleet.ConflictResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendResolutionLocked(r)
}

func (m *Memory) appendResolutionLocked(r fleet.ConflictResolution) error {
	if m.byConflict[r.ConflictID] {
		return &fleet.AlreadyResolvedError{ConflictID: r.ConflictID}
	}
	m.resolutions = append(m.resolutions, r)
	m.byConflict[r.ConflictID] = true
	return nil
}

func (m *Memory) Resolutions(_ context.Context, vehicleID string, limit int) ([]fleet.ConflictResolution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resolutionsLocked(vehicleID, limit), nil
}

func (m *Memory) resolutionsLocked(vehicleID string, limit int) []fleet.ConflictResolution {
	if limit <= 0 {
		limit = 50
	}
	var result []fleet.ConflictResolution
	for i := len(m.resolutions) - 1; i >= 0; i-- {
		r := m.resolutions[i]
		if vehicleID != "" && r.VehicleID != vehicleID {
			continue
		}
		result = append(result, r)
		if len(result) == limit {
			break
		}
	}
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For the memory store, this is simulated with a snapshot + rollback on error.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(fleet.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		vehicles:   make(map[string]fleet.Vehicle, len(tm.vehicles)),
		bookings:   make(map[string]fleet.Booking, len(tm.bookings)),
		rules:      make(map[string]fleet.PricingRule, len(tm.rules)),
		cache:      make(map[cacheKey]fleet.AvailabilityEntry, len(tm.cache)),
		conflicts:  make(map[string]fleet.Conflict, len(tm.conflicts)),
		runs:       append([]fleet.SyncRun{}, tm.runs...),
		runItems:   make(map[string][]fleet.VehicleSyncItem, len(tm.runItems)),
		byConflict: make(map[string]bool, len(tm.byConflict)),
	}
	for k, v := range tm.vehicles {
		s.vehicles[k] = v
	}
	for k, v := range tm.bookings {
		s.bookings[k] = v
	}
	for k, v := range tm.rules {
		s.rules[k] = v
	}
	for k, v := range tm.cache {
		s.cache[k] = v
	}
	for k, v := range tm.conflicts {
		s.conflicts[k] = v
	}
	for k, v := range tm.runItems {
		s.runItems[k] = append([]fleet.VehicleSyncItem{}, v...)
	}
	for k, v := range tm.byConflict {
		s.byConflict[k] = v
	}
	s.resolutions = append([]fleet.ConflictResolution{}, tm.resolutions...)
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.vehicles = s.vehicles
	tm.bookings = s.bookings
	tm.rules = s.rules
	tm.cache = s.cache
	tm.conflicts = s.conflicts
	tm.runs = s.runs
	tm.runItems = s.runItems
	tm.resolutions = s.resolutions
	tm.byConflict = s.byConflict
}

type memorySnapshot struct {
	vehicles    map[string]fleet.Vehicle
	bookings    map[string]fleet.Booking
	rules       map[string]fleet.PricingRule
	cache       map[cacheKey]fleet.AvailabilityEntry
	conflicts   map[string]fleet.Conflict
	runs        []fleet.SyncRun
	runItems    map[string][]fleet.VehicleSyncItem
	resolutions []fleet.ConflictResolution
	byConflict  map[string]bool
}

// txMemoryView operates on the parent while the parent's lock is held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) SaveVehicle(_ context.Context, v fleet.Vehicle) error {
	tv.parent.vehicles[v.ID] = v
	return nil
}

func (tv *txMemoryView) Vehicle(_ context.Context, id string) (*fleet.Vehicle, error) {
	return tv.parent.vehicleLocked(id)
}

func (tv *txMemoryView) Vehicles(_ context.Context) ([]fleet.Vehicle, error) {
	return tv.parent.vehiclesLocked(), nil
}

func (tv *txMemoryView) SaveBooking(_ context.Context, b fleet.Booking) error {
	tv.parent.saveBookingLocked(b)
	return nil
}

func (tv *txMemoryView) Booking(_ context.Context, id string) (*fleet.Booking, error) {
	return tv.parent.bookingLocked(id)
}

func (tv *txMemoryView) BookingsByVehicle(_ context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.Booking, error) {
	return tv.parent.bookingsByVehicleLocked(vehicleID, rng), nil
}

func (tv *txMemoryView) SaveRule(_ context.Context, r fleet.PricingRule) error {
	tv.parent.rules[r.ID] = r
	return nil
}

func (tv *txMemoryView) Rule(_ context.Context, id string) (*fleet.PricingRule, error) {
	return tv.parent.ruleLocked(id)
}

func (tv *txMemoryView) RulesByVehicle(_ context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.PricingRule, error) {
	return tv.parent.rulesByVehicleLocked(vehicleID, rng), nil
}

func (tv *txMemoryView) UpsertDay(_ context.Context, e fleet.AvailabilityEntry) error {
	tv.parent.upsertDayLocked(e)
	return nil
}

func (tv *txMemoryView) ReplaceRange(_ context.Context, vehicleID string, rng fleet.DateRange, entries []fleet.AvailabilityEntry, force bool) error {
	tv.parent.replaceRangeLocked(vehicleID, rng, entries, force)
	return nil
}

func (tv *txMemoryView) Entries(_ context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.AvailabilityEntry, error) {
	return tv.parent.entriesLocked(vehicleID, rng), nil
}

func (tv *txMemoryView) SaveConflicts(_ context.Context, conflicts []fleet.Conflict) error {
	tv.parent.saveConflictsLocked(conflicts)
	return nil
}

func (tv *txMemoryView) Conflict(_ context.Context, id string) (*fleet.Conflict, error) {
	return tv.parent.conflictLocked(id)
}

func (tv *txMemoryView) Conflicts(_ context.Context, f fleet.ConflictFilter) ([]fleet.Conflict, error) {
	return tv.parent.conflictsLocked(f), nil
}

func (tv *txMemoryView) MarkConflictResolved(_ context.Context, id string, at time.Time) error {
	return tv.parent.markConflictResolvedLocked(id, at)
}

func (tv *txMemoryView) SaveRun(_ context.Context, run fleet.SyncRun, items []fleet.VehicleSyncItem) error {
	tv.parent.saveRunLocked(run, items)
	return nil
}

func (tv *txMemoryView) LatestRunForVehicle(_ context.Context, vehicleID string) (*fleet.SyncRun, *fleet.VehicleSyncItem, error) {
	return tv.parent.latestRunForVehicleLocked(vehicleID)
}

func (tv *txMemoryView) AppendResolution(_ context.Context, r fleet.ConflictResolution) error {
	return tv.parent.appendResolutionLocked(r)
}

func (tv *txMemoryView) Resolutions(_ context.Context, vehicleID string, limit int) ([]fleet.ConflictResolution, error) {
	return tv.parent.resolutionsLocked(vehicleID, limit), nil
}
