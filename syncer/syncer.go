/*
Package syncer orchestrates batch synchronization across the fleet.

PURPOSE:
  Runs the per-vehicle sync pipeline (load bookings and rules, detect
  conflicts, rebuild the availability cache, compute metrics) over a set
  of vehicles and persists one SyncRun with itemized per-vehicle results.

FAILURE ISOLATION:
  One vehicle failing never aborts the batch. A failed vehicle becomes an
  item with status "error" and the others proceed. The run itself is only
  marked ERROR when every vehicle failed or the final persist fails.

CONCURRENCY:
  Vehicles are processed by a bounded worker pool. Results land in a
  per-index slice so output order matches input order without extra
  coordination.

SEE ALSO:
  - detect/detect.go: Pure conflict detectors
  - availability/availability.go: Cache rebuild
*/
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/fleet-sync/availability"
	"github.com/warp/fleet-sync/detect"
	"github.com/warp/fleet-sync/fleet"
)

// DefaultWorkers bounds per-vehicle parallelism within a batch.
const DefaultWorkers = 4

// Orchestrator runs sync batches.
type Orchestrator struct {
	store   fleet.TxStore
	cache   *availability.Cache
	remote  fleet.RemoteAvailability // nil disables availability comparison
	log     *zap.Logger
	workers int
	now     func() time.Time
}

type Option func(*Orchestrator)

// WithRemote attaches an external availability feed. Without one, sync
// still detects double bookings and pricing mismatches.
func WithRemote(remote fleet.RemoteAvailability) Option {
	return func(o *Orchestrator) { o.remote = remote }
}

func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(store fleet.TxStore, cache *availability.Cache, log *zap.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		cache:   cache,
		log:     log,
		workers: DefaultWorkers,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request describes one sync batch.
type Request struct {
	// VehicleIDs to sync; empty means the whole fleet.
	VehicleIDs []string
	// FullSync rebuilds the availability cache for each vehicle.
	FullSync bool
	// Force lets a rebuild overwrite manually pinned cache days.
	Force bool
	// Range of days to sync. Zero value means the default horizon
	// starting today.
	Range fleet.DateRange
}

// SyncVehicles runs the batch and persists the run. The returned items
// are in the same order as the resolved vehicle ID list.
func (o *Orchestrator) SyncVehicles(ctx context.Context, req Request) (*fleet.SyncRun, []fleet.VehicleSyncItem, error) {
	today := fleet.DayOf(o.now())
	rng := req.Range
	if !rng.IsValid() {
		rng = fleet.DefaultSyncHorizon(today)
	}

	vehicleIDs := req.VehicleIDs
	if len(vehicleIDs) == 0 {
		vehicles, err := o.store.Vehicles(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list vehicles: %w", err)
		}
		for _, v := range vehicles {
			vehicleIDs = append(vehicleIDs, v.ID)
		}
	}

	runID := uuid.NewString()
	o.log.Info("sync run started",
		zap.String("run_id", runID),
		zap.Int("vehicles", len(vehicleIDs)),
		zap.Bool("full_sync", req.FullSync),
		zap.String("range", rng.String()))

	type vehicleResult struct {
		item      fleet.VehicleSyncItem
		conflicts []fleet.Conflict
		updated   int
	}

	results := make([]vehicleResult, len(vehicleIDs))
	sem := make(chan struct{}, o.workers)
	var wg sync.WaitGroup

	for i, vehicleID := range vehicleIDs {
		wg.Add(1)
		go func(i int, vehicleID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			item, conflicts, updated, err := o.syncOne(ctx, runID, vehicleID, rng, req.FullSync, req.Force)
			if err != nil {
				o.log.Warn("vehicle sync failed",
					zap.String("run_id", runID),
					zap.String("vehicle_id", vehicleID),
					zap.Error(err))
				item = fleet.VehicleSyncItem{
					RunID:     runID,
					VehicleID: vehicleID,
					Status:    fleet.ItemError,
					Error:     err.Error(),
				}
				conflicts = nil
				updated = 0
			}
			results[i] = vehicleResult{item: item, conflicts: conflicts, updated: updated}
		}(i, vehicleID)
	}
	wg.Wait()

	var (
		items        = make([]fleet.VehicleSyncItem, 0, len(results))
		allConflicts []fleet.Conflict
		updatedCount int
		errorCount   int
	)
	for _, r := range results {
		items = append(items, r.item)
		allConflicts = append(allConflicts, r.conflicts...)
		updatedCount += r.updated
		if r.item.Status == fleet.ItemError {
			errorCount++
		}
	}

	status := fleet.RunCompleted
	switch {
	case len(vehicleIDs) > 0 && errorCount == len(vehicleIDs):
		status = fleet.RunError
	case len(allConflicts) > 0:
		status = fleet.RunCompletedWithConflicts
	}

	run := fleet.SyncRun{
		ID:            runID,
		VehicleIDs:    vehicleIDs,
		Status:        status,
		ConflictCount: len(allConflicts),
		UpdatedCount:  updatedCount,
		CreatedAt:     o.now().UTC(),
	}

	// Run and conflicts commit together: a conflict row must never
	// reference a run that was not persisted. The run goes in first so
	// the conflicts' run_id foreign key is satisfiable.
	err := o.store.WithTx(ctx, func(tx fleet.Store) error {
		if err := tx.SaveRun(ctx, run, items); err != nil {
			return err
		}
		if len(allConflicts) > 0 {
			return tx.SaveConflicts(ctx, allConflicts)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to persist sync run: %w", err)
	}

	o.log.Info("sync run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int("conflicts", len(allConflicts)),
		zap.Int("updated", updatedCount),
		zap.Int("errors", errorCount))
	return &run, items, nil
}

// syncOne runs the pipeline for a single vehicle.
func (o *Orchestrator) syncOne(ctx context.Context, runID, vehicleID string, rng fleet.DateRange, fullSync, force bool) (fleet.VehicleSyncItem, []fleet.Conflict, int, error) {
	vehicle, err := o.store.Vehicle(ctx, vehicleID)
	if err != nil {
		return fleet.VehicleSyncItem{}, nil, 0, err
	}

	bookings, err := o.store.BookingsByVehicle(ctx, vehicleID, rng)
	if err != nil {
		return fleet.VehicleSyncItem{}, nil, 0, fmt.Errorf("failed to load bookings: %w", err)
	}
	rules, err := o.store.RulesByVehicle(ctx, vehicleID, rng)
	if err != nil {
		return fleet.VehicleSyncItem{}, nil, 0, fmt.Errorf("failed to load pricing rules: %w", err)
	}

	conflicts := detect.DoubleBookings(vehicleID, bookings)
	conflicts = append(conflicts, detect.PricingMismatches(vehicleID, bookings, rules)...)

	updated := 0
	if fullSync {
		updated, err = o.cache.Rebuild(ctx, vehicleID, rng, bookings, force)
		if err != nil {
			return fleet.VehicleSyncItem{}, nil, 0, fmt.Errorf("failed to rebuild availability: %w", err)
		}
	}

	entries, err := o.cache.Range(ctx, vehicleID, rng)
	if err != nil {
		return fleet.VehicleSyncItem{}, nil, 0, fmt.Errorf("failed to read availability: %w", err)
	}

	if o.remote != nil {
		remoteDays, err := o.remote.Days(ctx, vehicleID, rng)
		if err != nil {
			return fleet.VehicleSyncItem{}, nil, 0, fmt.Errorf("failed to fetch remote availability: %w", err)
		}
		conflicts = append(conflicts, detect.AvailabilityMismatches(vehicleID, entries, remoteDays)...)
	}

	now := o.now().UTC()
	for i := range conflicts {
		conflicts[i].ID = uuid.NewString()
		conflicts[i].RunID = runID
		conflicts[i].CreatedAt = now
	}

	revenue := decimal.Zero
	for _, b := range bookings {
		if b.Occupies() {
			revenue = revenue.Add(b.TotalAmount)
		}
	}

	status := fleet.ItemSynced
	if len(conflicts) > 0 {
		status = fleet.ItemConflict
	}

	item := fleet.VehicleSyncItem{
		RunID:         runID,
		VehicleID:     vehicleID,
		VehicleName:   vehicle.Name(),
		Status:        status,
		ConflictCount: len(conflicts),
		BookingCount:  len(bookings),
		AvailableDays: availability.CountAvailable(entries),
		Revenue:       revenue,
	}
	return item, conflicts, updated, nil
}

// Status is the per-vehicle view returned by SyncStatus.
type Status struct {
	Run              *fleet.SyncRun         `json:"run"`
	Item             *fleet.VehicleSyncItem `json:"item"`
	UpcomingBookings []fleet.Booking        `json:"upcomingBookings"`
	NextBooking      *fleet.Booking         `json:"nextBooking,omitempty"`
	PendingConflicts int                    `json:"pendingConflicts"`
}

// SyncStatus reports the most recent run that touched the vehicle along
// with its upcoming bookings.
func (o *Orchestrator) SyncStatus(ctx context.Context, vehicleID string) (*Status, error) {
	if _, err := o.store.Vehicle(ctx, vehicleID); err != nil {
		return nil, err
	}

	run, item, err := o.store.LatestRunForVehicle(ctx, vehicleID)
	if err != nil && !errors.Is(err, fleet.ErrRunNotFound) {
		return nil, err
	}

	today := fleet.DayOf(o.now())
	horizon := fleet.DefaultSyncHorizon(today)
	bookings, err := o.store.BookingsByVehicle(ctx, vehicleID, horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to load bookings: %w", err)
	}

	var upcoming []fleet.Booking
	for _, b := range bookings {
		if b.Occupies() && b.End.After(today) {
			upcoming = append(upcoming, b)
		}
	}

	unresolved := false
	pending, err := o.store.Conflicts(ctx, fleet.ConflictFilter{VehicleID: vehicleID, Resolved: &unresolved})
	if err != nil {
		return nil, fmt.Errorf("failed to load conflicts: %w", err)
	}

	st := &Status{
		Run:              run,
		Item:             item,
		UpcomingBookings: upcoming,
		PendingConflicts: len(pending),
	}
	if len(upcoming) > 0 {
		next := upcoming[0]
		st.NextBooking = &next
	}
	return st, nil
}
