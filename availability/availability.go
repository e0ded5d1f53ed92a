/*
Package availability maintains the materialized per-day availability cache.

PURPOSE:
  The cache is a derived view: one row per (vehicle, day) within the synced
  horizon, false whenever a confirmed or active booking covers the day. It
  exists for fast lookups and may always be rebuilt from booking data,
  except for rows an operator pinned via MANUAL_RESOLUTION, which survive
  rebuilds unless explicitly overridden.

REBUILD SEMANTICS:
  Rebuild computes the full set of rows for a range and installs them via
  CacheStore.ReplaceRange in one transaction. There is never a window in
  which the range has no rows: the store upserts under a fresh generation
  marker and removes only stale COMPUTED rows, atomically. Repeated calls
  with the same bookings are idempotent.

SEE ALSO:
  - fleet/store.go: CacheStore contract
  - store/sqlite/sqlite.go: Generation-swap implementation
  - syncer/syncer.go: Calls Rebuild during full syncs
*/
package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/fleet-sync/fleet"
)

// Cache wraps a CacheStore with the rebuild and override operations.
type Cache struct {
	store fleet.CacheStore
	now   func() time.Time
}

// New creates a Cache on top of the given store.
func New(store fleet.CacheStore) *Cache {
	return &Cache{store: store, now: time.Now}
}

// NewWithClock creates a Cache with an injected clock. Test constructor.
func NewWithClock(store fleet.CacheStore, now func() time.Time) *Cache {
	return &Cache{store: store, now: now}
}

// =============================================================================
// COMPUTE - Pure derivation from bookings
// =============================================================================

// ComputeRange derives the availability rows for every day in
// [rng.Start, rng.End). A day is unavailable iff any confirmed or active
// booking covers it. Pure; exported for detector-level comparisons.
func ComputeRange(vehicleID string, rng fleet.DateRange, bookings []fleet.Booking, at time.Time) []fleet.AvailabilityEntry {
	occupied := make(map[fleet.Day]bool)
	for _, b := range bookings {
		if !b.Occupies() {
			continue
		}
		overlap, ok := b.Range().Intersect(rng)
		if !ok {
			continue
		}
		for d := overlap.Start; d.Before(overlap.End); d = d.AddDays(1) {
			occupied[d] = true
		}
	}

	entries := make([]fleet.AvailabilityEntry, 0, rng.Days())
	for _, d := range rng.EachDay() {
		entries = append(entries, fleet.AvailabilityEntry{
			VehicleID:   vehicleID,
			Day:         d,
			Available:   !occupied[d],
			Source:      fleet.SourceComputed,
			LastUpdated: at,
		})
	}
	return entries
}

// =============================================================================
// REBUILD / OVERRIDE
// =============================================================================

// Rebuild recomputes and installs the cache rows for the range. Returns the
// number of rows written. Manually pinned rows are preserved unless force
// is true.
func (c *Cache) Rebuild(ctx context.Context, vehicleID string, rng fleet.DateRange, bookings []fleet.Booking, force bool) (int, error) {
	if !rng.IsValid() {
		return 0, &fleet.RangeError{Start: rng.Start, End: rng.End}
	}
	entries := ComputeRange(vehicleID, rng, bookings, c.now().UTC())
	if err := c.store.ReplaceRange(ctx, vehicleID, rng, entries, force); err != nil {
		return 0, fmt.Errorf("rebuild availability for %s %s: %w", vehicleID, rng, err)
	}
	return len(entries), nil
}

// Override pins a single day's value, tagged with its origin. Used by the
// resolution engine for availability conflicts.
func (c *Cache) Override(ctx context.Context, vehicleID string, day fleet.Day, available bool, source fleet.AvailabilitySource) error {
	return c.store.UpsertDay(ctx, fleet.AvailabilityEntry{
		VehicleID:   vehicleID,
		Day:         day,
		Available:   available,
		Source:      source,
		LastUpdated: c.now().UTC(),
	})
}

// Range reads the cached rows for a range.
func (c *Cache) Range(ctx context.Context, vehicleID string, rng fleet.DateRange) ([]fleet.AvailabilityEntry, error) {
	return c.store.Entries(ctx, vehicleID, rng)
}

// CountAvailable returns the number of available days among the entries.
func CountAvailable(entries []fleet.AvailabilityEntry) int {
	n := 0
	for _, e := range entries {
		if e.Available {
			n++
		}
	}
	return n
}
