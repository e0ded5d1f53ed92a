/*
Package detect provides the pure conflict-detection functions.

PURPOSE:
  Scans a vehicle's bookings, pricing rules, and availability cache over a
  date range and emits Conflict records. Detection never writes: the sync
  orchestrator persists whatever comes out of here.

DETECTORS:
  DoubleBookings:         Overlapping non-cancelled booking intervals
  PricingMismatches:      More than one rule fully covering a booking
  AvailabilityMismatches: Cached day value disagrees with a remote value

OVERLAP ALGORITHM:
  DoubleBookings sweeps bookings sorted by start date and checks each
  booking against every later-starting booking whose start precedes its
  end. This finds ALL overlapping pairs, including an interval nested
  inside a much longer one several positions away in start order. A scan
  that only compares adjacent pairs after sorting misses exactly that
  case and is deliberately not used here.

DETERMINISM:
  Given the same inputs the detectors return the same conflicts in the
  same order. Pair ordering is fixed: the earlier booking (start, then id)
  is always the local side. Conflict IDs are assigned by the caller.

SEE ALSO:
  - syncer/syncer.go: Runs detectors and persists the output
  - resolve/resolve.go: Consumes the snapshots attached here
*/
package detect

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/warp/fleet-sync/fleet"
)

// =============================================================================
// DOUBLE BOOKINGS - Sweep over sorted starts
// =============================================================================

// DoubleBookings finds every pair of non-cancelled bookings for the vehicle
// whose half-open intervals overlap. One conflict per overlapping pair; the
// earlier booking becomes the local side, the later the remote side.
func DoubleBookings(vehicleID string, bookings []fleet.Booking) []fleet.Conflict {
	occupying := make([]fleet.Booking, 0, len(bookings))
	for _, b := range bookings {
		if b.Status != fleet.BookingCancelled {
			occupying = append(occupying, b)
		}
	}

	sort.Slice(occupying, func(i, j int) bool {
		if !occupying[i].Start.Equal(occupying[j].Start) {
			return occupying[i].Start.Before(occupying[j].Start)
		}
		return occupying[i].ID < occupying[j].ID
	})

	var conflicts []fleet.Conflict
	for i := 0; i < len(occupying); i++ {
		a := occupying[i]
		// Every booking starting before a ends is a candidate, not just
		// the immediate neighbor in start order.
		for j := i + 1; j < len(occupying); j++ {
			b := occupying[j]
			if !b.Start.Before(a.End) {
				break // sorted by start, no later booking can overlap a
			}
			overlap, ok := a.Range().Intersect(b.Range())
			if !ok {
				continue
			}
			conflicts = append(conflicts, fleet.Conflict{
				VehicleID: vehicleID,
				Type:      fleet.ConflictDoubleBooking,
				Day:       overlap.Start,
				Description: fmt.Sprintf("bookings %s and %s overlap on %s",
					a.ID, b.ID, overlap),
				LocalValue:  bookingSnapshot(a),
				RemoteValue: bookingSnapshot(b),
			})
		}
	}
	return conflicts
}

func bookingSnapshot(b fleet.Booking) json.RawMessage {
	raw, _ := json.Marshal(fleet.BookingSnapshot{
		BookingID: b.ID,
		Start:     b.Start.String(),
		End:       b.End.String(),
		Status:    b.Status,
	})
	return raw
}

// =============================================================================
// PRICING MISMATCHES - Multiple rules fully covering one booking
// =============================================================================

// PricingMismatches emits one conflict per booking that is fully covered by
// more than one pricing rule. The local side carries the booking's stored
// price; the remote side the candidate rules with their priorities.
func PricingMismatches(vehicleID string, bookings []fleet.Booking, rules []fleet.PricingRule) []fleet.Conflict {
	sorted := make([]fleet.PricingRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var conflicts []fleet.Conflict
	for _, b := range bookings {
		if b.Status == fleet.BookingCancelled {
			continue
		}
		var candidates []fleet.PricingCandidate
		for _, r := range sorted {
			if r.Covers(b.Range()) {
				candidates = append(candidates, fleet.PricingCandidate{
					RuleID:    r.ID,
					DailyRate: r.DailyRate,
					Priority:  r.Priority,
				})
			}
		}
		if len(candidates) < 2 {
			continue
		}
		local, _ := json.Marshal(fleet.PricingLocalSnapshot{
			BookingID:   b.ID,
			TotalAmount: b.TotalAmount,
		})
		remote, _ := json.Marshal(fleet.PricingRemoteSnapshot{
			BookingID:  b.ID,
			Candidates: candidates,
		})
		conflicts = append(conflicts, fleet.Conflict{
			VehicleID: vehicleID,
			Type:      fleet.ConflictPricingMismatch,
			Day:       b.Start,
			Description: fmt.Sprintf("booking %s matched by %d pricing rules",
				b.ID, len(candidates)),
			LocalValue:  local,
			RemoteValue: remote,
		})
	}
	return conflicts
}

// =============================================================================
// AVAILABILITY MISMATCHES - Cache vs remote divergence
// =============================================================================

// AvailabilityMismatches emits one conflict per day where the locally
// cached value disagrees with the externally supplied one. Days absent
// from either side are skipped; only genuine disagreements surface.
func AvailabilityMismatches(vehicleID string, local []fleet.AvailabilityEntry, remote map[fleet.Day]bool) []fleet.Conflict {
	if len(remote) == 0 {
		return nil
	}

	sorted := make([]fleet.AvailabilityEntry, len(local))
	copy(sorted, local)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Day.Before(sorted[j].Day) })

	var conflicts []fleet.Conflict
	for _, e := range sorted {
		remoteVal, ok := remote[e.Day]
		if !ok || remoteVal == e.Available {
			continue
		}
		localRaw, _ := json.Marshal(fleet.AvailabilitySnapshot{Available: e.Available})
		remoteRaw, _ := json.Marshal(fleet.AvailabilitySnapshot{Available: remoteVal})
		conflicts = append(conflicts, fleet.Conflict{
			VehicleID: vehicleID,
			Type:      fleet.ConflictAvailability,
			Day:       e.Day,
			Description: fmt.Sprintf("cached availability %t disagrees with remote %t on %s",
				e.Available, remoteVal, e.Day),
			LocalValue:  localRaw,
			RemoteValue: remoteRaw,
		})
	}
	return conflicts
}

// =============================================================================
// SNAPSHOT ORDERING HELPERS (used by resolution)
// =============================================================================

// OrderSnapshots returns the earlier and later sides of a double-booking
// conflict. The detector already stores earlier as local, but resolution
// re-derives the order from the snapshots so it never depends on storage
// ordering. Earlier is the smaller (start, id) pair.
func OrderSnapshots(local, remote fleet.BookingSnapshot) (earlier, later fleet.BookingSnapshot) {
	if local.Start < remote.Start {
		return local, remote
	}
	if remote.Start < local.Start {
		return remote, local
	}
	if local.BookingID <= remote.BookingID {
		return local, remote
	}
	return remote, local
}
