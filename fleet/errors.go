/*
errors.go - Centralized error types for the sync engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The API layer maps these onto HTTP status codes; other packages wrap
  them with additional context.

ERROR CATEGORIES:
  1. Not-found errors  - Unknown vehicle, booking, rule, conflict, or run
  2. Validation errors - Bad input, bad ranges, bad resolution choices
  3. Lifecycle errors  - Resolving an already-resolved conflict

Database-level failures carry no sentinel: they propagate wrapped driver
errors and fall through to 500 in the API layer.

USAGE:
  if errors.Is(err, fleet.ErrConflictAlreadyResolved) {
      // idempotent retry, surface 409
  }

SEE ALSO:
  - store.go: Interfaces whose implementations return these errors
  - api/handlers.go: HTTP status mapping
*/
package fleet

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrVehicleNotFound is returned when a referenced vehicle doesn't exist.
	ErrVehicleNotFound = errors.New("vehicle not found")

	// ErrBookingNotFound is returned when a referenced booking doesn't exist.
	ErrBookingNotFound = errors.New("booking not found")

	// ErrRuleNotFound is returned when a referenced pricing rule doesn't exist.
	ErrRuleNotFound = errors.New("pricing rule not found")

	// ErrConflictNotFound is returned when a referenced conflict doesn't exist.
	ErrConflictNotFound = errors.New("conflict not found")

	// ErrRunNotFound is returned when no sync run touches the vehicle.
	ErrRunNotFound = errors.New("sync run not found")

	// ErrConflictAlreadyResolved guards the OPEN -> RESOLVED state machine.
	// A conflict is resolved at most once; repeats are rejected with this.
	ErrConflictAlreadyResolved = errors.New("conflict already resolved")

	// ErrUnknownConflictType is returned for an unrecognized conflict type.
	ErrUnknownConflictType = errors.New("unknown conflict type")

	// ErrInvalidResolution is returned for a resolution choice other than
	// "local" or "remote", or a mutation that cannot be applied.
	ErrInvalidResolution = errors.New("invalid resolution")

	// ErrInvalidRange is returned when a date range is malformed.
	ErrInvalidRange = errors.New("invalid date range: end must be after start")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AlreadyResolvedError provides details about an idempotency rejection.
type AlreadyResolvedError struct {
	ConflictID string
	ResolvedAt *time.Time
}

func (e *AlreadyResolvedError) Error() string {
	if e.ResolvedAt != nil {
		return fmt.Sprintf("conflict %s already resolved at %s", e.ConflictID, e.ResolvedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("conflict %s already resolved", e.ConflictID)
}

func (e *AlreadyResolvedError) Unwrap() error { return ErrConflictAlreadyResolved }

// RangeError provides details about a malformed interval.
type RangeError struct {
	Start Day
	End   Day
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid date range [%s, %s): end must be after start", e.Start, e.End)
}

func (e *RangeError) Unwrap() error { return ErrInvalidRange }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrVehicleNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrConflictNotFound) ||
		errors.Is(err, ErrRunNotFound)
}

// IsClientError returns true if the error is due to invalid client input
// or a rejected state transition (4xx territory).
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidResolution) ||
		errors.Is(err, ErrInvalidRange) ||
		errors.Is(err, ErrUnknownConflictType) ||
		errors.Is(err, ErrConflictAlreadyResolved) ||
		IsNotFound(err)
}

// IsAlreadyResolved returns true for idempotency-guard rejections.
func IsAlreadyResolved(err error) bool {
	return errors.Is(err, ErrConflictAlreadyResolved)
}
