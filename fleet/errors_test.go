package fleet_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/warp/fleet-sync/fleet"
)

func TestIsNotFound(t *testing.T) {
	for _, err := range []error{
		fleet.ErrVehicleNotFound,
		fleet.ErrBookingNotFound,
		fleet.ErrRuleNotFound,
		fleet.ErrConflictNotFound,
		fleet.ErrRunNotFound,
	} {
		assert.True(t, fleet.IsNotFound(err), err.Error())
		// Wrapping must not hide the sentinel.
		assert.True(t, fleet.IsNotFound(fmt.Errorf("loading: %w", err)))
	}

	assert.False(t, fleet.IsNotFound(errors.New("disk on fire")))
	assert.False(t, fleet.IsNotFound(fleet.ErrInvalidRange))
}

func TestIsClientError(t *testing.T) {
	assert.True(t, fleet.IsClientError(fleet.ErrInvalidResolution))
	assert.True(t, fleet.IsClientError(fleet.ErrInvalidRange))
	assert.True(t, fleet.IsClientError(fleet.ErrUnknownConflictType))
	assert.True(t, fleet.IsClientError(fleet.ErrVehicleNotFound))

	// Driver and infrastructure failures stay server-side.
	assert.False(t, fleet.IsClientError(errors.New("database is locked")))
}

func TestAlreadyResolvedError_UnwrapsToSentinel(t *testing.T) {
	at := time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC)
	err := &fleet.AlreadyResolvedError{ConflictID: "c-1", ResolvedAt: &at}

	assert.True(t, fleet.IsAlreadyResolved(err))
	assert.True(t, fleet.IsClientError(err))
	assert.ErrorIs(t, err, fleet.ErrConflictAlreadyResolved)
	assert.Contains(t, err.Error(), "c-1")
	assert.Contains(t, err.Error(), "2026-01-15")
}

func TestRangeError_UnwrapsToSentinel(t *testing.T) {
	_, err := fleet.NewDateRange(fleet.MustDay("2026-01-10"), fleet.MustDay("2026-01-01"))
	assert.ErrorIs(t, err, fleet.ErrInvalidRange)
	assert.True(t, fleet.IsClientError(err))
}
