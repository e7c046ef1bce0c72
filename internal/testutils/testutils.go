package testutils

import (
	"context"
	"fmt"
	"time"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/types"
)

// MockJourney creates a journey in a given state for testing.
func MockJourney(id string, sign callsign.Key) *types.Journey {
	return &types.Journey{
		ID:              id,
		Principal:       "Papa One",
		Program:         "summit",
		VehicleID:       "v-" + id,
		OfficerID:       "o-" + id,
		Status:          sign,
		StatusUpdatedAt: time.Now().UTC(),
	}
}

// MockSample creates a position sample captured at the given instant.
func MockSample(capturedAt time.Time) *types.PositionSample {
	return &types.PositionSample{
		Latitude:       48.8566,
		Longitude:      2.3522,
		AccuracyMeters: 12,
		SpeedMps:       8.4,
		HeadingDeg:     270,
		CapturedAt:     capturedAt,
	}
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}
