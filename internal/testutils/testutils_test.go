package testutils

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/mfalcao/convoy-ops/internal/callsign"
)

func TestMockJourney(t *testing.T) {
	j := MockJourney("j1", callsign.Chapman)
	if j.ID != "j1" || j.Status != callsign.Chapman {
		t.Errorf("MockJourney() = %+v", j)
	}
	if j.VehicleID == "" || j.OfficerID == "" {
		t.Error("mock journey missing assignments")
	}
}

func TestMockSample(t *testing.T) {
	at := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	s := MockSample(at)
	if !s.CapturedAt.Equal(at) {
		t.Errorf("CapturedAt = %v, want %v", s.CapturedAt, at)
	}
	if s.Latitude == 0 || s.Longitude == 0 {
		t.Error("mock sample missing coordinates")
	}
}

func TestWaitForCondition(t *testing.T) {
	var flag atomic.Bool
	go func() {
		time.Sleep(30 * time.Millisecond)
		flag.Store(true)
	}()

	if err := WaitForCondition(flag.Load, time.Second); err != nil {
		t.Errorf("WaitForCondition() error = %v", err)
	}
}

func TestWaitForCondition_Timeout(t *testing.T) {
	err := WaitForCondition(func() bool { return false }, 50*time.Millisecond)
	if err == nil {
		t.Error("WaitForCondition() expected timeout error")
	}
}
