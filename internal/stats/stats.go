package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Persister stores a stats snapshot; the db client satisfies it.
type Persister interface {
	StoreSystemStats(stats map[string]uint64) error
}

// Stats tracks the dispatch daemon's processing counters.
type Stats struct {
	TotalEvents     uint64
	AppliedUpdates  uint64
	RejectedUpdates uint64
	DuplicateEvents uint64
	SamplesStored   uint64
	SinkFailures    uint64

	ActiveJourneys uint64
	ActiveUnits    uint64

	LastEventTime  time.Time
	ProcessingTime time.Duration

	persister Persister
	mu        sync.RWMutex
}

// New creates a new Stats instance
func New() *Stats {
	return &Stats{LastEventTime: time.Now()}
}

// SetPersister sets the store used by StartPersistence.
func (s *Stats) SetPersister(p Persister) {
	s.mu.Lock()
	s.persister = p
	s.mu.Unlock()
}

// Persist stores the current snapshot.
func (s *Stats) Persist() error {
	s.mu.RLock()
	p := s.persister
	s.mu.RUnlock()
	if p == nil {
		return fmt.Errorf("stats persister not set")
	}
	return p.StoreSystemStats(s.Snapshot())
}

// StartPersistence periodically persists the counters until the context is
// cancelled.
func (s *Stats) StartPersistence(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Persist(); err != nil {
				fmt.Printf("Warning: failed to persist stats: %v\n", err)
			}
		}
	}
}

func (s *Stats) IncrementTotalEvents()     { atomic.AddUint64(&s.TotalEvents, 1) }
func (s *Stats) IncrementAppliedUpdates()  { atomic.AddUint64(&s.AppliedUpdates, 1) }
func (s *Stats) IncrementRejectedUpdates() { atomic.AddUint64(&s.RejectedUpdates, 1) }
func (s *Stats) IncrementDuplicateEvents() { atomic.AddUint64(&s.DuplicateEvents, 1) }
func (s *Stats) IncrementSamplesStored()   { atomic.AddUint64(&s.SamplesStored, 1) }
func (s *Stats) IncrementSinkFailures()    { atomic.AddUint64(&s.SinkFailures, 1) }

// SetActiveJourneys records the current number of non-archived journeys.
func (s *Stats) SetActiveJourneys(n uint64) { atomic.StoreUint64(&s.ActiveJourneys, n) }

// SetActiveUnits records the number of subjects with live presence.
func (s *Stats) SetActiveUnits(n uint64) { atomic.StoreUint64(&s.ActiveUnits, n) }

// UpdateLastEventTime stamps the most recent feed activity.
func (s *Stats) UpdateLastEventTime() {
	s.mu.Lock()
	s.LastEventTime = time.Now()
	s.mu.Unlock()
}

// AddProcessingTime accumulates handler latency.
func (s *Stats) AddProcessingTime(d time.Duration) {
	s.mu.Lock()
	s.ProcessingTime += d
	s.mu.Unlock()
}

// Snapshot returns the counters as a map for persistence.
func (s *Stats) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"total_events":     atomic.LoadUint64(&s.TotalEvents),
		"applied_updates":  atomic.LoadUint64(&s.AppliedUpdates),
		"rejected_updates": atomic.LoadUint64(&s.RejectedUpdates),
		"duplicate_events": atomic.LoadUint64(&s.DuplicateEvents),
		"samples_stored":   atomic.LoadUint64(&s.SamplesStored),
		"sink_failures":    atomic.LoadUint64(&s.SinkFailures),
		"active_journeys":  atomic.LoadUint64(&s.ActiveJourneys),
		"active_units":     atomic.LoadUint64(&s.ActiveUnits),
	}
}

// String renders a multi-line operator-facing summary.
func (s *Stats) String() string {
	s.mu.RLock()
	lastEvent := s.LastEventTime
	processing := s.ProcessingTime
	s.mu.RUnlock()

	snap := s.Snapshot()
	return fmt.Sprintf(
		"Events: %d total, %d applied, %d rejected, %d duplicates\n"+
			"Positions: %d stored, %d sink failures\n"+
			"Active: %d journeys, %d units\n"+
			"Last event: %s, total processing: %s",
		snap["total_events"], snap["applied_updates"], snap["rejected_updates"], snap["duplicate_events"],
		snap["samples_stored"], snap["sink_failures"],
		snap["active_journeys"], snap["active_units"],
		lastEvent.Format(time.RFC3339), processing,
	)
}
