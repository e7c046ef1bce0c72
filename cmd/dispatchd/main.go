package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/config"
	"github.com/mfalcao/convoy-ops/internal/db"
	"github.com/mfalcao/convoy-ops/internal/logger"
	"github.com/mfalcao/convoy-ops/internal/nats"
	"github.com/mfalcao/convoy-ops/internal/redis"
	"github.com/mfalcao/convoy-ops/internal/stats"
	"github.com/mfalcao/convoy-ops/internal/status"
	"github.com/mfalcao/convoy-ops/internal/types"
)

// DBClient interface for testability
type DBClient interface {
	GetActiveJourneys() ([]*types.Journey, error)
	GetJourney(journeyID string) (*types.Journey, error)
	UpdateJourneyStatus(journeyID string, sign callsign.Key, updatedAt time.Time, notes string) error
	StorePositionSample(subjectID string, s *types.PositionSample) error
	Close() error
}

// RedisClient interface for testability
type RedisClient interface {
	StoreJourney(ctx context.Context, j *types.Journey) error
	GetJourney(ctx context.Context, journeyID string) (*types.Journey, error)
	GetJourneyArchived(ctx context.Context, journeyID string) (bool, error)
	StorePresence(ctx context.Context, r *types.PresenceRecord) error
	Close() error
}

// Feed publishes confirmed events back to every client.
type Feed interface {
	PublishStatusEvent(ev *types.StatusEvent) error
}

// Dispatcher is the authoritative side of the status protocol: it validates
// transitions against the same state machine the clients use, assigns the
// server timestamp, persists, caches, and rebroadcasts.
type Dispatcher struct {
	db    DBClient
	redis RedisClient
	feed  Feed
	log   *zap.Logger
	stats *stats.Stats
	now   func() time.Time

	// mu guards journeys; the update and complete handlers run on
	// separate subscriptions and may overlap.
	mu       sync.Mutex
	journeys map[string]*types.Journey
	units    map[string]time.Time

	// lastCaptured tracks the newest stored capture time per subject so
	// redelivered samples are dropped instead of stored twice.
	lastCaptured map[string]time.Time
}

// NewDispatcher creates a dispatcher over its collaborators.
func NewDispatcher(dbClient DBClient, redisClient RedisClient, feed Feed, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:           dbClient,
		redis:        redisClient,
		feed:         feed,
		log:          log,
		stats:        stats.New(),
		now:          func() time.Time { return time.Now().UTC() },
		journeys:     make(map[string]*types.Journey),
		units:        make(map[string]time.Time),
		lastCaptured: make(map[string]time.Time),
	}
}

// Start loads the active journeys and warms the cache.
func (d *Dispatcher) Start(ctx context.Context) error {
	journeys, err := d.db.GetActiveJourneys()
	if err != nil {
		return fmt.Errorf("failed to load active journeys: %w", err)
	}
	d.mu.Lock()
	for _, j := range journeys {
		d.journeys[j.ID] = j
		if err := d.redis.StoreJourney(ctx, j); err != nil {
			d.log.Warn("failed to cache journey", zap.String("journey_id", j.ID), zap.Error(err))
		}
	}
	d.mu.Unlock()
	d.stats.SetActiveJourneys(uint64(len(d.journeys)))

	go d.logStats(ctx)
	go d.stats.StartPersistence(ctx, 5*time.Minute)
	return nil
}

// SetStatsPersister wires the concrete db client for stats persistence.
func (d *Dispatcher) SetStatsPersister(p stats.Persister) {
	d.stats.SetPersister(p)
}

// HandleUpdate validates and applies one status change. The returned ack
// carries the server-assigned timestamp, authoritative for ordering.
func (d *Dispatcher) HandleUpdate(journeyID string, sign callsign.Key, notes string) (status.Ack, error) {
	start := time.Now()
	d.stats.IncrementTotalEvents()
	d.stats.UpdateLastEventTime()

	d.mu.Lock()
	defer d.mu.Unlock()

	j, err := d.lookupJourney(journeyID)
	if err != nil {
		d.stats.IncrementRejectedUpdates()
		return status.Ack{}, err
	}

	archived, err := d.redis.GetJourneyArchived(context.Background(), journeyID)
	if err != nil {
		d.log.Warn("failed to check archived flag", zap.String("journey_id", journeyID), zap.Error(err))
	}
	if archived || j.Terminal() {
		d.stats.IncrementRejectedUpdates()
		return status.Ack{}, &status.TerminalStateError{JourneyID: journeyID, State: j.Status}
	}
	if !callsign.LegalNextStates(j.Status)[sign] {
		d.stats.IncrementRejectedUpdates()
		return status.Ack{}, &status.IllegalTransitionError{JourneyID: journeyID, From: j.Status, To: sign}
	}

	updatedAt := d.now()
	if err := d.db.UpdateJourneyStatus(journeyID, sign, updatedAt, notes); err != nil {
		d.stats.IncrementRejectedUpdates()
		return status.Ack{}, fmt.Errorf("failed to persist status: %w", err)
	}

	j.Status = sign
	j.StatusUpdatedAt = updatedAt
	if sign == callsign.Completed && j.CompletedAt.IsZero() {
		j.CompletedAt = updatedAt
	}
	if err := d.redis.StoreJourney(context.Background(), j); err != nil {
		d.log.Warn("failed to cache journey", zap.String("journey_id", journeyID), zap.Error(err))
	}

	ev := &types.StatusEvent{JourneyID: journeyID, Status: sign, UpdatedAt: updatedAt, Notes: notes}
	if err := d.feed.PublishStatusEvent(ev); err != nil {
		// The write is durable; clients that miss the broadcast catch
		// up when the stream redelivers.
		d.log.Error("failed to publish status event", zap.String("journey_id", journeyID), zap.Error(err))
	}

	d.stats.IncrementAppliedUpdates()
	d.stats.AddProcessingTime(time.Since(start))
	return status.Ack{Status: sign, UpdatedAt: updatedAt}, nil
}

// HandleComplete marks a journey finished from any non-terminal state.
func (d *Dispatcher) HandleComplete(journeyID string) (time.Time, error) {
	d.stats.IncrementTotalEvents()
	d.stats.UpdateLastEventTime()

	d.mu.Lock()
	defer d.mu.Unlock()

	j, err := d.lookupJourney(journeyID)
	if err != nil {
		d.stats.IncrementRejectedUpdates()
		return time.Time{}, err
	}
	if j.Terminal() || callsign.Terminal(j.Status) {
		d.stats.IncrementRejectedUpdates()
		return time.Time{}, &status.TerminalStateError{JourneyID: journeyID, State: j.Status}
	}

	updatedAt := d.now()
	if err := d.db.UpdateJourneyStatus(journeyID, callsign.Completed, updatedAt, ""); err != nil {
		d.stats.IncrementRejectedUpdates()
		return time.Time{}, fmt.Errorf("failed to persist completion: %w", err)
	}

	j.Status = callsign.Completed
	j.StatusUpdatedAt = updatedAt
	j.CompletedAt = updatedAt
	if err := d.redis.StoreJourney(context.Background(), j); err != nil {
		d.log.Warn("failed to cache journey", zap.String("journey_id", journeyID), zap.Error(err))
	}

	ev := &types.StatusEvent{JourneyID: journeyID, Status: callsign.Completed, UpdatedAt: updatedAt}
	if err := d.feed.PublishStatusEvent(ev); err != nil {
		d.log.Error("failed to publish completion event", zap.String("journey_id", journeyID), zap.Error(err))
	}

	d.stats.IncrementAppliedUpdates()
	return updatedAt, nil
}

// HandlePosition folds one sample from the position stream into storage
// and the presence cache.
func (d *Dispatcher) HandlePosition(subjectID string, sample *types.PositionSample) {
	// The position stream delivers at least once; a redelivered or stale
	// sample carries a capture time at or before the newest one stored.
	if last, ok := d.lastCaptured[subjectID]; ok && !sample.CapturedAt.After(last) {
		d.stats.IncrementDuplicateEvents()
		d.log.Debug("duplicate position sample dropped", zap.String("subject_id", subjectID))
		return
	}

	if err := d.db.StorePositionSample(subjectID, sample); err != nil {
		d.stats.IncrementSinkFailures()
		d.log.Warn("failed to store position sample", zap.String("subject_id", subjectID), zap.Error(err))
		return
	}
	d.stats.IncrementSamplesStored()
	d.lastCaptured[subjectID] = sample.CapturedAt

	record := &types.PresenceRecord{
		ActorID:       subjectID,
		Position:      *sample,
		LastUpdatedAt: d.now(),
	}
	if err := d.redis.StorePresence(context.Background(), record); err != nil {
		d.log.Warn("failed to cache presence", zap.String("subject_id", subjectID), zap.Error(err))
	}

	d.units[subjectID] = record.LastUpdatedAt
	d.stats.SetActiveUnits(uint64(len(d.units)))
}

// lookupJourney checks the cache first, then the database.
func (d *Dispatcher) lookupJourney(journeyID string) (*types.Journey, error) {
	if j, ok := d.journeys[journeyID]; ok {
		return j, nil
	}
	j, err := d.redis.GetJourney(context.Background(), journeyID)
	if err != nil {
		d.log.Warn("failed to read journey cache", zap.String("journey_id", journeyID), zap.Error(err))
	}
	if j == nil {
		j, err = d.db.GetJourney(journeyID)
		if err != nil {
			return nil, fmt.Errorf("failed to load journey: %w", err)
		}
	}
	if j == nil {
		return nil, status.ErrUnknownJourney
	}
	d.journeys[journeyID] = j
	return j, nil
}

func (d *Dispatcher) logStats(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.log.Info("dispatch statistics", zap.String("summary", d.stats.String()))
		}
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "dispatchd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	natsClient, err := nats.New(cfg.NATSURL)
	if err != nil {
		log.Fatal("failed to create NATS client", zap.Error(err))
	}
	defer natsClient.Close()

	dbClient, err := db.New(cfg.DBConnStr)
	if err != nil {
		log.Fatal("failed to create database client", zap.Error(err))
	}
	defer dbClient.Close()

	redisClient, err := redis.New(cfg.RedisAddr)
	if err != nil {
		log.Fatal("failed to create Redis client", zap.Error(err))
	}
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := NewDispatcher(dbClient, redisClient, natsClient, log)
	dispatcher.SetStatsPersister(dbClient)
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatal("failed to start dispatcher", zap.Error(err))
	}

	if err := natsClient.ServeStatusRequests(dispatcher); err != nil {
		log.Fatal("failed to serve status requests", zap.Error(err))
	}
	if err := natsClient.SubscribePositions(dispatcher.HandlePosition); err != nil {
		log.Fatal("failed to subscribe to positions", zap.Error(err))
	}

	log.Info("dispatchd running",
		zap.String("nats_url", cfg.NATSURL),
		zap.String("redis_addr", cfg.RedisAddr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
}
