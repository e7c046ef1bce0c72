package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/config"
	"github.com/mfalcao/convoy-ops/internal/fleet"
	"github.com/mfalcao/convoy-ops/internal/journal"
	"github.com/mfalcao/convoy-ops/internal/logger"
	"github.com/mfalcao/convoy-ops/internal/nats"
	"github.com/mfalcao/convoy-ops/internal/presence"
	"github.com/mfalcao/convoy-ops/internal/types"
)

func main() {
	if err := runMonitor(); err != nil {
		fmt.Fprintf(os.Stderr, "monitor failed: %v\n", err)
		os.Exit(1)
	}
}

func runMonitor() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	outputDir, query, interval := parseEnvironment()

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "monitor")
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	natsClient, err := nats.New(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("failed to create NATS client: %w", err)
	}
	defer natsClient.Close()

	eventJournal := journal.New(outputDir)
	if err := eventJournal.Start(); err != nil {
		return fmt.Errorf("failed to start journal: %w", err)
	}
	defer func() {
		if err := eventJournal.Stop(); err != nil {
			log.Warn("failed to stop journal", zap.Error(err))
		}
	}()

	view := fleet.New(presence.Policy{
		OnlineWithin: cfg.PresenceOnlineWithin,
		IdleWithin:   cfg.PresenceIdleWithin,
	})

	if err := natsClient.SubscribeStatusEvents(func(ev *types.StatusEvent) {
		view.ApplyFeedEvent(*ev)
		if err := eventJournal.Record(ev); err != nil {
			log.Warn("failed to journal event", zap.String("journey_id", ev.JourneyID), zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to subscribe to status events: %w", err)
	}

	if err := natsClient.SubscribePositions(func(subjectID string, sample *types.PositionSample) {
		view.UpsertPresence(types.PresenceRecord{
			ActorID:       subjectID,
			Position:      *sample,
			LastUpdatedAt: time.Now().UTC(),
		})
	}); err != nil {
		return fmt.Errorf("failed to subscribe to positions: %w", err)
	}

	done := make(chan struct{})
	go renderLoop(view, query, interval, done)

	log.Info("monitor running", zap.String("output_dir", outputDir))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	close(done)
	return nil
}

// parseEnvironment extracts the monitor-specific settings.
func parseEnvironment() (string, fleet.Query, time.Duration) {
	outputDir := os.Getenv("OUTPUT_DIR")
	if outputDir == "" {
		outputDir = "./logs"
	}

	query := fleet.Query{
		Search:  os.Getenv("SEARCH_FILTER"),
		Status:  callsign.Key(os.Getenv("STATUS_FILTER")),
		Program: os.Getenv("PROGRAM_FILTER"),
	}

	interval := 30 * time.Second
	if v := os.Getenv("RENDER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			interval = d
		}
	}
	return outputDir, query, interval
}

// renderLoop periodically prints the operations table. Presence buckets
// are classified fresh on every pass.
func renderLoop(view *fleet.View, query fleet.Query, interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			fmt.Print(renderTable(view.Snapshot(query)))
		}
	}
}

func renderTable(rows []fleet.Row) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n%-12s %-16s %-10s %-10s %-8s %s\n",
		"JOURNEY", "CALL SIGN", "VEHICLE", "OFFICER", "PRESENCE", "UPDATED")
	for _, row := range rows {
		updated := "-"
		if !row.Journey.StatusUpdatedAt.IsZero() {
			updated = row.Journey.StatusUpdatedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&b, "%-12s %-16s %-10s %-10s %-8s %s\n",
			row.Journey.ID, row.Label, row.Journey.VehicleID,
			row.Journey.OfficerID, row.Bucket, updated)
	}
	if len(rows) == 0 {
		b.WriteString("(no journeys match the current filters)\n")
	}
	return b.String()
}
