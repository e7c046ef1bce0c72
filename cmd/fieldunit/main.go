package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/config"
	"github.com/mfalcao/convoy-ops/internal/logger"
	"github.com/mfalcao/convoy-ops/internal/nats"
	"github.com/mfalcao/convoy-ops/internal/position"
	"github.com/mfalcao/convoy-ops/internal/status"
	"github.com/mfalcao/convoy-ops/internal/types"
)

// fieldunit runs on a vehicle: it tracks the device position continuously
// and lets the driver report call signs. Commands arrive on stdin, one per
// line:
//
//	status <journey-id> <call-sign> [notes...]
//	eta <journey-id> <RFC3339 time>
//	etd <journey-id> <RFC3339 time>
//	complete <journey-id>
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	subjectID := os.Getenv("SUBJECT_ID")
	if subjectID == "" {
		hostname, _ := os.Hostname()
		subjectID = "unit-" + hostname
		if hostname == "" {
			subjectID = "unit-" + uuid.New().String()[:8]
		}
	}
	gpsSource := os.Getenv("GPS_SOURCE")
	if gpsSource == "" {
		gpsSource = "localhost:10110" // default gpsd-style NMEA port
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "fieldunit")
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

	provider := position.NewNMEAProvider(gpsSource)
	defer provider.Close()

	coordinator := position.NewCoordinator(provider, natsClient, log)
	handle := coordinator.Start(subjectID, position.Options{})
	log.Info("position tracking started",
		zap.String("subject_id", subjectID),
		zap.String("gps_source", gpsSource))

	statusCoord := status.New(natsClient.RemoteService(), log)
	if err := natsClient.SubscribeStatusEvents(func(ev *types.StatusEvent) {
		statusCoord.ApplyFeedEvent(*ev)
	}); err != nil {
		log.Fatal("failed to subscribe to status events", zap.Error(err))
	}

	go commandLoop(os.Stdin, statusCoord, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	handle.Stop()
}

// commandLoop reads driver commands until EOF.
func commandLoop(r io.Reader, coord *status.Coordinator, log *zap.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := runCommand(line, coord); err != nil {
			log.Warn("command failed", zap.String("command", line), zap.Error(err))
		}
	}
}

func runCommand(line string, coord *status.Coordinator) error {
	fields := strings.Fields(line)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch fields[0] {
	case "status":
		if len(fields) < 3 {
			return fmt.Errorf("usage: status <journey-id> <call-sign> [notes]")
		}
		notes := strings.Join(fields[3:], " ")
		return coord.ApplyStatus(ctx, fields[1], callsign.Key(fields[2]), notes)
	case "eta", "etd":
		if len(fields) != 3 {
			return fmt.Errorf("usage: %s <journey-id> <RFC3339 time>", fields[0])
		}
		at, err := time.Parse(time.RFC3339, fields[2])
		if err != nil {
			return fmt.Errorf("invalid time: %w", err)
		}
		sign := callsign.ETA
		if fields[0] == "etd" {
			sign = callsign.ETD
		}
		return coord.AnnotateTime(fields[1], sign, at)
	case "complete":
		if len(fields) != 2 {
			return fmt.Errorf("usage: complete <journey-id>")
		}
		return coord.CompleteJourney(ctx, fields[1])
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}
