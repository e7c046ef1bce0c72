package db

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/db/migrations"
	"github.com/mfalcao/convoy-ops/internal/types"
)

// startTimescaleContainer starts a TimescaleDB container and returns a
// migrated client. The hypertable migration needs the timescaledb
// extension, so plain postgres images won't do.
func startTimescaleContainer(t *testing.T) *Client {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "timescale/timescaledb:latest-pg14",
		postgres.WithDatabase("convoy_ops"),
		postgres.WithUsername("convoy"),
		postgres.WithPassword("convoy_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("Failed to start TimescaleDB container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate TimescaleDB container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	client, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create database client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	migrator := migrations.New(client.db)
	if err := migrator.Migrate([]*migrations.Migration{migrations.InitialSchema}); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	return client
}

func TestDBClient_Integration_JourneyLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := startTimescaleContainer(t)

	j := &types.Journey{
		ID:        "journey-1",
		Principal: "Ambassador Osei",
		Program:   "summit",
		VehicleID: "veh-901",
		OfficerID: "officer-7",
	}
	if err := client.CreateJourney(j); err != nil {
		t.Fatalf("CreateJourney() error = %v", err)
	}

	got, err := client.GetJourney("journey-1")
	if err != nil {
		t.Fatalf("GetJourney() error = %v", err)
	}
	if got == nil {
		t.Fatal("created journey not found")
	}
	if got.Principal != j.Principal || got.Status != callsign.None {
		t.Errorf("GetJourney() = %+v", got)
	}
	if !got.StatusUpdatedAt.IsZero() {
		t.Errorf("planned journey has a status timestamp: %v", got.StatusUpdatedAt)
	}

	missing, err := client.GetJourney("no-such-journey")
	if err != nil {
		t.Fatalf("GetJourney(missing) error = %v", err)
	}
	if missing != nil {
		t.Errorf("GetJourney(missing) = %+v, want nil", missing)
	}
}

func TestDBClient_Integration_StatusUpdateAndHistory(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := startTimescaleContainer(t)

	j := &types.Journey{ID: "journey-1", Principal: "Ambassador Osei", VehicleID: "veh-901"}
	if err := client.CreateJourney(j); err != nil {
		t.Fatalf("CreateJourney() error = %v", err)
	}

	base := time.Now().UTC().Truncate(time.Millisecond)
	transitions := []struct {
		sign callsign.Key
		at   time.Time
	}{
		{callsign.FirstCourse, base},
		{callsign.Chapman, base.Add(time.Minute)},
		{callsign.Completed, base.Add(2 * time.Minute)},
	}
	for _, tr := range transitions {
		if err := client.UpdateJourneyStatus("journey-1", tr.sign, tr.at, ""); err != nil {
			t.Fatalf("UpdateJourneyStatus(%s) error = %v", tr.sign, err)
		}
	}

	got, err := client.GetJourney("journey-1")
	if err != nil {
		t.Fatalf("GetJourney() error = %v", err)
	}
	if got.Status != callsign.Completed {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if !got.CompletedAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, base.Add(2*time.Minute))
	}

	var historyCount int
	if err := client.db.QueryRow(
		`SELECT COUNT(*) FROM status_history WHERE journey_id = $1`, "journey-1",
	).Scan(&historyCount); err != nil {
		t.Fatalf("counting history: %v", err)
	}
	if historyCount != len(transitions) {
		t.Errorf("history rows = %d, want %d", historyCount, len(transitions))
	}
}

func TestDBClient_Integration_ArchiveExcludesFromActive(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := startTimescaleContainer(t)

	for _, id := range []string{"journey-1", "journey-2"} {
		if err := client.CreateJourney(&types.Journey{ID: id, Principal: "p", VehicleID: "v"}); err != nil {
			t.Fatalf("CreateJourney(%s) error = %v", id, err)
		}
	}

	if err := client.ArchiveJourney("journey-1", time.Now().UTC()); err != nil {
		t.Fatalf("ArchiveJourney() error = %v", err)
	}

	active, err := client.GetActiveJourneys()
	if err != nil {
		t.Fatalf("GetActiveJourneys() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != "journey-2" {
		t.Errorf("active journeys = %+v, want only journey-2", active)
	}
}

func TestDBClient_Integration_PositionSamples(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := startTimescaleContainer(t)

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		s := &types.PositionSample{
			Latitude:       48.1173 + float64(i)*0.001,
			Longitude:      11.5167,
			AccuracyMeters: 4.5,
			SpeedMps:       11.5,
			CapturedAt:     base.Add(time.Duration(i) * time.Second),
		}
		if err := client.StorePositionSample("veh-901", s); err != nil {
			t.Fatalf("StorePositionSample() error = %v", err)
		}
	}

	var count int
	if err := client.db.QueryRow(
		`SELECT COUNT(*) FROM position_samples WHERE subject_id = $1`, "veh-901",
	).Scan(&count); err != nil {
		t.Fatalf("counting samples: %v", err)
	}
	if count != 3 {
		t.Errorf("sample rows = %d, want 3", count)
	}
}

func TestDBClient_Integration_SystemStats(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	client := startTimescaleContainer(t)

	stats := map[string]uint64{
		"total_events":     10,
		"applied_updates":  8,
		"rejected_updates": 1,
		"duplicate_events": 1,
		"samples_stored":   40,
		"sink_failures":    0,
		"active_journeys":  3,
		"active_units":     2,
	}
	if err := client.StoreSystemStats(stats); err != nil {
		t.Fatalf("StoreSystemStats() error = %v", err)
	}

	var applied uint64
	if err := client.db.QueryRow(
		`SELECT applied_updates FROM system_stats ORDER BY time DESC LIMIT 1`,
	).Scan(&applied); err != nil {
		t.Fatalf("reading stats row: %v", err)
	}
	if applied != 8 {
		t.Errorf("applied_updates = %d, want 8", applied)
	}
}
