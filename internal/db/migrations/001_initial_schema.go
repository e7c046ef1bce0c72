package migrations

// InitialSchema creates the journeys, status history, position, and stats
// tables. Position samples ride a TimescaleDB hypertable; everything else
// is plain relational.
var InitialSchema = &Migration{
	Name: "001_initial_schema",
	UpSQL: `
		CREATE EXTENSION IF NOT EXISTS timescaledb;

		CREATE TABLE IF NOT EXISTS journeys (
			id TEXT PRIMARY KEY,
			principal TEXT NOT NULL DEFAULT '',
			program TEXT NOT NULL DEFAULT '',
			vehicle_id TEXT NOT NULL DEFAULT '',
			officer_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT '',
			status_updated_at TIMESTAMPTZ,
			eta TIMESTAMPTZ,
			etd TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			archived_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_journeys_program ON journeys (program);
		CREATE INDEX IF NOT EXISTS idx_journeys_vehicle ON journeys (vehicle_id);
		CREATE INDEX IF NOT EXISTS idx_journeys_archived_at ON journeys (archived_at);

		CREATE TABLE IF NOT EXISTS status_history (
			id BIGSERIAL PRIMARY KEY,
			journey_id TEXT NOT NULL,
			status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_status_history_journey ON status_history (journey_id, updated_at);

		CREATE TABLE IF NOT EXISTS position_samples (
			time TIMESTAMPTZ NOT NULL,
			subject_id TEXT NOT NULL,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			accuracy_meters DOUBLE PRECISION,
			heading_deg DOUBLE PRECISION,
			speed_mps DOUBLE PRECISION,
			altitude_meters DOUBLE PRECISION
		);

		SELECT create_hypertable('position_samples', 'time', if_not_exists => TRUE);

		CREATE INDEX IF NOT EXISTS idx_position_samples_subject ON position_samples (subject_id, time DESC);

		CREATE TABLE IF NOT EXISTS system_stats (
			time TIMESTAMPTZ NOT NULL,
			total_events BIGINT NOT NULL,
			applied_updates BIGINT NOT NULL,
			rejected_updates BIGINT NOT NULL,
			duplicate_events BIGINT NOT NULL,
			samples_stored BIGINT NOT NULL,
			sink_failures BIGINT NOT NULL,
			active_journeys BIGINT NOT NULL,
			active_units BIGINT NOT NULL
		);
	`,
	DownSQL: `
		DROP TABLE IF EXISTS system_stats;
		DROP TABLE IF EXISTS position_samples;
		DROP TABLE IF EXISTS status_history;
		DROP TABLE IF EXISTS journeys;
	`,
}
