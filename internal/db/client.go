package db

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/types"
)

type Client struct {
	db *sql.DB
}

// New creates a new database client
func New(connStr string) (*Client, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}
	return &Client{db: db}, nil
}

// Close closes the database connection
func (c *Client) Close() error {
	return c.db.Close()
}

// GetActiveJourneys retrieves every journey not yet archived.
func (c *Client) GetActiveJourneys() ([]*types.Journey, error) {
	query := `
		SELECT id, principal, program, vehicle_id, officer_id,
			status, status_updated_at, eta, etd, completed_at, archived_at
		FROM journeys
		WHERE archived_at IS NULL
	`
	rows, err := c.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var journeys []*types.Journey
	for rows.Next() {
		j, err := scanJourney(rows)
		if err != nil {
			return nil, err
		}
		journeys = append(journeys, j)
	}
	return journeys, rows.Err()
}

// GetJourney retrieves one journey, or nil when it does not exist.
func (c *Client) GetJourney(journeyID string) (*types.Journey, error) {
	query := `
		SELECT id, principal, program, vehicle_id, officer_id,
			status, status_updated_at, eta, etd, completed_at, archived_at
		FROM journeys
		WHERE id = $1
	`
	row := c.db.QueryRow(query, journeyID)
	j, err := scanJourney(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// CreateJourney inserts a planned journey.
func (c *Client) CreateJourney(j *types.Journey) error {
	query := `
		INSERT INTO journeys (
			id, principal, program, vehicle_id, officer_id,
			status, status_updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := c.db.Exec(query,
		j.ID, j.Principal, j.Program, j.VehicleID, j.OfficerID,
		string(j.Status), nullTime(j.StatusUpdatedAt),
	)
	return err
}

// UpdateJourneyStatus records a confirmed transition and appends it to the
// status history.
func (c *Client) UpdateJourneyStatus(journeyID string, sign callsign.Key, updatedAt time.Time, notes string) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE journeys SET
			status = $1, status_updated_at = $2,
			completed_at = CASE WHEN $1 = 'completed' AND completed_at IS NULL THEN $2 ELSE completed_at END
		WHERE id = $3
	`
	if _, err := tx.Exec(query, string(sign), updatedAt, journeyID); err != nil {
		return err
	}

	history := `
		INSERT INTO status_history (journey_id, status, notes, updated_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(history, journeyID, string(sign), notes, updatedAt); err != nil {
		return err
	}

	return tx.Commit()
}

// ArchiveJourney stamps archived_at; no transition is legal afterward.
func (c *Client) ArchiveJourney(journeyID string, at time.Time) error {
	query := `UPDATE journeys SET archived_at = $1 WHERE id = $2 AND archived_at IS NULL`
	_, err := c.db.Exec(query, at, journeyID)
	return err
}

// StorePositionSample appends one sample to the position log.
func (c *Client) StorePositionSample(subjectID string, s *types.PositionSample) error {
	query := `
		INSERT INTO position_samples (
			time, subject_id, latitude, longitude, accuracy_meters,
			heading_deg, speed_mps, altitude_meters
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := c.db.Exec(query,
		s.CapturedAt, subjectID, s.Latitude, s.Longitude, s.AccuracyMeters,
		s.HeadingDeg, s.SpeedMps, s.AltitudeMeters,
	)
	return err
}

// StoreSystemStats persists a snapshot of the dispatch daemon counters.
func (c *Client) StoreSystemStats(stats map[string]uint64) error {
	query := `
		INSERT INTO system_stats (
			time, total_events, applied_updates, rejected_updates,
			duplicate_events, samples_stored, sink_failures,
			active_journeys, active_units
		) VALUES (NOW(), $1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := c.db.Exec(query,
		stats["total_events"], stats["applied_updates"], stats["rejected_updates"],
		stats["duplicate_events"], stats["samples_stored"], stats["sink_failures"],
		stats["active_journeys"], stats["active_units"],
	)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJourney(row rowScanner) (*types.Journey, error) {
	var (
		j           types.Journey
		sign        string
		statusAt    sql.NullTime
		eta         sql.NullTime
		etd         sql.NullTime
		completedAt sql.NullTime
		archivedAt  sql.NullTime
	)
	if err := row.Scan(
		&j.ID, &j.Principal, &j.Program, &j.VehicleID, &j.OfficerID,
		&sign, &statusAt, &eta, &etd, &completedAt, &archivedAt,
	); err != nil {
		return nil, err
	}
	j.Status = callsign.Key(sign)
	if statusAt.Valid {
		j.StatusUpdatedAt = statusAt.Time
	}
	if eta.Valid {
		j.ETA = eta.Time
	}
	if etd.Valid {
		j.ETD = etd.Time
	}
	if completedAt.Valid {
		j.CompletedAt = completedAt.Time
	}
	if archivedAt.Valid {
		j.ArchivedAt = archivedAt.Time
	}
	return &j, nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
