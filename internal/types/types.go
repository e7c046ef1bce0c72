package types

import (
	"time"

	"github.com/mfalcao/convoy-ops/internal/callsign"
)

// Journey represents one principal's transit between locations.
type Journey struct {
	ID              string       `json:"id"`
	Principal       string       `json:"principal"`
	Program         string       `json:"program"`
	VehicleID       string       `json:"vehicle_id"`
	OfficerID       string       `json:"officer_id"`
	Status          callsign.Key `json:"status"`
	StatusUpdatedAt time.Time    `json:"status_updated_at"`
	ETA             time.Time    `json:"eta,omitempty"`
	ETD             time.Time    `json:"etd,omitempty"`
	CompletedAt     time.Time    `json:"completed_at,omitempty"`
	ArchivedAt      time.Time    `json:"archived_at,omitempty"`
}

// Terminal reports whether the journey accepts no further transitions.
// Completion and archival are monotonic; once either is set nothing moves.
func (j *Journey) Terminal() bool {
	return !j.CompletedAt.IsZero() || !j.ArchivedAt.IsZero()
}

// StatusEvent is one change-feed message: the authoritative record of a
// status mutation, rebroadcast to every client including the writer.
// Delivery is at-least-once; consumers must be idempotent on (JourneyID,
// UpdatedAt).
type StatusEvent struct {
	JourneyID string       `json:"journey_id"`
	Status    callsign.Key `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
	Notes     string       `json:"notes,omitempty"`
}

// PositionSample is a single device location reading. Samples are
// independent of each other; only the most recent one per subject is kept
// in memory.
type PositionSample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_meters"`
	HeadingDeg     float64   `json:"heading_deg,omitempty"`
	SpeedMps       float64   `json:"speed_mps,omitempty"`
	AltitudeMeters float64   `json:"altitude_meters,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// PresenceRecord ties an actor to their last reported position. The
// liveness bucket is always derived from LastUpdatedAt at read time and is
// never stored alongside the record.
type PresenceRecord struct {
	ActorID       string         `json:"actor_id"`
	Position      PositionSample `json:"position"`
	LastUpdatedAt time.Time      `json:"last_updated_at"`
}
