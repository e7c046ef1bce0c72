package fleet

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/presence"
	"github.com/mfalcao/convoy-ops/internal/types"
)

// Row is one line of the operations table: the latest known journey state
// joined with the assigned vehicle's presence, classified at snapshot time.
type Row struct {
	Journey  types.Journey
	Label    string
	Presence *types.PresenceRecord
	Bucket   presence.Bucket
}

// Query filters a snapshot. Zero fields match everything.
type Query struct {
	Search  string       // matches journey id, principal, vehicle, officer, call-sign label
	Status  callsign.Key // exact current-status match
	Program string       // exact program match
}

// View aggregates the latest state per journey and per vehicle for the
// dispatch screens. Feed events overwrite idempotently; presence buckets
// are recomputed on every Snapshot, never cached.
type View struct {
	policy presence.Policy
	now    func() time.Time

	mu        sync.RWMutex
	journeys  map[string]types.Journey
	applied   map[string]time.Time // latest feed UpdatedAt per journey
	presences map[string]types.PresenceRecord
}

// New creates an empty view with the given recency policy.
func New(policy presence.Policy) *View {
	return &View{
		policy:    policy,
		now:       func() time.Time { return time.Now().UTC() },
		journeys:  make(map[string]types.Journey),
		applied:   make(map[string]time.Time),
		presences: make(map[string]types.PresenceRecord),
	}
}

// UpsertJourney replaces the stored record for a journey.
func (v *View) UpsertJourney(j types.Journey) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.journeys[j.ID] = j
}

// ApplyFeedEvent folds an authoritative status broadcast into the view.
// Idempotent on (JourneyID, UpdatedAt); events older than the last applied
// one for the journey are dropped, so arrival order doesn't matter.
func (v *View) ApplyFeedEvent(ev types.StatusEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !ev.UpdatedAt.After(v.applied[ev.JourneyID]) {
		return
	}
	j := v.journeys[ev.JourneyID]
	j.ID = ev.JourneyID
	j.Status = ev.Status
	j.StatusUpdatedAt = ev.UpdatedAt
	if ev.Status == callsign.Completed && j.CompletedAt.IsZero() {
		j.CompletedAt = ev.UpdatedAt
	}
	v.journeys[ev.JourneyID] = j
	v.applied[ev.JourneyID] = ev.UpdatedAt
}

// UpsertPresence replaces the stored presence record for an actor.
func (v *View) UpsertPresence(r types.PresenceRecord) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if existing, ok := v.presences[r.ActorID]; ok && existing.LastUpdatedAt.After(r.LastUpdatedAt) {
		return
	}
	v.presences[r.ActorID] = r
}

// Remove drops a journey from the view (archival).
func (v *View) Remove(journeyID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.journeys, journeyID)
	delete(v.applied, journeyID)
}

// Snapshot returns the filtered rows, newest status first. Presence is
// classified against the clock at call time.
func (v *View) Snapshot(q Query) []Row {
	v.mu.RLock()
	defer v.mu.RUnlock()

	now := v.now()
	search := strings.ToLower(strings.TrimSpace(q.Search))

	rows := make([]Row, 0, len(v.journeys))
	for _, j := range v.journeys {
		if q.Status != callsign.None && j.Status != q.Status {
			continue
		}
		if q.Program != "" && j.Program != q.Program {
			continue
		}
		label := callsign.Label(j.Status)
		if search != "" && !matches(j, label, search) {
			continue
		}

		row := Row{Journey: j, Label: label, Bucket: presence.Stale}
		if rec, ok := v.presences[j.VehicleID]; ok {
			copied := rec
			row.Presence = &copied
			row.Bucket = v.policy.Classify(rec.LastUpdatedAt, now)
		}
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, k int) bool {
		a, b := rows[i].Journey, rows[k].Journey
		if !a.StatusUpdatedAt.Equal(b.StatusUpdatedAt) {
			return a.StatusUpdatedAt.After(b.StatusUpdatedAt)
		}
		return a.ID < b.ID
	})
	return rows
}

func matches(j types.Journey, label, search string) bool {
	for _, field := range []string{j.ID, j.Principal, j.VehicleID, j.OfficerID, label} {
		if strings.Contains(strings.ToLower(field), search) {
			return true
		}
	}
	return false
}
