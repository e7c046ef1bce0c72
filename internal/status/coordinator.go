package status

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/types"
)

// Ack is the server's confirmation of a status change. UpdatedAt carries
// the server-assigned timestamp, which is authoritative for ordering
// across actors.
type Ack struct {
	Status    callsign.Key `json:"status"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// RemoteService persists status changes. Implementations surface their own
// timeouts; the coordinator does not retry and does not impose an extra
// client-side deadline.
type RemoteService interface {
	UpdateStatus(ctx context.Context, journeyID string, status callsign.Key, notes string) (Ack, error)
	CompleteJourney(ctx context.Context, journeyID string) (time.Time, error)
}

// Coordinator applies status changes optimistically: the local journey
// record mutates before server confirmation so observers see zero latency,
// and rolls back to the exact pre-update snapshot when confirmation fails.
//
// Feed events delivered through ApplyFeedEvent are authoritative. An
// optimistic value is never re-applied, and a rollback never clobbers a
// value, once a feed reconciliation for the same journey has landed.
type Coordinator struct {
	remote RemoteService
	logger *zap.Logger
	now    func() time.Time

	mu         sync.Mutex
	journeys   map[string]*types.Journey
	reconciled map[string]time.Time // latest feed UpdatedAt seen per journey
}

// New creates a coordinator. The logger is required; pass zap.NewNop() in
// tests that don't care about output.
func New(remote RemoteService, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		remote:     remote,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		journeys:   make(map[string]*types.Journey),
		reconciled: make(map[string]time.Time),
	}
}

// Track seeds or overwrites the local record for a journey.
func (c *Coordinator) Track(j types.Journey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	copied := j
	c.journeys[j.ID] = &copied
}

// Journey returns a copy of the local record.
func (c *Coordinator) Journey(id string) (types.Journey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.journeys[id]
	if !ok {
		return types.Journey{}, false
	}
	return *j, true
}

// ApplyStatus runs one status change end-to-end: validate, apply
// optimistically, confirm remotely, adopt the server timestamp on success
// or restore the pre-update snapshot on failure.
func (c *Coordinator) ApplyStatus(ctx context.Context, journeyID string, requested callsign.Key, notes string) error {
	c.mu.Lock()
	j, ok := c.journeys[journeyID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownJourney
	}
	if err := c.validateLocked(j, requested); err != nil {
		c.mu.Unlock()
		return err
	}

	prevStatus, prevAt := j.Status, j.StatusUpdatedAt
	reconBefore := c.reconciled[journeyID]
	j.Status = requested
	j.StatusUpdatedAt = c.now()
	c.mu.Unlock()

	// Suspension point: no lock held while awaiting confirmation, other
	// journeys stay responsive.
	ack, err := c.remote.UpdateStatus(ctx, journeyID, requested, notes)

	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok = c.journeys[journeyID]
	if !ok {
		if err != nil {
			return &RemoteUpdateError{JourneyID: journeyID, Err: err}
		}
		return nil
	}

	if !c.reconciled[journeyID].Equal(reconBefore) {
		// A feed event for this journey arrived while the call was in
		// flight; the authoritative record has already replaced the
		// optimistic value. Only a strictly newer server timestamp may
		// move it again.
		if err == nil && ack.UpdatedAt.After(c.reconciled[journeyID]) {
			c.adoptLocked(j, ack)
		}
		if err != nil {
			return &RemoteUpdateError{JourneyID: journeyID, Err: err}
		}
		return nil
	}

	if err != nil {
		j.Status = prevStatus
		j.StatusUpdatedAt = prevAt
		c.logger.Warn("status update rolled back",
			zap.String("journey_id", journeyID),
			zap.String("requested", string(requested)),
			zap.Error(err))
		return &RemoteUpdateError{JourneyID: journeyID, Err: err}
	}

	c.adoptLocked(j, ack)
	return nil
}

// CompleteJourney marks a journey finished. It bypasses the ordinary
// transition table (legal from any non-terminal state) but follows the same
// optimistic/confirm/rollback shape as ApplyStatus.
func (c *Coordinator) CompleteJourney(ctx context.Context, journeyID string) error {
	c.mu.Lock()
	j, ok := c.journeys[journeyID]
	if !ok {
		c.mu.Unlock()
		return ErrUnknownJourney
	}
	if j.Terminal() || callsign.Terminal(j.Status) {
		state := j.Status
		c.mu.Unlock()
		return &TerminalStateError{JourneyID: journeyID, State: state}
	}

	prevStatus, prevAt := j.Status, j.StatusUpdatedAt
	reconBefore := c.reconciled[journeyID]
	localAt := c.now()
	j.Status = callsign.Completed
	j.StatusUpdatedAt = localAt
	j.CompletedAt = localAt
	c.mu.Unlock()

	serverAt, err := c.remote.CompleteJourney(ctx, journeyID)

	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok = c.journeys[journeyID]
	if !ok {
		if err != nil {
			return &RemoteUpdateError{JourneyID: journeyID, Err: err}
		}
		return nil
	}

	if !c.reconciled[journeyID].Equal(reconBefore) {
		if err == nil && serverAt.After(c.reconciled[journeyID]) {
			c.adoptLocked(j, Ack{Status: callsign.Completed, UpdatedAt: serverAt})
			j.CompletedAt = serverAt
		}
		if err != nil {
			return &RemoteUpdateError{JourneyID: journeyID, Err: err}
		}
		return nil
	}

	if err != nil {
		j.Status = prevStatus
		j.StatusUpdatedAt = prevAt
		j.CompletedAt = time.Time{}
		c.logger.Warn("journey completion rolled back",
			zap.String("journey_id", journeyID), zap.Error(err))
		return &RemoteUpdateError{JourneyID: journeyID, Err: err}
	}

	if !serverAt.IsZero() {
		c.adoptLocked(j, Ack{Status: callsign.Completed, UpdatedAt: serverAt})
		j.CompletedAt = serverAt
	}
	return nil
}

// AnnotateTime attaches an ETA or ETD to a journey without changing its
// current status. Legal at any non-terminal state.
func (c *Coordinator) AnnotateTime(journeyID string, sign callsign.Key, at time.Time) error {
	if sign != callsign.ETA && sign != callsign.ETD {
		return &IllegalTransitionError{JourneyID: journeyID, To: sign}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	j, ok := c.journeys[journeyID]
	if !ok {
		return ErrUnknownJourney
	}
	if j.Terminal() || !callsign.Annotatable(j.Status) {
		return &TerminalStateError{JourneyID: journeyID, State: j.Status}
	}
	if sign == callsign.ETA {
		j.ETA = at
	} else {
		j.ETD = at
	}
	return nil
}

// ApplyFeedEvent reconciles the local record with an authoritative change
// broadcast. Idempotent on (JourneyID, UpdatedAt): duplicates and events
// older than the last applied one are dropped, so the final state reflects
// the newest server timestamp regardless of arrival order.
func (c *Coordinator) ApplyFeedEvent(ev types.StatusEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !ev.UpdatedAt.After(c.reconciled[ev.JourneyID]) {
		return
	}

	j, ok := c.journeys[ev.JourneyID]
	if !ok {
		// Another client planned this journey; adopt it.
		j = &types.Journey{ID: ev.JourneyID}
		c.journeys[ev.JourneyID] = j
	}

	j.Status = ev.Status
	j.StatusUpdatedAt = ev.UpdatedAt
	if ev.Status == callsign.Completed && j.CompletedAt.IsZero() {
		j.CompletedAt = ev.UpdatedAt
	}
	c.reconciled[ev.JourneyID] = ev.UpdatedAt
}

func (c *Coordinator) validateLocked(j *types.Journey, requested callsign.Key) error {
	if j.Terminal() {
		return &TerminalStateError{JourneyID: j.ID, State: j.Status}
	}
	legal := callsign.LegalNextStates(j.Status)
	if len(legal) == 0 {
		return &TerminalStateError{JourneyID: j.ID, State: j.Status}
	}
	if !legal[requested] {
		return &IllegalTransitionError{JourneyID: j.ID, From: j.Status, To: requested}
	}
	return nil
}

func (c *Coordinator) adoptLocked(j *types.Journey, ack Ack) {
	if ack.Status != callsign.None {
		j.Status = ack.Status
	}
	if !ack.UpdatedAt.IsZero() {
		j.StatusUpdatedAt = ack.UpdatedAt
	}
	if j.Status == callsign.Completed && j.CompletedAt.IsZero() {
		j.CompletedAt = j.StatusUpdatedAt
	}
	// The ack carries an authoritative server timestamp; record it so a
	// feed event older than the confirmed change cannot move the record
	// backwards.
	if ack.UpdatedAt.After(c.reconciled[j.ID]) {
		c.reconciled[j.ID] = ack.UpdatedAt
	}
}
