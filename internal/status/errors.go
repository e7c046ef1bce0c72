package status

import (
	"errors"
	"fmt"

	"github.com/mfalcao/convoy-ops/internal/callsign"
)

// ErrUnknownJourney is returned when a journey id has never been tracked
// locally and no feed event has introduced it.
var ErrUnknownJourney = errors.New("unknown journey")

// IllegalTransitionError rejects a requested status that is not in the
// legal set for the journey's current call sign. Raised during local
// validation; no network call has been made.
type IllegalTransitionError struct {
	JourneyID string
	From      callsign.Key
	To        callsign.Key
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("journey %s: illegal transition %s -> %s",
		e.JourneyID, callsign.Label(e.From), callsign.Label(e.To))
}

// TerminalStateError rejects any transition on a journey that is completed,
// archived, or holding a terminal call sign.
type TerminalStateError struct {
	JourneyID string
	State     callsign.Key
}

func (e *TerminalStateError) Error() string {
	return fmt.Sprintf("journey %s: terminal state %s accepts no transitions",
		e.JourneyID, callsign.Label(e.State))
}

// RemoteUpdateError reports a failed server confirmation. By the time the
// caller sees it the optimistic local value has already been rolled back.
type RemoteUpdateError struct {
	JourneyID string
	Err       error
}

func (e *RemoteUpdateError) Error() string {
	return fmt.Sprintf("journey %s: remote status update failed: %v", e.JourneyID, e.Err)
}

func (e *RemoteUpdateError) Unwrap() error { return e.Err }
