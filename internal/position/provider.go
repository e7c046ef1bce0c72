package position

import (
	"context"
	"errors"

	"github.com/mfalcao/convoy-ops/internal/types"
)

// Provider error taxonomy. Timeouts are transient and suppressed from the
// coordinator's user-visible error state; the other two are surfaced.
var (
	ErrPermissionDenied    = errors.New("location permission denied")
	ErrPositionUnavailable = errors.New("position unavailable")
	ErrTimeout             = errors.New("position fix timed out")
)

// Accuracy selects the fix quality requested from the provider.
type Accuracy int

const (
	AccuracyHigh Accuracy = iota
	AccuracyLow
)

// FixOptions parameterizes a single fix request or a watch registration.
type FixOptions struct {
	Accuracy Accuracy
}

// WatchID identifies a standing watch registration with a provider.
type WatchID int64

// Provider is a source of device location fixes. CurrentFix blocks until a
// fix arrives, the context expires (ErrTimeout), or the provider fails.
// Watch registers a standing callback pair; ClearWatch releases it and is
// safe to call with an already-cleared id.
type Provider interface {
	CurrentFix(ctx context.Context, opts FixOptions) (*types.PositionSample, error)
	Watch(opts FixOptions, onFix func(*types.PositionSample), onErr func(error)) (WatchID, error)
	ClearWatch(id WatchID)
}

// Permission is the coordinator's view of the provider's permission state.
type Permission int

const (
	PermissionUnknown Permission = iota
	PermissionPrompt
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionPrompt:
		return "prompt"
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// PermissionQuerier is an optional provider capability used only to
// pre-populate permission state. Providers without it work fine; Start
// falls back to attempting acquisition directly.
type PermissionQuerier interface {
	PermissionState(ctx context.Context) (Permission, error)
}

// Sink receives accepted samples. Forwarding is best-effort: a failing sink
// never stops or slows acquisition.
type Sink interface {
	RecordPosition(ctx context.Context, subjectID string, sample *types.PositionSample) error
}
