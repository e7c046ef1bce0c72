package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mfalcao/convoy-ops/internal/types"
)

// Options bounds the acquisition timeouts and the backstop period. Zero
// fields take the defaults below; tests shrink them.
type Options struct {
	HighAccuracyTimeout time.Duration
	LowAccuracyTimeout  time.Duration
	BackstopInterval    time.Duration
	SinkTimeout         time.Duration
}

const (
	defaultHighAccuracyTimeout = 15 * time.Second
	defaultLowAccuracyTimeout  = 20 * time.Second
	defaultBackstopInterval    = 10 * time.Second
	defaultSinkTimeout         = 5 * time.Second

	// sinkBacklog bounds samples queued for a slow sink. Acquisition
	// never waits on sink acknowledgement; when the backlog is full the
	// oldest pending samples have already been superseded, so the new
	// one is dropped and logged.
	sinkBacklog = 64
)

func (o Options) withDefaults() Options {
	if o.HighAccuracyTimeout <= 0 {
		o.HighAccuracyTimeout = defaultHighAccuracyTimeout
	}
	if o.LowAccuracyTimeout <= 0 {
		o.LowAccuracyTimeout = defaultLowAccuracyTimeout
	}
	if o.BackstopInterval <= 0 {
		o.BackstopInterval = defaultBackstopInterval
	}
	if o.SinkTimeout <= 0 {
		o.SinkTimeout = defaultSinkTimeout
	}
	return o
}

// Coordinator turns a noisy, intermittently-failing location provider into
// a reliable per-subject sample feed. At most one tracking session exists
// per subject; Start while one is live returns the existing handle.
type Coordinator struct {
	provider Provider
	sink     Sink
	logger   *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Handle
}

// NewCoordinator wires a coordinator to its provider and sink.
func NewCoordinator(provider Provider, sink Sink, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		provider: provider,
		sink:     sink,
		logger:   logger,
		sessions: make(map[string]*Handle),
	}
}

// Handle is one live tracking session. Its accessors report the
// coordinator's state; acquisition errors surface here rather than being
// thrown, since acquisition is a long-running process.
type Handle struct {
	subjectID string
	coord     *Coordinator
	opts      Options

	cancel   context.CancelFunc
	stopOnce sync.Once
	forward  chan *types.PositionSample

	mu         sync.Mutex
	permission Permission
	watchID    WatchID
	watching   bool
	lastSample *types.PositionSample
	lastErr    error
	stopped    bool
}

// SubjectID returns the tracked subject.
func (h *Handle) SubjectID() string { return h.subjectID }

// Permission returns the current permission state.
func (h *Handle) Permission() Permission {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.permission
}

// LastSample returns the most recent accepted sample, if any.
func (h *Handle) LastSample() *types.PositionSample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSample
}

// Err returns the surfaced acquisition error, nil while healthy. Timeouts
// never appear here.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Stopped reports whether the session has ended.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

// Start begins continuous acquisition for a subject. It returns
// immediately; the initial fix, watch registration, and backstop polling
// run in the background. Re-entrant: a second Start for a live subject is
// a no-op returning the existing handle.
func (c *Coordinator) Start(subjectID string, opts Options) *Handle {
	opts = opts.withDefaults()

	c.mu.Lock()
	if h, ok := c.sessions[subjectID]; ok && !h.Stopped() {
		c.mu.Unlock()
		return h
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		subjectID: subjectID,
		coord:     c,
		opts:      opts,
		cancel:    cancel,
		forward:   make(chan *types.PositionSample, sinkBacklog),
	}
	c.sessions[subjectID] = h
	c.mu.Unlock()

	// Pre-populate permission state when the provider can report it.
	// Absence of the capability, or a failing query, never blocks Start.
	if q, ok := c.provider.(PermissionQuerier); ok {
		if state, err := q.PermissionState(ctx); err == nil {
			h.mu.Lock()
			h.permission = state
			h.mu.Unlock()
		}
	}

	go c.forwardToSink(ctx, h)
	go c.acquire(ctx, h)
	return h
}

// Stop ends a session: the watch registration and the backstop timer are
// released together. Idempotent; the second call is a no-op.
func (c *Coordinator) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		h.cancel()

		h.mu.Lock()
		h.stopped = true
		watching := h.watching
		watchID := h.watchID
		h.watching = false
		h.mu.Unlock()

		if watching {
			c.provider.ClearWatch(watchID)
		}

		c.mu.Lock()
		if c.sessions[h.subjectID] == h {
			delete(c.sessions, h.subjectID)
		}
		c.mu.Unlock()

		c.logger.Info("tracking stopped", zap.String("subject_id", h.subjectID))
	})
}

// Stop is a convenience forwarding to the owning coordinator.
func (h *Handle) Stop() { h.coord.Stop(h) }

// acquire runs the acquisition strategy: one bounded high-accuracy fix,
// falling back to a single low-accuracy retry on timeout, then a standing
// watch plus the periodic backstop poll.
func (c *Coordinator) acquire(ctx context.Context, h *Handle) {
	sample, err := c.singleFix(ctx, h)
	switch {
	case err == nil:
		h.setPermission(PermissionGranted)
		c.accept(h, sample)
	case errors.Is(err, ErrPermissionDenied):
		c.deny(h)
		return
	case errors.Is(err, ErrTimeout):
		// Transient; the watch and backstop below keep trying.
	case errors.Is(err, ErrPositionUnavailable):
		h.setErr(err)
	case ctx.Err() != nil:
		return
	default:
		h.setErr(err)
	}

	watchID, err := c.provider.Watch(FixOptions{Accuracy: AccuracyHigh},
		func(s *types.PositionSample) {
			h.setPermission(PermissionGranted)
			c.accept(h, s)
		},
		func(err error) {
			c.handleWatchError(h, err)
		},
	)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			c.deny(h)
			return
		}
		h.setErr(err)
	} else {
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			c.provider.ClearWatch(watchID)
			return
		}
		h.watchID = watchID
		h.watching = true
		h.mu.Unlock()
	}

	c.backstop(ctx, h)
}

// singleFix requests one high-accuracy fix with a bounded timeout,
// degrading to a single low-accuracy attempt with a longer timeout instead
// of failing outright.
func (c *Coordinator) singleFix(ctx context.Context, h *Handle) (*types.PositionSample, error) {
	fixCtx, cancel := context.WithTimeout(ctx, h.opts.HighAccuracyTimeout)
	sample, err := c.provider.CurrentFix(fixCtx, FixOptions{Accuracy: AccuracyHigh})
	cancel()
	if err == nil || !errors.Is(err, ErrTimeout) {
		return sample, err
	}

	c.logger.Debug("high-accuracy fix timed out, retrying low accuracy",
		zap.String("subject_id", h.subjectID))
	fixCtx, cancel = context.WithTimeout(ctx, h.opts.LowAccuracyTimeout)
	defer cancel()
	return c.provider.CurrentFix(fixCtx, FixOptions{Accuracy: AccuracyLow})
}

// backstop polls for a fresh fix on a fixed period, independent of
// watch-driven delivery. Watch delivery can silently stall; the backstop
// bounds worst-case staleness.
func (c *Coordinator) backstop(ctx context.Context, h *Handle) {
	ticker := time.NewTicker(h.opts.BackstopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fixCtx, cancel := context.WithTimeout(ctx, h.opts.HighAccuracyTimeout)
			sample, err := c.provider.CurrentFix(fixCtx, FixOptions{Accuracy: AccuracyLow})
			cancel()
			switch {
			case err == nil:
				h.setPermission(PermissionGranted)
				c.accept(h, sample)
			case errors.Is(err, ErrPermissionDenied):
				c.deny(h)
				return
			case errors.Is(err, ErrTimeout):
				// Keep trying on the next tick.
			case ctx.Err() != nil:
				return
			default:
				h.setErr(err)
			}
		}
	}
}

// accept records a sample and hands it to the sink forwarder. Never
// blocks: watch callbacks run on the provider's delivery goroutine and a
// slow sink must not stall the next sample.
func (c *Coordinator) accept(h *Handle, sample *types.PositionSample) {
	if sample == nil {
		return
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.lastSample = sample
	h.lastErr = nil
	h.mu.Unlock()

	select {
	case h.forward <- sample:
	default:
		c.logger.Warn("sink backlog full, sample dropped",
			zap.String("subject_id", h.subjectID))
	}
}

// forwardToSink drains the sample backlog for one session, each delivery
// bounded by SinkTimeout. Sink failures are logged and acquisition
// continues.
func (c *Coordinator) forwardToSink(ctx context.Context, h *Handle) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample := <-h.forward:
			sinkCtx, cancel := context.WithTimeout(ctx, h.opts.SinkTimeout)
			err := c.sink.RecordPosition(sinkCtx, h.subjectID, sample)
			cancel()
			if err != nil {
				c.logger.Warn("position sink rejected sample",
					zap.String("subject_id", h.subjectID), zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) handleWatchError(h *Handle, err error) {
	switch {
	case errors.Is(err, ErrPermissionDenied):
		c.deny(h)
	case errors.Is(err, ErrTimeout):
		// Suppressed; the backstop guarantees the next attempt.
	default:
		h.setErr(err)
	}
}

// deny transitions the session to the denied terminal state and stops all
// sampling. Only a fresh Start, after the actor re-grants access in device
// settings, resumes acquisition.
func (c *Coordinator) deny(h *Handle) {
	h.setPermission(PermissionDenied)
	h.setErr(ErrPermissionDenied)
	c.logger.Warn("location permission denied, tracking halted; re-enable location access in device settings",
		zap.String("subject_id", h.subjectID))
	c.Stop(h)
}

func (h *Handle) setPermission(p Permission) {
	h.mu.Lock()
	h.permission = p
	h.mu.Unlock()
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.mu.Unlock()
}
