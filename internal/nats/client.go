package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/status"
	"github.com/mfalcao/convoy-ops/internal/types"
)

const (
	// SubjectStatusEvents carries the change feed: every confirmed status
	// mutation, rebroadcast to all clients including the writer.
	SubjectStatusEvents = "convoy.status.events"

	// SubjectPositionPrefix is followed by the subject id being tracked.
	SubjectPositionPrefix = "convoy.position."

	// Request/reply subjects served by dispatchd.
	SubjectStatusUpdate   = "convoy.status.update"
	SubjectStatusComplete = "convoy.status.complete"

	defaultRequestTimeout = 10 * time.Second
)

// Client wraps the NATS connection used by every convoy daemon. Status
// events and position samples ride JetStream streams so a briefly
// disconnected consumer still sees them at least once.
type Client struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects and ensures the two streams exist.
func New(url string) (*Client, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	streams := []*nats.StreamConfig{
		{
			Name:     "CONVOY_EVENTS",
			Subjects: []string{SubjectStatusEvents},
			Storage:  nats.FileStorage,
			MaxAge:   24 * time.Hour,
		},
		{
			Name:     "CONVOY_POSITIONS",
			Subjects: []string{SubjectPositionPrefix + ">"},
			Storage:  nats.FileStorage,
			MaxAge:   6 * time.Hour,
		},
	}
	for _, cfg := range streams {
		if _, err := js.AddStream(cfg); err != nil && !strings.Contains(err.Error(), "stream name already in use") {
			nc.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
		}
	}

	return &Client{conn: nc, js: js}, nil
}

// PublishStatusEvent broadcasts a confirmed status change on the feed.
func (c *Client) PublishStatusEvent(ev *types.StatusEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}
	if _, err := c.js.Publish(SubjectStatusEvents, data); err != nil {
		return fmt.Errorf("failed to publish status event: %w", err)
	}
	return nil
}

// SubscribeStatusEvents delivers every feed event to the handler.
func (c *Client) SubscribeStatusEvents(handler func(*types.StatusEvent)) error {
	_, err := c.js.Subscribe(SubjectStatusEvents, func(msg *nats.Msg) {
		var ev types.StatusEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(&ev)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status events: %w", err)
	}
	return nil
}

// RecordPosition publishes one sample for a tracked subject. Implements
// the position sink contract; a failure here is the caller's to log, never
// to propagate as an acquisition failure.
func (c *Client) RecordPosition(_ context.Context, subjectID string, sample *types.PositionSample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("failed to marshal position sample: %w", err)
	}
	if _, err := c.js.Publish(SubjectPositionPrefix+subjectID, data); err != nil {
		return fmt.Errorf("failed to publish position: %w", err)
	}
	return nil
}

// SubscribePositions delivers every published sample with its subject id.
func (c *Client) SubscribePositions(handler func(subjectID string, sample *types.PositionSample)) error {
	_, err := c.js.Subscribe(SubjectPositionPrefix+">", func(msg *nats.Msg) {
		var sample types.PositionSample
		if err := json.Unmarshal(msg.Data, &sample); err != nil {
			return
		}
		handler(strings.TrimPrefix(msg.Subject, SubjectPositionPrefix), &sample)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to positions: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// statusRequest is the request/reply wire shape served by dispatchd.
type statusRequest struct {
	JourneyID string       `json:"journey_id"`
	Status    callsign.Key `json:"status,omitempty"`
	Notes     string       `json:"notes,omitempty"`
}

type statusReply struct {
	Status    callsign.Key `json:"status,omitempty"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// RemoteStatusService is the production status.RemoteService: a NATS
// request/reply client against dispatchd. One call, one request; it never
// retries on its own.
type RemoteStatusService struct {
	conn    *nats.Conn
	timeout time.Duration
}

// RemoteService returns a status service bound to this connection.
func (c *Client) RemoteService() *RemoteStatusService {
	return &RemoteStatusService{conn: c.conn, timeout: defaultRequestTimeout}
}

// UpdateStatus asks dispatchd to persist and rebroadcast a status change.
func (s *RemoteStatusService) UpdateStatus(ctx context.Context, journeyID string, sign callsign.Key, notes string) (status.Ack, error) {
	reply, err := s.request(ctx, SubjectStatusUpdate, statusRequest{
		JourneyID: journeyID,
		Status:    sign,
		Notes:     notes,
	})
	if err != nil {
		return status.Ack{}, err
	}
	return status.Ack{Status: reply.Status, UpdatedAt: reply.UpdatedAt}, nil
}

// CompleteJourney asks dispatchd to mark a journey finished.
func (s *RemoteStatusService) CompleteJourney(ctx context.Context, journeyID string) (time.Time, error) {
	reply, err := s.request(ctx, SubjectStatusComplete, statusRequest{JourneyID: journeyID})
	if err != nil {
		return time.Time{}, err
	}
	return reply.UpdatedAt, nil
}

func (s *RemoteStatusService) request(ctx context.Context, subject string, req statusRequest) (*statusReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	msg, err := s.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}

	var reply statusReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("status request rejected: %s", reply.Error)
	}
	return &reply, nil
}

// StatusHandler answers one status mutation request authoritatively.
type StatusHandler interface {
	HandleUpdate(journeyID string, sign callsign.Key, notes string) (status.Ack, error)
	HandleComplete(journeyID string) (time.Time, error)
}

// ServeStatusRequests registers the dispatchd side of the request/reply
// pair on a queue group, so multiple dispatchd replicas share the load.
func (c *Client) ServeStatusRequests(handler StatusHandler) error {
	reply := func(msg *nats.Msg, r statusReply) {
		data, err := json.Marshal(r)
		if err != nil {
			return
		}
		_ = msg.Respond(data)
	}

	_, err := c.conn.QueueSubscribe(SubjectStatusUpdate, "dispatchd", func(msg *nats.Msg) {
		var req statusRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply(msg, statusReply{Error: "malformed request"})
			return
		}
		ack, err := handler.HandleUpdate(req.JourneyID, req.Status, req.Notes)
		if err != nil {
			reply(msg, statusReply{Error: err.Error()})
			return
		}
		reply(msg, statusReply{Status: ack.Status, UpdatedAt: ack.UpdatedAt})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to status updates: %w", err)
	}

	_, err = c.conn.QueueSubscribe(SubjectStatusComplete, "dispatchd", func(msg *nats.Msg) {
		var req statusRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			reply(msg, statusReply{Error: "malformed request"})
			return
		}
		at, err := handler.HandleComplete(req.JourneyID)
		if err != nil {
			reply(msg, statusReply{Error: err.Error()})
			return
		}
		reply(msg, statusReply{Status: callsign.Completed, UpdatedAt: at})
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to completions: %w", err)
	}
	return nil
}
