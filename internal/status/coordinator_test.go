package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mfalcao/convoy-ops/internal/callsign"
	"github.com/mfalcao/convoy-ops/internal/types"
)

// mockRemote records calls and returns canned responses.
type mockRemote struct {
	updateCalls   int
	completeCalls int
	updateErr     error
	completeErr   error
	serverTime    time.Time

	// onUpdate runs during the remote call, before it returns; used to
	// simulate a feed event racing the confirmation.
	onUpdate func()
}

func (m *mockRemote) UpdateStatus(_ context.Context, _ string, sign callsign.Key, _ string) (Ack, error) {
	m.updateCalls++
	if m.onUpdate != nil {
		m.onUpdate()
	}
	if m.updateErr != nil {
		return Ack{}, m.updateErr
	}
	return Ack{Status: sign, UpdatedAt: m.serverTime}, nil
}

func (m *mockRemote) CompleteJourney(_ context.Context, _ string) (time.Time, error) {
	m.completeCalls++
	if m.completeErr != nil {
		return time.Time{}, m.completeErr
	}
	return m.serverTime, nil
}

func newTestCoordinator(remote *mockRemote) *Coordinator {
	return New(remote, zap.NewNop())
}

func trackJourney(c *Coordinator, id string, sign callsign.Key, at time.Time) {
	c.Track(types.Journey{ID: id, Status: sign, StatusUpdatedAt: at})
}

func TestApplyStatus_OptimisticThenConfirmed(t *testing.T) {
	serverTime := time.Date(2026, 6, 14, 12, 0, 5, 0, time.UTC)
	remote := &mockRemote{serverTime: serverTime}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.FirstCourse, serverTime.Add(-time.Minute))

	if err := c.ApplyStatus(context.Background(), "j1", callsign.Chapman, "principal aboard"); err != nil {
		t.Fatalf("ApplyStatus failed: %v", err)
	}

	j, _ := c.Journey("j1")
	if j.Status != callsign.Chapman {
		t.Errorf("status = %q, want chapman", j.Status)
	}
	if !j.StatusUpdatedAt.Equal(serverTime) {
		t.Errorf("server time is authoritative: got %v, want %v", j.StatusUpdatedAt, serverTime)
	}
	if remote.updateCalls != 1 {
		t.Errorf("expected exactly one remote call, got %d", remote.updateCalls)
	}
}

func TestApplyStatus_IncidentFromPlanned(t *testing.T) {
	// Scenario: a planned journey may report broken arrow immediately.
	remote := &mockRemote{serverTime: time.Now().UTC()}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.None, time.Time{})

	if err := c.ApplyStatus(context.Background(), "j1", callsign.BrokenArrow, "vehicle blocked"); err != nil {
		t.Fatalf("incident reporting must bypass the sequence: %v", err)
	}
}

func TestApplyStatus_TerminalRejectedWithoutNetworkCall(t *testing.T) {
	remote := &mockRemote{}
	c := newTestCoordinator(remote)
	c.Track(types.Journey{
		ID:          "j1",
		Status:      callsign.Completed,
		CompletedAt: time.Now().UTC(),
	})

	err := c.ApplyStatus(context.Background(), "j1", callsign.Dessert, "")
	var terminal *TerminalStateError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalStateError, got %v", err)
	}
	if remote.updateCalls != 0 {
		t.Errorf("terminal rejection must not reach the network, got %d calls", remote.updateCalls)
	}
}

func TestApplyStatus_IllegalTransitionRejectedLocally(t *testing.T) {
	remote := &mockRemote{}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.FirstCourse, time.Now().UTC())

	err := c.ApplyStatus(context.Background(), "j1", callsign.Dessert, "")
	var illegal *IllegalTransitionError
	if !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
	if illegal.From != callsign.FirstCourse || illegal.To != callsign.Dessert {
		t.Errorf("error carries wrong endpoints: %v", illegal)
	}
	if remote.updateCalls != 0 {
		t.Errorf("validation failures must not reach the network, got %d calls", remote.updateCalls)
	}

	j, _ := c.Journey("j1")
	if j.Status != callsign.FirstCourse {
		t.Errorf("rejected update must not mutate state, got %q", j.Status)
	}
}

func TestApplyStatus_RollbackOnRemoteFailure(t *testing.T) {
	// Scenario: the remote call fails; final state equals initial state
	// exactly, and the error surfaces as RemoteUpdateError.
	initialAt := time.Date(2026, 6, 14, 11, 58, 0, 0, time.UTC)
	remote := &mockRemote{updateErr: errors.New("connection reset")}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.CocktailShaken, initialAt)

	err := c.ApplyStatus(context.Background(), "j1", callsign.Dessert, "")
	var remoteErr *RemoteUpdateError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteUpdateError, got %v", err)
	}

	j, _ := c.Journey("j1")
	if j.Status != callsign.CocktailShaken {
		t.Errorf("status not rolled back: got %q", j.Status)
	}
	if !j.StatusUpdatedAt.Equal(initialAt) {
		t.Errorf("timestamp not rolled back exactly: got %v, want %v", j.StatusUpdatedAt, initialAt)
	}
}

func TestApplyStatus_OptimisticValueVisibleDuringCall(t *testing.T) {
	remote := &mockRemote{serverTime: time.Now().UTC()}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.FirstCourse, time.Now().UTC())

	var observed callsign.Key
	remote.onUpdate = func() {
		j, _ := c.Journey("j1")
		observed = j.Status
	}

	if err := c.ApplyStatus(context.Background(), "j1", callsign.Chapman, ""); err != nil {
		t.Fatalf("ApplyStatus failed: %v", err)
	}
	if observed != callsign.Chapman {
		t.Errorf("observers must see the optimistic value before confirmation, saw %q", observed)
	}
}

func TestApplyStatus_FeedReconciliationWinsOverRollback(t *testing.T) {
	// A feed event lands while the confirmation is in flight and the
	// confirmation then fails: rollback must not clobber the
	// authoritative value.
	feedTime := time.Date(2026, 6, 14, 12, 0, 1, 0, time.UTC)
	remote := &mockRemote{updateErr: errors.New("timeout")}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.FirstCourse, feedTime.Add(-time.Minute))

	remote.onUpdate = func() {
		c.ApplyFeedEvent(types.StatusEvent{JourneyID: "j1", Status: callsign.Chapman, UpdatedAt: feedTime})
	}

	err := c.ApplyStatus(context.Background(), "j1", callsign.Chapman, "")
	var remoteErr *RemoteUpdateError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteUpdateError, got %v", err)
	}

	j, _ := c.Journey("j1")
	if j.Status != callsign.Chapman {
		t.Errorf("reconciled value clobbered by rollback: got %q", j.Status)
	}
	if !j.StatusUpdatedAt.Equal(feedTime) {
		t.Errorf("reconciled timestamp lost: got %v, want %v", j.StatusUpdatedAt, feedTime)
	}
}

func TestApplyFeedEvent_IdempotentOnJourneyAndTimestamp(t *testing.T) {
	c := newTestCoordinator(&mockRemote{})
	trackJourney(c, "j1", callsign.FirstCourse, time.Time{})

	at := time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)
	ev := types.StatusEvent{JourneyID: "j1", Status: callsign.Chapman, UpdatedAt: at}

	c.ApplyFeedEvent(ev)
	first, _ := c.Journey("j1")
	c.ApplyFeedEvent(ev)
	second, _ := c.Journey("j1")

	if first != second {
		t.Errorf("duplicate event changed state: %+v vs %+v", first, second)
	}
}

func TestApplyFeedEvent_OutOfOrderArrival(t *testing.T) {
	// Scenario: events with server timestamps t1 < t2 arriving in the
	// order t2, t1 must leave t2's status in place.
	c := newTestCoordinator(&mockRemote{})
	trackJourney(c, "j1", callsign.FirstCourse, time.Time{})

	t1 := time.Date(2026, 6, 14, 12, 0, 0, 0, time.UTC)
	t2 := t1.Add(5 * time.Second)

	c.ApplyFeedEvent(types.StatusEvent{JourneyID: "j1", Status: callsign.Cocktail, UpdatedAt: t2})
	c.ApplyFeedEvent(types.StatusEvent{JourneyID: "j1", Status: callsign.Chapman, UpdatedAt: t1})

	j, _ := c.Journey("j1")
	if j.Status != callsign.Cocktail {
		t.Errorf("last writer by server timestamp must win, got %q", j.Status)
	}
	if !j.StatusUpdatedAt.Equal(t2) {
		t.Errorf("timestamp = %v, want %v", j.StatusUpdatedAt, t2)
	}
}

func TestApplyFeedEvent_StaleEventAfterConfirmedUpdate(t *testing.T) {
	// A confirmed update carries an authoritative server timestamp, so a
	// feed event stamped earlier than the acknowledgement must not move
	// the record backwards.
	t4 := time.Date(2026, 6, 14, 12, 0, 4, 0, time.UTC)
	t5 := t4.Add(time.Second)
	remote := &mockRemote{serverTime: t5}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.CocktailShaken, t4.Add(-time.Minute))

	if err := c.ApplyStatus(context.Background(), "j1", callsign.Dessert, ""); err != nil {
		t.Fatalf("ApplyStatus failed: %v", err)
	}
	c.ApplyFeedEvent(types.StatusEvent{JourneyID: "j1", Status: callsign.BrokenArrow, UpdatedAt: t4})

	j, _ := c.Journey("j1")
	if j.Status != callsign.Dessert {
		t.Errorf("stale feed event overwrote the confirmed status, got %q", j.Status)
	}
	if !j.StatusUpdatedAt.Equal(t5) {
		t.Errorf("timestamp = %v, want %v", j.StatusUpdatedAt, t5)
	}
}

func TestCompleteJourney_StaleEventAfterCompletion(t *testing.T) {
	t4 := time.Date(2026, 6, 14, 12, 0, 4, 0, time.UTC)
	t5 := t4.Add(time.Second)
	remote := &mockRemote{serverTime: t5}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.Dessert, t4.Add(-time.Minute))

	if err := c.CompleteJourney(context.Background(), "j1"); err != nil {
		t.Fatalf("CompleteJourney failed: %v", err)
	}
	c.ApplyFeedEvent(types.StatusEvent{JourneyID: "j1", Status: callsign.Cancelled, UpdatedAt: t4})

	j, _ := c.Journey("j1")
	if j.Status != callsign.Completed {
		t.Errorf("stale feed event overwrote the completion, got %q", j.Status)
	}
	if !j.CompletedAt.Equal(t5) {
		t.Errorf("completedAt = %v, want %v", j.CompletedAt, t5)
	}
}

func TestApplyFeedEvent_UnknownJourneyAdopted(t *testing.T) {
	c := newTestCoordinator(&mockRemote{})

	at := time.Now().UTC()
	c.ApplyFeedEvent(types.StatusEvent{JourneyID: "planned-elsewhere", Status: callsign.FirstCourse, UpdatedAt: at})

	j, ok := c.Journey("planned-elsewhere")
	if !ok {
		t.Fatal("feed events for unknown journeys must create a record")
	}
	if j.Status != callsign.FirstCourse {
		t.Errorf("status = %q", j.Status)
	}
}

func TestCompleteJourney_BypassesTransitionTable(t *testing.T) {
	serverTime := time.Now().UTC()
	remote := &mockRemote{serverTime: serverTime}
	c := newTestCoordinator(remote)
	// First course never reaches completed through the ordinary table.
	trackJourney(c, "j1", callsign.FirstCourse, serverTime.Add(-time.Hour))

	if err := c.CompleteJourney(context.Background(), "j1"); err != nil {
		t.Fatalf("CompleteJourney failed: %v", err)
	}

	j, _ := c.Journey("j1")
	if j.Status != callsign.Completed {
		t.Errorf("status = %q, want completed", j.Status)
	}
	if j.CompletedAt.IsZero() {
		t.Error("CompletedAt not set")
	}
}

func TestCompleteJourney_RejectedFromBrokenArrow(t *testing.T) {
	remote := &mockRemote{}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.BrokenArrow, time.Now().UTC())

	err := c.CompleteJourney(context.Background(), "j1")
	var terminal *TerminalStateError
	if !errors.As(err, &terminal) {
		t.Fatalf("broken arrow is terminal pending external resolution, got %v", err)
	}
	if remote.completeCalls != 0 {
		t.Errorf("rejection must not reach the network, got %d calls", remote.completeCalls)
	}
}

func TestCompleteJourney_RollbackOnRemoteFailure(t *testing.T) {
	initialAt := time.Date(2026, 6, 14, 11, 0, 0, 0, time.UTC)
	remote := &mockRemote{completeErr: errors.New("unavailable")}
	c := newTestCoordinator(remote)
	trackJourney(c, "j1", callsign.Dessert, initialAt)

	err := c.CompleteJourney(context.Background(), "j1")
	var remoteErr *RemoteUpdateError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected RemoteUpdateError, got %v", err)
	}

	j, _ := c.Journey("j1")
	if j.Status != callsign.Dessert || !j.StatusUpdatedAt.Equal(initialAt) {
		t.Errorf("state not rolled back: %+v", j)
	}
	if !j.CompletedAt.IsZero() {
		t.Error("CompletedAt must be cleared on rollback")
	}
}

func TestAnnotateTime(t *testing.T) {
	c := newTestCoordinator(&mockRemote{})
	trackJourney(c, "j1", callsign.Chapman, time.Now().UTC())

	eta := time.Date(2026, 6, 14, 19, 30, 0, 0, time.UTC)
	if err := c.AnnotateTime("j1", callsign.ETA, eta); err != nil {
		t.Fatalf("AnnotateTime failed: %v", err)
	}

	j, _ := c.Journey("j1")
	if !j.ETA.Equal(eta) {
		t.Errorf("ETA = %v, want %v", j.ETA, eta)
	}
	if j.Status != callsign.Chapman {
		t.Error("annotations must not change the current status")
	}
}

func TestAnnotateTime_RejectedOnTerminal(t *testing.T) {
	c := newTestCoordinator(&mockRemote{})
	trackJourney(c, "j1", callsign.BrokenArrow, time.Now().UTC())

	err := c.AnnotateTime("j1", callsign.ETD, time.Now())
	var terminal *TerminalStateError
	if !errors.As(err, &terminal) {
		t.Fatalf("expected TerminalStateError, got %v", err)
	}
}

func TestAnnotateTime_RejectsNonTimeSigns(t *testing.T) {
	c := newTestCoordinator(&mockRemote{})
	trackJourney(c, "j1", callsign.Chapman, time.Now().UTC())

	var illegal *IllegalTransitionError
	if err := c.AnnotateTime("j1", callsign.Dessert, time.Now()); !errors.As(err, &illegal) {
		t.Fatalf("expected IllegalTransitionError, got %v", err)
	}
}

func TestApplyStatus_UnknownJourney(t *testing.T) {
	c := newTestCoordinator(&mockRemote{})
	if err := c.ApplyStatus(context.Background(), "ghost", callsign.FirstCourse, ""); !errors.Is(err, ErrUnknownJourney) {
		t.Errorf("expected ErrUnknownJourney, got %v", err)
	}
}
