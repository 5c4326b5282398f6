package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/pubsub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	svc    *Service
	repo   *MemoryRepo
	broker *pubsub.MemoryBroker
	audit  *audit.MemoryRepo
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   NewMemoryRepo(),
		broker: pubsub.NewMemoryBroker(),
		audit:  audit.NewMemoryRepo(),
		now:    time.Unix(1700000000, 0).UTC(),
	}
	dir := NewMemoryDirectory(
		Profile{ID: "alice", DisplayName: "Alice"},
		Profile{ID: "bob", DisplayName: "Bob"},
	)
	f.svc = NewService(f.repo, dir, f.broker,
		WithAudit(audit.NewService(f.audit)),
		WithClock(func() time.Time { return f.now }),
	)
	return f
}

func as(user string) context.Context {
	return auth.WithUserID(context.Background(), user)
}

func next(t *testing.T, ch <-chan calls.Call) calls.Call {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for call update")
		return calls.Call{}
	}
}

func TestCreateCall_InsertsInitiatedAndAnnouncesToReceiver(t *testing.T) {
	f := newFixture(t)

	incoming, cancel, err := f.svc.SubscribeToIncomingCalls(context.Background(), "bob")
	require.NoError(t, err)
	defer cancel()

	c, err := f.svc.CreateCall(as("alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, calls.CallStatusInitiated, c.Status)
	assert.Equal(t, "alice", c.CallerID)
	assert.Equal(t, f.now, c.CreatedAt)
	assert.Nil(t, c.AnsweredAt)

	got := next(t, incoming)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "bob", got.ReceiverID)

	evs := f.audit.ForCall(c.ID)
	require.Len(t, evs, 1)
	assert.Equal(t, audit.EventTypeCallCreated, evs[0].Type)
}

func TestCreateCall_Rejections(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateCall(context.Background(), "bob", calls.CallTypeAudio)
	assert.ErrorIs(t, err, calls.ErrInvalidArgument, "no identity")

	_, err = f.svc.CreateCall(as("alice"), "alice", calls.CallTypeAudio)
	assert.ErrorIs(t, err, calls.ErrInvalidArgument, "self call")

	_, err = f.svc.CreateCall(as("alice"), "bob", calls.CallType("hologram"))
	assert.ErrorIs(t, err, calls.ErrInvalidArgument, "bad type")

	_, err = f.svc.CreateCall(as("alice"), "carol", calls.CallTypeAudio)
	assert.ErrorIs(t, err, calls.ErrUnknownReceiver)
	assert.True(t, calls.IsLedgerError(err))

	_, err = f.svc.CreateCall(as("alice"), "bob", calls.CallTypeVideo)
	require.NoError(t, err)
	_, err = f.svc.CreateCall(as("alice"), "bob", calls.CallTypeVideo)
	assert.ErrorIs(t, err, calls.ErrCallerBusy)
}

func TestCreateCall_AllowedAgainAfterTerminal(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.CreateCall(as("alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(context.Background(), c.ID, calls.CallStatusMissed, UpdateOptions{Reason: "timeout"})
	require.NoError(t, err)

	_, err = f.svc.CreateCall(as("alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)
}

func TestUpdateStatus_IdempotentAndTerminal(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.CreateCall(as("alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Second)
	_, err = f.svc.UpdateStatus(as("alice"), c.ID, calls.CallStatusRinging, UpdateOptions{})
	require.NoError(t, err)

	f.now = f.now.Add(3 * time.Second)
	active, err := f.svc.UpdateStatus(as("bob"), c.ID, calls.CallStatusActive, UpdateOptions{Device: "bob-phone"})
	require.NoError(t, err)
	require.NotNil(t, active.AnsweredAt)
	assert.Equal(t, "bob-phone", active.AnsweredBy)

	f.now = f.now.Add(time.Second)
	again, err := f.svc.UpdateStatus(as("bob"), c.ID, calls.CallStatusActive, UpdateOptions{Device: "bob-laptop"})
	require.NoError(t, err, "same-status write is a silent no-op")
	assert.Equal(t, "bob-phone", again.AnsweredBy)
	assert.Equal(t, *active.AnsweredAt, *again.AnsweredAt)

	_, err = f.svc.UpdateStatus(as("alice"), c.ID, calls.CallStatusCompleted, UpdateOptions{Reason: "hangup"})
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(as("bob"), c.ID, calls.CallStatusCompleted, UpdateOptions{Reason: "hangup"})
	require.NoError(t, err, "duplicate terminal write is a no-op")

	stored, err := f.svc.UpdateStatus(as("bob"), c.ID, calls.CallStatusFailed, UpdateOptions{})
	assert.ErrorIs(t, err, calls.ErrInvalidTransition)
	assert.Equal(t, calls.CallStatusCompleted, stored.Status, "stored record returned with the rejection")

	var transitions []string
	for _, e := range f.audit.ForCall(c.ID) {
		if e.Type == audit.EventTypeStatusChange {
			transitions = append(transitions, e.ToStatus)
		}
	}
	assert.Equal(t, []string{"ringing", "active", "completed"}, transitions)
}

func TestUpdateStatus_UnknownCall(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpdateStatus(context.Background(), "nope", calls.CallStatusRinging, UpdateOptions{})
	assert.ErrorIs(t, err, calls.ErrNotFound)
}

func TestUpdateStatus_ConcurrentAcceptOneWinner(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.CreateCall(as("alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)

	devices := []string{"d1", "d2", "d3", "d4"}
	var wg sync.WaitGroup
	for _, d := range devices {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			_, _ = f.svc.UpdateStatus(as("bob"), c.ID, calls.CallStatusActive, UpdateOptions{Device: d})
		}(d)
	}
	wg.Wait()

	got, err := f.svc.Call(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Contains(t, devices, got.AnsweredBy)

	n := 0
	for _, e := range f.audit.ForCall(c.ID) {
		if e.ToStatus == "active" {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one accept persisted")
}

func TestSubscribeToCallUpdates_SnapshotThenChanges(t *testing.T) {
	f := newFixture(t)
	c, err := f.svc.CreateCall(as("alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)

	updates, cancel, err := f.svc.SubscribeToCallUpdates(context.Background(), c.ID)
	require.NoError(t, err)

	assert.Equal(t, calls.CallStatusInitiated, next(t, updates).Status)

	_, err = f.svc.UpdateStatus(context.Background(), c.ID, calls.CallStatusDeclined, UpdateOptions{Reason: "declined"})
	require.NoError(t, err)
	got := next(t, updates)
	assert.Equal(t, calls.CallStatusDeclined, got.Status)
	assert.Equal(t, "declined", got.EndReason)

	cancel()
	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribeToCallUpdates_UnknownCall(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.SubscribeToCallUpdates(context.Background(), "missing")
	assert.ErrorIs(t, err, calls.ErrNotFound)
	require.Eventually(t, func() bool {
		return f.broker.Subscribers(CallTopic("missing")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubscribe_DropsMalformedPayloads(t *testing.T) {
	f := newFixture(t)
	incoming, cancel, err := f.svc.SubscribeToIncomingCalls(context.Background(), "bob")
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, f.broker.Publish(context.Background(), IncomingTopic("bob"), []byte("{not json")))
	c, err := f.svc.CreateCall(as("alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)

	assert.Equal(t, c.ID, next(t, incoming).ID)
}

func TestCreateCall_SurvivesPublishOutage(t *testing.T) {
	f := newFixture(t)
	f.broker.OnPublish(func(string, []byte) error { return errors.New("redis down") })

	c, err := f.svc.CreateCall(as("alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)

	got, err := f.svc.GetCall(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Caller.DisplayName)
	assert.Equal(t, "Bob", got.Receiver.DisplayName)
}
