package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/ledger"
	"call-signaling/internal/media"
	"call-signaling/internal/pubsub"
	"call-signaling/internal/signaling"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wait = 2 * time.Second
const tick = 10 * time.Millisecond

type fakeSession struct {
	id         string
	role       media.Role
	acquireErr error

	mu       sync.Mutex
	acquired int
	remote   []media.Description
	cands    []media.Candidate
	releases int
	audioOn  bool
	onState  func(media.TransportState)
	onCand   func(media.Candidate)
}

func (s *fakeSession) AcquireLocalMedia(context.Context, calls.CallType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return fmt.Errorf("%w: %v", calls.ErrMediaAccess, s.acquireErr)
	}
	s.acquired++
	return nil
}

func (s *fakeSession) CreateOffer() (media.Description, error) {
	return media.Description{Type: "offer", SDP: "v=0 offer " + s.id}, nil
}

func (s *fakeSession) CreateAnswer() (media.Description, error) {
	return media.Description{Type: "answer", SDP: "v=0 answer " + s.id}, nil
}

func (s *fakeSession) ApplyRemoteDescription(_ context.Context, d media.Description) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.releases > 0 {
		return media.ErrReleased
	}
	s.remote = append(s.remote, d)
	return nil
}

func (s *fakeSession) AddRemoteCandidate(c media.Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cands = append(s.cands, c)
}

func (s *fakeSession) OnRemoteMedia(func(media.RemoteTrack)) {}

func (s *fakeSession) OnTransportStateChange(fn func(media.TransportState)) {
	s.mu.Lock()
	s.onState = fn
	s.mu.Unlock()
}

func (s *fakeSession) OnLocalCandidate(fn func(media.Candidate)) {
	s.mu.Lock()
	s.onCand = fn
	s.mu.Unlock()
}

func (s *fakeSession) SwitchLocalVideoSource() error { return nil }

func (s *fakeSession) ToggleLocalAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioOn = !s.audioOn
	return s.audioOn
}

func (s *fakeSession) ToggleLocalVideo() bool { return false }

func (s *fakeSession) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	s.onState, s.onCand = nil, nil
}

func (s *fakeSession) transport(ts media.TransportState) {
	s.mu.Lock()
	fn := s.onState
	s.mu.Unlock()
	if fn != nil {
		fn(ts)
	}
}

func (s *fakeSession) stats() (acquired, remote, cands, releases int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquired, len(s.remote), len(s.cands), s.releases
}

type sessions struct {
	mu         sync.Mutex
	byCall     map[string]*fakeSession
	acquireErr error
}

func (ss *sessions) factory(callID string, role media.Role, _ calls.CallType) media.Session {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s := &fakeSession{id: callID, role: role, acquireErr: ss.acquireErr, audioOn: true}
	ss.byCall[callID] = s
	return s
}

func (ss *sessions) get(t *testing.T, callID string) *fakeSession {
	t.Helper()
	var s *fakeSession
	require.Eventually(t, func() bool {
		ss.mu.Lock()
		defer ss.mu.Unlock()
		s = ss.byCall[callID]
		return s != nil
	}, wait, tick)
	return s
}

type recorder struct {
	mu       sync.Mutex
	incoming []calls.Call
	states   map[string][]State
	ended    map[string]calls.CallStatus
}

func (r *recorder) OnIncomingCall(c calls.Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incoming = append(r.incoming, c)
}

func (r *recorder) OnCallStateChanged(id string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[id] = append(r.states[id], s)
}

func (r *recorder) OnCallEnded(id string, final calls.CallStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended[id] = final
}

func (r *recorder) endedWith(id string) (calls.CallStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ended[id]
	return s, ok
}

func (r *recorder) incomingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.incoming)
}

type world struct {
	broker *pubsub.MemoryBroker
	ledger *ledger.Service
}

func newWorld() *world {
	b := pubsub.NewMemoryBroker()
	dir := ledger.NewMemoryDirectory(
		ledger.Profile{ID: "alice"},
		ledger.Profile{ID: "bob"},
		ledger.Profile{ID: "carol"},
	)
	return &world{broker: b, ledger: ledger.NewService(ledger.NewMemoryRepo(), dir, b)}
}

type peer struct {
	mgr      *Manager
	sessions *sessions
	notes    *recorder
}

func (w *world) peer(t *testing.T, user string, tweak func(*Options)) *peer {
	t.Helper()
	p := &peer{
		sessions: &sessions{byCall: map[string]*fakeSession{}},
		notes:    &recorder{states: map[string][]State{}, ended: map[string]calls.CallStatus{}},
	}
	opts := Options{
		SelfUserID:    user,
		RingTimeout:   2 * time.Second,
		LedgerTimeout: time.Second,
		// The callee may subscribe after the first offer went out.
		ResendInterval: 50 * time.Millisecond,
		Notifier:       p.notes,
	}
	if tweak != nil {
		tweak(&opts)
	}
	p.mgr = NewManager(w.ledger, signaling.NewClient(w.broker, nil), p.sessions.factory, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = NewListener(p.mgr, w.ledger, nil).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		closeCtx, done := context.WithTimeout(context.Background(), wait)
		defer done()
		_ = p.mgr.Close(closeCtx)
	})
	return p
}

func (w *world) listening(t *testing.T, user string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return w.broker.Subscribers(ledger.IncomingTopic(user)) == n
	}, wait, tick)
}

func (w *world) status(t *testing.T, id string) calls.CallStatus {
	t.Helper()
	c, err := w.ledger.Call(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func (w *world) eventuallyStatus(t *testing.T, id string, want calls.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return w.status(t, id) == want }, wait, tick, "ledger status %s", want)
}

func acceptWhenOffered(t *testing.T, p *peer, id string) {
	t.Helper()
	var last error
	ok := assert.Eventually(t, func() bool {
		last = p.mgr.Accept(context.Background(), id)
		return last == nil
	}, wait, 20*time.Millisecond)
	require.True(t, ok, "accept: %v", last)
}

func eventuallyState(t *testing.T, p *peer, id string, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := p.mgr.Get(id)
		return err == nil && s.State == want
	}, wait, tick, "state %s", want)
}

func eventuallyEnded(t *testing.T, p *peer, id string, want calls.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := p.notes.endedWith(id)
		return ok && s == want
	}, wait, tick, "ended %s", want)
}

func dial(t *testing.T, w *world, caller *peer, to string, ct calls.CallType) string {
	t.Helper()
	snap, err := caller.mgr.StartCall(context.Background(), to, ct)
	require.NoError(t, err)
	assert.Equal(t, StateCalling, snap.State)
	assert.Equal(t, calls.CallStatusRinging, w.status(t, snap.CallID))
	return snap.CallID
}

func TestCall_ConnectAndHangUp(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	bob := w.peer(t, "bob", nil)
	w.listening(t, "bob", 1)

	id := dial(t, w, alice, "bob", calls.CallTypeVideo)
	require.Eventually(t, func() bool { return bob.notes.incomingCount() == 1 }, wait, tick)
	eventuallyState(t, bob, id, StateRinging)

	acceptWhenOffered(t, bob, id)
	c, err := w.ledger.Call(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, calls.CallStatusActive, c.Status)
	assert.Equal(t, bob.mgr.Device(), c.AnsweredBy)

	as := alice.sessions.get(t, id)
	bs := bob.sessions.get(t, id)
	require.Eventually(t, func() bool { _, remote, _, _ := as.stats(); return remote == 1 }, wait, tick)

	as.transport(media.TransportConnected)
	bs.transport(media.TransportConnected)
	eventuallyState(t, alice, id, StateConnected)
	eventuallyState(t, bob, id, StateConnected)

	require.NoError(t, alice.mgr.End(context.Background(), id))
	w.eventuallyStatus(t, id, calls.CallStatusCompleted)
	eventuallyEnded(t, alice, id, calls.CallStatusCompleted)
	eventuallyEnded(t, bob, id, calls.CallStatusCompleted)

	_, _, _, ar := as.stats()
	_, _, _, br := bs.stats()
	assert.Equal(t, 1, ar, "caller media released once")
	assert.Equal(t, 1, br, "callee media released once")

	_, err = alice.mgr.Get(id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCall_UnansweredCallIsMissedAndLateAnswerDropped(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", func(o *Options) { o.RingTimeout = 300 * time.Millisecond })

	id := dial(t, w, alice, "bob", calls.CallTypeAudio)
	w.eventuallyStatus(t, id, calls.CallStatusMissed)
	eventuallyEnded(t, alice, id, calls.CallStatusMissed)
	require.Eventually(t, func() bool { return w.broker.Subscribers(signaling.Topic(id)) == 0 }, wait, tick)

	late := signaling.NewClient(w.broker, nil)
	require.NoError(t, late.SendAnswer(context.Background(), id, media.Description{Type: "answer", SDP: "v=0 late"}))

	s := alice.sessions.get(t, id)
	time.Sleep(50 * time.Millisecond)
	_, remote, _, releases := s.stats()
	assert.Zero(t, remote, "late answer never reaches media")
	assert.Equal(t, 1, releases)
	assert.Equal(t, calls.CallStatusMissed, w.status(t, id))
}

func TestCall_ConnectCancelsRingTimeout(t *testing.T) {
	w := newWorld()
	short := func(o *Options) { o.RingTimeout = 400 * time.Millisecond }
	alice := w.peer(t, "alice", short)
	bob := w.peer(t, "bob", short)
	w.listening(t, "bob", 1)

	id := dial(t, w, alice, "bob", calls.CallTypeAudio)
	acceptWhenOffered(t, bob, id)
	as, bs := alice.sessions.get(t, id), bob.sessions.get(t, id)
	require.Eventually(t, func() bool { _, remote, _, _ := as.stats(); return remote == 1 }, wait, tick)
	as.transport(media.TransportConnected)
	bs.transport(media.TransportConnected)
	eventuallyState(t, alice, id, StateConnected)
	eventuallyState(t, bob, id, StateConnected)

	time.Sleep(800 * time.Millisecond)
	eventuallyState(t, alice, id, StateConnected)
	assert.Equal(t, calls.CallStatusActive, w.status(t, id))
}

func TestCall_CancelBeforeAcceptConvergesOnMissed(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	bob := w.peer(t, "bob", nil)
	w.listening(t, "bob", 1)

	id := dial(t, w, alice, "bob", calls.CallTypeAudio)
	eventuallyState(t, bob, id, StateRinging)

	require.NoError(t, alice.mgr.End(context.Background(), id))
	err := bob.mgr.Accept(context.Background(), id)
	if err != nil {
		assert.True(t, errors.Is(err, ErrAttemptEnded) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrOfferPending), "got %v", err)
	}

	w.eventuallyStatus(t, id, calls.CallStatusMissed)
	eventuallyEnded(t, alice, id, calls.CallStatusMissed)
	eventuallyEnded(t, bob, id, calls.CallStatusMissed)
}

func TestCall_CancelAfterAcceptConvergesOnCompleted(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	bob := w.peer(t, "bob", nil)
	w.listening(t, "bob", 1)

	id := dial(t, w, alice, "bob", calls.CallTypeAudio)
	acceptWhenOffered(t, bob, id)

	// Alice hangs up before her machine necessarily saw the accept.
	require.NoError(t, alice.mgr.End(context.Background(), id))
	w.eventuallyStatus(t, id, calls.CallStatusCompleted)
	eventuallyEnded(t, alice, id, calls.CallStatusCompleted)
	eventuallyEnded(t, bob, id, calls.CallStatusCompleted)
}

func TestCall_CalleeDeclines(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	bob := w.peer(t, "bob", nil)
	w.listening(t, "bob", 1)

	id := dial(t, w, alice, "bob", calls.CallTypeVideo)
	eventuallyState(t, bob, id, StateRinging)
	require.NoError(t, bob.mgr.Decline(context.Background(), id))

	w.eventuallyStatus(t, id, calls.CallStatusDeclined)
	eventuallyEnded(t, alice, id, calls.CallStatusDeclined)
	eventuallyEnded(t, bob, id, calls.CallStatusDeclined)

	acquired, _, _, releases := bob.sessions.get(t, id).stats()
	assert.Zero(t, acquired, "declining never opens the camera")
	assert.Equal(t, 1, releases)
}

func TestCall_AnsweredOnAnotherDevice(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	phone := w.peer(t, "bob", nil)
	laptop := w.peer(t, "bob", nil)
	w.listening(t, "bob", 2)

	id := dial(t, w, alice, "bob", calls.CallTypeAudio)
	eventuallyState(t, laptop, id, StateRinging)
	acceptWhenOffered(t, phone, id)

	eventuallyEnded(t, laptop, id, calls.CallStatusActive)
	err := laptop.mgr.Accept(context.Background(), id)
	assert.True(t, errors.Is(err, ErrNotFound) || errors.Is(err, ErrAttemptEnded), "got %v", err)

	acquired, _, _, releases := laptop.sessions.get(t, id).stats()
	assert.Zero(t, acquired)
	assert.Equal(t, 1, releases)

	c, err := w.ledger.Call(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, phone.mgr.Device(), c.AnsweredBy)
	assert.Equal(t, calls.CallStatusActive, c.Status)
}

func TestCall_MediaFailureSurfacesOnStart(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	alice.sessions.mu.Lock()
	alice.sessions.acquireErr = errors.New("camera busy")
	alice.sessions.mu.Unlock()

	_, err := alice.mgr.StartCall(context.Background(), "bob", calls.CallTypeVideo)
	require.ErrorIs(t, err, calls.ErrMediaAccess)

	require.Eventually(t, func() bool { return len(alice.mgr.Live()) == 0 }, wait, tick)

	var id string
	alice.sessions.mu.Lock()
	for k := range alice.sessions.byCall {
		id = k
	}
	alice.sessions.mu.Unlock()
	require.NotEmpty(t, id)
	w.eventuallyStatus(t, id, calls.CallStatusFailed)
	_, _, _, releases := alice.sessions.get(t, id).stats()
	assert.Equal(t, 1, releases)

	// The caller may dial again once the failed attempt is terminal.
	alice.sessions.mu.Lock()
	alice.sessions.acquireErr = nil
	alice.sessions.mu.Unlock()
	_, err = alice.mgr.StartCall(context.Background(), "bob", calls.CallTypeAudio)
	require.NoError(t, err)
}

func TestCall_RedeliveredSignalingIsIgnored(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	bob := w.peer(t, "bob", nil)
	w.listening(t, "bob", 1)

	id := dial(t, w, alice, "bob", calls.CallTypeAudio)
	acceptWhenOffered(t, bob, id)
	as := alice.sessions.get(t, id)
	require.Eventually(t, func() bool { _, remote, _, _ := as.stats(); return remote == 1 }, wait, tick)

	other := signaling.NewClient(w.broker, nil)
	ctx := context.Background()
	answer := media.Description{Type: "answer", SDP: "v=0 answer " + id}
	require.NoError(t, other.SendAnswer(ctx, id, answer))
	mid := "0"
	c := media.Candidate{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host", SDPMid: &mid}
	other.SendCandidate(ctx, id, c)
	other.SendCandidate(ctx, id, c)

	require.Eventually(t, func() bool { _, _, cands, _ := as.stats(); return cands == 1 }, wait, tick)
	time.Sleep(50 * time.Millisecond)
	_, remote, cands, _ := as.stats()
	assert.Equal(t, 1, remote, "redelivered answer not re-applied")
	assert.Equal(t, 1, cands, "redelivered candidate not re-applied")
}

func TestCall_TransportFailureFailsBothSides(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	bob := w.peer(t, "bob", nil)
	w.listening(t, "bob", 1)

	id := dial(t, w, alice, "bob", calls.CallTypeAudio)
	acceptWhenOffered(t, bob, id)
	as := alice.sessions.get(t, id)
	require.Eventually(t, func() bool { _, remote, _, _ := as.stats(); return remote == 1 }, wait, tick)

	as.transport(media.TransportFailed)
	w.eventuallyStatus(t, id, calls.CallStatusFailed)
	eventuallyEnded(t, alice, id, calls.CallStatusFailed)
	eventuallyEnded(t, bob, id, calls.CallStatusFailed)
}

func TestCall_AcceptBeforeOfferIsPending(t *testing.T) {
	w := newWorld()
	bob := w.peer(t, "bob", nil)
	w.listening(t, "bob", 1)

	// A caller that never sends its offer.
	rec, err := w.ledger.CreateCall(auth.WithUserID(context.Background(), "alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)
	eventuallyState(t, bob, rec.ID, StateRinging)

	assert.ErrorIs(t, bob.mgr.Accept(context.Background(), rec.ID), ErrOfferPending)
	assert.Equal(t, calls.CallStatusInitiated, w.status(t, rec.ID))

	require.NoError(t, bob.mgr.Decline(context.Background(), rec.ID))
	w.eventuallyStatus(t, rec.ID, calls.CallStatusDeclined)
}

func TestCall_BusyPolicyDeclinesSecondCall(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	carol := w.peer(t, "carol", nil)
	bob := w.peer(t, "bob", func(o *Options) { o.BusyPolicy = config.BusyDecline })
	w.listening(t, "bob", 1)

	first := dial(t, w, alice, "bob", calls.CallTypeAudio)
	eventuallyState(t, bob, first, StateRinging)

	// Bob may decline before Carol's offer is out; either way the attempt ends.
	second, err := carol.mgr.StartCall(context.Background(), "bob", calls.CallTypeAudio)
	if err != nil {
		require.ErrorIs(t, err, ErrAttemptEnded)
	}
	require.NotEmpty(t, second.CallID)
	w.eventuallyStatus(t, second.CallID, calls.CallStatusDeclined)
	eventuallyEnded(t, carol, second.CallID, calls.CallStatusDeclined)

	c, err := w.ledger.Call(context.Background(), second.CallID)
	require.NoError(t, err)
	assert.Equal(t, "busy", c.EndReason)
	assert.Equal(t, 1, bob.notes.incomingCount())
}

func TestCall_EndIsIdempotent(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)

	snap, err := alice.mgr.StartCall(context.Background(), "bob", calls.CallTypeAudio)
	require.NoError(t, err)
	m, err := alice.mgr.lookup(snap.CallID)
	require.NoError(t, err)

	require.NoError(t, m.End(context.Background()))
	require.NoError(t, m.End(context.Background()))
	<-m.Done()

	_, _, _, releases := alice.sessions.get(t, snap.CallID).stats()
	assert.Equal(t, 1, releases)
	assert.Equal(t, calls.CallStatusMissed, w.status(t, snap.CallID))
	assert.Equal(t, StateEnded, m.Snapshot().State)
}

func TestCall_MediaControls(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	id := dial(t, w, alice, "bob", calls.CallTypeVideo)

	on, err := alice.mgr.ToggleAudio(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, on)
	snap, err := alice.mgr.Get(id)
	require.NoError(t, err)
	assert.False(t, snap.AudioEnabled)

	require.NoError(t, alice.mgr.SwitchCamera(context.Background(), id))
	_, err = alice.mgr.ToggleAudio(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_HandleIncomingFilters(t *testing.T) {
	w := newWorld()
	// Created before Bob listens, so only the direct calls below see it.
	rec, err := w.ledger.CreateCall(auth.WithUserID(context.Background(), "alice"), "bob", calls.CallTypeAudio)
	require.NoError(t, err)
	bob := w.peer(t, "bob", nil)
	now := time.Now().UTC()

	assert.False(t, bob.mgr.HandleIncoming(calls.Call{ID: "x1", CallerID: "alice", ReceiverID: "carol", Status: calls.CallStatusInitiated, CreatedAt: now}))
	assert.False(t, bob.mgr.HandleIncoming(calls.Call{ID: "x2", CallerID: "alice", ReceiverID: "bob", Status: calls.CallStatusMissed, CreatedAt: now}))
	assert.False(t, bob.mgr.HandleIncoming(calls.Call{ID: "x3", CallerID: "alice", ReceiverID: "bob", Status: calls.CallStatusInitiated, CreatedAt: now.Add(-time.Minute)}))

	assert.True(t, bob.mgr.HandleIncoming(rec))
	assert.False(t, bob.mgr.HandleIncoming(rec), "duplicate announcement")
	require.Eventually(t, func() bool { return bob.notes.incomingCount() == 1 }, wait, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, bob.notes.incomingCount())
}

func TestMachine_DirectionChecks(t *testing.T) {
	w := newWorld()
	alice := w.peer(t, "alice", nil)
	id := dial(t, w, alice, "bob", calls.CallTypeAudio)

	assert.ErrorIs(t, alice.mgr.Accept(context.Background(), id), ErrWrongDirection)
	assert.ErrorIs(t, alice.mgr.Decline(context.Background(), id), ErrWrongDirection)
}

func TestCall_LateAcceptGetsFullConnectWindow(t *testing.T) {
	w := newWorld()
	short := func(o *Options) { o.RingTimeout = 800 * time.Millisecond }
	alice := w.peer(t, "alice", short)
	bob := w.peer(t, "bob", short)
	w.listening(t, "bob", 1)

	start := time.Now()
	id := dial(t, w, alice, "bob", calls.CallTypeAudio)
	eventuallyState(t, bob, id, StateRinging)
	time.Sleep(650*time.Millisecond - time.Since(start))
	acceptWhenOffered(t, bob, id)
	require.Eventually(t, func() bool {
		s, err := alice.mgr.Get(id)
		return err == nil && s.Status == calls.CallStatusActive
	}, wait, tick)

	// Connect after the caller's original ring deadline has passed.
	time.Sleep(250 * time.Millisecond)
	as, bs := alice.sessions.get(t, id), bob.sessions.get(t, id)
	require.Eventually(t, func() bool { _, remote, _, _ := as.stats(); return remote == 1 }, wait, tick)
	as.transport(media.TransportConnected)
	bs.transport(media.TransportConnected)
	eventuallyState(t, alice, id, StateConnected)
	eventuallyState(t, bob, id, StateConnected)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, calls.CallStatusActive, w.status(t, id))
	_, ended := alice.notes.endedWith(id)
	assert.False(t, ended)
}
