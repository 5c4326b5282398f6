package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/ledger"
	"call-signaling/internal/media"
	"call-signaling/internal/metrics"
	"call-signaling/internal/signaling"

	"github.com/looplab/fsm"
	"github.com/zeebo/blake3"
)

// Ledger is the subset of ledger.Service a machine drives.
type Ledger interface {
	CreateCall(ctx context.Context, receiverID string, callType calls.CallType) (calls.Call, error)
	UpdateStatus(ctx context.Context, callID string, status calls.CallStatus, opts ledger.UpdateOptions) (calls.Call, error)
	Call(ctx context.Context, callID string) (calls.Call, error)
	SubscribeToCallUpdates(ctx context.Context, callID string) (<-chan calls.Call, func(), error)
	SubscribeToIncomingCalls(ctx context.Context, userID string) (<-chan calls.Call, func(), error)
}

// Signaler is the subset of signaling.Client a machine drives.
type Signaler interface {
	SendOffer(ctx context.Context, callID string, offer any) error
	SendAnswer(ctx context.Context, callID string, answer any) error
	SendCandidate(ctx context.Context, callID string, candidate any)
	Subscribe(ctx context.Context, callID string, h signaling.Handlers) error
	Unsubscribe(callID string)
}

// Snapshot is a read-only view of one attempt.
type Snapshot struct {
	CallID       string           `json:"call_id"`
	PeerID       string           `json:"peer_id"`
	Direction    string           `json:"direction"`
	CallType     calls.CallType   `json:"call_type"`
	State        State            `json:"state"`
	Status       calls.CallStatus `json:"status"`
	EndReason    string           `json:"end_reason,omitempty"`
	AudioEnabled bool             `json:"audio_enabled"`
	VideoEnabled bool             `json:"video_enabled"`
	RemoteTracks int              `json:"remote_tracks"`
	StartedAt    time.Time        `json:"started_at"`
	ConnectedAt  *time.Time       `json:"connected_at,omitempty"`
	EndedAt      *time.Time       `json:"ended_at,omitempty"`
}

type cmdKind int

const (
	cmdDial cmdKind = iota
	cmdAccept
	cmdDecline
	cmdEnd
	cmdToggleAudio
	cmdToggleVideo
	cmdSwitchCamera
)

type cmdResult struct {
	on  bool
	err error
}

type command struct {
	kind  cmdKind
	reply chan cmdResult
}

type (
	signalEvent    struct{ msg signaling.Message }
	transportEvent struct{ state media.TransportState }
	remoteTrack    struct{ track media.RemoteTrack }
	localCandidate struct{ c media.Candidate }
	offerReady     struct {
		desc media.Description
		err  error
	}
	answerApplied struct{ err error }
	answerReady   struct {
		desc media.Description
		err  error
	}
)

type machineConfig struct {
	selfID         string
	device         string
	ringTimeout    time.Duration
	ledgerTimeout  time.Duration
	resendInterval time.Duration
}

// Machine runs one call attempt. Every input (user commands, signaling,
// ledger updates, transport changes, timers) is serialized through a single
// loop goroutine, so attempt state needs no locking. Only the snapshot is
// shared with readers.
type Machine struct {
	id       string
	role     media.Role
	callType calls.CallType
	peerID   string
	cfg      machineConfig

	ledger  Ledger
	sig     Signaler
	session media.Session
	notify  *dispatcher
	metrics *metrics.Collector
	clock   func() time.Time
	log     *slog.Logger

	events   chan any
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	actorCtx context.Context

	// Loop-owned.
	fsm           *fsm.FSM
	record        calls.Call
	finished      bool
	endErr        error
	ringTimer     *time.Timer
	ringC         <-chan time.Time
	resend        *time.Ticker
	resendC       <-chan time.Time
	updates       <-chan calls.Call
	unsubLedger   func()
	seen          map[[32]byte]struct{}
	offer         *media.Description
	answer        *media.Description
	localCands    []media.Candidate
	waiters       []chan cmdResult
	applying      bool
	remoteApplied bool
	accepted      bool
	answerSent    bool
	answered      bool
	transportUp   bool
	released      bool
	startedAt     time.Time

	mu   sync.RWMutex
	snap Snapshot
}

func newMachine(rec calls.Call, role media.Role, session media.Session, cfg machineConfig, l Ledger, s Signaler, d *dispatcher, mc *metrics.Collector, clock func() time.Time, log *slog.Logger) *Machine {
	ctx, cancel := context.WithCancel(context.Background())
	peer, dir := rec.ReceiverID, "outbound"
	if role == media.RoleCallee {
		peer, dir = rec.CallerID, "inbound"
	}
	now := clock()
	m := &Machine{
		id:        rec.ID,
		role:      role,
		callType:  rec.CallType,
		peerID:    peer,
		cfg:       cfg,
		ledger:    l,
		sig:       s,
		session:   session,
		notify:    d,
		metrics:   mc,
		clock:     clock,
		log:       log.With("call_id", rec.ID, "role", role.String()),
		events:    make(chan any, 64),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		actorCtx:  auth.WithUserID(context.Background(), cfg.selfID),
		record:    rec,
		seen:      make(map[[32]byte]struct{}),
		startedAt: now,
		snap: Snapshot{
			CallID:       rec.ID,
			PeerID:       peer,
			Direction:    dir,
			CallType:     rec.CallType,
			State:        StateIdle,
			Status:       rec.Status,
			AudioEnabled: true,
			VideoEnabled: rec.CallType == calls.CallTypeVideo,
			StartedAt:    now,
		},
	}
	m.fsm = newFSM(m.entered)
	return m
}

// ID returns the call id of the attempt.
func (m *Machine) ID() string { return m.id }

// Done is closed once the attempt reached a terminal state and released
// everything it held.
func (m *Machine) Done() <-chan struct{} { return m.done }

// Err is the cause recorded when the attempt failed, if any. Valid after Done.
func (m *Machine) Err() error {
	<-m.done
	return m.endErr
}

// Snapshot returns a copy of the attempt's current view.
func (m *Machine) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *Machine) update(fn func(*Snapshot)) {
	m.mu.Lock()
	fn(&m.snap)
	m.mu.Unlock()
}

func (m *Machine) post(ev any) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.done:
		return false
	}
}

// do posts a command and waits for its result.
func (m *Machine) do(ctx context.Context, kind cmdKind) (bool, error) {
	reply := make(chan cmdResult, 1)
	if !m.post(command{kind: kind, reply: reply}) {
		return false, ErrAttemptEnded
	}
	select {
	case r := <-reply:
		return r.on, r.err
	case <-m.done:
		select {
		case r := <-reply:
			return r.on, r.err
		default:
			return false, ErrAttemptEnded
		}
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Dial starts an outbound attempt and returns once the offer is out.
func (m *Machine) Dial(ctx context.Context) error {
	_, err := m.do(ctx, cmdDial)
	return err
}

// Accept answers a ringing inbound attempt and returns once the answer is out.
func (m *Machine) Accept(ctx context.Context) error {
	_, err := m.do(ctx, cmdAccept)
	return err
}

// Decline rejects an inbound attempt.
func (m *Machine) Decline(ctx context.Context) error {
	_, err := m.do(ctx, cmdDecline)
	return err
}

// End hangs up. Ending an attempt that already ended is not an error.
func (m *Machine) End(ctx context.Context) error {
	_, err := m.do(ctx, cmdEnd)
	if errors.Is(err, ErrAttemptEnded) {
		return nil
	}
	return err
}

// ToggleAudio flips the microphone and reports whether it is now on.
func (m *Machine) ToggleAudio(ctx context.Context) (bool, error) { return m.do(ctx, cmdToggleAudio) }

// ToggleVideo flips the camera and reports whether it is now on.
func (m *Machine) ToggleVideo(ctx context.Context) (bool, error) { return m.do(ctx, cmdToggleVideo) }

// SwitchCamera moves local video to the next camera.
func (m *Machine) SwitchCamera(ctx context.Context) error {
	_, err := m.do(ctx, cmdSwitchCamera)
	return err
}

func (m *Machine) state() State { return State(m.fsm.Current()) }

// entered is the fsm enter_state callback.
func (m *Machine) entered(from, to State) {
	m.metrics.Transition(string(from), string(to))
	m.update(func(s *Snapshot) { s.State = to })
	m.notify.stateChanged(m.id, to)
	m.log.Info("call state changed", "from", from, "to", to)
}

func (m *Machine) fire(ev string) {
	if err := m.fsm.Event(context.Background(), ev); err != nil {
		m.log.Warn("local transition rejected", "event", ev, "state", m.state(), "err", err)
	}
}

func (m *Machine) run() {
	defer close(m.done)
	if err := m.start(); err != nil {
		m.log.Error("call attempt setup failed", "err", err)
		m.terminate(calls.CallStatusFailed, "subscribe_failed", true, err)
		return
	}
	for !m.finished {
		select {
		case ev := <-m.events:
			m.handle(ev)
		case rec, ok := <-m.updates:
			if !ok {
				m.updates = nil
				continue
			}
			m.onLedger(rec)
		case <-m.ringC:
			m.onTimeout()
		case <-m.resendC:
			m.retransmit()
		}
	}
}

func (m *Machine) start() error {
	if m.role == media.RoleCallee {
		m.fire(evIncoming)
		remaining := m.cfg.ringTimeout - m.clock().Sub(m.record.CreatedAt)
		if remaining < time.Second {
			remaining = time.Second
		}
		m.armRing(remaining)
	}

	m.session.OnLocalCandidate(func(c media.Candidate) { m.post(localCandidate{c}) })
	m.session.OnTransportStateChange(func(s media.TransportState) { m.post(transportEvent{s}) })
	m.session.OnRemoteMedia(func(t media.RemoteTrack) { m.post(remoteTrack{t}) })

	err := m.sig.Subscribe(m.ctx, m.id, signaling.Handlers{
		OnOffer:     m.inbound,
		OnAnswer:    m.inbound,
		OnCandidate: m.inbound,
	})
	if err != nil {
		return err
	}
	updates, unsub, err := m.ledger.SubscribeToCallUpdates(m.ctx, m.id)
	if err != nil {
		return err
	}
	m.updates, m.unsubLedger = updates, unsub
	return nil
}

func (m *Machine) inbound(msg signaling.Message) {
	if !m.post(signalEvent{msg}) {
		m.metrics.Dropped("stale")
	}
}

func (m *Machine) handle(ev any) {
	switch e := ev.(type) {
	case command:
		m.onCommand(e)
	case signalEvent:
		m.onSignal(e.msg)
	case transportEvent:
		m.onTransport(e.state)
	case remoteTrack:
		m.update(func(s *Snapshot) { s.RemoteTracks++ })
		m.log.Info("remote media started", "kind", e.track.Kind, "track_id", e.track.ID)
	case localCandidate:
		m.localCands = append(m.localCands, e.c)
		m.sig.SendCandidate(m.ctx, m.id, e.c)
	case offerReady:
		m.onOfferReady(e)
	case answerApplied:
		m.onAnswerApplied(e.err)
	case answerReady:
		m.onAnswerReady(e)
	}
}

func (m *Machine) onCommand(c command) {
	reply := func(on bool, err error) { c.reply <- cmdResult{on: on, err: err} }

	switch c.kind {
	case cmdDial:
		if m.role != media.RoleCaller {
			reply(false, ErrWrongDirection)
			return
		}
		if m.state() != StateIdle {
			if m.offer != nil {
				reply(false, nil)
			} else {
				m.waitSetup(c.reply)
			}
			return
		}
		m.fire(evDial)
		m.waitSetup(c.reply)
		go func() {
			if err := m.session.AcquireLocalMedia(m.ctx, m.callType); err != nil {
				m.post(offerReady{err: err})
				return
			}
			d, err := m.session.CreateOffer()
			m.post(offerReady{desc: d, err: err})
		}()

	case cmdAccept:
		m.onAccept(c.reply)

	case cmdDecline:
		if m.role != media.RoleCallee {
			reply(false, ErrWrongDirection)
			return
		}
		if m.accepted {
			status, reason := m.hangupStatus()
			m.terminate(status, reason, true, nil)
		} else {
			m.terminate(calls.CallStatusDeclined, "declined", true, nil)
		}
		reply(false, nil)

	case cmdEnd:
		status, reason := m.hangupStatus()
		m.terminate(status, reason, true, nil)
		reply(false, nil)

	case cmdToggleAudio:
		on := m.session.ToggleLocalAudio()
		m.update(func(s *Snapshot) { s.AudioEnabled = on })
		reply(on, nil)

	case cmdToggleVideo:
		on := m.session.ToggleLocalVideo()
		m.update(func(s *Snapshot) { s.VideoEnabled = on })
		reply(on, nil)

	case cmdSwitchCamera:
		reply(false, m.session.SwitchLocalVideoSource())
	}
}

func (m *Machine) onAccept(reply chan cmdResult) {
	fail := func(err error) { reply <- cmdResult{err: err} }

	if m.role != media.RoleCallee {
		fail(ErrWrongDirection)
		return
	}
	if m.accepted {
		if m.answerSent {
			reply <- cmdResult{}
			return
		}
		m.waitSetup(reply)
		return
	}
	if m.offer == nil {
		fail(ErrOfferPending)
		return
	}

	// Persist first: a lost race must not open the camera.
	rec, err := m.write(calls.CallStatusActive, ledger.UpdateOptions{Device: m.cfg.device})
	if err != nil {
		if errors.Is(err, calls.ErrInvalidTransition) {
			m.reconcile(err)
			if m.finished {
				if errors.Is(m.endErr, ErrAnsweredElsewhere) {
					fail(ErrAnsweredElsewhere)
				} else {
					fail(ErrAttemptEnded)
				}
				return
			}
		}
		// Ledger outage: stay ringing so the user can retry.
		fail(err)
		return
	}
	m.observe(rec)
	if rec.AnsweredBy != m.cfg.device {
		m.answeredElsewhere()
		fail(ErrAnsweredElsewhere)
		return
	}

	m.accepted, m.answered = true, true
	m.armRing(m.cfg.ringTimeout)
	m.waitSetup(reply)

	offer := *m.offer
	go func() {
		if err := m.session.AcquireLocalMedia(m.ctx, m.callType); err != nil {
			m.post(answerReady{err: err})
			return
		}
		if err := m.session.ApplyRemoteDescription(m.ctx, offer); err != nil {
			m.post(answerReady{err: err})
			return
		}
		d, err := m.session.CreateAnswer()
		m.post(answerReady{desc: d, err: err})
	}()
}

func (m *Machine) onOfferReady(e offerReady) {
	if e.err != nil {
		m.terminate(calls.CallStatusFailed, mediaReason(e.err), true, e.err)
		return
	}
	m.offer = &e.desc
	if err := m.send(func(ctx context.Context) error { return m.sig.SendOffer(ctx, m.id, e.desc) }); err != nil {
		m.terminate(calls.CallStatusFailed, "signaling_failed", true, err)
		return
	}

	rec, err := m.write(calls.CallStatusRinging, ledger.UpdateOptions{})
	switch {
	case err == nil:
		m.observe(rec)
	case errors.Is(err, calls.ErrInvalidTransition):
		m.reconcile(err)
		if m.finished {
			return
		}
	default:
		m.log.Warn("persist ringing failed", "err", err)
	}

	m.armRing(m.cfg.ringTimeout)
	m.startResend()
	m.settle(nil)
}

func (m *Machine) onAnswerApplied(err error) {
	m.applying = false
	if err != nil {
		m.terminate(calls.CallStatusFailed, "negotiation_failed", true, err)
		return
	}
	m.remoteApplied = true
	m.tryConnect()
}

func (m *Machine) onAnswerReady(e answerReady) {
	if e.err != nil {
		m.terminate(calls.CallStatusFailed, mediaReason(e.err), true, e.err)
		return
	}
	m.answer = &e.desc
	if err := m.send(func(ctx context.Context) error { return m.sig.SendAnswer(ctx, m.id, e.desc) }); err != nil {
		m.terminate(calls.CallStatusFailed, "signaling_failed", true, err)
		return
	}
	m.answerSent, m.remoteApplied = true, true
	m.startResend()
	m.settle(nil)
	m.tryConnect()
}

func (m *Machine) onSignal(msg signaling.Message) {
	fp := blake3.Sum256(append([]byte(msg.Type), msg.Payload...))
	if _, dup := m.seen[fp]; dup {
		m.metrics.Dropped("duplicate")
		return
	}
	m.seen[fp] = struct{}{}

	switch msg.Type {
	case signaling.TypeOffer:
		if m.role != media.RoleCallee {
			m.metrics.Dropped("unexpected")
			return
		}
		var d media.Description
		if err := json.Unmarshal(msg.Payload, &d); err != nil || d.Type != "offer" {
			m.metrics.Dropped("malformed")
			return
		}
		if m.offer != nil {
			m.log.Warn("ignoring conflicting offer")
			m.metrics.Dropped("duplicate")
			return
		}
		m.offer = &d

	case signaling.TypeAnswer:
		if m.role != media.RoleCaller {
			m.metrics.Dropped("unexpected")
			return
		}
		var d media.Description
		if err := json.Unmarshal(msg.Payload, &d); err != nil || d.Type != "answer" {
			m.metrics.Dropped("malformed")
			return
		}
		if m.remoteApplied || m.applying || m.offer == nil {
			m.metrics.Dropped("unexpected")
			return
		}
		m.applying = true
		go func() { m.post(answerApplied{err: m.session.ApplyRemoteDescription(m.ctx, d)}) }()

	case signaling.TypeCandidate:
		var c media.Candidate
		if err := json.Unmarshal(msg.Payload, &c); err != nil || c.Candidate == "" {
			m.metrics.Dropped("malformed")
			return
		}
		m.session.AddRemoteCandidate(c)
	}
}

func (m *Machine) onTransport(s media.TransportState) {
	switch s {
	case media.TransportConnected:
		m.transportUp = true
		m.tryConnect()
	case media.TransportDisconnected:
		m.log.Warn("media transport disconnected")
	case media.TransportFailed:
		m.terminate(calls.CallStatusFailed, "transport_failed", true, nil)
	case media.TransportClosed:
		m.terminate(calls.CallStatusFailed, "transport_closed", true, nil)
	}
}

// onLedger folds one ledger update in. Updates may arrive duplicated or out
// of order, so only forward moves are adopted.
func (m *Machine) onLedger(rec calls.Call) {
	if rec.ID != m.id {
		return
	}
	if !m.observe(rec) {
		m.metrics.Dropped("stale")
		return
	}
	switch {
	case rec.Status.Terminal():
		reason := rec.EndReason
		if reason == "" {
			reason = "remote"
		}
		m.terminate(rec.Status, reason, false, nil)
	case rec.Status == calls.CallStatusActive:
		if m.role == media.RoleCallee && !m.accepted && rec.AnsweredBy != m.cfg.device {
			m.answeredElsewhere()
			return
		}
		if m.role == media.RoleCaller && !m.answered && m.state() != StateConnected {
			// The ring deadline becomes a connect deadline, as on the callee.
			m.armRing(m.cfg.ringTimeout)
		}
		m.answered = true
	}
}

// observe records rec as the latest known ledger state when it does not
// move backwards.
func (m *Machine) observe(rec calls.Call) bool {
	if rec.Status != m.record.Status && !calls.CanTransition(m.record.Status, rec.Status) {
		return false
	}
	m.record = rec
	m.update(func(s *Snapshot) { s.Status = rec.Status })
	return true
}

// reconcile re-reads the record after the ledger rejected a transition and
// adopts what it finds. A rejection the record cannot explain forces failed.
func (m *Machine) reconcile(cause error) {
	ctx, cancel := context.WithTimeout(m.actorCtx, m.cfg.ledgerTimeout)
	cur, err := m.ledger.Call(ctx, m.id)
	cancel()
	if err != nil {
		m.log.Warn("re-read after rejected transition failed", "err", err)
		return
	}
	m.onLedger(cur)
	if m.finished || cur.Status == calls.CallStatusActive {
		return
	}
	m.log.Error("ledger rejected transition", "status", cur.Status, "err", cause)
	m.terminate(calls.CallStatusFailed, "invalid_transition", true, cause)
}

func (m *Machine) onTimeout() {
	m.ringC = nil
	if m.state() == StateConnected {
		return
	}
	if m.answered {
		m.terminate(calls.CallStatusFailed, "connect_timeout", true, nil)
		return
	}
	m.terminate(calls.CallStatusMissed, "timeout", true, nil)
}

func (m *Machine) retransmit() {
	if m.transportUp {
		m.stopResend()
		return
	}
	ok := func(err error) {
		if err != nil {
			m.log.Debug("retransmit failed", "err", err)
		}
	}
	switch {
	case m.role == media.RoleCaller && m.offer != nil && !m.remoteApplied:
		ok(m.send(func(ctx context.Context) error { return m.sig.SendOffer(ctx, m.id, *m.offer) }))
	case m.role == media.RoleCallee && m.answer != nil:
		ok(m.send(func(ctx context.Context) error { return m.sig.SendAnswer(ctx, m.id, *m.answer) }))
	}
	for _, c := range m.localCands {
		m.sig.SendCandidate(m.ctx, m.id, c)
	}
}

func (m *Machine) tryConnect() {
	if m.finished || !m.transportUp {
		return
	}
	if m.role == media.RoleCaller && !m.remoteApplied {
		return
	}
	if m.role == media.RoleCallee && !m.answerSent {
		return
	}
	if st := m.state(); st != StateCalling && st != StateRinging {
		return
	}
	m.stopRing()
	m.stopResend()
	m.fire(evConnect)
	now := m.clock()
	m.metrics.Connected(now.Sub(m.startedAt))
	m.update(func(s *Snapshot) { s.ConnectedAt = &now })
}

func (m *Machine) hangupStatus() (calls.CallStatus, string) {
	if m.answered || m.state() == StateConnected {
		return calls.CallStatusCompleted, "hangup"
	}
	if m.role == media.RoleCaller {
		return calls.CallStatusMissed, "canceled"
	}
	return calls.CallStatusDeclined, "declined"
}

// answeredElsewhere ends the attempt locally; the winning device owns the
// ledger record from here on.
func (m *Machine) answeredElsewhere() {
	m.terminate(calls.CallStatusActive, "answered_elsewhere", false, ErrAnsweredElsewhere)
}

// terminate is the single exit path. Media is released before persistence
// is attempted and regardless of its outcome.
func (m *Machine) terminate(status calls.CallStatus, reason string, persist bool, cause error) {
	if m.finished {
		return
	}
	m.finished = true
	m.stopRing()
	m.stopResend()

	if status == calls.CallStatusFailed {
		m.fire(evFail)
	} else {
		m.fire(evEnd)
	}
	if !m.released {
		m.released = true
		m.session.Release()
	}
	m.cancel()

	final := status
	if persist {
		final = m.persistTerminal(status, reason)
		if final == calls.CallStatusActive {
			reason = "answered_elsewhere"
			if cause == nil {
				cause = ErrAnsweredElsewhere
			}
		}
	}
	m.sig.Unsubscribe(m.id)
	if m.unsubLedger != nil {
		m.unsubLedger()
	}

	m.endErr = cause
	now := m.clock()
	m.update(func(s *Snapshot) {
		s.Status = final
		s.EndReason = reason
		s.EndedAt = &now
	})
	m.metrics.AttemptEnded(string(final))
	m.notify.ended(m.id, final)

	if cause == nil {
		cause = ErrAttemptEnded
	}
	m.settle(cause)
	m.log.Info("call attempt ended", "status", final, "reason", reason)
}

// persistTerminal writes status best-effort and returns the status the
// ledger ended up with.
func (m *Machine) persistTerminal(status calls.CallStatus, reason string) calls.CallStatus {
	opts := ledger.UpdateOptions{Reason: reason}
	rec, err := m.write(status, opts)
	if err == nil {
		return rec.Status
	}
	if !errors.Is(err, calls.ErrInvalidTransition) {
		m.log.Warn("persist terminal status failed", "status", status, "err", err)
		return status
	}

	ctx, cancel := context.WithTimeout(m.actorCtx, m.cfg.ledgerTimeout)
	cur, rerr := m.ledger.Call(ctx, m.id)
	cancel()
	if rerr != nil {
		m.log.Warn("re-read after rejected terminal write failed", "err", rerr)
		return status
	}
	switch {
	case cur.Status.Terminal():
		return cur.Status
	case cur.Status == calls.CallStatusActive:
		if m.role == media.RoleCallee && !m.accepted && cur.AnsweredBy != m.cfg.device {
			// Another device of ours answered; the record is its to end.
			return cur.Status
		}
		// Answered while we believed it was not.
		if rec, err := m.write(calls.CallStatusCompleted, opts); err == nil {
			return rec.Status
		}
	default:
		// Connected locally but the ledger never saw an answer.
		if rec, err := m.write(calls.CallStatusFailed, opts); err == nil {
			return rec.Status
		}
	}
	m.log.Warn("could not reconcile terminal status", "wanted", status, "ledger", cur.Status)
	return status
}

func (m *Machine) write(status calls.CallStatus, opts ledger.UpdateOptions) (calls.Call, error) {
	ctx, cancel := context.WithTimeout(m.actorCtx, m.cfg.ledgerTimeout)
	defer cancel()
	return m.ledger.UpdateStatus(ctx, m.id, status, opts)
}

func (m *Machine) send(fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ledgerTimeout)
	defer cancel()
	return fn(ctx)
}

func (m *Machine) waitSetup(reply chan cmdResult) {
	m.waiters = append(m.waiters, reply)
}

func (m *Machine) settle(err error) {
	for _, w := range m.waiters {
		w <- cmdResult{err: err}
	}
	m.waiters = nil
}

func (m *Machine) armRing(d time.Duration) {
	m.stopRing()
	m.ringTimer = time.NewTimer(d)
	m.ringC = m.ringTimer.C
}

func (m *Machine) stopRing() {
	if m.ringTimer != nil {
		m.ringTimer.Stop()
		m.ringTimer = nil
	}
	m.ringC = nil
}

func (m *Machine) startResend() {
	if m.cfg.resendInterval <= 0 || m.resend != nil {
		return
	}
	m.resend = time.NewTicker(m.cfg.resendInterval)
	m.resendC = m.resend.C
}

func (m *Machine) stopResend() {
	if m.resend != nil {
		m.resend.Stop()
		m.resend = nil
	}
	m.resendC = nil
}

func mediaReason(err error) string {
	if errors.Is(err, calls.ErrMediaAccess) {
		return "media_unavailable"
	}
	return "negotiation_failed"
}
