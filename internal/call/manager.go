package call

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/config"
	"call-signaling/internal/ledger"
	"call-signaling/internal/media"
	"call-signaling/internal/metrics"
	"call-signaling/pkg/logger"

	"github.com/google/uuid"
)

// SessionFactory opens the media session for one attempt.
type SessionFactory func(callID string, role media.Role, callType calls.CallType) media.Session

// NegotiatorSessions adapts an EngineFactory to a SessionFactory.
func NegotiatorSessions(engines media.EngineFactory, log *slog.Logger) SessionFactory {
	return func(callID string, role media.Role, callType calls.CallType) media.Session {
		return media.NewNegotiator(callID, role, engines, log, media.WithCallType(callType))
	}
}

type Options struct {
	SelfUserID string
	// Device identifies this client instance in calls.Call.AnsweredBy.
	// Generated when empty.
	Device string

	RingTimeout   time.Duration
	LedgerTimeout time.Duration
	// ResendInterval is how often an unanswered offer, an unconfirmed
	// answer and local candidates are republished. Zero disables it.
	ResendInterval time.Duration

	BusyPolicy config.BusyPolicy

	Notifier  Notifier
	Metrics   *metrics.Collector
	Logger    *slog.Logger
	Clock     func() time.Time
	QueueSize int
}

// OptionsFromConfig maps the agent's call configuration.
func OptionsFromConfig(c config.CallConfig) Options {
	return Options{
		SelfUserID:     c.SelfUserID,
		RingTimeout:    c.RingTimeout,
		LedgerTimeout:  c.LedgerTimeout,
		ResendInterval: 2 * time.Second,
		BusyPolicy:     c.BusyPolicy,
	}
}

func (o Options) withDefaults() Options {
	out := o
	if out.Device == "" {
		out.Device = uuid.NewString()
	}
	if out.RingTimeout <= 0 {
		out.RingTimeout = 30 * time.Second
	}
	if out.LedgerTimeout <= 0 {
		out.LedgerTimeout = 5 * time.Second
	}
	if out.BusyPolicy == "" {
		out.BusyPolicy = config.BusyAllow
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Clock == nil {
		out.Clock = time.Now
	}
	return out
}

// Manager owns every live attempt of this agent, keyed by call id. It is the
// only place attempts are created, so an id never maps to two machines.
type Manager struct {
	opts     Options
	ledger   Ledger
	sig      Signaler
	sessions SessionFactory
	notify   *dispatcher
	log      *slog.Logger

	mu       sync.Mutex
	attempts map[string]*Machine
	// recent remembers ended ids so a redelivered announcement is ignored.
	recent map[string]time.Time
	closed bool
	wg     sync.WaitGroup
}

func NewManager(l Ledger, s Signaler, sessions SessionFactory, opts Options) *Manager {
	opts = opts.withDefaults()
	log := logger.Component(opts.Logger, "call_manager").With("device", opts.Device)
	return &Manager{
		opts:     opts,
		ledger:   l,
		sig:      s,
		sessions: sessions,
		notify:   newDispatcher(opts.Notifier, opts.QueueSize, log),
		log:      log,
		attempts: make(map[string]*Machine),
		recent:   make(map[string]time.Time),
	}
}

func (mg *Manager) Device() string { return mg.opts.Device }

func (mg *Manager) SelfUserID() string { return mg.opts.SelfUserID }

func (mg *Manager) machineConfig() machineConfig {
	return machineConfig{
		selfID:         mg.opts.SelfUserID,
		device:         mg.opts.Device,
		ringTimeout:    mg.opts.RingTimeout,
		ledgerTimeout:  mg.opts.LedgerTimeout,
		resendInterval: mg.opts.ResendInterval,
	}
}

// StartCall creates the ledger record, then dials. It returns once the offer
// is out or the attempt failed; a media failure is returned here once.
func (mg *Manager) StartCall(ctx context.Context, receiverID string, callType calls.CallType) (Snapshot, error) {
	mg.mu.Lock()
	closed := mg.closed
	mg.mu.Unlock()
	if closed {
		return Snapshot{}, ErrClosed
	}

	lctx, cancel := context.WithTimeout(auth.WithUserID(ctx, mg.opts.SelfUserID), mg.opts.LedgerTimeout)
	rec, err := mg.ledger.CreateCall(lctx, receiverID, callType)
	cancel()
	if err != nil {
		return Snapshot{}, err
	}

	m := mg.spawn(rec, media.RoleCaller)
	if m == nil {
		return Snapshot{}, ErrClosed
	}
	err = m.Dial(ctx)
	if errors.Is(err, ErrAttemptEnded) {
		if cause := m.Err(); cause != nil {
			err = cause
		}
	}
	return m.Snapshot(), err
}

// HandleIncoming starts an inbound attempt for an announced record. It
// reports whether a new attempt was created.
func (mg *Manager) HandleIncoming(rec calls.Call) bool {
	log := mg.log.With("call_id", rec.ID)
	switch {
	case rec.ReceiverID != mg.opts.SelfUserID:
		return false
	case !rec.Status.Open():
		return false
	case mg.opts.Clock().Sub(rec.CreatedAt) > mg.opts.RingTimeout:
		log.Info("ignoring stale incoming call", "created_at", rec.CreatedAt)
		return false
	}

	mg.mu.Lock()
	if mg.closed {
		mg.mu.Unlock()
		return false
	}
	if _, live := mg.attempts[rec.ID]; live {
		mg.mu.Unlock()
		return false
	}
	if _, seen := mg.recent[rec.ID]; seen {
		mg.mu.Unlock()
		return false
	}
	busy := len(mg.attempts) > 0
	mg.mu.Unlock()

	if busy && mg.opts.BusyPolicy == config.BusyDecline {
		mg.declineBusy(rec)
		return false
	}
	if mg.spawn(rec, media.RoleCallee) == nil {
		return false
	}
	mg.notify.incoming(rec)
	return true
}

func (mg *Manager) declineBusy(rec calls.Call) {
	ctx, cancel := context.WithTimeout(auth.WithUserID(context.Background(), mg.opts.SelfUserID), mg.opts.LedgerTimeout)
	defer cancel()
	if _, err := mg.ledger.UpdateStatus(ctx, rec.ID, calls.CallStatusDeclined, ledger.UpdateOptions{Reason: "busy"}); err != nil {
		mg.log.Warn("busy decline failed", "call_id", rec.ID, "err", err)
		return
	}
	mg.remember(rec.ID)
	mg.opts.Metrics.AttemptStarted("inbound", string(rec.CallType))
	mg.opts.Metrics.AttemptEnded(string(calls.CallStatusDeclined))
	mg.log.Info("incoming call declined, busy", "call_id", rec.ID)
}

func (mg *Manager) spawn(rec calls.Call, role media.Role) *Machine {
	session := mg.sessions(rec.ID, role, rec.CallType)
	m := newMachine(rec, role, session, mg.machineConfig(), mg.ledger, mg.sig, mg.notify, mg.opts.Metrics, mg.opts.Clock, mg.log)

	mg.mu.Lock()
	if _, dup := mg.attempts[rec.ID]; dup || mg.closed {
		mg.mu.Unlock()
		session.Release()
		return nil
	}
	mg.attempts[rec.ID] = m
	mg.wg.Add(1)
	mg.mu.Unlock()

	dir := "outbound"
	if role == media.RoleCallee {
		dir = "inbound"
	}
	mg.opts.Metrics.AttemptStarted(dir, string(rec.CallType))

	go m.run()
	go func() {
		defer mg.wg.Done()
		<-m.Done()
		mg.mu.Lock()
		delete(mg.attempts, rec.ID)
		mg.mu.Unlock()
		mg.remember(rec.ID)
	}()
	return m
}

func (mg *Manager) remember(id string) {
	now := mg.opts.Clock()
	mg.mu.Lock()
	defer mg.mu.Unlock()
	for k, at := range mg.recent {
		if now.Sub(at) > 2*mg.opts.RingTimeout {
			delete(mg.recent, k)
		}
	}
	mg.recent[id] = now
}

func (mg *Manager) lookup(id string) (*Machine, error) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	m, ok := mg.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (mg *Manager) Accept(ctx context.Context, callID string) error {
	m, err := mg.lookup(callID)
	if err != nil {
		return err
	}
	return m.Accept(ctx)
}

func (mg *Manager) Decline(ctx context.Context, callID string) error {
	m, err := mg.lookup(callID)
	if err != nil {
		return err
	}
	return m.Decline(ctx)
}

func (mg *Manager) End(ctx context.Context, callID string) error {
	m, err := mg.lookup(callID)
	if err != nil {
		return err
	}
	return m.End(ctx)
}

func (mg *Manager) ToggleAudio(ctx context.Context, callID string) (bool, error) {
	m, err := mg.lookup(callID)
	if err != nil {
		return false, err
	}
	return m.ToggleAudio(ctx)
}

func (mg *Manager) ToggleVideo(ctx context.Context, callID string) (bool, error) {
	m, err := mg.lookup(callID)
	if err != nil {
		return false, err
	}
	return m.ToggleVideo(ctx)
}

func (mg *Manager) SwitchCamera(ctx context.Context, callID string) error {
	m, err := mg.lookup(callID)
	if err != nil {
		return err
	}
	return m.SwitchCamera(ctx)
}

// Get returns the snapshot of a live attempt.
func (mg *Manager) Get(callID string) (Snapshot, error) {
	m, err := mg.lookup(callID)
	if err != nil {
		return Snapshot{}, err
	}
	return m.Snapshot(), nil
}

// Live lists snapshots of every live attempt.
func (mg *Manager) Live() []Snapshot {
	mg.mu.Lock()
	ms := make([]*Machine, 0, len(mg.attempts))
	for _, m := range mg.attempts {
		ms = append(ms, m)
	}
	mg.mu.Unlock()

	out := make([]Snapshot, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Snapshot())
	}
	return out
}

// Close hangs up every live attempt and waits for them to release, or for
// ctx to end.
func (mg *Manager) Close(ctx context.Context) error {
	mg.mu.Lock()
	mg.closed = true
	ms := make([]*Machine, 0, len(mg.attempts))
	for _, m := range mg.attempts {
		ms = append(ms, m)
	}
	mg.mu.Unlock()

	for _, m := range ms {
		if err := m.End(ctx); err != nil {
			mg.log.Warn("end on shutdown failed", "call_id", m.ID(), "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		mg.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	mg.notify.close()
	return nil
}
