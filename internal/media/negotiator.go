package media

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"call-signaling/internal/calls"
)

// Negotiator implements Session on top of an Engine.
//
// mu guards negotiation state and is held while candidates drain so a
// candidate arriving mid-drain queues behind the drained ones. Handlers
// live under hmu because engines fire callbacks from their own goroutines.
type Negotiator struct {
	callID  string
	role    Role
	factory EngineFactory
	log     *slog.Logger

	mu       sync.Mutex
	engine   Engine
	callType calls.CallType
	released bool
	offered  bool
	answered bool
	remote   *Description
	pending  []Candidate
	seen     map[string]struct{}
	audioOn  bool
	videoOn  bool

	hmu      sync.Mutex
	onRemote func(RemoteTrack)
	onState  func(TransportState)
	onCand   func(Candidate)
}

type NegotiatorOption func(*Negotiator)

// WithCallType fixes the call type up front so media controls used while
// ringing already know whether there is a camera.
func WithCallType(t calls.CallType) NegotiatorOption {
	return func(n *Negotiator) {
		n.callType = t
		n.videoOn = t == calls.CallTypeVideo
	}
}

func NewNegotiator(callID string, role Role, factory EngineFactory, log *slog.Logger, opts ...NegotiatorOption) *Negotiator {
	if log == nil {
		log = slog.Default()
	}
	n := &Negotiator{
		callID:  callID,
		role:    role,
		factory: factory,
		log:     log.With("call_id", callID, "role", role.String()),
		seen:    make(map[string]struct{}),
		audioOn: true,
		videoOn: true,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

func (n *Negotiator) AcquireLocalMedia(ctx context.Context, callType calls.CallType) error {
	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return ErrReleased
	}
	if n.engine != nil {
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	// Opening capture can block on hardware or permission prompts; do it
	// unlocked so Release stays responsive.
	eng, err := n.factory(n.callID)
	if err != nil {
		return fmt.Errorf("%w: %v", calls.ErrMediaAccess, err)
	}
	eng.OnLocalCandidate(n.emitCandidate)
	eng.OnTransportState(n.emitState)
	eng.OnRemoteTrack(n.emitRemote)

	if err := eng.AddLocalTracks(callType); err != nil {
		_ = eng.Close()
		return fmt.Errorf("%w: %v", calls.ErrMediaAccess, err)
	}
	if err := ctx.Err(); err != nil {
		_ = eng.Close()
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released || n.engine != nil {
		// Released while acquiring, or a concurrent acquire won.
		_ = eng.Close()
		if n.released {
			return ErrReleased
		}
		return nil
	}
	n.engine = eng
	n.callType = callType
	// Apply toggles made before capture opened.
	if !n.audioOn {
		n.setEnabled("audio", false)
	}
	if callType != calls.CallTypeVideo {
		n.videoOn = false
	} else if !n.videoOn {
		n.setEnabled("video", false)
	}
	return nil
}

func (n *Negotiator) CreateOffer() (Description, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleCaller {
		panic("media: CreateOffer called on a callee session")
	}
	if n.offered {
		panic("media: CreateOffer called twice")
	}
	if n.released {
		return Description{}, ErrReleased
	}
	if n.engine == nil {
		return Description{}, ErrNoLocalMedia
	}
	n.offered = true
	return n.engine.CreateOffer()
}

func (n *Negotiator) CreateAnswer() (Description, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != RoleCallee {
		panic("media: CreateAnswer called on a caller session")
	}
	if n.answered {
		panic("media: CreateAnswer called twice")
	}
	if n.released {
		return Description{}, ErrReleased
	}
	if n.engine == nil {
		return Description{}, ErrNoLocalMedia
	}
	if n.remote == nil {
		return Description{}, ErrNoRemoteDescription
	}
	n.answered = true
	return n.engine.CreateAnswer()
}

func (n *Negotiator) ApplyRemoteDescription(ctx context.Context, d Description) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released {
		return ErrReleased
	}
	if n.remote != nil {
		if *n.remote == d {
			return nil
		}
		return ErrDescriptionConflict
	}
	want := "answer"
	if n.role == RoleCallee {
		want = "offer"
	}
	if d.Type != want {
		return fmt.Errorf("%w: %s got %q", ErrUnexpectedDescription, n.role, d.Type)
	}
	if n.engine == nil {
		return ErrNoLocalMedia
	}
	if err := n.engine.SetRemoteDescription(d); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	n.remote = &d

	queued := n.pending
	n.pending = nil
	for _, c := range queued {
		n.applyCandidate(c)
	}
	if len(queued) > 0 {
		n.log.Debug("drained pending candidates", "count", len(queued))
	}
	return nil
}

func (n *Negotiator) AddRemoteCandidate(c Candidate) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released {
		return
	}
	k := c.key()
	if _, dup := n.seen[k]; dup {
		return
	}
	n.seen[k] = struct{}{}

	if n.remote == nil || n.engine == nil {
		n.pending = append(n.pending, c)
		return
	}
	n.applyCandidate(c)
}

// applyCandidate must be called with mu held.
func (n *Negotiator) applyCandidate(c Candidate) {
	if err := n.engine.AddICECandidate(c); err != nil {
		n.log.Warn("remote candidate rejected", "candidate", c.Candidate, "err", err)
	}
}

// Pending reports how many remote candidates wait for a remote description.
func (n *Negotiator) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

func (n *Negotiator) OnRemoteMedia(fn func(RemoteTrack)) {
	n.hmu.Lock()
	n.onRemote = fn
	n.hmu.Unlock()
}

func (n *Negotiator) OnTransportStateChange(fn func(TransportState)) {
	n.hmu.Lock()
	n.onState = fn
	n.hmu.Unlock()
}

func (n *Negotiator) OnLocalCandidate(fn func(Candidate)) {
	n.hmu.Lock()
	n.onCand = fn
	n.hmu.Unlock()
}

func (n *Negotiator) emitRemote(t RemoteTrack) {
	n.hmu.Lock()
	fn := n.onRemote
	n.hmu.Unlock()
	if fn != nil {
		fn(t)
	}
}

func (n *Negotiator) emitState(s TransportState) {
	n.hmu.Lock()
	fn := n.onState
	n.hmu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (n *Negotiator) emitCandidate(c Candidate) {
	n.hmu.Lock()
	fn := n.onCand
	n.hmu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (n *Negotiator) SwitchLocalVideoSource() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.released {
		return ErrReleased
	}
	if n.engine == nil {
		return ErrNoLocalMedia
	}
	if n.callType != calls.CallTypeVideo {
		return ErrNoVideo
	}
	return n.engine.SwitchVideoSource()
}

// ToggleLocalAudio flips the microphone and returns whether it is now on.
func (n *Negotiator) ToggleLocalAudio() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.audioOn = !n.audioOn
	if n.engine != nil && !n.released {
		n.setEnabled("audio", n.audioOn)
	}
	return n.audioOn
}

// ToggleLocalVideo flips the camera and returns whether it is now on.
// Audio calls have no camera and always report false.
func (n *Negotiator) ToggleLocalVideo() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.callType != "" && n.callType != calls.CallTypeVideo {
		return false
	}
	n.videoOn = !n.videoOn
	if n.engine != nil && !n.released {
		n.setEnabled("video", n.videoOn)
	}
	return n.videoOn
}

func (n *Negotiator) setEnabled(kind string, on bool) {
	if err := n.engine.SetLocalTrackEnabled(kind, on); err != nil {
		n.log.Warn("toggle local track failed", "kind", kind, "enabled", on, "err", err)
	}
}

// Release stops local and remote media and closes the transport.
func (n *Negotiator) Release() {
	n.mu.Lock()
	if n.released {
		n.mu.Unlock()
		return
	}
	n.released = true
	eng := n.engine
	n.engine = nil
	n.pending = nil
	n.mu.Unlock()

	n.hmu.Lock()
	n.onRemote, n.onState, n.onCand = nil, nil, nil
	n.hmu.Unlock()

	if eng != nil {
		if err := eng.Close(); err != nil {
			n.log.Warn("media close failed", "err", err)
		}
	}
	n.log.Debug("media released")
}

// Released reports whether Release has run.
func (n *Negotiator) Released() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.released
}
