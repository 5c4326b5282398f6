package media

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"call-signaling/internal/calls"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// TrackSource opens local capture tracks. Device capture drivers are
// platform specific and plug in here.
type TrackSource interface {
	Audio() (webrtc.TrackLocal, error)
	Video(device int) (webrtc.TrackLocal, error)
	// Cameras is the number of selectable video devices.
	Cameras() int
}

// SyntheticSource produces Opus/VP8 sample tracks with no capture device
// behind them. The shell writes samples into them, or leaves them silent.
type SyntheticSource struct {
	CameraCount int
}

func (s SyntheticSource) Audio() (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "local",
	)
}

func (s SyntheticSource) Video(device int) (webrtc.TrackLocal, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		fmt.Sprintf("video-%d", device), "local",
	)
}

func (s SyntheticSource) Cameras() int {
	if s.CameraCount < 1 {
		return 1
	}
	return s.CameraCount
}

type PionConfig struct {
	ICEServers []webrtc.ICEServer

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	// IncludeLoopback gathers 127.0.0.1 candidates; useful on a single host.
	IncludeLoopback bool

	Source TrackSource
}

func (c PionConfig) withDefaults() PionConfig {
	out := c
	if out.DisconnectedTimeout <= 0 {
		out.DisconnectedTimeout = 30 * time.Second
	}
	if out.FailedTimeout <= 0 {
		out.FailedTimeout = 120 * time.Second
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = 2 * time.Second
	}
	if out.Source == nil {
		out.Source = SyntheticSource{}
	}
	return out
}

// ICEServersFromURLs builds pion ICE servers from STUN/TURN URLs sharing one
// credential.
func ICEServersFromURLs(urls []string, username, credential string) []webrtc.ICEServer {
	if len(urls) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: urls, Username: username, Credential: credential}}
}

// NewPionFactory builds one webrtc.API (default codecs, default interceptors,
// ICE timeouts) and returns a factory opening a PeerConnection per call.
func NewPionFactory(cfg PionConfig) (EngineFactory, error) {
	cfg = cfg.withDefaults()

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	se.SetIncludeLoopbackCandidate(cfg.IncludeLoopback)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	return func(callID string) (Engine, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
		if err != nil {
			return nil, fmt.Errorf("new peer connection: %w", err)
		}
		return &PionEngine{pc: pc, src: cfg.Source}, nil
	}, nil
}

// PionEngine is an Engine over one pion PeerConnection with trickle ICE.
type PionEngine struct {
	pc  *webrtc.PeerConnection
	src TrackSource

	mu          sync.Mutex
	audioSender *webrtc.RTPSender
	videoSender *webrtc.RTPSender
	audioTrack  webrtc.TrackLocal
	videoTrack  webrtc.TrackLocal
	videoOn     bool
	camera      int
}

func (e *PionEngine) AddLocalTracks(callType calls.CallType) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	at, err := e.src.Audio()
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	as, err := e.pc.AddTrack(at)
	if err != nil {
		return fmt.Errorf("add audio track: %w", err)
	}
	e.audioTrack, e.audioSender = at, as
	go drainRTCP(as)

	if callType != calls.CallTypeVideo {
		return nil
	}
	vt, err := e.src.Video(e.camera)
	if err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	vs, err := e.pc.AddTrack(vt)
	if err != nil {
		return fmt.Errorf("add video track: %w", err)
	}
	e.videoTrack, e.videoSender, e.videoOn = vt, vs, true
	go drainRTCP(vs)
	return nil
}

// drainRTCP keeps interceptors (NACK, reports) fed; pion requires senders
// to be read.
func drainRTCP(s *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := s.Read(buf); err != nil {
			return
		}
	}
}

func (e *PionEngine) CreateOffer() (Description, error) {
	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return Description{}, err
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return Description{}, err
	}
	return Description{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

func (e *PionEngine) CreateAnswer() (Description, error) {
	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return Description{}, err
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return Description{}, err
	}
	return Description{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (e *PionEngine) SetRemoteDescription(d Description) error {
	t := webrtc.NewSDPType(d.Type)
	if t == webrtc.SDPTypeUnknown {
		return fmt.Errorf("unknown sdp type %q", d.Type)
	}
	return e.pc.SetRemoteDescription(webrtc.SessionDescription{Type: t, SDP: d.SDP})
}

func (e *PionEngine) AddICECandidate(c Candidate) error {
	return e.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	})
}

// SetLocalTrackEnabled mutes by detaching the track from its sender, so no
// renegotiation is needed.
func (e *PionEngine) SetLocalTrackEnabled(kind string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		sender *webrtc.RTPSender
		track  webrtc.TrackLocal
	)
	switch kind {
	case "audio":
		sender, track = e.audioSender, e.audioTrack
	case "video":
		sender, track = e.videoSender, e.videoTrack
		e.videoOn = enabled
	default:
		return fmt.Errorf("unknown track kind %q", kind)
	}
	if sender == nil {
		return fmt.Errorf("no local %s track", kind)
	}
	if !enabled {
		track = nil
	}
	return sender.ReplaceTrack(track)
}

// SwitchVideoSource rotates to the next camera and swaps the outgoing track
// in place.
func (e *PionEngine) SwitchVideoSource() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.videoSender == nil {
		return ErrNoVideo
	}
	n := e.src.Cameras()
	if n < 2 {
		return errors.New("only one camera available")
	}
	next := (e.camera + 1) % n
	vt, err := e.src.Video(next)
	if err != nil {
		return fmt.Errorf("open camera %d: %w", next, err)
	}
	if e.videoOn {
		if err := e.videoSender.ReplaceTrack(vt); err != nil {
			return err
		}
	}
	e.videoTrack, e.camera = vt, next
	return nil
}

// Camera is the index of the active video device.
func (e *PionEngine) Camera() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.camera
}

func (e *PionEngine) OnLocalCandidate(fn func(Candidate)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		ci := c.ToJSON()
		fn(Candidate{
			Candidate:        ci.Candidate,
			SDPMid:           ci.SDPMid,
			SDPMLineIndex:    ci.SDPMLineIndex,
			UsernameFragment: ci.UsernameFragment,
		})
	})
}

func (e *PionEngine) OnTransportState(fn func(TransportState)) {
	e.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(transportState(s))
	})
}

func (e *PionEngine) OnRemoteTrack(fn func(RemoteTrack)) {
	e.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(RemoteTrack{ID: t.ID(), StreamID: t.StreamID(), Kind: t.Kind().String()})
		// Rendering belongs to the shell; keep the jitter buffer drained.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := t.Read(buf); err != nil {
					return
				}
			}
		}()
	})
}

func (e *PionEngine) Close() error {
	return e.pc.Close()
}

func transportState(s webrtc.PeerConnectionState) TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	default:
		return TransportNew
	}
}
