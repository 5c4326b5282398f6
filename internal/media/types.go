package media

import (
	"context"
	"errors"
	"fmt"

	"call-signaling/internal/calls"
)

// Role fixes which negotiation step a session may take.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// TransportState is the peer transport state. It is the only authoritative
// source for "connected" and "failed".
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportFailed       TransportState = "failed"
	TransportClosed       TransportState = "closed"
)

// Description is a session description. JSON shape matches
// RTCSessionDescriptionInit so browser peers interoperate.
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate matches RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func (c Candidate) key() string {
	mid, idx := "", ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		idx = fmt.Sprint(*c.SDPMLineIndex)
	}
	return mid + "|" + idx + "|" + c.Candidate
}

// RemoteTrack describes inbound media once it starts flowing.
type RemoteTrack struct {
	ID       string `json:"id"`
	StreamID string `json:"stream_id"`
	Kind     string `json:"kind"`
}

var (
	ErrReleased              = errors.New("media: session released")
	ErrNoLocalMedia          = errors.New("media: local media not acquired")
	ErrNoRemoteDescription   = errors.New("media: remote description not set")
	ErrDescriptionConflict   = errors.New("media: a different remote description is already applied")
	ErrUnexpectedDescription = errors.New("media: remote description type does not match role")
	ErrNoVideo               = errors.New("media: no local video")
)

// Session is the per-attempt negotiation capability consumed by the call
// state machine. One Session serves exactly one call attempt.
type Session interface {
	// AcquireLocalMedia opens capture for callType. Failures wrap
	// calls.ErrMediaAccess.
	AcquireLocalMedia(ctx context.Context, callType calls.CallType) error

	// CreateOffer and CreateAnswer may each be called once, in role.
	// Out-of-role or repeated calls panic.
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)

	// ApplyRemoteDescription is idempotent for an identical description and
	// drains queued candidates in arrival order.
	ApplyRemoteDescription(ctx context.Context, d Description) error

	// AddRemoteCandidate queues until a remote description exists, then
	// applies. Duplicates are ignored; a failed candidate is logged only.
	AddRemoteCandidate(c Candidate)

	OnRemoteMedia(fn func(RemoteTrack))
	OnTransportStateChange(fn func(TransportState))
	OnLocalCandidate(fn func(Candidate))

	SwitchLocalVideoSource() error
	ToggleLocalAudio() bool
	ToggleLocalVideo() bool

	// Release tears everything down. Idempotent.
	Release()
}

// Engine is the peer-connection primitive a Negotiator drives.
// Implementations need not be idempotent or role-aware.
type Engine interface {
	AddLocalTracks(callType calls.CallType) error
	CreateOffer() (Description, error)
	CreateAnswer() (Description, error)
	SetRemoteDescription(d Description) error
	AddICECandidate(c Candidate) error
	SetLocalTrackEnabled(kind string, enabled bool) error
	SwitchVideoSource() error

	OnLocalCandidate(fn func(Candidate))
	OnTransportState(fn func(TransportState))
	OnRemoteTrack(fn func(RemoteTrack))

	Close() error
}

// EngineFactory opens a fresh engine for one call attempt.
type EngineFactory func(callID string) (Engine, error)
