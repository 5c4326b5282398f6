package call

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the local peer's view of an attempt. It is reconciled with, not
// derived from, the persisted calls.CallStatus.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRinging   State = "ringing"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

const (
	evDial     = "dial"
	evIncoming = "incoming"
	evConnect  = "connect"
	evEnd      = "end"
	evFail     = "fail"
)

// newFSM builds the local transition table. onEnter runs synchronously on
// the machine's loop goroutine.
func newFSM(onEnter func(from, to State)) *fsm.FSM {
	live := []string{string(StateIdle), string(StateCalling), string(StateRinging), string(StateConnected)}
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: evDial, Src: []string{string(StateIdle)}, Dst: string(StateCalling)},
			{Name: evIncoming, Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: evConnect, Src: []string{string(StateCalling), string(StateRinging)}, Dst: string(StateConnected)},
			{Name: evEnd, Src: live, Dst: string(StateEnded)},
			{Name: evFail, Src: live, Dst: string(StateFailed)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(State(e.Src), State(e.Dst))
			},
		},
	)
}
