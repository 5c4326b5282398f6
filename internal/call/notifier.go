package call

import (
	"log/slog"
	"sync"

	"call-signaling/internal/calls"
)

// Notifier receives lifecycle notifications. Calls are made from a single
// dispatcher goroutine in emission order and never block a state machine.
type Notifier interface {
	OnIncomingCall(c calls.Call)
	OnCallStateChanged(callID string, state State)
	// OnCallEnded reports the final persisted status as this device knows it.
	// A call answered on another device reports calls.CallStatusActive.
	OnCallEnded(callID string, final calls.CallStatus)
}

type NopNotifier struct{}

func (NopNotifier) OnIncomingCall(calls.Call)            {}
func (NopNotifier) OnCallStateChanged(string, State)     {}
func (NopNotifier) OnCallEnded(string, calls.CallStatus) {}

// dispatcher decouples Notifier delivery from the machines. When the queue
// is full the notification is dropped and logged.
type dispatcher struct {
	n    Notifier
	log  *slog.Logger
	q    chan func()
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func newDispatcher(n Notifier, size int, log *slog.Logger) *dispatcher {
	if n == nil {
		n = NopNotifier{}
	}
	if size <= 0 {
		size = 256
	}
	d := &dispatcher{n: n, log: log, q: make(chan func(), size), stop: make(chan struct{})}
	d.wg.Add(1)
	go d.loop()
	return d
}

func (d *dispatcher) loop() {
	defer d.wg.Done()
	for {
		select {
		case fn := <-d.q:
			fn()
		case <-d.stop:
			// Flush what is already queued.
			for {
				select {
				case fn := <-d.q:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) emit(kind string, fn func()) {
	select {
	case d.q <- fn:
	default:
		d.log.Warn("notification dropped, queue full", "kind", kind)
	}
}

func (d *dispatcher) incoming(c calls.Call) {
	d.emit("incoming", func() { d.n.OnIncomingCall(c) })
}

func (d *dispatcher) stateChanged(callID string, s State) {
	d.emit("state", func() { d.n.OnCallStateChanged(callID, s) })
}

func (d *dispatcher) ended(callID string, final calls.CallStatus) {
	d.emit("ended", func() { d.n.OnCallEnded(callID, final) })
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.stop) })
	d.wg.Wait()
}
