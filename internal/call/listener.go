package call

import (
	"context"
	"log/slog"
	"time"

	"call-signaling/pkg/logger"
)

// Listener feeds calls announced to the agent's user into a Manager.
type Listener struct {
	mgr    *Manager
	ledger Ledger
	log    *slog.Logger

	// Backoff between resubscribe attempts after the stream drops.
	Backoff time.Duration
}

func NewListener(mgr *Manager, l Ledger, log *slog.Logger) *Listener {
	return &Listener{mgr: mgr, ledger: l, log: logger.Component(log, "incoming_listener"), Backoff: time.Second}
}

// Run blocks until ctx ends, resubscribing when the announcement stream
// closes underneath it.
func (l *Listener) Run(ctx context.Context) error {
	user := l.mgr.SelfUserID()
	for {
		ch, cancel, err := l.ledger.SubscribeToIncomingCalls(ctx, user)
		if err != nil {
			l.log.Warn("subscribe to incoming calls failed", "err", err)
		} else {
			l.log.Info("listening for incoming calls", "user_id", user)
			for rec := range ch {
				if l.mgr.HandleIncoming(rec) {
					l.log.Info("incoming call", "call_id", rec.ID, "caller_id", rec.CallerID)
				}
			}
			cancel()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.Backoff):
		}
	}
}
