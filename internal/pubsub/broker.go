package pubsub

import (
	"context"
	"errors"
)

// Broker is the at-least-once, unordered transport shared by the ledger
// change feed and the signaling channel. Implementations must be safe for
// concurrent use by many call attempts.
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error

	// Subscribe returns a channel of payloads for topic and a cancel func.
	// cancel is idempotent; the channel is closed after cancel or when ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error)
}

var ErrClosed = errors.New("pubsub: broker closed")
