package pubsub

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisBroker maps topics one-to-one onto Redis Pub/Sub channels.
// Redis Pub/Sub is fire-and-forget; callers that need the durable view
// re-read the ledger.
type RedisBroker struct {
	rdb    *redis.Client
	prefix string
	buffer int
}

type RedisOption func(*RedisBroker)

// WithChannelPrefix namespaces every topic, e.g. "callsig:".
func WithChannelPrefix(p string) RedisOption {
	return func(b *RedisBroker) { b.prefix = p }
}

// WithBuffer sets the per-subscription delivery buffer.
func WithBuffer(n int) RedisOption {
	return func(b *RedisBroker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func NewRedisBroker(rdb *redis.Client, opts ...RedisOption) *RedisBroker {
	b := &RedisBroker{rdb: rdb, buffer: 64}
	for _, o := range opts {
		o(b)
	}
	return b
}

func (b *RedisBroker) channel(topic string) string { return b.prefix + topic }

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if b.rdb == nil {
		return ErrClosed
	}
	if err := b.rdb.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	if b.rdb == nil {
		return nil, nil, ErrClosed
	}
	ps := b.rdb.Subscribe(ctx, b.channel(topic))

	// Wait for the subscription confirmation so a publish issued right after
	// Subscribe returns is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan []byte, b.buffer)
	in := ps.Channel()

	go func() {
		defer close(out)
		defer ps.Close()
		for {
			select {
			case <-subCtx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- []byte(m.Payload):
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel, nil
}
