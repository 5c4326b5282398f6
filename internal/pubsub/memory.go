package pubsub

import (
	"context"
	"sync"
)

// MemoryBroker is an in-process Broker for tests and single-node use.
// Publish never blocks: every subscriber owns an unbounded queue drained by
// its own goroutine.
type MemoryBroker struct {
	mu     sync.Mutex
	subs   map[string]map[*memorySub]struct{}
	hook   func(topic string, payload []byte) error
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{})}
}

// OnPublish installs a hook run before delivery. A non-nil error from the
// hook fails the publish without delivering. Used to simulate outages.
func (b *MemoryBroker) OnPublish(fn func(topic string, payload []byte) error) {
	b.mu.Lock()
	b.hook = fn
	b.mu.Unlock()
}

func (b *MemoryBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	hook := b.hook
	targets := make([]*memorySub, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	if hook != nil {
		if err := hook(topic, payload); err != nil {
			return err
		}
	}

	for _, s := range targets {
		p := make([]byte, len(payload))
		copy(p, payload)
		s.push(p)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, topic string) (<-chan []byte, func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)
	s := &memorySub{
		out:    make(chan []byte),
		notify: make(chan struct{}, 1),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySub]struct{})
	}
	b.subs[topic][s] = struct{}{}

	go func() {
		s.pump(subCtx)
		b.remove(topic, s)
	}()

	return s.out, cancel, nil
}

// Subscribers returns the live subscription count for topic.
func (b *MemoryBroker) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Close stops accepting publishes and subscriptions. Existing subscriptions
// end when their contexts or cancel funcs do.
func (b *MemoryBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *MemoryBroker) remove(topic string, s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[topic], s)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
}

type memorySub struct {
	mu     sync.Mutex
	queue  [][]byte
	notify chan struct{}
	out    chan []byte
}

func (s *memorySub) push(p []byte) {
	s.mu.Lock()
	s.queue = append(s.queue, p)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *memorySub) pump(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, p := range batch {
			select {
			case s.out <- p:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			return
		}
	}
}
