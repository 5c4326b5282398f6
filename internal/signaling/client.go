package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"call-signaling/internal/calls"
	"call-signaling/internal/pubsub"

	"github.com/google/uuid"
)

type MessageType string

const (
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
)

// Message is one transient negotiation payload scoped to a call.
// It may be delivered zero or more times, in any order.
type Message struct {
	CallID  string          `json:"call_id"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	SentAt  time.Time       `json:"sent_at"`

	// From is the publishing client's origin id.
	From string `json:"from"`
}

// Topic is the per-call channel both peers publish to and subscribe on.
func Topic(callID string) string { return "signal:" + callID }

// Handlers receive messages for one call. They run on the subscription's
// delivery goroutine and must not block.
type Handlers struct {
	OnOffer     func(Message)
	OnAnswer    func(Message)
	OnCandidate func(Message)
}

var ErrAlreadySubscribed = errors.New("signaling: already subscribed to call")

// Client publishes and receives signaling messages. One Client is shared by
// every call attempt of a process; each attempt is isolated by call id.
type Client struct {
	broker pubsub.Broker
	origin string
	log    *slog.Logger
	clock  func() time.Time

	mu     sync.Mutex
	subs   map[string]context.CancelFunc
	closed bool
}

func NewClient(broker pubsub.Broker, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		broker: broker,
		origin: uuid.NewString(),
		log:    log,
		clock:  time.Now,
		subs:   make(map[string]context.CancelFunc),
	}
}

// Origin identifies this client's publications.
func (c *Client) Origin() string { return c.origin }

func (c *Client) SendOffer(ctx context.Context, callID string, offer any) error {
	return c.send(ctx, callID, TypeOffer, offer)
}

func (c *Client) SendAnswer(ctx context.Context, callID string, answer any) error {
	return c.send(ctx, callID, TypeAnswer, answer)
}

// SendCandidate never fails the caller: a lost candidate is logged and the
// remaining candidates carry the negotiation.
func (c *Client) SendCandidate(ctx context.Context, callID string, candidate any) {
	if err := c.send(ctx, callID, TypeCandidate, candidate); err != nil {
		c.log.Warn("candidate dropped", "call_id", callID, "err", fmt.Errorf("%w: %v", calls.ErrSignalingDelivery, err))
	}
}

func (c *Client) send(ctx context.Context, callID string, typ MessageType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", typ, err)
	}
	b, err := json.Marshal(Message{
		CallID:  callID,
		Type:    typ,
		Payload: raw,
		SentAt:  c.clock().UTC(),
		From:    c.origin,
	})
	if err != nil {
		return fmt.Errorf("encode %s message: %w", typ, err)
	}
	if err := c.broker.Publish(ctx, Topic(callID), b); err != nil {
		return fmt.Errorf("publish %s: %w", typ, err)
	}
	return nil
}

// Subscribe starts delivering messages for callID to h. Messages this client
// published itself, messages for another call, and malformed messages are
// dropped.
func (c *Client) Subscribe(ctx context.Context, callID string, h Handlers) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pubsub.ErrClosed
	}
	if _, ok := c.subs[callID]; ok {
		c.mu.Unlock()
		return ErrAlreadySubscribed
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.subs[callID] = cancel
	c.mu.Unlock()

	ch, _, err := c.broker.Subscribe(subCtx, Topic(callID))
	if err != nil {
		c.Unsubscribe(callID)
		return fmt.Errorf("subscribe %s: %w", callID, err)
	}

	log := c.log.With("call_id", callID)
	go func() {
		for raw := range ch {
			var m Message
			if err := json.Unmarshal(raw, &m); err != nil {
				log.Warn("dropping malformed signaling message", "err", err)
				continue
			}
			if m.From == c.origin || m.CallID != callID {
				continue
			}
			c.dispatch(log, h, m)
		}
	}()
	return nil
}

func (c *Client) dispatch(log *slog.Logger, h Handlers, m Message) {
	var fn func(Message)
	switch m.Type {
	case TypeOffer:
		fn = h.OnOffer
	case TypeAnswer:
		fn = h.OnAnswer
	case TypeCandidate:
		fn = h.OnCandidate
	default:
		log.Warn("dropping signaling message of unknown type", "type", m.Type)
		return
	}
	if fn != nil {
		fn(m)
	}
}

// Unsubscribe releases the subscription for callID. Safe to call repeatedly
// and after the call ended.
func (c *Client) Unsubscribe(callID string) {
	c.mu.Lock()
	cancel, ok := c.subs[callID]
	delete(c.subs, callID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

// Close releases every subscription.
func (c *Client) Close() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]context.CancelFunc)
	c.closed = true
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
}
