package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"call-signaling/internal/audit"
	"call-signaling/internal/auth"
	"call-signaling/internal/calls"
	"call-signaling/internal/pubsub"

	"github.com/google/uuid"
)

// CallTopic carries every persisted change of one call.
func CallTopic(callID string) string { return "calls:" + callID }

// IncomingTopic carries newly created calls addressed to userID.
func IncomingTopic(userID string) string { return "users:" + userID + ":incoming" }

// UpdateOptions carries the extra fields stamped with a status change.
type UpdateOptions struct {
	// Device is recorded as AnsweredBy on the transition to active.
	Device string
	// Reason is recorded as EndReason on the first terminal transition.
	Reason string
}

// CallDetails is a call record with resolved participant profiles.
type CallDetails struct {
	calls.Call
	Caller   Profile `json:"caller"`
	Receiver Profile `json:"receiver"`
}

// Service is the call ledger client. It is stateless per call and safe to
// share between concurrent call attempts.
type Service struct {
	repo   Repository
	users  UserDirectory
	broker pubsub.Broker
	audit  *audit.Service
	clock  func() time.Time
	log    *slog.Logger
}

type Option func(*Service)

func WithAudit(a *audit.Service) Option { return func(s *Service) { s.audit = a } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

func WithClock(clock func() time.Time) Option { return func(s *Service) { s.clock = clock } }

func NewService(repo Repository, users UserDirectory, broker pubsub.Broker, opts ...Option) *Service {
	s := &Service{
		repo:   repo,
		users:  users,
		broker: broker,
		clock:  time.Now,
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var errNoChange = errors.New("ledger: no change")

// CreateCall inserts a new call from the identity in ctx to receiverID with
// status initiated, and announces it on the receiver's incoming topic.
func (s *Service) CreateCall(ctx context.Context, receiverID string, callType calls.CallType) (calls.Call, error) {
	callerID, err := auth.UserID(ctx)
	if err != nil {
		return calls.Call{}, &calls.LedgerError{Op: "create", Err: fmt.Errorf("%w: %v", calls.ErrInvalidArgument, err)}
	}
	if receiverID == "" || receiverID == callerID {
		return calls.Call{}, &calls.LedgerError{Op: "create", Err: fmt.Errorf("%w: receiver %q", calls.ErrInvalidArgument, receiverID)}
	}
	if !callType.Valid() {
		return calls.Call{}, &calls.LedgerError{Op: "create", Err: fmt.Errorf("%w: call type %q", calls.ErrInvalidArgument, callType)}
	}

	if _, err := s.users.Profile(ctx, receiverID); err != nil {
		if errors.Is(err, ErrUnknownUser) {
			return calls.Call{}, &calls.LedgerError{Op: "create", Err: calls.ErrUnknownReceiver}
		}
		return calls.Call{}, &calls.LedgerError{Op: "create", Err: err}
	}

	c := calls.Call{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		CallType:   callType,
		Status:     calls.CallStatusInitiated,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.repo.Insert(ctx, c); err != nil {
		return calls.Call{}, &calls.LedgerError{Op: "create", CallID: c.ID, Err: err}
	}

	log := s.log.With("call_id", c.ID)
	log.Info("call created", "caller_id", callerID, "receiver_id", receiverID, "call_type", callType)

	if s.audit != nil {
		if err := s.audit.LogCallCreated(ctx, c.ID, callerID, string(c.Status)); err != nil {
			log.Warn("audit append failed", "err", err)
		}
	}
	s.publish(ctx, log, IncomingTopic(receiverID), c)
	s.publish(ctx, log, CallTopic(c.ID), c)
	return c, nil
}

// UpdateStatus applies one legal transition. Writing the current status is
// a no-op that returns the stored record. A terminal record or an illegal
// target fails with calls.ErrInvalidTransition.
func (s *Service) UpdateStatus(ctx context.Context, callID string, status calls.CallStatus, opts UpdateOptions) (calls.Call, error) {
	now := s.clock().UTC()

	var from calls.CallStatus
	c, err := s.repo.Update(ctx, callID, func(c *calls.Call) error {
		from = c.Status
		changed, err := c.Apply(status, now, opts.Device, opts.Reason)
		if err != nil {
			return err
		}
		if !changed {
			return errNoChange
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return c, nil
	}
	if err != nil {
		return c, &calls.LedgerError{Op: "update", CallID: callID, Err: err}
	}

	log := s.log.With("call_id", callID)
	log.Info("call status changed", "from", from, "to", status, "device", opts.Device, "reason", opts.Reason)

	if s.audit != nil {
		actor, _ := auth.UserID(ctx)
		if err := s.audit.LogStatusChange(ctx, callID, actor, opts.Device, string(from), string(status), opts.Reason); err != nil {
			log.Warn("audit append failed", "err", err)
		}
	}
	s.publish(ctx, log, CallTopic(callID), c)
	return c, nil
}

// GetCall reads the record and resolves both participants.
func (s *Service) GetCall(ctx context.Context, callID string) (CallDetails, error) {
	c, err := s.repo.Get(ctx, callID)
	if err != nil {
		return CallDetails{}, &calls.LedgerError{Op: "get", CallID: callID, Err: err}
	}
	caller, err := s.profile(ctx, c.CallerID)
	if err != nil {
		return CallDetails{}, &calls.LedgerError{Op: "get", CallID: callID, Err: err}
	}
	receiver, err := s.profile(ctx, c.ReceiverID)
	if err != nil {
		return CallDetails{}, &calls.LedgerError{Op: "get", CallID: callID, Err: err}
	}
	return CallDetails{Call: c, Caller: caller, Receiver: receiver}, nil
}

// Call reads the bare record.
func (s *Service) Call(ctx context.Context, callID string) (calls.Call, error) {
	c, err := s.repo.Get(ctx, callID)
	if err != nil {
		return calls.Call{}, &calls.LedgerError{Op: "get", CallID: callID, Err: err}
	}
	return c, nil
}

// SubscribeToCallUpdates delivers the current record followed by every
// persisted change of callID. Delivery is at-least-once and unordered across
// rapid updates: consumers must treat each value as the latest known status.
func (s *Service) SubscribeToCallUpdates(ctx context.Context, callID string) (<-chan calls.Call, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	raw, _, err := s.broker.Subscribe(subCtx, CallTopic(callID))
	if err != nil {
		cancel()
		return nil, nil, &calls.LedgerError{Op: "subscribe", CallID: callID, Err: err}
	}

	// Snapshot after subscribing so a change landing in between is not lost.
	snapshot, err := s.repo.Get(ctx, callID)
	if err != nil {
		cancel()
		return nil, nil, &calls.LedgerError{Op: "subscribe", CallID: callID, Err: err}
	}
	return s.decode(subCtx, raw, &snapshot), cancel, nil
}

// SubscribeToIncomingCalls delivers newly created records addressed to userID.
func (s *Service) SubscribeToIncomingCalls(ctx context.Context, userID string) (<-chan calls.Call, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)
	raw, _, err := s.broker.Subscribe(subCtx, IncomingTopic(userID))
	if err != nil {
		cancel()
		return nil, nil, &calls.LedgerError{Op: "subscribe", Err: err}
	}
	return s.decode(subCtx, raw, nil), cancel, nil
}

// decode stops when ctx ends; the broker subscription is bound to the same ctx.
func (s *Service) decode(ctx context.Context, raw <-chan []byte, first *calls.Call) <-chan calls.Call {
	out := make(chan calls.Call, 8)
	go func() {
		defer close(out)
		if first != nil {
			select {
			case out <- *first:
			case <-ctx.Done():
				return
			}
		}
		for p := range raw {
			var c calls.Call
			if err := json.Unmarshal(p, &c); err != nil || c.ID == "" {
				s.log.Warn("dropping malformed call update", "err", err)
				continue
			}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *Service) publish(ctx context.Context, log *slog.Logger, topic string, c calls.Call) {
	b, err := json.Marshal(c)
	if err != nil {
		log.Error("encode call update", "err", err)
		return
	}
	// The record is already durable; subscribers recover from a lost
	// publication by re-reading it.
	if err := s.broker.Publish(ctx, topic, b); err != nil {
		log.Warn("publish call update failed", "topic", topic, "err", err)
	}
}

func (s *Service) profile(ctx context.Context, userID string) (Profile, error) {
	p, err := s.users.Profile(ctx, userID)
	if errors.Is(err, ErrUnknownUser) {
		return Profile{ID: userID}, nil
	}
	return p, err
}
