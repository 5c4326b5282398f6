package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records the call event trail.
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.CallID == "" {
		return ErrInvalidEvent
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	return s.repo.Append(ctx, e)
}

// LogCallCreated records the insert of a new call record.
func (s *Service) LogCallCreated(ctx context.Context, callID, actorID, status string) error {
	return s.Append(ctx, Event{
		CallID:   callID,
		Type:     EventTypeCallCreated,
		ToStatus: status,
		ActorID:  actorID,
	})
}

// LogStatusChange records one persisted status transition.
func (s *Service) LogStatusChange(ctx context.Context, callID, actorID, device, from, to, reason string) error {
	return s.Append(ctx, Event{
		CallID:     callID,
		Type:       EventTypeStatusChange,
		FromStatus: from,
		ToStatus:   to,
		ActorID:    actorID,
		Device:     device,
		Reason:     reason,
	})
}
