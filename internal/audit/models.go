package audit

import "time"

// Event is an immutable, append-only record of something that happened to a
// call record.
//
// Invariants:
// - Events are never updated or deleted.
// - call_id is required.
// - Audit is best-effort; do not block call flows on audit failures.
type Event struct {
	ID     string `json:"id" db:"id"`
	CallID string `json:"call_id" db:"call_id"`

	Type EventType `json:"type" db:"type"`

	FromStatus string `json:"from_status,omitempty" db:"from_status"`
	ToStatus   string `json:"to_status,omitempty" db:"to_status"`

	// ActorID is the authenticated user causing the event (if known).
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`
	// Device identifies the client process that wrote the change.
	Device string `json:"device,omitempty" db:"device"`

	Reason string `json:"reason,omitempty" db:"reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeCallCreated  EventType = "call_created"
	EventTypeStatusChange EventType = "status_change"
)
