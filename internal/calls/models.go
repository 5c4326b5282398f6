package calls

import "time"

// Call is the durable record of one call attempt, shared by both peers
// through the ledger.
//
// Invariants:
// - ID, CallerID, ReceiverID, CallType and CreatedAt never change after insert.
// - AnsweredAt and EndedAt are each set at most once.
// - Status only moves forward along CanTransition.
type Call struct {
	ID         string   `json:"id" db:"id"`
	CallerID   string   `json:"caller_id" db:"caller_id"`
	ReceiverID string   `json:"receiver_id" db:"receiver_id"`
	CallType   CallType `json:"call_type" db:"call_type"`

	Status CallStatus `json:"status" db:"status"`

	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// AnsweredBy is the device id of the client whose accept won.
	// Two open clients of the same receiver race on it.
	AnsweredBy string `json:"answered_by,omitempty" db:"answered_by"`

	// EndReason is a short machine-readable cause (timeout, busy, media_failed, ...).
	EndReason string `json:"end_reason,omitempty" db:"end_reason"`
}

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusActive    CallStatus = "active"
	CallStatusCompleted CallStatus = "completed"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusMissed    CallStatus = "missed"
	CallStatusFailed    CallStatus = "failed"
)

// Terminal reports whether no further transition is legal from s.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusDeclined, CallStatusMissed, CallStatusFailed:
		return true
	default:
		return false
	}
}

// Open reports whether a call in this status still waits for an answer.
func (s CallStatus) Open() bool {
	return s == CallStatusInitiated || s == CallStatusRinging
}

func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusActive,
		CallStatusCompleted, CallStatusDeclined, CallStatusMissed, CallStatusFailed:
		return true
	default:
		return false
	}
}

// Answered reports whether the record ever reached active.
func (c Call) Answered() bool { return c.AnsweredAt != nil }

// Duration is the talk time of an answered, ended call.
func (c Call) Duration() time.Duration {
	if c.AnsweredAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.AnsweredAt)
}

// Participant reports whether userID is the caller or the receiver.
func (c Call) Participant(userID string) bool {
	return userID != "" && (c.CallerID == userID || c.ReceiverID == userID)
}
