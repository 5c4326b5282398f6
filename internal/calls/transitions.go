package calls

import (
	"fmt"
	"time"
)

// legal is the persisted status graph. Same-status writes are idempotent
// no-ops and are not listed here.
var legal = map[CallStatus]map[CallStatus]bool{
	CallStatusInitiated: {
		CallStatusRinging:  true,
		CallStatusActive:   true,
		CallStatusDeclined: true,
		CallStatusMissed:   true,
		CallStatusFailed:   true,
	},
	CallStatusRinging: {
		CallStatusActive:   true,
		CallStatusDeclined: true,
		CallStatusMissed:   true,
		CallStatusFailed:   true,
	},
	CallStatusActive: {
		CallStatusCompleted: true,
		CallStatusFailed:    true,
	},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to CallStatus) bool {
	return legal[from][to]
}

// Apply moves c to status `to` at time now, stamping AnsweredAt/EndedAt
// exactly once. It returns changed=false for a same-status write.
func (c *Call) Apply(to CallStatus, now time.Time, device, reason string) (changed bool, err error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, to)
	}
	if c.Status == to {
		return false, nil
	}
	if !CanTransition(c.Status, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.Status, to)
	}

	c.Status = to
	if to == CallStatusActive && c.AnsweredAt == nil {
		t := now
		c.AnsweredAt = &t
		c.AnsweredBy = device
	}
	if to.Terminal() && c.EndedAt == nil {
		t := now
		c.EndedAt = &t
		c.EndReason = reason
	}
	return true, nil
}
