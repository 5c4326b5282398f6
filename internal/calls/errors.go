package calls

import (
	"errors"
	"fmt"
)

var (
	// ErrMediaAccess means local capture hardware or permission was denied.
	// Terminal for the attempt; never retried on the same call record.
	ErrMediaAccess = errors.New("media access denied")

	// ErrInvalidTransition is an attempted illegal status change.
	ErrInvalidTransition = errors.New("invalid call status transition")

	// ErrSignalingDelivery is a lost candidate publication. Logged, never escalated.
	ErrSignalingDelivery = errors.New("signaling delivery failed")

	ErrNotFound        = errors.New("call not found")
	ErrUnknownReceiver = errors.New("receiver does not exist")
	ErrCallerBusy      = errors.New("caller already has a call in progress")
	ErrInvalidArgument = errors.New("invalid argument")
)

// LedgerError wraps any failure to create, read or update a call record.
type LedgerError struct {
	Op     string
	CallID string
	Err    error
}

func (e *LedgerError) Error() string {
	if e.CallID == "" {
		return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.CallID, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

// IsLedgerError reports whether err carries a *LedgerError anywhere in its chain.
func IsLedgerError(err error) bool {
	var le *LedgerError
	return errors.As(err, &le)
}
