package call

import "errors"

var (
	// ErrAttemptEnded is returned for commands sent to a terminated attempt.
	ErrAttemptEnded = errors.New("call attempt already ended")

	// ErrOfferPending means Accept ran before the caller's offer arrived.
	// Retry once it does; the caller retransmits it.
	ErrOfferPending = errors.New("offer not received yet")

	// ErrAnsweredElsewhere means another device of the same user won the accept.
	ErrAnsweredElsewhere = errors.New("call answered on another device")

	ErrWrongDirection = errors.New("operation not valid for this call direction")
	ErrNotFound       = errors.New("no live call attempt with that id")
	ErrClosed         = errors.New("call manager closed")
)
