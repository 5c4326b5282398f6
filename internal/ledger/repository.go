package ledger

import (
	"context"

	"call-signaling/internal/calls"
)

// Repository persists call records.
//
// Update is a row-locked read-modify-write: fn sees the stored record and
// mutates it in place. If fn returns an error nothing is written and Update
// returns the unmodified record together with that error.
type Repository interface {
	Insert(ctx context.Context, c calls.Call) error
	Get(ctx context.Context, id string) (calls.Call, error)
	Update(ctx context.Context, id string, fn func(c *calls.Call) error) (calls.Call, error)
}
