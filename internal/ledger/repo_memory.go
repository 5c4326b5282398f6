package ledger

import (
	"context"
	"sync"

	"call-signaling/internal/calls"
)

// MemoryRepo is an in-memory Repository for tests. It enforces the same
// one-open-call-per-caller rule as the Postgres partial unique index.
type MemoryRepo struct {
	mu    sync.Mutex
	calls map[string]calls.Call
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{calls: make(map[string]calls.Call)}
}

func (r *MemoryRepo) Insert(ctx context.Context, c calls.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.calls[c.ID]; ok {
		return calls.ErrInvalidArgument
	}
	for _, existing := range r.calls {
		if existing.CallerID == c.CallerID && !existing.Status.Terminal() {
			return calls.ErrCallerBusy
		}
	}
	r.calls[c.ID] = c
	return nil
}

func (r *MemoryRepo) Get(ctx context.Context, id string) (calls.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.calls[id]
	if !ok {
		return calls.Call{}, calls.ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepo) Update(ctx context.Context, id string, fn func(c *calls.Call) error) (calls.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.calls[id]
	if !ok {
		return calls.Call{}, calls.ErrNotFound
	}
	next := cur
	if err := fn(&next); err != nil {
		return cur, err
	}
	r.calls[id] = next
	return next, nil
}
