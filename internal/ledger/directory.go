package ledger

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

var ErrUnknownUser = errors.New("unknown user")

// Profile is the public view of a participant.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// UserDirectory resolves a user id to a profile.
type UserDirectory interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]Profile
}

func NewMemoryDirectory(profiles ...Profile) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]Profile)}
	for _, p := range profiles {
		d.users[p.ID] = p
	}
	return d
}

func (d *MemoryDirectory) Put(p Profile) {
	d.mu.Lock()
	d.users[p.ID] = p
	d.mu.Unlock()
}

func (d *MemoryDirectory) Profile(ctx context.Context, userID string) (Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.users[userID]
	if !ok {
		return Profile{}, ErrUnknownUser
	}
	return p, nil
}

// PostgresDirectory reads the profiles table.
type PostgresDirectory struct {
	db *sql.DB
}

func NewPostgresDirectory(db *sql.DB) *PostgresDirectory { return &PostgresDirectory{db: db} }

func (d *PostgresDirectory) Profile(ctx context.Context, userID string) (Profile, error) {
	const q = `
SELECT id, display_name, avatar_url
FROM profiles
WHERE id = $1
`
	var p Profile
	if err := d.db.QueryRowContext(ctx, q, userID).Scan(&p.ID, &p.DisplayName, &p.AvatarURL); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Profile{}, ErrUnknownUser
		}
		return Profile{}, err
	}
	return p, nil
}
