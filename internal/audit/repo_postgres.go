package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to call_events. The table carries no UPDATE/DELETE
// grants for the application role.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO call_events (id, call_id, type, from_status, to_status, actor_id, device, reason, created_at)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.CallID,
		string(e.Type),
		e.FromStatus,
		e.ToStatus,
		e.ActorID,
		e.Device,
		e.Reason,
		e.CreatedAt,
	)
	return err
}
