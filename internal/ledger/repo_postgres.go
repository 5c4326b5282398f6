package ledger

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"

	"call-signaling/internal/calls"
	"call-signaling/pkg/utils"
)

//go:embed schema.sql
var schemaSQL string

const openCallConstraint = "calls_one_open_per_caller"

// EnsureSchema creates the calls, profiles and call_events tables if missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	return utils.WithTx(ctx, db, nil, func(ctx context.Context, tx *sql.Tx) error {
		for _, stmt := range strings.Split(schemaSQL, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// PostgresRepo stores call records in the calls table.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Insert(ctx context.Context, c calls.Call) error {
	const q = `
INSERT INTO calls (id, caller_id, receiver_id, call_type, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`
	_, err := r.db.ExecContext(ctx, q, c.ID, c.CallerID, c.ReceiverID, string(c.CallType), string(c.Status), c.CreatedAt)
	if err != nil {
		if utils.IsUniqueViolation(err, openCallConstraint) {
			return calls.ErrCallerBusy
		}
		return err
	}
	return nil
}

const selectCall = `
SELECT id, caller_id, receiver_id, call_type, status, created_at, answered_at, ended_at, answered_by, end_reason
FROM calls
WHERE id = $1
`

func (r *PostgresRepo) Get(ctx context.Context, id string) (calls.Call, error) {
	return scanCall(r.db.QueryRowContext(ctx, selectCall, id))
}

func (r *PostgresRepo) Update(ctx context.Context, id string, fn func(c *calls.Call) error) (calls.Call, error) {
	var out calls.Call
	err := utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the row to serialize concurrent writers of the same call
		// (both peers, or two devices of the receiver).
		cur, err := scanCall(tx.QueryRowContext(ctx, selectCall+"FOR UPDATE\n", id))
		if err != nil {
			return err
		}
		out = cur

		next := cur
		if err := fn(&next); err != nil {
			return err
		}

		const q = `
UPDATE calls
SET status = $2, answered_at = $3, ended_at = $4, answered_by = NULLIF($5, ''), end_reason = NULLIF($6, '')
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, q, id, string(next.Status), next.AnsweredAt, next.EndedAt, next.AnsweredBy, next.EndReason); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (calls.Call, error) {
	var (
		c          calls.Call
		callType   string
		status     string
		answeredAt sql.NullTime
		endedAt    sql.NullTime
		answeredBy sql.NullString
		endReason  sql.NullString
	)
	if err := row.Scan(
		&c.ID,
		&c.CallerID,
		&c.ReceiverID,
		&callType,
		&status,
		&c.CreatedAt,
		&answeredAt,
		&endedAt,
		&answeredBy,
		&endReason,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, calls.ErrNotFound
		}
		return calls.Call{}, err
	}
	c.CallType = calls.CallType(callType)
	c.Status = calls.CallStatus(status)
	if answeredAt.Valid {
		t := answeredAt.Time.UTC()
		c.AnsweredAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		c.EndedAt = &t
	}
	c.AnsweredBy = answeredBy.String
	c.EndReason = endReason.String
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}
