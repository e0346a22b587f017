package violations

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresStore persists violations in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed violation store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	ctxJSON, err := json.Marshal(contextOrEmpty(e.Context))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO violations (id, action, user_id, origin, attempts_at_violation, max_attempts, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.Action, e.UserID, e.Origin, e.AttemptsAtViolation, e.MaxAttempts, ctxJSON, e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Entry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Action != "" {
		where = append(where, "action = "+arg(f.Action))
	}
	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if f.Origin != "" {
		where = append(where, "origin = "+arg(f.Origin))
	}
	if f.Cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(f.Cursor.CreatedAt), arg(f.Cursor.ID)))
	}

	query := `SELECT id, action, user_id, origin, attempts_at_violation, max_attempts, context, created_at FROM violations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Entry, 0)
	for rows.Next() {
		e := &Entry{}
		var ctxJSON []byte
		if err := rows.Scan(&e.ID, &e.Action, &e.UserID, &e.Origin,
			&e.AttemptsAtViolation, &e.MaxAttempts, &ctxJSON, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &e.Context); err != nil {
				return nil, fmt.Errorf("corrupt context for violation %s: %w", e.ID, err)
			}
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func contextOrEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

var _ Store = (*PostgresStore)(nil)
