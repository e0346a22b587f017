package bans

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// SQLSTATE insufficient_privilege, raised by row-level security or missing
// grants on restricted deployments.
const pqInsufficientPrivilege = "42501"

// PostgresStore persists bans in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ban store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const banColumns = `id, subject_id, scope, reason, active, auto_generated, trigger_count,
	created_at, updated_at, expires_at, revoked_at`

func (p *PostgresStore) FindActive(ctx context.Context, scope Scope, subjectID string, now time.Time) (*Ban, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+banColumns+`
		FROM bans
		WHERE scope = $1 AND subject_id = $2 AND active AND expires_at > $3
		ORDER BY expires_at DESC
		LIMIT 1`, string(scope), subjectID, now)
	return scanBan(row)
}

// Upsert relies on the partial unique index over active bans: a second
// escalation for the same subject extends the existing row.
func (p *PostgresStore) Upsert(ctx context.Context, ban *Ban) (*Ban, bool, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO bans (id, subject_id, scope, reason, active, auto_generated, trigger_count, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, true, $5, 1, $6, $7, $8)
		ON CONFLICT (subject_id, scope, auto_generated) WHERE active
		DO UPDATE SET
			expires_at    = GREATEST(bans.expires_at, EXCLUDED.expires_at),
			reason        = EXCLUDED.reason,
			updated_at    = EXCLUDED.updated_at,
			trigger_count = bans.trigger_count + 1
		RETURNING `+banColumns+`, (xmax = 0) AS inserted`,
		ban.ID, ban.SubjectID, string(ban.Scope), ban.Reason, ban.AutoGenerated,
		ban.CreatedAt, ban.UpdatedAt, ban.ExpiresAt,
	)

	b := &Ban{}
	var scope string
	var revokedAt sql.NullTime
	var inserted bool
	err := row.Scan(&b.ID, &b.SubjectID, &scope, &b.Reason, &b.Active, &b.AutoGenerated,
		&b.TriggerCount, &b.CreatedAt, &b.UpdatedAt, &b.ExpiresAt, &revokedAt, &inserted)
	if err != nil {
		return nil, false, mapError(err)
	}
	b.Scope = Scope(scope)
	if revokedAt.Valid {
		b.RevokedAt = &revokedAt.Time
	}
	return b, inserted, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Ban, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+banColumns+` FROM bans WHERE id = $1`, id)
	return scanBan(row)
}

func (p *PostgresStore) List(ctx context.Context, f ListFilter) ([]*Ban, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Scope != "" {
		where = append(where, "scope = "+arg(string(f.Scope)))
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = "+arg(f.SubjectID))
	}
	if f.ActiveOnly {
		where = append(where, "active")
	}
	if f.Cursor != nil {
		where = append(where, fmt.Sprintf("(created_at, id) < (%s, %s)", arg(f.Cursor.CreatedAt), arg(f.Cursor.ID)))
	}

	query := `SELECT ` + banColumns + ` FROM bans`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*Ban, 0)
	for rows.Next() {
		b, err := scanBan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, b)
	}
	return result, rows.Err()
}

func (p *PostgresStore) Revoke(ctx context.Context, id string, at time.Time) (*Ban, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE bans SET active = false, revoked_at = $2, updated_at = $2
		WHERE id = $1 AND revoked_at IS NULL
		RETURNING `+banColumns, id, at)
	b, err := scanBan(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing ban from one that was already revoked.
		if _, getErr := p.Get(ctx, id); getErr == nil {
			return nil, ErrAlreadyRevoked
		}
	}
	return b, err
}

func (p *PostgresStore) DeactivateExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE bans SET active = false, updated_at = $1
		WHERE id IN (
			SELECT id FROM bans
			WHERE active AND expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`, now, limit)
	if err != nil {
		return 0, mapError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBan(row rowScanner) (*Ban, error) {
	b := &Ban{}
	var scope string
	var revokedAt sql.NullTime
	err := row.Scan(&b.ID, &b.SubjectID, &scope, &b.Reason, &b.Active, &b.AutoGenerated,
		&b.TriggerCount, &b.CreatedAt, &b.UpdatedAt, &b.ExpiresAt, &revokedAt)
	if err != nil {
		return nil, mapError(err)
	}
	b.Scope = Scope(scope)
	if revokedAt.Valid {
		b.RevokedAt = &revokedAt.Time
	}
	return b, nil
}

func mapError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pqInsufficientPrivilege {
		return fmt.Errorf("%w: %s", ErrAccessDenied, pqErr.Message)
	}
	return err
}

var _ Store = (*PostgresStore)(nil)
