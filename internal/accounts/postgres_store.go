package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the subject_accounts table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS subject_accounts (
			subject_id   VARCHAR(64) PRIMARY KEY,
			status       VARCHAR(16) NOT NULL DEFAULT 'active',
			tier         VARCHAR(16) NOT NULL DEFAULT 'standard',
			reason       TEXT NOT NULL DEFAULT '',
			suspended_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresStore) Ensure(ctx context.Context, subjectID string, now time.Time) (*Account, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO subject_accounts (subject_id, created_at, updated_at)
		VALUES ($1, $2, $2)
		ON CONFLICT (subject_id) DO NOTHING
	`, subjectID, now)
	if err != nil {
		return nil, fmt.Errorf("ensure account: %w", err)
	}
	return p.Get(ctx, subjectID)
}

func (p *PostgresStore) Get(ctx context.Context, subjectID string) (*Account, error) {
	var a Account
	var suspendedAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT subject_id, status, tier, reason, suspended_at, created_at, updated_at
		FROM subject_accounts WHERE subject_id = $1
	`, subjectID).Scan(&a.SubjectID, &a.Status, &a.Tier, &a.Reason,
		&suspendedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}
	if suspendedAt.Valid {
		a.SuspendedAt = suspendedAt.Time
	}
	return &a, nil
}

func (p *PostgresStore) SetStatus(ctx context.Context, subjectID string, status Status, reason string, now time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE subject_accounts
		SET status = $1, reason = $2,
		    suspended_at = CASE WHEN $1 = 'suspended' THEN $3 ELSE NULL END,
		    updated_at = $3
		WHERE subject_id = $4
	`, status, reason, now, subjectID)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}
