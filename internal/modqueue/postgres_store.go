package modqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Compile-time checks.
var (
	_ Store         = (*PostgresStore)(nil)
	_ ReviewerStore = (*PostgresReviewerStore)(nil)
)

// PostgresStore implements Store backed by PostgreSQL. Updates guard on
// the version column so concurrent writers get ErrConflict instead of
// silently clobbering each other.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed queue item store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the moderation_items table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS moderation_items (
			id           VARCHAR(64) PRIMARY KEY,
			subject_id   VARCHAR(64) NOT NULL,
			content_ref  TEXT NOT NULL,
			content_type VARCHAR(32) NOT NULL DEFAULT '',
			severity     VARCHAR(16) NOT NULL,
			report_count INT NOT NULL DEFAULT 1,
			enqueued_at  TIMESTAMPTZ NOT NULL,
			assigned_to  VARCHAR(64) NOT NULL DEFAULT '',
			status       VARCHAR(16) NOT NULL DEFAULT 'pending',
			decision     VARCHAR(16) NOT NULL DEFAULT '',
			note         TEXT NOT NULL DEFAULT '',
			decided_by   VARCHAR(64) NOT NULL DEFAULT '',
			completed_at TIMESTAMPTZ,
			sla_deadline TIMESTAMPTZ NOT NULL,
			escalated    BOOLEAN NOT NULL DEFAULT FALSE,
			escalated_at TIMESTAMPTZ,
			version      BIGINT NOT NULL DEFAULT 1,
			updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_moderation_items_status
			ON moderation_items (status, enqueued_at);
		CREATE INDEX IF NOT EXISTS idx_moderation_items_assigned
			ON moderation_items (assigned_to) WHERE status = 'in_progress';
	`)
	return err
}

const itemColumns = `id, subject_id, content_ref, content_type, severity,
	report_count, enqueued_at, assigned_to, status, decision, note,
	decided_by, completed_at, sla_deadline, escalated, escalated_at,
	version, updated_at`

func (p *PostgresStore) Create(ctx context.Context, item *Item) error {
	item.Version = 1
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO moderation_items (id, subject_id, content_ref, content_type,
			severity, report_count, enqueued_at, assigned_to, status, decision,
			note, decided_by, completed_at, sla_deadline, escalated, escalated_at,
			version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`, item.ID, item.SubjectID, item.ContentRef, item.ContentType,
		item.Severity, item.ReportCount, item.EnqueuedAt, item.AssignedTo,
		item.Status, item.Decision, item.Note, item.DecidedBy,
		nullTime(item.CompletedAt), item.SLADeadline, item.Escalated,
		nullTime(item.EscalatedAt), item.Version, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Item, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM moderation_items WHERE id = $1`, id)
	return scanItem(row)
}

func (p *PostgresStore) Update(ctx context.Context, item *Item) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE moderation_items
		SET severity = $1, report_count = $2, assigned_to = $3, status = $4,
		    decision = $5, note = $6, decided_by = $7, completed_at = $8,
		    escalated = $9, escalated_at = $10, version = version + 1,
		    updated_at = $11
		WHERE id = $12 AND version = $13
	`, item.Severity, item.ReportCount, item.AssignedTo, item.Status,
		item.Decision, item.Note, item.DecidedBy, nullTime(item.CompletedAt),
		item.Escalated, nullTime(item.EscalatedAt), item.UpdatedAt,
		item.ID, item.Version)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		// Either the row is gone or the version moved underneath us.
		if _, err := p.Get(ctx, item.ID); errors.Is(err, ErrItemNotFound) {
			return ErrItemNotFound
		}
		return ErrConflict
	}
	item.Version++
	return nil
}

func (p *PostgresStore) List(ctx context.Context, filter Filter) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM moderation_items WHERE 1=1`
	args := []any{}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if filter.AssignedTo != "" {
		args = append(args, filter.AssignedTo)
		query += fmt.Sprintf(" AND assigned_to = $%d", len(args))
	}
	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		query += fmt.Sprintf(" AND subject_id = $%d", len(args))
	}
	query += " ORDER BY enqueued_at ASC, id ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*Item, error) {
	return p.List(ctx, Filter{Status: StatusPending})
}

func (p *PostgresStore) CountInProgress(ctx context.Context, reviewerID string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM moderation_items
		WHERE status = 'in_progress' AND assigned_to = $1
	`, reviewerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count in progress: %w", err)
	}
	return count, nil
}

func (p *PostgresStore) ListStale(ctx context.Context, before time.Time) ([]*Item, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM moderation_items
		WHERE status = 'pending'
		  AND COALESCE(escalated_at, enqueued_at) <= $1
		ORDER BY enqueued_at ASC, id ASC
	`, before)
	if err != nil {
		return nil, fmt.Errorf("list stale: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanItems(rows)
}

func (p *PostgresStore) FindPendingByContent(ctx context.Context, subjectID, contentRef string) (*Item, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM moderation_items
		WHERE subject_id = $1 AND content_ref = $2 AND status != 'completed'
		ORDER BY enqueued_at ASC
		LIMIT 1
	`, subjectID, contentRef)
	return scanItem(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var item Item
	var completedAt, escalatedAt sql.NullTime
	err := row.Scan(&item.ID, &item.SubjectID, &item.ContentRef,
		&item.ContentType, &item.Severity, &item.ReportCount,
		&item.EnqueuedAt, &item.AssignedTo, &item.Status, &item.Decision,
		&item.Note, &item.DecidedBy, &completedAt, &item.SLADeadline,
		&item.Escalated, &escalatedAt, &item.Version, &item.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("scan item: %w", err)
	}
	if completedAt.Valid {
		item.CompletedAt = completedAt.Time
	}
	if escalatedAt.Valid {
		item.EscalatedAt = escalatedAt.Time
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*Item, error) {
	var out []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// PostgresReviewerStore implements ReviewerStore backed by PostgreSQL.
type PostgresReviewerStore struct {
	db *sql.DB
}

// NewPostgresReviewerStore creates a new PostgreSQL-backed reviewer store.
func NewPostgresReviewerStore(db *sql.DB) *PostgresReviewerStore {
	return &PostgresReviewerStore{db: db}
}

// Migrate creates the reviewers table if it doesn't exist.
func (p *PostgresReviewerStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS reviewers (
			id         VARCHAR(64) PRIMARY KEY,
			name       TEXT NOT NULL,
			active     BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (p *PostgresReviewerStore) Upsert(ctx context.Context, reviewer *Reviewer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reviewers (id, name, active, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = $2, active = $3
	`, reviewer.ID, reviewer.Name, reviewer.Active, reviewer.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert reviewer: %w", err)
	}
	return nil
}

func (p *PostgresReviewerStore) Get(ctx context.Context, id string) (*Reviewer, error) {
	var r Reviewer
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, active, created_at FROM reviewers WHERE id = $1
	`, id).Scan(&r.ID, &r.Name, &r.Active, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrItemNotFound
		}
		return nil, fmt.Errorf("get reviewer: %w", err)
	}
	return &r, nil
}

func (p *PostgresReviewerStore) ActiveReviewers(ctx context.Context) ([]*Reviewer, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, name, active, created_at FROM reviewers
		WHERE active ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list reviewers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Reviewer
	for rows.Next() {
		var r Reviewer
		if err := rows.Scan(&r.ID, &r.Name, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reviewer: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
