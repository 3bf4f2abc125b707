package risk

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Compile-time check that PostgresStore implements ProfileStore.
var _ ProfileStore = (*PostgresStore)(nil)

// PostgresStore implements ProfileStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed profile store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_profiles table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_profiles (
			subject_id               VARCHAR(64) PRIMARY KEY,
			refund_count             INT NOT NULL DEFAULT 0,
			validation_failure_count INT NOT NULL DEFAULT 0,
			fraud_attempt_count      INT NOT NULL DEFAULT 0,
			promo_usage_count        INT NOT NULL DEFAULT 0,
			warning_count            INT NOT NULL DEFAULT 0,
			device_fingerprints      TEXT[] NOT NULL DEFAULT '{}',
			account_created_at       TIMESTAMPTZ NOT NULL,
			last_score               INT NOT NULL DEFAULT 0,
			last_scored_at           TIMESTAMPTZ,
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// counterColumn maps a Counter to its column. Counters are a closed enum
// so the column name never comes from user input.
func counterColumn(counter Counter) (string, error) {
	switch counter {
	case CounterRefunds:
		return "refund_count", nil
	case CounterValidationFailures:
		return "validation_failure_count", nil
	case CounterFraudAttempts:
		return "fraud_attempt_count", nil
	case CounterPromoUses:
		return "promo_usage_count", nil
	case CounterWarnings:
		return "warning_count", nil
	}
	return "", ErrUnknownCounter
}

func (p *PostgresStore) Ensure(ctx context.Context, subjectID string, now time.Time) (*Profile, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO risk_profiles (subject_id, account_created_at, created_at, updated_at)
		VALUES ($1, $2, $2, $2)
		ON CONFLICT (subject_id) DO NOTHING
	`, subjectID, now)
	if err != nil {
		return nil, fmt.Errorf("ensure profile: %w", err)
	}
	return p.Get(ctx, subjectID)
}

func (p *PostgresStore) Get(ctx context.Context, subjectID string) (*Profile, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT subject_id, refund_count, validation_failure_count,
		       fraud_attempt_count, promo_usage_count, warning_count,
		       device_fingerprints, account_created_at,
		       last_score, last_scored_at, created_at, updated_at
		FROM risk_profiles
		WHERE subject_id = $1
	`, subjectID)

	var profile Profile
	var lastScoredAt sql.NullTime
	err := row.Scan(
		&profile.SubjectID,
		&profile.RefundCount,
		&profile.ValidationFailureCount,
		&profile.FraudAttemptCount,
		&profile.PromoUsageCount,
		&profile.WarningCount,
		pq.Array(&profile.DeviceFingerprints),
		&profile.AccountCreatedAt,
		&profile.LastScore,
		&lastScoredAt,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	if lastScoredAt.Valid {
		profile.LastScoredAt = lastScoredAt.Time
	}
	return &profile, nil
}

// IncrementCounter bumps a counter in a single UPDATE so concurrent
// increments never lose updates. The profile row is created if missing.
func (p *PostgresStore) IncrementCounter(ctx context.Context, subjectID string, counter Counter, now time.Time) (int, error) {
	column, err := counterColumn(counter)
	if err != nil {
		return 0, err
	}

	if _, err := p.Ensure(ctx, subjectID, now); err != nil {
		return 0, err
	}

	var newValue int
	err = p.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE risk_profiles
		SET %s = %s + 1, updated_at = $2
		WHERE subject_id = $1
		RETURNING %s
	`, column, column, column), subjectID, now).Scan(&newValue)
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", counter, err)
	}
	return newValue, nil
}

func (p *PostgresStore) AddDeviceFingerprint(ctx context.Context, subjectID, fingerprint string, now time.Time) error {
	if _, err := p.Ensure(ctx, subjectID, now); err != nil {
		return err
	}
	_, err := p.db.ExecContext(ctx, `
		UPDATE risk_profiles
		SET device_fingerprints = array_append(device_fingerprints, $2),
		    updated_at = $3
		WHERE subject_id = $1
		  AND NOT ($2 = ANY(device_fingerprints))
	`, subjectID, fingerprint, now)
	if err != nil {
		return fmt.Errorf("add device fingerprint: %w", err)
	}
	return nil
}

func (p *PostgresStore) SetLastScore(ctx context.Context, subjectID string, score int, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE risk_profiles
		SET last_score = $2, last_scored_at = $3, updated_at = $3
		WHERE subject_id = $1
	`, subjectID, score, at)
	if err != nil {
		return fmt.Errorf("set last score: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrProfileNotFound
	}
	return nil
}
