// Package risk implements fraud scoring for platform subjects.
//
// Every inbound event (purchase validation, content flag, warning) updates
// a subject's risk profile; callers then ask for a 0-100 fraud score built
// from bounded, independently-testable signal contributions. Scores are
// deterministic: identical profile counters and an identical evaluation
// time always produce the identical score, so callers pass `now` explicitly.
//
// Two checks deliberately sit outside the additive model because they are
// hard deny rules needing strongly-consistent reads: receipt replay
// (RedeemReceipt) and account suspension (checked by the accounts package).
package risk

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrProfileNotFound indicates no profile exists for the subject.
	ErrProfileNotFound = errors.New("risk profile not found")

	// ErrReceiptReplayed indicates the transaction id was already redeemed.
	ErrReceiptReplayed = errors.New("receipt already redeemed")

	// ErrUnknownCounter indicates an unrecognised counter name.
	ErrUnknownCounter = errors.New("unknown profile counter")
)

// Level buckets a numeric score for policy decisions.
type Level string

const (
	LevelLow      Level = "low"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
)

// RejectThreshold is the score at or above which transactions are
// rejected outright.
const RejectThreshold = 70

// LevelFor maps a score to its coarse level.
func LevelFor(score int) Level {
	switch {
	case score >= RejectThreshold:
		return LevelHigh
	case score >= 40:
		return LevelElevated
	default:
		return LevelLow
	}
}

// Profile accumulates per-subject fraud counters. Counters only ever
// increase and profiles are never deleted; they are the audit trail the
// scorer reads.
type Profile struct {
	SubjectID              string    `json:"subjectId"`
	RefundCount            int       `json:"refundCount"`
	ValidationFailureCount int       `json:"validationFailureCount"`
	FraudAttemptCount      int       `json:"fraudAttemptCount"`
	PromoUsageCount        int       `json:"promoUsageCount"`
	WarningCount           int       `json:"warningCount"`
	DeviceFingerprints     []string  `json:"deviceFingerprints"`
	AccountCreatedAt       time.Time `json:"accountCreatedAt"`
	LastScore              int       `json:"lastScore"`
	LastScoredAt           time.Time `json:"lastScoredAt,omitzero"`
	CreatedAt              time.Time `json:"createdAt"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Counter names a monotonic profile counter for IncrementCounter.
type Counter string

const (
	CounterRefunds            Counter = "refunds"
	CounterValidationFailures Counter = "validation_failures"
	CounterFraudAttempts      Counter = "fraud_attempts"
	CounterPromoUses          Counter = "promo_uses"
	CounterWarnings           Counter = "warnings"
)

// Context carries the caller-supplied facts about the event being scored.
// Everything in here comes from the request, not from storage, so the
// scoring function stays pure.
type Context struct {
	DeviceID         string        `json:"deviceId,omitempty"`
	Device           DeviceSignals `json:"device"`
	PurchaseUSD      float64       `json:"purchaseUsd,omitempty"`
	ProfileComplete  bool          `json:"profileComplete"`
	RapidRefundCycle bool          `json:"rapidRefundCycle"`
}

// DeviceSignals are the tamper indicators reported with a transaction.
type DeviceSignals struct {
	BundleID               string `json:"bundleId,omitempty"`
	EnvironmentMismatch    bool   `json:"environmentMismatch"`
	MissingReceiptMetadata bool   `json:"missingReceiptMetadata"`
	JailbreakFlag          bool   `json:"jailbreakFlag"`
}

// Assessment is the result of scoring a subject.
type Assessment struct {
	SubjectID   string    `json:"subjectId"`
	Score       int       `json:"score"`
	Level       Level     `json:"level"`
	Reasons     []string  `json:"reasons"`
	Degraded    []string  `json:"degraded,omitempty"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// ProfileStore persists risk profiles.
type ProfileStore interface {
	// Ensure returns the profile for a subject, creating it lazily on
	// first contact. AccountCreatedAt defaults to now for new profiles.
	Ensure(ctx context.Context, subjectID string, now time.Time) (*Profile, error)

	// Get returns the profile or ErrProfileNotFound.
	Get(ctx context.Context, subjectID string) (*Profile, error)

	// IncrementCounter bumps a monotonic counter and returns the new value.
	// The subject's profile is created if missing.
	IncrementCounter(ctx context.Context, subjectID string, counter Counter, now time.Time) (int, error)

	// AddDeviceFingerprint appends a fingerprint if not already present.
	AddDeviceFingerprint(ctx context.Context, subjectID, fingerprint string, now time.Time) error

	// SetLastScore records the most recent assessment on the profile.
	SetLastScore(ctx context.Context, subjectID string, score int, at time.Time) error
}
