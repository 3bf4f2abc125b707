package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luvio/trustengine/internal/counterstore"
	"github.com/luvio/trustengine/internal/logging"
	"github.com/luvio/trustengine/internal/metrics"
	"github.com/luvio/trustengine/internal/traces"
)

// Counter-store key families used by the engine.
const (
	purchaseEvents = "purchases/" // + subjectID
	refundEvents   = "refunds/"   // + subjectID
	deviceBucket   = "device/"    // + deviceID, members are subject ids
	receiptKeys    = "receipt/"   // + transactionID
)

// rapidCycleWindow is the span in which a purchase followed by a refund
// counts as cycling.
const rapidCycleWindow = time.Hour

// Engine computes fraud scores from accumulated profile counters plus
// shared counter-store signals, and owns the profile mutations driven by
// inbound events.
type Engine struct {
	profiles   ProfileStore
	counters   counterstore.Store
	thresholds Thresholds
}

// NewEngine creates a scoring engine with default thresholds.
func NewEngine(profiles ProfileStore, counters counterstore.Store) *Engine {
	return &Engine{
		profiles:   profiles,
		counters:   counters,
		thresholds: DefaultThresholds(),
	}
}

// WithThresholds overrides the default signal thresholds.
func (e *Engine) WithThresholds(t Thresholds) *Engine {
	e.thresholds = t
	return e
}

// Score evaluates a subject and returns the capped additive assessment.
//
// Purely counter-driven signals are deterministic in (profile, sctx, now).
// Signals that read the shared counter store fail open: an unavailable
// store contributes zero points and the signal name lands in
// Assessment.Degraded.
func (e *Engine) Score(ctx context.Context, subjectID string, sctx Context, now time.Time) (*Assessment, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Score", traces.SubjectID(subjectID))
	defer span.End()

	profile, err := e.profiles.Ensure(ctx, subjectID, now)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	total := 0
	var reasons []string
	var degraded []string

	add := func(points int, reason string) {
		if points > 0 {
			total += points
			reasons = append(reasons, reason)
		}
	}

	add(refundHistorySignal(profile))
	add(validationFailureSignal(profile))
	add(accountAgeSignal(profile, now))
	add(jailbreakSignal(&sctx))
	add(promoAbuseSignal(profile))
	add(rapidCycleSignal(&sctx))
	add(fraudAttemptSignal(profile))

	// Velocity: purchase-event counts from the shared store, fail-open.
	hourly, daily, err := e.purchaseCounts(ctx, subjectID, now)
	if err != nil {
		degraded = append(degraded, "velocity")
		logging.Degraded(ctx, "risk.velocity", "counterstore", err)
		metrics.DegradedSignalsTotal.WithLabelValues("velocity").Inc()
	} else {
		add(velocitySignal(hourly, daily, e.thresholds))
	}

	// Device sharing: distinct subjects on this device, fail-open.
	if sctx.DeviceID != "" {
		subjects, err := e.counters.CountDistinct(ctx, deviceBucket+sctx.DeviceID)
		if err != nil {
			degraded = append(degraded, "device_sharing")
			logging.Degraded(ctx, "risk.device_sharing", "counterstore", err)
			metrics.DegradedSignalsTotal.WithLabelValues("device_sharing").Inc()
		} else {
			add(deviceSharingSignal(subjects, e.thresholds))
		}
	}

	add(behavioralSignal(profile, &sctx, e.thresholds))

	if total > 100 {
		total = 100
	}

	assessment := &Assessment{
		SubjectID:   subjectID,
		Score:       total,
		Level:       LevelFor(total),
		Reasons:     reasons,
		Degraded:    degraded,
		EvaluatedAt: now,
	}

	span.SetAttributes(traces.Score(total))
	metrics.RiskScores.Observe(float64(total))
	metrics.RiskAssessmentsTotal.WithLabelValues(string(assessment.Level)).Inc()

	// Best-effort audit of the last computed score.
	if err := e.profiles.SetLastScore(ctx, subjectID, total, now); err != nil {
		logging.L(ctx).Warn("failed to record last score",
			"subject_id", subjectID,
			"error", err,
		)
	}

	return assessment, nil
}

func (e *Engine) purchaseCounts(ctx context.Context, subjectID string, now time.Time) (hourly, daily int, err error) {
	hourly, err = e.counters.CountEventsSince(ctx, purchaseEvents+subjectID, now.Add(-time.Hour), now)
	if err != nil {
		return 0, 0, err
	}
	daily, err = e.counters.CountEventsSince(ctx, purchaseEvents+subjectID, now.Add(-24*time.Hour), now)
	if err != nil {
		return 0, 0, err
	}
	return hourly, daily, nil
}

// Profile returns the accumulated profile for a subject.
func (e *Engine) Profile(ctx context.Context, subjectID string) (*Profile, error) {
	return e.profiles.Get(ctx, subjectID)
}

// RedeemReceipt claims a purchase transaction id for a subject. The
// first claim wins; any later claim returns ErrReceiptReplayed. This is
// a hard deny rule: it needs a strongly-consistent first-use check, so
// store unavailability propagates instead of failing open.
func (e *Engine) RedeemReceipt(ctx context.Context, transactionID, subjectID string) error {
	ok, err := e.counters.CompareAndSwap(ctx, receiptKeys+transactionID, 0, subjectID)
	if err != nil {
		return fmt.Errorf("redeem receipt: %w", err)
	}
	if !ok {
		metrics.ReceiptReplaysTotal.Inc()
		return ErrReceiptReplayed
	}
	return nil
}

// RecordPurchase registers a purchase event for velocity tracking.
// Event recording is advisory; an unavailable store degrades silently
// beyond a log line.
func (e *Engine) RecordPurchase(ctx context.Context, subjectID string, now time.Time) {
	if err := e.counters.RecordEvent(ctx, purchaseEvents+subjectID, now); err != nil {
		logging.Degraded(ctx, "risk.record_purchase", "counterstore", err)
	}
}

// RecordRefund bumps the refund counter and registers a refund event.
func (e *Engine) RecordRefund(ctx context.Context, subjectID string, now time.Time) error {
	if _, err := e.profiles.IncrementCounter(ctx, subjectID, CounterRefunds, now); err != nil {
		return err
	}
	if err := e.counters.RecordEvent(ctx, refundEvents+subjectID, now); err != nil {
		logging.Degraded(ctx, "risk.record_refund", "counterstore", err)
	}
	return nil
}

// RecordValidationFailure bumps the validation-failure counter.
func (e *Engine) RecordValidationFailure(ctx context.Context, subjectID string, now time.Time) error {
	_, err := e.profiles.IncrementCounter(ctx, subjectID, CounterValidationFailures, now)
	return err
}

// RecordFraudAttempt bumps the fraud-attempt counter.
func (e *Engine) RecordFraudAttempt(ctx context.Context, subjectID string, now time.Time) error {
	_, err := e.profiles.IncrementCounter(ctx, subjectID, CounterFraudAttempts, now)
	return err
}

// RecordPromoUse bumps the promo-usage counter.
func (e *Engine) RecordPromoUse(ctx context.Context, subjectID string, now time.Time) error {
	_, err := e.profiles.IncrementCounter(ctx, subjectID, CounterPromoUses, now)
	return err
}

// RecordDevice associates a device fingerprint with a subject, both on
// the profile and in the shared distinct-count bucket other subjects'
// scores read.
func (e *Engine) RecordDevice(ctx context.Context, subjectID, deviceID string, now time.Time) error {
	if deviceID == "" {
		return nil
	}
	if err := e.profiles.AddDeviceFingerprint(ctx, subjectID, deviceID, now); err != nil {
		return err
	}
	if err := e.counters.AddDistinct(ctx, deviceBucket+deviceID, subjectID); err != nil {
		logging.Degraded(ctx, "risk.record_device", "counterstore", err)
	}
	return nil
}

// IncrementWarnings bumps the warning counter and returns the new count.
// Called by the moderation queue's reject write-back.
func (e *Engine) IncrementWarnings(ctx context.Context, subjectID string, now time.Time) (int, error) {
	return e.profiles.IncrementCounter(ctx, subjectID, CounterWarnings, now)
}

// WarningCount reports the subject's accumulated warnings. Unknown
// subjects have zero.
func (e *Engine) WarningCount(ctx context.Context, subjectID string) (int, error) {
	profile, err := e.profiles.Get(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return profile.WarningCount, nil
}

// DetectRapidRefundCycle reports whether the subject both purchased and
// refunded within the trailing hour. Fail-open: an unavailable store
// reports false.
func (e *Engine) DetectRapidRefundCycle(ctx context.Context, subjectID string, now time.Time) bool {
	since := now.Add(-rapidCycleWindow)
	purchases, err := e.counters.CountEventsSince(ctx, purchaseEvents+subjectID, since, now)
	if err != nil {
		logging.Degraded(ctx, "risk.rapid_cycle", "counterstore", err)
		return false
	}
	refunds, err := e.counters.CountEventsSince(ctx, refundEvents+subjectID, since, now)
	if err != nil {
		logging.Degraded(ctx, "risk.rapid_cycle", "counterstore", err)
		return false
	}
	return purchases >= 1 && refunds >= 1
}

// IsUnavailable reports whether err is a counter-store outage.
func IsUnavailable(err error) bool {
	return errors.Is(err, counterstore.ErrUnavailable)
}
