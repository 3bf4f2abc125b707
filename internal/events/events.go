// Package events ingests the inbound platform events that drive the
// trust engine: purchase validations, content flags and user warnings.
// Each event passes admission control first, then updates risk state,
// and may leave an item in the moderation queue.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luvio/trustengine/internal/accounts"
	"github.com/luvio/trustengine/internal/logging"
	"github.com/luvio/trustengine/internal/modqueue"
	"github.com/luvio/trustengine/internal/ratelimit"
	"github.com/luvio/trustengine/internal/risk"
)

// ErrRateLimited indicates the event was refused by admission control.
var ErrRateLimited = errors.New("events: rate limited")

// Service routes inbound events through the decision pipeline.
type Service struct {
	limiter      *ratelimit.Limiter
	risk         *risk.Engine
	queue        *modqueue.Service
	accounts     *accounts.Service
	suspendAfter int
}

// NewService creates an event ingestion service.
func NewService(limiter *ratelimit.Limiter, engine *risk.Engine, queue *modqueue.Service, accts *accounts.Service) *Service {
	return &Service{
		limiter:      limiter,
		risk:         engine,
		queue:        queue,
		accounts:     accts,
		suspendAfter: modqueue.DefaultSuspendWarnings,
	}
}

// WithSuspendThreshold overrides the warning count that suspends an
// account. Keep it in line with the moderation queue's setting.
func (s *Service) WithSuspendThreshold(n int) *Service {
	if n > 0 {
		s.suspendAfter = n
	}
	return s
}

// subjectFor resolves the rate-limit identity, mapping the account tier
// onto the rule catalogue. Unknown subjects are standard tier.
func (s *Service) subjectFor(ctx context.Context, subjectID string, now time.Time) ratelimit.Subject {
	subject := ratelimit.Subject{ID: subjectID, Tier: ratelimit.TierStandard}
	account, err := s.accounts.Ensure(ctx, subjectID, now)
	if err != nil {
		logging.Degraded(ctx, "events", "accounts", err)
		return subject
	}
	if ratelimit.ValidTier(ratelimit.Tier(account.Tier)) {
		subject.Tier = ratelimit.Tier(account.Tier)
	}
	return subject
}

// PurchaseValidated is the inbound purchase validation event.
type PurchaseValidated struct {
	SubjectID     string             `json:"subjectId" binding:"required"`
	TransactionID string             `json:"transactionId" binding:"required"`
	AmountUSD     float64            `json:"amountUsd"`
	DeviceID      string             `json:"deviceId"`
	Device        risk.DeviceSignals `json:"device"`
	PromoCode     string             `json:"promoCode"`
	ProfileDone   bool               `json:"profileComplete"`
}

// PurchaseResult is the engine's verdict on a purchase.
type PurchaseResult struct {
	Assessment *risk.Assessment `json:"assessment"`
	Rejected   bool             `json:"rejected"`
	QueueItem  *modqueue.Item   `json:"queueItem,omitempty"`
}

// HandlePurchaseValidated runs the full purchase pipeline: suspension
// and receipt-replay hard denies, rate-limit admission, profile
// mutation, scoring, and a queue referral for high-risk outcomes.
func (s *Service) HandlePurchaseValidated(ctx context.Context, ev PurchaseValidated, now time.Time) (*PurchaseResult, ratelimit.Result, error) {
	// Hard deny: suspended subjects transact nothing.
	if err := s.accounts.CheckActive(ctx, ev.SubjectID); err != nil {
		return nil, ratelimit.Result{}, err
	}

	admission := s.limiter.Consume(ctx, s.subjectFor(ctx, ev.SubjectID, now), ratelimit.ActionPurchaseValidated, now)
	if !admission.Allowed {
		return nil, admission, ErrRateLimited
	}

	// Hard deny: each transaction id is redeemable exactly once.
	if err := s.risk.RedeemReceipt(ctx, ev.TransactionID, ev.SubjectID); err != nil {
		return nil, admission, err
	}

	s.risk.RecordPurchase(ctx, ev.SubjectID, now)
	if ev.DeviceID != "" {
		if err := s.risk.RecordDevice(ctx, ev.SubjectID, ev.DeviceID, now); err != nil {
			logging.Degraded(ctx, "events", "risk_profile", err)
		}
	}
	if ev.PromoCode != "" {
		if err := s.risk.RecordPromoUse(ctx, ev.SubjectID, now); err != nil {
			logging.Degraded(ctx, "events", "risk_profile", err)
		}
	}

	sctx := risk.Context{
		DeviceID:         ev.DeviceID,
		Device:           ev.Device,
		PurchaseUSD:      ev.AmountUSD,
		ProfileComplete:  ev.ProfileDone,
		RapidRefundCycle: s.risk.DetectRapidRefundCycle(ctx, ev.SubjectID, now),
	}
	assessment, err := s.risk.Score(ctx, ev.SubjectID, sctx, now)
	if err != nil {
		return nil, admission, fmt.Errorf("score purchase: %w", err)
	}

	result := &PurchaseResult{
		Assessment: assessment,
		Rejected:   assessment.Score >= risk.RejectThreshold,
	}
	if result.Rejected {
		if err := s.risk.RecordFraudAttempt(ctx, ev.SubjectID, now); err != nil {
			logging.Degraded(ctx, "events", "risk_profile", err)
		}
		item, err := s.queue.Enqueue(ctx, modqueue.EnqueueRequest{
			SubjectID:  ev.SubjectID,
			ContentRef: "purchase:" + ev.TransactionID,
			Severity:   modqueue.SeverityHigh,
		}, now)
		if err != nil {
			logging.L(ctx).Error("failed to enqueue rejected purchase",
				"subject_id", ev.SubjectID,
				"transaction_id", ev.TransactionID,
				"error", err)
		} else {
			result.QueueItem = item
		}
	}
	return result, admission, nil
}

// ContentFlagged is the inbound content report event.
type ContentFlagged struct {
	SubjectID   string            `json:"subjectId" binding:"required"`
	ContentRef  string            `json:"contentRef" binding:"required"`
	ContentType string            `json:"contentType"`
	Severity    modqueue.Severity `json:"severity" binding:"required"`
	ReporterID  string            `json:"reporterId"`
}

// HandleContentFlagged admits the report and enqueues the content for
// review. Repeat flags for the same content aggregate into one item.
func (s *Service) HandleContentFlagged(ctx context.Context, ev ContentFlagged, now time.Time) (*modqueue.Item, ratelimit.Result, error) {
	// Reports are limited by reporter, not by the reported subject, so
	// one target cannot exhaust its own reporting quota.
	limitedID := ev.ReporterID
	if limitedID == "" {
		limitedID = ev.SubjectID
	}
	admission := s.limiter.Consume(ctx, s.subjectFor(ctx, limitedID, now), ratelimit.ActionContentFlagged, now)
	if !admission.Allowed {
		return nil, admission, ErrRateLimited
	}

	item, err := s.queue.Enqueue(ctx, modqueue.EnqueueRequest{
		SubjectID:   ev.SubjectID,
		ContentRef:  ev.ContentRef,
		ContentType: ev.ContentType,
		Severity:    ev.Severity,
	}, now)
	if err != nil {
		return nil, admission, fmt.Errorf("enqueue flagged content: %w", err)
	}
	return item, admission, nil
}

// UserWarned is the inbound manual warning event.
type UserWarned struct {
	SubjectID string `json:"subjectId" binding:"required"`
	Reason    string `json:"reason"`
}

// WarnResult reports the warning count and whether it crossed the
// suspension threshold.
type WarnResult struct {
	WarningCount int  `json:"warningCount"`
	Suspended    bool `json:"suspended"`
}

// HandleUserWarned increments the subject's warning count and suspends
// the account at the threshold, same loop as a reject decision.
func (s *Service) HandleUserWarned(ctx context.Context, ev UserWarned, now time.Time) (*WarnResult, ratelimit.Result, error) {
	admission := s.limiter.Consume(ctx, s.subjectFor(ctx, ev.SubjectID, now), ratelimit.ActionUserWarned, now)
	if !admission.Allowed {
		return nil, admission, ErrRateLimited
	}

	count, err := s.risk.IncrementWarnings(ctx, ev.SubjectID, now)
	if err != nil {
		return nil, admission, fmt.Errorf("increment warnings: %w", err)
	}

	result := &WarnResult{WarningCount: count}
	if count >= s.suspendAfter {
		reason := ev.Reason
		if reason == "" {
			reason = fmt.Sprintf("warning threshold reached (%d warnings)", count)
		}
		if err := s.accounts.Suspend(ctx, ev.SubjectID, reason, now); err != nil {
			logging.L(ctx).Error("suspension failed",
				"subject_id", ev.SubjectID,
				"error", err)
		} else {
			result.Suspended = true
		}
	}
	return result, admission, nil
}
