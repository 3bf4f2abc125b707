package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/luvio/trustengine/internal/counterstore"
	"github.com/luvio/trustengine/internal/logging"
	"github.com/luvio/trustengine/internal/metrics"
	"github.com/luvio/trustengine/internal/retry"
)

// Key families in the counter store.
const (
	windowKeys = "rl/"
	blockKeys  = "block/"
	grantKeys  = "grant/"
)

// ErrNoUnits indicates a consumable grant is exhausted or absent.
var ErrNoUnits = errors.New("ratelimit: no units remaining")

// Limiter makes admission decisions against the counter store.
type Limiter struct {
	counters counterstore.Store
	limits   Limits
}

// New creates a limiter with the default rule catalogue.
func New(counters counterstore.Store) *Limiter {
	return &Limiter{counters: counters, limits: DefaultLimits()}
}

// WithLimits replaces the rule catalogue.
func (l *Limiter) WithLimits(limits Limits) *Limiter {
	l.limits = limits
	return l
}

func windowKey(subjectID string, action Action, windowStart time.Time) string {
	return fmt.Sprintf("%s%s/%s/%d", windowKeys, subjectID, action, windowStart.Unix())
}

func blockKey(subjectID string, action Action) string {
	return fmt.Sprintf("%s%s/%s", blockKeys, subjectID, action)
}

func grantKey(subjectID, resource string) string {
	return fmt.Sprintf("%s%s/%s", grantKeys, subjectID, resource)
}

// Consume spends one unit of the subject's quota for an action. The
// window count is advanced with a single atomic increment, so
// concurrent callers can never overrun the quota or lose updates.
func (l *Limiter) Consume(ctx context.Context, subject Subject, action Action, now time.Time) Result {
	if res, blocked := l.checkBlock(ctx, subject.ID, action, now); blocked {
		metrics.RateLimitDecisionsTotal.WithLabelValues(string(action), "blocked").Inc()
		return res
	}

	rule := l.limits.RuleFor(subject.Tier, action)
	windowStart := now.Truncate(rule.Window)
	windowEnd := windowStart.Add(rule.Window)

	count, err := l.counters.AtomicIncrement(ctx, windowKey(subject.ID, action, windowStart), 1, rule.Window)
	if err != nil {
		return l.failOpen(ctx, subject.ID, action, err)
	}

	if count > rule.Quota {
		metrics.RateLimitDecisionsTotal.WithLabelValues(string(action), "denied").Inc()
		return Result{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: windowEnd.Sub(now),
		}
	}

	metrics.RateLimitDecisionsTotal.WithLabelValues(string(action), "allowed").Inc()
	return Result{Allowed: true, Remaining: rule.Quota - count}
}

// Remaining reports the quota left in the current window without
// consuming a unit.
func (l *Limiter) Remaining(ctx context.Context, subject Subject, action Action, now time.Time) int64 {
	rule := l.limits.RuleFor(subject.Tier, action)
	windowStart := now.Truncate(rule.Window)

	value, _, err := l.counters.Get(ctx, windowKey(subject.ID, action, windowStart))
	if err != nil {
		if errors.Is(err, counterstore.ErrNotFound) {
			return rule.Quota
		}
		logging.Degraded(ctx, "ratelimit", "counterstore", err)
		return -1
	}

	count, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return rule.Quota
	}
	if count >= rule.Quota {
		return 0
	}
	return rule.Quota - count
}

// Penalize applies a punitive block that overrides the window's
// natural reset. Duration zero uses the rule's configured block.
func (l *Limiter) Penalize(ctx context.Context, subject Subject, action Action, duration time.Duration, now time.Time) error {
	if duration <= 0 {
		duration = l.limits.RuleFor(subject.Tier, action).Block
	}
	until := now.Add(duration)

	key := blockKey(subject.ID, action)
	if err := l.counters.Put(ctx, key, strconv.FormatInt(until.Unix(), 10)); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	logging.L(ctx).Warn("subject penalized",
		"subject_id", subject.ID,
		"action", string(action),
		"blocked_until", until.UTC().Format(time.RFC3339))
	return nil
}

// checkBlock reports whether a punitive block is in force. Block reads
// fail open like everything else on the admission path.
func (l *Limiter) checkBlock(ctx context.Context, subjectID string, action Action, now time.Time) (Result, bool) {
	value, _, err := l.counters.Get(ctx, blockKey(subjectID, action))
	if err != nil {
		if !errors.Is(err, counterstore.ErrNotFound) {
			logging.Degraded(ctx, "ratelimit", "counterstore", err)
		}
		return Result{}, false
	}

	until, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return Result{}, false
	}
	blockedUntil := time.Unix(until, 0)
	if !now.Before(blockedUntil) {
		return Result{}, false
	}
	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: blockedUntil.Sub(now),
		Blocked:    true,
	}, true
}

// Grant sets the consumable balance for a resource. Grants have no
// window; they deplete until exhausted.
func (l *Limiter) Grant(ctx context.Context, subject Subject, resource string, units int64) error {
	if err := l.counters.Put(ctx, grantKey(subject.ID, resource), strconv.FormatInt(units, 10)); err != nil {
		return fmt.Errorf("write grant: %w", err)
	}
	return nil
}

// ConsumeGrant atomically spends one unit of a finite grant. Zero
// remaining denies regardless of elapsed time; this path never touches
// window state. Contended decrements retry with backoff.
func (l *Limiter) ConsumeGrant(ctx context.Context, subject Subject, resource string) Result {
	key := grantKey(subject.ID, resource)

	var remaining int64
	err := retry.Do(ctx, 3, 10*time.Millisecond, func() error {
		value, version, err := l.counters.Get(ctx, key)
		if err != nil {
			if errors.Is(err, counterstore.ErrNotFound) {
				return retry.Permanent(ErrNoUnits)
			}
			return retry.Permanent(err)
		}

		units, err := strconv.ParseInt(value, 10, 64)
		if err != nil || units <= 0 {
			return retry.Permanent(ErrNoUnits)
		}

		ok, err := l.counters.CompareAndSwap(ctx, key, version, strconv.FormatInt(units-1, 10))
		if err != nil {
			return retry.Permanent(err)
		}
		if !ok {
			return counterstore.ErrConflict
		}
		remaining = units - 1
		return nil
	})

	switch {
	case err == nil:
		metrics.RateLimitDecisionsTotal.WithLabelValues("grant:"+resource, "allowed").Inc()
		return Result{Allowed: true, Remaining: remaining}
	case errors.Is(err, ErrNoUnits), errors.Is(err, counterstore.ErrConflict):
		metrics.RateLimitDecisionsTotal.WithLabelValues("grant:"+resource, "denied").Inc()
		return Result{Allowed: false, Remaining: 0}
	default:
		return l.failOpen(ctx, subject.ID, Action("grant:"+resource), err)
	}
}

// RemainingGrant reports the consumable balance without spending.
func (l *Limiter) RemainingGrant(ctx context.Context, subject Subject, resource string) int64 {
	value, _, err := l.counters.Get(ctx, grantKey(subject.ID, resource))
	if err != nil {
		if errors.Is(err, counterstore.ErrNotFound) {
			return 0
		}
		logging.Degraded(ctx, "ratelimit", "counterstore", err)
		return -1
	}
	units, err := strconv.ParseInt(value, 10, 64)
	if err != nil || units < 0 {
		return 0
	}
	return units
}

func (l *Limiter) failOpen(ctx context.Context, subjectID string, action Action, err error) Result {
	logging.L(ctx).Warn("rate limit store unavailable, failing open",
		"subject_id", subjectID,
		"action", string(action),
		"error", err)
	metrics.RateLimitFailOpenTotal.Inc()
	metrics.RateLimitDecisionsTotal.WithLabelValues(string(action), "fail_open").Inc()
	return Result{Allowed: true, Remaining: -1}
}
