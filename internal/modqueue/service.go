package modqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/luvio/trustengine/internal/idgen"
	"github.com/luvio/trustengine/internal/logging"
	"github.com/luvio/trustengine/internal/metrics"
	"github.com/luvio/trustengine/internal/retry"
	"github.com/luvio/trustengine/internal/syncutil"
	"github.com/luvio/trustengine/internal/traces"
)

const (
	// DefaultReviewSLA is how long an item may wait before its deadline.
	DefaultReviewSLA = 24 * time.Hour

	// DefaultStaleAfter is how long an item may sit pending before its
	// severity escalates one level.
	DefaultStaleAfter = 12 * time.Hour

	// DefaultMaxPerReviewer caps concurrent in-progress items per reviewer.
	DefaultMaxPerReviewer = 10

	// DefaultSuspendWarnings is the warning count that suspends an account.
	DefaultSuspendWarnings = 3

	autoAssignLockKey = "modqueue/auto-assign"
)

// ServiceConfig tunes queue behaviour. Zero values take the defaults.
type ServiceConfig struct {
	ReviewSLA       time.Duration
	StaleAfter      time.Duration
	MaxPerReviewer  int
	SuspendWarnings int
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.ReviewSLA <= 0 {
		c.ReviewSLA = DefaultReviewSLA
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.MaxPerReviewer <= 0 {
		c.MaxPerReviewer = DefaultMaxPerReviewer
	}
	if c.SuspendWarnings <= 0 {
		c.SuspendWarnings = DefaultSuspendWarnings
	}
	return c
}

// Service implements queue operations over a Store.
type Service struct {
	store     Store
	reviewers ReviewerStore
	feedback  RiskFeedback
	suspender Suspender
	cfg       ServiceConfig

	// assignMu serialises assignment passes so two concurrent
	// auto-assign cycles never both claim the same item.
	assignMu *syncutil.ContextShardedMutex
}

// NewService creates a queue service.
func NewService(store Store, reviewers ReviewerStore, feedback RiskFeedback, suspender Suspender, cfg ServiceConfig) *Service {
	return &Service{
		store:     store,
		reviewers: reviewers,
		feedback:  feedback,
		suspender: suspender,
		cfg:       cfg.withDefaults(),
		assignMu:  syncutil.NewContextShardedMutex(),
	}
}

// EnqueueRequest is the intake payload for a flagged item.
type EnqueueRequest struct {
	SubjectID   string   `json:"subjectId" binding:"required"`
	ContentRef  string   `json:"contentRef" binding:"required"`
	ContentType string   `json:"contentType"`
	Severity    Severity `json:"severity" binding:"required"`
	ReportCount int      `json:"reportCount"`
}

// Enqueue creates a queue item, or folds a duplicate flag for the same
// subject and content into the open item's report count.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest, now time.Time) (*Item, error) {
	ctx, span := traces.StartSpan(ctx, "modqueue.Enqueue", traces.SubjectID(req.SubjectID))
	defer span.End()

	reports := req.ReportCount
	if reports < 1 {
		reports = 1
	}

	existing, err := s.store.FindPendingByContent(ctx, req.SubjectID, req.ContentRef)
	if err == nil {
		return s.aggregateReports(ctx, existing.ID, reports)
	}
	if !errors.Is(err, ErrItemNotFound) {
		return nil, fmt.Errorf("lookup open item: %w", err)
	}

	item := &Item{
		ID:          idgen.WithPrefix("qi_"),
		SubjectID:   req.SubjectID,
		ContentRef:  req.ContentRef,
		ContentType: req.ContentType,
		Severity:    req.Severity,
		ReportCount: reports,
		EnqueuedAt:  now,
		Status:      StatusPending,
		SLADeadline: now.Add(s.cfg.ReviewSLA),
		UpdatedAt:   now,
	}
	if err := s.store.Create(ctx, item); err != nil {
		return nil, fmt.Errorf("create item: %w", err)
	}

	metrics.QueueEnqueuedTotal.WithLabelValues(string(item.Severity)).Inc()
	metrics.QueueDepth.Inc()
	logging.L(ctx).Info("item enqueued",
		"item_id", item.ID,
		"subject_id", item.SubjectID,
		"severity", string(item.Severity))
	return item, nil
}

// aggregateReports bumps the open item's report count instead of
// creating a second row for the same content.
func (s *Service) aggregateReports(ctx context.Context, itemID string, reports int) (*Item, error) {
	var updated *Item
	err := retry.Do(ctx, 3, 10*time.Millisecond, func() error {
		item, err := s.store.Get(ctx, itemID)
		if err != nil {
			return retry.Permanent(err)
		}
		if item.Status == StatusCompleted {
			return retry.Permanent(ErrCompleted)
		}
		item.ReportCount += reports
		if err := s.store.Update(ctx, item); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		updated = item
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate reports: %w", err)
	}
	logging.L(ctx).Info("report aggregated",
		"item_id", updated.ID,
		"report_count", updated.ReportCount)
	return updated, nil
}

// Assign claims a pending item for a reviewer. Saturated reviewers are
// refused; items past pending cannot be claimed.
func (s *Service) Assign(ctx context.Context, itemID, reviewerID string, now time.Time) (*Item, error) {
	ctx, span := traces.StartSpan(ctx, "modqueue.Assign", traces.ItemID(itemID), traces.ReviewerID(reviewerID))
	defer span.End()

	workload, err := s.store.CountInProgress(ctx, reviewerID)
	if err != nil {
		return nil, fmt.Errorf("count workload: %w", err)
	}
	if workload >= s.cfg.MaxPerReviewer {
		return nil, ErrReviewerSaturated
	}

	item, err := s.store.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending {
		if item.Status == StatusCompleted {
			return nil, ErrCompleted
		}
		return nil, ErrInvalidTransition
	}

	item.Status = StatusInProgress
	item.AssignedTo = reviewerID
	item.UpdatedAt = now
	if err := s.store.Update(ctx, item); err != nil {
		return nil, err
	}

	metrics.QueueAssignmentsTotal.Inc()
	metrics.QueueDepth.Dec()
	return item, nil
}

// AutoAssign distributes pending items to the active reviewer roster,
// highest priority first, always to the least loaded reviewer. Items
// are left pending when every reviewer is saturated or an individual
// claim loses a race; the next cycle picks them up.
func (s *Service) AutoAssign(ctx context.Context, now time.Time) (int, error) {
	unlock, err := s.assignMu.LockContext(ctx, autoAssignLockKey)
	if err != nil {
		return 0, err
	}
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "modqueue.AutoAssign")
	defer span.End()

	reviewers, err := s.reviewers.ActiveReviewers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list reviewers: %w", err)
	}
	if len(reviewers) == 0 {
		return 0, nil
	}

	workloads := make(map[string]int, len(reviewers))
	for _, r := range reviewers {
		count, err := s.store.CountInProgress(ctx, r.ID)
		if err != nil {
			return 0, fmt.Errorf("count workload: %w", err)
		}
		workloads[r.ID] = count
	}

	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}
	s.sortByPriority(ctx, pending, now)

	assigned := 0
	for _, item := range pending {
		reviewerID, ok := s.leastLoaded(reviewers, workloads)
		if !ok {
			break // all reviewers saturated
		}

		item.Status = StatusInProgress
		item.AssignedTo = reviewerID
		item.UpdatedAt = now
		if err := s.store.Update(ctx, item); err != nil {
			if errors.Is(err, ErrConflict) {
				logging.L(ctx).Debug("assignment lost race, leaving pending",
					"item_id", item.ID)
				continue
			}
			return assigned, fmt.Errorf("assign %s: %w", item.ID, err)
		}

		workloads[reviewerID]++
		assigned++
		metrics.QueueAssignmentsTotal.Inc()
		metrics.QueueDepth.Dec()
	}

	if assigned > 0 {
		logging.L(ctx).Info("auto-assign cycle complete",
			"assigned", assigned,
			"pending", len(pending)-assigned)
	}
	return assigned, nil
}

// sortByPriority orders items by live priority descending, ties broken
// FIFO by enqueue time.
func (s *Service) sortByPriority(ctx context.Context, items []*Item, now time.Time) {
	priorities := make(map[string]int, len(items))
	for _, item := range items {
		priorities[item.ID] = Priority(item, s.warningCount(ctx, item.SubjectID), now)
	}
	sort.SliceStable(items, func(i, j int) bool {
		pi, pj := priorities[items[i].ID], priorities[items[j].ID]
		if pi != pj {
			return pi > pj
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}

// warningCount reads the subject's warnings, treating feedback outages
// as zero so prioritisation degrades instead of stalling the queue.
func (s *Service) warningCount(ctx context.Context, subjectID string) int {
	if s.feedback == nil {
		return 0
	}
	count, err := s.feedback.WarningCount(ctx, subjectID)
	if err != nil {
		logging.Degraded(ctx, "modqueue", "risk_feedback", err)
		return 0
	}
	return count
}

// leastLoaded picks the unsaturated reviewer with the smallest
// workload, ties broken by roster order.
func (s *Service) leastLoaded(reviewers []*Reviewer, workloads map[string]int) (string, bool) {
	best := ""
	bestLoad := s.cfg.MaxPerReviewer
	for _, r := range reviewers {
		if load := workloads[r.ID]; load < bestLoad {
			best = r.ID
			bestLoad = load
		}
	}
	return best, best != ""
}

// Complete records the reviewer's decision. Reject decisions write back
// into the subject's warning count and may suspend the account.
// Completed items are immutable; a second completion attempt fails.
func (s *Service) Complete(ctx context.Context, itemID string, decision Decision, note, reviewerID string, now time.Time) (*Item, error) {
	ctx, span := traces.StartSpan(ctx, "modqueue.Complete", traces.ItemID(itemID), traces.Decision(string(decision)))
	defer span.End()

	var completed *Item
	err := retry.Do(ctx, 3, 10*time.Millisecond, func() error {
		item, err := s.store.Get(ctx, itemID)
		if err != nil {
			return retry.Permanent(err)
		}
		if item.Status == StatusCompleted {
			return retry.Permanent(ErrCompleted)
		}

		wasPending := item.Status == StatusPending
		item.Status = StatusCompleted
		item.Decision = decision
		item.Note = note
		item.DecidedBy = reviewerID
		item.CompletedAt = now
		item.UpdatedAt = now
		if err := s.store.Update(ctx, item); err != nil {
			if errors.Is(err, ErrConflict) {
				return err
			}
			return retry.Permanent(err)
		}
		if wasPending {
			metrics.QueueDepth.Dec()
		}
		completed = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.QueueCompletedTotal.WithLabelValues(string(decision)).Inc()
	if decision == DecisionReject {
		s.applyRejectFeedback(ctx, completed, now)
	}
	return completed, nil
}

// applyRejectFeedback increments the subject's warning count and
// suspends the account at the threshold. Feedback failures are logged,
// never surfaced: the review itself already completed.
func (s *Service) applyRejectFeedback(ctx context.Context, item *Item, now time.Time) {
	if s.feedback == nil {
		return
	}
	count, err := s.feedback.IncrementWarnings(ctx, item.SubjectID, now)
	if err != nil {
		logging.L(ctx).Error("warning write-back failed",
			"item_id", item.ID,
			"subject_id", item.SubjectID,
			"error", err)
		return
	}
	logging.L(ctx).Info("warning recorded",
		"subject_id", item.SubjectID,
		"warning_count", count)

	if count < s.cfg.SuspendWarnings || s.suspender == nil {
		return
	}
	reason := fmt.Sprintf("warning threshold reached (%d warnings)", count)
	if err := s.suspender.Suspend(ctx, item.SubjectID, reason, now); err != nil {
		logging.L(ctx).Error("suspension failed",
			"subject_id", item.SubjectID,
			"error", err)
		return
	}
	metrics.SuspensionsTotal.Inc()
	logging.L(ctx).Warn("subject suspended",
		"subject_id", item.SubjectID,
		"warning_count", count)
}

// EscalateStale bumps the severity of items pending longer than the
// stale threshold by one level. The escalated flag makes the pass
// idempotent within a stale period; an item becomes eligible again one
// period after its last escalation, until it reaches critical.
func (s *Service) EscalateStale(ctx context.Context, now time.Time) (int, error) {
	ctx, span := traces.StartSpan(ctx, "modqueue.EscalateStale")
	defer span.End()

	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		return 0, fmt.Errorf("list stale: %w", err)
	}

	escalated := 0
	for _, item := range stale {
		if item.Severity == SeverityCritical {
			continue
		}

		item.Severity = item.Severity.Next()
		item.Escalated = true
		item.EscalatedAt = now
		item.UpdatedAt = now
		if err := s.store.Update(ctx, item); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return escalated, fmt.Errorf("escalate %s: %w", item.ID, err)
		}

		escalated++
		metrics.QueueEscalationsTotal.Inc()
		logging.L(ctx).Info("stale item escalated",
			"item_id", item.ID,
			"severity", string(item.Severity),
			"pending_since", item.EnqueuedAt.UTC().Format(time.RFC3339))
	}
	return escalated, nil
}

// ItemView is an Item decorated with its computed priority.
type ItemView struct {
	*Item
	Priority      int           `json:"priority"`
	PriorityLevel PriorityLevel `json:"priorityLevel"`
}

// ListFilter narrows queue listings; PriorityLevel filters on the
// computed level after decoration.
type ListFilter struct {
	Status        Status
	AssignedTo    string
	PriorityLevel PriorityLevel
}

// List returns queue items decorated with live priority, highest first.
func (s *Service) List(ctx context.Context, filter ListFilter, now time.Time) ([]*ItemView, error) {
	items, err := s.store.List(ctx, Filter{Status: filter.Status, AssignedTo: filter.AssignedTo})
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	views := make([]*ItemView, 0, len(items))
	for _, item := range items {
		p := Priority(item, s.warningCount(ctx, item.SubjectID), now)
		view := &ItemView{Item: item, Priority: p, PriorityLevel: LevelFor(p)}
		if filter.PriorityLevel != "" && view.PriorityLevel != filter.PriorityLevel {
			continue
		}
		views = append(views, view)
	}
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].Priority != views[j].Priority {
			return views[i].Priority > views[j].Priority
		}
		return views[i].EnqueuedAt.Before(views[j].EnqueuedAt)
	})
	return views, nil
}

// Get returns one item decorated with live priority.
func (s *Service) Get(ctx context.Context, itemID string, now time.Time) (*ItemView, error) {
	item, err := s.store.Get(ctx, itemID)
	if err != nil {
		return nil, err
	}
	p := Priority(item, s.warningCount(ctx, item.SubjectID), now)
	return &ItemView{Item: item, Priority: p, PriorityLevel: LevelFor(p)}, nil
}

// UpsertReviewer adds or updates a roster entry. New reviewers default
// to active.
func (s *Service) UpsertReviewer(ctx context.Context, reviewer *Reviewer, now time.Time) error {
	if reviewer.ID == "" {
		reviewer.ID = idgen.WithPrefix("rev_")
	}
	existing, err := s.reviewers.Get(ctx, reviewer.ID)
	if err == nil {
		reviewer.CreatedAt = existing.CreatedAt
	} else {
		reviewer.CreatedAt = now
	}
	return s.reviewers.Upsert(ctx, reviewer)
}

// Reviewers returns the active roster.
func (s *Service) Reviewers(ctx context.Context) ([]*Reviewer, error) {
	return s.reviewers.ActiveReviewers(ctx)
}
