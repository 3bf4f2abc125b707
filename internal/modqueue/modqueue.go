// Package modqueue manages the human review queue for flagged content.
// Items carry a severity set at intake and an audit trail of who decided
// what; their priority is never stored, it is recomputed from the item's
// current fields and the clock on every read so ageing is always live.
package modqueue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrItemNotFound indicates an unknown queue item id.
	ErrItemNotFound = errors.New("modqueue: item not found")

	// ErrConflict indicates an update lost to a concurrent writer.
	ErrConflict = errors.New("modqueue: version conflict")

	// ErrCompleted indicates a mutation attempt on a completed item.
	ErrCompleted = errors.New("modqueue: item already completed")

	// ErrInvalidTransition indicates a state change the queue does not allow.
	ErrInvalidTransition = errors.New("modqueue: invalid status transition")

	// ErrReviewerSaturated indicates the reviewer is at max workload.
	ErrReviewerSaturated = errors.New("modqueue: reviewer at capacity")
)

// Severity classifies how harmful the flagged content may be.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ValidSeverity returns true if the severity name is recognised.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Next returns the severity one level up. Critical stays critical.
func (s Severity) Next() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	case SeverityHigh:
		return SeverityCritical
	}
	return s
}

// Status is the review lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Decision is the reviewer's verdict on a completed item.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ValidDecision returns true if the decision name is recognised.
func ValidDecision(d Decision) bool {
	return d == DecisionApprove || d == DecisionReject
}

// ContentTypePhoto marks image content, which reviews ahead of text.
const ContentTypePhoto = "photo"

// Item is one flagged piece of content awaiting review. Completed items
// are immutable except for audit metadata.
type Item struct {
	ID          string    `json:"id"`
	SubjectID   string    `json:"subjectId"`
	ContentRef  string    `json:"contentRef"`
	ContentType string    `json:"contentType,omitempty"`
	Severity    Severity  `json:"severity"`
	ReportCount int       `json:"reportCount"`
	EnqueuedAt  time.Time `json:"enqueuedAt"`
	AssignedTo  string    `json:"assignedTo,omitempty"`
	Status      Status    `json:"status"`
	Decision    Decision  `json:"decision,omitempty"`
	Note        string    `json:"note,omitempty"`
	DecidedBy   string    `json:"decidedBy,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitzero"`
	SLADeadline time.Time `json:"slaDeadline"`
	Escalated   bool      `json:"escalated"`
	EscalatedAt time.Time `json:"escalatedAt,omitzero"`

	// Version guards optimistic updates. Bumped by the store on every
	// successful write.
	Version   int64     `json:"-"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status     Status
	AssignedTo string
	SubjectID  string
}

// Store persists queue items.
type Store interface {
	Create(ctx context.Context, item *Item) error

	// Get returns the item or ErrItemNotFound.
	Get(ctx context.Context, id string) (*Item, error)

	// Update writes the item if its Version still matches, then bumps
	// the version. Returns ErrConflict on a lost race.
	Update(ctx context.Context, item *Item) error

	List(ctx context.Context, filter Filter) ([]*Item, error)

	// ListPending returns pending items ordered by enqueue time.
	ListPending(ctx context.Context) ([]*Item, error)

	// CountInProgress returns the reviewer's live workload.
	CountInProgress(ctx context.Context, reviewerID string) (int, error)

	// ListStale returns pending items whose escalation clock (enqueue
	// time, or last escalation time once escalated) is at or before the
	// cutoff.
	ListStale(ctx context.Context, before time.Time) ([]*Item, error)

	// FindPendingByContent returns an open item for the same subject and
	// content ref, or ErrItemNotFound.
	FindPendingByContent(ctx context.Context, subjectID, contentRef string) (*Item, error)
}

// Reviewer is a human moderator eligible for auto-assignment.
type Reviewer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// ReviewerStore persists the reviewer roster.
type ReviewerStore interface {
	Upsert(ctx context.Context, reviewer *Reviewer) error
	Get(ctx context.Context, id string) (*Reviewer, error)
	ActiveReviewers(ctx context.Context) ([]*Reviewer, error)
}

// RiskFeedback is the write-back channel into the subject's risk state.
// Reject decisions increment warnings; priority reads the current count.
type RiskFeedback interface {
	IncrementWarnings(ctx context.Context, subjectID string, now time.Time) (int, error)
	WarningCount(ctx context.Context, subjectID string) (int, error)
}

// Suspender suspends a subject's account once warnings cross the
// threshold.
type Suspender interface {
	Suspend(ctx context.Context, subjectID, reason string, now time.Time) error
}
