// Package accounts tracks per-subject account state. Suspension status
// is a hard-deny input: checks read the authoritative store directly
// and never fail open.
package accounts

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAccountNotFound indicates an unknown subject.
	ErrAccountNotFound = errors.New("accounts: account not found")

	// ErrSuspended indicates the subject's account is suspended.
	ErrSuspended = errors.New("accounts: account suspended")
)

// Status is the account lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Account is one subject's standing on the platform.
type Account struct {
	SubjectID   string    `json:"subjectId"`
	Status      Status    `json:"status"`
	Tier        string    `json:"tier"`
	Reason      string    `json:"reason,omitempty"`
	SuspendedAt time.Time `json:"suspendedAt,omitzero"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Store persists accounts.
type Store interface {
	// Ensure returns the account, creating an active standard-tier one
	// if the subject is new.
	Ensure(ctx context.Context, subjectID string, now time.Time) (*Account, error)

	// Get returns the account or ErrAccountNotFound.
	Get(ctx context.Context, subjectID string) (*Account, error)

	// SetStatus updates status, reason and suspension time.
	SetStatus(ctx context.Context, subjectID string, status Status, reason string, now time.Time) error
}
