package accounts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/luvio/trustengine/internal/logging"
)

// Service implements account operations, including the Suspender side
// of the moderation feedback loop.
type Service struct {
	store Store
}

// NewService creates an account service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Get returns the subject's account.
func (s *Service) Get(ctx context.Context, subjectID string) (*Account, error) {
	return s.store.Get(ctx, subjectID)
}

// Ensure returns the account, creating it for new subjects.
func (s *Service) Ensure(ctx context.Context, subjectID string, now time.Time) (*Account, error) {
	return s.store.Ensure(ctx, subjectID, now)
}

// Suspend marks the account suspended. Suspending an already-suspended
// account is a no-op, keeping the original suspension time.
func (s *Service) Suspend(ctx context.Context, subjectID, reason string, now time.Time) error {
	account, err := s.store.Ensure(ctx, subjectID, now)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	if account.Status == StatusSuspended {
		return nil
	}
	if err := s.store.SetStatus(ctx, subjectID, StatusSuspended, reason, now); err != nil {
		return fmt.Errorf("suspend account: %w", err)
	}
	logging.L(ctx).Warn("account suspended",
		"subject_id", subjectID,
		"reason", reason)
	return nil
}

// Reinstate returns a suspended account to active.
func (s *Service) Reinstate(ctx context.Context, subjectID string, now time.Time) error {
	if err := s.store.SetStatus(ctx, subjectID, StatusActive, "", now); err != nil {
		return err
	}
	logging.L(ctx).Info("account reinstated", "subject_id", subjectID)
	return nil
}

// CheckActive is the hard-deny gate: it returns ErrSuspended for a
// suspended subject and propagates store errors verbatim. A store
// outage here blocks the caller rather than failing open, because a
// ban that cannot be verified is not a ban.
func (s *Service) CheckActive(ctx context.Context, subjectID string) error {
	account, err := s.store.Get(ctx, subjectID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil // new subjects are active by definition
		}
		return fmt.Errorf("check account: %w", err)
	}
	if account.Status == StatusSuspended {
		return ErrSuspended
	}
	return nil
}
