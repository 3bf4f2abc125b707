package accounts

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node dev.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[string]*Account)}
}

func (m *MemoryStore) Ensure(ctx context.Context, subjectID string, now time.Time) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[subjectID]
	if !ok {
		a = &Account{
			SubjectID: subjectID,
			Status:    StatusActive,
			Tier:      "standard",
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.accounts[subjectID] = a
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Get(ctx context.Context, subjectID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[subjectID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) SetStatus(ctx context.Context, subjectID string, status Status, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[subjectID]
	if !ok {
		return ErrAccountNotFound
	}
	a.Status = status
	a.Reason = reason
	a.UpdatedAt = now
	if status == StatusSuspended {
		a.SuspendedAt = now
	} else {
		a.SuspendedAt = time.Time{}
	}
	return nil
}
