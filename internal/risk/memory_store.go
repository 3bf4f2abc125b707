package risk

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Compile-time check that MemoryStore implements ProfileStore.
var _ ProfileStore = (*MemoryStore)(nil)

// MemoryStore is an in-memory profile store for demo/development mode.
type MemoryStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemoryStore creates a new in-memory profile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

// ensureLocked returns the profile, creating it if missing.
// Caller must hold m.mu for writing.
func (m *MemoryStore) ensureLocked(subjectID string, now time.Time) *Profile {
	p, ok := m.profiles[subjectID]
	if !ok {
		p = &Profile{
			SubjectID:        subjectID,
			AccountCreatedAt: now,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		m.profiles[subjectID] = p
	}
	return p
}

// copyProfile returns a deep copy so callers can't race on the shared
// fingerprint slice.
func copyProfile(p *Profile) *Profile {
	cp := *p
	cp.DeviceFingerprints = slices.Clone(p.DeviceFingerprints)
	return &cp
}

func (m *MemoryStore) Ensure(ctx context.Context, subjectID string, now time.Time) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return copyProfile(m.ensureLocked(subjectID, now)), nil
}

func (m *MemoryStore) Get(ctx context.Context, subjectID string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[subjectID]
	if !ok {
		return nil, ErrProfileNotFound
	}
	return copyProfile(p), nil
}

func (m *MemoryStore) IncrementCounter(ctx context.Context, subjectID string, counter Counter, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.ensureLocked(subjectID, now)
	p.UpdatedAt = now

	switch counter {
	case CounterRefunds:
		p.RefundCount++
		return p.RefundCount, nil
	case CounterValidationFailures:
		p.ValidationFailureCount++
		return p.ValidationFailureCount, nil
	case CounterFraudAttempts:
		p.FraudAttemptCount++
		return p.FraudAttemptCount, nil
	case CounterPromoUses:
		p.PromoUsageCount++
		return p.PromoUsageCount, nil
	case CounterWarnings:
		p.WarningCount++
		return p.WarningCount, nil
	}
	return 0, ErrUnknownCounter
}

func (m *MemoryStore) AddDeviceFingerprint(ctx context.Context, subjectID, fingerprint string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.ensureLocked(subjectID, now)
	if !slices.Contains(p.DeviceFingerprints, fingerprint) {
		p.DeviceFingerprints = append(p.DeviceFingerprints, fingerprint)
		p.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) SetLastScore(ctx context.Context, subjectID string, score int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[subjectID]
	if !ok {
		return ErrProfileNotFound
	}
	p.LastScore = score
	p.LastScoredAt = at
	p.UpdatedAt = at
	return nil
}
