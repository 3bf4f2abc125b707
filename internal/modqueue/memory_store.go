package modqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node dev.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func copyItem(item *Item) *Item {
	cp := *item
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item.Version = 1
	m.items[item.ID] = copyItem(item)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	return copyItem(item), nil
}

func (m *MemoryStore) Update(ctx context.Context, item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.items[item.ID]
	if !ok {
		return ErrItemNotFound
	}
	if current.Version != item.Version {
		return ErrConflict
	}

	item.Version++
	m.items[item.ID] = copyItem(item)
	return nil
}

func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item
	for _, item := range m.items {
		if filter.Status != "" && item.Status != filter.Status {
			continue
		}
		if filter.AssignedTo != "" && item.AssignedTo != filter.AssignedTo {
			continue
		}
		if filter.SubjectID != "" && item.SubjectID != filter.SubjectID {
			continue
		}
		out = append(out, copyItem(item))
	}
	sortByEnqueuedAt(out)
	return out, nil
}

func (m *MemoryStore) ListPending(ctx context.Context) ([]*Item, error) {
	return m.List(ctx, Filter{Status: StatusPending})
}

func (m *MemoryStore) CountInProgress(ctx context.Context, reviewerID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, item := range m.items {
		if item.Status == StatusInProgress && item.AssignedTo == reviewerID {
			count++
		}
	}
	return count, nil
}

func (m *MemoryStore) ListStale(ctx context.Context, before time.Time) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item
	for _, item := range m.items {
		if item.Status != StatusPending {
			continue
		}
		clock := item.EnqueuedAt
		if item.Escalated {
			clock = item.EscalatedAt
		}
		if !clock.After(before) {
			out = append(out, copyItem(item))
		}
	}
	sortByEnqueuedAt(out)
	return out, nil
}

func (m *MemoryStore) FindPendingByContent(ctx context.Context, subjectID, contentRef string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.items {
		if item.Status == StatusCompleted {
			continue
		}
		if item.SubjectID == subjectID && item.ContentRef == contentRef {
			return copyItem(item), nil
		}
	}
	return nil, ErrItemNotFound
}

func sortByEnqueuedAt(items []*Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].EnqueuedAt.Equal(items[j].EnqueuedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
}

// MemoryReviewerStore is an in-memory ReviewerStore.
type MemoryReviewerStore struct {
	mu        sync.Mutex
	reviewers map[string]*Reviewer
}

// NewMemoryReviewerStore creates an empty in-memory reviewer store.
func NewMemoryReviewerStore() *MemoryReviewerStore {
	return &MemoryReviewerStore{reviewers: make(map[string]*Reviewer)}
}

func (m *MemoryReviewerStore) Upsert(ctx context.Context, reviewer *Reviewer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *reviewer
	m.reviewers[reviewer.ID] = &cp
	return nil
}

func (m *MemoryReviewerStore) Get(ctx context.Context, id string) (*Reviewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reviewers[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryReviewerStore) ActiveReviewers(ctx context.Context) ([]*Reviewer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Reviewer
	for _, r := range m.reviewers {
		if r.Active {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
