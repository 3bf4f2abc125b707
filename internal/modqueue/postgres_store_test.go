package modqueue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/luvio/trustengine/internal/idgen"
	"github.com/luvio/trustengine/internal/testutil"
)

func TestPostgresStore_CRUDAndVersioning(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	item := &Item{
		ID:          idgen.WithPrefix("qi_"),
		SubjectID:   "usr_pg",
		ContentRef:  "photo_1",
		ContentType: ContentTypePhoto,
		Severity:    SeverityHigh,
		ReportCount: 2,
		EnqueuedAt:  now,
		Status:      StatusPending,
		SLADeadline: now.Add(24 * time.Hour),
		UpdatedAt:   now,
	}
	if err := store.Create(ctx, item); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Severity != SeverityHigh || got.ReportCount != 2 || got.Version != 1 {
		t.Errorf("unexpected item: %+v", got)
	}

	// Stale-version update loses.
	stale := *got
	got.Status = StatusInProgress
	got.AssignedTo = "rev_1"
	got.UpdatedAt = now
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if err := store.Update(ctx, &stale); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict for stale version, got %v", err)
	}

	count, err := store.CountInProgress(ctx, "rev_1")
	if err != nil {
		t.Fatalf("CountInProgress failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected workload 1, got %d", count)
	}

	if _, err := store.Get(ctx, "qi_missing"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestPostgresStore_StaleAndContentLookups(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	old := &Item{
		ID:          idgen.WithPrefix("qi_"),
		SubjectID:   "usr_a",
		ContentRef:  "c_old",
		Severity:    SeverityLow,
		ReportCount: 1,
		EnqueuedAt:  now.Add(-13 * time.Hour),
		Status:      StatusPending,
		SLADeadline: now.Add(11 * time.Hour),
		UpdatedAt:   now,
	}
	fresh := &Item{
		ID:          idgen.WithPrefix("qi_"),
		SubjectID:   "usr_a",
		ContentRef:  "c_fresh",
		Severity:    SeverityLow,
		ReportCount: 1,
		EnqueuedAt:  now,
		Status:      StatusPending,
		SLADeadline: now.Add(24 * time.Hour),
		UpdatedAt:   now,
	}
	for _, item := range []*Item{old, fresh} {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	stale, err := store.ListStale(ctx, now.Add(-12*time.Hour))
	if err != nil {
		t.Fatalf("ListStale failed: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != old.ID {
		t.Errorf("expected only the old item stale, got %d items", len(stale))
	}

	found, err := store.FindPendingByContent(ctx, "usr_a", "c_fresh")
	if err != nil {
		t.Fatalf("FindPendingByContent failed: %v", err)
	}
	if found.ID != fresh.ID {
		t.Errorf("expected %s, got %s", fresh.ID, found.ID)
	}
	if _, err := store.FindPendingByContent(ctx, "usr_a", "c_unknown"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("expected ErrItemNotFound, got %v", err)
	}
}

func TestPostgresReviewerStore_Roster(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresReviewerStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	for _, r := range []*Reviewer{
		{ID: "rev_a", Name: "Alex", Active: true, CreatedAt: now},
		{ID: "rev_b", Name: "Blake", Active: false, CreatedAt: now},
	} {
		if err := store.Upsert(ctx, r); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	active, err := store.ActiveReviewers(ctx)
	if err != nil {
		t.Fatalf("ActiveReviewers failed: %v", err)
	}
	if len(active) != 1 || active[0].ID != "rev_a" {
		t.Errorf("expected only rev_a active, got %d reviewers", len(active))
	}

	// Deactivate via upsert.
	if err := store.Upsert(ctx, &Reviewer{ID: "rev_a", Name: "Alex", Active: false, CreatedAt: now}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	active, _ = store.ActiveReviewers(ctx)
	if len(active) != 0 {
		t.Errorf("expected empty roster, got %d", len(active))
	}
}
