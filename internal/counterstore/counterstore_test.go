package counterstore

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/luvio/trustengine/internal/circuitbreaker"
)

func TestMemoryStore_GetPut(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Put(ctx, "k", "v1"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, version, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if value != "v1" || version != 1 {
		t.Errorf("expected (v1, 1), got (%s, %d)", value, version)
	}

	if err := s.Put(ctx, "k", "v2"); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	value, version, _ = s.Get(ctx, "k")
	if value != "v2" || version != 2 {
		t.Errorf("expected (v2, 2), got (%s, %d)", value, version)
	}
}

func TestMemoryStore_AtomicIncrement(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.AtomicIncrement(ctx, "ctr", 1, 0)
	if err != nil {
		t.Fatalf("AtomicIncrement failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1, got %d", n)
	}

	n, _ = s.AtomicIncrement(ctx, "ctr", 5, 0)
	if n != 6 {
		t.Errorf("expected 6, got %d", n)
	}
}

func TestMemoryStore_AtomicIncrementExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.AtomicIncrement(ctx, "ctr", 1, 5*time.Millisecond); err != nil {
		t.Fatalf("AtomicIncrement failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	// Expired key restarts at delta.
	n, err := s.AtomicIncrement(ctx, "ctr", 1, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("AtomicIncrement failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected counter to restart at 1, got %d", n)
	}
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const goroutines = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AtomicIncrement(ctx, "ctr", 1, 0)
		}()
	}
	wg.Wait()

	n, _ := s.AtomicIncrement(ctx, "ctr", 0, 0)
	if n != goroutines {
		t.Errorf("expected %d after %d concurrent increments, got %d", goroutines, goroutines, n)
	}
}

func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// Create-if-absent with expectedVersion 0.
	ok, err := s.CompareAndSwap(ctx, "k", 0, "first")
	if err != nil {
		t.Fatalf("CompareAndSwap failed: %v", err)
	}
	if !ok {
		t.Fatal("expected create to succeed")
	}

	// Second create-if-absent must lose.
	ok, _ = s.CompareAndSwap(ctx, "k", 0, "second")
	if ok {
		t.Error("expected duplicate create to lose")
	}

	// Swap at the current version wins, stale version loses.
	ok, _ = s.CompareAndSwap(ctx, "k", 1, "updated")
	if !ok {
		t.Error("expected swap at current version to win")
	}
	ok, _ = s.CompareAndSwap(ctx, "k", 1, "stale")
	if ok {
		t.Error("expected swap at stale version to lose")
	}

	value, version, _ := s.Get(ctx, "k")
	if value != "updated" || version != 2 {
		t.Errorf("expected (updated, 2), got (%s, %d)", value, version)
	}
}

func TestMemoryStore_ConcurrentCAS_OneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	const goroutines = 20
	var wg sync.WaitGroup
	wins := make(chan struct{}, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _ := s.CompareAndSwap(ctx, "claim", 0, "claimed")
			if ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Errorf("expected exactly 1 CAS winner, got %d", winners)
	}
}

func TestMemoryStore_Distinct(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, member := range []string{"a", "b", "a", "c", "b"} {
		if err := s.AddDistinct(ctx, "bucket", member); err != nil {
			t.Fatalf("AddDistinct failed: %v", err)
		}
	}
	n, err := s.CountDistinct(ctx, "bucket")
	if err != nil {
		t.Fatalf("CountDistinct failed: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 distinct members, got %d", n)
	}
}

func TestMemoryStore_Events(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for _, offset := range []time.Duration{-30 * time.Hour, -3 * time.Hour, -30 * time.Minute, -time.Minute} {
		if err := s.RecordEvent(ctx, "purchases/u1", now.Add(offset)); err != nil {
			t.Fatalf("RecordEvent failed: %v", err)
		}
	}

	hourly, _ := s.CountEventsSince(ctx, "purchases/u1", now.Add(-time.Hour), now)
	if hourly != 2 {
		t.Errorf("expected 2 events in the last hour, got %d", hourly)
	}
	daily, _ := s.CountEventsSince(ctx, "purchases/u1", now.Add(-24*time.Hour), now)
	if daily != 3 {
		t.Errorf("expected 3 events in the last day, got %d", daily)
	}
}

// unavailableStore fails every call for breaker testing.
type unavailableStore struct {
	MemoryStore
	calls int
}

func (u *unavailableStore) Get(ctx context.Context, key string) (string, int64, error) {
	u.calls++
	return "", 0, ErrUnavailable
}

func TestBreakerStore_FailsFastWhenOpen(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	inner := &unavailableStore{}
	s := WithBreaker(inner, circuitbreaker.New(3, time.Minute), logger)

	// First 3 failures hit the backend and trip the circuit.
	for i := 0; i < 3; i++ {
		if _, _, err := s.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	}
	// Subsequent calls short-circuit without touching the backend.
	for i := 0; i < 5; i++ {
		if _, _, err := s.Get(ctx, "k"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected ErrUnavailable, got %v", err)
		}
	}
	if inner.calls != 3 {
		t.Errorf("expected 3 backend calls before circuit opened, got %d", inner.calls)
	}
}
