package counterstore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/luvio/trustengine/internal/circuitbreaker"
)

// Compile-time check that BreakerStore implements Store.
var _ Store = (*BreakerStore)(nil)

// breakerKey is the single circuit key: the store is one dependency, so
// one unhealthy operation family means the whole store is unhealthy.
const breakerKey = "counterstore"

// BreakerStore wraps a Store with a circuit breaker so a dead backend
// fails fast (ErrUnavailable) instead of timing out on every call. The
// engine's fail-open policies then degrade gracefully at full speed.
type BreakerStore struct {
	inner   Store
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger
}

// WithBreaker wraps store with the given breaker.
func WithBreaker(store Store, breaker *circuitbreaker.Breaker, logger *slog.Logger) *BreakerStore {
	b := &BreakerStore{inner: store, breaker: breaker, logger: logger}
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		logger.Warn("counterstore circuit transition",
			"from", from.String(),
			"to", to.String(),
		)
	})
	return b
}

// do runs fn behind the circuit. Only ErrUnavailable counts as a circuit
// failure; domain results (ErrNotFound, ErrConflict) are healthy responses.
func (b *BreakerStore) do(fn func() error) error {
	if !b.breaker.Allow(breakerKey) {
		return ErrUnavailable
	}
	err := fn()
	if errors.Is(err, ErrUnavailable) {
		b.breaker.RecordFailure(breakerKey)
		return err
	}
	b.breaker.RecordSuccess(breakerKey)
	return err
}

func (b *BreakerStore) Get(ctx context.Context, key string) (string, int64, error) {
	var value string
	var version int64
	err := b.do(func() (e error) {
		value, version, e = b.inner.Get(ctx, key)
		return e
	})
	return value, version, err
}

func (b *BreakerStore) Put(ctx context.Context, key, value string) error {
	return b.do(func() error { return b.inner.Put(ctx, key, value) })
}

func (b *BreakerStore) AtomicIncrement(ctx context.Context, key string, delta int64, expiry time.Duration) (int64, error) {
	var n int64
	err := b.do(func() (e error) {
		n, e = b.inner.AtomicIncrement(ctx, key, delta, expiry)
		return e
	})
	return n, err
}

func (b *BreakerStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string) (bool, error) {
	var ok bool
	err := b.do(func() (e error) {
		ok, e = b.inner.CompareAndSwap(ctx, key, expectedVersion, value)
		return e
	})
	return ok, err
}

func (b *BreakerStore) Delete(ctx context.Context, key string) error {
	return b.do(func() error { return b.inner.Delete(ctx, key) })
}

func (b *BreakerStore) AddDistinct(ctx context.Context, bucket, member string) error {
	return b.do(func() error { return b.inner.AddDistinct(ctx, bucket, member) })
}

func (b *BreakerStore) CountDistinct(ctx context.Context, bucket string) (int, error) {
	var n int
	err := b.do(func() (e error) {
		n, e = b.inner.CountDistinct(ctx, bucket)
		return e
	})
	return n, err
}

func (b *BreakerStore) RecordEvent(ctx context.Context, entity string, at time.Time) error {
	return b.do(func() error { return b.inner.RecordEvent(ctx, entity, at) })
}

func (b *BreakerStore) CountEventsSince(ctx context.Context, entity string, since, now time.Time) (int, error) {
	var n int
	err := b.do(func() (e error) {
		n, e = b.inner.CountEventsSince(ctx, entity, since, now)
		return e
	})
	return n, err
}
