// Package counterstore provides the shared counter/state store consumed by
// the risk scorer, the rate limiter, and the moderation queue.
//
// All mutating primitives are race-free under concurrent callers: window
// counters are bumped with a single atomic increment, and versioned values
// are updated through compare-and-swap. Callers that can tolerate missing
// data (the additive risk signals, rate-limit admission) treat
// ErrUnavailable as a fail-open condition; callers that cannot (receipt
// replay checks) propagate it.
package counterstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the key has never been written (or expired).
	ErrNotFound = errors.New("counterstore: key not found")

	// ErrConflict indicates a compare-and-swap lost to a concurrent writer.
	ErrConflict = errors.New("counterstore: version conflict")

	// ErrUnavailable indicates the backing store could not be reached.
	// Fail-open callers log and continue; hard-deny callers propagate it.
	ErrUnavailable = errors.New("counterstore: store unavailable")
)

// Store is the counter/state contract shared by all engine components.
type Store interface {
	// Get returns the value and version for a key, or ErrNotFound.
	Get(ctx context.Context, key string) (value string, version int64, err error)

	// Put unconditionally writes a value, bumping its version.
	Put(ctx context.Context, key, value string) error

	// AtomicIncrement adds delta to a numeric counter and returns the new
	// value. If the key is created by this call and expiry > 0, the key
	// expires after expiry. The increment is race-free: N concurrent
	// callers always observe N distinct results.
	AtomicIncrement(ctx context.Context, key string, delta int64, expiry time.Duration) (int64, error)

	// CompareAndSwap writes value only if the key's current version equals
	// expectedVersion. expectedVersion 0 means "create only if absent".
	// Returns false (no error) when the swap lost.
	CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string) (bool, error)

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// AddDistinct adds a member to a distinct-count bucket.
	AddDistinct(ctx context.Context, bucket, member string) error

	// CountDistinct returns the approximate number of distinct members
	// ever added to a bucket.
	CountDistinct(ctx context.Context, bucket string) (int, error)

	// RecordEvent appends a timestamped event for an entity.
	RecordEvent(ctx context.Context, entity string, at time.Time) error

	// CountEventsSince returns how many events were recorded for an entity
	// in (since, now].
	CountEventsSince(ctx context.Context, entity string, since, now time.Time) (int, error)
}

// eventRetention bounds how far back CountEventsSince can look. Velocity
// signals only ever query the trailing day.
const eventRetention = 48 * time.Hour
