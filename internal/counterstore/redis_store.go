package counterstore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/luvio/trustengine/internal/idgen"
)

// Compile-time check that RedisStore implements Store.
var _ Store = (*RedisStore)(nil)

// Key prefixes keep the three key families from colliding.
const (
	redisValuePrefix    = "val/"
	redisCounterPrefix  = "ctr/"
	redisDistinctPrefix = "hll/"
	redisEventPrefix    = "evt/"
)

// incrScript increments a counter and applies the expiry only when this
// call created the key (new value == delta means nothing existed before).
var incrScript = redis.NewScript(`
local n = redis.call('INCRBY', KEYS[1], ARGV[1])
if n == tonumber(ARGV[1]) and tonumber(ARGV[2]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return n
`)

// casScript implements compare-and-swap over a {v, ver} hash.
var casScript = redis.NewScript(`
local ver = redis.call('HGET', KEYS[1], 'ver')
if not ver then ver = '0' end
if tonumber(ver) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'v', ARGV[2], 'ver', tonumber(ver) + 1)
return 1
`)

// putScript writes a value and bumps its version atomically.
var putScript = redis.NewScript(`
redis.call('HSET', KEYS[1], 'v', ARGV[1])
return redis.call('HINCRBY', KEYS[1], 'ver', 1)
`)

// RedisStore implements Store on Redis. Counters use INCRBY with
// create-time expiry, distinct counts use HyperLogLog, event windows use
// sorted sets pruned past retention, and versioned values use a small
// {v, ver} hash updated through Lua.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// wrap tags transport-level failures as ErrUnavailable so fail-open
// callers can detect them with errors.Is.
func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, int64, error) {
	vals, err := s.client.HMGet(ctx, redisValuePrefix+key, "v", "ver").Result()
	if err != nil {
		return "", 0, wrap("get", err)
	}
	if vals[0] == nil {
		return "", 0, ErrNotFound
	}
	value, _ := vals[0].(string)
	verStr, _ := vals[1].(string)
	version, _ := strconv.ParseInt(verStr, 10, 64)
	return value, version, nil
}

func (s *RedisStore) Put(ctx context.Context, key, value string) error {
	if err := putScript.Run(ctx, s.client, []string{redisValuePrefix + key}, value).Err(); err != nil {
		return wrap("put", err)
	}
	return nil
}

func (s *RedisStore) AtomicIncrement(ctx context.Context, key string, delta int64, expiry time.Duration) (int64, error) {
	n, err := incrScript.Run(ctx, s.client,
		[]string{redisCounterPrefix + key},
		delta, expiry.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, wrap("atomic_increment", err)
	}
	return n, nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expectedVersion int64, value string) (bool, error) {
	ok, err := casScript.Run(ctx, s.client,
		[]string{redisValuePrefix + key},
		expectedVersion, value,
	).Int64()
	if err != nil {
		return false, wrap("compare_and_swap", err)
	}
	return ok == 1, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, redisValuePrefix+key)
	pipe.Del(ctx, redisCounterPrefix+key)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("delete", err)
	}
	return nil
}

func (s *RedisStore) AddDistinct(ctx context.Context, bucket, member string) error {
	if err := s.client.PFAdd(ctx, redisDistinctPrefix+bucket, member).Err(); err != nil {
		return wrap("add_distinct", err)
	}
	return nil
}

func (s *RedisStore) CountDistinct(ctx context.Context, bucket string) (int, error) {
	n, err := s.client.PFCount(ctx, redisDistinctPrefix+bucket).Result()
	if err != nil {
		return 0, wrap("count_distinct", err)
	}
	return int(n), nil
}

func (s *RedisStore) RecordEvent(ctx context.Context, entity string, at time.Time) error {
	key := redisEventPrefix + entity
	cutoff := at.Add(-eventRetention)

	// Member carries a random suffix so same-nanosecond events don't dedupe.
	member := strconv.FormatInt(at.UnixNano(), 10) + "-" + idgen.Hex(4)

	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(cutoff.UnixNano(), 10))
	pipe.Expire(ctx, key, eventRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("record_event", err)
	}
	return nil
}

func (s *RedisStore) CountEventsSince(ctx context.Context, entity string, since, now time.Time) (int, error) {
	n, err := s.client.ZCount(ctx, redisEventPrefix+entity,
		"("+strconv.FormatInt(since.UnixNano(), 10),
		strconv.FormatInt(now.UnixNano(), 10),
	).Result()
	if err != nil {
		return 0, wrap("count_events", err)
	}
	return int(n), nil
}
