package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every engine key inside a possibly shared Redis.
const keyPrefix = "adm:"

// windowObserveScript performs the purge-count-insert sequence atomically.
// Scores are microsecond Unix timestamps.
//
// KEYS[1] window sorted set
// ARGV[1] now (micros), ARGV[2] cutoff (micros), ARGV[3] limit,
// ARGV[4] member, ARGV[5] ttl (millis)
//
// Returns {allowed, count, oldest-score-as-string}.
var windowObserveScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[4])
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
  allowed = 1
  count = count + 1
end
local oldest = '0'
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tostring(first[2])
end
return {allowed, count, oldest}
`)

// windowPeekScript purges and counts without inserting.
//
// KEYS[1] window sorted set
// ARGV[1] cutoff (micros)
var windowPeekScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local count = redis.call('ZCARD', KEYS[1])
local oldest = '0'
local first = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tostring(first[2])
end
return {count, oldest}
`)

// takeTokenScript refills the bucket from elapsed time and consumes one
// token when available.
//
// KEYS[1] bucket hash with fields tokens, last
// ARGV[1] capacity, ARGV[2] refill per second, ARGV[3] now (float
// seconds), ARGV[4] ttl (millis)
//
// Returns {allowed, tokens-as-string}.
var takeTokenScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local data = redis.call('HMGET', KEYS[1], 'tokens', 'last')
local tokens = capacity
if data[1] then
  tokens = tonumber(data[1])
  local elapsed = now - tonumber(data[2])
  if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * refill)
  end
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tokens, 'last', now)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {allowed, tostring(tokens)}
`)

// incrementScript increments and sets the TTL only on creation, giving the
// counter fixed-window semantics.
var incrementScript = redis.NewScript(`
local v = redis.call('INCR', KEYS[1])
if v == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return v
`)

// addUniqueScript adds to the set, attaching a TTL when the key has none.
var addUniqueScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
if redis.call('TTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return redis.call('SCARD', KEYS[1])
`)

// RedisCounterStore is the CounterStore for multi-instance deployments.
// Every compound operation runs as a Lua script so concurrent instances
// observe consistent counts.
//
// It accepts redis.Cmdable for compatibility with Client, ClusterClient
// and SentinelClient.
type RedisCounterStore struct {
	client redis.Cmdable
}

// NewRedisCounterStore wraps a pre-configured Redis client.
func NewRedisCounterStore(client redis.Cmdable) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) key(key string) string {
	return keyPrefix + key
}

// WindowObserve implements CounterStore.
func (s *RedisCounterStore) WindowObserve(ctx context.Context, key string, ts, cutoff time.Time, limit int64, member string, ttl time.Duration) (WindowResult, error) {
	raw, err := windowObserveScript.Run(ctx, s.client, []string{s.key(key)},
		ts.UnixMicro(), cutoff.UnixMicro(), limit, member, ttl.Milliseconds()).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("window observe %s: %w", key, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 3 {
		return WindowResult{}, fmt.Errorf("window observe %s: unexpected reply %T", key, raw)
	}
	res := WindowResult{
		Allowed: toInt64(vals[0]) == 1,
		Count:   toInt64(vals[1]),
		Oldest:  microTime(vals[2]),
	}
	return res, nil
}

// WindowPeek implements CounterStore.
func (s *RedisCounterStore) WindowPeek(ctx context.Context, key string, cutoff time.Time) (WindowResult, error) {
	raw, err := windowPeekScript.Run(ctx, s.client, []string{s.key(key)}, cutoff.UnixMicro()).Result()
	if err != nil {
		return WindowResult{}, fmt.Errorf("window peek %s: %w", key, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return WindowResult{}, fmt.Errorf("window peek %s: unexpected reply %T", key, raw)
	}
	return WindowResult{Count: toInt64(vals[0]), Oldest: microTime(vals[1])}, nil
}

// WindowRemove implements CounterStore.
func (s *RedisCounterStore) WindowRemove(ctx context.Context, key, member string) error {
	if err := s.client.ZRem(ctx, s.key(key), member).Err(); err != nil {
		return fmt.Errorf("window remove %s: %w", key, err)
	}
	return nil
}

// TakeToken implements CounterStore.
func (s *RedisCounterStore) TakeToken(ctx context.Context, key string, capacity, refillPerSec float64, ts time.Time, ttl time.Duration) (bool, float64, error) {
	nowFloat := float64(ts.UnixNano()) / 1e9
	raw, err := takeTokenScript.Run(ctx, s.client, []string{s.key(key)},
		capacity, refillPerSec, nowFloat, ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("take token %s: %w", key, err)
	}
	vals, ok := raw.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("take token %s: unexpected reply %T", key, raw)
	}
	tokens, _ := strconv.ParseFloat(toString(vals[1]), 64)
	return toInt64(vals[0]) == 1, tokens, nil
}

// IncrementWithTTL implements CounterStore.
func (s *RedisCounterStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	raw, err := incrementScript.Run(ctx, s.client, []string{s.key(key)}, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return toInt64(raw), nil
}

// AddUnique implements CounterStore.
func (s *RedisCounterStore) AddUnique(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	raw, err := addUniqueScript.Run(ctx, s.client, []string{s.key(key)}, member, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, fmt.Errorf("add unique %s: %w", key, err)
	}
	return toInt64(raw), nil
}

// Get implements CounterStore.
func (s *RedisCounterStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// SetWithTTL implements CounterStore.
func (s *RedisCounterStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetIfAbsent implements CounterStore.
func (s *RedisCounterStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	stored, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return stored, nil
}

// Delete implements CounterStore.
func (s *RedisCounterStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// TTL implements CounterStore.
func (s *RedisCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.client.PTTL(ctx, s.key(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("ttl %s: %w", key, err)
	}
	if d < 0 {
		// -1 no expiry, -2 missing key
		return 0, nil
	}
	return d, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	default:
		return 0
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// microTime converts a microsecond score reply to a time. Zero scores map
// to the zero time so empty windows read as empty.
func microTime(v interface{}) time.Time {
	micros := toInt64(v)
	if micros == 0 {
		// Scores may round-trip through Lua as floats.
		if f, err := strconv.ParseFloat(toString(v), 64); err == nil {
			micros = int64(f)
		}
	}
	if micros == 0 {
		return time.Time{}
	}
	return time.UnixMicro(micros)
}
