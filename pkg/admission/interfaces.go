// Package admission provides the adaptive admission-control and
// abuse-protection engine that decides, per inbound request, whether to
// admit, throttle, or ban a caller.
//
// The engine is framework-agnostic: it is invoked once per request by a
// transport adapter (HTTP middleware, gRPC interceptor, job scheduler) and
// keeps all mutable state in a shared CounterStore so that every process
// instance enforces the same limits.
package admission

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable marks a failed round trip to the shared counter store.
// The gateway treats it as a degradation signal and fails open.
var ErrStoreUnavailable = errors.New("counter store unavailable")

// WindowResult is the outcome of a sliding-window store operation.
type WindowResult struct {
	// Allowed reports whether the entry was inserted (count stayed below
	// the limit). Peek operations always leave it false.
	Allowed bool

	// Count is the number of entries inside the window after the
	// operation, including the inserted entry when Allowed is true.
	Count int64

	// Oldest is the timestamp of the oldest entry remaining in the
	// window. Zero when the window is empty.
	Oldest time.Time
}

// CounterStore is the contract for the shared, externally-consistent
// counter backend. All mutable engine state (window counters, token
// buckets, bans, reputation) lives behind this interface; no component
// keeps private mutable copies across requests.
//
// Implementations must make each method atomic with respect to concurrent
// calls for the same key. WindowObserve in particular performs the
// purge-count-insert sequence as one operation so that two concurrent
// requests cannot both observe a count just under the limit.
type CounterStore interface {
	// WindowObserve removes window entries older than cutoff, counts the
	// remainder, and inserts member at ts when the post-purge count is
	// below limit. The whole sequence is atomic. ttl bounds the lifetime
	// of the backing key.
	WindowObserve(ctx context.Context, key string, ts, cutoff time.Time, limit int64, member string, ttl time.Duration) (WindowResult, error)

	// WindowPeek purges entries older than cutoff and counts the
	// remainder without inserting anything.
	WindowPeek(ctx context.Context, key string, cutoff time.Time) (WindowResult, error)

	// WindowRemove deletes a previously inserted member. Used to roll
	// back entries when a later window tier denies the same evaluation.
	WindowRemove(ctx context.Context, key, member string) error

	// TakeToken refills the bucket at key as a pure function of elapsed
	// time (refillPerSec tokens per second, capped at capacity), then
	// consumes one token when at least one is available. Returns the
	// token count remaining after the call.
	TakeToken(ctx context.Context, key string, capacity, refillPerSec float64, ts time.Time, ttl time.Duration) (allowed bool, remaining float64, err error)

	// IncrementWithTTL atomically increments the counter at key and
	// returns the new value. The TTL is set when the key is created and
	// left untouched afterwards.
	IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// AddUnique adds member to the set at key and returns the set
	// cardinality after the call.
	AddUnique(ctx context.Context, key, member string, ttl time.Duration) (int64, error)

	// Get returns the value at key and whether it exists.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// SetWithTTL stores value at key, replacing any existing value.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent stores value at key only when the key does not exist.
	// Returns true when the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// TTL returns the remaining lifetime of key, or zero when the key
	// does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}

// Metrics records engine observability events.
//
// Implementations can use Prometheus or custom metric systems; NoOpMetrics
// is provided for tests and disabled mode.
type Metrics interface {
	// RecordDecision records one gateway decision.
	// outcome is "allowed" or "denied"; reason is the decision reason
	// (empty for plain allows).
	RecordDecision(outcome, reason, path string)

	// RecordCheckDuration records how long one Evaluate call took.
	RecordCheckDuration(d time.Duration)

	// RecordBan records that a ban was written, labelled by its cause.
	RecordBan(cause string)

	// RecordAbuseSignal records a positive abuse-detector signal.
	RecordAbuseSignal(check string)

	// RecordStoreFailure records a failed store round trip for the given
	// logical operation. Every failure implies a fail-open admission.
	RecordStoreFailure(op string)

	// RecordCircuitState records a circuit breaker state change.
	RecordCircuitState(state string)
}

// Clock abstracts time for testability.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

// Now returns the current system time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// LoadProbe reports the current backend load in [0, 1]. The reputation
// manager folds it into effective limits so the engine degrades gracefully
// under pressure instead of admitting unboundedly.
type LoadProbe interface {
	Load() float64
}

// BanNotifier receives ban events for out-of-band alerting. Calls are
// best-effort and must never block the request path.
type BanNotifier interface {
	NotifyBan(ctx context.Context, rec BanRecord)
}
