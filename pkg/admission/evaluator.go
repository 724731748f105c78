package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// AdmissionEvaluator applies a resolved policy's strategy against the
// shared counters, consulting the reputation manager for adaptive scaling.
//
// The two source strategies (reputation-adaptive and strategy-pluggable)
// are unified here: every policy selects sliding_window or token_bucket
// and both paths run through the same adaptive limit computation.
type AdmissionEvaluator struct {
	store      CounterStore
	reputation *ReputationManager
	clock      Clock
}

// NewAdmissionEvaluator builds an evaluator. clock may be nil.
func NewAdmissionEvaluator(store CounterStore, reputation *ReputationManager, clock Clock) *AdmissionEvaluator {
	if clock == nil {
		clock = &SystemClock{}
	}
	return &AdmissionEvaluator{store: store, reputation: reputation, clock: clock}
}

// Evaluate runs the policy for the identifier under the given key
// namespace and returns exactly one decision. Store failures surface as
// errors wrapped in ErrStoreUnavailable; the gateway decides what a
// degraded round trip means (it fails open).
//
// Allowed sliding-window decisions carry a non-nil undo that removes the
// window entries this evaluation inserted. The gateway invokes it when a
// later policy in the same request denies, so one request never consumes
// quota it was not granted. Denials and token-bucket decisions return a
// nil undo: denials roll themselves back, and a consumed token has no
// atomic give-back (the continuous refill restores it within one refill
// interval).
func (e *AdmissionEvaluator) Evaluate(ctx context.Context, ns, id string, pol *Policy) (*Decision, func(context.Context), error) {
	switch pol.Strategy {
	case StrategyTokenBucket:
		dec, err := e.evaluateTokenBucket(ctx, ns, id, pol)
		return dec, nil, err
	default:
		return e.evaluateSlidingWindow(ctx, ns, id, pol)
	}
}

// evaluateSlidingWindow checks the burst sub-window and then every
// configured tier, shortest first. Each tier atomically purges, counts and
// conditionally inserts; a denial at any tier rolls back the entries this
// evaluation already inserted so retries are not double-penalized.
func (e *AdmissionEvaluator) evaluateSlidingWindow(ctx context.Context, ns, id string, pol *Policy) (*Decision, func(context.Context), error) {
	now := e.clock.Now()
	scale := e.reputation.Snapshot(ctx, id)

	// One member tags every entry this evaluation inserts, across all
	// tiers, so rollback can target exactly these entries.
	member := uuid.NewString()
	var inserted []string

	rollback := func(rctx context.Context) {
		for _, key := range inserted {
			if rerr := e.store.WindowRemove(rctx, key, member); rerr != nil {
				// Best effort: a leaked entry only biases stricter.
				continue
			}
		}
	}

	if pol.Burst > 0 && pol.BurstWindow > 0 {
		firstLimit := scale.Apply(pol.Windows[0].Limit)
		effBurst := scale.ApplyBurst(pol.Burst, firstLimit)
		key := burstKey(ns, id)
		res, err := e.store.WindowObserve(ctx, key, now, now.Add(-pol.BurstWindow), int64(effBurst), member, pol.BurstWindow)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: burst window observe: %w", ErrStoreUnavailable, err)
		}
		if !res.Allowed {
			return newDeniedDecision(id, ReasonBurstExceeded, effBurst, windowReset(res.Oldest, pol.BurstWindow, now), now), nil, nil
		}
		inserted = append(inserted, key)
	}

	// Track the tightest tier for the allow metadata.
	tightest := struct {
		limit     int
		remaining int
		resetAt   time.Time
		set       bool
	}{}

	for _, w := range pol.Windows {
		eff := scale.Apply(w.Limit)
		if w.Limit <= 0 || eff <= 0 {
			// Deny-all tier.
			rollback(ctx)
			return newDeniedDecision(id, ReasonRateLimitExceeded, 0, now.Add(w.Duration), now), nil, nil
		}

		key := windowKey(ns, id, w.Duration)
		res, err := e.store.WindowObserve(ctx, key, now, now.Add(-w.Duration), int64(eff), member, w.Duration)
		if err != nil {
			rollback(ctx)
			return nil, nil, fmt.Errorf("%w: window observe (%s): %w", ErrStoreUnavailable, w.Duration, err)
		}
		if !res.Allowed {
			rollback(ctx)
			return newDeniedDecision(id, ReasonRateLimitExceeded, eff, windowReset(res.Oldest, w.Duration, now), now), nil, nil
		}
		inserted = append(inserted, key)

		remaining := eff - int(res.Count)
		if remaining < 0 {
			remaining = 0
		}
		if !tightest.set || remaining < tightest.remaining {
			tightest.limit = eff
			tightest.remaining = remaining
			tightest.resetAt = windowReset(res.Oldest, w.Duration, now)
			tightest.set = true
		}
	}

	return newAllowedDecision(id, tightest.limit, tightest.remaining, tightest.resetAt, now), rollback, nil
}

// evaluateTokenBucket refills the identifier's bucket as a pure function
// of elapsed time and consumes one token. The refill rate derives from the
// policy's shortest-window limit normalized to per-minute.
func (e *AdmissionEvaluator) evaluateTokenBucket(ctx context.Context, ns, id string, pol *Policy) (*Decision, error) {
	now := e.clock.Now()
	scale := e.reputation.Snapshot(ctx, id)

	base := pol.Windows[0]
	eff := scale.Apply(base.Limit)
	if base.Limit <= 0 || eff <= 0 {
		return newDeniedDecision(id, ReasonRateLimitExceeded, 0, now.Add(base.Duration), now), nil
	}

	capacity := float64(scale.ApplyBurst(pol.Burst, eff))
	perMinute := float64(eff) * float64(time.Minute) / float64(base.Duration)
	refill := perMinute / 60.0

	// Key lifetime only needs to outlive a full refill cycle.
	ttl := 2 * base.Duration
	allowed, tokens, err := e.store.TakeToken(ctx, bucketKey(ns, id), capacity, refill, now, ttl)
	if err != nil {
		return nil, fmt.Errorf("%w: token take: %w", ErrStoreUnavailable, err)
	}

	if !allowed {
		wait := time.Duration(math.Ceil((1-tokens)/refill)) * time.Second
		return newDeniedDecision(id, ReasonRateLimitExceeded, eff, now.Add(wait), now), nil
	}

	untilFull := time.Duration((capacity - tokens) / refill * float64(time.Second))
	return newAllowedDecision(id, eff, int(tokens), now.Add(untilFull), now), nil
}

// windowReset computes when the violated window frees a slot: the oldest
// surviving entry plus the window length. An empty window resets one full
// window from now.
func windowReset(oldest time.Time, window time.Duration, now time.Time) time.Time {
	if oldest.IsZero() {
		return now.Add(window)
	}
	return oldest.Add(window)
}
