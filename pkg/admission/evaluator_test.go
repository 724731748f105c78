package admission

import (
	"context"
	"testing"
	"time"
)

func newTestEvaluator(t *testing.T) (*AdmissionEvaluator, *MemoryCounterStore, *MockClock) {
	t.Helper()
	clock := NewMockClock(time.Now())
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 100, Clock: clock})
	rep := NewReputationManager(store, DefaultEngineConfig(), nil)
	return NewAdmissionEvaluator(store, rep, clock), store, clock
}

// Unseen identifiers sit at neutral reputation 0.5, which scales base
// limits by 1.25. A base limit of 4 therefore admits 5 requests.
func TestAdmissionEvaluator_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEvaluator(t)

	pol := &Policy{
		Name:     "p",
		Strategy: StrategySlidingWindow,
		Windows:  []WindowLimit{{Duration: time.Minute, Limit: 4}},
	}

	for i := 0; i < 5; i++ {
		dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
		if err != nil {
			t.Fatalf("Evaluate() #%d error = %v", i+1, err)
		}
		if dec.IsDenied() {
			t.Fatalf("request #%d denied, want allowed: %s", i+1, dec)
		}
		if dec.Limit != 5 {
			t.Errorf("request #%d Limit = %d, want 5", i+1, dec.Limit)
		}
		if want := 5 - (i + 1); dec.Remaining != want {
			t.Errorf("request #%d Remaining = %d, want %d", i+1, dec.Remaining, want)
		}
	}

	dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.IsDenied() {
		t.Fatal("request over limit should be denied")
	}
	if dec.Reason != ReasonRateLimitExceeded {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonRateLimitExceeded)
	}
	if dec.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0 on denial", dec.Remaining)
	}
	// All entries landed at the same instant, so the window frees a slot
	// one full window later.
	if dec.RetryAfter != time.Minute {
		t.Errorf("RetryAfter = %s, want 1m", dec.RetryAfter)
	}
}

func TestAdmissionEvaluator_SlidingWindowSlides(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEvaluator(t)

	pol := &Policy{
		Name:     "p",
		Strategy: StrategySlidingWindow,
		Windows:  []WindowLimit{{Duration: time.Minute, Limit: 4}},
	}

	for i := 0; i < 5; i++ {
		if dec, _, _ := e.Evaluate(ctx, nsRoute, "id", pol); dec.IsDenied() {
			t.Fatalf("warmup request #%d denied", i+1)
		}
	}
	if dec, _, _ := e.Evaluate(ctx, nsRoute, "id", pol); !dec.IsDenied() {
		t.Fatal("request over limit should be denied")
	}

	clock.Advance(time.Minute + time.Second)
	dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if dec.IsDenied() {
		t.Errorf("request after window slide denied: %s", dec)
	}
}

func TestAdmissionEvaluator_MultiTierRollback(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEvaluator(t)

	pol := &Policy{
		Name:     "p",
		Strategy: StrategySlidingWindow,
		Windows: []WindowLimit{
			{Duration: 10 * time.Second, Limit: 80},
			{Duration: time.Minute, Limit: 4},
		},
	}

	// Fill the long tier to its effective ceiling of 5 without touching
	// the short tier.
	now := clock.Now()
	longKey := windowKey(nsRoute, "id", time.Minute)
	for i := 0; i < 5; i++ {
		if _, err := store.WindowObserve(ctx, longKey, now, now.Add(-time.Minute), 100, "warmup", time.Minute); err != nil {
			t.Fatalf("WindowObserve() error = %v", err)
		}
	}

	dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.IsDenied() {
		t.Fatal("long tier is full, evaluation should deny")
	}

	// The short tier insert from the denied evaluation must be rolled
	// back so the caller is not double-penalized on retry.
	res, err := store.WindowPeek(ctx, windowKey(nsRoute, "id", 10*time.Second), now.Add(-10*time.Second))
	if err != nil {
		t.Fatalf("WindowPeek() error = %v", err)
	}
	if res.Count != 0 {
		t.Errorf("short tier count = %d after denial, want 0 (rolled back)", res.Count)
	}
}

func TestAdmissionEvaluator_UndoRemovesEntries(t *testing.T) {
	ctx := context.Background()
	e, store, clock := newTestEvaluator(t)

	pol := &Policy{
		Name:     "p",
		Strategy: StrategySlidingWindow,
		Windows:  []WindowLimit{{Duration: time.Minute, Limit: 4}},
	}

	dec, undo, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if dec.IsDenied() {
		t.Fatalf("request denied, want allowed: %s", dec)
	}
	if undo == nil {
		t.Fatal("allowed evaluation should carry an undo handle")
	}

	undo(ctx)

	now := clock.Now()
	res, err := store.WindowPeek(ctx, windowKey(nsRoute, "id", time.Minute), now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("WindowPeek() error = %v", err)
	}
	if res.Count != 0 {
		t.Errorf("window count after undo = %d, want 0", res.Count)
	}
}

func TestAdmissionEvaluator_DenyAllTier(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEvaluator(t)

	pol := &Policy{
		Name:     "closed",
		Strategy: StrategySlidingWindow,
		Windows:  []WindowLimit{{Duration: time.Minute, Limit: 0}},
	}

	dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.IsDenied() {
		t.Fatal("zero-limit tier should deny everything")
	}
	if dec.Limit != 0 {
		t.Errorf("Limit = %d, want 0", dec.Limit)
	}
}

func TestAdmissionEvaluator_BurstWindow(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEvaluator(t)

	// Untrusted callers get no burst allowance beyond the effective
	// limit, so the burst sub-window binds first inside its 10 seconds.
	pol := &Policy{
		Name:        "p",
		Strategy:    StrategySlidingWindow,
		Windows:     []WindowLimit{{Duration: time.Minute, Limit: 4}},
		Burst:       4,
		BurstWindow: 10 * time.Second,
	}

	for i := 0; i < 5; i++ {
		if dec, _, _ := e.Evaluate(ctx, nsRoute, "id", pol); dec.IsDenied() {
			t.Fatalf("request #%d denied, want allowed", i+1)
		}
	}
	dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.IsDenied() {
		t.Fatal("burst ceiling reached, want denial")
	}
	if dec.Reason != ReasonBurstExceeded {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonBurstExceeded)
	}
}

func TestAdmissionEvaluator_TrustedCallerOutlivesBurst(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEvaluator(t)

	// Score 0.8 clears the trust threshold: burst elevates to
	// floor(4*1.7*1.5)=10 while the main window caps at floor(4*1.7)=6,
	// so the seventh request fails on the main window, not the burst.
	if err := store.SetWithTTL(ctx, reputationKey("vip"), "0.8000", time.Hour); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}

	pol := &Policy{
		Name:        "p",
		Strategy:    StrategySlidingWindow,
		Windows:     []WindowLimit{{Duration: time.Minute, Limit: 4}},
		Burst:       4,
		BurstWindow: 10 * time.Second,
	}

	for i := 0; i < 6; i++ {
		if dec, _, _ := e.Evaluate(ctx, nsRoute, "vip", pol); dec.IsDenied() {
			t.Fatalf("request #%d denied, want allowed", i+1)
		}
	}
	dec, _, _ := e.Evaluate(ctx, nsRoute, "vip", pol)
	if !dec.IsDenied() {
		t.Fatal("main window full, want denial")
	}
	if dec.Reason != ReasonRateLimitExceeded {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonRateLimitExceeded)
	}
}

func TestAdmissionEvaluator_TokenBucket(t *testing.T) {
	ctx := context.Background()
	e, _, clock := newTestEvaluator(t)

	// Base 8/min at neutral reputation yields capacity 10 and a refill
	// of one token every six seconds.
	pol := &Policy{
		Name:     "p",
		Strategy: StrategyTokenBucket,
		Windows:  []WindowLimit{{Duration: time.Minute, Limit: 8}},
	}

	for i := 0; i < 10; i++ {
		dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
		if err != nil {
			t.Fatalf("Evaluate() #%d error = %v", i+1, err)
		}
		if dec.IsDenied() {
			t.Fatalf("request #%d denied, want allowed (bucket starts full)", i+1)
		}
	}

	dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.IsDenied() {
		t.Fatal("empty bucket should deny")
	}
	if dec.Reason != ReasonRateLimitExceeded {
		t.Errorf("Reason = %q, want %q", dec.Reason, ReasonRateLimitExceeded)
	}
	if dec.RetryAfter < 6*time.Second || dec.RetryAfter > 8*time.Second {
		t.Errorf("RetryAfter = %s, want about one refill interval", dec.RetryAfter)
	}

	// One refill interval restores one token.
	clock.Advance(7 * time.Second)
	dec, _, err = e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if dec.IsDenied() {
		t.Errorf("request after refill denied: %s", dec)
	}
}

func TestAdmissionEvaluator_TokenBucketDenyAll(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEvaluator(t)

	pol := &Policy{
		Name:     "closed",
		Strategy: StrategyTokenBucket,
		Windows:  []WindowLimit{{Duration: time.Minute, Limit: 0}},
	}
	dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.IsDenied() {
		t.Error("zero-limit bucket should deny everything")
	}
}

func TestAdmissionEvaluator_TokenBucketRetryAfterWholeSeconds(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEvaluator(t)

	// Base 24/min scales to 30 at neutral reputation: refill is half a
	// token per second, so a freshly drained bucket is one token short by
	// exactly two seconds. The retry must not round up to three.
	pol := &Policy{
		Name:     "p",
		Strategy: StrategyTokenBucket,
		Windows:  []WindowLimit{{Duration: time.Minute, Limit: 24}},
	}

	for i := 0; i < 30; i++ {
		dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
		if err != nil {
			t.Fatalf("Evaluate() #%d error = %v", i+1, err)
		}
		if dec.IsDenied() {
			t.Fatalf("request #%d denied, want allowed", i+1)
		}
	}

	dec, _, err := e.Evaluate(ctx, nsRoute, "id", pol)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !dec.IsDenied() {
		t.Fatal("empty bucket should deny")
	}
	if dec.RetryAfter != 2*time.Second {
		t.Errorf("RetryAfter = %s, want exactly 2s", dec.RetryAfter)
	}
}

func TestWindowReset(t *testing.T) {
	now := time.Now()
	window := time.Minute

	if got := windowReset(time.Time{}, window, now); !got.Equal(now.Add(window)) {
		t.Errorf("empty window reset = %s, want now+window", got)
	}
	oldest := now.Add(-30 * time.Second)
	if got := windowReset(oldest, window, now); !got.Equal(oldest.Add(window)) {
		t.Errorf("reset = %s, want oldest+window", got)
	}
}
