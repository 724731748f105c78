package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// MockClock implements Clock interface for testing
type MockClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewMockClock(t time.Time) *MockClock {
	return &MockClock{now: t}
}

func (m *MockClock) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.now
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

func TestNewMemoryCounterStore(t *testing.T) {
	tests := []struct {
		name        string
		config      MemoryStoreConfig
		wantMaxKeys int
	}{
		{
			name:        "with valid config",
			config:      MemoryStoreConfig{MaxKeys: 5000, Clock: &SystemClock{}},
			wantMaxKeys: 5000,
		},
		{
			name:        "with zero max keys should use default",
			config:      MemoryStoreConfig{MaxKeys: 0},
			wantMaxKeys: 10000,
		},
		{
			name:        "with negative max keys should use default",
			config:      MemoryStoreConfig{MaxKeys: -1},
			wantMaxKeys: 10000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryCounterStore(tt.config)
			if store == nil {
				t.Fatal("NewMemoryCounterStore() returned nil")
			}
			if store.maxKeys != tt.wantMaxKeys {
				t.Errorf("maxKeys = %d, want %d", store.maxKeys, tt.wantMaxKeys)
			}
			if store.clock == nil {
				t.Error("clock should not be nil")
			}
		})
	}
}

func TestMemoryCounterStore_WindowObserve(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	window := time.Minute

	tests := []struct {
		name        string
		preload     int
		limit       int64
		wantAllowed bool
		wantCount   int64
	}{
		{
			name:        "first request is allowed",
			preload:     0,
			limit:       5,
			wantAllowed: true,
			wantCount:   1,
		},
		{
			name:        "request below limit is allowed",
			preload:     3,
			limit:       5,
			wantAllowed: true,
			wantCount:   4,
		},
		{
			name:        "request at limit is denied and not inserted",
			preload:     5,
			limit:       5,
			wantAllowed: false,
			wantCount:   5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := NewMockClock(now)
			store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: clock})

			for i := 0; i < tt.preload; i++ {
				_, err := store.WindowObserve(ctx, "k", now, now.Add(-window), tt.limit, fmt.Sprintf("m%d", i), window)
				if err != nil {
					t.Fatalf("preload WindowObserve() error = %v", err)
				}
			}

			res, err := store.WindowObserve(ctx, "k", now, now.Add(-window), tt.limit, "probe", window)
			if err != nil {
				t.Fatalf("WindowObserve() error = %v", err)
			}
			if res.Allowed != tt.wantAllowed {
				t.Errorf("Allowed = %v, want %v", res.Allowed, tt.wantAllowed)
			}
			if res.Count != tt.wantCount {
				t.Errorf("Count = %d, want %d", res.Count, tt.wantCount)
			}
		})
	}
}

func TestMemoryCounterStore_WindowObservePurgesOldEntries(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := NewMockClock(now)
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: clock})
	window := time.Minute

	for i := 0; i < 5; i++ {
		if _, err := store.WindowObserve(ctx, "k", now, now.Add(-window), 5, fmt.Sprintf("m%d", i), window); err != nil {
			t.Fatalf("WindowObserve() error = %v", err)
		}
	}

	// Full at now; after the window slides past the entries the key frees up.
	later := now.Add(window + time.Second)
	res, err := store.WindowObserve(ctx, "k", later, later.Add(-window), 5, "fresh", window)
	if err != nil {
		t.Fatalf("WindowObserve() error = %v", err)
	}
	if !res.Allowed {
		t.Error("request after window slide should be allowed")
	}
	if res.Count != 1 {
		t.Errorf("Count = %d, want 1 after purge", res.Count)
	}
}

func TestMemoryCounterStore_WindowRemove(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: NewMockClock(now)})
	window := time.Minute

	if _, err := store.WindowObserve(ctx, "k", now, now.Add(-window), 10, "keep", window); err != nil {
		t.Fatalf("WindowObserve() error = %v", err)
	}
	if _, err := store.WindowObserve(ctx, "k", now, now.Add(-window), 10, "drop", window); err != nil {
		t.Fatalf("WindowObserve() error = %v", err)
	}

	if err := store.WindowRemove(ctx, "k", "drop"); err != nil {
		t.Fatalf("WindowRemove() error = %v", err)
	}

	res, err := store.WindowPeek(ctx, "k", now.Add(-window))
	if err != nil {
		t.Fatalf("WindowPeek() error = %v", err)
	}
	if res.Count != 1 {
		t.Errorf("Count = %d, want 1 after removal", res.Count)
	}

	// Removing from a missing key is not an error.
	if err := store.WindowRemove(ctx, "absent", "x"); err != nil {
		t.Errorf("WindowRemove() on missing key error = %v", err)
	}
}

func TestMemoryCounterStore_TakeToken(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := NewMockClock(now)
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: clock})

	capacity := 3.0
	refill := 1.0 // one token per second
	ttl := time.Minute

	// A fresh bucket starts full: three takes succeed, the fourth fails.
	for i := 0; i < 3; i++ {
		allowed, _, err := store.TakeToken(ctx, "b", capacity, refill, now, ttl)
		if err != nil {
			t.Fatalf("TakeToken() error = %v", err)
		}
		if !allowed {
			t.Fatalf("take %d should be allowed", i+1)
		}
	}
	allowed, remaining, err := store.TakeToken(ctx, "b", capacity, refill, now, ttl)
	if err != nil {
		t.Fatalf("TakeToken() error = %v", err)
	}
	if allowed {
		t.Error("empty bucket should deny")
	}
	if remaining >= 1 {
		t.Errorf("remaining = %f, want < 1", remaining)
	}

	// Two seconds of refill restores two tokens.
	later := now.Add(2 * time.Second)
	allowed, remaining, err = store.TakeToken(ctx, "b", capacity, refill, later, ttl)
	if err != nil {
		t.Fatalf("TakeToken() error = %v", err)
	}
	if !allowed {
		t.Error("refilled bucket should allow")
	}
	if remaining < 0.9 || remaining > 1.1 {
		t.Errorf("remaining = %f, want about 1", remaining)
	}
}

func TestMemoryCounterStore_TakeTokenCapsAtCapacity(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: NewMockClock(now)})

	if _, _, err := store.TakeToken(ctx, "b", 2, 1, now, time.Minute); err != nil {
		t.Fatalf("TakeToken() error = %v", err)
	}

	// A long idle period must not overfill the bucket.
	later := now.Add(time.Hour)
	_, remaining, err := store.TakeToken(ctx, "b", 2, 1, later, 2*time.Hour)
	if err != nil {
		t.Fatalf("TakeToken() error = %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining = %f, want 1 (capacity 2 minus one take)", remaining)
	}
}

func TestMemoryCounterStore_IncrementWithTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := NewMockClock(now)
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: clock})

	for want := int64(1); want <= 3; want++ {
		got, err := store.IncrementWithTTL(ctx, "c", 10*time.Second)
		if err != nil {
			t.Fatalf("IncrementWithTTL() error = %v", err)
		}
		if got != want {
			t.Errorf("IncrementWithTTL() = %d, want %d", got, want)
		}
	}

	// Expiry restarts the counter.
	clock.Advance(11 * time.Second)
	got, err := store.IncrementWithTTL(ctx, "c", 10*time.Second)
	if err != nil {
		t.Fatalf("IncrementWithTTL() error = %v", err)
	}
	if got != 1 {
		t.Errorf("IncrementWithTTL() after expiry = %d, want 1", got)
	}
}

func TestMemoryCounterStore_AddUnique(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: NewMockClock(now)})

	n, err := store.AddUnique(ctx, "s", "/a", time.Minute)
	if err != nil {
		t.Fatalf("AddUnique() error = %v", err)
	}
	if n != 1 {
		t.Errorf("cardinality = %d, want 1", n)
	}

	// Duplicate members do not grow the set.
	n, _ = store.AddUnique(ctx, "s", "/a", time.Minute)
	if n != 1 {
		t.Errorf("cardinality after duplicate = %d, want 1", n)
	}
	n, _ = store.AddUnique(ctx, "s", "/b", time.Minute)
	if n != 2 {
		t.Errorf("cardinality = %d, want 2", n)
	}
}

func TestMemoryCounterStore_KeyValue(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := NewMockClock(now)
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: clock})

	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("missing key should not be found")
	}

	if err := store.SetWithTTL(ctx, "k", "v1", 10*time.Second); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}
	val, found, err := store.Get(ctx, "k")
	if err != nil || !found || val != "v1" {
		t.Errorf("Get() = (%q, %v, %v), want (v1, true, nil)", val, found, err)
	}

	stored, err := store.SetIfAbsent(ctx, "k", "v2", 10*time.Second)
	if err != nil {
		t.Fatalf("SetIfAbsent() error = %v", err)
	}
	if stored {
		t.Error("SetIfAbsent() should not overwrite a live key")
	}

	ttl, err := store.TTL(ctx, "k")
	if err != nil {
		t.Fatalf("TTL() error = %v", err)
	}
	if ttl <= 0 || ttl > 10*time.Second {
		t.Errorf("TTL() = %s, want in (0, 10s]", ttl)
	}

	// Expired values read as missing and SetIfAbsent can replace them.
	clock.Advance(11 * time.Second)
	if _, found, _ := store.Get(ctx, "k"); found {
		t.Error("expired key should not be found")
	}
	stored, _ = store.SetIfAbsent(ctx, "k", "v3", 10*time.Second)
	if !stored {
		t.Error("SetIfAbsent() should store over an expired key")
	}
}

func TestMemoryCounterStore_Cleanup(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := NewMockClock(now)
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 10, Clock: clock})

	if _, err := store.WindowObserve(ctx, "w", now, now.Add(-time.Minute), 5, "m", time.Minute); err != nil {
		t.Fatalf("WindowObserve() error = %v", err)
	}
	if _, err := store.IncrementWithTTL(ctx, "c", time.Minute); err != nil {
		t.Fatalf("IncrementWithTTL() error = %v", err)
	}
	if err := store.SetWithTTL(ctx, "v", "x", time.Minute); err != nil {
		t.Fatalf("SetWithTTL() error = %v", err)
	}

	clock.Advance(2 * time.Minute)
	if err := store.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}

	if store.KeyCount() != 0 {
		t.Errorf("KeyCount() = %d, want 0 after cleanup", store.KeyCount())
	}
	if _, found, _ := store.Get(ctx, "v"); found {
		t.Error("expired value should be reclaimed")
	}
}

func TestMemoryCounterStore_LRUEviction(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 5, Clock: NewMockClock(now)})

	for i := 0; i < 5; i++ {
		key := fmt.Sprintf("k%d", i)
		if _, err := store.WindowObserve(ctx, key, now, now.Add(-time.Minute), 10, "m", time.Minute); err != nil {
			t.Fatalf("WindowObserve() error = %v", err)
		}
	}

	// A sixth key forces eviction of the least recently used one.
	if _, err := store.WindowObserve(ctx, "k5", now, now.Add(-time.Minute), 10, "m", time.Minute); err != nil {
		t.Fatalf("WindowObserve() error = %v", err)
	}
	if store.KeyCount() > 5 {
		t.Errorf("KeyCount() = %d, want <= 5", store.KeyCount())
	}

	res, err := store.WindowPeek(ctx, "k0", now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("WindowPeek() error = %v", err)
	}
	if res.Count != 0 {
		t.Error("least recently used key should have been evicted")
	}
}

func TestMemoryCounterStore_ConcurrentWindowObserve(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := NewMemoryCounterStore(MemoryStoreConfig{MaxKeys: 100, Clock: NewMockClock(now)})

	const goroutines = 50
	const limit = 20

	var wg sync.WaitGroup
	allowed := make(chan struct{}, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := store.WindowObserve(ctx, "k", now, now.Add(-time.Minute), limit, fmt.Sprintf("m%d", i), time.Minute)
			if err != nil {
				t.Errorf("WindowObserve() error = %v", err)
				return
			}
			if res.Allowed {
				allowed <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(allowed)

	count := 0
	for range allowed {
		count++
	}
	if count != limit {
		t.Errorf("allowed %d concurrent requests, want exactly %d", count, limit)
	}
}
