package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore is a thread-safe in-memory CounterStore for
// single-process deployments and tests.
//
// Cross-process enforcement needs the Redis store; this one keeps the
// same atomicity guarantees within one process. Memory is bounded by a
// maximum window-key count with LRU eviction, and everything carries an
// expiry that Cleanup reclaims.
type MemoryCounterStore struct {
	mu sync.Mutex

	windows  map[string]*windowEntries
	buckets  map[string]*bucketState
	counters map[string]*counterState
	sets     map[string]*setState
	values   map[string]*valueState

	maxKeys int
	clock   Clock

	// LRU over window keys only; the other maps are small and strictly
	// TTL-bounded.
	lru *lruList
}

type windowEntry struct {
	ts        time.Time
	member    string
	expiresAt time.Time
}

type windowEntries struct {
	entries []windowEntry
}

type bucketState struct {
	tokens    float64
	last      time.Time
	expiresAt time.Time
}

type counterState struct {
	value     int64
	expiresAt time.Time
}

type setState struct {
	members   map[string]struct{}
	expiresAt time.Time
}

type valueState struct {
	value     string
	expiresAt time.Time
}

// lruList maintains a doubly-linked list of keys ordered by last access.
type lruList struct {
	head *lruNode
	tail *lruNode
	keys map[string]*lruNode
}

type lruNode struct {
	key  string
	prev *lruNode
	next *lruNode
}

// MemoryStoreConfig holds configuration for MemoryCounterStore.
type MemoryStoreConfig struct {
	// MaxKeys bounds the number of window keys kept in memory. When the
	// limit is reached the least recently used keys are evicted.
	// Default: 10000.
	MaxKeys int

	// Clock provides time operations for testing. Default: SystemClock.
	Clock Clock
}

// NewMemoryCounterStore creates an in-memory store with the given
// configuration.
func NewMemoryCounterStore(config MemoryStoreConfig) *MemoryCounterStore {
	if config.MaxKeys <= 0 {
		config.MaxKeys = 10000
	}
	if config.Clock == nil {
		config.Clock = &SystemClock{}
	}
	return &MemoryCounterStore{
		windows:  make(map[string]*windowEntries),
		buckets:  make(map[string]*bucketState),
		counters: make(map[string]*counterState),
		sets:     make(map[string]*setState),
		values:   make(map[string]*valueState),
		maxKeys:  config.MaxKeys,
		clock:    config.Clock,
		lru:      newLRUList(),
	}
}

func newLRUList() *lruList {
	return &lruList{keys: make(map[string]*lruNode)}
}

// WindowObserve purges, counts and conditionally inserts under a single
// lock acquisition so concurrent callers cannot both observe a count just
// under the limit.
func (s *MemoryCounterStore) WindowObserve(ctx context.Context, key string, ts, cutoff time.Time, limit int64, member string, ttl time.Duration) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.windows[key]
	if exists {
		w.purge(cutoff)
	}

	var count int64
	var oldest time.Time
	if exists {
		count = int64(len(w.entries))
		if count > 0 {
			oldest = w.entries[0].ts
		}
	}

	if count >= limit {
		return WindowResult{Allowed: false, Count: count, Oldest: oldest}, nil
	}

	if !exists {
		if len(s.windows) >= s.maxKeys {
			s.evictLRU()
		}
		w = &windowEntries{entries: make([]windowEntry, 0, 16)}
		s.windows[key] = w
	}
	w.entries = append(w.entries, windowEntry{ts: ts, member: member, expiresAt: ts.Add(ttl)})
	s.lru.touch(key)

	if oldest.IsZero() {
		oldest = ts
	}
	return WindowResult{Allowed: true, Count: count + 1, Oldest: oldest}, nil
}

// WindowPeek purges and counts without inserting.
func (s *MemoryCounterStore) WindowPeek(ctx context.Context, key string, cutoff time.Time) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.windows[key]
	if !exists {
		return WindowResult{}, nil
	}
	w.purge(cutoff)
	res := WindowResult{Count: int64(len(w.entries))}
	if len(w.entries) > 0 {
		res.Oldest = w.entries[0].ts
	}
	return res, nil
}

// WindowRemove deletes every entry carrying the member tag.
func (s *MemoryCounterStore) WindowRemove(ctx context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, exists := s.windows[key]
	if !exists {
		return nil
	}
	kept := w.entries[:0]
	for _, e := range w.entries {
		if e.member != member {
			kept = append(kept, e)
		}
	}
	w.entries = kept
	if len(w.entries) == 0 {
		delete(s.windows, key)
		s.lru.remove(key)
	}
	return nil
}

// TakeToken refills the bucket as a pure function of elapsed time and
// consumes one token when available. A new bucket starts full.
func (s *MemoryCounterStore) TakeToken(ctx context.Context, key string, capacity, refillPerSec float64, ts time.Time, ttl time.Duration) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, exists := s.buckets[key]
	if !exists || !b.expiresAt.After(ts) {
		b = &bucketState{tokens: capacity, last: ts}
		s.buckets[key] = b
	} else {
		elapsed := ts.Sub(b.last).Seconds()
		if elapsed > 0 {
			b.tokens += elapsed * refillPerSec
			if b.tokens > capacity {
				b.tokens = capacity
			}
			b.last = ts
		}
	}
	b.expiresAt = ts.Add(ttl)

	if b.tokens < 1 {
		return false, b.tokens, nil
	}
	b.tokens--
	return true, b.tokens, nil
}

// IncrementWithTTL increments the counter, creating it with the TTL when
// absent or expired. The TTL is not refreshed on later increments, which
// gives the counter fixed-window semantics.
func (s *MemoryCounterStore) IncrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	c, exists := s.counters[key]
	if !exists || !c.expiresAt.After(now) {
		c = &counterState{value: 0, expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.value++
	return c.value, nil
}

// AddUnique adds the member to the set and returns the cardinality.
func (s *MemoryCounterStore) AddUnique(ctx context.Context, key, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	set, exists := s.sets[key]
	if !exists || !set.expiresAt.After(now) {
		set = &setState{members: make(map[string]struct{}), expiresAt: now.Add(ttl)}
		s.sets[key] = set
	}
	set.members[member] = struct{}{}
	return int64(len(set.members)), nil
}

// Get returns the value at key when present and unexpired.
func (s *MemoryCounterStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.values[key]
	if !exists || !v.expiresAt.After(s.clock.Now()) {
		return "", false, nil
	}
	return v.value, true, nil
}

// SetWithTTL stores the value, replacing any existing one.
func (s *MemoryCounterStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = &valueState{value: value, expiresAt: s.clock.Now().Add(ttl)}
	return nil
}

// SetIfAbsent stores the value only when the key is missing or expired.
func (s *MemoryCounterStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if v, exists := s.values[key]; exists && v.expiresAt.After(now) {
		return false, nil
	}
	s.values[key] = &valueState{value: value, expiresAt: now.Add(ttl)}
	return true, nil
}

// Delete removes the key from every map. Missing keys are not an error.
func (s *MemoryCounterStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.windows[key]; exists {
		delete(s.windows, key)
		s.lru.remove(key)
	}
	delete(s.buckets, key)
	delete(s.counters, key)
	delete(s.sets, key)
	delete(s.values, key)
	return nil
}

// TTL returns the remaining lifetime of a value key, or zero.
func (s *MemoryCounterStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, exists := s.values[key]
	if !exists {
		return 0, nil
	}
	d := v.expiresAt.Sub(s.clock.Now())
	if d < 0 {
		return 0, nil
	}
	return d, nil
}

// Cleanup reclaims expired state across every map. Run it periodically;
// TTLs are otherwise only enforced lazily on access.
func (s *MemoryCounterStore) Cleanup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()

	for key, w := range s.windows {
		kept := w.entries[:0]
		for _, e := range w.entries {
			if e.expiresAt.After(now) {
				kept = append(kept, e)
			}
		}
		w.entries = kept
		if len(w.entries) == 0 {
			delete(s.windows, key)
			s.lru.remove(key)
		}
	}
	for key, b := range s.buckets {
		if !b.expiresAt.After(now) {
			delete(s.buckets, key)
		}
	}
	for key, c := range s.counters {
		if !c.expiresAt.After(now) {
			delete(s.counters, key)
		}
	}
	for key, set := range s.sets {
		if !set.expiresAt.After(now) {
			delete(s.sets, key)
		}
	}
	for key, v := range s.values {
		if !v.expiresAt.After(now) {
			delete(s.values, key)
		}
	}
	return nil
}

// KeyCount returns the number of active window keys. Useful for capacity
// monitoring and tests.
func (s *MemoryCounterStore) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// purge drops entries at or before the cutoff. Entries are appended in
// timestamp order, so the slice stays sorted.
func (w *windowEntries) purge(cutoff time.Time) {
	i := 0
	for i < len(w.entries) && !w.entries[i].ts.After(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// evictLRU evicts 10% of the window keys, least recently used first.
// Caller holds s.mu.
func (s *MemoryCounterStore) evictLRU() {
	evictCount := s.maxKeys / 10
	if evictCount < 1 {
		evictCount = 1
	}
	for evicted := 0; evicted < evictCount && s.lru.tail != nil; evicted++ {
		key := s.lru.tail.key
		delete(s.windows, key)
		s.lru.remove(key)
	}
}

// touch moves the key to the most recently used position, inserting it
// when absent. Caller holds the store lock.
func (l *lruList) touch(key string) {
	if _, exists := l.keys[key]; exists {
		l.remove(key)
	}

	node := &lruNode{key: key, next: l.head}
	if l.head != nil {
		l.head.prev = node
	}
	l.head = node
	if l.tail == nil {
		l.tail = node
	}
	l.keys[key] = node
}

// remove unlinks the key from the list. Caller holds the store lock.
func (l *lruList) remove(key string) {
	node, exists := l.keys[key]
	if !exists {
		return
	}
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		l.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		l.tail = node.prev
	}
	delete(l.keys, key)
}
