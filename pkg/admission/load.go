package admission

import (
	"runtime"
	"sync"
	"time"
)

// StaticLoad is a LoadProbe pinned to a fixed value. Useful for tests and
// for deployments that feed load from an external controller.
type StaticLoad float64

// Load returns the pinned value clamped to [0, 1].
func (s StaticLoad) Load() float64 {
	v := float64(s)
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// MemoryLoadProbe estimates load from the Go heap: live heap bytes over a
// configured soft ceiling. It is a coarse signal, but it moves in the
// right direction under pressure and costs one ReadMemStats per sample
// interval.
type MemoryLoadProbe struct {
	limitBytes uint64
	interval   time.Duration
	clock      Clock

	mu      sync.Mutex
	sampled time.Time
	value   float64
}

// NewMemoryLoadProbe builds a probe with the given heap soft ceiling.
// Samples are cached for the interval; an interval of 0 defaults to 5s.
func NewMemoryLoadProbe(limitBytes uint64, interval time.Duration, clock Clock) *MemoryLoadProbe {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if clock == nil {
		clock = &SystemClock{}
	}
	return &MemoryLoadProbe{limitBytes: limitBytes, interval: interval, clock: clock}
}

// Load returns the cached heap pressure in [0, 1], resampling when the
// cache interval has elapsed.
func (p *MemoryLoadProbe) Load() float64 {
	if p.limitBytes == 0 {
		return 0
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	if !p.sampled.IsZero() && now.Sub(p.sampled) < p.interval {
		return p.value
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	v := float64(ms.HeapAlloc) / float64(p.limitBytes)
	if v > 1 {
		v = 1
	}
	p.sampled = now
	p.value = v
	return v
}
