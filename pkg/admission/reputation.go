package admission

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// ReputationManager maintains a per-identifier trust score in [0, 1] and
// folds it, together with the current system load, into effective limits.
//
// Scores move by bounded increments only: a small climb on every admitted
// request, a larger drop on every denial. They never jump except on an
// explicit reset, and they expire after an idle TTL so inactive
// identifiers shed punitive or favorable bias.
type ReputationManager struct {
	store CounterStore
	cfg   *EngineConfig
	load  LoadProbe
}

// NewReputationManager builds a manager over the shared store. probe may
// be nil, in which case load is treated as zero.
func NewReputationManager(store CounterStore, cfg *EngineConfig, probe LoadProbe) *ReputationManager {
	if probe == nil {
		probe = StaticLoad(0)
	}
	return &ReputationManager{store: store, cfg: cfg, load: probe}
}

// GetScore returns the identifier's current score, or the neutral default
// when the identifier has never been observed, the stored value is
// unreadable, or the store is unavailable. Neutral-on-error keeps the
// reputation path from ever failing a request.
func (m *ReputationManager) GetScore(ctx context.Context, id string) float64 {
	val, found, err := m.store.Get(ctx, reputationKey(id))
	if err != nil || !found {
		return m.cfg.ReputationNeutral
	}
	score, perr := strconv.ParseFloat(val, 64)
	if perr != nil || math.IsNaN(score) {
		return m.cfg.ReputationNeutral
	}
	return clampScore(score)
}

// UpdateScore applies the feedback for one evaluation: a slow climb on
// success, a fast drop on failure. The write refreshes the idle TTL.
func (m *ReputationManager) UpdateScore(ctx context.Context, id string, success bool) error {
	score := m.GetScore(ctx, id)
	if success {
		score = clampScore(score + m.cfg.ReputationSuccessStep)
	} else {
		score = clampScore(score - m.cfg.ReputationFailureStep)
	}
	err := m.store.SetWithTTL(ctx, reputationKey(id), formatScore(score), m.cfg.ReputationIdleTTL)
	if err != nil {
		return fmt.Errorf("update reputation for %s: %w", id, err)
	}
	return nil
}

// Reset discards the identifier's score, reverting it to neutral on the
// next observation.
func (m *ReputationManager) Reset(ctx context.Context, id string) error {
	return m.store.Delete(ctx, reputationKey(id))
}

// LimitScale is a point-in-time snapshot of the multipliers that apply to
// one identifier. The evaluator takes one snapshot per evaluation so every
// window tier is scaled consistently without extra store round trips.
type LimitScale struct {
	Score      float64
	Multiplier float64
	trusted    bool
	burstMult  float64
}

// Apply scales one base ceiling: floor(base * reputation * load).
func (s LimitScale) Apply(base int) int {
	return int(math.Floor(float64(base) * s.Multiplier))
}

// ApplyBurst scales the burst allowance. Burst is elevated above the
// effective limit only for identifiers whose score clears the trust
// threshold; everyone else gets no allowance beyond the steady-state limit.
func (s LimitScale) ApplyBurst(baseBurst, effectiveLimit int) int {
	if !s.trusted {
		return effectiveLimit
	}
	burstBase := float64(baseBurst)
	if burstBase <= 0 {
		burstBase = float64(effectiveLimit) / s.Multiplier
	}
	b := int(math.Floor(burstBase * s.Multiplier * s.burstMult))
	if b < effectiveLimit {
		return effectiveLimit
	}
	return b
}

// Snapshot reads the identifier's score and the current load once and
// returns the combined scale.
//
//	reputation multiplier: 0.5 + 1.5*score, range [0.5, 2.0]
//	load multiplier:       max(0.2, 1 - load)
func (m *ReputationManager) Snapshot(ctx context.Context, id string) LimitScale {
	score := m.GetScore(ctx, id)
	return LimitScale{
		Score:      score,
		Multiplier: reputationMultiplier(score) * loadMultiplier(m.load.Load()),
		trusted:    score > m.cfg.ReputationTrustMinimum,
		burstMult:  m.cfg.ReputationBurstMultiple,
	}
}

// ComputeAdaptiveLimits scales a base limit and burst by the identifier's
// reputation and the current system load. See Snapshot for the formulas.
func (m *ReputationManager) ComputeAdaptiveLimits(ctx context.Context, id string, baseLimit, baseBurst int) (effectiveLimit, effectiveBurst int) {
	scale := m.Snapshot(ctx, id)
	effectiveLimit = scale.Apply(baseLimit)
	effectiveBurst = scale.ApplyBurst(baseBurst, effectiveLimit)
	return effectiveLimit, effectiveBurst
}

func reputationMultiplier(score float64) float64 {
	return 0.5 + 1.5*clampScore(score)
}

func loadMultiplier(load float64) float64 {
	if load < 0 {
		load = 0
	}
	if load > 1 {
		load = 1
	}
	m := 1.0 - load
	if m < 0.2 {
		m = 0.2
	}
	return m
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func formatScore(s float64) string {
	return strconv.FormatFloat(s, 'f', 4, 64)
}
