package admission

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// GatewayOptions wires a Gateway. Config, Policies and Store are
// required; everything else has a working default.
type GatewayOptions struct {
	Config   *EngineConfig
	Policies *PolicyResolver
	Store    CounterStore

	Clock    Clock
	Metrics  Metrics
	Load     LoadProbe
	Notifier BanNotifier
	Breaker  *CircuitBreaker
}

// Gateway orchestrates the engine into one Evaluate call per request:
//
//	identifier → ban check → abuse checks → policy → evaluation →
//	reputation feedback → Decision
//
// Per identifier the observable states are Normal → Throttled → Normal
// (soft path, evaluator only) and Normal → Banned → Normal (hard path,
// TTL-driven). A ban fully dominates; there is no Banned → Throttled
// transition.
//
// Every branch produces exactly one Decision and no internal fault ever
// propagates to the caller: when the shared store is unreachable the
// gateway fails open, admitting the request and logging the degradation.
// That trade-off favors availability over strict enforcement and is
// deliberate — a store outage must not become a denial of service against
// legitimate traffic.
type Gateway struct {
	cfg        *EngineConfig
	resolver   *IdentifierResolver
	policies   *PolicyResolver
	store      CounterStore
	bans       *BanStore
	reputation *ReputationManager
	evaluator  *AdmissionEvaluator
	detector   *AbuseDetector
	breaker    *CircuitBreaker
	clock      Clock
	metrics    Metrics
	notifier   BanNotifier
}

// NewGateway validates the options and assembles the engine.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("gateway: config is required")
	}
	if opts.Policies == nil {
		return nil, fmt.Errorf("gateway: policy resolver is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("gateway: counter store is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	opts.Config.ApplyDefaults()

	clock := opts.Clock
	if clock == nil {
		clock = &SystemClock{}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}

	reputation := NewReputationManager(opts.Store, opts.Config, opts.Load)
	g := &Gateway{
		cfg:        opts.Config,
		resolver:   NewIdentifierResolver(),
		policies:   opts.Policies,
		store:      opts.Store,
		bans:       NewBanStore(opts.Store, opts.Config, clock),
		reputation: reputation,
		evaluator:  NewAdmissionEvaluator(opts.Store, reputation, clock),
		detector:   NewAbuseDetector(opts.Store, opts.Config, clock, metrics),
		breaker:    opts.Breaker,
		clock:      clock,
		metrics:    metrics,
		notifier:   opts.Notifier,
	}
	return g, nil
}

// Reputation exposes the reputation manager for adapters that surface
// adaptive limits (operator tooling, tests).
func (g *Gateway) Reputation() *ReputationManager {
	return g.reputation
}

// Evaluate decides whether the request may proceed. It never returns an
// error; internal faults degrade to an allow.
func (g *Gateway) Evaluate(ctx context.Context, req *Request) *Decision {
	start := g.clock.Now()
	dec := g.evaluate(ctx, req)
	g.metrics.RecordCheckDuration(g.clock.Now().Sub(start))

	outcome := "allowed"
	if dec.IsDenied() {
		outcome = "denied"
	}
	g.metrics.RecordDecision(outcome, dec.Reason, req.Path)

	slog.Debug("admission decision",
		slog.String("identifier", dec.Identifier),
		slog.Bool("allowed", dec.Allowed),
		slog.String("reason", dec.Reason),
		slog.String("path", req.Path),
		slog.String("method", req.Method),
		slog.Int("remaining", dec.Remaining),
	)
	return dec
}

func (g *Gateway) evaluate(ctx context.Context, req *Request) *Decision {
	id := g.resolver.Resolve(req)

	if !g.cfg.Enabled {
		return g.unlimited(id)
	}

	// A dead store already opened the breaker: skip the round trips
	// entirely until the recovery probe closes it again.
	if g.breaker != nil && !g.breaker.Allow() {
		g.metrics.RecordStoreFailure("circuit_open")
		return g.unlimited(id)
	}

	// Ban check dominates everything else.
	if rec, err := g.bans.IsBanned(ctx, id); err != nil {
		return g.failOpen(id, "ban_check", err)
	} else if rec != nil {
		now := g.clock.Now()
		return newDeniedDecision(id, ReasonBanned, 0, rec.ExpiresAt, now)
	}

	// Abuse checks may ban and short-circuit before throttling runs.
	if sig, _ := g.detector.Inspect(ctx, id, req); sig != nil {
		return g.denyAndBan(ctx, id, sig.Reason, sig.Check, sig.BanDuration)
	}

	pol := g.policies.Resolve(req.Path, req.Method)
	addr := g.resolver.ClientAddress(req)
	if AddressListed(pol.Blocklist, addr) {
		now := g.clock.Now()
		return newDeniedDecision(id, ReasonBanned, 0, now.Add(g.cfg.BanMaxDuration), now)
	}
	if AddressListed(pol.Allowlist, addr) {
		return g.unlimited(id)
	}

	// Route policy and global policy are ANDed: the request must pass
	// both. The route policy runs first so its block-duration semantics
	// win when both would deny.
	dec, undo, err := g.evaluator.Evaluate(ctx, nsRoute, id, pol)
	if err != nil {
		return g.failOpen(id, "route_evaluate", err)
	}
	if dec.IsDenied() {
		return g.handleViolation(ctx, dec, pol)
	}

	gdec, _, err := g.evaluator.Evaluate(ctx, nsGlobal, id, g.policies.Global())
	if err != nil {
		return g.failOpen(id, "global_evaluate", err)
	}
	if gdec.IsDenied() {
		// The route windows already admitted this request; hand that
		// quota back so a retry is not charged twice for one denial.
		if undo != nil {
			undo(ctx)
		}
		return g.handleViolation(ctx, gdec, g.policies.Global())
	}

	if g.breaker != nil {
		g.breaker.RecordSuccess()
	}
	g.feedback(ctx, id, true)

	// Report the tighter of the two allows.
	if gdec.Remaining < dec.Remaining {
		return gdec
	}
	return dec
}

// handleViolation finalizes a throttling denial: burst violations earn the
// short separate block, main-window violations with a configured block
// duration escalate into the ban path, and either way the identifier's
// reputation drops.
func (g *Gateway) handleViolation(ctx context.Context, dec *Decision, pol *Policy) *Decision {
	switch {
	case dec.Reason == ReasonBurstExceeded:
		g.writeBan(ctx, dec.Identifier, "burst_violation", g.cfg.BurstBlockDuration)
	case pol.BlockDuration > 0:
		g.writeBan(ctx, dec.Identifier, "rate_limit_violation", pol.BlockDuration)
	}
	g.feedback(ctx, dec.Identifier, false)
	return dec
}

// denyAndBan handles a positive abuse signal.
func (g *Gateway) denyAndBan(ctx context.Context, id, reason, cause string, duration time.Duration) *Decision {
	rec := g.writeBan(ctx, id, cause, duration)
	g.feedback(ctx, id, false)

	now := g.clock.Now()
	expires := now.Add(duration)
	if rec != nil {
		expires = rec.ExpiresAt
	}
	return newDeniedDecision(id, reason, 0, expires, now)
}

// writeBan records a ban, counts it, and notifies out of band. Failures
// are logged and swallowed: the deny decision stands either way.
func (g *Gateway) writeBan(ctx context.Context, id, cause string, duration time.Duration) *BanRecord {
	rec, err := g.bans.Ban(ctx, id, cause, duration)
	if err != nil {
		g.metrics.RecordStoreFailure("ban_write")
		if g.breaker != nil {
			g.breaker.RecordFailure()
		}
		slog.Warn("ban write failed",
			slog.String("identifier", id),
			slog.String("cause", cause),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if rec == nil {
		return nil
	}
	g.metrics.RecordBan(cause)
	if g.notifier != nil {
		// Out of band: the notifier must never block or fail the
		// request path, and a cancelled request should not cancel
		// the alert.
		go g.notifier.NotifyBan(context.WithoutCancel(ctx), *rec)
	}
	return rec
}

// feedback refreshes the identifier's reputation after a decision.
func (g *Gateway) feedback(ctx context.Context, id string, success bool) {
	if err := g.reputation.UpdateScore(ctx, id, success); err != nil {
		g.metrics.RecordStoreFailure("reputation_update")
		slog.Warn("reputation update failed",
			slog.String("identifier", id),
			slog.String("error", err.Error()),
		)
	}
}

// failOpen turns a store failure into an allow, leaving an audit trail.
func (g *Gateway) failOpen(id, op string, err error) *Decision {
	g.metrics.RecordStoreFailure(op)
	if g.breaker != nil {
		g.breaker.RecordFailure()
	}
	slog.Warn("counter store unavailable, admitting request (fail-open)",
		slog.String("identifier", id),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return g.unlimited(id)
}

func (g *Gateway) unlimited(id string) *Decision {
	return &Decision{Identifier: id, Allowed: true}
}

// RateLimitStatus is the operator view of one identifier.
type RateLimitStatus struct {
	Identifier      string    `json:"identifier"`
	Blocked         bool      `json:"blocked"`
	CurrentAttempts int       `json:"current_attempts"`
	Remaining       int       `json:"remaining"`
	ResetAt         time.Time `json:"reset_at"`
}

// GetRateLimitStatus reports an identifier's standing against the default
// policy's shortest window. Used by operator tooling, not request traffic,
// so store errors propagate instead of failing open.
func (g *Gateway) GetRateLimitStatus(ctx context.Context, id string) (*RateLimitStatus, error) {
	rec, err := g.bans.IsBanned(ctx, id)
	if err != nil {
		return nil, err
	}

	pol := g.policies.Resolve("", "")
	w := pol.Windows[0]
	now := g.clock.Now()
	res, err := g.store.WindowPeek(ctx, windowKey(nsRoute, id, w.Duration), now.Add(-w.Duration))
	if err != nil {
		return nil, fmt.Errorf("%w: status peek: %w", ErrStoreUnavailable, err)
	}

	eff := g.reputation.Snapshot(ctx, id).Apply(w.Limit)
	remaining := eff - int(res.Count)
	if remaining < 0 {
		remaining = 0
	}
	return &RateLimitStatus{
		Identifier:      id,
		Blocked:         rec != nil,
		CurrentAttempts: int(res.Count),
		Remaining:       remaining,
		ResetAt:         windowReset(res.Oldest, w.Duration, now),
	}, nil
}

// ResetRateLimit clears every counter the identifier may have touched —
// all window tiers in both namespaces, burst sub-windows, token buckets,
// detector counters — and resets its reputation to neutral.
func (g *Gateway) ResetRateLimit(ctx context.Context, id string) error {
	keys := []string{
		burstKey(nsRoute, id), burstKey(nsGlobal, id),
		bucketKey(nsRoute, id), bucketKey(nsGlobal, id),
		rapidFireKey(id), scanPathsKey(id),
	}
	for _, d := range g.policies.WindowDurations() {
		keys = append(keys, windowKey(nsRoute, id, d), windowKey(nsGlobal, id, d))
	}
	for _, key := range keys {
		if err := g.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: reset %s: %w", ErrStoreUnavailable, key, err)
		}
	}
	return g.reputation.Reset(ctx, id)
}

// Unban lifts an identifier's ban. Escalation history is preserved.
func (g *Gateway) Unban(ctx context.Context, id string) error {
	return g.bans.Unban(ctx, id)
}
