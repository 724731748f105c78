package admission

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// Strategy selects the admission algorithm a policy is evaluated with.
type Strategy string

const (
	// StrategySlidingWindow counts request timestamps in trailing
	// intervals, one per configured window tier.
	StrategySlidingWindow Strategy = "sliding_window"

	// StrategyTokenBucket models a continuously refilling capacity that
	// is spent per request.
	StrategyTokenBucket Strategy = "token_bucket"
)

// IsValid reports whether the strategy is a recognized value.
func (s Strategy) IsValid() bool {
	return s == StrategySlidingWindow || s == StrategyTokenBucket
}

// WindowLimit is one tier of a policy: a request ceiling over a trailing
// duration.
type WindowLimit struct {
	Duration time.Duration
	Limit    int
}

// Policy is the immutable rate-limit configuration for a route.
//
// Windows must be ordered ascending by duration; the first (shortest)
// window drives the Limit/Remaining metadata reported on decisions. A zero
// Limit on any tier means "deny all" for that tier.
type Policy struct {
	// Name identifies the policy in logs and metrics.
	Name string

	// Strategy selects sliding_window or token_bucket evaluation.
	Strategy Strategy

	// Windows are the ceiling tiers, shortest first.
	Windows []WindowLimit

	// Burst is the ceiling of the short burst sub-window. Zero disables
	// the burst check.
	Burst int

	// BurstWindow is the length of the burst sub-window. Defaults to 10s.
	BurstWindow time.Duration

	// BlockDuration, when positive, turns a main-window violation into a
	// temporary ban of this length, escalating repeat offenders into the
	// ban path.
	BlockDuration time.Duration

	// Allowlist addresses bypass evaluation entirely.
	Allowlist []netip.Prefix

	// Blocklist addresses are denied before evaluation.
	Blocklist []netip.Prefix
}

// Validate checks the policy for misconfiguration. Negative limits and
// non-positive or out-of-order window durations are configuration errors,
// fatal at load time rather than at request time.
func (p *Policy) Validate() error {
	if !p.Strategy.IsValid() {
		return fmt.Errorf("policy %q: invalid strategy %q", p.Name, p.Strategy)
	}
	if len(p.Windows) == 0 {
		return fmt.Errorf("policy %q: at least one window is required", p.Name)
	}
	var prev time.Duration
	for i, w := range p.Windows {
		if w.Duration <= 0 {
			return fmt.Errorf("policy %q: window[%d] duration must be positive, got %s", p.Name, i, w.Duration)
		}
		if w.Duration <= prev {
			return fmt.Errorf("policy %q: window durations must be strictly ascending", p.Name)
		}
		if w.Limit < 0 {
			return fmt.Errorf("policy %q: window[%d] limit must be non-negative, got %d", p.Name, i, w.Limit)
		}
		prev = w.Duration
	}
	if p.Burst < 0 {
		return fmt.Errorf("policy %q: burst must be non-negative, got %d", p.Name, p.Burst)
	}
	if p.BurstWindow < 0 {
		return fmt.Errorf("policy %q: burst window must be non-negative, got %s", p.Name, p.BurstWindow)
	}
	if p.BlockDuration < 0 {
		return fmt.Errorf("policy %q: block duration must be non-negative, got %s", p.Name, p.BlockDuration)
	}
	return nil
}

// applyDefaults fills optional fields.
func (p *Policy) applyDefaults() {
	if p.Strategy == "" {
		p.Strategy = StrategySlidingWindow
	}
	if p.BurstWindow == 0 {
		p.BurstWindow = 10 * time.Second
	}
}

// AddressListed reports whether addr matches any prefix in the list.
// Unparseable addresses never match, biasing toward normal evaluation.
func AddressListed(list []netip.Prefix, addr string) bool {
	if len(list) == 0 {
		return false
	}
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return false
	}
	for _, p := range list {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// PolicyTable is the static route-to-policy configuration loaded at
// process start.
type PolicyTable struct {
	// Exact maps full request paths to policies.
	Exact map[string]*Policy

	// Prefixes maps path prefixes to policies; the longest registered
	// prefix wins.
	Prefixes map[string]*Policy

	// Default applies when no exact or prefix entry matches.
	Default *Policy

	// Global is layered on top of every route policy regardless of
	// route: a request must pass both.
	Global *Policy
}

// PolicyResolver maps request routes to policies. Resolution is a pure
// in-memory lookup with no I/O; policies are immutable after construction.
type PolicyResolver struct {
	exact    map[string]*Policy
	prefixes []prefixEntry // sorted by descending prefix length
	def      *Policy
	global   *Policy
}

type prefixEntry struct {
	prefix string
	policy *Policy
}

// NewPolicyResolver validates the table and builds a resolver. Any invalid
// policy aborts construction; a misconfigured engine must not start.
func NewPolicyResolver(table PolicyTable) (*PolicyResolver, error) {
	if table.Default == nil {
		return nil, fmt.Errorf("policy table: default policy is required")
	}
	if table.Global == nil {
		return nil, fmt.Errorf("policy table: global policy is required")
	}

	all := []*Policy{table.Default, table.Global}
	for _, p := range table.Exact {
		all = append(all, p)
	}
	for _, p := range table.Prefixes {
		all = append(all, p)
	}
	for _, p := range all {
		p.applyDefaults()
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	r := &PolicyResolver{
		exact:  make(map[string]*Policy, len(table.Exact)),
		def:    table.Default,
		global: table.Global,
	}
	for path, p := range table.Exact {
		r.exact[path] = p
	}
	for prefix, p := range table.Prefixes {
		r.prefixes = append(r.prefixes, prefixEntry{prefix: prefix, policy: p})
	}
	sort.Slice(r.prefixes, func(i, j int) bool {
		return len(r.prefixes[i].prefix) > len(r.prefixes[j].prefix)
	})
	return r, nil
}

// Resolve returns the route policy for a path: exact match first, then the
// longest registered prefix, then the default. The HTTP method is advisory
// only and does not participate in the lookup.
func (r *PolicyResolver) Resolve(path, method string) *Policy {
	if p, ok := r.exact[path]; ok {
		return p
	}
	for _, e := range r.prefixes {
		if strings.HasPrefix(path, e.prefix) {
			return e.policy
		}
	}
	return r.def
}

// Global returns the always-applied global policy.
func (r *PolicyResolver) Global() *Policy {
	return r.global
}

// WindowDurations returns the distinct window durations used anywhere in
// the table, including burst sub-windows. The administrative reset uses it
// to clear every counter an identifier may have touched.
func (r *PolicyResolver) WindowDurations() []time.Duration {
	seen := make(map[time.Duration]struct{})
	collect := func(p *Policy) {
		for _, w := range p.Windows {
			seen[w.Duration] = struct{}{}
		}
		if p.Burst > 0 && p.BurstWindow > 0 {
			seen[p.BurstWindow] = struct{}{}
		}
	}
	collect(r.def)
	collect(r.global)
	for _, p := range r.exact {
		collect(p)
	}
	for _, e := range r.prefixes {
		collect(e.policy)
	}
	out := make([]time.Duration, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
