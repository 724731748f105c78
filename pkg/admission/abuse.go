package admission

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// AbuseSignal is a positive finding from one detector check. Any signal
// bans the identifier and short-circuits evaluation.
type AbuseSignal struct {
	// Check names the detector that fired.
	Check string

	// Reason is the decision reason exposed to the caller, one of
	// ReasonBanned or ReasonDDoSProtection.
	Reason string

	// BanDuration is the severity-tiered base ban length.
	BanDuration time.Duration
}

// AbuseCheck is one independent, composable pattern check. Checks must not
// touch the evaluator's own counters; they read and write their own key
// namespaces so detection never feeds back into throttling.
type AbuseCheck interface {
	Name() string
	Check(ctx context.Context, id string, req *Request) (*AbuseSignal, error)
}

// AbuseDetector runs the configured checks in order and reports the first
// positive signal. A check that fails against the store is skipped: the
// detector degrades to fewer checks, never to a blocked request.
type AbuseDetector struct {
	checks  []AbuseCheck
	metrics Metrics
}

// NewAbuseDetector wires the standard check set from the engine config.
func NewAbuseDetector(store CounterStore, cfg *EngineConfig, clock Clock, metrics Metrics) *AbuseDetector {
	if clock == nil {
		clock = &SystemClock{}
	}
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &AbuseDetector{
		metrics: metrics,
		checks: []AbuseCheck{
			&structuralCheck{banDuration: cfg.StructuralBanDuration},
			&signatureCheck{banDuration: cfg.SignatureBanDuration},
			&rapidFireCheck{store: store, threshold: cfg.RapidFireThreshold, window: cfg.RapidFireWindow, banDuration: cfg.RapidFireBanDuration},
			&scanCheck{store: store, threshold: cfg.ScanPathThreshold, window: cfg.ScanPathWindow, banDuration: cfg.ScanBanDuration},
			&globalSurgeCheck{store: store, clock: clock, threshold: cfg.GlobalSurgeThreshold, window: cfg.GlobalSurgeWindow, banDuration: cfg.SurgeBanDuration},
		},
	}
}

// Inspect runs every check until one fires. The returned error reports
// whether any check had to be skipped on a store failure; a signal may
// still be returned alongside it.
func (d *AbuseDetector) Inspect(ctx context.Context, id string, req *Request) (*AbuseSignal, error) {
	var degraded error
	for _, c := range d.checks {
		sig, err := c.Check(ctx, id, req)
		if err != nil {
			degraded = err
			d.metrics.RecordStoreFailure("abuse_" + c.Name())
			slog.Warn("abuse check skipped, store unavailable",
				slog.String("check", c.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if sig != nil {
			d.metrics.RecordAbuseSignal(c.Name())
			return sig, degraded
		}
	}
	return nil, degraded
}

// rapidFireCheck fires when one identifier exceeds the threshold inside a
// short window. It counts on its own key, not the evaluator's windows.
type rapidFireCheck struct {
	store       CounterStore
	threshold   int
	window      time.Duration
	banDuration time.Duration
}

func (c *rapidFireCheck) Name() string { return "rapid_fire" }

func (c *rapidFireCheck) Check(ctx context.Context, id string, req *Request) (*AbuseSignal, error) {
	if c.threshold <= 0 {
		return nil, nil
	}
	n, err := c.store.IncrementWithTTL(ctx, rapidFireKey(id), c.window)
	if err != nil {
		return nil, err
	}
	if n > int64(c.threshold) {
		return &AbuseSignal{Check: c.Name(), Reason: ReasonBanned, BanDuration: c.banDuration}, nil
	}
	return nil, nil
}

// globalSurgeCheck fires when the aggregate request count across all
// identifiers exceeds the ceiling, protecting shared capacity from
// distributed attacks that no per-identifier counter would see.
type globalSurgeCheck struct {
	store       CounterStore
	clock       Clock
	threshold   int
	window      time.Duration
	banDuration time.Duration
}

func (c *globalSurgeCheck) Name() string { return "global_surge" }

func (c *globalSurgeCheck) Check(ctx context.Context, id string, req *Request) (*AbuseSignal, error) {
	if c.threshold <= 0 {
		return nil, nil
	}
	n, err := c.store.IncrementWithTTL(ctx, surgeKey(c.window, c.clock.Now()), c.window)
	if err != nil {
		return nil, err
	}
	if n > int64(c.threshold) {
		return &AbuseSignal{Check: c.Name(), Reason: ReasonDDoSProtection, BanDuration: c.banDuration}, nil
	}
	return nil, nil
}

// scannerFingerprints are user-agent fragments of common automation and
// vulnerability scanners. Matching is case-insensitive substring.
var scannerFingerprints = []string{
	"sqlmap", "nikto", "nmap", "masscan", "nessus", "acunetix",
	"dirbuster", "gobuster", "wfuzz", "hydra", "metasploit",
	"python-requests", "libwww-perl", "curl/", "wget/",
	"zgrab", "nuclei", "httpx",
}

// crawlerAllowlist exempts well-known legitimate crawlers from the
// signature check.
var crawlerAllowlist = []string{
	"googlebot", "bingbot", "duckduckbot", "slurp", "baiduspider",
	"yandexbot", "applebot", "facebookexternalhit",
}

// signatureCheck fires on user-agent fingerprints of known automation,
// excluding allow-listed crawlers. Purely local, no store access.
type signatureCheck struct {
	banDuration time.Duration
}

func (c *signatureCheck) Name() string { return "suspicious_signature" }

func (c *signatureCheck) Check(ctx context.Context, id string, req *Request) (*AbuseSignal, error) {
	ua := strings.ToLower(req.UserAgent)
	if ua == "" {
		return nil, nil
	}
	for _, ok := range crawlerAllowlist {
		if strings.Contains(ua, ok) {
			return nil, nil
		}
	}
	for _, bad := range scannerFingerprints {
		if strings.Contains(ua, bad) {
			return &AbuseSignal{Check: c.Name(), Reason: ReasonBanned, BanDuration: c.banDuration}, nil
		}
	}
	return nil, nil
}

// traversalMarkers and injectionMarkers are structural attack fragments.
// Conservative substring heuristics: a false positive bans a caller that
// was already sending hostile-looking input.
var traversalMarkers = []string{
	"../", "..\\", "%2e%2e%2f", "%2e%2e/", "..%2f", "%2e%2e%5c",
}

var injectionMarkers = []string{
	"union select", "' or '", "\" or \"", "or 1=1", "; drop table",
	"<script", "javascript:", "onerror=", "onload=", "exec(", "eval(",
}

// structuralCheck fires on path traversal sequences and SQL/script
// injection markers. Purely local, no store access.
type structuralCheck struct {
	banDuration time.Duration
}

func (c *structuralCheck) Name() string { return "structural_attack" }

func (c *structuralCheck) Check(ctx context.Context, id string, req *Request) (*AbuseSignal, error) {
	path := strings.ToLower(req.Path)
	for _, m := range traversalMarkers {
		if strings.Contains(path, m) {
			return &AbuseSignal{Check: c.Name(), Reason: ReasonBanned, BanDuration: c.banDuration}, nil
		}
	}
	query := strings.ToLower(req.RawQuery)
	if query == "" {
		return nil, nil
	}
	for _, m := range injectionMarkers {
		if strings.Contains(query, m) {
			return &AbuseSignal{Check: c.Name(), Reason: ReasonBanned, BanDuration: c.banDuration}, nil
		}
	}
	return nil, nil
}

// scanCheck fires when one identifier touches too many distinct paths in
// a short window, the signature of endpoint enumeration.
type scanCheck struct {
	store       CounterStore
	threshold   int
	window      time.Duration
	banDuration time.Duration
}

func (c *scanCheck) Name() string { return "path_scanning" }

func (c *scanCheck) Check(ctx context.Context, id string, req *Request) (*AbuseSignal, error) {
	if c.threshold <= 0 {
		return nil, nil
	}
	n, err := c.store.AddUnique(ctx, scanPathsKey(id), req.Path, c.window)
	if err != nil {
		return nil, err
	}
	if n > int64(c.threshold) {
		return &AbuseSignal{Check: c.Name(), Reason: ReasonBanned, BanDuration: c.banDuration}, nil
	}
	return nil, nil
}
