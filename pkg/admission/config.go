package admission

import (
	"fmt"
	"time"
)

// EngineConfig bundles the tunables of the engine outside the per-route
// policy table: abuse-detector thresholds, reputation parameters, and ban
// escalation behavior.
type EngineConfig struct {
	// Enabled turns the whole engine on or off. When disabled the
	// gateway admits everything.
	Enabled bool

	// RapidFireThreshold is the per-identifier request count inside
	// RapidFireWindow that triggers an abuse ban. Default: 100.
	RapidFireThreshold int
	// RapidFireWindow is the rapid-fire observation window. Default: 10s.
	RapidFireWindow time.Duration

	// GlobalSurgeThreshold is the aggregate request count across all
	// identifiers inside GlobalSurgeWindow that triggers DDoS protection.
	// Default: 10000.
	GlobalSurgeThreshold int
	// GlobalSurgeWindow is the surge observation window. Default: 60s.
	GlobalSurgeWindow time.Duration

	// ScanPathThreshold is the number of distinct paths one identifier
	// may touch inside ScanPathWindow before being treated as a scanner.
	// Default: 100.
	ScanPathThreshold int
	// ScanPathWindow is the path-scanning observation window. Default: 60s.
	ScanPathWindow time.Duration

	// Ban durations per signal, tiered by severity: structural attacks
	// and rapid fire are harsher than a suspicious signature.
	StructuralBanDuration time.Duration // default 6h
	RapidFireBanDuration  time.Duration // default 1h
	ScanBanDuration       time.Duration // default 1h
	SignatureBanDuration  time.Duration // default 15m
	SurgeBanDuration      time.Duration // default 10m

	// BurstBlockDuration is the short temporary block applied on a burst
	// sub-window violation, distinct from the policy BlockDuration that a
	// main-window violation carries. Default: 1m.
	BurstBlockDuration time.Duration

	// BanEscalationWindow is the rolling window in which repeat bans
	// multiply the duration. Default: 24h.
	BanEscalationWindow time.Duration
	// BanMaxDuration caps escalated bans. Default: 24h.
	BanMaxDuration time.Duration

	// Reputation parameters. Trust climbs slowly and falls quickly.
	ReputationSuccessStep   float64       // default 0.01
	ReputationFailureStep   float64       // default 0.05
	ReputationNeutral       float64       // default 0.5
	ReputationIdleTTL       time.Duration // default 24h
	ReputationTrustMinimum  float64       // burst eligibility threshold, default 0.7
	ReputationBurstMultiple float64       // burst elevation factor, default 1.5
}

// Validate rejects values that would make the engine misbehave. Like
// policy validation this is fatal at load time, never at request time.
func (c *EngineConfig) Validate() error {
	if c.RapidFireThreshold < 0 {
		return fmt.Errorf("RapidFireThreshold must be non-negative, got %d", c.RapidFireThreshold)
	}
	if c.GlobalSurgeThreshold < 0 {
		return fmt.Errorf("GlobalSurgeThreshold must be non-negative, got %d", c.GlobalSurgeThreshold)
	}
	if c.ScanPathThreshold < 0 {
		return fmt.Errorf("ScanPathThreshold must be non-negative, got %d", c.ScanPathThreshold)
	}
	for name, d := range map[string]time.Duration{
		"RapidFireWindow":       c.RapidFireWindow,
		"GlobalSurgeWindow":     c.GlobalSurgeWindow,
		"ScanPathWindow":        c.ScanPathWindow,
		"StructuralBanDuration": c.StructuralBanDuration,
		"RapidFireBanDuration":  c.RapidFireBanDuration,
		"ScanBanDuration":       c.ScanBanDuration,
		"SignatureBanDuration":  c.SignatureBanDuration,
		"SurgeBanDuration":      c.SurgeBanDuration,
		"BurstBlockDuration":    c.BurstBlockDuration,
		"BanEscalationWindow":   c.BanEscalationWindow,
		"BanMaxDuration":        c.BanMaxDuration,
		"ReputationIdleTTL":     c.ReputationIdleTTL,
	} {
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}
	if c.ReputationSuccessStep < 0 || c.ReputationSuccessStep > 1 {
		return fmt.Errorf("ReputationSuccessStep must be in [0,1], got %g", c.ReputationSuccessStep)
	}
	if c.ReputationFailureStep < 0 || c.ReputationFailureStep > 1 {
		return fmt.Errorf("ReputationFailureStep must be in [0,1], got %g", c.ReputationFailureStep)
	}
	if c.ReputationNeutral < 0 || c.ReputationNeutral > 1 {
		return fmt.Errorf("ReputationNeutral must be in [0,1], got %g", c.ReputationNeutral)
	}
	if c.ReputationTrustMinimum < 0 || c.ReputationTrustMinimum > 1 {
		return fmt.Errorf("ReputationTrustMinimum must be in [0,1], got %g", c.ReputationTrustMinimum)
	}
	if c.ReputationBurstMultiple < 0 {
		return fmt.Errorf("ReputationBurstMultiple must be non-negative, got %g", c.ReputationBurstMultiple)
	}
	return nil
}

// ApplyDefaults fills zero values with safe defaults so the engine can run
// from an empty configuration.
func (c *EngineConfig) ApplyDefaults() {
	if c.RapidFireThreshold == 0 {
		c.RapidFireThreshold = 100
	}
	if c.RapidFireWindow == 0 {
		c.RapidFireWindow = 10 * time.Second
	}
	if c.GlobalSurgeThreshold == 0 {
		c.GlobalSurgeThreshold = 10000
	}
	if c.GlobalSurgeWindow == 0 {
		c.GlobalSurgeWindow = 60 * time.Second
	}
	if c.ScanPathThreshold == 0 {
		c.ScanPathThreshold = 100
	}
	if c.ScanPathWindow == 0 {
		c.ScanPathWindow = 60 * time.Second
	}
	if c.StructuralBanDuration == 0 {
		c.StructuralBanDuration = 6 * time.Hour
	}
	if c.RapidFireBanDuration == 0 {
		c.RapidFireBanDuration = 1 * time.Hour
	}
	if c.ScanBanDuration == 0 {
		c.ScanBanDuration = 1 * time.Hour
	}
	if c.SignatureBanDuration == 0 {
		c.SignatureBanDuration = 15 * time.Minute
	}
	if c.SurgeBanDuration == 0 {
		c.SurgeBanDuration = 10 * time.Minute
	}
	if c.BurstBlockDuration == 0 {
		c.BurstBlockDuration = 1 * time.Minute
	}
	if c.BanEscalationWindow == 0 {
		c.BanEscalationWindow = 24 * time.Hour
	}
	if c.BanMaxDuration == 0 {
		c.BanMaxDuration = 24 * time.Hour
	}
	if c.ReputationSuccessStep == 0 {
		c.ReputationSuccessStep = 0.01
	}
	if c.ReputationFailureStep == 0 {
		c.ReputationFailureStep = 0.05
	}
	if c.ReputationNeutral == 0 {
		c.ReputationNeutral = 0.5
	}
	if c.ReputationIdleTTL == 0 {
		c.ReputationIdleTTL = 24 * time.Hour
	}
	if c.ReputationTrustMinimum == 0 {
		c.ReputationTrustMinimum = 0.7
	}
	if c.ReputationBurstMultiple == 0 {
		c.ReputationBurstMultiple = 1.5
	}
}

// DefaultEngineConfig returns a config with every default applied and the
// engine enabled.
func DefaultEngineConfig() *EngineConfig {
	c := &EngineConfig{Enabled: true}
	c.ApplyDefaults()
	return c
}
