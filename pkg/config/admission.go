package config

import (
	"log/slog"
	"time"

	"gatekeeper/pkg/admission"
)

// LoadEngineConfig loads abuse-detector, reputation, and ban tunables from
// environment variables.
//
// Environment variables:
//   - ADMISSION_ENABLED: Enable/disable the engine (default: true)
//   - ADMISSION_RAPID_FIRE_THRESHOLD: Per-identifier request ceiling (default: 100)
//   - ADMISSION_RAPID_FIRE_WINDOW: Rapid-fire window (default: 10s)
//   - ADMISSION_SURGE_THRESHOLD: Aggregate request ceiling (default: 10000)
//   - ADMISSION_SURGE_WINDOW: Surge window (default: 60s)
//   - ADMISSION_SCAN_THRESHOLD: Distinct-path ceiling (default: 100)
//   - ADMISSION_SCAN_WINDOW: Path-scan window (default: 60s)
//   - ADMISSION_BAN_STRUCTURAL: Structural-attack ban length (default: 6h)
//   - ADMISSION_BAN_RAPID_FIRE: Rapid-fire ban length (default: 1h)
//   - ADMISSION_BAN_SCAN: Path-scan ban length (default: 1h)
//   - ADMISSION_BAN_SIGNATURE: Signature ban length (default: 15m)
//   - ADMISSION_BAN_SURGE: Surge ban length (default: 10m)
//   - ADMISSION_BURST_BLOCK: Burst-violation block length (default: 1m)
//   - ADMISSION_BAN_ESCALATION_WINDOW: Repeat-offense window (default: 24h)
//   - ADMISSION_BAN_MAX: Escalation cap (default: 24h)
//   - ADMISSION_REP_SUCCESS_STEP: Score climb per allow (default: 0.01)
//   - ADMISSION_REP_FAILURE_STEP: Score drop per deny (default: 0.05)
//   - ADMISSION_REP_IDLE_TTL: Score idle expiry (default: 24h)
//
// Invalid combinations log a warning and fall back to the full default
// set; loading never fails.
func LoadEngineConfig() *admission.EngineConfig {
	cfg := &admission.EngineConfig{
		Enabled: GetEnvBool("ADMISSION_ENABLED", true),

		RapidFireThreshold: GetEnvInt("ADMISSION_RAPID_FIRE_THRESHOLD", 100),
		RapidFireWindow:    GetEnvDuration("ADMISSION_RAPID_FIRE_WINDOW", 10*time.Second),

		GlobalSurgeThreshold: GetEnvInt("ADMISSION_SURGE_THRESHOLD", 10000),
		GlobalSurgeWindow:    GetEnvDuration("ADMISSION_SURGE_WINDOW", 60*time.Second),

		ScanPathThreshold: GetEnvInt("ADMISSION_SCAN_THRESHOLD", 100),
		ScanPathWindow:    GetEnvDuration("ADMISSION_SCAN_WINDOW", 60*time.Second),

		StructuralBanDuration: GetEnvDuration("ADMISSION_BAN_STRUCTURAL", 6*time.Hour),
		RapidFireBanDuration:  GetEnvDuration("ADMISSION_BAN_RAPID_FIRE", time.Hour),
		ScanBanDuration:       GetEnvDuration("ADMISSION_BAN_SCAN", time.Hour),
		SignatureBanDuration:  GetEnvDuration("ADMISSION_BAN_SIGNATURE", 15*time.Minute),
		SurgeBanDuration:      GetEnvDuration("ADMISSION_BAN_SURGE", 10*time.Minute),

		BurstBlockDuration: GetEnvDuration("ADMISSION_BURST_BLOCK", time.Minute),

		BanEscalationWindow: GetEnvDuration("ADMISSION_BAN_ESCALATION_WINDOW", 24*time.Hour),
		BanMaxDuration:      GetEnvDuration("ADMISSION_BAN_MAX", 24*time.Hour),

		ReputationSuccessStep: GetEnvFloat("ADMISSION_REP_SUCCESS_STEP", 0.01),
		ReputationFailureStep: GetEnvFloat("ADMISSION_REP_FAILURE_STEP", 0.05),
		ReputationIdleTTL:     GetEnvDuration("ADMISSION_REP_IDLE_TTL", 24*time.Hour),
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Warn("admission configuration validation failed, applying defaults",
			slog.String("error", err.Error()))
		return admission.DefaultEngineConfig()
	}
	return cfg
}

// StoreBackend selects the shared counter store implementation.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

// StoreConfig holds counter-store settings.
type StoreConfig struct {
	// Backend is "memory" (single instance) or "redis" (shared).
	Backend StoreBackend

	// RedisAddr is the host:port of the Redis backend.
	RedisAddr string

	// RedisPassword authenticates against Redis. Empty disables auth.
	RedisPassword string

	// RedisDB selects the Redis logical database.
	RedisDB int

	// MaxKeys bounds the in-memory store.
	MaxKeys int

	// CleanupInterval is how often the in-memory store reclaims expired
	// state.
	CleanupInterval time.Duration
}

// LoadStoreConfig loads counter-store settings from environment variables.
//
// Environment variables:
//   - ADMISSION_STORE_BACKEND: "memory" or "redis" (default: memory)
//   - ADMISSION_REDIS_ADDR: Redis address (default: localhost:6379)
//   - ADMISSION_REDIS_PASSWORD: Redis password (default: none)
//   - ADMISSION_REDIS_DB: Redis database index (default: 0)
//   - ADMISSION_MAX_KEYS: In-memory key bound (default: 10000)
//   - ADMISSION_CLEANUP_INTERVAL: In-memory cleanup cadence (default: 5m)
func LoadStoreConfig() *StoreConfig {
	backend := StoreBackend(GetEnvString("ADMISSION_STORE_BACKEND", string(StoreBackendMemory)))
	if backend != StoreBackendMemory && backend != StoreBackendRedis {
		slog.Warn("unknown store backend, using memory",
			slog.String("value", string(backend)))
		backend = StoreBackendMemory
	}

	maxKeys := GetEnvInt("ADMISSION_MAX_KEYS", 10000)
	if maxKeys <= 0 {
		slog.Warn("invalid ADMISSION_MAX_KEYS, using default",
			slog.Int("value", maxKeys),
			slog.Int("default", 10000))
		maxKeys = 10000
	}

	cleanup := GetEnvDuration("ADMISSION_CLEANUP_INTERVAL", 5*time.Minute)
	if err := ValidatePositiveDuration(cleanup); err != nil {
		slog.Warn("invalid ADMISSION_CLEANUP_INTERVAL, using default",
			slog.String("value", cleanup.String()),
			slog.String("error", err.Error()))
		cleanup = 5 * time.Minute
	}

	return &StoreConfig{
		Backend:         backend,
		RedisAddr:       GetEnvString("ADMISSION_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   GetEnvString("ADMISSION_REDIS_PASSWORD", ""),
		RedisDB:         GetEnvInt("ADMISSION_REDIS_DB", 0),
		MaxKeys:         maxKeys,
		CleanupInterval: cleanup,
	}
}

// LoadBreakerConfig loads store circuit-breaker settings.
//
// Environment variables:
//   - ADMISSION_CB_FAILURE_THRESHOLD: Consecutive failures to open (default: 10)
//   - ADMISSION_CB_RECOVERY_TIMEOUT: Open-state duration (default: 30s)
func LoadBreakerConfig() admission.CircuitBreakerConfig {
	threshold := GetEnvInt("ADMISSION_CB_FAILURE_THRESHOLD", 10)
	if threshold <= 0 {
		slog.Warn("invalid ADMISSION_CB_FAILURE_THRESHOLD, using default",
			slog.Int("value", threshold),
			slog.Int("default", 10))
		threshold = 10
	}

	timeout := GetEnvDuration("ADMISSION_CB_RECOVERY_TIMEOUT", 30*time.Second)
	if err := ValidatePositiveDuration(timeout); err != nil {
		slog.Warn("invalid ADMISSION_CB_RECOVERY_TIMEOUT, using default",
			slog.String("value", timeout.String()),
			slog.String("error", err.Error()))
		timeout = 30 * time.Second
	}

	return admission.CircuitBreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  timeout,
	}
}

// ServerConfig holds the HTTP edge settings.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// TrustedProxies are CIDR ranges whose X-Forwarded-For headers are
	// honored.
	TrustedProxies []string

	// JWTSecret verifies bearer tokens for principal extraction. Empty
	// disables principal extraction; all callers are then anonymous.
	JWTSecret string

	// AdminToken guards the administrative endpoints. Empty disables
	// them entirely.
	AdminToken string

	// WebhookURL receives ban notifications. Empty disables the
	// notifier.
	WebhookURL string
}

// LoadServerConfig loads HTTP edge settings from environment variables.
//
// Environment variables:
//   - HTTP_ADDR: Listen address (default: :8080)
//   - HTTP_SHUTDOWN_TIMEOUT: Graceful shutdown bound (default: 10s)
//   - TRUSTED_PROXIES: CIDR list for X-Forwarded-For trust (default: RFC1918 ranges)
//   - JWT_SECRET: HMAC secret for principal extraction (default: disabled)
//   - ADMIN_TOKEN: Bearer token for admin endpoints (default: disabled)
//   - BAN_WEBHOOK_URL: Ban notification endpoint (default: disabled)
func LoadServerConfig() *ServerConfig {
	shutdown := GetEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err := ValidatePositiveDuration(shutdown); err != nil {
		slog.Warn("invalid HTTP_SHUTDOWN_TIMEOUT, using default",
			slog.String("value", shutdown.String()),
			slog.String("error", err.Error()))
		shutdown = 10 * time.Second
	}

	return &ServerConfig{
		Addr:            GetEnvString("HTTP_ADDR", ":8080"),
		ShutdownTimeout: shutdown,
		TrustedProxies: GetEnvStringList("TRUSTED_PROXIES",
			[]string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"}),
		JWTSecret:  GetEnvString("JWT_SECRET", ""),
		AdminToken: GetEnvString("ADMIN_TOKEN", ""),
		WebhookURL: GetEnvString("BAN_WEBHOOK_URL", ""),
	}
}
