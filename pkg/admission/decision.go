package admission

import (
	"fmt"
	"time"
)

// Decision reasons exposed to callers. Internal detail (reputation scores,
// ban causes, abuse check names) never leaks through these values.
const (
	// ReasonRateLimitExceeded marks a main-window or global-policy limit
	// violation.
	ReasonRateLimitExceeded = "rate_limit_exceeded"

	// ReasonBurstExceeded marks a violation of the short burst sub-window.
	ReasonBurstExceeded = "burst_exceeded"

	// ReasonBanned marks a request rejected by an active ban record or a
	// blocklisted address.
	ReasonBanned = "banned"

	// ReasonDDoSProtection marks a request rejected by the global surge
	// detector.
	ReasonDDoSProtection = "ddos_protection"
)

// Decision is the only artifact the engine returns to a caller. It is
// computed per request and never persisted.
type Decision struct {
	// Identifier is the canonical caller identity the decision applies to.
	Identifier string

	// Allowed reports whether the request may proceed.
	Allowed bool

	// Reason is one of the Reason* constants when denied, empty when
	// allowed.
	Reason string

	// Limit is the effective ceiling of the tightest evaluated window.
	Limit int

	// Remaining is the number of requests left in that window. Denied
	// decisions always report zero.
	Remaining int

	// ResetAt is when the violated (or tightest) window rolls over.
	ResetAt time.Time

	// RetryAfter is how long the caller should wait before retrying.
	RetryAfter time.Duration
}

// IsDenied reports whether the request was rejected.
func (d *Decision) IsDenied() bool {
	return !d.Allowed
}

// RetryAfterSeconds returns the retry delay in whole seconds, for the
// Retry-After response header. Never negative.
func (d *Decision) RetryAfterSeconds() int64 {
	s := int64(d.RetryAfter.Seconds())
	if s < 0 {
		return 0
	}
	return s
}

// ResetAtUnix returns the reset time as epoch seconds, for the
// X-RateLimit-Reset response header.
func (d *Decision) ResetAtUnix() int64 {
	return d.ResetAt.Unix()
}

// String returns a compact human-readable form for logs.
func (d *Decision) String() string {
	if d.Allowed {
		return fmt.Sprintf("Decision{allowed, id=%s, remaining=%d/%d}", d.Identifier, d.Remaining, d.Limit)
	}
	return fmt.Sprintf("Decision{denied, id=%s, reason=%s, retry_after=%s}", d.Identifier, d.Reason, d.RetryAfter)
}

// newAllowedDecision builds an allow with window metadata.
func newAllowedDecision(id string, limit, remaining int, resetAt time.Time, now time.Time) *Decision {
	retry := resetAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return &Decision{
		Identifier: id,
		Allowed:    true,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retry,
	}
}

// newDeniedDecision builds a deny. Remaining is always zero on denials.
func newDeniedDecision(id, reason string, limit int, resetAt time.Time, now time.Time) *Decision {
	retry := resetAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return &Decision{
		Identifier: id,
		Allowed:    false,
		Reason:     reason,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retry,
	}
}
