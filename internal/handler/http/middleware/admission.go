// Package middleware adapts the admission engine to net/http: it builds
// engine requests from HTTP metadata, enforces decisions as 429 responses,
// and guards the forwarding headers behind proxy trust validation.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"gatekeeper/pkg/admission"
)

// Admission is the HTTP middleware that routes every request through the
// admission gateway before it reaches the application handler.
type Admission struct {
	gateway    *admission.Gateway
	proxies    *TrustedProxies
	principals PrincipalExtractor
}

// NewAdmission creates the middleware.
//
// Parameters:
//   - gateway: The decision engine.
//   - proxies: Proxy trust validation; nil means no proxy is trusted and
//     X-Forwarded-For is always ignored.
//   - principals: Principal extraction; nil means all callers are anonymous.
func NewAdmission(gateway *admission.Gateway, proxies *TrustedProxies, principals PrincipalExtractor) *Admission {
	if principals == nil {
		principals = AnonymousPrincipals{}
	}
	return &Admission{
		gateway:    gateway,
		proxies:    proxies,
		principals: principals,
	}
}

// Middleware returns an HTTP handler that evaluates each request against
// the admission gateway.
//
// Behavior:
//   - Allowed requests proceed with X-RateLimit-Limit, X-RateLimit-Remaining
//     and X-RateLimit-Reset headers describing the tightest window.
//   - Denied requests receive 429 Too Many Requests with a Retry-After
//     header and a JSON body; the handler is never invoked.
func (a *Admission) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := a.gateway.Evaluate(r.Context(), a.buildRequest(r))

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(dec.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(dec.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAtUnix(), 10))

		if dec.IsDenied() {
			slog.Warn("request denied",
				slog.String("identifier", dec.Identifier),
				slog.String("reason", dec.Reason),
				slog.String("path", r.URL.Path),
				slog.Int64("retry_after_seconds", dec.RetryAfterSeconds()),
			)
			writeTooManyRequests(w, dec)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// buildRequest translates HTTP request metadata into an engine request.
// ForwardedFor is only populated when the direct peer is a trusted proxy.
func (a *Admission) buildRequest(r *http.Request) *admission.Request {
	var forwarded string
	if a.proxies != nil {
		forwarded = a.proxies.forwardedFor(r)
	}
	return &admission.Request{
		RemoteAddr:   r.RemoteAddr,
		ForwardedFor: forwarded,
		UserAgent:    r.UserAgent(),
		Principal:    a.principals.ExtractPrincipal(r),
		Path:         r.URL.Path,
		Method:       r.Method,
		RawQuery:     r.URL.RawQuery,
	}
}

// tooManyRequestsBody is the JSON payload of a 429 response.
type tooManyRequestsBody struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int64  `json:"retry_after"`
}

func writeTooManyRequests(w http.ResponseWriter, dec *admission.Decision) {
	w.Header().Set("Retry-After", strconv.FormatInt(dec.RetryAfterSeconds(), 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)

	body := tooManyRequestsBody{
		Error:      dec.Reason,
		Message:    "request rejected, retry later",
		RetryAfter: dec.RetryAfterSeconds(),
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode 429 response",
			slog.String("error", err.Error()),
		)
	}
}
