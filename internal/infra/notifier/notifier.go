// Package notifier delivers ban events to external alerting systems. The
// webhook implementation applies rate limiting, retries with backoff, and a
// circuit breaker so a slow or failing alerting endpoint can never back up
// into the admission path.
package notifier

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError represents a 429 response from the webhook endpoint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("webhook rate limit exceeded (retry after %v)", e.RetryAfter)
}

// ClientError represents a 4xx response other than 429. Not retryable: the
// payload or configuration is wrong and repeating the call cannot help.
type ClientError struct {
	StatusCode int
	Message    string
}

func (e *ClientError) Error() string {
	return e.Message
}

// ServerError represents a 5xx response. Retryable.
type ServerError struct {
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	return e.Message
}

// isRetryableError reports whether the error is worth retrying. Server
// errors and network failures are; client errors are not, and rate limit
// errors carry their own backoff handling.
func isRetryableError(err error) bool {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return false
	}
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return false
	}
	return true
}

// as429 extracts a rate limit error when present.
func as429(err error) (*RateLimitError, bool) {
	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return rateLimitErr, true
	}
	return nil, false
}
