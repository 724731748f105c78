package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"gatekeeper/pkg/admission"
)

// WebhookConfig contains configuration for webhook ban notifications.
type WebhookConfig struct {
	// URL is the webhook endpoint that receives ban events.
	URL string

	// Timeout is the HTTP request timeout per attempt.
	Timeout time.Duration
}

// WebhookNotifier posts ban events to an HTTP webhook. It implements
// admission.BanNotifier.
//
// Delivery is strictly best-effort: events are rate limited to protect the
// receiving endpoint, failed deliveries are retried a bounded number of
// times, and a circuit breaker drops events entirely while the endpoint is
// unhealthy. A lost notification is acceptable; a blocked request path is
// not.
type WebhookNotifier struct {
	config     WebhookConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
}

// NewWebhookNotifier creates a webhook notifier.
//
// The notifier is initialized with:
//   - HTTP client with the configured timeout (default 10s)
//   - Rate limiter set to 1 event/second with burst of 5
//   - Circuit breaker that opens at a 60% failure rate over at least 5
//     deliveries and probes again after 60 seconds
func NewWebhookNotifier(config WebhookConfig) *WebhookNotifier {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "ban-webhook",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("webhook circuit breaker state changed",
				slog.String("circuit", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &WebhookNotifier{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(1), 5),
		breaker:    gobreaker.NewCircuitBreaker(settings),
	}
}

// banEventPayload is the JSON body posted to the webhook.
type banEventPayload struct {
	Event      string    `json:"event"`
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// NotifyBan delivers one ban event. It blocks until the rate limiter grants
// a slot, then sends through the circuit breaker with retry. All failures
// are logged and swallowed; the method never panics and never reports
// errors upward because the engine treats notification as fire-and-forget.
func (n *WebhookNotifier) NotifyBan(ctx context.Context, rec admission.BanRecord) {
	eventID := uuid.New().String()

	if err := n.limiter.Wait(ctx); err != nil {
		slog.Warn("ban notification dropped waiting for rate limiter",
			slog.String("event_id", eventID),
			slog.String("identifier", rec.Identifier),
			slog.String("error", err.Error()))
		return
	}

	_, err := n.breaker.Execute(func() (interface{}, error) {
		return nil, n.sendWithRetry(ctx, eventID, rec)
	})
	if err != nil {
		slog.Error("ban notification failed",
			slog.String("event_id", eventID),
			slog.String("identifier", rec.Identifier),
			slog.String("reason", rec.Reason),
			slog.String("error", err.Error()))
		return
	}

	slog.Info("ban notification delivered",
		slog.String("event_id", eventID),
		slog.String("identifier", rec.Identifier),
		slog.String("reason", rec.Reason))
}

// sendWithRetry delivers the event with bounded retry.
//
// Retry strategy:
//   - Max attempts: 2
//   - 429 responses: wait for the server-provided retry_after
//   - 5xx and network errors: linear backoff from 2 seconds
//   - Other 4xx responses: fail immediately
func (n *WebhookNotifier) sendWithRetry(ctx context.Context, eventID string, rec admission.BanRecord) error {
	const (
		maxAttempts = 2
		baseDelay   = 2 * time.Second
	)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := n.send(ctx, rec)
		if err == nil {
			return nil
		}
		lastErr = err

		if rateLimitErr, ok := as429(err); ok {
			slog.Warn("webhook rate limit hit, backing off",
				slog.String("event_id", eventID),
				slog.Duration("retry_after", rateLimitErr.RetryAfter),
				slog.Int("attempt", attempt))
			select {
			case <-time.After(rateLimitErr.RetryAfter):
				continue
			case <-ctx.Done():
				return fmt.Errorf("context canceled during rate limit backoff: %w", ctx.Err())
			}
		}

		if !isRetryableError(err) {
			return err
		}

		if attempt < maxAttempts {
			delay := baseDelay * time.Duration(attempt)
			slog.Warn("webhook request failed, retrying",
				slog.String("event_id", eventID),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return fmt.Errorf("context canceled during retry backoff: %w", ctx.Err())
			}
		}
	}
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", maxAttempts, lastErr)
}

// send performs one webhook POST and classifies the response.
func (n *WebhookNotifier) send(ctx context.Context, rec admission.BanRecord) error {
	payload := banEventPayload{
		Event:      "ban",
		Identifier: rec.Identifier,
		Reason:     rec.Reason,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  rec.ExpiresAt,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.URL, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("create http request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: retryAfterFrom(resp)}
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &ClientError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("webhook client error %d: %s", resp.StatusCode, string(body)),
		}
	}
	return &ServerError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("webhook server error %d: %s", resp.StatusCode, string(body)),
	}
}

// retryAfterFrom reads the Retry-After header in seconds, defaulting to 2s.
func retryAfterFrom(resp *http.Response) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return 2 * time.Second
}
