// Package httpretry provides an HTTP client with automatic retry logic,
// exponential backoff, and full jitter for resilient buyer-platform calls.
package httpretry

import (
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RetryClient wraps an HTTPDoer with retry logic using exponential backoff
// and full jitter. The backoff window and attempt budget come from the
// dispatch retry configuration.
type RetryClient struct {
	client      HTTPDoer
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// New creates a RetryClient wrapping the given HTTPDoer. If client is nil,
// a default http.Client with a 30s timeout is used. maxAttempts is the total
// number of attempts including the first; values below 1 default to 1.
func New(client HTTPDoer, maxAttempts int, baseDelay, maxDelay time.Duration) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	if maxDelay < baseDelay {
		maxDelay = 10 * time.Minute
	}
	return &RetryClient{
		client:      client,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

// Do executes the HTTP request with retry logic.
// It retries on retryable status codes (429, 500, 502, 503, 504) and
// transient network/timeout errors. It does NOT retry on client errors
// (400, 401, 403, 404) or context cancellation.
// On the final attempt, it returns the response as-is so the caller can
// inspect the status code and body.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	log := logger.Component("httpretry")
	var lastErr error

	for attempt := 1; attempt <= rc.maxAttempts; attempt++ {
		if req.Context().Err() != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, req.Context().Err()
		}

		if attempt > 1 {
			// Reset request body for retry if applicable
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: failed to reset request body: %w", err)
				}
				req.Body = body
			}

			delay := rc.Delay(attempt)
			log.Debug().
				Int("attempt", attempt).
				Int("max_attempts", rc.maxAttempts).
				Str("method", req.Method).
				Str("host", req.URL.Host).
				Dur("wait", delay).
				Msg("retrying request")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-req.Context().Done():
				timer.Stop()
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			// If the context was canceled/expired, don't retry
			if req.Context().Err() != nil {
				return nil, err
			}
			// Network/connection/timeout error — retry
			continue
		}

		// Non-retryable status code — return immediately (success or client error)
		if !IsRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		// Last attempt: return the response as-is so the caller can read
		// the body and classify the failure.
		if attempt == rc.maxAttempts {
			return resp, nil
		}

		// Retryable status code — drain body for connection reuse, then retry
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

// Delay returns the backoff duration before the given attempt (attempt >= 2).
// Full jitter: random(0, min(maxDelay, baseDelay * 2^(attempt-2))), floored
// at 100ms to avoid busy-looping.
func (rc *RetryClient) Delay(attempt int) time.Duration {
	expDelay := float64(rc.baseDelay) * math.Pow(2, float64(attempt-2))
	if expDelay > float64(rc.maxDelay) {
		expDelay = float64(rc.maxDelay)
	}
	jittered := time.Duration(rand.Float64() * expDelay)
	if jittered < 100*time.Millisecond {
		jittered = 100 * time.Millisecond
	}
	return jittered
}

// IsRetryableStatus returns true if the HTTP status code indicates a
// transient server error that should be retried.
// Retries: 429 (Too Many Requests), 500, 502, 503, 504.
// Does NOT retry: 400, 401, 403, 404, or any other client error.
func IsRetryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
