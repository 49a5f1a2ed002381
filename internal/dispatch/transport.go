package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/httpretry"
)

// SendResult is a successful transport outcome.
type SendResult struct {
	ExternalID string
	StatusCode int
	Elapsed    time.Duration
}

// Transport delivers one lead to one platform. Implementations classify
// their own failures into the transport error codes; the worker only looks
// at retryability.
type Transport interface {
	Method() domain.DeliveryMethod
	Send(ctx context.Context, job *domain.DispatchJob, lead *domain.Lead, platform *domain.Platform) (*SendResult, error)
}

// maxResponseBytes bounds how much of a buyer response we read.
const maxResponseBytes = 1 << 20

// externalIDEnvelope covers the response shapes buyers actually return.
type externalIDEnvelope struct {
	ExternalTransactionID string `json:"external_transaction_id"`
	ExternalID            string `json:"external_id"`
	TransactionID         string `json:"transaction_id"`
	ID                    string `json:"id"`
}

func (e *externalIDEnvelope) value() string {
	for _, v := range []string{e.ExternalTransactionID, e.ExternalID, e.TransactionID, e.ID} {
		if v != "" {
			return v
		}
	}
	return ""
}

// jsonAPITransport POSTs the canonical payload with a bearer credential.
type jsonAPITransport struct {
	client  *httpretry.RetryClient
	timeout time.Duration
}

// NewJSONAPITransport builds the json-api transport. The retry client only
// smooths transient network resets within one attempt; the real backoff
// schedule lives in the queue.
func NewJSONAPITransport(timeout time.Duration) Transport {
	return &jsonAPITransport{client: newSendClient(timeout), timeout: timeout}
}

func newSendClient(timeout time.Duration) *httpretry.RetryClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpretry.New(&http.Client{Timeout: timeout}, 2, 500*time.Millisecond, 2*time.Second)
}

func (t *jsonAPITransport) Method() domain.DeliveryMethod { return domain.DeliveryJSONAPI }

func (t *jsonAPITransport) Send(ctx context.Context, job *domain.DispatchJob, lead *domain.Lead, platform *domain.Platform) (*SendResult, error) {
	body, err := Canonicalize(BuildPayload(lead, job))
	if err != nil {
		return nil, domain.E(domain.CodeTransportMalformed, "dispatch.json", err)
	}
	headers := map[string]string{
		"Authorization":   "Bearer " + platform.Credential,
		"Idempotency-Key": job.IdempotencyKey(job.Attempts),
	}
	return t.post(ctx, platform.Endpoint, body, headers, isHTTPSuccess2xx)
}

// webhookTransport is json-api plus an HMAC signature over the canonical
// body. Buyers accept 200, 201, or 202.
type webhookTransport struct {
	jsonAPITransport
}

// NewWebhookTransport builds the webhook transport.
func NewWebhookTransport(timeout time.Duration) Transport {
	return &webhookTransport{jsonAPITransport{client: newSendClient(timeout), timeout: timeout}}
}

func (t *webhookTransport) Method() domain.DeliveryMethod { return domain.DeliveryWebhook }

func (t *webhookTransport) Send(ctx context.Context, job *domain.DispatchJob, lead *domain.Lead, platform *domain.Platform) (*SendResult, error) {
	body, err := Canonicalize(BuildPayload(lead, job))
	if err != nil {
		return nil, domain.E(domain.CodeTransportMalformed, "dispatch.webhook", err)
	}
	headers := map[string]string{
		"X-Signature":     Sign(body, platform.SharedSecret),
		"Idempotency-Key": job.IdempotencyKey(job.Attempts),
	}
	return t.post(ctx, platform.Endpoint, body, headers, func(code int) bool {
		return code == http.StatusOK || code == http.StatusCreated || code == http.StatusAccepted
	})
}

func isHTTPSuccess2xx(code int) bool { return code >= 200 && code < 300 }

func (t *jsonAPITransport) post(ctx context.Context, endpoint string, body []byte, headers map[string]string, success func(int) bool) (*SendResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.E(domain.CodeTransportClient, "dispatch.post", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, domain.E(domain.CodeDependency, "dispatch.post", err)
		}
		// Deadline or network failure, indistinguishable from a timeout.
		return nil, domain.E(domain.CodeTransportTimeout, "dispatch.post", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case success(resp.StatusCode):
		var env externalIDEnvelope
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &env); err != nil && readErr == nil {
				return nil, domain.E(domain.CodeTransportMalformed, "dispatch.post",
					fmt.Errorf("status %d with undecodable body: %w", resp.StatusCode, err))
			}
		}
		return &SendResult{ExternalID: env.value(), StatusCode: resp.StatusCode, Elapsed: elapsed}, nil
	case resp.StatusCode >= 500:
		return nil, domain.Errorf(domain.CodeTransportServer, "dispatch.post", "buyer returned %d", resp.StatusCode)
	default:
		return nil, domain.Errorf(domain.CodeTransportClient, "dispatch.post", "buyer returned %d: %s", resp.StatusCode, truncate(raw, 200))
	}
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
