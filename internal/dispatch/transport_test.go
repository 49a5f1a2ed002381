package dispatch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/domain"
)

func testPlatform(endpoint string) *domain.Platform {
	return &domain.Platform{
		Code:         "solarco",
		Name:         "SolarCo",
		Method:       domain.DeliveryJSONAPI,
		Endpoint:     endpoint,
		Credential:   "api-token",
		SharedSecret: "hmac-secret",
		Email:        "leads@solarco.example",
	}
}

func TestJSONAPISendSuccess(t *testing.T) {
	var gotAuth, gotIdem atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotIdem.Store(r.Header.Get("Idempotency-Key"))
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"external_transaction_id":"ext-42","status":"accepted"}`)
	}))
	defer srv.Close()

	tr := NewJSONAPITransport(5 * time.Second)
	job := testJob()
	res, err := tr.Send(context.Background(), job, testLead(), testPlatform(srv.URL))
	require.NoError(t, err)

	assert.Equal(t, "ext-42", res.ExternalID)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "Bearer api-token", gotAuth.Load())
	assert.Equal(t, "lead-1:solarco:1", gotIdem.Load())
}

func TestJSONAPIServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewJSONAPITransport(5 * time.Second)
	_, err := tr.Send(context.Background(), testJob(), testLead(), testPlatform(srv.URL))
	require.Error(t, err)
	assert.Equal(t, domain.CodeTransportServer, domain.CodeOf(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestJSONAPIClientErrorIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error":"missing phone"}`)
	}))
	defer srv.Close()

	tr := NewJSONAPITransport(5 * time.Second)
	_, err := tr.Send(context.Background(), testJob(), testLead(), testPlatform(srv.URL))
	require.Error(t, err)
	assert.Equal(t, domain.CodeTransportClient, domain.CodeOf(err))
	assert.False(t, domain.IsRetryable(err))
	assert.Contains(t, err.Error(), "missing phone")
}

func TestJSONAPIMalformedSuccessBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, `{"external_id": not-json`)
	}))
	defer srv.Close()

	tr := NewJSONAPITransport(5 * time.Second)
	_, err := tr.Send(context.Background(), testJob(), testLead(), testPlatform(srv.URL))
	require.Error(t, err)
	assert.Equal(t, domain.CodeTransportMalformed, domain.CodeOf(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestJSONAPITimeoutClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	tr := NewJSONAPITransport(5 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.Send(ctx, testJob(), testLead(), testPlatform(srv.URL))
	require.Error(t, err)
	assert.Equal(t, domain.CodeTransportTimeout, domain.CodeOf(err))
	assert.True(t, domain.IsRetryable(err))
}

func TestWebhookSignatureVerifiesServerSide(t *testing.T) {
	var verified atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		verified.Store(VerifySignature(body, "hmac-secret", r.Header.Get("X-Signature")))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	platform := testPlatform(srv.URL)
	platform.Method = domain.DeliveryWebhook

	tr := NewWebhookTransport(5 * time.Second)
	res, err := tr.Send(context.Background(), testJob(), testLead(), platform)
	require.NoError(t, err)
	assert.True(t, verified.Load())
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestWebhookRejectsRedirectStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	platform := testPlatform(srv.URL)
	platform.Method = domain.DeliveryWebhook

	tr := NewWebhookTransport(5 * time.Second)
	_, err := tr.Send(context.Background(), testJob(), testLead(), platform)
	require.Error(t, err)
	assert.Equal(t, domain.CodeTransportClient, domain.CodeOf(err))
}

type recordingSender struct {
	input *sesv2.SendEmailInput
	err   error
}

func (r *recordingSender) SendEmail(_ context.Context, input *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	r.input = input
	if r.err != nil {
		return nil, r.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

func TestCSVEmailSendEnqueues(t *testing.T) {
	sender := &recordingSender{}
	tr := NewCSVEmailTransport(sender, "dispatch@leadflow.example")

	platform := testPlatform("")
	platform.Method = domain.DeliveryCSVEmail

	res, err := tr.Send(context.Background(), testJob(), testLead(), platform)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", res.ExternalID)

	require.NotNil(t, sender.input)
	assert.Equal(t, "dispatch@leadflow.example", *sender.input.FromEmailAddress)
	assert.Equal(t, []string{"leads@solarco.example"}, sender.input.Destination.ToAddresses)

	body := *sender.input.Content.Simple.Body.Text.Data
	assert.Contains(t, body, "SolarCo")
	assert.Contains(t, body, "lead-1")
	assert.Contains(t, body, "lead_id,quality_tier")
}

func TestCSVEmailRequiresDestination(t *testing.T) {
	tr := NewCSVEmailTransport(&recordingSender{}, "dispatch@leadflow.example")
	platform := testPlatform("")
	platform.Email = ""

	_, err := tr.Send(context.Background(), testJob(), testLead(), platform)
	require.Error(t, err)
	assert.Equal(t, domain.CodeTransportClient, domain.CodeOf(err))
}

func TestCSVEmailProviderFailure(t *testing.T) {
	sender := &recordingSender{err: errors.New("throttled")}
	tr := NewCSVEmailTransport(sender, "dispatch@leadflow.example")

	_, err := tr.Send(context.Background(), testJob(), testLead(), testPlatform(""))
	require.Error(t, err)
	assert.Equal(t, domain.CodeTransportServer, domain.CodeOf(err))
	assert.True(t, domain.IsRetryable(err))
}
