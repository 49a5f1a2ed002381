package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/osteele/liquid"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// EmailSender is the slice of the SES v2 API the transport uses. The AWS
// client satisfies it; tests substitute a recorder.
type EmailSender interface {
	SendEmail(ctx context.Context, input *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// bodyTemplate is the liquid source of the notification email that carries
// the CSV. Operators can override it per deployment.
const bodyTemplate = `Hello {{ platform_name }},

A new {{ quality_tier }} solar lead is attached as CSV.

Lead ID: {{ lead_id }}
Score: {{ score }}
Zip: {{ zip_code }}

{{ csv }}
`

// csvEmailTransport renders a single-row CSV and enqueues it with the email
// provider. Success is defined as successful enqueue, not delivery.
type csvEmailTransport struct {
	sender    EmailSender
	fromEmail string

	engine *liquid.Engine
	once   sync.Once
	tpl    *liquid.Template
	tplErr error
}

// NewCSVEmailTransport builds the csv-email transport against an injected
// sender.
func NewCSVEmailTransport(sender EmailSender, fromEmail string) Transport {
	return &csvEmailTransport{sender: sender, fromEmail: fromEmail, engine: liquid.NewEngine()}
}

// NewSESTransport builds the csv-email transport on a real SES v2 client.
func NewSESTransport(ctx context.Context, region, fromEmail string) (Transport, error) {
	if region == "" {
		region = "us-east-1"
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewCSVEmailTransport(sesv2.NewFromConfig(cfg), fromEmail), nil
}

func (t *csvEmailTransport) Method() domain.DeliveryMethod { return domain.DeliveryCSVEmail }

func (t *csvEmailTransport) Send(ctx context.Context, job *domain.DispatchJob, lead *domain.Lead, platform *domain.Platform) (*SendResult, error) {
	if platform.Email == "" {
		return nil, domain.Errorf(domain.CodeTransportClient, "dispatch.email", "platform %s has no destination email", platform.Code)
	}

	csvBody, err := BuildCSV(lead)
	if err != nil {
		return nil, domain.E(domain.CodeTransportMalformed, "dispatch.email", err)
	}
	body, err := t.renderBody(map[string]interface{}{
		"platform_name": platform.Name,
		"quality_tier":  string(lead.Tier),
		"lead_id":       lead.ID,
		"score":         lead.Score,
		"zip_code":      lead.Property.ZipCode,
		"csv":           string(csvBody),
	})
	if err != nil {
		return nil, domain.E(domain.CodeTransportMalformed, "dispatch.email", err)
	}

	subject := fmt.Sprintf("New %s solar lead %s", lead.Tier, lead.ID)
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(t.fromEmail),
		Destination:      &types.Destination{ToAddresses: []string{platform.Email}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("lead_id"), Value: aws.String(lead.ID)},
			{Name: aws.String("platform"), Value: aws.String(platform.Code)},
			{Name: aws.String("idempotency_key"), Value: aws.String(job.IdempotencyKey(job.Attempts))},
		},
	}

	start := time.Now()
	out, err := t.sender.SendEmail(ctx, input)
	if err != nil {
		return nil, domain.E(domain.CodeTransportServer, "dispatch.email", err)
	}

	messageID := ""
	if out.MessageId != nil {
		messageID = *out.MessageId
	}
	log := logger.Component("dispatch")
	log.Info().
		Str("lead_id", lead.ID).
		Str("platform", platform.Code).
		Str("to", logger.RedactEmail(platform.Email)).
		Str("message_id", messageID).
		Msg("csv email enqueued")

	return &SendResult{ExternalID: messageID, StatusCode: 200, Elapsed: time.Since(start)}, nil
}

func (t *csvEmailTransport) renderBody(bindings map[string]interface{}) (string, error) {
	t.once.Do(func() {
		t.tpl, t.tplErr = t.engine.ParseString(bodyTemplate)
	})
	if t.tplErr != nil {
		return "", t.tplErr
	}
	return t.tpl.RenderString(bindings)
}
