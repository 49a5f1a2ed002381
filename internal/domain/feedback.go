package domain

import "time"

// FeedbackType is the buyer's verdict on a delivered lead.
type FeedbackType string

const (
	FeedbackAccept     FeedbackType = "accept"
	FeedbackReject     FeedbackType = "reject"
	FeedbackConversion FeedbackType = "conversion"
)

// BuyerFeedback is a buyer's post-delivery verdict. Records are immutable
// once ingested; application is idempotent on (LeadID, FeedbackID).
type BuyerFeedback struct {
	FeedbackID      string       `json:"feedback_id" db:"feedback_id"`
	LeadID          string       `json:"lead_id" db:"lead_id"`
	PlatformCode    string       `json:"platform_code" db:"platform_code"`
	Type            FeedbackType `json:"type" db:"type"`
	QualityScore    float64      `json:"quality_score" db:"quality_score"` // 0-10
	ConversionValue *float64     `json:"conversion_value,omitempty" db:"conversion_value"`
	Reason          string       `json:"reason,omitempty" db:"reason"`
	ReceivedAt      time.Time    `json:"received_at" db:"received_at"`
}

// Validate enforces the feedback field constraints.
func (f *BuyerFeedback) Validate() error {
	if f.FeedbackID == "" || f.LeadID == "" || f.PlatformCode == "" {
		return Errorf(CodeInvalidInput, "feedback.validate", "feedback_id, lead_id and platform_code are required")
	}
	switch f.Type {
	case FeedbackAccept, FeedbackReject, FeedbackConversion:
	default:
		return Errorf(CodeInvalidInput, "feedback.validate", "unknown feedback type %q", f.Type)
	}
	if f.QualityScore < 0 || f.QualityScore > 10 {
		return Errorf(CodeInvalidInput, "feedback.validate", "quality score %v outside 0..10", f.QualityScore)
	}
	return nil
}
