package dispatch

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sunbeam/leadflow/internal/domain"
)

// BuildPayload assembles the outbound lead record for JSON transports.
// Optional fields are omitted entirely, never sent as null.
func BuildPayload(lead *domain.Lead, job *domain.DispatchJob) map[string]interface{} {
	payload := map[string]interface{}{
		"lead_id": lead.ID,
		"contact": prune(map[string]interface{}{
			"first_name": lead.Contact.FirstName,
			"last_name":  lead.Contact.LastName,
			"email":      lead.Contact.Email,
			"phone":      lead.Contact.Phone,
		}),
		"property": prune(map[string]interface{}{
			"address":         lead.Property.Address,
			"city":            lead.Property.City,
			"state":           lead.Property.State,
			"zip_code":        lead.Property.ZipCode,
			"borough":         lead.Property.Borough,
			"property_type":   lead.Property.PropertyType,
			"square_footage":  lead.Property.SquareFootage,
		}),
		"qualification": map[string]interface{}{
			"lead_score":           lead.Score,
			"lead_quality":         string(lead.Tier),
			"qualification_status": qualificationStatus(lead),
			"estimated_value":      lead.EstimatedValue,
		},
		"metadata": map[string]interface{}{
			"source":          lead.Source,
			"created_at":      lead.CreatedAt.UTC().Format(time.RFC3339),
			"quality_tier":    string(lead.Tier),
			"export_priority": job.Priority,
		},
	}

	solar := map[string]interface{}{
		"roof_type":      lead.Property.RoofType,
		"roof_condition": lead.Property.RoofCondition,
	}
	if lead.Qualification.MonthlyBill != nil {
		solar["monthly_electric_bill"] = *lead.Qualification.MonthlyBill
	}
	if lead.Qualification.ElectricProvider != "" {
		solar["electric_provider"] = lead.Qualification.ElectricProvider
	}
	payload["solar_details"] = prune(solar)

	return payload
}

// prune drops zero-valued entries so the serialized form omits them.
func prune(m map[string]interface{}) map[string]interface{} {
	for k, v := range m {
		switch t := v.(type) {
		case string:
			if t == "" {
				delete(m, k)
			}
		case int:
			if t == 0 {
				delete(m, k)
			}
		case float64:
			if t == 0 {
				delete(m, k)
			}
		case nil:
			delete(m, k)
		}
	}
	return m
}

func qualificationStatus(lead *domain.Lead) string {
	if lead.Tier.Eligible() {
		return "qualified"
	}
	return "unqualified"
}

// Canonicalize serializes a payload with sorted keys and no insignificant
// whitespace. Signatures are computed over exactly these bytes.
func Canonicalize(payload map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}
	// Encoder appends a trailing newline which is not part of the body.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Sign computes the webhook signature header value for a canonical body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature in constant time.
func VerifySignature(body []byte, secret, header string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(header))
}

// csvHeader is the fixed export schema, in order.
var csvHeader = []string{
	"lead_id", "quality_tier", "estimated_value",
	"customer_name", "customer_email", "customer_phone",
	"property_address", "property_zip", "property_borough",
	"monthly_bill", "homeowner_status", "timeline", "engagement_level",
	"recommended_system_kw", "annual_savings", "payback_years",
}

// BuildCSV renders the header plus a single lead row, RFC 4180 quoted.
func BuildCSV(lead *domain.Lead) ([]byte, error) {
	bill := 0.0
	if lead.Qualification.MonthlyBill != nil {
		bill = *lead.Qualification.MonthlyBill
	}
	kw := RecommendedSystemKW(bill)
	savings := AnnualSavings(bill)

	row := []string{
		lead.ID,
		string(lead.Tier),
		fmt.Sprintf("%.2f", lead.EstimatedValue),
		trimJoin(lead.Contact.FirstName, lead.Contact.LastName),
		lead.Contact.Email,
		lead.Contact.Phone,
		lead.Property.Address,
		lead.Property.ZipCode,
		lead.Property.Borough,
		fmt.Sprintf("%.2f", bill),
		homeownerStatus(lead),
		lead.Qualification.Timeline,
		engagementLevel(lead.Score),
		fmt.Sprintf("%.1f", kw),
		fmt.Sprintf("%.0f", savings),
		fmt.Sprintf("%.1f", PaybackYears(kw, savings)),
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, err
	}
	if err := w.Write(row); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func trimJoin(first, last string) string {
	switch {
	case first == "":
		return last
	case last == "":
		return first
	default:
		return first + " " + last
	}
}

func homeownerStatus(lead *domain.Lead) string {
	if lead.Qualification.Homeowner == nil {
		return "unknown"
	}
	if *lead.Qualification.Homeowner {
		return "owner"
	}
	return "renter"
}

func engagementLevel(score int) string {
	switch {
	case score >= 85:
		return "high"
	case score >= 50:
		return "medium"
	default:
		return "low"
	}
}

// Sizing constants for the buyer-facing solar estimate columns. Tuned for
// NYC: Con Edison rates and regional production factors.
const (
	assumedRatePerKWh    = 0.28
	productionKWhPerKWYr = 1250.0
	installCostPerKW     = 3000.0
	offsetTarget         = 0.90
)

// RecommendedSystemKW sizes a system that offsets most of the usage implied
// by the monthly bill.
func RecommendedSystemKW(monthlyBill float64) float64 {
	if monthlyBill <= 0 {
		return 0
	}
	annualKWh := monthlyBill / assumedRatePerKWh * 12
	return annualKWh * offsetTarget / productionKWhPerKWYr
}

// AnnualSavings estimates first-year dollar savings.
func AnnualSavings(monthlyBill float64) float64 {
	return monthlyBill * 12 * offsetTarget
}

// PaybackYears estimates simple payback for the sized system.
func PaybackYears(systemKW, annualSavings float64) float64 {
	if annualSavings <= 0 {
		return 0
	}
	return systemKW * installCostPerKW / annualSavings
}
