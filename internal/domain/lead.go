package domain

import (
	"fmt"
	"strings"
	"time"
)

// QualityTier buckets a lead score into the commercial tiers buyers pay for.
type QualityTier string

const (
	TierPremium     QualityTier = "premium"
	TierStandard    QualityTier = "standard"
	TierBasic       QualityTier = "basic"
	TierUnqualified QualityTier = "unqualified"
)

// Eligible reports whether the tier can be sold to a buyer platform.
func (t QualityTier) Eligible() bool {
	return t == TierPremium || t == TierStandard || t == TierBasic
}

// Rank orders tiers for comparison: premium=3 ... unqualified=0.
func (t QualityTier) Rank() int {
	switch t {
	case TierPremium:
		return 3
	case TierStandard:
		return 2
	case TierBasic:
		return 1
	default:
		return 0
	}
}

// ExportStatus tracks the commercial lifecycle of a lead.
type ExportStatus string

const (
	ExportPending  ExportStatus = "pending"
	ExportQueued   ExportStatus = "queued"
	ExportDeferred ExportStatus = "deferred"
	ExportExported ExportStatus = "exported"
	ExportSold     ExportStatus = "sold"
	ExportFailed   ExportStatus = "failed"
)

// Contact holds the prospect's contact details. All fields are PII and must
// be redacted in logs (see pkg/logger).
type Contact struct {
	FirstName string `json:"first_name" db:"first_name"`
	LastName  string `json:"last_name" db:"last_name"`
	Email     string `json:"email" db:"email"`
	Phone     string `json:"phone" db:"phone"`
}

// Property describes the home the lead is asking about.
type Property struct {
	Address       string `json:"address" db:"address"`
	City          string `json:"city" db:"city"`
	State         string `json:"state" db:"state"`
	ZipCode       string `json:"zip_code" db:"zip_code"`
	Borough       string `json:"borough" db:"borough"`
	PropertyType  string `json:"property_type" db:"property_type"`
	SquareFootage int    `json:"square_footage" db:"square_footage"`
	RoofType      string `json:"roof_type" db:"roof_type"`
	RoofCondition string `json:"roof_condition" db:"roof_condition"`
}

// Qualification holds the attributes extracted during the conversation that
// drive scoring. Pointer fields distinguish "unknown" from zero values; the
// ownership gate in scoring depends on that distinction.
type Qualification struct {
	MonthlyBill      *float64 `json:"monthly_electric_bill" db:"monthly_bill"`
	Homeowner        *bool    `json:"homeowner" db:"homeowner"`
	Timeline         string   `json:"timeline" db:"timeline"`
	ElectricProvider string   `json:"electric_provider" db:"electric_provider"`
}

// Lead is the uniquely identified prospect record. Created on first
// conversation, mutated by scoring and dispatch, never destroyed.
type Lead struct {
	ID            string        `json:"id" db:"id"`
	Contact       Contact       `json:"contact"`
	Property      Property      `json:"property"`
	Qualification Qualification `json:"qualification"`

	// Derived by scoring.
	Score          int         `json:"score" db:"score"`
	Tier           QualityTier `json:"tier" db:"tier"`
	EstimatedValue float64     `json:"estimated_value" db:"estimated_value"`

	// Commercial state.
	ExportStatus    ExportStatus `json:"export_status" db:"export_status"`
	ExportedTo      []string     `json:"exported_to" db:"exported_to"`
	FirstExportedAt *time.Time   `json:"first_exported_at" db:"first_exported_at"`
	SoldAt          *time.Time   `json:"sold_at" db:"sold_at"`

	Source    string    `json:"source" db:"source"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the minimal invariants for persisting a lead.
func (l *Lead) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("lead: missing id")
	}
	if l.Contact.Email != "" && !strings.Contains(l.Contact.Email, "@") {
		return fmt.Errorf("lead: malformed email")
	}
	return nil
}

// ExportedToPlatform reports whether the lead was already delivered to code.
func (l *Lead) ExportedToPlatform(code string) bool {
	for _, c := range l.ExportedTo {
		if c == code {
			return true
		}
	}
	return false
}

// HasField reports whether the named buyer-required field is present.
// Field names follow the outbound payload schema.
func (l *Lead) HasField(name string) bool {
	switch name {
	case "email":
		return l.Contact.Email != ""
	case "phone":
		return l.Contact.Phone != ""
	case "first_name":
		return l.Contact.FirstName != ""
	case "last_name":
		return l.Contact.LastName != ""
	case "address":
		return l.Property.Address != ""
	case "zip_code":
		return l.Property.ZipCode != ""
	case "borough":
		return l.Property.Borough != ""
	case "property_type":
		return l.Property.PropertyType != ""
	case "roof_type":
		return l.Property.RoofType != ""
	case "monthly_electric_bill":
		return l.Qualification.MonthlyBill != nil
	case "homeowner":
		return l.Qualification.Homeowner != nil
	case "timeline":
		return l.Qualification.Timeline != ""
	case "electric_provider":
		return l.Qualification.ElectricProvider != ""
	default:
		return false
	}
}
