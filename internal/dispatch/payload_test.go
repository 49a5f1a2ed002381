package dispatch

import (
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunbeam/leadflow/internal/domain"
)

func testLead() *domain.Lead {
	bill := 380.0
	owner := true
	return &domain.Lead{
		ID: "lead-1",
		Contact: domain.Contact{
			FirstName: "Maria",
			LastName:  "Santos",
			Email:     "maria@example.com",
			Phone:     "+1-718-555-0101",
		},
		Property: domain.Property{
			Address: "123 5th Ave",
			City:    "Brooklyn",
			State:   "NY",
			ZipCode: "11215",
			Borough: "Brooklyn",
		},
		Qualification: domain.Qualification{
			MonthlyBill: &bill,
			Homeowner:   &owner,
			Timeline:    "2025 spring",
		},
		Score:          92,
		Tier:           domain.TierPremium,
		EstimatedValue: 276.0,
		Source:         "chat",
		CreatedAt:      time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
}

func testJob() *domain.DispatchJob {
	return &domain.DispatchJob{
		ID:           "job-1",
		LeadID:       "lead-1",
		PlatformCode: "solarco",
		Tier:         domain.TierPremium,
		Price:        276.0,
		Attempts:     1,
		Priority:     300,
		CreatedAt:    time.Date(2026, 8, 24, 10, 5, 0, 0, time.UTC),
	}
}

func TestCanonicalizeIsDeterministic(t *testing.T) {
	lead := testLead()
	job := testJob()

	a, err := Canonicalize(BuildPayload(lead, job))
	require.NoError(t, err)
	b, err := Canonicalize(BuildPayload(lead, job))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.False(t, strings.HasSuffix(string(a), "\n"))
	assert.NotContains(t, string(a), "\\u003c")
}

func TestPayloadOmitsEmptyOptionalFields(t *testing.T) {
	lead := testLead()
	lead.Contact.Phone = ""
	lead.Property.Borough = ""
	lead.Qualification.ElectricProvider = ""

	body, err := Canonicalize(BuildPayload(lead, testJob()))
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &decoded))

	contact := decoded["contact"].(map[string]interface{})
	_, hasPhone := contact["phone"]
	assert.False(t, hasPhone)

	property := decoded["property"].(map[string]interface{})
	_, hasBorough := property["borough"]
	assert.False(t, hasBorough)

	qual := decoded["qualification"].(map[string]interface{})
	assert.Equal(t, "qualified", qual["qualification_status"])
	assert.Equal(t, float64(92), qual["lead_score"])
}

func TestSignatureRoundTrip(t *testing.T) {
	body := []byte(`{"lead_id":"lead-1"}`)
	header := Sign(body, "topsecret")

	assert.True(t, strings.HasPrefix(header, "sha256="))
	assert.True(t, VerifySignature(body, "topsecret", header))
	assert.False(t, VerifySignature(body, "wrong", header))
	assert.False(t, VerifySignature([]byte(`{"lead_id":"lead-2"}`), "topsecret", header))
}

func TestBuildCSVSchema(t *testing.T) {
	out, err := BuildCSV(testLead())
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, csvHeader, records[0])
	row := records[1]
	require.Len(t, row, len(csvHeader))
	assert.Equal(t, "lead-1", row[0])
	assert.Equal(t, "premium", row[1])
	assert.Equal(t, "Maria Santos", row[3])
	assert.Equal(t, "380.00", row[9])
	assert.Equal(t, "owner", row[10])
	assert.Equal(t, "high", row[12])
}

func TestBuildCSVQuotesEmbeddedCommas(t *testing.T) {
	lead := testLead()
	lead.Property.Address = "123 5th Ave, Apt 4"

	out, err := BuildCSV(lead)
	require.NoError(t, err)

	records, err := csv.NewReader(strings.NewReader(string(out))).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "123 5th Ave, Apt 4", records[1][6])
}

func TestSolarEstimates(t *testing.T) {
	kw := RecommendedSystemKW(380)
	assert.InDelta(t, 11.7, kw, 0.2)

	savings := AnnualSavings(380)
	assert.InDelta(t, 4104, savings, 1)

	payback := PaybackYears(kw, savings)
	assert.Greater(t, payback, 5.0)
	assert.Less(t, payback, 12.0)

	assert.Zero(t, RecommendedSystemKW(0))
	assert.Zero(t, PaybackYears(5, 0))
}
