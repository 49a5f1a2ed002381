package scoring

// MarketData is the per-zip reference data consumed by the location, credit,
// and NYC market-fit components. Unknown zips get Neutral() values so a
// missing reference row never fails a score.
type MarketData struct {
	ZipCode             string  `json:"zip_code"`
	Borough             string  `json:"borough"`
	HighValue           bool    `json:"high_value"`
	SolarAdoption       float64 `json:"solar_adoption"`     // fraction of homes, 0..1
	Competition         string  `json:"competition"`        // low | medium | high
	SolarPotentialScore float64 `json:"solar_potential"`    // 0..100
	ElectricRate        float64 `json:"electric_rate_kwh"`  // $/kWh
	StateIncentives     bool    `json:"state_incentives"`
	LocalIncentives     bool    `json:"local_incentives"`
	NetMetering         bool    `json:"net_metering"`
	ConversionRate      float64 `json:"conversion_rate"` // borough-level close rate, 0..1
}

// Neutral returns the reference row used when a zip is unknown: every
// contribution it feeds resolves to the component's base value.
func Neutral(zip string) MarketData {
	return MarketData{
		ZipCode:             zip,
		Competition:         "medium",
		SolarPotentialScore: 50,
	}
}

// MarketSource resolves reference data for a zip code. Implementations must
// return ok=false rather than failing for unknown zips.
type MarketSource interface {
	Lookup(zip string) (MarketData, bool)
}

// StaticSource is an in-memory MarketSource seeded with the NYC service
// area. Production deployments overlay rows from configuration.
type StaticSource struct {
	rows map[string]MarketData
}

// NewStaticSource builds a StaticSource from the given rows, keyed by zip.
func NewStaticSource(rows []MarketData) *StaticSource {
	m := make(map[string]MarketData, len(rows))
	for _, r := range rows {
		m[r.ZipCode] = r
	}
	return &StaticSource{rows: m}
}

// Lookup implements MarketSource.
func (s *StaticSource) Lookup(zip string) (MarketData, bool) {
	r, ok := s.rows[zip]
	return r, ok
}

// DefaultNYCSource returns the built-in NYC service-area table.
func DefaultNYCSource() *StaticSource {
	return NewStaticSource([]MarketData{
		{ZipCode: "10016", Borough: "Manhattan", HighValue: true, SolarAdoption: 0.04, Competition: "high", SolarPotentialScore: 55, ElectricRate: 0.31, StateIncentives: true, LocalIncentives: true, NetMetering: true, ConversionRate: 0.52},
		{ZipCode: "10023", Borough: "Manhattan", HighValue: true, SolarAdoption: 0.05, Competition: "high", SolarPotentialScore: 52, ElectricRate: 0.31, StateIncentives: true, LocalIncentives: true, NetMetering: true, ConversionRate: 0.48},
		{ZipCode: "11215", Borough: "Brooklyn", HighValue: true, SolarAdoption: 0.17, Competition: "medium", SolarPotentialScore: 78, ElectricRate: 0.29, StateIncentives: true, LocalIncentives: true, NetMetering: true, ConversionRate: 0.61},
		{ZipCode: "11234", Borough: "Brooklyn", HighValue: false, SolarAdoption: 0.12, Competition: "low", SolarPotentialScore: 82, ElectricRate: 0.28, StateIncentives: true, NetMetering: true, ConversionRate: 0.57},
		{ZipCode: "11375", Borough: "Queens", HighValue: true, SolarAdoption: 0.11, Competition: "medium", SolarPotentialScore: 74, ElectricRate: 0.27, StateIncentives: true, NetMetering: true, ConversionRate: 0.55},
		{ZipCode: "11434", Borough: "Queens", HighValue: false, SolarAdoption: 0.09, Competition: "low", SolarPotentialScore: 80, ElectricRate: 0.26, StateIncentives: true, NetMetering: true, ConversionRate: 0.50},
		{ZipCode: "10306", Borough: "Staten Island", HighValue: false, SolarAdoption: 0.14, Competition: "low", SolarPotentialScore: 85, ElectricRate: 0.25, StateIncentives: true, NetMetering: true, ConversionRate: 0.58},
		{ZipCode: "10462", Borough: "Bronx", HighValue: false, SolarAdoption: 0.06, Competition: "low", SolarPotentialScore: 70, ElectricRate: 0.27, StateIncentives: true, NetMetering: true, ConversionRate: 0.44},
	})
}
