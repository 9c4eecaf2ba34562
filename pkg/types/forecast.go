package types

import "time"

// ForecastPoint is one quarter-hour bucket of the merged price and forecast
// series. PV and load are energies for the interval, prices are per kWh.
type ForecastPoint struct {
	TS            time.Time `json:"ts"`
	PVKWH         float64   `json:"pvKWH"`
	LoadKWH       float64   `json:"loadKWH"`
	SpotCZKPerKWH float64   `json:"spotCZKPerKWH"`
	// TariffBuy/TariffSell are the spot price after VAT, distribution
	// surcharges and the buy/sell asymmetry have been applied.
	TariffBuyCZKPerKWH  float64 `json:"tariffBuyCZKPerKWH"`
	TariffSellCZKPerKWH float64 `json:"tariffSellCZKPerKWH"`
}

// Severity is the severe-weather warning category.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityMinor    Severity = "minor"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
	SeverityExtreme  Severity = "extreme"
)

// Rank returns an ordering value so severities can be compared.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinor:
		return 1
	case SeverityModerate:
		return 2
	case SeveritySevere:
		return 3
	case SeverityExtreme:
		return 4
	}
	return 0
}

// Warning is the current severe-weather alert state.
type Warning struct {
	Severity    Severity  `json:"severity"`
	Start       time.Time `json:"start"`
	ExpectedEnd time.Time `json:"expectedEnd"`
}

// Emergency reports whether the warning requires a charged battery reserve.
func (w Warning) Emergency() bool {
	return w.Severity.Rank() >= SeveritySevere.Rank()
}
