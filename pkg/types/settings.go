package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 3

// DataSource selects where telemetry comes from.
type DataSource string

const (
	DataSourceCloud DataSource = "cloud"
	DataSourceLocal DataSource = "local"
	DataSourceMock  DataSource = "mock"
)

// Settings is the user-changeable configuration surface. Both data source
// modes use the same data model.
type Settings struct {
	DataSource DataSource `json:"dataSource"`

	// Polling
	StandardPollS int `json:"standardPollS"`
	ExtendedPollS int `json:"extendedPollS"`

	// Battery
	// UserMinSOCPct is the absolute floor the planner never goes below.
	UserMinSOCPct   float64 `json:"userMinSOCPct"`
	HomeChargeRateW float64 `json:"homeChargeRateW"`

	// Pricing
	// CheapThresholdCZK is the spot price under which grid charging is
	// economically justified (CZK/kWh).
	CheapThresholdCZK float64 `json:"cheapThresholdCZK"`
	// Tariff mapping from raw spot to buy/sell prices.
	VATRate               float64 `json:"vatRate"`
	DistributionBuyCZK    float64 `json:"distributionBuyCZK"`
	SellPriceCoefficient  float64 `json:"sellPriceCoefficient"`

	// Balancing
	OpportunisticThresholdSOCPct float64 `json:"opportunisticThresholdSOCPct"`
	HoldingHoursDefault          float64 `json:"holdingHoursDefault"`
	BalancingWindowHours         float64 `json:"balancingWindowHours"`
	ForcedIntervalDays           int     `json:"forcedIntervalDays"`

	// Shield
	ShieldTimeoutMin int `json:"shieldTimeoutMin"`

	// Weather
	WeatherRefreshMin int `json:"weatherRefreshMin"`

	// Site location for PV forecast shaping.
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the configured ranges from the configuration surface.
func (s Settings) Validate() error {
	switch s.DataSource {
	case DataSourceCloud, DataSourceLocal, DataSourceMock:
	default:
		return &ValidationError{Field: "dataSource", Reason: fmt.Sprintf("unknown source %q", s.DataSource)}
	}
	if s.StandardPollS < 30 || s.StandardPollS > 300 {
		return &ValidationError{Field: "standardPollS", Reason: "must be between 30 and 300"}
	}
	if s.ExtendedPollS < 300 || s.ExtendedPollS > 3600 {
		return &ValidationError{Field: "extendedPollS", Reason: "must be between 300 and 3600"}
	}
	if s.UserMinSOCPct < 20 || s.UserMinSOCPct > 100 {
		return &ValidationError{Field: "userMinSOCPct", Reason: "must be between 20 and 100"}
	}
	if s.CheapThresholdCZK < 0.5 || s.CheapThresholdCZK > 5.0 {
		return &ValidationError{Field: "cheapThresholdCZK", Reason: "must be between 0.5 and 5.0"}
	}
	if s.ShieldTimeoutMin < 5 || s.ShieldTimeoutMin > 60 {
		return &ValidationError{Field: "shieldTimeoutMin", Reason: "must be between 5 and 60"}
	}
	if s.HomeChargeRateW <= 0 {
		return &ValidationError{Field: "homeChargeRateW", Reason: "must be positive"}
	}
	if s.HoldingHoursDefault < 1 {
		return &ValidationError{Field: "holdingHoursDefault", Reason: "must be at least 1"}
	}
	if s.BalancingWindowHours < 1 {
		return &ValidationError{Field: "balancingWindowHours", Reason: "must be at least 1"}
	}
	if s.ForcedIntervalDays < 1 {
		return &ValidationError{Field: "forcedIntervalDays", Reason: "must be at least 1"}
	}
	return nil
}

// MigrateSettings migrates the settings to the current version, filling in
// defaults for fields added after the stored version was written. It returns
// the migrated settings and a boolean indicating if changes were made.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.DataSource == "" {
				s.DataSource = DataSourceCloud
				migrated = true
			}
			if s.StandardPollS == 0 {
				s.StandardPollS = 30
				migrated = true
			}
			if s.ExtendedPollS == 0 {
				s.ExtendedPollS = 300
				migrated = true
			}
			if s.UserMinSOCPct == 0 {
				s.UserMinSOCPct = 33
				migrated = true
			}
			if s.CheapThresholdCZK == 0 {
				s.CheapThresholdCZK = 1.5
				migrated = true
			}
			if s.HomeChargeRateW == 0 {
				s.HomeChargeRateW = 3000
				migrated = true
			}
		case 2:
			// version 2: balancing and shield knobs
			if s.OpportunisticThresholdSOCPct == 0 {
				s.OpportunisticThresholdSOCPct = 90
				migrated = true
			}
			if s.HoldingHoursDefault == 0 {
				s.HoldingHoursDefault = 3
				migrated = true
			}
			if s.BalancingWindowHours == 0 {
				s.BalancingWindowHours = 6
				migrated = true
			}
			if s.ForcedIntervalDays == 0 {
				s.ForcedIntervalDays = 30
				migrated = true
			}
			if s.ShieldTimeoutMin == 0 {
				s.ShieldTimeoutMin = 15
				migrated = true
			}
			if s.WeatherRefreshMin == 0 {
				s.WeatherRefreshMin = 60
				migrated = true
			}
		case 3:
			// version 3: tariff mapping coefficients
			if s.VATRate == 0 {
				s.VATRate = 0.21
				migrated = true
			}
			if s.DistributionBuyCZK == 0 {
				s.DistributionBuyCZK = 1.8
				migrated = true
			}
			if s.SellPriceCoefficient == 0 {
				s.SellPriceCoefficient = 1.0
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}

// DefaultSettings returns settings with every field at its default.
func DefaultSettings() Settings {
	s, _, err := MigrateSettings(Settings{}, 0)
	if err != nil {
		panic(err)
	}
	return s
}
