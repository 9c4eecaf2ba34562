package provider

import (
	"context"
	"time"
)

// SpotPrice is one hour of the day-ahead market in CZK/kWh.
type SpotPrice struct {
	TS        time.Time
	CZKPerKWH float64
}

// SpotSource fetches day-ahead market prices.
type SpotSource interface {
	// GetPrices returns hourly prices covering [from, from+48h) as far as the
	// market has published them.
	GetPrices(ctx context.Context, from time.Time) ([]SpotPrice, error)
}

// PowerSample is one hourly sample of forecast PV and load power.
type PowerSample struct {
	TS    time.Time
	PVW   float64
	LoadW float64
}

// ForecastSource fetches PV production and household load forecasts.
type ForecastSource interface {
	// GetSamples returns hourly samples covering [from, from+48h].
	GetSamples(ctx context.Context, from time.Time) ([]PowerSample, error)
}
