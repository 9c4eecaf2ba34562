package provider

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/sixdouglas/suncalc"
)

// minHorizonIntervals is the shortest usable forecast horizon (24 hours).
const minHorizonIntervals = 96

// Provider merges spot prices and PV/load forecasts into aligned quarter-hour
// forecast points. The last good series is cached so a provider outage does
// not immediately stop planning.
type Provider struct {
	spot     SpotSource
	forecast ForecastSource

	mu       sync.Mutex
	cached   []types.ForecastPoint
	cachedAt time.Time
}

// New creates a provider over the given sources.
func New(spot SpotSource, forecast ForecastSource) *Provider {
	return &Provider{spot: spot, forecast: forecast}
}

// Merged returns forecast points from the next interval boundary onward. When
// the sources fail or cover less than 24 hours, the last cached series is
// returned instead; ErrProviderUnavailable is only surfaced when the cache
// cannot bridge the gap either.
func (p *Provider) Merged(ctx context.Context, now time.Time, settings types.Settings) ([]types.ForecastPoint, error) {
	points, err := p.fetch(ctx, now, settings)
	if err == nil && len(points) >= minHorizonIntervals {
		p.mu.Lock()
		p.cached = points
		p.cachedAt = now
		p.mu.Unlock()
		out := make([]types.ForecastPoint, len(points))
		copy(out, points)
		return out, nil
	}

	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "forecast fetch failed, trying cache",
			slog.Any("error", err),
		)
	} else {
		log.Ctx(ctx).WarnContext(ctx, "forecast horizon too short, trying cache",
			slog.Int("intervals", len(points)),
		)
	}

	cached := p.cachedFrom(now)
	if len(cached) >= minHorizonIntervals {
		return cached, nil
	}
	return nil, types.ErrProviderUnavailable
}

// cachedFrom returns the cached points at or after the next interval boundary.
func (p *Provider) cachedFrom(now time.Time) []types.ForecastPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := types.NextIntervalStart(now)
	var out []types.ForecastPoint
	for _, fp := range p.cached {
		if !fp.TS.Before(start) {
			out = append(out, fp)
		}
	}
	return out
}

func (p *Provider) fetch(ctx context.Context, now time.Time, settings types.Settings) ([]types.ForecastPoint, error) {
	prices, err := p.spot.GetPrices(ctx, now)
	if err != nil {
		return nil, err
	}
	samples, err := p.forecast.GetSamples(ctx, now)
	if err != nil {
		return nil, err
	}
	return merge(now, prices, samples, settings), nil
}

// merge builds quarter-hour points for as long as both sources have data.
func merge(now time.Time, prices []SpotPrice, samples []PowerSample, settings types.Settings) []types.ForecastPoint {
	priceAt := make(map[time.Time]float64, len(prices))
	for _, p := range prices {
		priceAt[p.TS.UTC().Truncate(time.Hour)] = p.CZKPerKWH
	}

	start := types.NextIntervalStart(now)
	var points []types.ForecastPoint
	for i := 0; i < types.PlanIntervals; i++ {
		ts := start.Add(time.Duration(i) * types.IntervalDuration)
		spot, ok := priceAt[ts.UTC().Truncate(time.Hour)]
		if !ok {
			break
		}
		pvKWH, loadKWH, ok := interpolateEnergy(samples, ts, settings.Latitude, settings.Longitude)
		if !ok {
			break
		}

		buy, sell := applyTariff(settings, spot)
		points = append(points, types.ForecastPoint{
			TS:                  ts,
			PVKWH:               pvKWH,
			LoadKWH:             loadKWH,
			SpotCZKPerKWH:       spot,
			TariffBuyCZKPerKWH:  buy,
			TariffSellCZKPerKWH: sell,
		})
	}
	return points
}

// applyTariff maps a raw spot price to the effective buy and sell prices. The
// buy side adds the distribution surcharge and VAT; the sell side applies the
// contract coefficient and never goes negative.
func applyTariff(settings types.Settings, spotCZKPerKWH float64) (buy, sell float64) {
	buy = (spotCZKPerKWH + settings.DistributionBuyCZK) * (1 + settings.VATRate)
	sell = spotCZKPerKWH * settings.SellPriceCoefficient
	if sell < 0 {
		sell = 0
	}
	return buy, sell
}

// interpolateEnergy integrates the hourly power samples over the quarter-hour
// interval starting at ts. PV is interpolated in altitude-normalized space so
// intra-hour values follow the sun, and is clamped to zero below the horizon.
func interpolateEnergy(samples []PowerSample, ts time.Time, lat, lon float64) (pvKWH, loadKWH float64, ok bool) {
	end := ts.Add(types.IntervalDuration)
	startPV, startLoad, ok := powerAt(samples, ts, lat, lon)
	if !ok {
		return 0, 0, false
	}
	endPV, endLoad, ok := powerAt(samples, end, lat, lon)
	if !ok {
		return 0, 0, false
	}

	hours := types.IntervalDuration.Hours()
	pvKWH = (startPV + endPV) / 2 / 1000.0 * hours
	loadKWH = (startLoad + endLoad) / 2 / 1000.0 * hours
	return pvKWH, loadKWH, true
}

// powerAt linearly interpolates the bracketing hourly samples at t.
func powerAt(samples []PowerSample, t time.Time, lat, lon float64) (pvW, loadW float64, ok bool) {
	var before, after *PowerSample
	for i := range samples {
		s := &samples[i]
		if !s.TS.After(t) {
			before = s
		}
		if !s.TS.Before(t) {
			after = s
			break
		}
	}
	if before == nil || after == nil {
		return 0, 0, false
	}

	var frac float64
	if span := after.TS.Sub(before.TS); span > 0 {
		frac = float64(t.Sub(before.TS)) / float64(span)
	}
	loadW = before.LoadW + (after.LoadW-before.LoadW)*frac
	pvW = interpolatePV(before, after, t, frac, lat, lon)
	return pvW, loadW, true
}

func interpolatePV(before, after *PowerSample, t time.Time, frac, lat, lon float64) float64 {
	w := altitudeWeight(t, lat, lon)
	if w <= 0 {
		return 0
	}
	// normalize the samples by their own altitude weight so the interpolated
	// curve tracks the sun instead of a straight line
	n0 := normalizedPV(before, lat, lon)
	n1 := normalizedPV(after, lat, lon)
	return (n0 + (n1-n0)*frac) * w
}

func normalizedPV(s *PowerSample, lat, lon float64) float64 {
	w := altitudeWeight(s.TS, lat, lon)
	if w <= 0 {
		return 0
	}
	return s.PVW / w
}

// altitudeWeight is sin of the sun altitude at t, zero below the horizon.
func altitudeWeight(t time.Time, lat, lon float64) float64 {
	alt := suncalc.GetPosition(t, lat, lon).Altitude
	if alt <= 0 {
		return 0
	}
	return math.Sin(alt)
}
