package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpot struct {
	fail  bool
	hours int
	base  float64
}

func (f *fakeSpot) GetPrices(ctx context.Context, from time.Time) ([]SpotPrice, error) {
	if f.fail {
		return nil, errors.New("spot api down")
	}
	start := from.Truncate(time.Hour)
	var prices []SpotPrice
	for i := 0; i < f.hours; i++ {
		prices = append(prices, SpotPrice{
			TS:        start.Add(time.Duration(i) * time.Hour),
			CZKPerKWH: f.base + float64(i%24)*0.01,
		})
	}
	return prices, nil
}

type fakeForecast struct {
	fail  bool
	hours int
	pvW   float64
	loadW float64
}

func (f *fakeForecast) GetSamples(ctx context.Context, from time.Time) ([]PowerSample, error) {
	if f.fail {
		return nil, errors.New("meteo api down")
	}
	start := from.Truncate(time.Hour)
	var samples []PowerSample
	for i := 0; i <= f.hours; i++ {
		ts := start.Add(time.Duration(i) * time.Hour)
		pv := 0.0
		if h := ts.Hour(); h >= 9 && h <= 15 {
			pv = f.pvW
		}
		samples = append(samples, PowerSample{TS: ts, PVW: pv, LoadW: f.loadW})
	}
	return samples, nil
}

func testSettings() types.Settings {
	s := types.DefaultSettings()
	s.Latitude = 50.0755
	s.Longitude = 14.4378
	return s
}

func TestApplyTariff(t *testing.T) {
	settings := testSettings()

	buy, sell := applyTariff(settings, 2.0)
	assert.InDelta(t, (2.0+1.8)*1.21, buy, 1e-9)
	assert.InDelta(t, 2.0, sell, 1e-9)

	// negative spot: the sell price floors at zero, the buy side may still
	// be positive because of the distribution surcharge
	buy, sell = applyTariff(settings, -0.5)
	assert.InDelta(t, (-0.5+1.8)*1.21, buy, 1e-9)
	assert.Equal(t, 0.0, sell)
}

func TestMergedFullHorizon(t *testing.T) {
	now := time.Date(2026, 6, 15, 11, 7, 0, 0, time.UTC)
	p := New(&fakeSpot{hours: 49, base: 2.0}, &fakeForecast{hours: 49, pvW: 2000, loadW: 1000})

	points, err := p.Merged(context.Background(), now, testSettings())
	require.NoError(t, err)
	require.Len(t, points, types.PlanIntervals)

	assert.Equal(t, time.Date(2026, 6, 15, 11, 15, 0, 0, time.UTC), points[0].TS)
	firstHour := now.Truncate(time.Hour)
	for i, fp := range points {
		// constant 1 kW load integrates to 0.25 kWh per interval
		assert.InDelta(t, 0.25, fp.LoadKWH, 1e-9, "interval %d", i)
		assert.Greater(t, fp.TariffBuyCZKPerKWH, fp.SpotCZKPerKWH)
		// all intervals of an hour share the hourly spot price
		offset := int(fp.TS.Truncate(time.Hour).Sub(firstHour).Hours())
		assert.InDelta(t, 2.0+float64(offset%24)*0.01, fp.SpotCZKPerKWH, 1e-9, "interval %d", i)
	}

	// PV is zero at night even though the samples are only clamped by hour
	night := points[types.IntervalIndex(points[0].TS, time.Date(2026, 6, 16, 0, 0, 0, 0, time.UTC))]
	assert.Equal(t, 0.0, night.PVKWH)
	noon := points[types.IntervalIndex(points[0].TS, time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC))]
	assert.Greater(t, noon.PVKWH, 0.0)
}

func TestMergedFallsBackToCache(t *testing.T) {
	now := time.Date(2026, 6, 15, 11, 7, 0, 0, time.UTC)
	spot := &fakeSpot{hours: 49, base: 2.0}
	p := New(spot, &fakeForecast{hours: 49, pvW: 2000, loadW: 1000})

	first, err := p.Merged(context.Background(), now, testSettings())
	require.NoError(t, err)

	// an hour later the spot API is down; the cached series still covers
	// more than 24 hours and is served trimmed to the new start
	spot.fail = true
	later := now.Add(time.Hour)
	points, err := p.Merged(context.Background(), later, testSettings())
	require.NoError(t, err)
	assert.Equal(t, types.NextIntervalStart(later), points[0].TS)
	assert.Less(t, len(points), len(first))
	assert.GreaterOrEqual(t, len(points), minHorizonIntervals)

	// a day later the cache has decayed below 24 hours
	_, err = p.Merged(context.Background(), now.Add(25*time.Hour), testSettings())
	require.ErrorIs(t, err, types.ErrProviderUnavailable)
}

func TestMergedShortHorizonRejected(t *testing.T) {
	now := time.Date(2026, 6, 15, 11, 7, 0, 0, time.UTC)
	// 12 hours of data is not enough to plan on
	p := New(&fakeSpot{hours: 12, base: 2.0}, &fakeForecast{hours: 12, pvW: 0, loadW: 800})

	_, err := p.Merged(context.Background(), now, testSettings())
	require.ErrorIs(t, err, types.ErrProviderUnavailable)
}
