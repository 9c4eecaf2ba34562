package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/boxplanner/boxplanner/pkg/common"
	"github.com/boxplanner/boxplanner/pkg/types"
)

// Meteo fetches hourly PV production and household load forecasts from an
// Open-Meteo style API.
type Meteo struct {
	client  *http.Client
	baseURL string
	lat     float64
	lon     float64
}

// NewMeteo creates a forecast source for the given site location.
func NewMeteo(baseURL string, lat, lon float64) *Meteo {
	return &Meteo{
		client:  common.HTTPClient(time.Minute),
		baseURL: baseURL,
		lat:     lat,
		lon:     lon,
	}
}

type meteoResult struct {
	Hourly struct {
		Time       []string  `json:"time"`
		PVPowerW   []float64 `json:"pv_power_w"`
		LoadPowerW []float64 `json:"load_power_w"`
	} `json:"hourly"`
}

// GetSamples implements ForecastSource.
func (m *Meteo) GetSamples(ctx context.Context, from time.Time) ([]PowerSample, error) {
	u, err := url.Parse(m.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, "forecast")
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(m.lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(m.lon, 'f', 4, 64))
	q.Set("hourly", "pv_power_w,load_power_w")
	q.Set("forecast_hours", "49")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: status %d", types.ErrProviderUnavailable, resp.StatusCode)
	}

	var res meteoResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	if len(res.Hourly.Time) != len(res.Hourly.PVPowerW) || len(res.Hourly.Time) != len(res.Hourly.LoadPowerW) {
		return nil, fmt.Errorf("mismatched hourly series lengths")
	}

	samples := make([]PowerSample, 0, len(res.Hourly.Time))
	for i, raw := range res.Hourly.Time {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("bad hourly timestamp %q: %w", raw, err)
		}
		if ts.Add(time.Hour).Before(from) {
			continue
		}
		samples = append(samples, PowerSample{
			TS:    ts,
			PVW:   res.Hourly.PVPowerW[i],
			LoadW: res.Hourly.LoadPowerW[i],
		})
	}
	return samples, nil
}
