package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/boxplanner/boxplanner/pkg/common"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
)

// OTESpot fetches day-ahead prices from the OTE market API. Prices arrive in
// CZK/MWh per hour of a market day; tomorrow's prices appear in the early
// afternoon.
type OTESpot struct {
	client  *http.Client
	baseURL string
	loc     *time.Location
}

// NewOTESpot creates a spot source against the given API base URL.
func NewOTESpot(baseURL string) *OTESpot {
	loc, err := time.LoadLocation("Europe/Prague")
	if err != nil {
		loc = time.UTC
	}
	return &OTESpot{
		client:  common.HTTPClient(time.Minute),
		baseURL: baseURL,
		loc:     loc,
	}
}

type oteDayResult struct {
	Date         string    `json:"date"`
	HoursCZKMWH  []float64 `json:"hoursCZKPerMWH"`
}

// GetPrices implements SpotSource. It fetches the market day containing from
// and the following day; a missing following day is not an error, the market
// simply has not published yet.
func (o *OTESpot) GetPrices(ctx context.Context, from time.Time) ([]SpotPrice, error) {
	day := from.In(o.loc)
	first, err := o.getDay(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, err)
	}

	prices := first
	second, err := o.getDay(ctx, day.AddDate(0, 0, 1))
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "day-ahead prices not yet published",
			slog.Any("error", err),
		)
	} else {
		prices = append(prices, second...)
	}

	// drop hours entirely before from
	var out []SpotPrice
	for _, p := range prices {
		if p.TS.Add(time.Hour).After(from) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (o *OTESpot) getDay(ctx context.Context, day time.Time) ([]SpotPrice, error) {
	u, err := url.Parse(o.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, "spot")
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("date", day.Format("2006-01-02"))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var res oteDayResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}

	midnight := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, o.loc)
	prices := make([]SpotPrice, 0, len(res.HoursCZKMWH))
	for h, mwh := range res.HoursCZKMWH {
		prices = append(prices, SpotPrice{
			TS:        midnight.Add(time.Duration(h) * time.Hour),
			CZKPerKWH: mwh / 1000.0,
		})
	}
	return prices, nil
}
