package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/common"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Source fetches the current severe-weather warning for the site.
type Source interface {
	// GetWarning returns the highest active warning, or a warning with
	// severity none when the sky is clear.
	GetWarning(ctx context.Context) (types.Warning, error)
}

// Watcher polls a warning source on a fixed interval and notifies listeners
// when the warning meaningfully changes (severity, or the expected end of an
// ongoing event).
type Watcher struct {
	source   Source
	interval time.Duration

	mu       sync.Mutex
	current  types.Warning
	polled   bool
	onChange []func(types.Warning)
}

// Configured sets up the weather watcher based on flags.
func Configured() *Watcher {
	apiURL := lflag.String("weather-api-url", "https://api.weather-alerts.example.com/v1", "Base URL of the weather warning API")
	region := lflag.String("weather-region", "CZ010", "Warning region code of the site")
	refresh := lflag.Duration("weather-refresh", time.Hour, "How often to poll for weather warnings")

	w := &Watcher{}
	lflag.Do(func() {
		w.source = NewAPISource(*apiURL, *region)
		w.interval = *refresh
	})
	return w
}

// NewWatcher creates a watcher over the given source.
func NewWatcher(source Source, interval time.Duration) *Watcher {
	return &Watcher{source: source, interval: interval}
}

// OnChange registers a callback invoked whenever the warning changes. The
// callback must not block.
func (w *Watcher) OnChange(fn func(types.Warning)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Current returns the latest warning. ok is false until the first successful
// poll.
func (w *Watcher) Current() (types.Warning, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.polled
}

// Poll fetches the warning once and dispatches change callbacks. Exported so
// the core can refresh before planning decisions.
func (w *Watcher) Poll(ctx context.Context) error {
	warning, err := w.source.GetWarning(ctx)
	if err != nil {
		// a failed poll keeps the last known warning, an active emergency
		// must not end just because the alert API is down
		log.Ctx(ctx).WarnContext(ctx, "weather warning poll failed", slog.Any("error", err))
		return err
	}

	w.mu.Lock()
	changed := !w.polled ||
		warning.Severity != w.current.Severity ||
		!warning.ExpectedEnd.Equal(w.current.ExpectedEnd)
	w.current = warning
	w.polled = true
	callbacks := make([]func(types.Warning), len(w.onChange))
	copy(callbacks, w.onChange)
	w.mu.Unlock()

	if !changed {
		return nil
	}
	log.Ctx(ctx).InfoContext(ctx, "weather warning changed",
		slog.String("severity", string(warning.Severity)),
		slog.Time("expectedEnd", warning.ExpectedEnd),
	)
	for _, fn := range callbacks {
		fn(warning)
	}
	return nil
}

// Run polls until the context is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		w.Poll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.interval):
		}
	}
}

// APISource reads warnings from a CAP-style alert feed.
type APISource struct {
	client  *http.Client
	baseURL string
	region  string
}

// NewAPISource creates a source for the given region.
func NewAPISource(baseURL, region string) *APISource {
	return &APISource{
		client:  common.HTTPClient(time.Minute),
		baseURL: baseURL,
		region:  region,
	}
}

type alertResult struct {
	Alerts []struct {
		Severity string `json:"severity"`
		Onset    string `json:"onset"`
		Expires  string `json:"expires"`
	} `json:"alerts"`
}

// GetWarning implements Source. Overlapping alerts collapse to the highest
// severity with the latest expiry.
func (s *APISource) GetWarning(ctx context.Context) (types.Warning, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return types.Warning{}, err
	}
	u.Path, err = url.JoinPath(u.Path, "alerts")
	if err != nil {
		return types.Warning{}, err
	}
	q := url.Values{}
	q.Set("region", s.region)
	q.Set("active", strconv.FormatBool(true))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return types.Warning{}, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return types.Warning{}, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return types.Warning{}, fmt.Errorf("%w: status %d", types.ErrProviderUnavailable, resp.StatusCode)
	}

	var res alertResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return types.Warning{}, err
	}

	warning := types.Warning{Severity: types.SeverityNone}
	for _, a := range res.Alerts {
		severity := types.Severity(a.Severity)
		if severity.Rank() == 0 && severity != types.SeverityNone {
			log.Ctx(ctx).WarnContext(ctx, "unknown alert severity", slog.String("severity", a.Severity))
			continue
		}
		onset, err := time.Parse(time.RFC3339, a.Onset)
		if err != nil {
			return types.Warning{}, fmt.Errorf("bad alert onset %q: %w", a.Onset, err)
		}
		expires, err := time.Parse(time.RFC3339, a.Expires)
		if err != nil {
			return types.Warning{}, fmt.Errorf("bad alert expiry %q: %w", a.Expires, err)
		}

		if severity.Rank() > warning.Severity.Rank() {
			warning = types.Warning{Severity: severity, Start: onset, ExpectedEnd: expires}
		} else if severity.Rank() == warning.Severity.Rank() && expires.After(warning.ExpectedEnd) {
			warning.ExpectedEnd = expires
		}
	}
	return warning, nil
}
