package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/boxplanner/boxplanner/pkg/boxclient"
	"github.com/boxplanner/boxplanner/pkg/core"
	"github.com/boxplanner/boxplanner/pkg/history"
	"github.com/boxplanner/boxplanner/pkg/planstore"
	"github.com/boxplanner/boxplanner/pkg/provider"
	"github.com/boxplanner/boxplanner/pkg/shield"
	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSpot struct{}

func (fakeSpot) GetPrices(_ context.Context, from time.Time) ([]provider.SpotPrice, error) {
	start := from.UTC().Truncate(time.Hour)
	prices := make([]provider.SpotPrice, 49)
	for i := range prices {
		// negative spot so grid charging is unambiguously cheap
		prices[i] = provider.SpotPrice{TS: start.Add(time.Duration(i) * time.Hour), CZKPerKWH: -1.0}
	}
	return prices, nil
}

type fakeForecast struct{}

func (fakeForecast) GetSamples(_ context.Context, from time.Time) ([]provider.PowerSample, error) {
	start := from.UTC().Truncate(time.Hour)
	samples := make([]provider.PowerSample, 50)
	for i := range samples {
		samples[i] = provider.PowerSample{TS: start.Add(time.Duration(i) * time.Hour), LoadW: 1000}
	}
	return samples, nil
}

func newTestServer(t *testing.T) (*Server, *planstore.Store) {
	store, err := planstore.New(t.TempDir(), "box1")
	require.NoError(t, err)
	journal, err := history.New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	mock := boxclient.NewMock(types.TelemetrySnapshot{CapacityKWH: 10.0, SOCKWH: 5.0, Mode: types.ModeHomeI})
	poller := boxclient.NewPoller(mock, 30*time.Second)
	prov := provider.New(fakeSpot{}, fakeForecast{})
	c := core.New(poller, prov, nil, store, journal, shield.New(15*time.Minute), "box1", types.DefaultSettings())

	ctx := context.Background()
	require.NoError(t, poller.Poll(ctx))
	c.RefreshForecast(ctx, time.Now())

	return &Server{core: c, store: store, journal: journal, serverName: "boxplanner"}, store
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.setupHandler()

	w := doJSON(t, h, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status core.Status
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	require.NotNil(t, status.Telemetry)
	assert.Equal(t, 5.0, status.Telemetry.SOCKWH)
	assert.Equal(t, types.ShieldNormal, status.ShieldState)
	assert.Nil(t, status.ActivePlan)
}

func TestManualPlanLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.setupHandler()
	target := time.Now().Add(10 * time.Hour).UTC().Format(time.RFC3339)

	w := doJSON(t, h, http.MethodPost, "/api/plan/manual", map[string]any{
		"targetSOCPct": 150.0,
		"targetTime":   target,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/plan/manual", map[string]any{
		"targetSOCPct": 80.0,
		"targetTime":   "tomorrow",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/plan/manual", map[string]any{
		"targetSOCPct": 80.0,
		"targetTime":   target,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var plan types.Plan
	require.NoError(t, json.NewDecoder(w.Body).Decode(&plan))
	assert.Equal(t, types.PlanManual, plan.Kind)
	assert.Equal(t, types.PlanActive, plan.Status)

	w = doJSON(t, h, http.MethodGet, "/api/plans?kind=manual", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Plans []*types.Plan `json:"plans"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	assert.Len(t, list.Plans, 1)

	w = doJSON(t, h, http.MethodGet, "/api/plans/"+plan.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/plan/deactivate", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, h, http.MethodPost, "/api/plan/deactivate", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManualPlanRejectedDuringWeatherEmergency(t *testing.T) {
	s, store := newTestServer(t)
	h := s.setupHandler()
	ctx := context.Background()

	now := time.Now()
	weatherPlan := &types.Plan{
		Kind:      types.PlanWeather,
		CreatedAt: now,
		Intervals: []types.IntervalProjection{{TS: types.NextIntervalStart(now), Mode: types.ModeHomeUPS}},
	}
	id, err := store.Create(ctx, weatherPlan)
	require.NoError(t, err)
	require.NoError(t, store.Activate(ctx, id))

	w := doJSON(t, h, http.MethodPost, "/api/plan/manual", map[string]any{
		"targetSOCPct": 80.0,
		"targetTime":   now.Add(10 * time.Hour).UTC().Format(time.RFC3339),
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.setupHandler()

	w := doJSON(t, h, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var settings types.Settings
	require.NoError(t, json.NewDecoder(w.Body).Decode(&settings))
	assert.Equal(t, 33.0, settings.UserMinSOCPct)

	settings.UserMinSOCPct = 5 // below the allowed floor
	w = doJSON(t, h, http.MethodPost, "/api/settings", settings)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	settings.UserMinSOCPct = 40
	w = doJSON(t, h, http.MethodPost, "/api/settings", settings)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/api/settings", nil)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&settings))
	assert.Equal(t, 40.0, settings.UserMinSOCPct)
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.setupHandler()

	w := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "boxplanner", w.Header().Get("Server"))
}
