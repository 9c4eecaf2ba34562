package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOTESpotGetPrices(t *testing.T) {
	prague, err := time.LoadLocation("Europe/Prague")
	require.NoError(t, err)
	from := time.Date(2026, 3, 2, 11, 30, 0, 0, prague)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("date") != "2026-03-02" {
			// tomorrow's prices are not published yet
			w.WriteHeader(http.StatusNotFound)
			return
		}
		hours := make([]float64, 24)
		for i := range hours {
			hours[i] = 2500.0
		}
		json.NewEncoder(w).Encode(oteDayResult{Date: "2026-03-02", HoursCZKMWH: hours})
	}))
	t.Cleanup(srv.Close)

	spot := NewOTESpot(srv.URL)
	prices, err := spot.GetPrices(context.Background(), from)
	require.NoError(t, err)

	// hours fully in the past are dropped, the rest of the market day stays
	require.Len(t, prices, 13)
	assert.Equal(t, time.Date(2026, 3, 2, 11, 0, 0, 0, prague).Unix(), prices[0].TS.Unix())
	// CZK/MWh converts to CZK/kWh
	assert.InDelta(t, 2.5, prices[0].CZKPerKWH, 1e-9)
}
