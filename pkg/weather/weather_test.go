package weather

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	mu      sync.Mutex
	warning types.Warning
	err     error
}

func (s *scriptedSource) set(w types.Warning, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warning = w
	s.err = err
}

func (s *scriptedSource) GetWarning(ctx context.Context) (types.Warning, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warning, s.err
}

func TestWatcherNotifiesOnChange(t *testing.T) {
	ctx := context.Background()
	src := &scriptedSource{warning: types.Warning{Severity: types.SeverityNone}}
	w := NewWatcher(src, time.Hour)

	var changes []types.Warning
	w.OnChange(func(warning types.Warning) {
		changes = append(changes, warning)
	})

	_, ok := w.Current()
	assert.False(t, ok)

	// the first poll always counts as a change
	require.NoError(t, w.Poll(ctx))
	require.Len(t, changes, 1)

	// same warning again: no callback
	require.NoError(t, w.Poll(ctx))
	require.Len(t, changes, 1)

	end := time.Now().Add(6 * time.Hour)
	src.set(types.Warning{Severity: types.SeveritySevere, Start: time.Now(), ExpectedEnd: end}, nil)
	require.NoError(t, w.Poll(ctx))
	require.Len(t, changes, 2)
	assert.True(t, changes[1].Emergency())

	// a pushed-out end time on the same severity is a change too
	src.set(types.Warning{Severity: types.SeveritySevere, Start: time.Now(), ExpectedEnd: end.Add(2 * time.Hour)}, nil)
	require.NoError(t, w.Poll(ctx))
	require.Len(t, changes, 3)
}

func TestWatcherKeepsWarningOnPollFailure(t *testing.T) {
	ctx := context.Background()
	end := time.Now().Add(4 * time.Hour)
	src := &scriptedSource{warning: types.Warning{Severity: types.SeverityExtreme, ExpectedEnd: end}}
	w := NewWatcher(src, time.Hour)

	require.NoError(t, w.Poll(ctx))

	src.set(types.Warning{}, errors.New("alert api down"))
	require.Error(t, w.Poll(ctx))

	current, ok := w.Current()
	require.True(t, ok)
	assert.Equal(t, types.SeverityExtreme, current.Severity)
}

func TestAPISourceCollapsesAlerts(t *testing.T) {
	onset := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "CZ010", r.URL.Query().Get("region"))
		json.NewEncoder(w).Encode(map[string]interface{}{
			"alerts": []map[string]string{
				{"severity": "moderate", "onset": onset.Format(time.RFC3339), "expires": onset.Add(8 * time.Hour).Format(time.RFC3339)},
				{"severity": "severe", "onset": onset.Add(time.Hour).Format(time.RFC3339), "expires": onset.Add(5 * time.Hour).Format(time.RFC3339)},
				{"severity": "severe", "onset": onset.Add(2 * time.Hour).Format(time.RFC3339), "expires": onset.Add(6 * time.Hour).Format(time.RFC3339)},
			},
		})
	}))
	t.Cleanup(srv.Close)

	src := NewAPISource(srv.URL, "CZ010")
	warning, err := src.GetWarning(context.Background())
	require.NoError(t, err)

	// highest severity wins, the expiry extends across same-severity alerts
	assert.Equal(t, types.SeveritySevere, warning.Severity)
	assert.Equal(t, onset.Add(6*time.Hour), warning.ExpectedEnd.UTC())
}

func TestAPISourceNoActiveAlerts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"alerts": []map[string]string{}})
	}))
	t.Cleanup(srv.Close)

	src := NewAPISource(srv.URL, "CZ010")
	warning, err := src.GetWarning(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.SeverityNone, warning.Severity)
	assert.False(t, warning.Emergency())
}
