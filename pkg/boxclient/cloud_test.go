package boxclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePortal emulates the vendor cloud: form login issues a session cookie,
// the state endpoint serves ETagged JSON.
type fakePortal struct {
	t         *testing.T
	state     cloudState
	extended  cloudExtended
	etag      string
	extEtag   string
	logins    atomic.Int64
	stateHits atomic.Int64
	notModGot atomic.Int64
	extNotMod atomic.Int64
	// when set, requests with the current session are rejected once to force
	// a re-login
	expireSession atomic.Bool
	session       atomic.Int64
	// when set, the extended endpoint signals entry and blocks until the
	// gate closes
	extendedStarted chan struct{}
	extendedGate    chan struct{}
}

func (f *fakePortal) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /user/login", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		if r.PostForm.Get("email") != "user@example.com" || r.PostForm.Get("password") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.logins.Add(1)
		n := f.session.Add(1)
		http.SetCookie(w, &http.Cookie{Name: "session", Value: string(rune('a' + n))})
	})
	mux.HandleFunc("GET /api/box/box1/state", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.expireSession.Swap(false) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.stateHits.Add(1)
		if r.Header.Get("If-None-Match") == f.etag {
			f.notModGot.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", f.etag)
		json.NewEncoder(w).Encode(f.state)
	})
	mux.HandleFunc("GET /api/box/box1/extended", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("session"); err != nil || c.Value == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if f.extendedStarted != nil {
			select {
			case f.extendedStarted <- struct{}{}:
			default:
			}
		}
		if f.extendedGate != nil {
			<-f.extendedGate
		}
		if f.extEtag != "" && r.Header.Get("If-None-Match") == f.extEtag {
			f.extNotMod.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		if f.extEtag != "" {
			w.Header().Set("ETag", f.extEtag)
		}
		json.NewEncoder(w).Encode(f.extended)
	})
	mux.HandleFunc("POST /api/box/box1/mode", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&body))
		f.state.Mode = body["mode"]
	})
	return mux
}

func newTestCloud(t *testing.T) (*Cloud, *fakePortal) {
	portal := &fakePortal{
		t: t,
		state: cloudState{
			CapacityKWH:      10.0,
			SOCPct:           55.0,
			Mode:             "HOME_II",
			GridExportLimitW: 5000,
		},
		etag: `"v1"`,
	}
	srv := httptest.NewServer(portal.handler())
	t.Cleanup(srv.Close)
	return NewCloud(srv.URL, "box1", "user@example.com", "hunter2"), portal
}

func TestCloudGetTelemetry(t *testing.T) {
	c, portal := newTestCloud(t)

	snap, err := c.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10.0, snap.CapacityKWH)
	assert.InDelta(t, 5.5, snap.SOCKWH, 1e-9)
	assert.Equal(t, types.ModeHomeII, snap.Mode)
	assert.Equal(t, 5000, snap.GridExportLimitW)
	assert.False(t, snap.LastUpdate.IsZero())
	assert.EqualValues(t, 1, portal.logins.Load())
}

func TestCloudETagRevalidation(t *testing.T) {
	c, portal := newTestCloud(t)

	first, err := c.GetTelemetry(context.Background())
	require.NoError(t, err)

	// the second poll revalidates with If-None-Match and reuses the cached
	// body on 304, but still bumps LastUpdate
	second, err := c.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, portal.notModGot.Load())
	assert.Equal(t, first.SOCKWH, second.SOCKWH)
	assert.False(t, second.LastUpdate.Before(first.LastUpdate))

	// content change rotates the ETag and the full body is fetched again
	portal.state.SOCPct = 80.0
	portal.etag = `"v2"`
	third, err := c.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 8.0, third.SOCKWH, 1e-9)
	assert.EqualValues(t, 1, portal.notModGot.Load())
}

func TestCloudReloginOnExpiredSession(t *testing.T) {
	c, portal := newTestCloud(t)

	_, err := c.GetTelemetry(context.Background())
	require.NoError(t, err)

	// drop the session server-side: the next call gets a 401, logs in again
	// and succeeds without surfacing an error
	portal.expireSession.Store(true)
	snap, err := c.GetTelemetry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.ModeHomeII, snap.Mode)
	assert.EqualValues(t, 2, portal.logins.Load())
}

func TestCloudGetExtendedStats(t *testing.T) {
	c, portal := newTestCloud(t)
	portal.extended = cloudExtended{
		BatteryTempC:         23.0,
		CycleCount:           120,
		LifetimeChargeKWH:    4100.5,
		LifetimeDischargeKWH: 3900.0,
		FirmwareVersion:      "2.14",
	}
	portal.extEtag = `"e1"`

	ext, err := c.GetExtendedStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 23.0, ext.BatteryTempC)
	assert.Equal(t, 120, ext.CycleCount)
	assert.Equal(t, "2.14", ext.FirmwareVersion)
	assert.False(t, ext.LastUpdate.IsZero())

	// the extended endpoint has its own ETag cache entry
	ext, err = c.GetExtendedStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, portal.extNotMod.Load())
	assert.Equal(t, 120, ext.CycleCount)
}

func TestCloudConcurrentRequests(t *testing.T) {
	c, portal := newTestCloud(t)
	_, err := c.GetTelemetry(context.Background())
	require.NoError(t, err)

	// hold an extended stats request open on the server side; telemetry
	// polls must not queue up behind it
	portal.extendedStarted = make(chan struct{}, 1)
	portal.extendedGate = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.GetExtendedStats(context.Background())
	}()
	<-portal.extendedStarted

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.GetTelemetry(ctx)
	require.NoError(t, err)

	close(portal.extendedGate)
	<-done
}

func TestCloudSetMode(t *testing.T) {
	c, portal := newTestCloud(t)

	require.NoError(t, c.SetMode(context.Background(), types.ModeHomeUPS))
	assert.Equal(t, "HOME_UPS", portal.state.Mode)

	err := c.SetMode(context.Background(), types.ModeKind("SPA"))
	require.Error(t, err)
}

func TestCloudBadCredentials(t *testing.T) {
	portal := &fakePortal{t: t, etag: `"v1"`}
	srv := httptest.NewServer(portal.handler())
	t.Cleanup(srv.Close)

	c := NewCloud(srv.URL, "box1", "user@example.com", "wrong")
	_, err := c.GetTelemetry(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrProviderUnavailable)
}
