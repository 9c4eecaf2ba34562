package boxclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/common"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
)

const cloudLoginPath = "user/login"

// Cloud talks to the vendor portal of the Battery Box. Authentication uses a
// form login that yields a session cookie; GET endpoints are cached per-path
// with ETags so an unchanged box state costs a 304 round-trip instead of a
// full payload.
type Cloud struct {
	client   *http.Client
	baseURL  string
	boxID    string
	username string
	password string

	// mu guards the session flag and the ETag cache. It is never held across
	// an HTTP round-trip; loginMu serializes re-authentication instead.
	mu       sync.Mutex
	loggedIn bool
	etags    map[string]etagEntry

	loginMu sync.Mutex
}

type etagEntry struct {
	etag string
	body []byte
}

// NewCloud creates a cloud client for the given box.
func NewCloud(baseURL, boxID, username, password string) *Cloud {
	jar, _ := cookiejar.New(nil)
	httpClient := common.HTTPClient(time.Minute)
	httpClient.Jar = jar
	return &Cloud{
		client:   httpClient,
		baseURL:  baseURL,
		boxID:    boxID,
		username: username,
		password: password,
		etags:    make(map[string]etagEntry),
	}
}

// cloudState is the wire shape of the box state endpoint.
type cloudState struct {
	CapacityKWH      float64 `json:"capacityKwh"`
	SOCPct           float64 `json:"socPercent"`
	Mode             string  `json:"mode"`
	BoilerOn         bool    `json:"boilerOn"`
	GridExportLimitW int     `json:"gridExportLimitW"`
}

// GetTelemetry implements Client.
func (c *Cloud) GetTelemetry(ctx context.Context) (types.TelemetrySnapshot, error) {
	var state cloudState
	if err := c.getJSON(ctx, "api/box/"+c.boxID+"/state", &state); err != nil {
		return types.TelemetrySnapshot{}, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, err)
	}

	mode, err := types.ParseMode(state.Mode)
	if err != nil {
		return types.TelemetrySnapshot{}, err
	}
	return types.TelemetrySnapshot{
		CapacityKWH:      state.CapacityKWH,
		SOCKWH:           state.SOCPct / 100.0 * state.CapacityKWH,
		Mode:             mode,
		BoilerOn:         state.BoilerOn,
		GridExportLimitW: state.GridExportLimitW,
		LastUpdate:       time.Now(),
	}, nil
}

// cloudExtended is the wire shape of the extended stats endpoint.
type cloudExtended struct {
	BatteryTempC         float64 `json:"batteryTempC"`
	CycleCount           int     `json:"cycleCount"`
	LifetimeChargeKWH    float64 `json:"lifetimeChargeKwh"`
	LifetimeDischargeKWH float64 `json:"lifetimeDischargeKwh"`
	FirmwareVersion      string  `json:"firmwareVersion"`
}

// GetExtendedStats implements Client. It shares the per-endpoint ETag cache
// with GetTelemetry.
func (c *Cloud) GetExtendedStats(ctx context.Context) (types.ExtendedStats, error) {
	var ext cloudExtended
	if err := c.getJSON(ctx, "api/box/"+c.boxID+"/extended", &ext); err != nil {
		return types.ExtendedStats{}, fmt.Errorf("%w: %w", types.ErrProviderUnavailable, err)
	}
	return types.ExtendedStats{
		BatteryTempC:         ext.BatteryTempC,
		CycleCount:           ext.CycleCount,
		LifetimeChargeKWH:    ext.LifetimeChargeKWH,
		LifetimeDischargeKWH: ext.LifetimeDischargeKWH,
		FirmwareVersion:      ext.FirmwareVersion,
		LastUpdate:           time.Now(),
	}, nil
}

// SetMode implements Client.
func (c *Cloud) SetMode(ctx context.Context, mode types.ModeKind) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown mode: %q", mode)
	}
	return c.postJSON(ctx, "api/box/"+c.boxID+"/mode", map[string]string{"mode": string(mode)})
}

// SetGridExportLimit implements Client.
func (c *Cloud) SetGridExportLimit(ctx context.Context, limitW int) error {
	if limitW < 0 {
		return fmt.Errorf("negative export limit: %d", limitW)
	}
	return c.postJSON(ctx, "api/box/"+c.boxID+"/grid-limit", map[string]int{"limitW": limitW})
}

// SetBoiler implements Client.
func (c *Cloud) SetBoiler(ctx context.Context, on bool) error {
	return c.postJSON(ctx, "api/box/"+c.boxID+"/boiler", map[string]bool{"on": on})
}

// Announce implements Client.
func (c *Cloud) Announce(ctx context.Context, message string) error {
	return c.postJSON(ctx, "api/box/"+c.boxID+"/announcement", map[string]string{"message": message})
}

// ensureLogin makes sure a session exists. Logins are serialized on loginMu
// so concurrent callers do not race each other into duplicate logins; mu is
// only taken for the flag checks, never across the login round-trip itself.
func (c *Cloud) ensureLogin(ctx context.Context) error {
	c.mu.Lock()
	ok := c.loggedIn
	c.mu.Unlock()
	if ok {
		return nil
	}

	c.loginMu.Lock()
	defer c.loginMu.Unlock()
	c.mu.Lock()
	ok = c.loggedIn
	c.mu.Unlock()
	if ok {
		return nil
	}

	if err := c.login(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.loggedIn = true
	c.mu.Unlock()
	return nil
}

// invalidateSession drops the session flag so the next call logs in again.
func (c *Cloud) invalidateSession() {
	c.mu.Lock()
	c.loggedIn = false
	c.mu.Unlock()
}

func (c *Cloud) login(ctx context.Context) error {
	if c.username == "" {
		return errors.New("missing username")
	}
	if c.password == "" {
		return errors.New("missing password")
	}

	data := url.Values{}
	data.Set("email", c.username)
	data.Set("password", c.password)

	req, err := c.newRequest(ctx, "POST", cloudLoginPath, strings.NewReader(data.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Ctx(ctx).ErrorContext(ctx, "cloud login failed", slog.Int("status", resp.StatusCode))
		return fmt.Errorf("login failed: status %d", resp.StatusCode)
	}
	log.Ctx(ctx).DebugContext(ctx, "cloud login success", slog.String("username", c.username))
	return nil
}

func (c *Cloud) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	return http.NewRequestWithContext(ctx, method, u.String(), body)
}

func (c *Cloud) getJSON(ctx context.Context, endpoint string, dest interface{}) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	// we try up to 2 times because the session might have expired
	for i := 0; i < 2; i++ {
		req, err := c.newRequest(ctx, "GET", endpoint, nil)
		if err != nil {
			return err
		}
		c.mu.Lock()
		cached, haveCached := c.etags[endpoint]
		c.mu.Unlock()
		if haveCached {
			req.Header.Set("If-None-Match", cached.etag)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusNotModified:
			if !haveCached {
				return fmt.Errorf("304 without a cached body for %s", endpoint)
			}
			return json.Unmarshal(cached.body, dest)
		case http.StatusUnauthorized, http.StatusForbidden:
			if i == 0 {
				log.Ctx(ctx).DebugContext(ctx, "cloud session expired, logging in again")
				c.invalidateSession()
				if err := c.ensureLogin(ctx); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("status %d after re-login", resp.StatusCode)
		case http.StatusOK:
			if readErr != nil {
				return readErr
			}
			if etag := resp.Header.Get("ETag"); etag != "" {
				c.mu.Lock()
				c.etags[endpoint] = etagEntry{etag: etag, body: body}
				c.mu.Unlock()
			}
			return json.Unmarshal(body, dest)
		default:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	}
	return nil
}

func (c *Cloud) postJSON(ctx context.Context, endpoint string, payload interface{}) error {
	if err := c.ensureLogin(ctx); err != nil {
		return err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	for i := 0; i < 2; i++ {
		req, err := c.newRequest(ctx, "POST", endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent:
			return nil
		case http.StatusUnauthorized, http.StatusForbidden:
			if i == 0 {
				log.Ctx(ctx).DebugContext(ctx, "cloud session expired, logging in again")
				c.invalidateSession()
				if err := c.ensureLogin(ctx); err != nil {
					return err
				}
				continue
			}
			return fmt.Errorf("status %d after re-login", resp.StatusCode)
		default:
			return fmt.Errorf("status %d", resp.StatusCode)
		}
	}
	return nil
}
