package boxclient

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
)

const (
	pollJitter = 5 * time.Second
	// degradedAfter is the number of consecutive poll failures after which
	// the poller reports the box as degraded.
	degradedAfter = 3
	maxBackoff    = 10 * time.Minute

	defaultPollInterval = 30 * time.Second
	// minExtendedInterval is the floor for the extended stats cadence; the
	// endpoint is expensive on the box side.
	minExtendedInterval = 300 * time.Second
)

// Poller polls the box on a fixed interval with jitter and publishes
// immutable snapshots. Extended stats are refreshed on a separate, much
// longer cadence. Consecutive failures back off exponentially; after three
// failures in a row the poller reports degraded and consumers stop trusting
// the last snapshot for planning.
type Poller struct {
	client Client

	mu               sync.Mutex
	interval         time.Duration
	extendedInterval time.Duration
	latest           *types.TelemetrySnapshot
	latestExtended   *types.ExtendedStats
	lastExtendedAt   time.Time
	failures         int
	onUpdate         []func(types.TelemetrySnapshot)
}

// NewPoller creates a poller around the client.
func NewPoller(client Client, interval time.Duration) *Poller {
	return &Poller{
		client:           client,
		interval:         interval,
		extendedInterval: minExtendedInterval,
	}
}

// SetIntervals adjusts the poll cadences at runtime. The extended cadence is
// clamped to its minimum.
func (p *Poller) SetIntervals(standard, extended time.Duration) {
	if extended < minExtendedInterval {
		extended = minExtendedInterval
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = standard
	p.extendedInterval = extended
}

// Intervals returns the current standard and extended poll cadences.
func (p *Poller) Intervals() (standard, extended time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval, p.extendedInterval
}

// Client returns the underlying box client, for issuing writes.
func (p *Poller) Client() Client {
	return p.client
}

// OnUpdate registers a callback invoked after every successful poll. The
// callback must not block.
func (p *Poller) OnUpdate(fn func(types.TelemetrySnapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = append(p.onUpdate, fn)
}

// Latest returns the most recent snapshot, if any.
func (p *Poller) Latest() (types.TelemetrySnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latest == nil {
		return types.TelemetrySnapshot{}, false
	}
	return *p.latest, true
}

// LatestExtended returns the most recent extended stats, if any.
func (p *Poller) LatestExtended() (types.ExtendedStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latestExtended == nil {
		return types.ExtendedStats{}, false
	}
	return *p.latestExtended, true
}

// Degraded reports whether the last polls failed repeatedly.
func (p *Poller) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures >= degradedAfter
}

// Fresh reports whether a snapshot exists that is younger than maxAge.
func (p *Poller) Fresh(maxAge time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest != nil && time.Since(p.latest.LastUpdate) <= maxAge
}

// Poll performs one poll cycle. Exported so the core can force a refresh
// before planning.
func (p *Poller) Poll(ctx context.Context) error {
	snap, err := p.client.GetTelemetry(ctx)

	p.mu.Lock()
	if err != nil {
		p.failures++
		failures := p.failures
		p.mu.Unlock()
		log.Ctx(ctx).WarnContext(ctx, "telemetry poll failed",
			slog.Int("consecutiveFailures", failures),
			slog.Any("error", err),
		)
		if failures == degradedAfter {
			log.Ctx(ctx).ErrorContext(ctx, "telemetry degraded, box unreachable")
		}
		return err
	}
	p.failures = 0
	p.latest = &snap
	callbacks := make([]func(types.TelemetrySnapshot), len(p.onUpdate))
	copy(callbacks, p.onUpdate)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(snap)
	}
	return nil
}

// PollExtended fetches the extended stats once. Failures only log; extended
// stats are diagnostics and never gate planning.
func (p *Poller) PollExtended(ctx context.Context) error {
	ext, err := p.client.GetExtendedStats(ctx)

	p.mu.Lock()
	p.lastExtendedAt = time.Now()
	if err == nil {
		p.latestExtended = &ext
	}
	p.mu.Unlock()

	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "extended stats poll failed", slog.Any("error", err))
	}
	return err
}

// extendedDue reports whether the extended cadence has elapsed.
func (p *Poller) extendedDue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastExtendedAt) >= p.extendedInterval
}

// Run polls until the context is canceled.
func (p *Poller) Run(ctx context.Context) error {
	for {
		p.Poll(ctx)
		if p.extendedDue() {
			p.PollExtended(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.nextDelay()):
		}
	}
}

// nextDelay returns the jittered interval, doubled per consecutive failure
// up to a cap.
func (p *Poller) nextDelay() time.Duration {
	p.mu.Lock()
	failures := p.failures
	delay := p.interval
	p.mu.Unlock()
	for i := 0; i < failures && delay < maxBackoff; i++ {
		delay *= 2
	}
	if delay > maxBackoff {
		delay = maxBackoff
	}
	// +-5s so repeated runs don't align with other consumers of the API
	delay += time.Duration(rand.Int64N(int64(2*pollJitter))) - pollJitter
	if delay < time.Second {
		delay = time.Second
	}
	return delay
}
