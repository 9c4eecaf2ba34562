package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/boxclient"
	"github.com/boxplanner/boxplanner/pkg/history"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/planstore"
	"github.com/boxplanner/boxplanner/pkg/shield"
	"github.com/boxplanner/boxplanner/pkg/types"
)

const (
	// writeAttempts is the total tries per command before giving up.
	writeAttempts     = 3
	defaultRetryDelay = 10 * time.Second
)

// Executor drives the Battery Box towards the active plan. Every tick it
// resolves the current plan interval, compares it against telemetry and
// issues the minimal set of commands to close the gap. While the service
// shield is suspended it only observes.
type Executor struct {
	client  boxclient.Client
	store   *planstore.Store
	shield  *shield.Shield
	journal *history.Journal
	boxID   string

	retryDelay time.Duration
	failures   chan error

	mu          sync.Mutex
	expected    types.ModeKind
	announcedID string
	// savedLimitW holds the user's export cap while it is lifted so it can
	// be put back once the plan no longer needs the headroom.
	savedLimitW int
	savedLimit  bool
}

// New creates an executor. The journal may be nil.
func New(client boxclient.Client, store *planstore.Store, sh *shield.Shield, journal *history.Journal, boxID string) *Executor {
	return &Executor{
		client:     client,
		store:      store,
		shield:     sh,
		journal:    journal,
		boxID:      boxID,
		retryDelay: defaultRetryDelay,
		failures:   make(chan error, 8),
	}
}

// Failures delivers command failures after retries are exhausted. The channel
// is buffered; the executor never blocks on it.
func (e *Executor) Failures() <-chan error {
	return e.failures
}

// Tick runs one execution cycle against the given telemetry snapshot.
func (e *Executor) Tick(ctx context.Context, now time.Time, snap types.TelemetrySnapshot) error {
	active, err := e.store.GetActive(ctx)
	if err != nil {
		if errors.Is(err, planstore.ErrPlanNotFound) {
			e.restoreLimit(ctx, now, snap)
			return nil
		}
		return err
	}

	interval := active.IntervalAt(now)
	if interval == nil {
		log.Ctx(ctx).DebugContext(ctx, "active plan does not cover now",
			slog.String("planID", active.ID),
			slog.Time("planEnd", active.End()),
		)
		e.restoreLimit(ctx, now, snap)
		return nil
	}

	desired := e.desiredMode(active, interval, snap)

	e.mu.Lock()
	expected := e.expected
	e.mu.Unlock()
	if expected == "" {
		// nothing commanded yet: adopt whatever mode the box is in so a
		// fresh start is not mistaken for a manual intervention
		expected = snap.Mode
	}

	if e.shield.Observe(ctx, now, snap.Mode, expected) == types.ShieldSuspended {
		return nil
	}

	var cmds []types.Command
	if snap.Mode != desired {
		cmds = append(cmds, types.Command{Kind: types.CommandSetMode, Mode: desired, IssuedAt: now})
	}
	if limitW, ok := e.desiredGridLimit(interval, snap); ok {
		cmds = append(cmds, types.Command{Kind: types.CommandSetGridLimit, LimitW: limitW, IssuedAt: now})
	}
	if on, ok := desiredBoiler(interval, snap); ok {
		cmds = append(cmds, types.Command{Kind: types.CommandSetBoiler, BoilerOn: on, IssuedAt: now})
	}
	if len(cmds) == 0 {
		return nil
	}

	e.announce(ctx, active)

	var firstErr error
	for _, cmd := range cmds {
		if err := e.issue(ctx, cmd); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		switch cmd.Kind {
		case types.CommandSetMode:
			e.mu.Lock()
			e.expected = cmd.Mode
			e.mu.Unlock()
		case types.CommandSetGridLimit:
			if cmd.LimitW != 0 {
				e.mu.Lock()
				e.savedLimit = false
				e.mu.Unlock()
			}
		}
	}
	return firstErr
}

// desiredMode applies the SOC-maintenance override: inside a holding window
// targeting a full battery, the box charges in HOME_UPS until it gets there
// no matter which mode the stored interval carries.
func (e *Executor) desiredMode(active *types.Plan, interval *types.IntervalProjection, snap types.TelemetrySnapshot) types.ModeKind {
	holding := active.Context.Holding
	if interval.Holding && holding != nil && holding.TargetSOCPct >= 100 &&
		snap.SOCKWH < snap.CapacityKWH-types.SOCToleranceKWH {
		return types.ModeHomeUPS
	}
	return interval.Mode
}

// limitBlocksExport reports whether limitW would cap the interval below its
// projected export.
func limitBlocksExport(interval *types.IntervalProjection, limitW int) bool {
	if interval.GridExportKWH <= types.EnergyToleranceKWH || limitW <= 0 {
		return false
	}
	capKWH := float64(limitW) / 1000.0 * types.IntervalDuration.Hours()
	return capKWH < interval.GridExportKWH
}

// desiredGridLimit lifts an export cap that would block the export the plan
// projects for this interval, remembering the user's value, and reinstates it
// once the projected export fits under it again. It never tightens a limit
// the user set.
func (e *Executor) desiredGridLimit(interval *types.IntervalProjection, snap types.TelemetrySnapshot) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limitBlocksExport(interval, snap.GridExportLimitW) {
		e.savedLimitW = snap.GridExportLimitW
		e.savedLimit = true
		return 0, true
	}
	if !e.savedLimit {
		return 0, false
	}
	if snap.GridExportLimitW != 0 {
		// the user set their own limit in the meantime, leave it alone
		e.savedLimit = false
		return 0, false
	}
	if limitBlocksExport(interval, e.savedLimitW) {
		// the saved limit would still block this interval, keep it lifted
		return 0, false
	}
	return e.savedLimitW, true
}

// desiredBoiler burns holding-window surplus in the boiler instead of
// exporting it. Outside holding windows the boiler is left alone.
func desiredBoiler(interval *types.IntervalProjection, snap types.TelemetrySnapshot) (bool, bool) {
	if !interval.Holding {
		return false, false
	}
	want := interval.Mode == types.ModeHomeUPS && interval.GridExportKWH > types.EnergyToleranceKWH
	if want == snap.BoilerOn {
		return false, false
	}
	return want, true
}

// restoreLimit puts a lifted export cap back when no plan interval needs the
// headroom anymore.
func (e *Executor) restoreLimit(ctx context.Context, now time.Time, snap types.TelemetrySnapshot) {
	e.mu.Lock()
	has, saved := e.savedLimit, e.savedLimitW
	e.mu.Unlock()
	if !has {
		return
	}
	if snap.GridExportLimitW != 0 {
		// the user set their own limit in the meantime, leave it alone
		e.mu.Lock()
		e.savedLimit = false
		e.mu.Unlock()
		return
	}
	if e.shield.State(now) == types.ShieldSuspended {
		return
	}

	cmd := types.Command{Kind: types.CommandSetGridLimit, LimitW: saved, IssuedAt: now}
	if err := e.issue(ctx, cmd); err == nil {
		e.mu.Lock()
		e.savedLimit = false
		e.mu.Unlock()
	}
}

// announce posts a one-time service message per plan so the owner knows why
// the box is behaving differently. Best effort.
func (e *Executor) announce(ctx context.Context, active *types.Plan) {
	var message string
	switch active.Kind {
	case types.PlanBalancing:
		message = "Battery balancing in progress"
	case types.PlanWeather:
		message = "Storm preparation: keeping the battery charged"
	default:
		return
	}

	e.mu.Lock()
	seen := e.announcedID == active.ID
	e.announcedID = active.ID
	e.mu.Unlock()
	if seen {
		return
	}
	if err := e.client.Announce(ctx, message); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "announcement failed", slog.String("error", err.Error()))
	}
}

// issue writes one command with retries. The command is noted with the shield
// first so the resulting telemetry change is explained.
func (e *Executor) issue(ctx context.Context, cmd types.Command) error {
	e.shield.NoteCommand(cmd)

	var lastErr error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		lastErr = boxclient.Apply(ctx, e.client, cmd)
		if lastErr == nil {
			e.record(ctx, cmd, nil)
			return nil
		}
		log.Ctx(ctx).WarnContext(ctx, "command write failed",
			slog.String("kind", string(cmd.Kind)),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
		if attempt == writeAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retryDelay):
		}
	}

	err := fmt.Errorf("%w: %s: %w", types.ErrActuationFailed, cmd.Kind, lastErr)
	e.record(ctx, cmd, err)
	select {
	case e.failures <- err:
	default:
	}
	return err
}

func (e *Executor) record(ctx context.Context, cmd types.Command, cmdErr error) {
	if e.journal == nil {
		return
	}
	if err := e.journal.RecordCommand(ctx, e.boxID, cmd, cmdErr); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "command journal write failed", slog.String("error", err.Error()))
	}
}
