package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/balancing"
	"github.com/boxplanner/boxplanner/pkg/boxclient"
	"github.com/boxplanner/boxplanner/pkg/emergency"
	"github.com/boxplanner/boxplanner/pkg/executor"
	"github.com/boxplanner/boxplanner/pkg/history"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/planner"
	"github.com/boxplanner/boxplanner/pkg/planstore"
	"github.com/boxplanner/boxplanner/pkg/provider"
	"github.com/boxplanner/boxplanner/pkg/shield"
	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/boxplanner/boxplanner/pkg/weather"
	"github.com/levenlabs/go-lflag"
)

const (
	executorInterval  = time.Minute
	forecastInterval  = 15 * time.Minute
	optimizerInterval = 30 * time.Minute
	balancingInterval = 30 * time.Minute
	emergencyInterval = time.Hour

	// freshTelemetryMax is how old a snapshot may be and still gate-keep
	// planning decisions.
	freshTelemetryMax = 5 * time.Minute
	shutdownWait      = 5 * time.Second
)

// ErrWeatherActive is returned when a request would supersede an active
// weather emergency plan.
var ErrWeatherActive = errors.New("weather emergency plan active")

// Core wires the periodic responsibilities together: telemetry polling,
// forecast refresh, automatic replanning, plan execution, balancing and
// weather emergencies. Each responsibility runs on its own goroutine under
// one root context.
type Core struct {
	poller   *boxclient.Poller
	provider *provider.Provider
	watcher  *weather.Watcher
	store    *planstore.Store
	journal  *history.Journal
	shield   *shield.Shield
	exec     *executor.Executor
	detector *balancing.Detector
	weather  *emergency.Planner
	opt      *planner.Optimizer
	boxID    string

	emergencyKick chan struct{}

	settingsMu sync.RWMutex
	settings   types.Settings

	mu         sync.Mutex
	forecast   []types.ForecastPoint
	forecastAt time.Time
	run        pendingRun
}

type pendingRun struct {
	journalID uint
	planID    string
	endsAt    time.Time
}

// Configured creates a Core from its configured dependencies, with settings
// overridable via a flag. boxID is the caller-registered box-id flag.
func Configured(
	poller *boxclient.Poller,
	prov *provider.Provider,
	watcher *weather.Watcher,
	store *planstore.Store,
	journal *history.Journal,
	sh *shield.Shield,
	boxID *string,
) *Core {
	settings := types.DefaultSettings()
	lflag.JSON(&settings, "settings", settings, "JSON settings overriding the defaults")

	c := New(poller, prov, watcher, store, journal, sh, "", settings)
	lflag.Do(func() {
		if err := settings.Validate(); err != nil {
			panic(fmt.Errorf("invalid settings: %w", err))
		}
		c.applySettings(settings)
		c.setBoxID(*boxID)
	})
	return c
}

// New creates a Core.
func New(
	poller *boxclient.Poller,
	prov *provider.Provider,
	watcher *weather.Watcher,
	store *planstore.Store,
	journal *history.Journal,
	sh *shield.Shield,
	boxID string,
	settings types.Settings,
) *Core {
	opt := planner.NewOptimizer()
	c := &Core{
		poller:        poller,
		provider:      prov,
		watcher:       watcher,
		store:         store,
		journal:       journal,
		shield:        sh,
		exec:          executor.New(poller.Client(), store, sh, journal, boxID),
		detector:      balancing.New(journal, boxID),
		weather:       emergency.New(store, opt),
		opt:           opt,
		boxID:         boxID,
		emergencyKick: make(chan struct{}, 1),
		settings:      settings,
	}

	// a tripped shield marks the active plan as externally overridden
	sh.OnSuspend(func(observed types.ModeKind) {
		ctx := context.Background()
		active, err := store.GetActive(ctx)
		if err != nil {
			return
		}
		if err := store.MarkOverridden(ctx, active.ID); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to mark plan overridden", slog.Any("error", err))
		}
	})

	// warning changes refresh the weather plan without waiting for the tick
	if watcher != nil {
		watcher.OnChange(func(types.Warning) {
			select {
			case c.emergencyKick <- struct{}{}:
			default:
			}
		})
	}

	if journal != nil {
		poller.OnUpdate(func(snap types.TelemetrySnapshot) {
			ctx := context.Background()
			if err := journal.RecordTelemetry(ctx, c.boxID, snap); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to record telemetry", slog.Any("error", err))
			}
		})
	}
	return c
}

// setBoxID rebinds the box-scoped components once the flag value is known.
func (c *Core) setBoxID(boxID string) {
	c.boxID = boxID
	c.exec = executor.New(c.poller.Client(), c.store, c.shield, c.journal, boxID)
	c.detector = balancing.New(c.journal, boxID)
}

// Settings returns a copy of the current settings.
func (c *Core) Settings() types.Settings {
	c.settingsMu.RLock()
	defer c.settingsMu.RUnlock()
	return c.settings
}

// UpdateSettings validates and applies new settings.
func (c *Core) UpdateSettings(settings types.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	c.applySettings(settings)
	return nil
}

func (c *Core) applySettings(settings types.Settings) {
	c.settingsMu.Lock()
	c.settings = settings
	c.settingsMu.Unlock()
	c.shield.SetTimeout(time.Duration(settings.ShieldTimeoutMin) * time.Minute)
	c.poller.SetIntervals(
		time.Duration(settings.StandardPollS)*time.Second,
		time.Duration(settings.ExtendedPollS)*time.Second,
	)
}

// Run starts all periodic tasks and blocks until the context is canceled.
func (c *Core) Run(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "core starting", slog.String("boxID", c.boxID))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.poller.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if c.watcher != nil {
			c.watcher.Run(ctx)
		}
	}()

	// a first forecast so planning does not wait for the first tick
	c.RefreshForecast(ctx, time.Now())

	c.runTask(ctx, &wg, "forecast", forecastInterval, nil, c.RefreshForecast)
	c.runTask(ctx, &wg, "executor", executorInterval, nil, c.executorTick)
	c.runTask(ctx, &wg, "optimizer", optimizerInterval, nil, c.optimizerTick)
	c.runTask(ctx, &wg, "balancing", balancingInterval, nil, c.balancingTick)
	c.runTask(ctx, &wg, "emergency", emergencyInterval, c.emergencyKick, c.emergencyTick)

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		log.Ctx(ctx).WarnContext(ctx, "tasks did not stop in time")
	}
	log.Ctx(ctx).InfoContext(ctx, "core stopped")
	return ctx.Err()
}

func (c *Core) runTask(ctx context.Context, wg *sync.WaitGroup, name string, interval time.Duration, kick <-chan struct{}, fn func(context.Context, time.Time)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-kick:
			}
			fn(ctx, time.Now())
		}
	}()
	log.Ctx(ctx).DebugContext(ctx, "task started",
		slog.String("task", name),
		slog.Duration("interval", interval),
	)
}

// RefreshForecast pulls fresh prices and PV/load forecasts into the cache.
func (c *Core) RefreshForecast(ctx context.Context, now time.Time) {
	points, err := c.provider.Merged(ctx, now, c.Settings())
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "forecast refresh failed", slog.Any("error", err))
		return
	}
	c.mu.Lock()
	c.forecast = points
	c.forecastAt = now
	c.mu.Unlock()
}

// forecastCopy returns the cached forecast, or nil when none exists yet.
func (c *Core) forecastCopy() []types.ForecastPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.forecast) == 0 {
		return nil
	}
	out := make([]types.ForecastPoint, len(c.forecast))
	copy(out, c.forecast)
	return out
}

func (c *Core) executorTick(ctx context.Context, now time.Time) {
	c.finishBalancing(ctx, now)

	snap, ok := c.poller.Latest()
	if !ok {
		return
	}
	if err := c.exec.Tick(ctx, now, snap); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "executor tick failed", slog.Any("error", err))
	}
}

// finishBalancing completes the journal entry once the holding window of a
// balancing plan has passed, and retires the plan so automatic planning
// resumes.
func (c *Core) finishBalancing(ctx context.Context, now time.Time) {
	c.mu.Lock()
	run := c.run
	c.mu.Unlock()

	if run.planID == "" {
		// no in-memory bookkeeping: a restart may have lost it while a
		// balancing plan is still active, so rebuild it from the store
		run = c.recoverBalancingRun(ctx)
		if run.planID == "" {
			return
		}
		c.mu.Lock()
		c.run = run
		c.mu.Unlock()
	}
	if now.Before(run.endsAt) {
		return
	}

	active, err := c.store.GetActive(ctx)
	if err == nil && active.ID == run.planID {
		if err := c.store.Deactivate(ctx, run.planID); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to retire balancing plan", slog.Any("error", err))
			return
		}
		if run.journalID != 0 {
			if err := c.journal.CompleteBalancingRun(ctx, run.journalID, now); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to complete balancing run", slog.Any("error", err))
			}
		}
		log.Ctx(ctx).InfoContext(ctx, "balancing run completed", slog.String("planID", run.planID))
	}
	// superseded runs are dropped without completing
	c.mu.Lock()
	c.run = pendingRun{}
	c.mu.Unlock()
}

// recoverBalancingRun rebuilds the run bookkeeping for an active balancing
// plan, matching it to the newest unfinished journal row when one exists.
func (c *Core) recoverBalancingRun(ctx context.Context) pendingRun {
	active, err := c.store.GetActive(ctx)
	if err != nil || active.Kind != types.PlanBalancing {
		return pendingRun{}
	}
	holding := active.Context.Holding
	if holding == nil {
		return pendingRun{}
	}

	run := pendingRun{planID: active.ID, endsAt: holding.End()}
	if c.journal != nil {
		open, err := c.journal.OpenBalancingRun(ctx, c.boxID)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to look up open balancing run", slog.Any("error", err))
		} else if open != nil && open.PlanID == active.ID {
			run.journalID = open.ID
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "recovered balancing run bookkeeping",
		slog.String("planID", run.planID),
		slog.Time("endsAt", run.endsAt),
	)
	return run
}

// optimizerTick maintains the automatic plan. It only replans when telemetry
// is fresh, the shield is normal and no higher-priority plan is active.
func (c *Core) optimizerTick(ctx context.Context, now time.Time) {
	if c.shield.State(now) == types.ShieldSuspended {
		return
	}
	if !c.poller.Fresh(freshTelemetryMax) {
		log.Ctx(ctx).WarnContext(ctx, "skipping replan, telemetry not fresh")
		return
	}
	active, err := c.store.GetActive(ctx)
	if err != nil && !errors.Is(err, planstore.ErrPlanNotFound) {
		log.Ctx(ctx).WarnContext(ctx, "failed to load active plan", slog.Any("error", err))
		return
	}
	if active != nil && active.Kind != types.PlanAutomatic {
		return
	}

	forecast := c.forecastCopy()
	if forecast == nil {
		log.Ctx(ctx).WarnContext(ctx, "skipping replan, no forecast")
		return
	}
	snap, _ := c.poller.Latest()
	settings := c.Settings()

	simCtx := types.SimulationContext{
		Kind:              types.PlanAutomatic,
		Now:               now,
		CapacityKWH:       snap.CapacityKWH,
		InitialSOCKWH:     snap.SOCKWH,
		UserMinSOCKWH:     settings.UserMinSOCPct / 100.0 * snap.CapacityKWH,
		CheapThresholdCZK: settings.CheapThresholdCZK,
		HomeChargeRateW:   settings.HomeChargeRateW,
		GridExportLimitW:  snap.GridExportLimitW,
		TargetPolicy:      types.TargetSoft,
		Forecast:          forecast,
	}
	plan, err := c.opt.Optimize(ctx, simCtx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "automatic replan failed", slog.Any("error", err))
		return
	}
	if err := c.activate(ctx, plan); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to activate automatic plan", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "automatic plan activated",
		slog.String("planID", plan.ID),
		slog.Float64("totalCostCZK", plan.TotalCostCZK),
	)
}

func (c *Core) balancingTick(ctx context.Context, now time.Time) {
	forecast := c.forecastCopy()
	if forecast == nil {
		return
	}
	snap, ok := c.poller.Latest()
	if !ok {
		return
	}
	active, err := c.store.GetActive(ctx)
	if err != nil && !errors.Is(err, planstore.ErrPlanNotFound) {
		log.Ctx(ctx).WarnContext(ctx, "failed to load active plan", slog.Any("error", err))
		return
	}
	settings := c.Settings()

	dec, err := c.detector.Evaluate(ctx, now, snap, active, c.shield.State(now), forecast, settings)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "balancing evaluation failed", slog.Any("error", err))
		return
	}
	if dec == nil {
		return
	}

	holding := dec.Holding
	simCtx := types.SimulationContext{
		Kind:              types.PlanBalancing,
		Now:               now,
		CapacityKWH:       snap.CapacityKWH,
		InitialSOCKWH:     snap.SOCKWH,
		UserMinSOCKWH:     settings.UserMinSOCPct / 100.0 * snap.CapacityKWH,
		CheapThresholdCZK: settings.CheapThresholdCZK,
		HomeChargeRateW:   settings.HomeChargeRateW,
		GridExportLimitW:  snap.GridExportLimitW,
		TargetPolicy:      types.TargetHard,
		TargetSOCKWH:      snap.CapacityKWH,
		Holding:           &holding,
		Forecast:          forecast,
	}
	plan, err := c.opt.Optimize(ctx, simCtx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "balancing plan infeasible, will retry",
			slog.String("trigger", string(dec.Trigger)),
			slog.Any("error", err),
		)
		return
	}
	if err := c.activate(ctx, plan); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to activate balancing plan", slog.Any("error", err))
		return
	}

	runID, err := c.journal.RecordBalancingRun(ctx, &history.BalancingRun{
		BoxID:        c.boxID,
		Trigger:      string(dec.Trigger),
		PlanID:       plan.ID,
		TargetSOCPct: holding.TargetSOCPct,
		TriggeredAt:  now,
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to record balancing run", slog.Any("error", err))
	}
	c.mu.Lock()
	c.run = pendingRun{journalID: runID, planID: plan.ID, endsAt: holding.End()}
	c.mu.Unlock()

	log.Ctx(ctx).InfoContext(ctx, "balancing plan activated",
		slog.String("trigger", string(dec.Trigger)),
		slog.String("planID", plan.ID),
		slog.Time("holdingStart", holding.Start),
	)
}

func (c *Core) emergencyTick(ctx context.Context, now time.Time) {
	if c.watcher == nil {
		return
	}
	warning, ok := c.watcher.Current()
	if !ok {
		return
	}
	snap, ok := c.poller.Latest()
	if !ok {
		return
	}
	forecast := c.forecastCopy()
	if forecast == nil {
		return
	}
	if err := c.weather.Refresh(ctx, now, warning, snap, forecast, c.Settings()); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "weather refresh failed", slog.Any("error", err))
	}
}

func (c *Core) activate(ctx context.Context, plan *types.Plan) error {
	id, err := c.store.Create(ctx, plan)
	if err != nil {
		return err
	}
	return c.store.Activate(ctx, id)
}
