package emergency

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/planner"
	"github.com/boxplanner/boxplanner/pkg/planstore"
	"github.com/boxplanner/boxplanner/pkg/types"
)

// Planner keeps the battery full through severe weather. A severe or extreme
// warning produces a weather plan holding 100% SOC from now until the
// warning's expected end; the plan is re-synthesized when the end moves and
// deactivated when the warning lifts.
type Planner struct {
	store *planstore.Store
	opt   *planner.Optimizer

	mu         sync.Mutex
	activeID   string
	coveredEnd time.Time
}

// New creates an emergency planner.
func New(store *planstore.Store, opt *planner.Optimizer) *Planner {
	return &Planner{store: store, opt: opt}
}

// Refresh reconciles the weather plan against the current warning. It is
// called hourly while a warning is active and immediately on warning changes.
func (p *Planner) Refresh(
	ctx context.Context,
	now time.Time,
	warning types.Warning,
	snap types.TelemetrySnapshot,
	forecast []types.ForecastPoint,
	settings types.Settings,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	active, err := p.store.GetActive(ctx)
	if err != nil && !errors.Is(err, planstore.ErrPlanNotFound) {
		return err
	}
	activeWeather := active != nil && active.Kind == types.PlanWeather

	if !warning.Emergency() || !warning.ExpectedEnd.After(now) {
		if activeWeather {
			log.Ctx(ctx).InfoContext(ctx, "weather warning lifted, deactivating weather plan",
				slog.String("planID", active.ID),
			)
			p.activeID = ""
			p.coveredEnd = time.Time{}
			return p.store.Deactivate(ctx, active.ID)
		}
		return nil
	}

	// an unchanged end means the current plan still covers the event
	if activeWeather && active.ID == p.activeID && warning.ExpectedEnd.Equal(p.coveredEnd) {
		return nil
	}

	start := types.NextIntervalStart(now)
	durationH := warning.ExpectedEnd.Sub(start).Hours()
	if durationH <= 0 {
		return nil
	}

	simCtx := types.SimulationContext{
		Kind:              types.PlanWeather,
		Now:               now,
		CapacityKWH:       snap.CapacityKWH,
		InitialSOCKWH:     snap.SOCKWH,
		UserMinSOCKWH:     settings.UserMinSOCPct / 100.0 * snap.CapacityKWH,
		CheapThresholdCZK: settings.CheapThresholdCZK,
		HomeChargeRateW:   settings.HomeChargeRateW,
		GridExportLimitW:  snap.GridExportLimitW,
		TargetPolicy:      types.TargetHard,
		Holding: &types.HoldingWindow{
			Start:        start,
			DurationH:    durationH,
			TargetSOCPct: 100,
			Mode:         types.ModeHomeUPS,
		},
		Forecast: forecast,
	}

	plan, err := p.opt.Optimize(ctx, simCtx)
	if err != nil {
		// the warning starts now, so a full battery at the window entry is
		// usually unreachable; the best-effort plan still charges as fast
		// as the box allows
		var infeasible *types.InfeasibleError
		if !errors.As(err, &infeasible) {
			return err
		}
		log.Ctx(ctx).WarnContext(ctx, "weather target not fully reachable, using best effort",
			slog.Float64("shortfallKWH", infeasible.ShortfallKWH),
		)
		plan = infeasible.BestEffort
	}

	id, err := p.store.Create(ctx, plan)
	if err != nil {
		return err
	}
	if err := p.store.Activate(ctx, id); err != nil {
		return err
	}

	log.Ctx(ctx).InfoContext(ctx, "weather plan activated",
		slog.String("planID", id),
		slog.String("severity", string(warning.Severity)),
		slog.Time("expectedEnd", warning.ExpectedEnd),
	)
	p.activeID = id
	p.coveredEnd = warning.ExpectedEnd
	return nil
}
