package planner

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
)

// Optimizer turns a frozen simulation context into a 48-hour plan. Two runs
// on identical contexts produce identical plans.
type Optimizer struct {
}

// NewOptimizer creates a new Optimizer.
func NewOptimizer() *Optimizer {
	return &Optimizer{}
}

// Optimize produces a plan in three passes: a forward scoring pass picks
// provisional modes, a backward pass repairs projected deficits by
// upgrading earlier intervals to charging modes, and a dynamic-programming
// pass refines the schedule over a discretized SOC axis. A hard target that
// cannot be reached returns *types.InfeasibleError carrying the best-effort
// plan.
func (o *Optimizer) Optimize(ctx context.Context, simCtx types.SimulationContext) (*types.Plan, error) {
	if err := validateContext(&simCtx); err != nil {
		return nil, err
	}
	normalizeContext(&simCtx)

	points, truncated := alignForecast(&simCtx)
	if len(points) == 0 {
		return nil, types.ErrProviderUnavailable
	}

	log.Ctx(ctx).DebugContext(ctx, "optimizer run started",
		slog.String("kind", string(simCtx.Kind)),
		slog.Float64("initialSOC", simCtx.InitialSOCKWH),
		slog.Float64("targetSOC", simCtx.TargetSOCKWH),
		slog.Int("intervals", len(points)),
		slog.Bool("truncated", truncated),
	)

	// Forward pass: provisional modes from the scoring rules.
	seed := o.forwardPass(&simCtx, points)

	// Backward pass: repair deficits by charging upstream.
	o.backwardRepair(ctx, &simCtx, points, seed)

	// DP refinement over the SOC grid.
	schedule := refine(&simCtx, points)
	infeasible := schedule == nil
	if infeasible {
		// no trajectory satisfies the hard constraint, fall back to the
		// repaired seed as the best effort
		schedule = seed
	}

	projections, _ := simulateSchedule(&simCtx, schedule, points)
	plan := assemblePlan(&simCtx, projections, truncated)

	if shortfall := hardShortfall(&simCtx, projections); infeasible || shortfall > 0 {
		log.Ctx(ctx).WarnContext(ctx, "hard target unreachable",
			slog.Float64("shortfallKWH", shortfall),
			slog.String("kind", string(simCtx.Kind)),
		)
		return nil, &types.InfeasibleError{BestEffort: plan, ShortfallKWH: shortfall}
	}

	return plan, nil
}

func validateContext(simCtx *types.SimulationContext) error {
	if simCtx.CapacityKWH <= 0 {
		return &types.ValidationError{Field: "capacityKWH", Reason: "must be positive"}
	}
	if simCtx.InitialSOCKWH < 0 || simCtx.InitialSOCKWH > simCtx.CapacityKWH+types.SOCToleranceKWH {
		return &types.ValidationError{Field: "initialSOCKWH", Reason: "outside battery capacity"}
	}
	if simCtx.TargetSOCKWH > simCtx.CapacityKWH+types.EnergyToleranceKWH {
		return &types.ValidationError{Field: "targetSOCKWH", Reason: "exceeds battery capacity"}
	}
	if !simCtx.TargetTime.IsZero() && simCtx.TargetTime.Before(simCtx.Now) {
		return &types.ValidationError{Field: "targetTime", Reason: "in the past"}
	}
	if simCtx.Holding != nil {
		if simCtx.Holding.DurationH <= 0 {
			return &types.ValidationError{Field: "holding.durationH", Reason: "must be positive"}
		}
		if simCtx.Holding.TargetSOCPct > 100 {
			return &types.ValidationError{Field: "holding.targetSOCPct", Reason: "exceeds 100"}
		}
		if !simCtx.Holding.Mode.Valid() {
			return &types.ValidationError{Field: "holding.mode", Reason: "unknown mode"}
		}
	}
	if len(simCtx.Forecast) == 0 {
		return types.ErrProviderUnavailable
	}
	return nil
}

func normalizeContext(simCtx *types.SimulationContext) {
	if simCtx.ToleranceKWH <= 0 {
		simCtx.ToleranceKWH = types.SOCToleranceKWH
	}
	if simCtx.CheapThresholdCZK <= 0 {
		simCtx.CheapThresholdCZK = 1.5
	}
	if simCtx.HomeChargeRateW <= 0 {
		simCtx.HomeChargeRateW = 3000
	}
	if simCtx.Holding != nil && simCtx.TargetSOCKWH <= 0 {
		simCtx.TargetSOCKWH = simCtx.Holding.TargetSOCPct / 100.0 * simCtx.CapacityKWH
	}
}

// alignForecast clips the forecast to the 192 intervals starting at the next
// boundary and pads a short horizon with last-known prices.
func alignForecast(simCtx *types.SimulationContext) ([]types.ForecastPoint, bool) {
	start := types.NextIntervalStart(simCtx.Now)
	points := make([]types.ForecastPoint, 0, types.PlanIntervals)
	byTS := make(map[time.Time]types.ForecastPoint, len(simCtx.Forecast))
	for _, fp := range simCtx.Forecast {
		byTS[fp.TS] = fp
	}

	var last types.ForecastPoint
	var have bool
	truncated := false
	for i := 0; i < types.PlanIntervals; i++ {
		ts := start.Add(time.Duration(i) * types.IntervalDuration)
		if fp, ok := byTS[ts]; ok {
			last = fp
			have = true
			points = append(points, fp)
			continue
		}
		if !have {
			return nil, false
		}
		// past the forecast horizon: keep last-known prices, no PV
		truncated = true
		points = append(points, types.ForecastPoint{
			TS:                  ts,
			PVKWH:               0,
			LoadKWH:             last.LoadKWH,
			SpotCZKPerKWH:       last.SpotCZKPerKWH,
			TariffBuyCZKPerKWH:  last.TariffBuyCZKPerKWH,
			TariffSellCZKPerKWH: last.TariffSellCZKPerKWH,
		})
	}
	return points, truncated
}

// forwardPass picks a provisional mode per interval while tracking the SOC
// trajectory.
func (o *Optimizer) forwardPass(simCtx *types.SimulationContext, points []types.ForecastPoint) []types.ModeKind {
	modes := make([]types.ModeKind, len(points))
	soc := simCtx.InitialSOCKWH
	buffer := simCtx.ToleranceKWH

	for i, point := range points {
		var mode types.ModeKind
		switch {
		case simCtx.Holding != nil && simCtx.Holding.Contains(point.TS):
			mode = simCtx.Holding.Mode
		case point.PVKWH > point.LoadKWH+types.EnergyToleranceKWH:
			mode = types.ModeHomeIII
		case soc > simCtx.UserMinSOCKWH+buffer &&
			point.TariffBuyCZKPerKWH >= simCtx.CheapThresholdCZK &&
			point.LoadKWH > point.PVKWH:
			mode = types.ModeHomeII
		case point.TariffBuyCZKPerKWH < simCtx.CheapThresholdCZK &&
			simCtx.TargetSOCKWH > 0 && soc < simCtx.TargetSOCKWH:
			mode = types.ModeHomeUPS
		default:
			mode = types.ModeHomeI
		}
		modes[i] = mode
		p := SimulateInterval(simCtx, mode, soc, point)
		soc = p.SOCAfterKWH
	}
	return modes
}

// backwardRepair walks deficits and upgrades earlier intervals to charging
// modes until the trajectory stays above the floor or no candidate is left.
func (o *Optimizer) backwardRepair(ctx context.Context, simCtx *types.SimulationContext, points []types.ForecastPoint, modes []types.ModeKind) {
	for iter := 0; iter < len(modes); iter++ {
		_, deficit := simulateSchedule(simCtx, modes, points)
		if deficit < 0 {
			return
		}

		upgrade := -1
		upgradeMode := types.ModeHomeUPS
		cheapest := math.Inf(1)
		for i := deficit - 1; i >= 0; i-- {
			if simCtx.Holding != nil && simCtx.Holding.Contains(points[i].TS) {
				continue
			}
			switch modes[i] {
			case types.ModeHomeIII, types.ModeHomeUPS:
				continue
			}
			// PV surplus charges for free, take the latest such interval
			if points[i].PVKWH > points[i].LoadKWH+types.EnergyToleranceKWH {
				upgrade = i
				upgradeMode = types.ModeHomeIII
				break
			}
			// otherwise remember the cheapest grid-charge interval; taken
			// even above the cheap threshold to guarantee the floor
			if points[i].TariffBuyCZKPerKWH < cheapest {
				cheapest = points[i].TariffBuyCZKPerKWH
				upgrade = i
				upgradeMode = types.ModeHomeUPS
			}
		}
		if upgrade < 0 {
			log.Ctx(ctx).DebugContext(ctx, "deficit not repairable",
				slog.Int("deficitInterval", deficit),
			)
			return
		}
		modes[upgrade] = upgradeMode
	}
}

// hardShortfall returns how far the exact trajectory misses a hard target,
// or 0 when the target policy is satisfied.
func hardShortfall(simCtx *types.SimulationContext, projections []types.IntervalProjection) float64 {
	if simCtx.TargetPolicy != types.TargetHard || simCtx.TargetSOCKWH <= 0 {
		return 0
	}
	target := math.Min(simCtx.TargetSOCKWH, simCtx.CapacityKWH)

	// the constraint applies to the SOC entering the holding window, the
	// target time, or the end of the horizon
	at := len(projections)
	if simCtx.Holding != nil {
		at = intervalIndexIn(forecastOf(projections), simCtx.Holding.Start)
	} else if !simCtx.TargetTime.IsZero() {
		at = intervalIndexIn(forecastOf(projections), simCtx.TargetTime)
	}

	var soc float64
	if at < 0 || at >= len(projections) {
		soc = projections[len(projections)-1].SOCAfterKWH
	} else {
		soc = projections[at].SOCBeforeKWH
	}
	if soc >= target-simCtx.ToleranceKWH {
		return 0
	}
	return target - soc
}

func forecastOf(projections []types.IntervalProjection) []types.ForecastPoint {
	points := make([]types.ForecastPoint, len(projections))
	for i, p := range projections {
		points[i] = types.ForecastPoint{TS: p.TS}
	}
	return points
}

func assemblePlan(simCtx *types.SimulationContext, projections []types.IntervalProjection, truncated bool) *types.Plan {
	plan := &types.Plan{
		Kind:      simCtx.Kind,
		Status:    types.PlanSimulated,
		CreatedAt: simCtx.Now,
		Context: types.ContextSummary{
			CapacityKWH:       simCtx.CapacityKWH,
			InitialSOCKWH:     simCtx.InitialSOCKWH,
			UserMinSOCKWH:     simCtx.UserMinSOCKWH,
			CheapThresholdCZK: simCtx.CheapThresholdCZK,
			TargetPolicy:      simCtx.TargetPolicy,
			TargetSOCKWH:      simCtx.TargetSOCKWH,
			TargetTime:        simCtx.TargetTime,
		},
		Intervals:        projections,
		HorizonTruncated: truncated,
	}
	if simCtx.Holding != nil {
		holding := *simCtx.Holding
		plan.Context.Holding = &holding
	}

	summary := types.PlanSummary{
		MinSOCKWH: math.Inf(1),
		MaxSOCKWH: math.Inf(-1),
	}
	var total float64
	for _, p := range projections {
		total += p.CostCZK
		summary.GridImportKWH += p.GridImportKWH
		summary.GridExportKWH += p.GridExportKWH
		summary.MinSOCKWH = math.Min(summary.MinSOCKWH, p.SOCAfterKWH)
		summary.MaxSOCKWH = math.Max(summary.MaxSOCKWH, p.SOCAfterKWH)
	}
	if len(projections) > 0 {
		summary.FinalSOCKWH = projections[len(projections)-1].SOCAfterKWH
	} else {
		summary.MinSOCKWH = 0
		summary.MaxSOCKWH = 0
	}
	plan.TotalCostCZK = total
	plan.Summary = summary
	return plan
}
