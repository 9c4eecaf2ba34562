package planner

import (
	"math"

	"github.com/boxplanner/boxplanner/pkg/types"
)

// exportCapKWH returns the maximum grid export for one interval, or +Inf
// when no limit is configured.
func exportCapKWH(simCtx *types.SimulationContext) float64 {
	if simCtx.GridExportLimitW <= 0 {
		return math.Inf(1)
	}
	return float64(simCtx.GridExportLimitW) / 1000.0 * types.IntervalDuration.Hours()
}

// maxChargeKWH returns the per-interval battery charge cap. When the context
// doesn't carry one we assume a full charge takes 3 hours.
func maxChargeKWH(simCtx *types.SimulationContext) float64 {
	if simCtx.MaxChargeKWH > 0 {
		return simCtx.MaxChargeKWH
	}
	return simCtx.CapacityKWH / 3.0 * types.IntervalDuration.Hours()
}

func maxDischargeKWH(simCtx *types.SimulationContext) float64 {
	if simCtx.MaxDischargeKWH > 0 {
		return simCtx.MaxDischargeKWH
	}
	return simCtx.CapacityKWH / 3.0 * types.IntervalDuration.Hours()
}

// SimulateInterval projects the energy flows of a single quarter-hour
// interval under the given mode. socBefore is clamped into
// [userMinSOC, capacity] only by redirecting flows: a downward clamp turns
// battery discharge into grid import, an upward clamp turns battery charge
// into export (or wastes it when export-limited).
func SimulateInterval(simCtx *types.SimulationContext, mode types.ModeKind, socBefore float64, point types.ForecastPoint) types.IntervalProjection {
	pv := point.PVKWH
	load := point.LoadKWH
	capKWH := simCtx.CapacityKWH
	minKWH := simCtx.UserMinSOCKWH
	exportCap := exportCapKWH(simCtx)

	var charge, discharge, gridImport, gridExport float64

	switch mode {
	case types.ModeHomeI:
		// battery idle, loads from PV and grid
		gridImport = math.Max(0, load-pv)
		gridExport = math.Min(math.Max(0, pv-load), exportCap)

	case types.ModeHomeII:
		if load > pv {
			if socBefore > minKWH {
				discharge = math.Min(load-pv, socBefore-minKWH)
				discharge = math.Min(discharge, maxDischargeKWH(simCtx))
			}
			gridImport = load - pv - discharge
		} else {
			surplus := pv - load
			charge = math.Min(surplus, capKWH-socBefore)
			charge = math.Min(charge, maxChargeKWH(simCtx))
			charge = math.Max(0, charge)
			gridExport = math.Min(surplus-charge, exportCap)
		}

	case types.ModeHomeIII:
		// only PV charges the battery, the battery never discharges
		surplus := math.Max(0, pv-load)
		charge = math.Min(surplus, capKWH-socBefore)
		charge = math.Min(charge, maxChargeKWH(simCtx))
		charge = math.Max(0, charge)
		gridExport = math.Min(surplus-charge, exportCap)
		gridImport = math.Max(0, load-pv)

	case types.ModeHomeUPS:
		// grid charges toward the target, loads served as HOME_I
		headroom := capKWH - socBefore
		if simCtx.TargetSOCKWH > 0 {
			// charging freezes at the target; SOC maintenance is the
			// executor's job
			headroom = math.Min(headroom, simCtx.TargetSOCKWH-socBefore)
		}
		charge = math.Min(simCtx.GridChargeKWHPerInterval(), math.Max(0, headroom))
		charge = math.Min(charge, maxChargeKWH(simCtx))
		gridImport = math.Max(0, load-pv) + charge
		gridExport = math.Min(math.Max(0, pv-load), exportCap)
	}

	socAfter := socBefore + charge - discharge

	// downward clamp: redirect discharge into grid import
	if socAfter < minKWH {
		redirect := math.Min(minKWH-socAfter, discharge)
		if redirect > 0 {
			discharge -= redirect
			gridImport += redirect
			socAfter += redirect
		}
	}
	// upward clamp: redirect charge into export, wasted when export-limited
	if socAfter > capKWH {
		redirect := math.Min(socAfter-capKWH, charge)
		if redirect > 0 {
			charge -= redirect
			socAfter -= redirect
			headroom := exportCap - gridExport
			if headroom > 0 {
				gridExport += math.Min(redirect, headroom)
			}
		}
	}

	tol := simCtx.ToleranceKWH
	if tol <= 0 {
		tol = types.SOCToleranceKWH
	}

	return types.IntervalProjection{
		TS:                  point.TS,
		Mode:                mode,
		SOCBeforeKWH:        socBefore,
		SOCAfterKWH:         socAfter,
		GridImportKWH:       gridImport,
		GridExportKWH:       gridExport,
		BatteryChargeKWH:    charge,
		BatteryDischargeKWH: discharge,
		CostCZK:             gridImport*point.TariffBuyCZKPerKWH - gridExport*point.TariffSellCZKPerKWH,
		Deficit:             socAfter < minKWH-tol,
	}
}

// simulateSchedule runs the interval model over a whole mode schedule and
// returns the projections plus the index of the first deficit (-1 if none).
func simulateSchedule(simCtx *types.SimulationContext, modes []types.ModeKind, points []types.ForecastPoint) ([]types.IntervalProjection, int) {
	projections := make([]types.IntervalProjection, len(modes))
	firstDeficit := -1
	soc := simCtx.InitialSOCKWH
	for i, mode := range modes {
		p := SimulateInterval(simCtx, mode, soc, points[i])
		if simCtx.Holding != nil && simCtx.Holding.Contains(points[i].TS) {
			p.Holding = true
		}
		projections[i] = p
		soc = p.SOCAfterKWH
		if p.Deficit && firstDeficit == -1 {
			firstDeficit = i
		}
	}
	return projections, firstDeficit
}

// TimeToFullIntervals estimates how many intervals it takes to charge from
// soc to full given the per-interval forecast, assuming PV surplus charging
// plus, when usePV is false, grid charging at the home charge rate.
func TimeToFullIntervals(simCtx *types.SimulationContext, soc float64, points []types.ForecastPoint, usePV bool) int {
	n := 0
	for _, point := range points {
		if soc >= simCtx.CapacityKWH-types.EnergyToleranceKWH {
			return n
		}
		var rate float64
		if usePV {
			rate = math.Max(0, point.PVKWH-point.LoadKWH)
		} else {
			rate = simCtx.GridChargeKWHPerInterval()
		}
		rate = math.Min(rate, maxChargeKWH(simCtx))
		soc = math.Min(simCtx.CapacityKWH, soc+rate)
		n++
	}
	return n
}
