package planner

import (
	"math"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
)

const (
	// socStepKWH is the SOC discretization step of the refinement pass.
	socStepKWH = 0.5
	// deficitPenaltyCZK keeps trajectories away from the SOC floor unless
	// there is genuinely no alternative.
	deficitPenaltyCZK = 1000.0
	costEpsilonCZK    = 1e-9
)

// modeRank orders modes for tie-breaking: bias toward PV self-consumption.
func modeRank(m types.ModeKind) int {
	switch m {
	case types.ModeHomeIII:
		return 0
	case types.ModeHomeII:
		return 1
	case types.ModeHomeI:
		return 2
	case types.ModeHomeUPS:
		return 3
	}
	return 4
}

var allModes = []types.ModeKind{types.ModeHomeIII, types.ModeHomeII, types.ModeHomeI, types.ModeHomeUPS}

type socGrid struct {
	min  float64
	max  float64
	vals []float64
}

func newSOCGrid(minKWH, capKWH float64) socGrid {
	g := socGrid{min: minKWH, max: capKWH}
	for s := minKWH; s < capKWH-types.EnergyToleranceKWH; s += socStepKWH {
		g.vals = append(g.vals, s)
	}
	g.vals = append(g.vals, capKWH)
	return g
}

// index returns the grid state at or below soc. Flooring keeps the DP
// conservative: it never credits the battery with more energy than the exact
// trajectory will have.
func (g socGrid) index(soc float64) int {
	if soc <= g.min {
		return 0
	}
	if soc >= g.max-types.EnergyToleranceKWH {
		return len(g.vals) - 1
	}
	idx := int((soc - g.min + 1e-9) / socStepKWH)
	if idx >= len(g.vals) {
		idx = len(g.vals) - 1
	}
	return idx
}

// refine solves the dynamic program
//
//	V[t][s] = min over m of cost(t, m, s) + V[t+1][s'(t, m, s)]
//
// over the discretized SOC axis and returns the refined mode schedule, or
// nil when no trajectory satisfies the hard constraints.
func refine(simCtx *types.SimulationContext, points []types.ForecastPoint) []types.ModeKind {
	n := len(points)
	grid := newSOCGrid(simCtx.UserMinSOCKWH, simCtx.CapacityKWH)
	states := len(grid.vals)

	tol := simCtx.ToleranceKWH
	if tol <= 0 {
		tol = types.SOCToleranceKWH
	}

	// the index at which the hard SOC constraint applies: the entry of the
	// holding window, the target time, or the end of the horizon
	constraintIdx := -1
	var targetKWH float64
	if simCtx.TargetSOCKWH > 0 {
		targetKWH = math.Min(simCtx.TargetSOCKWH, simCtx.CapacityKWH)
		constraintIdx = n
		if simCtx.Holding != nil {
			constraintIdx = intervalIndexIn(points, simCtx.Holding.Start)
		} else if !simCtx.TargetTime.IsZero() {
			constraintIdx = intervalIndexIn(points, simCtx.TargetTime)
		}
		if constraintIdx < 0 {
			constraintIdx = n
		}
	}

	hard := simCtx.TargetPolicy == types.TargetHard && targetKWH > 0

	value := make([][]float64, n+1)
	choice := make([][]int8, n)
	for t := 0; t <= n; t++ {
		value[t] = make([]float64, states)
	}
	for t := 0; t < n; t++ {
		choice[t] = make([]int8, states)
	}

	// terminal values
	for s := 0; s < states; s++ {
		soc := grid.vals[s]
		switch {
		case hard && constraintIdx == n && soc < targetKWH-tol:
			value[n][s] = math.Inf(1)
		case !hard && targetKWH > 0 && soc < targetKWH:
			// soft target: falling short is a scoring penalty, not a wall
			value[n][s] = (targetKWH - soc) * simCtx.CheapThresholdCZK
		default:
			// on equal cost prefer the trajectory with higher final SOC
			value[n][s] = -float64(s) * costEpsilonCZK
		}
	}

	for t := n - 1; t >= 0; t-- {
		modes := allModes
		if simCtx.Holding != nil && simCtx.Holding.Contains(points[t].TS) {
			modes = []types.ModeKind{simCtx.Holding.Mode}
		}
		for s := 0; s < states; s++ {
			soc := grid.vals[s]
			// the hard SOC constraint applies to the SOC entering the
			// constrained interval
			if hard && t == constraintIdx && soc < targetKWH-tol {
				value[t][s] = math.Inf(1)
				choice[t][s] = -1
				continue
			}
			best := math.Inf(1)
			bestMode := -1
			for mi, m := range allModes {
				if !containsMode(modes, m) {
					continue
				}
				p := SimulateInterval(simCtx, m, soc, points[t])
				tail := value[t+1][grid.index(p.SOCAfterKWH)]
				if math.IsInf(tail, 1) {
					continue
				}
				cost := p.CostCZK + tail
				if p.Deficit {
					cost += deficitPenaltyCZK
				}
				if bestMode == -1 || cost < best-costEpsilonCZK ||
					(math.Abs(cost-best) <= costEpsilonCZK && modeRank(m) < modeRank(allModes[bestMode])) {
					best = cost
					bestMode = mi
				}
			}
			if bestMode == -1 {
				value[t][s] = math.Inf(1)
				choice[t][s] = -1
				continue
			}
			value[t][s] = best
			choice[t][s] = int8(bestMode)
		}
	}

	if math.IsInf(value[0][grid.index(simCtx.InitialSOCKWH)], 1) {
		return nil
	}

	// walk forward with the exact (non-discretized) SOC, picking the DP
	// choice of the floored state
	schedule := make([]types.ModeKind, n)
	soc := simCtx.InitialSOCKWH
	for t := 0; t < n; t++ {
		mi := choice[t][grid.index(soc)]
		if mi < 0 {
			return nil
		}
		schedule[t] = allModes[mi]
		soc = SimulateInterval(simCtx, allModes[mi], soc, points[t]).SOCAfterKWH
	}
	return schedule
}

func containsMode(modes []types.ModeKind, m types.ModeKind) bool {
	for _, x := range modes {
		if x == m {
			return true
		}
	}
	return false
}

func intervalIndexIn(points []types.ForecastPoint, ts time.Time) int {
	if len(points) == 0 {
		return -1
	}
	return types.IntervalIndex(points[0].TS, ts)
}
