package types

import "time"

const (
	// IntervalDuration is the planning grid resolution.
	IntervalDuration = 15 * time.Minute
	// PlanIntervals is the number of intervals in a 48-hour plan.
	PlanIntervals = 192
	// PlanHorizon is the total span covered by a plan.
	PlanHorizon = PlanIntervals * IntervalDuration

	// EnergyToleranceKWH is the absolute tolerance used for energy
	// comparisons inside the simulator.
	EnergyToleranceKWH = 0.0005
	// SOCToleranceKWH absorbs forecast noise when comparing SOC at interval
	// boundaries.
	SOCToleranceKWH = 0.5
)

// IntervalStart floors t to the enclosing :00/:15/:30/:45 boundary.
func IntervalStart(t time.Time) time.Time {
	return t.Truncate(IntervalDuration)
}

// NextIntervalStart returns the next boundary >= t.
func NextIntervalStart(t time.Time) time.Time {
	start := IntervalStart(t)
	if start.Equal(t) {
		return start
	}
	return start.Add(IntervalDuration)
}

// IntervalIndex returns the index of the interval containing t relative to
// the plan starting at planStart, or -1 when t is outside the horizon.
func IntervalIndex(planStart, t time.Time) int {
	if t.Before(planStart) {
		return -1
	}
	idx := int(t.Sub(planStart) / IntervalDuration)
	if idx >= PlanIntervals {
		return -1
	}
	return idx
}
