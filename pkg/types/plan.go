package types

import (
	"time"
)

// PlanKind identifies how a plan was created.
type PlanKind string

const (
	PlanAutomatic PlanKind = "automatic"
	PlanManual    PlanKind = "manual"
	PlanBalancing PlanKind = "balancing"
	PlanWeather   PlanKind = "weather"
)

// PlanStatus is the lifecycle state of a plan. The only legal path is
// simulated -> active -> deactivated.
type PlanStatus string

const (
	PlanSimulated   PlanStatus = "simulated"
	PlanActive      PlanStatus = "active"
	PlanDeactivated PlanStatus = "deactivated"
)

// TargetPolicy controls how the optimizer treats the target SOC.
type TargetPolicy string

const (
	// TargetSoft makes the target a scoring bonus; the optimizer may fall
	// short of it to reduce cost.
	TargetSoft TargetPolicy = "soft"
	// TargetHard makes the target a constraint; an unreachable target is an
	// infeasibility error, never silently relaxed.
	TargetHard TargetPolicy = "hard"
)

// HoldingWindow forces a contiguous range of intervals into a specific mode
// while the battery holds the target SOC.
type HoldingWindow struct {
	Start        time.Time `json:"start"`
	DurationH    float64   `json:"durationH"`
	TargetSOCPct float64   `json:"targetSOCPct"`
	Mode         ModeKind  `json:"mode"`
}

// End returns the exclusive end of the window.
func (h HoldingWindow) End() time.Time {
	return h.Start.Add(time.Duration(h.DurationH * float64(time.Hour)))
}

// Contains reports whether the interval starting at ts falls inside the
// window.
func (h HoldingWindow) Contains(ts time.Time) bool {
	return !ts.Before(h.Start) && ts.Before(h.End())
}

// SimulationContext is the frozen input to a single optimization run. The
// forecast series is copied by the caller, never shared.
type SimulationContext struct {
	Kind          PlanKind  `json:"kind"`
	Now           time.Time `json:"now"`
	CapacityKWH   float64   `json:"capacityKWH"`
	InitialSOCKWH float64   `json:"initialSOCKWH"`
	UserMinSOCKWH float64   `json:"userMinSOCKWH"`
	ToleranceKWH  float64   `json:"toleranceKWH"`

	CheapThresholdCZK float64 `json:"cheapThresholdCZK"`
	HomeChargeRateW   float64 `json:"homeChargeRateW"`
	// MaxChargeKWH/MaxDischargeKWH cap the battery energy moved in one
	// quarter-hour interval.
	MaxChargeKWH     float64 `json:"maxChargeKWH"`
	MaxDischargeKWH  float64 `json:"maxDischargeKWH"`
	GridExportLimitW int     `json:"gridExportLimitW"`

	TargetPolicy TargetPolicy   `json:"targetPolicy"`
	TargetSOCKWH float64        `json:"targetSOCKWH,omitempty"`
	TargetTime   time.Time      `json:"targetTime,omitzero"`
	Holding      *HoldingWindow `json:"holding,omitempty"`

	Forecast []ForecastPoint `json:"forecast"`
}

// GridChargeKWHPerInterval is the energy the grid can push into the battery
// during one interval at the configured home charge rate.
func (c SimulationContext) GridChargeKWHPerInterval() float64 {
	return c.HomeChargeRateW / 1000.0 * IntervalDuration.Hours()
}

// IntervalProjection is the simulated outcome of one quarter-hour interval.
// All energies are non-negative kWh.
type IntervalProjection struct {
	TS                  time.Time `json:"ts"`
	Mode                ModeKind  `json:"mode"`
	SOCBeforeKWH        float64   `json:"socBeforeKWH"`
	SOCAfterKWH         float64   `json:"socAfterKWH"`
	GridImportKWH       float64   `json:"gridImportKWH"`
	GridExportKWH       float64   `json:"gridExportKWH"`
	BatteryChargeKWH    float64   `json:"batteryChargeKWH"`
	BatteryDischargeKWH float64   `json:"batteryDischargeKWH"`
	CostCZK             float64   `json:"costCZK"`
	Holding             bool      `json:"holding,omitempty"`
	Deficit             bool      `json:"deficit,omitempty"`
}

// PlanSummary aggregates per-interval projections for presentation.
type PlanSummary struct {
	GridImportKWH float64 `json:"gridImportKWH"`
	GridExportKWH float64 `json:"gridExportKWH"`
	MinSOCKWH     float64 `json:"minSOCKWH"`
	MaxSOCKWH     float64 `json:"maxSOCKWH"`
	FinalSOCKWH   float64 `json:"finalSOCKWH"`
}

// ContextSummary is the subset of the simulation context that is persisted
// with a plan. It is a copy, never a reference to live state.
type ContextSummary struct {
	CapacityKWH       float64        `json:"capacityKWH"`
	InitialSOCKWH     float64        `json:"initialSOCKWH"`
	UserMinSOCKWH     float64        `json:"userMinSOCKWH"`
	CheapThresholdCZK float64        `json:"cheapThresholdCZK"`
	TargetPolicy      TargetPolicy   `json:"targetPolicy"`
	TargetSOCKWH      float64        `json:"targetSOCKWH,omitempty"`
	TargetTime        time.Time      `json:"targetTime,omitzero"`
	Holding           *HoldingWindow `json:"holding,omitempty"`
}

// Plan is a 48-hour schedule of inverter modes over 192 quarter-hour
// intervals. A deactivated plan is immutable.
type Plan struct {
	ID            string     `json:"id"`
	BoxID         string     `json:"boxID"`
	Kind          PlanKind   `json:"kind"`
	Status        PlanStatus `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	ActivatedAt   *time.Time `json:"activatedAt,omitempty"`
	DeactivatedAt *time.Time `json:"deactivatedAt,omitempty"`

	Context          ContextSummary       `json:"context"`
	Intervals        []IntervalProjection `json:"intervals"`
	TotalCostCZK     float64              `json:"totalCostCZK"`
	Summary          PlanSummary          `json:"summary"`
	HorizonTruncated bool                 `json:"horizonTruncated,omitempty"`
	// ExternallyOverridden is set by the service shield when a user changed
	// the inverter mode outside of this plan.
	ExternallyOverridden bool `json:"externallyOverridden,omitempty"`
}

// Start returns the timestamp of the first interval.
func (p *Plan) Start() time.Time {
	if len(p.Intervals) == 0 {
		return time.Time{}
	}
	return p.Intervals[0].TS
}

// End returns the exclusive end of the last interval.
func (p *Plan) End() time.Time {
	if len(p.Intervals) == 0 {
		return time.Time{}
	}
	return p.Intervals[len(p.Intervals)-1].TS.Add(IntervalDuration)
}

// IntervalAt returns the projection covering t, or nil when t is outside the
// plan horizon.
func (p *Plan) IntervalAt(t time.Time) *IntervalProjection {
	idx := IntervalIndex(p.Start(), t)
	if idx < 0 || idx >= len(p.Intervals) {
		return nil
	}
	return &p.Intervals[idx]
}
