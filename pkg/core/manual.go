package core

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/planstore"
	"github.com/boxplanner/boxplanner/pkg/types"
)

// ManualPlanRequest is a user request for a plan with a hard SOC target at a
// specific time, optionally followed by a holding window.
type ManualPlanRequest struct {
	TargetSOCPct float64        `json:"targetSOCPct"`
	TargetTime   time.Time      `json:"targetTime"`
	HoldingHours float64        `json:"holdingHours,omitempty"`
	HoldingMode  types.ModeKind `json:"holdingMode,omitempty"`
}

// CreateManualPlan optimizes and activates a manual plan. A manual plan never
// supersedes an active weather plan.
func (c *Core) CreateManualPlan(ctx context.Context, now time.Time, req ManualPlanRequest) (*types.Plan, error) {
	if req.TargetSOCPct < 0 || req.TargetSOCPct > 100 {
		return nil, &types.ValidationError{Field: "targetSOCPct", Reason: "must be between 0 and 100"}
	}
	if req.TargetTime.Before(now) {
		return nil, &types.ValidationError{Field: "targetTime", Reason: "in the past"}
	}
	if req.TargetTime.After(now.Add(types.PlanHorizon)) {
		return nil, &types.ValidationError{Field: "targetTime", Reason: "beyond the planning horizon"}
	}
	if req.HoldingHours < 0 {
		return nil, &types.ValidationError{Field: "holdingHours", Reason: "must not be negative"}
	}
	if req.HoldingHours > 0 && !req.HoldingMode.Valid() {
		return nil, &types.ValidationError{Field: "holdingMode", Reason: "unknown mode"}
	}

	active, err := c.store.GetActive(ctx)
	if err != nil && !errors.Is(err, planstore.ErrPlanNotFound) {
		return nil, err
	}
	if active != nil && active.Kind == types.PlanWeather {
		return nil, ErrWeatherActive
	}

	snap, ok := c.poller.Latest()
	if !ok {
		return nil, types.ErrProviderUnavailable
	}
	forecast := c.forecastCopy()
	if forecast == nil {
		return nil, types.ErrProviderUnavailable
	}
	settings := c.Settings()

	simCtx := types.SimulationContext{
		Kind:              types.PlanManual,
		Now:               now,
		CapacityKWH:       snap.CapacityKWH,
		InitialSOCKWH:     snap.SOCKWH,
		UserMinSOCKWH:     settings.UserMinSOCPct / 100.0 * snap.CapacityKWH,
		CheapThresholdCZK: settings.CheapThresholdCZK,
		HomeChargeRateW:   settings.HomeChargeRateW,
		GridExportLimitW:  snap.GridExportLimitW,
		TargetPolicy:      types.TargetHard,
		TargetSOCKWH:      req.TargetSOCPct / 100.0 * snap.CapacityKWH,
		TargetTime:        req.TargetTime,
		Forecast:          forecast,
	}
	if req.HoldingHours > 0 {
		simCtx.Holding = &types.HoldingWindow{
			Start:        req.TargetTime,
			DurationH:    req.HoldingHours,
			TargetSOCPct: req.TargetSOCPct,
			Mode:         req.HoldingMode,
		}
	}

	plan, err := c.opt.Optimize(ctx, simCtx)
	if err != nil {
		return nil, err
	}
	if err := c.activate(ctx, plan); err != nil {
		return nil, err
	}
	log.Ctx(ctx).InfoContext(ctx, "manual plan activated",
		slog.String("planID", plan.ID),
		slog.Float64("targetSOCPct", req.TargetSOCPct),
		slog.Time("targetTime", req.TargetTime),
	)
	return plan, nil
}

// DeactivateActive retires the active plan on user request.
func (c *Core) DeactivateActive(ctx context.Context) error {
	active, err := c.store.GetActive(ctx)
	if err != nil {
		return err
	}
	log.Ctx(ctx).InfoContext(ctx, "plan deactivated by user", slog.String("planID", active.ID))
	return c.store.Deactivate(ctx, active.ID)
}

// Status is the live state snapshot served by the HTTP API.
type Status struct {
	Telemetry      *types.TelemetrySnapshot `json:"telemetry,omitempty"`
	Extended       *types.ExtendedStats     `json:"extended,omitempty"`
	TelemetryFresh bool                     `json:"telemetryFresh"`
	Degraded       bool                     `json:"degraded"`
	ShieldState    types.ShieldState        `json:"shieldState"`
	SuspendedUntil *time.Time               `json:"suspendedUntil,omitempty"`
	Warning        *types.Warning           `json:"warning,omitempty"`
	ActivePlan     *types.Plan              `json:"activePlan,omitempty"`
}

// CurrentStatus assembles the status snapshot.
func (c *Core) CurrentStatus(ctx context.Context, now time.Time) (Status, error) {
	status := Status{
		TelemetryFresh: c.poller.Fresh(freshTelemetryMax),
		Degraded:       c.poller.Degraded(),
		ShieldState:    c.shield.State(now),
	}
	if snap, ok := c.poller.Latest(); ok {
		status.Telemetry = &snap
	}
	if ext, ok := c.poller.LatestExtended(); ok {
		status.Extended = &ext
	}
	if until, ok := c.shield.SuspendedUntil(); ok {
		status.SuspendedUntil = &until
	}
	if c.watcher != nil {
		if warning, ok := c.watcher.Current(); ok && warning.Severity != types.SeverityNone {
			status.Warning = &warning
		}
	}

	active, err := c.store.GetActive(ctx)
	if err != nil {
		if errors.Is(err, planstore.ErrPlanNotFound) {
			return status, nil
		}
		return status, err
	}
	status.ActivePlan = active
	return status, nil
}
