package balancing

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/boxplanner/boxplanner/pkg/history"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/planner"
	"github.com/boxplanner/boxplanner/pkg/types"
)

// Trigger identifies why a balancing run fires.
type Trigger string

const (
	// TriggerForced guarantees a periodic full-charge calibration.
	TriggerForced Trigger = "forced"
	// TriggerOpportunistic piggybacks on an already nearly-full battery.
	TriggerOpportunistic Trigger = "opportunistic"
	// TriggerEconomic waits for a window of below-median prices.
	TriggerEconomic Trigger = "economic"
)

// Decision is a balancing trigger plus the holding window to plan around.
// The caller feeds the window into the optimizer with a hard 100% target.
type Decision struct {
	Trigger Trigger
	Holding types.HoldingWindow
}

// Detector evaluates the three balancing triggers. Precedence is
// forced > opportunistic > economic; a decision never supersedes an active
// weather plan and evaluation defers while the shield is suspended.
type Detector struct {
	journal *history.Journal
	boxID   string
}

// New creates a detector backed by the run journal.
func New(journal *history.Journal, boxID string) *Detector {
	return &Detector{journal: journal, boxID: boxID}
}

// Evaluate returns the balancing decision for this tick, or nil when no
// trigger fires.
func (d *Detector) Evaluate(
	ctx context.Context,
	now time.Time,
	snap types.TelemetrySnapshot,
	active *types.Plan,
	shieldState types.ShieldState,
	forecast []types.ForecastPoint,
	settings types.Settings,
) (*Decision, error) {
	if shieldState == types.ShieldSuspended {
		log.Ctx(ctx).DebugContext(ctx, "balancing deferred, shield suspended")
		return nil, nil
	}
	if active != nil && (active.Kind == types.PlanWeather || active.Kind == types.PlanBalancing) {
		return nil, nil
	}
	if len(forecast) == 0 {
		return nil, types.ErrProviderUnavailable
	}

	simCtx := &types.SimulationContext{
		CapacityKWH:     snap.CapacityKWH,
		UserMinSOCKWH:   settings.UserMinSOCPct / 100.0 * snap.CapacityKWH,
		HomeChargeRateW: settings.HomeChargeRateW,
		TargetSOCKWH:    snap.CapacityKWH,
	}
	// intervals needed to reach full from the grid, used as the minimum lead
	// before any holding window may start
	lead := planner.TimeToFullIntervals(simCtx, snap.SOCKWH, forecast, false)
	windowIntervals := int(settings.BalancingWindowHours * 4)

	if due, err := d.forcedDue(ctx, now, settings); err != nil {
		return nil, err
	} else if due {
		// forced drops the median constraint, the calibration must happen
		start, ok := cheapestWindow(forecast, windowIntervals, lead, false)
		if ok {
			return &Decision{
				Trigger: TriggerForced,
				Holding: types.HoldingWindow{
					Start:        forecast[start].TS,
					DurationH:    settings.BalancingWindowHours,
					TargetSOCPct: 100,
					Mode:         types.ModeHomeUPS,
				},
			}, nil
		}
		log.Ctx(ctx).WarnContext(ctx, "forced balancing due but no window fits the horizon")
	}

	if snap.SOCPct() >= settings.OpportunisticThresholdSOCPct {
		return d.opportunistic(ctx, now, snap, simCtx, forecast, settings), nil
	}

	if start, ok := cheapestWindow(forecast, windowIntervals, lead, true); ok {
		return &Decision{
			Trigger: TriggerEconomic,
			Holding: types.HoldingWindow{
				Start:        forecast[start].TS,
				DurationH:    settings.BalancingWindowHours,
				TargetSOCPct: 100,
				Mode:         types.ModeHomeUPS,
			},
		}, nil
	}
	return nil, nil
}

func (d *Detector) forcedDue(ctx context.Context, now time.Time, settings types.Settings) (bool, error) {
	last, ok, err := d.journal.LastCompletedBalancing(ctx, d.boxID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return now.Sub(last) >= time.Duration(settings.ForcedIntervalDays)*24*time.Hour, nil
}

// opportunistic synthesizes a window starting once the battery reaches full
// at the currently available charging rate.
func (d *Detector) opportunistic(
	ctx context.Context,
	now time.Time,
	snap types.TelemetrySnapshot,
	simCtx *types.SimulationContext,
	forecast []types.ForecastPoint,
	settings types.Settings,
) *Decision {
	pvAvailable := false
	pvIntervals := planner.TimeToFullIntervals(simCtx, snap.SOCKWH, forecast, true)
	if pvIntervals < len(forecast) {
		pvAvailable = true
	}

	mode := types.ModeHomeUPS
	intervals := planner.TimeToFullIntervals(simCtx, snap.SOCKWH, forecast, false)
	if pvAvailable {
		mode = types.ModeHomeIII
		intervals = pvIntervals
	}

	start := types.NextIntervalStart(now).Add(time.Duration(intervals) * types.IntervalDuration)
	log.Ctx(ctx).InfoContext(ctx, "opportunistic balancing window",
		slog.Float64("socPct", snap.SOCPct()),
		slog.Int("chargeIntervals", intervals),
		slog.String("mode", string(mode)),
	)
	return &Decision{
		Trigger: TriggerOpportunistic,
		Holding: types.HoldingWindow{
			Start:        start,
			DurationH:    settings.HoldingHoursDefault,
			TargetSOCPct: 100,
			Mode:         mode,
		},
	}
}

// cheapestWindow scans the forecast for the lowest-mean window of the given
// length starting at or after minStart. With enforceMedian set, every
// quarter-hour price inside a candidate must be at or below the median of
// the whole series or the candidate is rejected.
func cheapestWindow(forecast []types.ForecastPoint, windowIntervals, minStart int, enforceMedian bool) (int, bool) {
	if windowIntervals <= 0 || minStart < 0 || minStart+windowIntervals > len(forecast) {
		return 0, false
	}

	median := priceMedian(forecast)
	bestStart := -1
	bestMean := math.Inf(1)

	for start := minStart; start+windowIntervals <= len(forecast); start++ {
		sum := 0.0
		pass := true
		for i := start; i < start+windowIntervals; i++ {
			price := forecast[i].TariffBuyCZKPerKWH
			if enforceMedian && price > median+1e-9 {
				pass = false
				break
			}
			sum += price
		}
		if !pass {
			continue
		}
		mean := sum / float64(windowIntervals)
		if mean < bestMean-1e-9 {
			bestMean = mean
			bestStart = start
		}
	}
	if bestStart < 0 {
		return 0, false
	}
	return bestStart, true
}

func priceMedian(forecast []types.ForecastPoint) float64 {
	prices := make([]float64, len(forecast))
	for i, fp := range forecast {
		prices[i] = fp.TariffBuyCZKPerKWH
	}
	sort.Float64s(prices)
	mid := len(prices) / 2
	if len(prices)%2 == 0 {
		return (prices[mid-1] + prices[mid]) / 2
	}
	return prices[mid]
}
