package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/boxplanner/boxplanner/pkg/history"
	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// Seeds the history database with two days of plausible telemetry, a handful
// of commands and a completed balancing run so the history views have
// something to show during development.
func main() {
	boxID := lflag.String("box-id", "box", "Identifier of the Battery Box")
	journal := history.Configured()
	lflag.Configure()

	ctx := context.Background()
	log.Ctx(ctx).InfoContext(ctx, "seeding mock history")

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	const capacityKWH = 10.0
	now := time.Now()
	start := now.Add(-48 * time.Hour).Truncate(time.Hour)

	soc := 5.0
	mode := types.ModeHomeII
	for t := start; t.Before(now); t = t.Add(15 * time.Minute) {
		hour := t.Hour()

		// overnight cheap charge, daytime solar, evening discharge
		switch {
		case hour >= 2 && hour < 5:
			mode = types.ModeHomeUPS
			soc += 0.75
		case hour >= 9 && hour < 16:
			mode = types.ModeHomeIII
			dist := math.Abs(float64(hour) - 12.5)
			soc += 0.5 * math.Exp(-(dist*dist)/8.0)
		case hour >= 17 && hour < 23:
			mode = types.ModeHomeII
			soc -= 0.35 + rng.Float64()*0.1
		default:
			mode = types.ModeHomeI
		}
		soc = math.Max(2.0, math.Min(capacityKWH, soc))

		snap := types.TelemetrySnapshot{
			CapacityKWH: capacityKWH,
			SOCKWH:      soc,
			Mode:        mode,
			LastUpdate:  t,
		}
		if err := journal.RecordTelemetry(ctx, *boxID, snap); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed telemetry", "error", err)
			os.Exit(1)
		}

		// a mode command at the top of each block transition
		if t.Minute() == 0 && (hour == 2 || hour == 5 || hour == 9 || hour == 17 || hour == 23) {
			cmd := types.Command{Kind: types.CommandSetMode, Mode: mode, IssuedAt: t}
			if err := journal.RecordCommand(ctx, *boxID, cmd, nil); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed command", "error", err)
				os.Exit(1)
			}
		}
	}

	// one completed balancing run, ten days back
	triggered := now.Add(-10 * 24 * time.Hour)
	runID, err := journal.RecordBalancingRun(ctx, &history.BalancingRun{
		BoxID:        *boxID,
		Trigger:      "economic",
		TargetSOCPct: 100,
		TriggeredAt:  triggered,
	})
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to seed balancing run", "error", err)
		os.Exit(1)
	}
	if err := journal.CompleteBalancingRun(ctx, runID, triggered.Add(6*time.Hour)); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to complete balancing run", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Seeded %s: 48h of telemetry, block commands, 1 balancing run\n", *boxID)
	log.Ctx(ctx).InfoContext(ctx, "seeded mock history successfully")
}
