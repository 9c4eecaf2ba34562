package history

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJournal(t *testing.T) *Journal {
	j, err := New(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestBalancingRunLookback(t *testing.T) {
	ctx := context.Background()
	j := testJournal(t)

	_, ok, err := j.LastCompletedBalancing(ctx, "box1")
	require.NoError(t, err)
	assert.False(t, ok)

	triggered := time.Now().Add(-40 * 24 * time.Hour)
	id, err := j.RecordBalancingRun(ctx, &BalancingRun{
		BoxID:        "box1",
		Trigger:      "forced",
		TargetSOCPct: 100,
		TriggeredAt:  triggered,
	})
	require.NoError(t, err)

	// an unfinished run does not count as completed balancing
	_, ok, err = j.LastCompletedBalancing(ctx, "box1")
	require.NoError(t, err)
	assert.False(t, ok)

	done := triggered.Add(6 * time.Hour)
	require.NoError(t, j.CompleteBalancingRun(ctx, id, done))

	last, ok, err := j.LastCompletedBalancing(ctx, "box1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.WithinDuration(t, done, last, time.Second)

	// other boxes stay isolated
	_, ok, err = j.LastCompletedBalancing(ctx, "box2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommandJournal(t *testing.T) {
	ctx := context.Background()
	j := testJournal(t)

	now := time.Now()
	require.NoError(t, j.RecordCommand(ctx, "box1", types.Command{
		Kind: types.CommandSetMode, Mode: types.ModeHomeUPS, IssuedAt: now,
	}, nil))
	require.NoError(t, j.RecordCommand(ctx, "box1", types.Command{
		Kind: types.CommandSetGridLimit, LimitW: 5000, IssuedAt: now.Add(time.Minute),
	}, errors.New("box timeout")))

	recs, err := j.RecentCommands(ctx, "box1", now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.True(t, recs[0].Success)
	assert.Equal(t, "HOME_UPS", recs[0].Mode)
	assert.False(t, recs[1].Success)
	assert.Equal(t, "box timeout", recs[1].Error)

	recs, err = j.RecentCommands(ctx, "box1", now.Add(30*time.Second))
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestTelemetryAggregation(t *testing.T) {
	ctx := context.Background()
	j := testJournal(t)

	hour := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	for i, soc := range []float64{4.0, 6.0, 5.0} {
		require.NoError(t, j.RecordTelemetry(ctx, "box1", types.TelemetrySnapshot{
			SOCKWH:     soc,
			LastUpdate: hour.Add(time.Duration(i*10) * time.Minute),
		}))
	}
	// the next hour lands in its own row
	require.NoError(t, j.RecordTelemetry(ctx, "box1", types.TelemetrySnapshot{
		SOCKWH:     9.0,
		LastUpdate: hour.Add(time.Hour),
	}))

	rows, err := j.TelemetryHours(ctx, "box1", hour, hour.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	assert.Equal(t, 3, rows[0].Samples)
	assert.Equal(t, 4.0, rows[0].MinSOCKWH)
	assert.Equal(t, 6.0, rows[0].MaxSOCKWH)
	assert.InDelta(t, 5.0, rows[0].AvgSOCKWH(), 1e-9)
	assert.Equal(t, 1, rows[1].Samples)
}
