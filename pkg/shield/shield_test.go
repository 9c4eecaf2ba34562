package shield

import (
	"context"
	"testing"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShieldSuspendsOnUnexplainedChange(t *testing.T) {
	ctx := context.Background()
	s := New(15 * time.Minute)
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	var tripped []types.ModeKind
	s.OnSuspend(func(observed types.ModeKind) {
		tripped = append(tripped, observed)
	})

	// telemetry matches the plan: nothing happens
	state := s.Observe(ctx, now, types.ModeHomeII, types.ModeHomeII)
	assert.Equal(t, types.ShieldNormal, state)

	// the user flipped the box to HOME_UPS in the vendor app
	state = s.Observe(ctx, now.Add(time.Minute), types.ModeHomeUPS, types.ModeHomeII)
	assert.Equal(t, types.ShieldSuspended, state)
	require.Len(t, tripped, 1)
	assert.Equal(t, types.ModeHomeUPS, tripped[0])

	until, ok := s.SuspendedUntil()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute).Add(15*time.Minute), until)

	// still suspended halfway through the timeout
	assert.Equal(t, types.ShieldSuspended, s.State(now.Add(8*time.Minute)))
	// expired: back to normal
	assert.Equal(t, types.ShieldNormal, s.State(now.Add(17*time.Minute)))
}

func TestShieldOwnCommandsAreExplained(t *testing.T) {
	ctx := context.Background()
	s := New(15 * time.Minute)
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	s.NoteCommand(types.Command{Kind: types.CommandSetMode, Mode: types.ModeHomeUPS, IssuedAt: now})

	// the box reports the mode we just set even though the stored plan
	// interval still says HOME_II
	state := s.Observe(ctx, now.Add(10*time.Second), types.ModeHomeUPS, types.ModeHomeII)
	assert.Equal(t, types.ShieldNormal, state)

	// the explanation expires with the command TTL
	state = s.Observe(ctx, now.Add(2*time.Minute), types.ModeHomeUPS, types.ModeHomeII)
	assert.Equal(t, types.ShieldSuspended, state)
}

func TestShieldReleasesOnConvergence(t *testing.T) {
	ctx := context.Background()
	s := New(15 * time.Minute)
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	s.Observe(ctx, now, types.ModeHomeUPS, types.ModeHomeII)
	require.Equal(t, types.ShieldSuspended, s.State(now))

	// while suspended, a different foreign mode does not extend anything
	assert.Equal(t, types.ShieldSuspended, s.Observe(ctx, now.Add(time.Minute), types.ModeHomeI, types.ModeHomeII))

	// the user put the box back: automated control resumes early
	state := s.Observe(ctx, now.Add(2*time.Minute), types.ModeHomeII, types.ModeHomeII)
	assert.Equal(t, types.ShieldNormal, state)
}

func TestShieldTimeoutChange(t *testing.T) {
	ctx := context.Background()
	s := New(15 * time.Minute)
	s.SetTimeout(5 * time.Minute)
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)

	s.Observe(ctx, now, types.ModeHomeUPS, types.ModeHomeII)
	until, ok := s.SuspendedUntil()
	require.True(t, ok)
	assert.Equal(t, now.Add(5*time.Minute), until)
}
