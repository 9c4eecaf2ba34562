package planstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPlan(kind types.PlanKind, created time.Time) *types.Plan {
	start := created.Truncate(types.IntervalDuration)
	plan := &types.Plan{
		Kind:      kind,
		CreatedAt: created,
		Context: types.ContextSummary{
			CapacityKWH:   10.0,
			InitialSOCKWH: 5.0,
			UserMinSOCKWH: 2.0,
		},
	}
	for i := 0; i < 4; i++ {
		plan.Intervals = append(plan.Intervals, types.IntervalProjection{
			TS:           start.Add(time.Duration(i) * types.IntervalDuration),
			Mode:         types.ModeHomeI,
			SOCBeforeKWH: 5.0,
			SOCAfterKWH:  5.0,
		})
	}
	return plan
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), "box1")
	require.NoError(t, err)

	plan := testPlan(types.PlanAutomatic, time.Now())
	id, err := s.Create(ctx, plan)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, types.PlanSimulated, plan.Status)
	assert.Equal(t, "box1", plan.BoxID)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, plan.Kind, got.Kind)
	assert.Len(t, got.Intervals, 4)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestActivateSwapsActive(t *testing.T) {
	// activating a new plan atomically deactivates the prior one
	ctx := context.Background()
	s, err := New(t.TempDir(), "box1")
	require.NoError(t, err)

	first := testPlan(types.PlanAutomatic, time.Now())
	firstID, err := s.Create(ctx, first)
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, firstID))

	active, err := s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, firstID, active.ID)

	second := testPlan(types.PlanBalancing, time.Now().Add(time.Minute))
	secondID, err := s.Create(ctx, second)
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, secondID))

	active, err = s.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, secondID, active.ID)

	// at most one plan is active
	actives, err := s.List(ctx, Filter{Status: types.PlanActive})
	require.NoError(t, err)
	require.Len(t, actives, 1)

	prior, err := s.Get(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanDeactivated, prior.Status)
	require.NotNil(t, prior.DeactivatedAt)
}

func TestLifecycleIsOneWay(t *testing.T) {
	// simulated -> active -> deactivated, and deactivated is terminal
	ctx := context.Background()
	s, err := New(t.TempDir(), "box1")
	require.NoError(t, err)

	id, err := s.Create(ctx, testPlan(types.PlanManual, time.Now()))
	require.NoError(t, err)

	require.NoError(t, s.Activate(ctx, id))
	// re-activating the active plan is a no-op
	require.NoError(t, s.Activate(ctx, id))

	require.NoError(t, s.Deactivate(ctx, id))
	// deactivation is idempotent
	require.NoError(t, s.Deactivate(ctx, id))

	err = s.Activate(ctx, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorruptState)

	_, err = s.GetActive(ctx)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestListFilterAndOrder(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir(), "box1")
	require.NoError(t, err)

	base := time.Now()
	var ids []string
	for i, kind := range []types.PlanKind{types.PlanAutomatic, types.PlanBalancing, types.PlanAutomatic} {
		id, err := s.Create(ctx, testPlan(kind, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, p := range all {
		assert.Equal(t, ids[i], p.ID)
	}

	balancing, err := s.List(ctx, Filter{Kind: types.PlanBalancing})
	require.NoError(t, err)
	require.Len(t, balancing, 1)
	assert.Equal(t, ids[1], balancing[0].ID)
}

func TestCorruptPlanQuarantined(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir, "box1")
	require.NoError(t, err)

	id, err := s.Create(ctx, testPlan(types.PlanAutomatic, time.Now()))
	require.NoError(t, err)

	path := filepath.Join(dir, "box1", "plan_"+id+".json")
	require.NoError(t, os.WriteFile(path, []byte(`{"checksum":"bogus","plan":{}}`), 0o644))

	_, err = s.Get(ctx, id)
	require.ErrorIs(t, err, types.ErrCorruptState)

	// the broken file is moved aside, subsequent reads miss cleanly
	_, err = os.Stat(path + ".corrupt")
	require.NoError(t, err)
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrPlanNotFound)
}

func TestReconcileElectsNewestOnCorruptIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir, "box1")
	require.NoError(t, err)

	base := time.Now()
	_, err = s.Create(ctx, testPlan(types.PlanAutomatic, base))
	require.NoError(t, err)
	newest, err := s.Create(ctx, testPlan(types.PlanAutomatic, base.Add(time.Minute)))
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "box1", "index.json"), []byte("{garbage"), 0o644))

	// reopening reconciles: the newest simulated plan becomes active
	s2, err := New(dir, "box1")
	require.NoError(t, err)
	active, err := s2.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, newest, active.ID)
}

func TestReconcileDemotesOrphanActive(t *testing.T) {
	// a plan left active without an index entry is demoted on startup
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir, "box1")
	require.NoError(t, err)

	orphan, err := s.Create(ctx, testPlan(types.PlanAutomatic, time.Now()))
	require.NoError(t, err)
	require.NoError(t, s.Activate(ctx, orphan))
	winner, err := s.Create(ctx, testPlan(types.PlanBalancing, time.Now().Add(time.Minute)))
	require.NoError(t, err)

	require.NoError(t, s.writeIndexLocked(indexFile{ActivePlanID: winner}))

	s2, err := New(dir, "box1")
	require.NoError(t, err)
	active, err := s2.GetActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, winner, active.ID)

	demoted, err := s2.Get(ctx, orphan)
	require.NoError(t, err)
	assert.Equal(t, types.PlanDeactivated, demoted.Status)
}

func TestAtomicWriteLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := New(dir, "box1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Create(ctx, testPlan(types.PlanAutomatic, time.Now().Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "box1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}
