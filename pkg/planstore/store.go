package planstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/google/uuid"
	"github.com/levenlabs/go-lflag"
)

var (
	ErrPlanNotFound = errors.New("plan not found")
)

// envelope wraps a plan on disk with a checksum so partial writes are
// detectable.
type envelope struct {
	Checksum string     `json:"checksum"`
	Plan     types.Plan `json:"plan"`
}

// index records which plan is active for the box.
type indexFile struct {
	ActivePlanID string `json:"activePlanID"`
}

// Filter narrows List results.
type Filter struct {
	Kind   types.PlanKind
	Status types.PlanStatus
}

// Store is a durable plan store for a single box. Every write goes through a
// temporary file, fsync and rename so readers never observe a torn plan.
// Transitions are serialized through the store mutex; at most one plan is
// active at any instant.
type Store struct {
	mu    sync.Mutex
	dir   string
	boxID string
}

// Configured sets up the plan store based on flags. boxID is the
// caller-registered box-id flag.
func Configured(boxID *string) *Store {
	s := &Store{}
	dir := lflag.String("storage-dir", "data", "Directory for persisted plans")

	lflag.Do(func() {
		s.dir = filepath.Join(*dir, *boxID)
		s.boxID = *boxID
		if err := s.Init(context.Background()); err != nil {
			panic(fmt.Sprintf("plan store init failed: %v", err))
		}
	})
	return s
}

// New creates a store rooted at dir for the given box and reconciles any
// inconsistent state left from a previous run.
func New(dir, boxID string) (*Store, error) {
	s := &Store{dir: filepath.Join(dir, boxID), boxID: boxID}
	if err := s.Init(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Init creates the storage directory and reconciles the index so that
// exactly one plan is active afterwards (or none).
func (s *Store) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create storage dir: %w", err)
	}
	return s.reconcileLocked(ctx)
}

// BoxID returns the box this store belongs to.
func (s *Store) BoxID() string {
	return s.boxID
}

// Create persists a new plan with status simulated and returns its ID.
func (s *Store) Create(ctx context.Context, plan *types.Plan) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := *plan
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.BoxID = s.boxID
	p.Status = types.PlanSimulated
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if err := s.writePlanLocked(&p); err != nil {
		return "", err
	}
	*plan = p
	return p.ID, nil
}

// Activate transitions the target plan to active and the prior active plan
// (if any) to deactivated. Re-activating the already-active plan is a no-op.
func (s *Store) Activate(ctx context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, err := s.readPlanLocked(ctx, planID)
	if err != nil {
		return err
	}

	idx, _ := s.readIndexLocked(ctx)
	if idx.ActivePlanID == planID && target.Status == types.PlanActive {
		// activation is idempotent for the same plan
		return nil
	}
	if target.Status == types.PlanDeactivated {
		return fmt.Errorf("%w: plan %s is deactivated", types.ErrCorruptState, planID)
	}

	now := time.Now()
	if idx.ActivePlanID != "" && idx.ActivePlanID != planID {
		if prior, err := s.readPlanLocked(ctx, idx.ActivePlanID); err == nil && prior.Status == types.PlanActive {
			prior.Status = types.PlanDeactivated
			prior.DeactivatedAt = &now
			if err := s.writePlanLocked(prior); err != nil {
				return err
			}
		}
	}

	target.Status = types.PlanActive
	target.ActivatedAt = &now
	if err := s.writePlanLocked(target); err != nil {
		return err
	}
	return s.writeIndexLocked(indexFile{ActivePlanID: planID})
}

// Deactivate unconditionally transitions the plan to deactivated.
func (s *Store) Deactivate(ctx context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.readPlanLocked(ctx, planID)
	if err != nil {
		return err
	}
	if plan.Status != types.PlanDeactivated {
		now := time.Now()
		plan.Status = types.PlanDeactivated
		plan.DeactivatedAt = &now
		if err := s.writePlanLocked(plan); err != nil {
			return err
		}
	}

	idx, _ := s.readIndexLocked(ctx)
	if idx.ActivePlanID == planID {
		return s.writeIndexLocked(indexFile{})
	}
	return nil
}

// GetActive returns the currently active plan, or ErrPlanNotFound when no
// plan is active.
func (s *Store) GetActive(ctx context.Context) (*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.readIndexLocked(ctx)
	if err != nil || idx.ActivePlanID == "" {
		return nil, ErrPlanNotFound
	}
	plan, err := s.readPlanLocked(ctx, idx.ActivePlanID)
	if err != nil {
		return nil, err
	}
	if plan.Status != types.PlanActive {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

// Get returns the plan with the given ID.
func (s *Store) Get(ctx context.Context, planID string) (*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPlanLocked(ctx, planID)
}

// List returns all plans matching the filter, sorted by creation time.
// Corrupt plan files are quarantined and omitted.
func (s *Store) List(ctx context.Context, filter Filter) ([]*types.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(ctx, filter)
}

// MarkOverridden flags the plan as externally overridden.
func (s *Store) MarkOverridden(ctx context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	plan, err := s.readPlanLocked(ctx, planID)
	if err != nil {
		return err
	}
	if plan.ExternallyOverridden {
		return nil
	}
	plan.ExternallyOverridden = true
	return s.writePlanLocked(plan)
}

func (s *Store) listLocked(ctx context.Context, filter Filter) ([]*types.Plan, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read storage dir: %w", err)
	}

	var plans []*types.Plan
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "plan_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "plan_"), ".json")
		plan, err := s.readPlanLocked(ctx, id)
		if err != nil {
			// already quarantined by readPlanLocked
			continue
		}
		if filter.Kind != "" && plan.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && plan.Status != filter.Status {
			continue
		}
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool {
		if plans[i].CreatedAt.Equal(plans[j].CreatedAt) {
			return plans[i].ID < plans[j].ID
		}
		return plans[i].CreatedAt.Before(plans[j].CreatedAt)
	})
	return plans, nil
}

func (s *Store) planPath(planID string) string {
	return filepath.Join(s.dir, "plan_"+planID+".json")
}

func (s *Store) readPlanLocked(ctx context.Context, planID string) (*types.Plan, error) {
	path := s.planPath(planID)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.quarantineLocked(ctx, path, err)
		return nil, fmt.Errorf("%w: plan %s: %v", types.ErrCorruptState, planID, err)
	}
	payload, err := json.Marshal(env.Plan)
	if err != nil {
		return nil, err
	}
	if sum := checksum(payload); sum != env.Checksum {
		err := fmt.Errorf("checksum mismatch: %s != %s", sum, env.Checksum)
		s.quarantineLocked(ctx, path, err)
		return nil, fmt.Errorf("%w: plan %s: %v", types.ErrCorruptState, planID, err)
	}
	plan := env.Plan
	return &plan, nil
}

func (s *Store) quarantineLocked(ctx context.Context, path string, cause error) {
	log.Ctx(ctx).WarnContext(ctx, "quarantining corrupt plan file",
		slog.String("path", path),
		slog.Any("error", cause),
	)
	if err := os.Rename(path, path+".corrupt"); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to quarantine plan file",
			slog.String("path", path),
			slog.Any("error", err),
		)
	}
}

func (s *Store) writePlanLocked(plan *types.Plan) error {
	payload, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	env := envelope{Checksum: checksum(payload), Plan: *plan}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return atomicWrite(s.dir, s.planPath(plan.ID), raw)
}

func (s *Store) readIndexLocked(ctx context.Context) (indexFile, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, "index.json"))
	if err != nil {
		return indexFile{}, err
	}
	var idx indexFile
	if err := json.Unmarshal(raw, &idx); err != nil {
		return indexFile{}, fmt.Errorf("%w: index: %v", types.ErrCorruptState, err)
	}
	return idx, nil
}

func (s *Store) writeIndexLocked(idx indexFile) error {
	raw, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return atomicWrite(s.dir, filepath.Join(s.dir, "index.json"), raw)
}

// reconcileLocked restores the at-most-one-active invariant after a crash or
// index corruption: a valid index wins, otherwise the newest simulated plan
// is elected.
func (s *Store) reconcileLocked(ctx context.Context) error {
	idx, idxErr := s.readIndexLocked(ctx)

	plans, err := s.listLocked(ctx, Filter{})
	if err != nil {
		return err
	}

	activeID := idx.ActivePlanID
	valid := false
	for _, p := range plans {
		if p.ID == activeID && p.Status != types.PlanDeactivated {
			valid = true
		}
	}

	if activeID != "" && !valid {
		log.Ctx(ctx).WarnContext(ctx, "active plan from index missing or deactivated",
			slog.String("planID", activeID),
		)
		activeID = ""
	}
	if activeID == "" && idxErr != nil && !os.IsNotExist(idxErr) {
		// corrupt index: elect the newest valid simulated plan
		for _, p := range plans {
			if p.Status == types.PlanSimulated {
				activeID = p.ID
			}
		}
		if activeID != "" {
			log.Ctx(ctx).WarnContext(ctx, "index corrupt, electing newest simulated plan",
				slog.String("planID", activeID),
			)
		}
	}

	now := time.Now()
	for _, p := range plans {
		switch {
		case p.ID == activeID && p.Status != types.PlanActive:
			p.Status = types.PlanActive
			p.ActivatedAt = &now
			if err := s.writePlanLocked(p); err != nil {
				return err
			}
		case p.ID != activeID && p.Status == types.PlanActive:
			p.Status = types.PlanDeactivated
			p.DeactivatedAt = &now
			if err := s.writePlanLocked(p); err != nil {
				return err
			}
		}
	}
	return s.writeIndexLocked(indexFile{ActivePlanID: activeID})
}

func checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// atomicWrite writes data to a temporary file in dir, fsyncs it and renames
// it over path.
func atomicWrite(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
