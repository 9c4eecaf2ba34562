package shield

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/log"
	"github.com/boxplanner/boxplanner/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// commandTTL is how long an issued command explains an observed mode change.
const commandTTL = time.Minute

// Shield protects manual interventions: when the inverter mode changes and no
// recently issued command explains it, someone touched the box directly and
// automated control backs off for the configured timeout. The suspension
// lifts early if telemetry converges back to the planned mode.
type Shield struct {
	timeout time.Duration

	mu             sync.Mutex
	state          types.ShieldState
	suspendedUntil time.Time
	recent         []types.Command
	onSuspend      []func(observed types.ModeKind)
}

// Configured sets up the shield based on flags.
func Configured() *Shield {
	timeout := lflag.Duration("shield-timeout", 15*time.Minute, "How long to back off after a manual intervention (5m to 60m)")

	s := &Shield{state: types.ShieldNormal}
	lflag.Do(func() {
		s.timeout = *timeout
	})
	return s
}

// New creates a shield with the given suspension timeout.
func New(timeout time.Duration) *Shield {
	return &Shield{state: types.ShieldNormal, timeout: timeout}
}

// SetTimeout applies a settings change.
func (s *Shield) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeout = timeout
}

// OnSuspend registers a callback invoked when the shield trips, with the
// externally set mode. The callback must not block.
func (s *Shield) OnSuspend(fn func(observed types.ModeKind)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSuspend = append(s.onSuspend, fn)
}

// NoteCommand records a command issued by the executor so the resulting state
// change is not mistaken for a manual intervention.
func (s *Shield) NoteCommand(cmd types.Command) {
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, cmd)
}

// State returns the shield state at now, lifting an expired suspension.
func (s *Shield) State(now time.Time) types.ShieldState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(now)
}

// SuspendedUntil returns the end of the current suspension, if any.
func (s *Shield) SuspendedUntil() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != types.ShieldSuspended {
		return time.Time{}, false
	}
	return s.suspendedUntil, true
}

func (s *Shield) stateLocked(now time.Time) types.ShieldState {
	if s.state == types.ShieldSuspended && !now.Before(s.suspendedUntil) {
		s.state = types.ShieldNormal
	}
	return s.state
}

// Observe feeds the shield a telemetry reading against the mode the active
// plan wants. It returns the resulting state.
func (s *Shield) Observe(ctx context.Context, now time.Time, observed, planned types.ModeKind) types.ShieldState {
	s.mu.Lock()
	s.pruneLocked(now)

	if s.stateLocked(now) == types.ShieldSuspended {
		// converged back to the plan: the manual intervention is over
		if observed == planned {
			s.state = types.ShieldNormal
			s.mu.Unlock()
			log.Ctx(ctx).InfoContext(ctx, "shield released, telemetry converged",
				slog.String("mode", string(observed)),
			)
			return types.ShieldNormal
		}
		s.mu.Unlock()
		return types.ShieldSuspended
	}

	if observed == planned || s.explainedLocked(observed) {
		s.mu.Unlock()
		return types.ShieldNormal
	}

	s.state = types.ShieldSuspended
	s.suspendedUntil = now.Add(s.timeout)
	until := s.suspendedUntil
	callbacks := make([]func(types.ModeKind), len(s.onSuspend))
	copy(callbacks, s.onSuspend)
	s.mu.Unlock()

	log.Ctx(ctx).WarnContext(ctx, "manual intervention detected, suspending automated control",
		slog.String("observedMode", string(observed)),
		slog.String("plannedMode", string(planned)),
		slog.Time("until", until),
	)
	for _, fn := range callbacks {
		fn(observed)
	}
	return types.ShieldSuspended
}

// explainedLocked reports whether a recent command set the observed mode.
func (s *Shield) explainedLocked(observed types.ModeKind) bool {
	for _, cmd := range s.recent {
		if cmd.Kind == types.CommandSetMode && cmd.Mode == observed {
			return true
		}
	}
	return false
}

func (s *Shield) pruneLocked(now time.Time) {
	kept := s.recent[:0]
	for _, cmd := range s.recent {
		if now.Sub(cmd.IssuedAt) <= commandTTL {
			kept = append(kept, cmd)
		}
	}
	s.recent = kept
}
