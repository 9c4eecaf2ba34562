package boxclient

import (
	"context"
	"sync"
	"time"

	"github.com/boxplanner/boxplanner/pkg/types"
)

// Mock is an in-memory Client for tests and for running the planner without a
// real Battery Box. Commands are applied to the snapshot and recorded.
type Mock struct {
	mu            sync.Mutex
	snap          types.TelemetrySnapshot
	ext           types.ExtendedStats
	commands      []types.Command
	announcements []string
	err           error
}

func defaultMockSnapshot() types.TelemetrySnapshot {
	return types.TelemetrySnapshot{
		CapacityKWH: 10.0,
		SOCKWH:      5.0,
		Mode:        types.ModeHomeI,
	}
}

// NewMock creates a mock box with the given initial state.
func NewMock(snap types.TelemetrySnapshot) *Mock {
	if snap.Mode == "" {
		snap.Mode = types.ModeHomeI
	}
	return &Mock{snap: snap}
}

// SetErr forces every subsequent call to fail with err. Pass nil to recover.
func (m *Mock) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetSOC overrides the state of charge.
func (m *Mock) SetSOC(socKWH float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.SOCKWH = socKWH
}

// SetExtended overrides the extended stats.
func (m *Mock) SetExtended(ext types.ExtendedStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ext = ext
}

// Commands returns a copy of all commands applied so far.
func (m *Mock) Commands() []types.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// Announcements returns all messages announced so far.
func (m *Mock) Announcements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.announcements))
	copy(out, m.announcements)
	return out
}

// GetTelemetry implements Client.
func (m *Mock) GetTelemetry(ctx context.Context) (types.TelemetrySnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.TelemetrySnapshot{}, m.err
	}
	snap := m.snap
	snap.LastUpdate = time.Now()
	return snap, nil
}

// GetExtendedStats implements Client.
func (m *Mock) GetExtendedStats(ctx context.Context) (types.ExtendedStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return types.ExtendedStats{}, m.err
	}
	ext := m.ext
	ext.LastUpdate = time.Now()
	return ext, nil
}

// SetMode implements Client.
func (m *Mock) SetMode(ctx context.Context, mode types.ModeKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snap.Mode = mode
	m.commands = append(m.commands, types.Command{Kind: types.CommandSetMode, Mode: mode, IssuedAt: time.Now()})
	return nil
}

// SetGridExportLimit implements Client.
func (m *Mock) SetGridExportLimit(ctx context.Context, limitW int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snap.GridExportLimitW = limitW
	m.commands = append(m.commands, types.Command{Kind: types.CommandSetGridLimit, LimitW: limitW, IssuedAt: time.Now()})
	return nil
}

// SetBoiler implements Client.
func (m *Mock) SetBoiler(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.snap.BoilerOn = on
	m.commands = append(m.commands, types.Command{Kind: types.CommandSetBoiler, BoilerOn: on, IssuedAt: time.Now()})
	return nil
}

// Announce implements Client.
func (m *Mock) Announce(ctx context.Context, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.announcements = append(m.announcements, message)
	return nil
}
