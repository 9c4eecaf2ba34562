package boxclient

import (
	"context"
	"fmt"

	"github.com/boxplanner/boxplanner/pkg/types"
)

// Client defines the interface for talking to a Battery Box, whether through
// the vendor cloud, the local Modbus interface or a mock.
type Client interface {
	// GetTelemetry returns the current state of the box.
	GetTelemetry(ctx context.Context) (types.TelemetrySnapshot, error)

	// GetExtendedStats returns the slow-moving diagnostics of the box. Meant
	// to be polled at a much lower cadence than GetTelemetry.
	GetExtendedStats(ctx context.Context) (types.ExtendedStats, error)

	// SetMode switches the inverter operating mode.
	SetMode(ctx context.Context, mode types.ModeKind) error

	// SetGridExportLimit sets the grid export cap in watts. Zero removes the
	// limit.
	SetGridExportLimit(ctx context.Context, limitW int) error

	// SetBoiler switches the boiler relay.
	SetBoiler(ctx context.Context, on bool) error

	// Announce shows a service message in the box UI so the owner knows an
	// automated intervention is in progress.
	Announce(ctx context.Context, message string) error
}

// Apply dispatches a command to the matching client method.
func Apply(ctx context.Context, c Client, cmd types.Command) error {
	switch cmd.Kind {
	case types.CommandSetMode:
		return c.SetMode(ctx, cmd.Mode)
	case types.CommandSetGridLimit:
		return c.SetGridExportLimit(ctx, cmd.LimitW)
	case types.CommandSetBoiler:
		return c.SetBoiler(ctx, cmd.BoilerOn)
	}
	return fmt.Errorf("unknown command kind: %s", cmd.Kind)
}
