package types

import "fmt"

// ModeKind is one of the four inverter operating modes of the Battery Box.
type ModeKind string

const (
	// ModeHomeI ("grid priority"): loads are served from PV and grid, the
	// battery stays idle.
	ModeHomeI ModeKind = "HOME_I"
	// ModeHomeII ("battery priority"): loads are served from the battery down
	// to the minimum SOC, PV surplus charges the battery and then exports.
	ModeHomeII ModeKind = "HOME_II"
	// ModeHomeIII ("solar priority"): the battery charges from PV surplus
	// only and never discharges.
	ModeHomeIII ModeKind = "HOME_III"
	// ModeHomeUPS ("grid charge"): the battery charges from the grid toward
	// the target SOC, loads are served as in HOME_I.
	ModeHomeUPS ModeKind = "HOME_UPS"
)

// Valid reports whether m is one of the four known modes.
func (m ModeKind) Valid() bool {
	switch m {
	case ModeHomeI, ModeHomeII, ModeHomeIII, ModeHomeUPS:
		return true
	}
	return false
}

// ParseMode converts a wire string into a ModeKind.
func ParseMode(s string) (ModeKind, error) {
	m := ModeKind(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown mode: %q", s)
	}
	return m, nil
}

// CommandKind identifies the type of command issued to the Battery Box.
type CommandKind string

const (
	CommandSetMode      CommandKind = "set_mode"
	CommandSetGridLimit CommandKind = "set_grid_limit"
	CommandSetBoiler    CommandKind = "set_boiler"
)
