package types

import "time"

// TelemetrySnapshot is an immutable snapshot of the Battery Box state.
// A new snapshot is published on every successful poll; snapshots are never
// mutated after publication.
type TelemetrySnapshot struct {
	CapacityKWH      float64  `json:"capacityKWH"`
	SOCKWH           float64  `json:"socKWH"`
	Mode             ModeKind `json:"mode"`
	BoilerOn         bool     `json:"boilerOn"`
	GridExportLimitW int      `json:"gridExportLimitW"`
	// LastUpdate is bumped on every poll, including 304 revalidations that
	// leave the content unchanged.
	LastUpdate time.Time `json:"lastUpdate"`
}

// ExtendedStats are the slow-moving diagnostics of the box. They change over
// days, not seconds, so they are polled at a much lower cadence than
// TelemetrySnapshot.
type ExtendedStats struct {
	BatteryTempC         float64   `json:"batteryTempC"`
	CycleCount           int       `json:"cycleCount"`
	LifetimeChargeKWH    float64   `json:"lifetimeChargeKWH"`
	LifetimeDischargeKWH float64   `json:"lifetimeDischargeKWH"`
	FirmwareVersion      string    `json:"firmwareVersion"`
	LastUpdate           time.Time `json:"lastUpdate"`
}

// SOCPct returns the state of charge as a percentage of capacity.
func (t TelemetrySnapshot) SOCPct() float64 {
	if t.CapacityKWH <= 0 {
		return 0
	}
	return t.SOCKWH / t.CapacityKWH * 100.0
}

// Command is a single write request against the Battery Box, issued by the
// executor and tracked by the service shield.
type Command struct {
	Kind     CommandKind `json:"kind"`
	Mode     ModeKind    `json:"mode,omitempty"`
	LimitW   int         `json:"limitW,omitempty"`
	BoilerOn bool        `json:"boilerOn,omitempty"`
	IssuedAt time.Time   `json:"issuedAt"`
}

// ShieldState is the state of the service shield.
type ShieldState string

const (
	ShieldNormal    ShieldState = "normal"
	ShieldSuspended ShieldState = "suspended"
)
