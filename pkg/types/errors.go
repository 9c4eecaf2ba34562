package types

import (
	"errors"
	"fmt"
)

var (
	// ErrProviderUnavailable means a required upstream (telemetry, price,
	// forecast, weather) is unreachable or its data is stale.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrCorruptState means the plan store detected an inconsistency. The
	// store recovers by quarantine and re-election; the error reports what
	// was found.
	ErrCorruptState = errors.New("corrupt state")

	// ErrActuationFailed means a command to the Battery Box failed after
	// retries.
	ErrActuationFailed = errors.New("actuation failed")

	// ErrOverridden means the service shield is suspended because of an
	// external override and writes are quarantined.
	ErrOverridden = errors.New("externally overridden")
)

// ValidationError reports a caller-supplied value that violates an
// invariant, e.g. a target time in the past.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InfeasibleError is returned when the optimizer cannot satisfy a hard
// target. It carries the best-effort plan so callers can inspect or surface
// the shortfall.
type InfeasibleError struct {
	BestEffort   *Plan
	ShortfallKWH float64
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf("target unreachable, short by %.2f kWh", e.ShortfallKWH)
}
