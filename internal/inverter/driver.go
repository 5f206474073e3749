// Package inverter defines the inverter driver boundary of spec.md §6
// and its concrete implementations: a Modbus driver, an MQTT driver
// (adapted from the teacher's mqtt_sender.go publish pattern), and a
// mock for tests and optimiserlab replay.
package inverter

import (
	"context"
	"time"

	"github.com/ryansname/powermaster/internal/types"
)

// Telemetry is one inverter read, spec.md §6.
type Telemetry struct {
	SOC        float64
	SolarW     float64
	LoadW      float64
	GridW      float64 // positive = importing, negative = exporting
	BatteryW   float64 // positive = charging, negative = discharging
	Mode       types.Mode
	FaultFlags []string
	ReadAt     time.Time
}

// Fault reports whether the inverter self-reported any fault condition,
// which the Control Arbitrator's SAFETY tier consumes directly.
func (t Telemetry) Fault() bool {
	return len(t.FaultFlags) > 0
}

// Command is what the tick loop applies after arbitration and the
// anti-oscillation guard, spec.md §6's set_mode operation.
type Command struct {
	Mode       types.Mode
	PowerW     float64
	ExportCapW float64
}

// Driver is the boundary every concrete inverter backend implements.
// Every operation carries its own ctx per spec.md §5's "every external
// call has an explicit timeout".
type Driver interface {
	ReadTelemetry(ctx context.Context) (Telemetry, error)
	SetMode(ctx context.Context, cmd Command) error
	Close() error
}

// ReadTimeout and SetModeTimeout are spec.md §5's Modbus timeouts,
// reused by the MQTT driver for symmetry.
const (
	ReadTimeout    = 2 * time.Second
	SetModeTimeout = 2 * time.Second
)
