package inverter

import (
	"context"
	"sync"
	"time"
)

// Mock is an in-memory Driver used by tests and by optimiserlab's
// offline replay, which never talks to real hardware.
type Mock struct {
	mu        sync.Mutex
	telemetry Telemetry
	lastCmd   Command
	fault     bool
}

// NewMock returns a Mock seeded with the given starting telemetry.
func NewMock(initial Telemetry) *Mock {
	return &Mock{telemetry: initial}
}

// ReadTelemetry returns the currently seeded telemetry.
func (m *Mock) ReadTelemetry(ctx context.Context) (Telemetry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.telemetry
	t.ReadAt = time.Now()
	return t, nil
}

// SetMode records the command and updates the mocked mode field so
// ReadTelemetry reflects it on the next call, approximating a real
// inverter's command-then-readback behavior.
func (m *Mock) SetMode(ctx context.Context, cmd Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCmd = cmd
	m.telemetry.Mode = cmd.Mode
	return nil
}

// Close is a no-op for the mock.
func (m *Mock) Close() error { return nil }

// SetTelemetry overwrites the mocked telemetry, used by tests and the
// optimiserlab replay driver to step through a recorded history.
func (m *Mock) SetTelemetry(t Telemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.telemetry = t
}

// LastCommand returns the last command SetMode recorded.
func (m *Mock) LastCommand() Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCmd
}

var _ Driver = (*Mock)(nil)
