// Package governor adapts the teacher's power-smoothing primitives
// (stepped hysteresis, rolling min/max windows) into the Anti-Oscillation
// Guard of spec.md §4.6: mode-dwell timing, power hysteresis, and a
// rolling hourly cap on mode transitions.
package governor

import (
	"math"
	"sync"
	"time"

	"github.com/ryansname/powermaster/internal/types"
)

// Config holds the guard's tunable thresholds (spec.md §4.6 defaults).
type Config struct {
	MinModeDwell          time.Duration
	PowerHysteresisW      float64
	MaxModeChangesPerHour int
}

// DefaultConfig returns spec.md §4.6's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinModeDwell:          600 * time.Second,
		PowerHysteresisW:      200,
		MaxModeChangesPerHour: 6,
	}
}

// Result is the guard's verdict for one tick: either the proposed
// command passes through, or the previous command stays in effect.
type Result struct {
	Mode       types.Mode
	PowerW     float64
	Suppressed bool
	Rationale  string
}

// Guard holds the single piece of mutable state the tick task owns: the
// last applied command. Only the tick task may call Evaluate (spec.md
// §5: "tick ... only task permitted to write the applied command
// field"); the refresh loop calls LastCommand from a different
// goroutine, so reads and writes are serialized by mu.
type Guard struct {
	cfg Config

	mu            sync.RWMutex
	hasLast       bool
	lastMode      types.Mode
	lastPowerW    float64
	modeAppliedAt time.Time

	// changeTimes is the rolling window of uncounted-safety/override
	// mode-change timestamps, adapted from the teacher's
	// RollingMinMax bucket-pruning approach but keyed on events rather
	// than a fixed-size minute array since transitions are sparse.
	changeTimes []time.Time
}

// New builds a Guard with no prior command; its first Evaluate call
// always passes through, establishing the baseline.
func New(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// Evaluate applies spec.md §4.6's suppression rules to a freshly
// arbitrated (mode, powerW, source) and returns the command the tick
// loop should actually apply.
func (g *Guard) Evaluate(now time.Time, mode types.Mode, powerW float64, source types.DecisionSource) Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.hasLast {
		g.commit(now, mode, powerW, source)
		return Result{Mode: mode, PowerW: powerW}
	}

	priority := source == types.SourceSafety || source == types.SourceOverride
	modeChanged := mode != g.lastMode

	if modeChanged && !priority {
		if now.Sub(g.modeAppliedAt) < g.cfg.MinModeDwell {
			return Result{Mode: g.lastMode, PowerW: g.lastPowerW, Suppressed: true, Rationale: "mode dwell window active"}
		}
		if g.countRecentChanges(now) >= g.cfg.MaxModeChangesPerHour {
			return Result{Mode: g.lastMode, PowerW: g.lastPowerW, Suppressed: true, Rationale: "max mode changes per hour reached"}
		}
	}

	if !modeChanged && math.Abs(powerW-g.lastPowerW) < g.cfg.PowerHysteresisW {
		return Result{Mode: g.lastMode, PowerW: g.lastPowerW, Suppressed: true, Rationale: "power change within hysteresis band"}
	}

	g.commit(now, mode, powerW, source)
	return Result{Mode: mode, PowerW: powerW}
}

// LastCommand returns the currently applied (mode, powerW), used by
// the command-refresh loop to re-send it without re-deciding. ok is
// false until the first Evaluate call.
func (g *Guard) LastCommand() (mode types.Mode, powerW float64, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastMode, g.lastPowerW, g.hasLast
}

func (g *Guard) commit(now time.Time, mode types.Mode, powerW float64, source types.DecisionSource) {
	if !g.hasLast || mode != g.lastMode {
		// The first command only establishes the baseline; it is not a
		// transition and does not count toward the hourly cap.
		if g.hasLast && source != types.SourceSafety && source != types.SourceOverride {
			g.changeTimes = append(g.changeTimes, now)
		}
		g.modeAppliedAt = now
	}
	g.lastMode = mode
	g.lastPowerW = powerW
	g.hasLast = true
}

func (g *Guard) countRecentChanges(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	kept := g.changeTimes[:0]
	for _, t := range g.changeTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	g.changeTimes = kept
	return len(g.changeTimes)
}
