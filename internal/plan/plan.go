// Package plan holds the immutable Plan produced by the MILP Planner,
// the single-writer/multi-reader Plan Cache, and the Rebuild Evaluator
// (spec.md §3, §4.3, §4.4).
package plan

import (
	"time"

	"github.com/google/uuid"

	"github.com/ryansname/powermaster/internal/types"
)

// Status is the MILP Planner's outcome for a single build attempt.
type Status int

const (
	StatusOptimal Status = iota
	StatusFeasible
	StatusInfeasible
	StatusTimeout
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOptimal:
		return "OPTIMAL"
	case StatusFeasible:
		return "FEASIBLE"
	case StatusInfeasible:
		return "INFEASIBLE"
	case StatusTimeout:
		return "TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Slot is one 30-minute entry in a Plan.
type Slot struct {
	SlotStart      time.Time
	Mode           types.Mode
	ChargeW        float64
	DischargeW     float64
	ExpectedSOC    float64
	ScheduledLoads map[string]bool
}

// Plan is the immutable output of a single planner build (spec.md §3).
// Nothing may mutate a Plan or its Slots after Build returns it; the
// Plan Cache shares the same pointer across every reader.
type Plan struct {
	ID                uuid.UUID
	BuiltAt           time.Time
	HorizonEnd        time.Time
	ForecastHash      string
	TariffHash        string
	BatterySOCAtBuild float64
	ObjectiveCents    float64
	Status            Status
	Slots             []Slot
}

// SlotAt returns the Slot covering t, if any.
func (p *Plan) SlotAt(t time.Time) (Slot, bool) {
	slotStart := types.FloorToSlot(t)
	for _, s := range p.Slots {
		if s.SlotStart.Equal(slotStart) {
			return s, true
		}
	}
	return Slot{}, false
}

// ExpectedSOCAt returns the expected SOC for the slot covering t, or
// BatterySOCAtBuild if t precedes the plan's first slot.
func (p *Plan) ExpectedSOCAt(t time.Time) float64 {
	if s, ok := p.SlotAt(t); ok {
		return s.ExpectedSOC
	}
	return p.BatterySOCAtBuild
}
