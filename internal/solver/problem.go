// Package solver implements the MILP Planner of spec.md §4.3: the
// translation from forecasts + tariff + battery/inverter params + load
// definitions into a 96-slot Plan, behind a pluggable Solver interface
// per spec.md §9's design note ("the core depends on an abstract
// Solver interface; concrete solvers are plugged in at startup").
package solver

import (
	"context"
	"time"

	"github.com/ryansname/powermaster/internal/types"
)

// BatteryParams mirrors spec.md §3's Battery Params.
type BatteryParams struct {
	CapacityKWh         float64
	SOCMinHard          float64
	SOCMinSoft          float64
	SOCMax              float64
	MaxChargeW          float64
	MaxDischargeW       float64
	RoundTripEfficiency float64
	DegradationCPerKWh  float64
}

// LoadDef mirrors spec.md §3's Load Definition.
type LoadDef struct {
	Name             string
	PowerW           float64
	PriorityClass    int
	MinRuntimeMin    int
	IdealRuntimeMin  int
	MaxRuntimeMin    int
	EarliestHour     int
	LatestHour       int
	DaysOfWeek       map[time.Weekday]bool
	PreferSolar      bool
	AllowSplitShifts bool
	Enabled          bool
}

// EligibleOn reports whether the load may run on the given day.
func (l LoadDef) EligibleOn(day time.Weekday) bool {
	if !l.Enabled {
		return false
	}
	if len(l.DaysOfWeek) == 0 {
		return true
	}
	return l.DaysOfWeek[day]
}

// WithinWindow reports whether hour (0-23, local) falls in
// [EarliestHour, LatestHour) modulo 24.
func (l LoadDef) WithinWindow(hour int) bool {
	if l.EarliestHour < l.LatestHour {
		return hour >= l.EarliestHour && hour < l.LatestHour
	}
	// wraps past midnight
	return hour >= l.EarliestHour || hour < l.LatestHour
}

// SlotInput is one slot's worth of forecast + tariff inputs to the
// planner, already merged from the Forecast Aggregator and Tariff
// Series (spec.md §4.3 constants S_t, L_t, import_c_t, export_c_t,
// storm probability).
type SlotInput struct {
	SlotStart   time.Time
	SolarP10W   float64
	SolarP50W   float64
	SolarP90W   float64
	LoadForecastW float64
	StormProb   float64
	ImportC     float64
	ExportC     float64
	SpikeFlag   bool
	SolarDegraded bool // forces P10 shrinkage per spec.md §4.1
}

// SolarFor returns S_t for the configured percentile, shrunk to P10 if
// this slot's solar input was degraded.
func (s SlotInput) SolarFor(percentile string) float64 {
	if s.SolarDegraded {
		return s.SolarP10W
	}
	switch percentile {
	case "p90":
		return s.SolarP90W
	case "p10":
		return s.SolarP10W
	default:
		return s.SolarP50W
	}
}

// Weights carries the objective's tunable coefficients from spec.md §4.3.
type Weights struct {
	SolarPercentile    string
	PreferSolarRho     float64
	ArbitrageBonusC    float64
	StormReserveSOC    float64
	StormChargeW       float64
	StormHorizonHours  float64
	StormThreshold     float64
	SOCFloorChargeW    float64
	OpportunisticW     float64
	OpportunisticMinSOC float64
	SpikeThresholdC    float64
}

// Problem is the full input to a single planner build.
type Problem struct {
	Slots   []SlotInput // exactly types.SlotsPerHorizon entries, ordered
	Battery BatteryParams
	Loads   []LoadDef // ordered by Name for deterministic variable ordering
	SOC0    float64
	Weights Weights
	Now     time.Time
}

// SolutionSlot is one slot of a Solver's output.
type SolutionSlot struct {
	SlotStart      time.Time
	Mode           types.Mode
	ChargeW        float64
	DischargeW     float64
	ExpectedSOC    float64
	ScheduledLoads map[string]bool
}

// Outcome classifies a Solver's result, mirroring plan.Status so that
// the Solver interface and its Problem/Solution types do not refer to
// the plan package; Planner converts it with outcomeToStatus.
type Outcome int

const (
	OutcomeOptimal Outcome = iota
	OutcomeFeasible
	OutcomeInfeasible
	OutcomeTimeout
)

// Solution is a Solver's full output for one Problem.
type Solution struct {
	Outcome        Outcome
	Slots          []SolutionSlot
	ObjectiveCents float64
}

// Solver is the abstract optimizer the MILP Planner depends on (spec.md
// §9). Solve must be deterministic: identical Problems produce
// byte-identical Solutions (spec.md §4.3, "Determinism").
type Solver interface {
	Solve(ctx context.Context, problem Problem) (Solution, error)
}
