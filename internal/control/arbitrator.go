// Package control implements the Control Arbitrator of spec.md §4.5: a
// pure function from safety state, storm state, SOC, the active plan
// slot, any user override, and the opportunistic export signal to a
// single inverter command.
package control

import (
	"time"

	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/types"
)

// Unrestricted marks an export cap as "no limit" (spec.md §4.5's SAFETY
// tier's "SOC > soc_max: force SELF_USE export unrestricted").
const Unrestricted = -1.0

// Config carries the arbitrator's tunable thresholds, sourced from the
// active config.Snapshot.
type Config struct {
	SOCMinHard          float64
	SOCMax              float64
	StormReserveSOC     float64
	StormChargeW        float64
	StormThreshold      float64
	SOCMinSoft          float64
	SOCFloorChargeW     float64
	OpportunisticW      float64
	OpportunisticMinSOC float64
	SpikeThresholdC     float64
}

// Override is a user-set mode with an expiry, spec.md §3's Override.
type Override struct {
	Mode       types.Mode
	PowerW     float64
	ExportCapW float64
	ExpiresAt  time.Time
}

// Inputs is everything the arbitrator reads for one decision. It must
// contain no mutable state of its own: every field is a snapshot taken
// by the tick loop at the start of the tick.
type Inputs struct {
	Now time.Time

	SOC           float64
	InverterFault bool

	// StormProbability is the maximum storm probability over the
	// configured look-ahead horizon, already reduced by the caller.
	StormProbability float64

	ExportC           float64
	TariffSpikeActive bool

	PlanSlot *plan.Slot
	Override *Override
}

// Decision is the arbitrator's output, spec.md §3's Arbitrator Decision.
type Decision struct {
	Mode       types.Mode
	PowerW     float64
	ExportCapW float64
	Source     types.DecisionSource
	Rationale  string
}

// Decide applies the seven-tier hierarchy of spec.md §4.5 in order and
// returns the first tier that fires. It is a pure function: the same
// (cfg, in) always yields the same Decision, which is the basis of the
// arbitrator monotonicity property (spec.md §8): raising any
// higher-priority signal can only move the result to an equal-or-higher
// priority source, never lower.
func Decide(cfg Config, in Inputs) Decision {
	if d, ok := safety(cfg, in); ok {
		return d
	}
	if d, ok := storm(cfg, in); ok {
		return d
	}
	if d, ok := socFloor(cfg, in); ok {
		return d
	}
	if d, ok := override(in); ok {
		return d
	}
	if d, ok := fromPlan(in); ok {
		// OPPORTUNISTIC only ever refines a SELF_USE plan slot, so it is
		// checked before the plan slot itself is returned.
		if o, ok := opportunistic(cfg, in); ok {
			return o
		}
		return d
	}
	return defaultDecision()
}

func safety(cfg Config, in Inputs) (Decision, bool) {
	switch {
	case in.InverterFault:
		return Decision{
			Mode: types.SelfUse, ExportCapW: 0,
			Source: types.SourceSafety, Rationale: "inverter fault reported",
		}, true
	case in.SOC < cfg.SOCMinHard:
		return Decision{
			Mode: types.SelfUse, ExportCapW: 0,
			Source: types.SourceSafety, Rationale: "soc below soc_min_hard",
		}, true
	case in.SOC > cfg.SOCMax:
		return Decision{
			Mode: types.SelfUse, ExportCapW: Unrestricted,
			Source: types.SourceSafety, Rationale: "soc above soc_max",
		}, true
	}
	return Decision{}, false
}

func storm(cfg Config, in Inputs) (Decision, bool) {
	if in.StormProbability >= cfg.StormThreshold && in.SOC < cfg.StormReserveSOC {
		return Decision{
			Mode: types.ForceCharge, PowerW: cfg.StormChargeW, ExportCapW: 0,
			Source: types.SourceStorm, Rationale: "storm probability above threshold, below reserve soc",
		}, true
	}
	return Decision{}, false
}

func socFloor(cfg Config, in Inputs) (Decision, bool) {
	if in.SOC < cfg.SOCMinSoft && !in.TariffSpikeActive {
		return Decision{
			Mode: types.ForceCharge, PowerW: cfg.SOCFloorChargeW, ExportCapW: 0,
			Source: types.SourceSOCFloor, Rationale: "soc below soc_min_soft",
		}, true
	}
	return Decision{}, false
}

func override(in Inputs) (Decision, bool) {
	if in.Override == nil || !in.Now.Before(in.Override.ExpiresAt) {
		return Decision{}, false
	}
	return Decision{
		Mode: in.Override.Mode, PowerW: in.Override.PowerW, ExportCapW: in.Override.ExportCapW,
		Source: types.SourceOverride, Rationale: "active user override",
	}, true
}

func fromPlan(in Inputs) (Decision, bool) {
	if in.PlanSlot == nil {
		return Decision{}, false
	}
	s := in.PlanSlot
	d := Decision{
		Mode: s.Mode, ExportCapW: Unrestricted,
		Source: types.SourcePlan, Rationale: "plan slot for current time",
	}
	switch s.Mode {
	case types.ForceCharge, types.ChargeNoImport:
		d.PowerW = s.ChargeW
	case types.ForceDischarge:
		d.PowerW = s.DischargeW
	case types.SelfUseZeroExport:
		d.ExportCapW = 0
	}
	return d, true
}

func opportunistic(cfg Config, in Inputs) (Decision, bool) {
	if in.PlanSlot == nil || in.PlanSlot.Mode != types.SelfUse {
		return Decision{}, false
	}
	if in.ExportC >= cfg.SpikeThresholdC && in.SOC >= cfg.OpportunisticMinSOC {
		return Decision{
			Mode: types.ForceDischarge, PowerW: cfg.OpportunisticW, ExportCapW: Unrestricted,
			Source: types.SourceOpportunistic, Rationale: "export price spike, soc above opportunistic floor",
		}, true
	}
	return Decision{}, false
}

func defaultDecision() Decision {
	return Decision{
		Mode: types.SelfUse, ExportCapW: Unrestricted,
		Source: types.SourceDefault, Rationale: "no higher-priority signal active",
	}
}
