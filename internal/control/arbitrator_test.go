package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/types"
)

func testConfig() Config {
	return Config{
		SOCMinHard:          0.05,
		SOCMax:              0.95,
		StormReserveSOC:     0.6,
		StormChargeW:        1500,
		StormThreshold:      0.5,
		SOCMinSoft:          0.2,
		SOCFloorChargeW:     800,
		OpportunisticW:      2000,
		OpportunisticMinSOC: 0.3,
		SpikeThresholdC:     80,
	}
}

func TestDecide_SafetyBeatsEverything(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := Inputs{
		Now: now, SOC: 0.01, InverterFault: false,
		StormProbability: 0.9,
		PlanSlot:          &plan.Slot{Mode: types.ForceDischarge, DischargeW: 3000},
		Override:          &Override{Mode: types.ForceDischarge, ExpiresAt: now.Add(time.Hour)},
	}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourceSafety, d.Source)
	assert.Equal(t, types.SelfUse, d.Mode)
	assert.Equal(t, 0.0, d.ExportCapW)
}

func TestDecide_SafetyHighSOCUnrestrictedExport(t *testing.T) {
	in := Inputs{SOC: 0.96}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourceSafety, d.Source)
	assert.Equal(t, Unrestricted, d.ExportCapW)
}

func TestDecide_StormBeatsSOCFloorAndPlan(t *testing.T) {
	in := Inputs{
		SOC: 0.1, StormProbability: 0.7,
		PlanSlot: &plan.Slot{Mode: types.SelfUse},
	}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourceStorm, d.Source)
	assert.Equal(t, types.ForceCharge, d.Mode)
	assert.Equal(t, 1500.0, d.PowerW)
}

func TestDecide_SOCFloorSuppressedBySpike(t *testing.T) {
	in := Inputs{SOC: 0.1, TariffSpikeActive: true, PlanSlot: &plan.Slot{Mode: types.SelfUse}}
	d := Decide(testConfig(), in)
	assert.NotEqual(t, types.SourceSOCFloor, d.Source)
}

func TestDecide_SOCFloorFires(t *testing.T) {
	in := Inputs{SOC: 0.1, PlanSlot: &plan.Slot{Mode: types.SelfUse}}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourceSOCFloor, d.Source)
	assert.Equal(t, types.ForceCharge, d.Mode)
	assert.Equal(t, 800.0, d.PowerW)
}

func TestDecide_OverrideBeatsPlan(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := Inputs{
		Now: now, SOC: 0.5,
		PlanSlot: &plan.Slot{Mode: types.ForceDischarge, DischargeW: 1000},
		Override: &Override{Mode: types.ForceCharge, PowerW: 500, ExpiresAt: now.Add(time.Minute)},
	}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourceOverride, d.Source)
	assert.Equal(t, types.ForceCharge, d.Mode)
	assert.Equal(t, 500.0, d.PowerW)
}

func TestDecide_ExpiredOverrideFallsThroughToPlan(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	in := Inputs{
		Now: now, SOC: 0.5,
		PlanSlot: &plan.Slot{Mode: types.ForceDischarge, DischargeW: 1000},
		Override: &Override{Mode: types.ForceCharge, ExpiresAt: now.Add(-time.Second)},
	}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourcePlan, d.Source)
	assert.Equal(t, types.ForceDischarge, d.Mode)
	assert.Equal(t, 1000.0, d.PowerW)
}

func TestDecide_OpportunisticOverridesSelfUsePlan(t *testing.T) {
	in := Inputs{
		SOC: 0.5, ExportC: 100,
		PlanSlot: &plan.Slot{Mode: types.SelfUse},
	}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourceOpportunistic, d.Source)
	assert.Equal(t, types.ForceDischarge, d.Mode)
	assert.Equal(t, 2000.0, d.PowerW)
}

func TestDecide_OpportunisticDoesNotFireWhenPlanIsNotSelfUse(t *testing.T) {
	in := Inputs{
		SOC: 0.5, ExportC: 100,
		PlanSlot: &plan.Slot{Mode: types.ForceCharge, ChargeW: 1000},
	}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourcePlan, d.Source)
}

func TestDecide_DefaultWhenNothingElseApplies(t *testing.T) {
	in := Inputs{SOC: 0.5}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourceDefault, d.Source)
	assert.Equal(t, types.SelfUse, d.Mode)
}

// TestDecide_Monotonicity checks spec.md §8's arbitrator monotonicity
// property directly: raising a higher-priority signal's strength can
// only move the winning source to an equal-or-higher priority tier,
// never to a strictly lower one.
func TestDecide_Monotonicity(t *testing.T) {
	cfg := testConfig()
	base := Inputs{SOC: 0.5, PlanSlot: &plan.Slot{Mode: types.SelfUse}}
	before := Decide(cfg, base)

	raised := base
	raised.StormProbability = 0.9
	raised.SOC = 0.1
	after := Decide(cfg, raised)

	assert.LessOrEqual(t, int(after.Source), int(before.Source),
		"raising storm probability must not yield a lower-priority source")
}

func TestDecide_TieBreakByHierarchyOrder(t *testing.T) {
	// SOC below both soc_min_hard and storm reserve: SAFETY must win,
	// not STORM, even though both conditions hold simultaneously.
	in := Inputs{SOC: 0.01, StormProbability: 1.0}
	d := Decide(testConfig(), in)
	assert.Equal(t, types.SourceSafety, d.Source)
}
