package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func samplePlan(builtAt time.Time) *Plan {
	return &Plan{
		BuiltAt:      builtAt,
		ForecastHash: "f1",
		TariffHash:   "t1",
		Status:       StatusOptimal,
		Slots: []Slot{
			{SlotStart: builtAt, ExpectedSOC: 0.5},
		},
	}
}

func TestNeeded_NilPlanAlwaysRebuilds(t *testing.T) {
	cfg := DefaultRebuildConfig()
	assert.True(t, Needed(RebuildInputs{Now: time.Now()}, cfg, nil))
}

func TestNeeded_MaxAgeExceeded(t *testing.T) {
	cfg := DefaultRebuildConfig()
	built := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := samplePlan(built)
	in := RebuildInputs{Now: built.Add(31 * time.Minute), LatestForecastHash: "f1", LatestTariffHash: "t1"}
	assert.True(t, Needed(in, cfg, p))
}

func TestNeeded_SOCDrift(t *testing.T) {
	cfg := DefaultRebuildConfig()
	built := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := samplePlan(built)
	in := RebuildInputs{Now: built, CurrentSOC: 0.65, LatestForecastHash: "f1", LatestTariffHash: "t1"}
	assert.True(t, Needed(in, cfg, p))
}

func TestNeeded_HashChanges(t *testing.T) {
	cfg := DefaultRebuildConfig()
	built := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := samplePlan(built)

	assert.True(t, Needed(RebuildInputs{Now: built, LatestForecastHash: "different", LatestTariffHash: "t1"}, cfg, p))
	assert.True(t, Needed(RebuildInputs{Now: built, LatestForecastHash: "f1", LatestTariffHash: "different"}, cfg, p))
}

func TestNeeded_NoneOfTheConditionsHold(t *testing.T) {
	cfg := DefaultRebuildConfig()
	built := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := samplePlan(built)
	in := RebuildInputs{Now: built.Add(time.Minute), CurrentSOC: 0.5, LatestForecastHash: "f1", LatestTariffHash: "t1"}
	assert.False(t, Needed(in, cfg, p))
}

func TestNeeded_RetryBackoffAfterNonOptimal(t *testing.T) {
	cfg := DefaultRebuildConfig()
	built := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := samplePlan(built)
	lastAttempt := built
	in := RebuildInputs{
		Now: built.Add(3 * time.Minute), CurrentSOC: 0.5,
		LatestForecastHash: "f1", LatestTariffHash: "t1",
		LastStatus: StatusInfeasible, LastAttemptAt: lastAttempt,
	}
	assert.True(t, Needed(in, cfg, p))

	in.Now = built.Add(time.Minute)
	assert.False(t, Needed(in, cfg, p), "backoff has not yet elapsed")
}

func TestNeeded_OverrideExpired(t *testing.T) {
	cfg := DefaultRebuildConfig()
	built := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p := samplePlan(built)
	in := RebuildInputs{Now: built, LatestForecastHash: "f1", LatestTariffHash: "t1", OverrideJustExpired: true}
	assert.True(t, Needed(in, cfg, p))
}
