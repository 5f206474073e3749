package accounting

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/ryansname/powermaster/internal/types"
)

func decimalFromFloat(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v)
}

func TestApply_ImportAccumulatesCostAtImportPrice(t *testing.T) {
	e := NewEngine(time.Now(), 10, 5, 20)
	e.Apply(TickSample{
		Dt: 30 * time.Minute, GridW: 2000, LoadW: 2000,
		ImportC: 25, ExportC: 5,
	})
	// 2000W for 0.5h = 1 kWh imported, at 25c/kWh = 25c
	assert.True(t, e.Cycle.ImportC.Equal(decimalFromFloat(25)))
}

func TestApply_ExportAccumulatesRevenueAtExportPrice(t *testing.T) {
	e := NewEngine(time.Now(), 10, 5, 20)
	e.Apply(TickSample{
		Dt: 30 * time.Minute, GridW: -4000, SolarW: 4000,
		ImportC: 25, ExportC: 10,
	})
	assert.True(t, e.Cycle.ExportC.Equal(decimalFromFloat(20)))
}

func TestApply_WACBRisesWithGridSourcedCharging(t *testing.T) {
	e := NewEngine(time.Now(), 10, 0, 0)
	e.Apply(TickSample{
		Dt: time.Hour, GridW: 2000, ChargeW: 2000, SolarW: 0, LoadW: 0,
		ImportC: 30, ExportC: 5,
	})
	assert.True(t, e.Battery.StoredKWh.Equal(decimalFromFloat(2)))
	assert.True(t, e.Battery.WACBCents.Equal(decimalFromFloat(30)))
}

func TestApply_WACBUsesExportPriceForPVSourcedCharging(t *testing.T) {
	e := NewEngine(time.Now(), 10, 0, 0)
	e.Apply(TickSample{
		Dt: time.Hour, GridW: 0, ChargeW: 1000, SolarW: 3000, LoadW: 2000,
		ImportC: 30, ExportC: 8,
	})
	assert.True(t, e.Battery.WACBCents.Equal(decimalFromFloat(8)))
}

func TestApply_DischargeReducesStoredKWhWithoutChangingWACB(t *testing.T) {
	e := NewEngine(time.Now(), 10, 5, 22)
	e.Apply(TickSample{
		Dt: time.Hour, DischargeW: 1000, GridW: -1000, SolarW: 0, LoadW: 0,
		ImportC: 30, ExportC: 40, Source: types.SourceOpportunistic,
	})
	assert.True(t, e.Battery.StoredKWh.Equal(decimalFromFloat(4)))
	assert.True(t, e.Battery.WACBCents.Equal(decimalFromFloat(22)))
}

func TestApply_ArbitragePnLOnlyRecordedForOpportunisticDischarge(t *testing.T) {
	e := NewEngine(time.Now(), 10, 5, 20)
	e.Apply(TickSample{
		Dt: time.Hour, DischargeW: 1000, GridW: -1000,
		ImportC: 30, ExportC: 50, Source: types.SourcePlan,
	})
	assert.True(t, e.Cycle.ArbitrageC.IsZero())

	e2 := NewEngine(time.Now(), 10, 5, 20)
	e2.Apply(TickSample{
		Dt: time.Hour, DischargeW: 1000, GridW: -1000,
		ImportC: 30, ExportC: 50, Source: types.SourceOpportunistic,
	})
	assert.True(t, e2.Cycle.ArbitrageC.Equal(decimalFromFloat(30)))
}

func TestApply_SelfConsumptionTracksOpportunitySavings(t *testing.T) {
	e := NewEngine(time.Now(), 10, 0, 0)
	e.Apply(TickSample{
		Dt: time.Hour, SolarW: 3000, LoadW: 2000, GridW: -1000,
		ImportC: 25, ExportC: 5,
	})
	// min(solar, load) = 2kW for 1h = 2kWh, at import price 25c = 50c
	assert.True(t, e.Cycle.SelfConsumptionC.Equal(decimalFromFloat(50)))
}

func TestApply_StoredKWhClampedToCapacity(t *testing.T) {
	e := NewEngine(time.Now(), 1, 0.9, 10)
	e.Apply(TickSample{
		Dt: time.Hour, GridW: 2000, ChargeW: 2000,
		ImportC: 20, ExportC: 5,
	})
	assert.True(t, e.Battery.StoredKWh.Equal(decimalFromFloat(1)))
}

func TestRolloverIfDue_ArchivesAndResetsCycle(t *testing.T) {
	start := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	e := NewEngine(start, 10, 5, 20)
	e.Cycle.ImportC = decimalFromFloat(100)

	archived, rolled := e.RolloverIfDue(time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC), 1)
	assert.True(t, rolled)
	assert.True(t, archived.ImportC.Equal(decimalFromFloat(100)))
	assert.True(t, e.Cycle.ImportC.IsZero())
}

func TestRolloverIfDue_NoRolloverBeforeCycleStart(t *testing.T) {
	start := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	e := NewEngine(start, 10, 5, 20)
	_, rolled := e.RolloverIfDue(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC), 1)
	assert.False(t, rolled)
}
