// Package accounting implements the Accounting Engine of spec.md §4.8:
// per-tick energy-delta integration, the battery's weighted-average
// cost basis, and billing-cycle P&L rollup. Money values use
// shopspring/decimal (the pattern the timeoff accrual engine uses for
// balances) to keep cent-level arithmetic exact across a billing cycle.
package accounting

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ryansname/powermaster/internal/types"
)

// Cycle is one billing cycle's running totals, all in cents unless
// noted. ImportC/ExportC/SelfConsumptionC/ArbitrageC accumulate across
// every tick in the cycle.
type Cycle struct {
	StartAt           time.Time
	ImportC           decimal.Decimal
	ExportC           decimal.Decimal
	SelfConsumptionC  decimal.Decimal
	ArbitrageC        decimal.Decimal
	ImportedKWh       decimal.Decimal
	ExportedKWh       decimal.Decimal
}

// NetC is the cycle's net cost: what was paid for imports, less
// revenue from exports and opportunity savings recognized through
// self-consumption and arbitrage.
func (c Cycle) NetC() decimal.Decimal {
	return c.ImportC.Sub(c.ExportC).Sub(c.SelfConsumptionC).Sub(c.ArbitrageC)
}

// BatteryLedger tracks the battery's weighted-average cost basis
// (spec.md §4.8).
type BatteryLedger struct {
	StoredKWh decimal.Decimal
	WACBCents decimal.Decimal // cost basis, cents per kWh
	CapacityKWh float64
}

// TickSample is one tick's worth of measured average powers and the
// tariff prices in effect, sufficient to integrate one Δt of energy
// flow (spec.md §4.8).
type TickSample struct {
	Now      time.Time
	Dt       time.Duration
	GridW    float64 // positive = importing, negative = exporting
	SolarW   float64
	LoadW    float64
	ChargeW  float64 // positive while charging
	DischargeW float64 // positive while discharging
	ImportC  float64 // c/kWh
	ExportC  float64 // c/kWh
	Source   types.DecisionSource // decision source that produced this tick's command
}

// Engine owns one Cycle and one BatteryLedger, advancing both on every
// tick (spec.md §4.8).
type Engine struct {
	Cycle   Cycle
	Battery BatteryLedger
}

// NewEngine starts a fresh cycle at startAt with the battery's initial
// stored energy and cost basis (e.g. recovered from storage on boot).
func NewEngine(startAt time.Time, capacityKWh float64, initialStoredKWh, initialWACBCents float64) *Engine {
	return &Engine{
		Cycle: Cycle{StartAt: startAt},
		Battery: BatteryLedger{
			StoredKWh:   decimal.NewFromFloat(initialStoredKWh),
			WACBCents:   decimal.NewFromFloat(initialWACBCents),
			CapacityKWh: capacityKWh,
		},
	}
}

// hoursFraction converts a tick duration to hours, for W -> kWh
// integration (kWh = W * h / 1000).
func hoursFraction(dt time.Duration) float64 {
	return dt.Hours()
}

// Apply integrates one tick's sample into the cycle totals and the
// battery ledger, per spec.md §4.8's formulas.
func (e *Engine) Apply(s TickSample) {
	dtH := hoursFraction(s.Dt)

	importedKWh := decimal.NewFromFloat(positive(s.GridW) * dtH / 1000)
	exportedKWh := decimal.NewFromFloat(positive(-s.GridW) * dtH / 1000)
	chargedKWh := decimal.NewFromFloat(positive(s.ChargeW) * dtH / 1000)
	dischargedKWh := decimal.NewFromFloat(positive(s.DischargeW) * dtH / 1000)

	importC := decimal.NewFromFloat(s.ImportC)
	exportC := decimal.NewFromFloat(s.ExportC)

	e.Cycle.ImportC = e.Cycle.ImportC.Add(importedKWh.Mul(importC))
	e.Cycle.ExportC = e.Cycle.ExportC.Add(exportedKWh.Mul(exportC))
	e.Cycle.ImportedKWh = e.Cycle.ImportedKWh.Add(importedKWh)
	e.Cycle.ExportedKWh = e.Cycle.ExportedKWh.Add(exportedKWh)

	selfConsumedKWh := decimal.NewFromFloat(minF(s.SolarW, s.LoadW) * dtH / 1000)
	e.Cycle.SelfConsumptionC = e.Cycle.SelfConsumptionC.Add(selfConsumedKWh.Mul(importC))

	if s.Source == types.SourceOpportunistic && s.GridW < 0 {
		// FORCE_DISCHARGE-induced export: arbitrage P&L against cost basis.
		spread := exportC.Sub(e.Battery.WACBCents)
		e.Cycle.ArbitrageC = e.Cycle.ArbitrageC.Add(spread.Mul(exportedKWh))
	}

	// PV-sourced charging carries the export price as its opportunity
	// cost; any charging beyond available solar surplus is grid-sourced
	// and carries the import price.
	solarSurplusW := positive(s.SolarW - s.LoadW)
	pvSourcedW := minF(solarSurplusW, s.ChargeW)
	pvSourcedKWh := decimal.NewFromFloat(pvSourcedW * dtH / 1000)
	gridSourcedKWh := chargedKWh.Sub(pvSourcedKWh)
	if gridSourcedKWh.IsNegative() {
		gridSourcedKWh = decimal.Zero
		pvSourcedKWh = chargedKWh
	}

	e.applyBattery(chargedKWh, dischargedKWh, gridSourcedKWh, pvSourcedKWh, importC, exportC)
}

func (e *Engine) applyBattery(chargedKWh, dischargedKWh, gridSourcedKWh, pvSourcedKWh, importC, exportC decimal.Decimal) {
	b := &e.Battery
	if chargedKWh.IsPositive() {
		cost := gridSourcedKWh.Mul(importC).Add(pvSourcedKWh.Mul(exportC))
		newStored := b.StoredKWh.Add(chargedKWh)
		if newStored.IsPositive() {
			b.WACBCents = b.WACBCents.Mul(b.StoredKWh).Add(cost).Div(newStored)
		}
		b.StoredKWh = clampKWh(newStored, b.CapacityKWh)
	}
	if dischargedKWh.IsPositive() {
		b.StoredKWh = clampKWh(b.StoredKWh.Sub(dischargedKWh), b.CapacityKWh)
	}
}

func clampKWh(v decimal.Decimal, capacity float64) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	capD := decimal.NewFromFloat(capacity)
	if v.GreaterThan(capD) {
		return capD
	}
	return v
}

func positive(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RolloverIfDue archives the current cycle and starts a new one when
// now has crossed the configured billing-cycle start in local time
// (spec.md §4.8, "billing cycle rolls over ... at local midnight").
func (e *Engine) RolloverIfDue(now time.Time, cycleStartDayOfMonth int) (archived Cycle, rolled bool) {
	cycleStart := types.BillingCycleStart(now, cycleStartDayOfMonth)
	if !cycleStart.After(e.Cycle.StartAt) {
		return Cycle{}, false
	}
	archived = e.Cycle
	e.Cycle = Cycle{StartAt: cycleStart}
	return archived, true
}
