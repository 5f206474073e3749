// Package tick implements the Tick Loop and command-refresh loop of
// spec.md §4.6, tying together the plan cache, control arbitrator,
// anti-oscillation guard, load scheduler, accounting engine, inverter
// driver, resilience tracker, and event bus. The tick task is the only
// task permitted to write the applied-command field (spec.md §5).
package tick

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ryansname/powermaster/internal/accounting"
	"github.com/ryansname/powermaster/internal/config"
	"github.com/ryansname/powermaster/internal/control"
	"github.com/ryansname/powermaster/internal/events"
	"github.com/ryansname/powermaster/internal/forecast"
	"github.com/ryansname/powermaster/internal/governor"
	"github.com/ryansname/powermaster/internal/inverter"
	"github.com/ryansname/powermaster/internal/loads"
	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/resilience"
	"github.com/ryansname/powermaster/internal/solver"
	"github.com/ryansname/powermaster/internal/storage"
	"github.com/ryansname/powermaster/internal/tariff"
	"github.com/ryansname/powermaster/internal/types"
)

// RebuildTrigger is how the tick task hands a rebuild off to the
// planner task without blocking the tick on a CPU-bound solve
// (spec.md §5: "planner ... runs in a worker thread ... at most one
// planner task in flight; concurrent requests coalesce").
type RebuildTrigger func(problem solver.Problem, forecastHash, tariffHash string)

// OverrideSource returns the currently active override, if any.
type OverrideSource func() *control.Override

// Loop owns the single applied-command state and every collaborator
// the tick needs to read for one iteration.
type Loop struct {
	Config     func() *config.Snapshot
	Forecast   *forecast.Aggregator
	Tariff     *tariff.Series
	PlanCache  *plan.Cache
	Guard      *governor.Guard
	Scheduler  *loads.Scheduler
	Accounting *accounting.Engine
	Resilience *resilience.Tracker
	Driver     inverter.Driver
	Bus        *events.Bus
	Repos      storage.Repositories
	Override   OverrideSource
	Rebuild    RebuildTrigger
	Log        zerolog.Logger

	lastTelemetry inverter.Telemetry
	lastSource    types.DecisionSource
	haveLast      bool
	lastTickAt    time.Time
}

// NewLoop wires a Loop; every field must be set on the returned value
// before the first Tick call except the private tracking fields.
func NewLoop() *Loop {
	return &Loop{}
}

// Tick runs one iteration of spec.md §4.6's eight steps. now is
// injected so tests can drive deterministic ticks.
func (l *Loop) Tick(ctx context.Context, now time.Time) error {
	snap := l.Config()
	cfg := snap.Doc

	// (a) read inverter telemetry
	telemetry, err := l.readTelemetry(ctx, now)
	if err != nil {
		l.Log.Warn().Err(err).Msg("tick: telemetry read failed")
	}

	// (b) update accounting with energy deltas from the previous tick,
	// attributing them to the decision source that was in effect then
	l.applyAccounting(now, telemetry)

	// (c) ask rebuild evaluator; trigger planner if needed
	l.maybeRebuild(now, telemetry, cfg)

	// (d) run arbitrator
	activePlan := l.PlanCache.Active()
	var planSlot *plan.Slot
	if activePlan != nil {
		if s, ok := activePlan.SlotAt(now); ok {
			planSlot = &s
		}
	}

	arbCfg := control.Config{
		SOCMinHard:          cfg.Battery.SOCMinHard,
		SOCMax:              cfg.Battery.SOCMax,
		StormReserveSOC:     cfg.Storm.ReserveSOC,
		StormChargeW:        cfg.Storm.ChargeW,
		StormThreshold:      cfg.Storm.ProbabilityThreshold,
		SOCMinSoft:          cfg.Battery.SOCMinSoft,
		SOCFloorChargeW:     cfg.Battery.SOCFloorChargeW,
		OpportunisticW:      cfg.Arbitrage.OpportunisticW,
		OpportunisticMinSOC: cfg.Arbitrage.OpportunisticMinSOC,
		SpikeThresholdC:     cfg.Arbitrage.SpikeThresholdC,
	}

	tariffPoint, _ := l.Tariff.Get(types.FloorToSlot(now))
	stormProb := l.stormProbability(now, cfg.Storm.HorizonHours)

	decision := control.Decide(arbCfg, control.Inputs{
		Now:               now,
		SOC:               telemetry.SOC,
		InverterFault:     telemetry.Fault(),
		StormProbability:  stormProb,
		ExportC:           tariffPoint.ExportC,
		TariffSpikeActive: tariffPoint.SpikeFlag,
		PlanSlot:          planSlot,
		Override:          l.Override(),
	})

	// (e) consult the anti-oscillation guard
	result := l.Guard.Evaluate(now, decision.Mode, decision.PowerW, decision.Source)
	if result.Suppressed {
		l.Log.Info().Str("rationale", result.Rationale).Msg("tick: command suppressed by anti-oscillation guard")
	}

	// (f) apply command via inverter driver
	cmd := inverter.Command{Mode: result.Mode, PowerW: result.PowerW, ExportCapW: decision.ExportCapW}
	if err := l.Driver.SetMode(ctx, cmd); err != nil {
		l.Log.Error().Err(err).Msg("tick: set mode failed")
		l.Resilience.RecordFailure("inverter", now, err.Error())
	} else {
		l.Resilience.RecordSuccess("inverter", now)
	}

	// (g) apply load scheduler decisions
	loadActions := l.runScheduler(now, cfg, activePlan, telemetry.Fault())

	// (h) publish an event snapshot
	l.publishSnapshot(now, telemetry, decision, result, loadActions)

	l.lastTelemetry = telemetry
	l.lastSource = decision.Source
	l.haveLast = true
	l.lastTickAt = now
	return nil
}

func (l *Loop) readTelemetry(ctx context.Context, now time.Time) (inverter.Telemetry, error) {
	readCtx, cancel := context.WithTimeout(ctx, inverter.ReadTimeout)
	defer cancel()

	t, err := l.Driver.ReadTelemetry(readCtx)
	if err != nil {
		l.Resilience.RecordFailure("inverter", now, err.Error())
		if l.haveLast {
			return l.lastTelemetry, err
		}
		return inverter.Telemetry{}, err
	}
	l.Resilience.RecordSuccess("inverter", now)
	if l.Repos.Telemetry != nil {
		_ = l.Repos.Telemetry.Record(ctx, t)
	}
	return t, nil
}

func (l *Loop) applyAccounting(now time.Time, t inverter.Telemetry) {
	if !l.haveLast {
		return
	}
	dt := now.Sub(l.lastTickAt)
	if dt <= 0 {
		return
	}
	tariffPoint, _ := l.Tariff.Get(types.FloorToSlot(now))

	chargeW, dischargeW := 0.0, 0.0
	if t.BatteryW > 0 {
		chargeW = t.BatteryW
	} else {
		dischargeW = -t.BatteryW
	}

	l.Accounting.Apply(accounting.TickSample{
		Now: now, Dt: dt,
		GridW: t.GridW, SolarW: t.SolarW, LoadW: t.LoadW,
		ChargeW: chargeW, DischargeW: dischargeW,
		ImportC: tariffPoint.ImportC, ExportC: tariffPoint.ExportC,
		Source: l.lastSource,
	})
}

func (l *Loop) maybeRebuild(now time.Time, t inverter.Telemetry, cfg *config.Document) {
	active := l.PlanCache.Active()
	forecastSnap := l.Forecast.Snapshot(now)
	tariffHash := l.Tariff.Hash(now, now.Add(48*time.Hour))

	rebuildCfg := plan.RebuildConfig{
		MaxAge:            cfg.Planning.MaxPlanAge,
		SOCDriftThreshold: cfg.Planning.SOCDriftThreshold,
		RetryBackoff:      cfg.Planning.RetryBackoff,
	}

	needed := plan.Needed(plan.RebuildInputs{
		Now:                now,
		CurrentSOC:         t.SOC,
		LatestForecastHash: forecastSnap.Hash(),
		LatestTariffHash:   tariffHash,
	}, rebuildCfg, active)

	if !needed || l.Rebuild == nil {
		return
	}
	// TryBeginRebuild's slot is released by whatever the Rebuild trigger
	// spawns (main.go's planner task), once that solve completes — not
	// here, since the solve itself runs asynchronously off the tick.
	if !l.PlanCache.TryBeginRebuild() {
		return
	}

	problem := l.buildProblem(now, cfg, forecastSnap, t.SOC)
	l.Rebuild(problem, forecastSnap.Hash(), tariffHash)
}

func (l *Loop) buildProblem(now time.Time, cfg *config.Document, forecastSnap forecast.Snapshot48h, soc0 float64) solver.Problem {
	horizon := types.Horizon(now)
	slots := make([]solver.SlotInput, 0, len(horizon))
	for _, slot := range horizon {
		fp, haveForecast := forecastSnap.At(slot.Start)
		tp, _ := l.Tariff.Get(slot.Start)
		slots = append(slots, solver.SlotInput{
			SlotStart:     slot.Start,
			SolarP10W:     fp.SolarP10W,
			SolarP50W:     fp.SolarP50W,
			SolarP90W:     fp.SolarP90W,
			LoadForecastW: fp.LoadForecastW,
			StormProb:     fp.StormProb,
			ImportC:       tp.ImportC,
			ExportC:       tp.ExportC,
			SpikeFlag:     tp.SpikeFlag,
			SolarDegraded: !haveForecast || forecastSnap.Degraded(),
		})
	}

	loadDefs := make([]solver.LoadDef, 0, len(cfg.Loads))
	for _, ld := range cfg.Loads {
		days := make(map[time.Weekday]bool, len(ld.DaysOfWeek))
		for _, d := range ld.DaysOfWeek {
			days[time.Weekday(d)] = true
		}
		loadDefs = append(loadDefs, solver.LoadDef{
			Name: ld.Name, PowerW: ld.PowerW, PriorityClass: ld.PriorityClass,
			MinRuntimeMin: ld.MinRuntimeMin, IdealRuntimeMin: ld.IdealRuntimeMin, MaxRuntimeMin: ld.MaxRuntimeMin,
			EarliestHour: ld.EarliestHour, LatestHour: ld.LatestHour, DaysOfWeek: days,
			PreferSolar: ld.PreferSolar, AllowSplitShifts: ld.AllowSplitShifts, Enabled: ld.Enabled,
		})
	}

	return solver.Problem{
		Slots: slots,
		Battery: solver.BatteryParams{
			CapacityKWh: cfg.Battery.CapacityKWh, SOCMinHard: cfg.Battery.SOCMinHard,
			SOCMinSoft: cfg.Battery.SOCMinSoft, SOCMax: cfg.Battery.SOCMax,
			MaxChargeW: cfg.Battery.MaxChargeW, MaxDischargeW: cfg.Battery.MaxDischargeW,
			RoundTripEfficiency: cfg.Battery.RoundTripEfficiency, DegradationCPerKWh: cfg.Battery.DegradationCPerKWh,
		},
		Loads: loadDefs,
		SOC0:  soc0,
		Now:   now,
		Weights: solver.Weights{
			SolarPercentile: cfg.Planning.SolarPercentile, PreferSolarRho: cfg.Arbitrage.PreferSolarWeight,
			ArbitrageBonusC: cfg.Arbitrage.ArbitrageBonus, StormReserveSOC: cfg.Storm.ReserveSOC,
			StormChargeW: cfg.Storm.ChargeW, StormHorizonHours: cfg.Storm.HorizonHours,
			StormThreshold: cfg.Storm.ProbabilityThreshold, SOCFloorChargeW: cfg.Battery.SOCFloorChargeW,
			OpportunisticW: cfg.Arbitrage.OpportunisticW, OpportunisticMinSOC: cfg.Arbitrage.OpportunisticMinSOC,
			SpikeThresholdC: cfg.Arbitrage.SpikeThresholdC,
		},
	}
}

func (l *Loop) stormProbability(now time.Time, horizonHours float64) float64 {
	snap := l.Forecast.Snapshot(now)
	max := 0.0
	horizon := now.Add(time.Duration(horizonHours * float64(time.Hour)))
	for t := now; t.Before(horizon); t = t.Add(30 * time.Minute) {
		p, ok := snap.At(t)
		if !ok {
			continue
		}
		if p.StormProb > max {
			max = p.StormProb
		}
	}
	return max
}

// LoadAction is one device's outcome for the dashboard/event snapshot.
type LoadAction struct {
	Name   string
	Action loads.Action
	State  loads.State
}

func (l *Loop) runScheduler(now time.Time, cfg *config.Document, activePlan *plan.Plan, fault bool) []LoadAction {
	var dt time.Duration
	if l.haveLast {
		dt = now.Sub(l.lastTickAt)
	}

	var planSlot *plan.Slot
	if activePlan != nil {
		if s, ok := activePlan.SlotAt(now); ok {
			planSlot = &s
		}
	}

	out := make([]LoadAction, 0, len(cfg.Loads))
	for _, ld := range cfg.Loads {
		if !ld.Enabled {
			continue
		}
		planSaysOn := planSlot != nil && planSlot.ScheduledLoads != nil && planSlot.ScheduledLoads[ld.Name]
		withinWindow := withinHourWindow(now.Hour(), ld.EarliestHour, ld.LatestHour)
		dayOK := dayEligible(ld.DaysOfWeek, now.Weekday())

		action, state := l.Scheduler.Tick(now, dt, loads.Def{
			Name: ld.Name, MinRuntimeMin: ld.MinRuntimeMin, MaxRuntimeMin: ld.MaxRuntimeMin,
			AllowSplitShifts: ld.AllowSplitShifts,
		}, planSaysOn, withinWindow, dayOK, fault)

		out = append(out, LoadAction{Name: ld.Name, Action: action, State: state})
	}
	return out
}

func withinHourWindow(hour, earliest, latest int) bool {
	if earliest < latest {
		return hour >= earliest && hour < latest
	}
	return hour >= earliest || hour < latest
}

func dayEligible(days []int, day time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	for _, d := range days {
		if d == int(day) {
			return true
		}
	}
	return false
}

func (l *Loop) publishSnapshot(now time.Time, t inverter.Telemetry, d control.Decision, r governor.Result, loadActions []LoadAction) {
	loadStates := make(map[string]string, len(loadActions))
	for _, la := range loadActions {
		loadStates[la.Name] = la.State.String()
	}

	l.Bus.Publish(events.Snapshot{
		"at":              now,
		"soc":             t.SOC,
		"solar_w":         t.SolarW,
		"load_w":          t.LoadW,
		"grid_w":          t.GridW,
		"battery_w":       t.BatteryW,
		"mode":            r.Mode.String(),
		"power_w":         r.PowerW,
		"export_cap_w":    d.ExportCapW,
		"decision_source": d.Source.String(),
		"rationale":       d.Rationale,
		"suppressed":      r.Suppressed,
		"loads":           loadStates,
		"net_cost_c":      l.Accounting.Cycle.NetC().InexactFloat64(),
	})
}

// RunRefresh runs the command-refresh loop of spec.md §4.6: re-sends
// the currently-applied command every refreshInterval because FORCE_*
// modes time out at the device after ~30s. It reads guard state only;
// it never decides a new command.
func (l *Loop) RunRefresh(ctx context.Context, refreshInterval time.Duration) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mode, powerW, ok := l.Guard.LastCommand()
			if !ok {
				continue
			}
			refreshCtx, cancel := context.WithTimeout(ctx, inverter.SetModeTimeout)
			err := l.Driver.SetMode(refreshCtx, inverter.Command{Mode: mode, PowerW: powerW, ExportCapW: control.Unrestricted})
			cancel()
			if err != nil {
				l.Log.Warn().Err(err).Msg("refresh: resend command failed")
			}
		}
	}
}
