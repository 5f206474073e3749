package solver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/types"
)

// Planner is the MILP Planner of spec.md §4.3: it wraps a Solver with
// the infeasibility retry ladder (relax soc_min_soft -> soc_min_hard,
// relax storm reserve by 10%) and the all-SELF_USE fallback plan.
type Planner struct {
	Solver Solver
}

// NewPlanner wires the given Solver (DefaultSolver unless an external
// backend is configured, per spec.md §9).
func NewPlanner(s Solver) *Planner {
	return &Planner{Solver: s}
}

// PlanResult is Build's return value: the produced Plan plus whether
// the infeasibility fallback was used (callers emit a
// "planner_fallback" event in that case, per spec.md §7).
type PlanResult struct {
	Plan         *plan.Plan
	UsedFallback bool
}

// Build runs the planner's full retry ladder and returns a Plan. It
// never returns an error for INFEASIBLE/TIMEOUT outcomes — those
// degrade to the fallback plan instead, per spec.md §4.3, and a ctx
// that is already done also yields the TIMEOUT fallback. Build only
// returns an error when the problem has zero slots.
func (p *Planner) Build(ctx context.Context, problem Problem, forecastHash, tariffHash string, wallTimeout time.Duration) (PlanResult, error) {
	if len(problem.Slots) == 0 {
		return PlanResult{}, fmt.Errorf("planner: problem has no slots")
	}

	solveCtx, cancel := context.WithTimeout(ctx, wallTimeout)
	defer cancel()

	sol, outcome, err := p.solveWithRetry(solveCtx, problem)
	if err != nil {
		return PlanResult{}, err
	}

	if outcome == OutcomeInfeasible || outcome == OutcomeTimeout {
		fallback := fallbackPlan(problem, forecastHash, tariffHash, outcome)
		return PlanResult{Plan: fallback, UsedFallback: true}, nil
	}

	built := toPlan(sol, problem, forecastHash, tariffHash)
	return PlanResult{Plan: built, UsedFallback: false}, nil
}

// solveWithRetry implements spec.md §4.3's retry ladder: first at
// configured soc_min_soft/storm_reserve, then with soc_min_soft
// relaxed to soc_min_hard and storm_reserve relaxed by 10%.
func (p *Planner) solveWithRetry(ctx context.Context, problem Problem) (Solution, Outcome, error) {
	if !invalidBattery(problem.Battery) {
		sol, err := p.Solver.Solve(ctx, problem)
		if err == nil {
			return sol, sol.Outcome, nil
		}
		if ctx.Err() != nil {
			return Solution{}, OutcomeTimeout, nil
		}
	}

	relaxed := problem
	relaxed.Battery.SOCMinSoft = relaxed.Battery.SOCMinHard
	relaxed.Weights.StormReserveSOC *= 0.9

	if invalidBattery(relaxed.Battery) {
		return Solution{}, OutcomeInfeasible, nil
	}

	sol, err := p.Solver.Solve(ctx, relaxed)
	if err != nil {
		if ctx.Err() != nil {
			return Solution{}, OutcomeTimeout, nil
		}
		return Solution{}, OutcomeInfeasible, nil
	}
	return sol, sol.Outcome, nil
}

func invalidBattery(b BatteryParams) bool {
	return b.SOCMinSoft > b.SOCMax || b.SOCMinHard > b.SOCMinSoft || b.RoundTripEfficiency <= 0
}

func toPlan(sol Solution, problem Problem, forecastHash, tariffHash string) *plan.Plan {
	slots := make([]plan.Slot, len(sol.Slots))
	for i, s := range sol.Slots {
		scheduled := map[string]bool{}
		for name, on := range s.ScheduledLoads {
			if on {
				scheduled[name] = true
			}
		}
		slots[i] = plan.Slot{
			SlotStart:      s.SlotStart,
			Mode:           s.Mode,
			ChargeW:        s.ChargeW,
			DischargeW:     s.DischargeW,
			ExpectedSOC:    s.ExpectedSOC,
			ScheduledLoads: scheduled,
		}
	}

	horizonEnd := problem.Now
	if len(slots) > 0 {
		horizonEnd = slots[len(slots)-1].SlotStart.Add(types.SlotDuration)
	}

	return &plan.Plan{
		ID:                deterministicID(problem, forecastHash, tariffHash),
		BuiltAt:           problem.Now,
		HorizonEnd:        horizonEnd,
		ForecastHash:      forecastHash,
		TariffHash:        tariffHash,
		BatterySOCAtBuild: problem.SOC0,
		ObjectiveCents:    sol.ObjectiveCents,
		Status:            outcomeToStatus(sol.Outcome),
		Slots:             slots,
	}
}

func fallbackPlan(problem Problem, forecastHash, tariffHash string, outcome Outcome) *plan.Plan {
	slots := make([]plan.Slot, len(problem.Slots))
	soc := problem.SOC0
	for i, in := range problem.Slots {
		slots[i] = plan.Slot{
			SlotStart:      in.SlotStart,
			Mode:           types.SelfUse,
			ExpectedSOC:    soc,
			ScheduledLoads: map[string]bool{},
		}
	}
	horizonEnd := problem.Now
	if len(slots) > 0 {
		horizonEnd = slots[len(slots)-1].SlotStart.Add(types.SlotDuration)
	}
	return &plan.Plan{
		ID:                deterministicID(problem, forecastHash, tariffHash),
		BuiltAt:           problem.Now,
		HorizonEnd:        horizonEnd,
		ForecastHash:      forecastHash,
		TariffHash:        tariffHash,
		BatterySOCAtBuild: problem.SOC0,
		Status:            outcomeToStatus(outcome),
		Slots:             slots,
	}
}

func outcomeToStatus(o Outcome) plan.Status {
	switch o {
	case OutcomeOptimal:
		return plan.StatusOptimal
	case OutcomeFeasible:
		return plan.StatusFeasible
	case OutcomeTimeout:
		return plan.StatusTimeout
	default:
		return plan.StatusInfeasible
	}
}

// deterministicID derives a UUID from the problem's deterministic
// inputs rather than from randomness, so that identical
// (forecast_hash, tariff_hash, soc_0, params_hash) reproduce the same
// Plan.ID (spec.md §4.3, "Determinism").
func deterministicID(problem Problem, forecastHash, tariffHash string) uuid.UUID {
	h := sha256.New()
	h.Write([]byte(forecastHash))
	h.Write([]byte(tariffHash))
	fmt.Fprintf(h, "%.6f", problem.SOC0)
	fmt.Fprintf(h, "%v", problem.Battery)
	sum := h.Sum(nil)
	encoded := hex.EncodeToString(sum)
	id, err := uuid.Parse(fmt.Sprintf("%s-%s-%s-%s-%s", encoded[0:8], encoded[8:12], "4"+encoded[13:16], "8"+encoded[17:20], encoded[20:32]))
	if err != nil {
		return uuid.Nil
	}
	return id
}
