package loads

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTick_IdleToRunningWhenPlanSaysOn(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "dishwasher", MinRuntimeMin: 30, MaxRuntimeMin: 90}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	action, state := s.Tick(now, 5*time.Minute, def, true, true, true, false)
	assert.Equal(t, ActionTurnOn, action)
	assert.Equal(t, StateRunning, state)
}

func TestTick_StaysIdleOutsideWindow(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "dishwasher", MinRuntimeMin: 30, MaxRuntimeMin: 90}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	action, state := s.Tick(now, 5*time.Minute, def, true, false, true, false)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, StateIdle, state)
}

func TestTick_RunningAccumulatesRuntimeAndCompletesAtMax(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "ev", MinRuntimeMin: 30, MaxRuntimeMin: 20}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	s.Tick(now, 0, def, true, true, true, false)
	action, state := s.Tick(now.Add(5*time.Minute), 25*time.Minute, def, true, true, true, false)
	assert.Equal(t, ActionTurnOff, action)
	assert.Equal(t, StateCompleted, state)
}

func TestTick_RunningWithoutSplitShiftsLocksOutWhenPlanTurnsOff(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "pool_pump", MinRuntimeMin: 30, MaxRuntimeMin: 180, AllowSplitShifts: false}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	s.Tick(now, 0, def, true, true, true, false)
	action, state := s.Tick(now.Add(10*time.Minute), 10*time.Minute, def, false, true, true, false)
	assert.Equal(t, ActionTurnOff, action)
	assert.Equal(t, StateLockedOut, state)
}

func TestTick_RunningWithSplitShiftsReturnsToIdleAfterMinRuntimeMet(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "ev", MinRuntimeMin: 30, MaxRuntimeMin: 180, AllowSplitShifts: true}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	s.Tick(now, 0, def, true, true, true, false)
	action, state := s.Tick(now.Add(35*time.Minute), 35*time.Minute, def, false, true, true, false)
	assert.Equal(t, ActionTurnOff, action)
	assert.Equal(t, StateIdle, state)
}

func TestTick_RunningWithSplitShiftsStaysRunningBeforeMinRuntimeMet(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "ev", MinRuntimeMin: 30, MaxRuntimeMin: 180, AllowSplitShifts: true}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	s.Tick(now, 0, def, true, true, true, false)
	action, state := s.Tick(now.Add(10*time.Minute), 10*time.Minute, def, false, true, true, false)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, StateRunning, state)
}

func TestTick_FaultForcesLockedOutFromAnyState(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "ev", MinRuntimeMin: 30, MaxRuntimeMin: 180}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	s.Tick(now, 0, def, true, true, true, false)
	action, state := s.Tick(now.Add(time.Minute), time.Minute, def, true, true, true, true)
	assert.Equal(t, ActionTurnOff, action)
	assert.Equal(t, StateLockedOut, state)
}

func TestResetDaily_ClearsStateAndRuntime(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "ev", MinRuntimeMin: 30, MaxRuntimeMin: 180}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s.Tick(now, 0, def, true, true, true, false)
	s.Tick(now.Add(time.Hour), time.Hour, def, true, true, true, false)

	midnight := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	s.ResetDaily(midnight)

	snap, ok := s.Snapshot("ev")
	assert.True(t, ok)
	assert.Equal(t, StateIdle, snap.State)
	assert.Equal(t, 0.0, snap.RuntimeMinutesToday)
}

func TestTick_IdleCompletesWhenRuntimeAlreadyAtMax(t *testing.T) {
	s := NewScheduler()
	def := Def{Name: "ev", MinRuntimeMin: 30, MaxRuntimeMin: 60}
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	s.states[def.Name] = &RuntimeState{State: StateIdle, RuntimeMinutesToday: 60}

	action, state := s.Tick(now.Add(80*time.Minute), time.Minute, def, true, true, true, false)
	assert.Equal(t, ActionNone, action)
	assert.Equal(t, StateCompleted, state)
}
