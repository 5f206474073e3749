package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/powermaster/internal/accounting"
	"github.com/ryansname/powermaster/internal/inverter"
	"github.com/ryansname/powermaster/internal/loads"
	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/tariff"
	"github.com/ryansname/powermaster/internal/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_AppliesSchemaAndPassesIntegrityCheck(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.IntegrityCheck(context.Background()))
}

func TestTelemetry_RecordAndQueryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sample := inverter.Telemetry{
		SOC: 0.55, SolarW: 2200, LoadW: 800, GridW: -1400, BatteryW: 600,
		Mode: types.SelfUse, FaultFlags: nil, ReadAt: now,
	}
	require.NoError(t, repos.Telemetry.Record(ctx, sample))

	got, err := repos.Telemetry.Query(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.InDelta(t, 0.55, got[0].SOC, 1e-9)
	require.Equal(t, types.SelfUse, got[0].Mode)
	require.True(t, got[0].ReadAt.Equal(now))
}

func TestTelemetry_RecordWithFaultFlagsRoundTrips(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	sample := inverter.Telemetry{SOC: 0.1, Mode: types.SelfUse, FaultFlags: []string{"overtemp", "grid_loss"}, ReadAt: now}
	require.NoError(t, repos.Telemetry.Record(ctx, sample))

	got, err := repos.Telemetry.Query(ctx, now.Add(-time.Second), now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []string{"overtemp", "grid_loss"}, got[0].FaultFlags)
	require.True(t, got[0].Fault())
}

func TestPrices_RecordAndQueryRoundTrip(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		p := tariff.RawPoint{SlotStart: base.Add(time.Duration(i) * 30 * time.Minute), ImportC: 25 + float64(i), ExportC: 8}
		require.NoError(t, repos.Prices.Record(ctx, p))
	}

	got, err := repos.Prices.Query(ctx, base, base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.InDelta(t, 25, got[0].ImportC, 1e-9)
	require.InDelta(t, 28, got[3].ImportC, 1e-9)
}

func TestPlans_SaveGetLatestAndActiveFor(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	builtAt := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	p := &plan.Plan{
		ID: uuid.New(), BuiltAt: builtAt, HorizonEnd: builtAt.Add(48 * time.Hour),
		ForecastHash: "fh1", TariffHash: "th1", BatterySOCAtBuild: 0.6, ObjectiveCents: -123.45,
		Status: plan.StatusOptimal,
		Slots: []plan.Slot{
			{SlotStart: builtAt, Mode: types.SelfUse, ChargeW: 0, DischargeW: 0, ExpectedSOC: 0.6},
		},
	}
	require.NoError(t, repos.Plans.Save(ctx, p))

	latest, err := repos.Plans.GetLatest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	require.Equal(t, p.ID, latest.ID)
	require.Len(t, latest.Slots, 1)
	require.Equal(t, types.SelfUse, latest.Slots[0].Mode)

	active, err := repos.Plans.GetActiveFor(ctx, builtAt.Add(time.Hour))
	require.NoError(t, err)
	require.NotNil(t, active)
	require.Equal(t, p.ID, active.ID)

	none, err := repos.Plans.GetActiveFor(ctx, builtAt.Add(-time.Hour))
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestPlans_GetLatestWithNoRowsReturnsNil(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	got, err := repos.Plans.GetLatest(context.Background())
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestAccounting_RecordEventAndCurrentCycle(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	cycle := accounting.NewEngine(now, 10, 5, 30).Cycle
	cycle.ImportC = cycle.ImportC.Add(cycle.ImportC) // keep zero but exercise decimal ops

	evt := AccountingEvent{ID: uuid.New(), At: now, Kind: "tick", Cycle: cycle, StoredKWh: 5.2, WACBCents: 31.5}
	require.NoError(t, repos.Accounting.RecordEvent(ctx, evt))

	got, err := repos.Accounting.CurrentCycle(ctx)
	require.NoError(t, err)
	require.True(t, got.ImportC.Equal(cycle.ImportC))
}

func TestAccounting_DailyFiltersByKindAndRange(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	mk := func(at time.Time, kind string) AccountingEvent {
		return AccountingEvent{ID: uuid.New(), At: at, Kind: kind, Cycle: accounting.NewEngine(at, 10, 0, 0).Cycle}
	}
	require.NoError(t, repos.Accounting.RecordEvent(ctx, mk(day1, "daily_rollup")))
	require.NoError(t, repos.Accounting.RecordEvent(ctx, mk(day1.Add(time.Hour), "tick")))
	require.NoError(t, repos.Accounting.RecordEvent(ctx, mk(day2, "daily_rollup")))

	got, err := repos.Accounting.Daily(ctx, day1, day1.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestLoadConfig_UpsertAndList(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	rec := LoadDefRecord{
		Name: "pool_pump", PowerW: 900, PriorityClass: 2,
		MinRuntimeMin: 120, IdealRuntimeMin: 240, MaxRuntimeMin: 360,
		EarliestHour: 9, LatestHour: 17, DaysOfWeek: []int{1, 2, 3, 4, 5},
		PreferSolar: true, AllowSplitShifts: true, Enabled: true,
	}
	require.NoError(t, repos.LoadConfig.Upsert(ctx, rec))

	got, err := repos.LoadConfig.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.Name, got[0].Name)
	require.Equal(t, rec.DaysOfWeek, got[0].DaysOfWeek)
	require.True(t, got[0].PreferSolar)
	require.True(t, got[0].AllowSplitShifts)

	rec.Enabled = false
	require.NoError(t, repos.LoadConfig.Upsert(ctx, rec))
	got, err = repos.LoadConfig.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.False(t, got[0].Enabled)
}

func TestLoadState_SaveLoadAndAll(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	st := loads.RuntimeState{State: loads.StateRunning, RuntimeMinutesToday: 45, LastTransitionAt: now, CurrentShiftStart: now}
	require.NoError(t, repos.LoadState.Save(ctx, "pool_pump", st))

	got, ok, err := repos.LoadState.Load(ctx, "pool_pump")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, loads.StateRunning, got.State)
	require.InDelta(t, 45, got.RuntimeMinutesToday, 1e-9)

	_, ok, err = repos.LoadState.Load(ctx, "nonexistent")
	require.NoError(t, err)
	require.False(t, ok)

	all, err := repos.LoadState.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestOverride_SetActiveAndClear(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	ov := Override{ID: uuid.New(), Mode: int(types.ForceCharge), PowerW: 3000, ExportCapW: -1, SetAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repos.Overrides.Set(ctx, ov))

	got, err := repos.Overrides.Active(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, ov.ID, got.ID)

	expired, err := repos.Overrides.Active(ctx, now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Nil(t, expired)

	require.NoError(t, repos.Overrides.Clear(ctx))
	none, err := repos.Overrides.Active(ctx, now.Add(30*time.Minute))
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestOverride_SetReplacesPrevious(t *testing.T) {
	db := openTestDB(t)
	repos := NewRepositories(db)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	first := Override{ID: uuid.New(), Mode: int(types.ForceCharge), SetAt: now, ExpiresAt: now.Add(time.Hour)}
	second := Override{ID: uuid.New(), Mode: int(types.ForceDischarge), SetAt: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, repos.Overrides.Set(ctx, first))
	require.NoError(t, repos.Overrides.Set(ctx, second))

	got, err := repos.Overrides.Active(ctx, now)
	require.NoError(t, err)
	require.Equal(t, second.ID, got.ID)
}

func TestCheckpoint_RunsWithoutError(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Checkpoint(context.Background()))
}
