package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/powermaster/internal/config"
	"github.com/ryansname/powermaster/internal/inverter"
	"github.com/ryansname/powermaster/internal/storage"
	"github.com/ryansname/powermaster/internal/tariff"
)

func testDoc() *config.Document {
	return &config.Document{
		Battery: config.Battery{
			CapacityKWh: 13.5, SOCMinHard: 0.05, SOCMinSoft: 0.15, SOCMax: 0.97,
			MaxChargeW: 5000, MaxDischargeW: 5000, SOCFloorChargeW: 1000, RoundTripEfficiency: 0.9,
		},
		Arbitrage: config.Arbitrage{SpikeThresholdC: 80, OpportunisticMinSOC: 0.5, OpportunisticW: 3000},
		Storm:     config.Storm{ProbabilityThreshold: 0.6, HorizonHours: 12, ReserveSOC: 0.8, ChargeW: 4000},
		Planning:  config.Planning{SolarPercentile: "p50", SolverWallTimeout: 5 * time.Second},
		Loads: []config.LoadDef{
			{Name: "evcharger", PowerW: 2000, MinRuntimeMin: 30, IdealRuntimeMin: 60, MaxRuntimeMin: 240, EarliestHour: 0, LatestHour: 24, Enabled: true},
		},
	}
}

func TestParameterVariants_IncludesBaselineAndTwoWhatIfs(t *testing.T) {
	doc := testDoc()
	variants := parameterVariants(doc)
	require.Len(t, variants, 3)
	assert.Equal(t, "configured", variants[0].name)
	assert.Equal(t, doc.Arbitrage.SpikeThresholdC, variants[0].weights.SpikeThresholdC)
	assert.Equal(t, doc.Arbitrage.SpikeThresholdC*0.5, variants[1].weights.SpikeThresholdC)
	assert.Equal(t, 0.95, variants[2].weights.StormReserveSOC)
}

func TestBuildReplayProblem_FillsSlotsFromPersistedHistory(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repos := storage.NewRepositories(db)

	doc := testDoc()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	from := now.Add(-2 * time.Hour)
	ctx := context.Background()

	require.NoError(t, repos.Telemetry.Record(ctx, inverter.Telemetry{
		SOC: 0.6, SolarW: 1500, LoadW: 700, ReadAt: from,
	}))
	require.NoError(t, repos.Prices.Record(ctx, tariff.RawPoint{
		SlotStart: from, ImportC: 30, ExportC: 8,
	}))

	problem, err := buildReplayProblem(ctx, repos, doc, from, now)
	require.NoError(t, err)
	assert.Len(t, problem.Slots, 96)
	assert.Equal(t, 0.6, problem.SOC0)
	assert.Equal(t, doc.Battery.CapacityKWh, problem.Battery.CapacityKWh)
	assert.Len(t, problem.Loads, 1)
}

func TestBuildReplayProblem_EmptyHistoryStillProducesAFullHorizon(t *testing.T) {
	db, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repos := storage.NewRepositories(db)

	doc := testDoc()
	now := time.Now()
	problem, err := buildReplayProblem(context.Background(), repos, doc, now.Add(-time.Hour), now)
	require.NoError(t, err)
	assert.Len(t, problem.Slots, 96)
	assert.Equal(t, doc.Battery.SOCMax/2, problem.SOC0)
}
