package forecast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryansname/powermaster/internal/providers"
)

func testTTL() TTLConfig {
	return TTLConfig{
		SolarFreshTTL:   15 * time.Minute,
		SolarHardTTL:    2 * time.Hour,
		WeatherFreshTTL: 30 * time.Minute,
		WeatherHardTTL:  4 * time.Hour,
		StormFreshTTL:   30 * time.Minute,
		StormHardTTL:    6 * time.Hour,
		BaselineLoadW:   400,
	}
}

func TestSnapshot_InterpolatesSolarLinearly(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	agg := New(testTTL())
	agg.UpdateSolar([]providers.SolarSample{
		{PeriodStart: now, P10W: 100, P50W: 200, P90W: 300},
		{PeriodStart: now.Add(30 * time.Minute), P10W: 300, P50W: 400, P90W: 500},
	}, now)

	snap := agg.Snapshot(now)
	p, ok := snap.At(now)
	require.True(t, ok)
	assert.Equal(t, 100.0, p.SolarP10W)
	assert.Equal(t, 200.0, p.SolarP50W)
	assert.Equal(t, 300.0, p.SolarP90W)

	p2, ok := snap.At(now.Add(30 * time.Minute))
	require.True(t, ok)
	assert.Equal(t, 300.0, p2.SolarP10W)
}

func TestSnapshot_DegradesInsteadOfOmitting(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	agg := New(testTTL())
	stale := now.Add(-3 * time.Hour)
	agg.UpdateSolar([]providers.SolarSample{{PeriodStart: now, P10W: 1, P50W: 2, P90W: 3}}, stale)

	snap := agg.Snapshot(now)
	assert.True(t, snap.Degraded())
	assert.True(t, snap.DegradedReasons["solar"])
	// Still returns a value rather than omitting the field.
	p, ok := snap.At(now)
	require.True(t, ok)
	assert.Equal(t, 1.0, p.SolarP10W)
}

func TestSnapshot_LoadForecastFallsBackToBaseline(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	agg := New(testTTL())

	snap := agg.Snapshot(now)
	p, ok := snap.At(now)
	require.True(t, ok)
	assert.Equal(t, 400.0, p.LoadForecastW)
}

func TestSnapshot_LoadForecastUsesHistoryAfterAWeek(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	agg := New(testTTL())

	for i := 0; i < 10; i++ {
		agg.RecordLoad(now.AddDate(0, 0, -7*i), 900)
	}

	snap := agg.Snapshot(now)
	p, ok := snap.At(now)
	require.True(t, ok)
	assert.Equal(t, 900.0, p.LoadForecastW)
}

func TestMaxStormProbability_TakesMaxAcrossOverlappingWarnings(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	agg := New(testTTL())
	agg.UpdateStorms([]providers.StormSample{
		{Start: now, End: now.Add(time.Hour), Probability: 0.4},
		{Start: now, End: now.Add(time.Hour), Probability: 0.7},
	}, now)

	snap := agg.Snapshot(now)
	p, ok := snap.At(now)
	require.True(t, ok)
	assert.Equal(t, 0.7, p.StormProb)
}

func TestPoint_ValidatesPercentileOrdering(t *testing.T) {
	assert.True(t, Point{SolarP10W: 1, SolarP50W: 2, SolarP90W: 3}.Validate())
	assert.False(t, Point{SolarP10W: 5, SolarP50W: 2, SolarP90W: 3}.Validate())
}
