package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHealthOf_HealthyWithNoFailures(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Configure("solar")
	assert.Equal(t, Healthy, tr.HealthOf("solar"))
}

func TestHealthOf_DegradedBeforeThreshold(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()
	tr.RecordFailure("tariff", now, "timeout")
	assert.Equal(t, Degraded, tr.HealthOf("tariff"))
}

func TestHealthOf_UnhealthyAtThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecutiveFailuresUnhealthy = 3
	tr := NewTracker(cfg)
	now := time.Now()
	for i := 0; i < 3; i++ {
		tr.RecordFailure("inverter", now, "timeout")
	}
	assert.Equal(t, Unhealthy, tr.HealthOf("inverter"))
}

func TestRecordSuccess_ResetsFailureStreak(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()
	tr.RecordFailure("weather", now, "err")
	tr.RecordFailure("weather", now, "err")
	tr.RecordSuccess("weather", now)
	assert.Equal(t, Healthy, tr.HealthOf("weather"))
}

func TestRecordFailure_BackoffNeverExceedsMax(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	now := time.Now()
	for i := 0; i < 20; i++ {
		tr.RecordFailure("storm", now, "err")
	}
	retryAt := tr.NextRetryAt("storm")
	assert.LessOrEqual(t, retryAt.Sub(now), DefaultConfig().BackoffMax)
}

func TestAnyUnhealthy_TrueWhenOneSourceUnhealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ConsecutiveFailuresUnhealthy = 2
	tr := NewTracker(cfg)
	now := time.Now()
	tr.RecordFailure("inverter", now, "fault")
	tr.RecordFailure("inverter", now, "fault")
	assert.True(t, tr.AnyUnhealthy(now, "solar", "inverter"))
}

func TestAllStatuses_SortedByName(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	tr.Configure("weather")
	tr.Configure("solar")
	tr.Configure("storm")

	statuses := tr.AllStatuses(time.Now())
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = s.Source
	}
	assert.Equal(t, []string{"solar", "storm", "weather"}, names)
}

func TestStatusOf_ReportsConfiguredAndDataAge(t *testing.T) {
	tr := NewTracker(DefaultConfig())
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tr.Configure("tariff")
	tr.RecordSuccess("tariff", start)

	status := tr.StatusOf("tariff", start.Add(90*time.Second))
	assert.True(t, status.Configured)
	assert.InDelta(t, 90.0, status.DataAgeSeconds, 0.001)
}
