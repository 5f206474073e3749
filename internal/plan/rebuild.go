package plan

import "time"

// RebuildConfig carries the thresholds from spec.md §4.4.
type RebuildConfig struct {
	MaxAge            time.Duration
	SOCDriftThreshold float64
	RetryBackoff      time.Duration
}

// DefaultRebuildConfig matches the defaults named in spec.md §4.4.
func DefaultRebuildConfig() RebuildConfig {
	return RebuildConfig{
		MaxAge:            30 * time.Minute,
		SOCDriftThreshold: 0.10,
		RetryBackoff:      2 * time.Minute,
	}
}

// RebuildInputs carries the live signals the Rebuild Evaluator compares
// against the active plan.
type RebuildInputs struct {
	Now               time.Time
	CurrentSOC        float64
	LatestForecastHash string
	LatestTariffHash  string
	OverrideJustExpired bool
	LastStatus        Status
	LastAttemptAt     time.Time
}

// Needed implements the Rebuild Evaluator of spec.md §4.4: it returns
// true iff any one of the six conditions holds. plan may be nil, which
// always triggers a rebuild (no active plan yet).
func Needed(in RebuildInputs, cfg RebuildConfig, active *Plan) bool {
	if active == nil {
		return true
	}
	if !in.Now.Before(active.BuiltAt.Add(cfg.MaxAge)) {
		return true
	}
	drift := in.CurrentSOC - active.ExpectedSOCAt(in.Now)
	if drift < 0 {
		drift = -drift
	}
	if drift > cfg.SOCDriftThreshold {
		return true
	}
	if in.LatestForecastHash != active.ForecastHash {
		return true
	}
	if in.LatestTariffHash != active.TariffHash {
		return true
	}
	if in.OverrideJustExpired {
		return true
	}
	if in.LastStatus != StatusOptimal && in.LastStatus != StatusFeasible &&
		!in.LastAttemptAt.IsZero() && !in.Now.Before(in.LastAttemptAt.Add(cfg.RetryBackoff)) {
		return true
	}
	return false
}
