package forecast

import (
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"
)

// weekdaySlot is a (weekday, half-hour-of-day) bucket key.
type weekdaySlot struct {
	weekday time.Weekday
	halfHour int // 0..47
}

// History accumulates a rolling 4-week sample of recorded load per
// (weekday, half-hour) bucket, used as the Forecast Aggregator's load
// forecast (spec.md §4.1), recovered from original_source's history
// module (see SPEC_FULL.md §4).
type History struct {
	samples map[weekdaySlot][]float64
	maxSamplesPerBucket int
}

// NewHistory creates a History retaining up to 4 weeks (28 samples) per
// bucket, one sample per bucket per day.
func NewHistory() *History {
	return &History{
		samples:             make(map[weekdaySlot][]float64),
		maxSamplesPerBucket: 28,
	}
}

func bucketFor(slotStart time.Time) weekdaySlot {
	local := slotStart.Local()
	halfHour := local.Hour()*2 + local.Minute()/30
	return weekdaySlot{weekday: local.Weekday(), halfHour: halfHour}
}

// Record appends an observed average load (W) for the slot starting at
// slotStart, evicting the oldest sample once a bucket exceeds 4 weeks.
func (h *History) Record(slotStart time.Time, loadW float64) {
	key := bucketFor(slotStart)
	samples := h.samples[key]
	samples = append(samples, loadW)
	if len(samples) > h.maxSamplesPerBucket {
		samples = samples[len(samples)-h.maxSamplesPerBucket:]
	}
	h.samples[key] = samples
}

// SampleCount returns how many samples are held in slotStart's
// (weekday, half-hour) bucket.
func (h *History) SampleCount(slotStart time.Time) int {
	key := bucketFor(slotStart)
	return len(h.samples[key])
}

// Forecast returns the rolling median load for the slot, or
// (0, false) if fewer than 7 days of history exist for that bucket —
// callers fall back to a baseline constant in that case (spec.md §4.1).
func (h *History) Forecast(slotStart time.Time) (float64, bool) {
	key := bucketFor(slotStart)
	samples := h.samples[key]
	if len(samples) < 7 {
		return 0, false
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return stat.Quantile(0.5, stat.Empirical, sorted, nil), true
}
