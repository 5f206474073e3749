package forecast

import (
	"sync"
	"time"

	"github.com/ryansname/powermaster/internal/providers"
	"github.com/ryansname/powermaster/internal/types"
)

// TTLConfig carries the fresh/hard TTLs and baseline load used when
// building a snapshot.
type TTLConfig struct {
	SolarFreshTTL, SolarHardTTL     time.Duration
	WeatherFreshTTL, WeatherHardTTL time.Duration
	StormFreshTTL, StormHardTTL     time.Duration
	BaselineLoadW                   float64
}

// Aggregator merges solar, weather, and storm-alert feeds into a single
// 48h series of 30-minute slots (spec.md §4.1). Each provider's backing
// store is updated atomically per provider (spec.md §5); Snapshot reads
// a consistent view under a single RWMutex, matching the teacher's
// broadcast-worker pattern of one owner publishing fan-out snapshots.
type Aggregator struct {
	mu sync.RWMutex

	solar             []providers.SolarSample
	solarProducedAt   time.Time
	weather           []providers.WeatherSample
	weatherProducedAt time.Time
	storms            []providers.StormSample
	stormsProducedAt  time.Time

	history *History
	ttl     TTLConfig
}

// New creates an Aggregator with the given TTL configuration.
func New(ttl TTLConfig) *Aggregator {
	return &Aggregator{history: NewHistory(), ttl: ttl}
}

// UpdateSolar replaces the solar sample set atomically.
func (a *Aggregator) UpdateSolar(samples []providers.SolarSample, producedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.solar = samples
	a.solarProducedAt = producedAt
}

// UpdateWeather replaces the weather sample set atomically.
func (a *Aggregator) UpdateWeather(samples []providers.WeatherSample, producedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.weather = samples
	a.weatherProducedAt = producedAt
}

// UpdateStorms replaces the active storm warning set atomically.
func (a *Aggregator) UpdateStorms(samples []providers.StormSample, producedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.storms = samples
	a.stormsProducedAt = producedAt
}

// RecordLoad feeds an observed average load into the rolling history
// used as the load-forecast fallback basis.
func (a *Aggregator) RecordLoad(slotStart time.Time, loadW float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history.Record(slotStart, loadW)
}

// Snapshot builds the 96-slot, 48h forecast series starting at
// floor_half_hour(now). Any provider stale beyond its hard TTL still
// contributes a value (never "absent"), with the field recorded in
// DegradedReasons (spec.md §4.1).
func (a *Aggregator) Snapshot(now time.Time) Snapshot48h {
	a.mu.RLock()
	defer a.mu.RUnlock()

	slots := types.Horizon(now)
	points := make([]Point, len(slots))
	degraded := map[string]bool{}

	solarStale := now.Sub(a.solarProducedAt) > a.ttl.SolarHardTTL
	weatherStale := now.Sub(a.weatherProducedAt) > a.ttl.WeatherHardTTL
	stormStale := now.Sub(a.stormsProducedAt) > a.ttl.StormHardTTL
	if solarStale {
		degraded["solar"] = true
	}
	if weatherStale {
		degraded["weather"] = true
	}
	if stormStale {
		degraded["storm"] = true
	}

	for i, slot := range slots {
		p10, p50, p90 := interpolateSolar(a.solar, slot.Start)
		temp, cloud, wind, rain := interpolateWeather(a.weather, slot.Start)
		stormProb := maxStormProbability(a.storms, slot)

		loadW, ok := a.history.Forecast(slot.Start)
		if !ok {
			loadW = a.ttl.BaselineLoadW
		}

		producedAt := a.solarProducedAt
		if a.weatherProducedAt.Before(producedAt) {
			producedAt = a.weatherProducedAt
		}

		points[i] = Point{
			SlotStart:     slot.Start,
			SolarP10W:     p10,
			SolarP50W:     p50,
			SolarP90W:     p90,
			LoadForecastW: loadW,
			TempC:         temp,
			CloudFrac:     cloud,
			WindMps:       wind,
			RainMm:        rain,
			StormProb:     stormProb,
			ProducedAt:    producedAt,
		}
	}

	return Snapshot48h{Points: points, BuiltAt: now, DegradedReasons: degraded}
}

// interpolateSolar linearly interpolates each percentile in time
// between the bracketing provider samples. Samples are assumed sorted
// by PeriodStart; outside the sample range the nearest endpoint holds.
func interpolateSolar(samples []providers.SolarSample, t time.Time) (p10, p50, p90 float64) {
	if len(samples) == 0 {
		return 0, 0, 0
	}
	if !t.After(samples[0].PeriodStart) {
		s := samples[0]
		return s.P10W, s.P50W, s.P90W
	}
	last := samples[len(samples)-1]
	if !t.Before(last.PeriodStart) {
		return last.P10W, last.P50W, last.P90W
	}
	for i := 0; i < len(samples)-1; i++ {
		a, b := samples[i], samples[i+1]
		if !t.Before(a.PeriodStart) && t.Before(b.PeriodStart) {
			frac := t.Sub(a.PeriodStart).Seconds() / b.PeriodStart.Sub(a.PeriodStart).Seconds()
			return lerp(a.P10W, b.P10W, frac), lerp(a.P50W, b.P50W, frac), lerp(a.P90W, b.P90W, frac)
		}
	}
	return last.P10W, last.P50W, last.P90W
}

func interpolateWeather(samples []providers.WeatherSample, t time.Time) (temp, cloud, wind, rain float64) {
	if len(samples) == 0 {
		return 0, 0, 0, 0
	}
	if !t.After(samples[0].PeriodStart) {
		s := samples[0]
		return s.TempC, s.CloudFrac, s.WindMps, s.RainMm
	}
	last := samples[len(samples)-1]
	if !t.Before(last.PeriodStart) {
		return last.TempC, last.CloudFrac, last.WindMps, last.RainMm
	}
	for i := 0; i < len(samples)-1; i++ {
		a, b := samples[i], samples[i+1]
		if !t.Before(a.PeriodStart) && t.Before(b.PeriodStart) {
			frac := t.Sub(a.PeriodStart).Seconds() / b.PeriodStart.Sub(a.PeriodStart).Seconds()
			return lerp(a.TempC, b.TempC, frac), lerp(a.CloudFrac, b.CloudFrac, frac),
				lerp(a.WindMps, b.WindMps, frac), lerp(a.RainMm, b.RainMm, frac)
		}
	}
	return last.TempC, last.CloudFrac, last.WindMps, last.RainMm
}

func lerp(a, b, frac float64) float64 {
	return a + (b-a)*frac
}

// maxStormProbability takes the maximum probability across every
// active storm warning intersecting the slot (spec.md §4.1), so
// disagreeing warning products resolve to the highest probability.
func maxStormProbability(storms []providers.StormSample, slot types.Slot) float64 {
	var maxProb float64
	for _, s := range storms {
		if s.Start.Before(slot.End()) && s.End.After(slot.Start) {
			if s.Probability > maxProb {
				maxProb = s.Probability
			}
		}
	}
	return maxProb
}
