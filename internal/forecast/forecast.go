package forecast

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"time"

	"github.com/ryansname/powermaster/internal/types"
)

// Point is the Forecast Point of spec.md §3. Invariant: P10W <= P50W <=
// P90W, all >= 0; Validate enforces this.
type Point struct {
	SlotStart     time.Time
	SolarP10W     float64
	SolarP50W     float64
	SolarP90W     float64
	LoadForecastW float64
	TempC         float64
	CloudFrac     float64
	WindMps       float64
	RainMm        float64
	StormProb     float64
	ProducedAt    time.Time
}

// Fresh reports whether the point was produced within ttl of now.
func (p Point) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(p.ProducedAt) <= ttl
}

// Validate checks the percentile ordering invariant.
func (p Point) Validate() bool {
	return p.SolarP10W >= 0 && p.SolarP10W <= p.SolarP50W && p.SolarP50W <= p.SolarP90W
}

// SolarForPercentile selects the configured percentile, used by the
// planner to shrink available solar to P10 when the input is stale
// (spec.md §4.1).
func (p Point) SolarForPercentile(percentile string) float64 {
	switch percentile {
	case "p90":
		return p.SolarP90W
	case "p10":
		return p.SolarP10W
	default:
		return p.SolarP50W
	}
}

// Snapshot48h is the 48h x 30min series the aggregator hands to
// downstream readers, with staleness metadata attached.
type Snapshot48h struct {
	Points          []Point
	BuiltAt         time.Time
	DegradedReasons map[string]bool
}

// Degraded reports whether any input was stale beyond its hard TTL.
func (s Snapshot48h) Degraded() bool {
	return len(s.DegradedReasons) > 0
}

// At returns the point covering t, if any.
func (s Snapshot48h) At(t time.Time) (Point, bool) {
	slot := types.FloorToSlot(t)
	for _, p := range s.Points {
		if p.SlotStart.Equal(slot) {
			return p, true
		}
	}
	return Point{}, false
}

// Hash is a stable content hash over the slot-ordered point series,
// used by the Rebuild Evaluator to detect forecast drift (spec.md
// §4.4) and by the planner for plan determinism (spec.md §4.3).
func (s Snapshot48h) Hash() string {
	h := sha256.New()
	var buf [8]byte
	writeFloat := func(f float64) {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(f))
		h.Write(buf[:])
	}
	for _, p := range s.Points {
		writeFloat(p.SolarP10W)
		writeFloat(p.SolarP50W)
		writeFloat(p.SolarP90W)
		writeFloat(p.LoadForecastW)
		writeFloat(p.StormProb)
	}
	return hex.EncodeToString(h.Sum(nil))
}
