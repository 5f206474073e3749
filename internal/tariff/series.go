// Package tariff exposes the Tariff Series of spec.md §4.2: a rolling
// 48h history plus >=24h forecast of import/export prices, with spike
// entry/exit hysteresis.
package tariff

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"sort"
	"sync"
	"time"
)

// Point is the Tariff Point of spec.md §3. ImportC may be negative.
type Point struct {
	SlotStart time.Time
	ImportC   float64
	ExportC   float64
	SpikeFlag bool
}

// Series stores tariff points keyed by slot start and applies spike
// hysteresis across the chronological sequence each time new points are
// ingested (spec.md §4.2): once active, a spike stays active until
// import_c falls below 0.9 x threshold for at least one slot.
type Series struct {
	mu              sync.RWMutex
	points          map[time.Time]Point
	spikeThresholdC float64
}

// New creates an empty Series for the given spike threshold.
func New(spikeThresholdC float64) *Series {
	return &Series{points: make(map[time.Time]Point), spikeThresholdC: spikeThresholdC}
}

// Update ingests raw (slot_start, import_c, export_c) samples, recomputes
// spike flags in chronological order over every stored point (existing
// and new), and stores the result. Points more than 48h older than the
// earliest new sample are pruned; later points are kept.
func (s *Series) Update(raw []RawPoint) {
	if len(raw) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range raw {
		existing, had := s.points[r.SlotStart]
		p := Point{SlotStart: r.SlotStart, ImportC: r.ImportC, ExportC: r.ExportC}
		if had {
			p.SpikeFlag = existing.SpikeFlag
		}
		s.points[r.SlotStart] = p
	}

	s.recomputeSpikeFlags()
	s.prune(raw)
}

// RawPoint is an un-flagged tariff sample from a provider.
type RawPoint struct {
	SlotStart time.Time
	ImportC   float64
	ExportC   float64
}

func (s *Series) recomputeSpikeFlags() {
	ordered := make([]time.Time, 0, len(s.points))
	for t := range s.points {
		ordered = append(ordered, t)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Before(ordered[j]) })

	active := false
	for _, t := range ordered {
		p := s.points[t]
		if !active {
			active = p.ImportC >= s.spikeThresholdC
		} else if p.ImportC < 0.9*s.spikeThresholdC {
			active = false
		}
		p.SpikeFlag = active
		s.points[t] = p
	}
}

func (s *Series) prune(raw []RawPoint) {
	if len(raw) == 0 {
		return
	}
	earliest := raw[0].SlotStart
	for _, r := range raw {
		if r.SlotStart.Before(earliest) {
			earliest = r.SlotStart
		}
	}
	cutoff := earliest.Add(-48 * time.Hour)
	for t := range s.points {
		if t.Before(cutoff) {
			delete(s.points, t)
		}
	}
}

// Get returns the tariff point for slot, or ok=false if not available.
func (s *Series) Get(slot time.Time) (Point, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.points[slot]
	return p, ok
}

// Range returns all points with SlotStart in [from, to), ordered.
func (s *Series) Range(from, to time.Time) []Point {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Point, 0, len(s.points))
	for t, p := range s.points {
		if !t.Before(from) && t.Before(to) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotStart.Before(out[j].SlotStart) })
	return out
}

// Hash is a stable content hash over the chronological point series in
// [from, to), used by the Rebuild Evaluator and planner determinism.
func (s *Series) Hash(from, to time.Time) string {
	pts := s.Range(from, to)
	h := sha256.New()
	var buf [8]byte
	for _, p := range pts {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(p.ImportC))
		h.Write(buf[:])
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(p.ExportC))
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil))
}
