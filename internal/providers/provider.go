// Package providers defines the typed result contract external solar,
// weather, storm, and tariff feeds are expected to satisfy, and the
// polling scaffolding that keeps each feed's backing store fresh.
//
// Concrete HTTP/FTP clients are external collaborators (spec.md §1);
// this package only defines what they must hand back: a typed sample
// plus produced_at, or a Degraded/Err result the aggregator can still
// use (spec.md §9, "Exceptions for control flow in providers").
package providers

import "time"

// Status classifies a provider fetch result without raising an error
// up through normal control flow.
type Status int

const (
	StatusOK Status = iota
	StatusDegraded
	StatusErr
)

// Result wraps a single provider sample with its freshness metadata.
type Result[T any] struct {
	Status     Status
	Sample     T
	ProducedAt time.Time
	Reason     string // populated when Status != StatusOK
}

// SolarSample holds the three percentile forecasts for one provider
// period, matching the teacher's governor.ForecastPeriod shape.
type SolarSample struct {
	PeriodStart time.Time
	P10W        float64
	P50W        float64
	P90W        float64
}

// WeatherSample holds one provider period's weather variables.
type WeatherSample struct {
	PeriodStart time.Time
	TempC       float64
	CloudFrac   float64
	WindMps     float64
	RainMm      float64
}

// StormSample holds one active storm warning's probability over an
// interval; multiple warnings may be active and overlapping.
type StormSample struct {
	Start       time.Time
	End         time.Time
	Probability float64
}

// TariffSample holds one provider period's import/export price.
type TariffSample struct {
	PeriodStart time.Time
	ImportC     float64
	ExportC     float64
}

// Poller fetches Result[T] on demand; a background task calls Fetch on
// its own period (5-30 min per spec.md §5) and hands the result to a
// Store.
type Poller[T any] interface {
	Fetch() (Result[T], error)
}

// Health summarizes a single provider's recent fetch history for the
// resilience manager and the dashboard's /api/providers/status.
type Health struct {
	Healthy             bool
	Configured          bool
	DataAgeSeconds      float64
	ConsecutiveFailures int
	LastError           string
}
