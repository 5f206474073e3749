// Package storage implements the Persistence boundary of spec.md §6:
// a repository per domain object, backed by a single SQLite database
// in WAL mode (grounded on the teacher pack's trader-go database
// layer, which opens mattn/go-sqlite3 with journal_mode=WAL).
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ryansname/powermaster/internal/accounting"
	"github.com/ryansname/powermaster/internal/inverter"
	"github.com/ryansname/powermaster/internal/loads"
	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/tariff"
)

// TelemetryRepo persists inverter telemetry samples.
type TelemetryRepo interface {
	Record(ctx context.Context, t inverter.Telemetry) error
	Query(ctx context.Context, from, to time.Time) ([]inverter.Telemetry, error)
}

// PriceRepo persists tariff points.
type PriceRepo interface {
	Record(ctx context.Context, p tariff.RawPoint) error
	Query(ctx context.Context, from, to time.Time) ([]tariff.RawPoint, error)
}

// PlanRepo persists plans built by the MILP Planner.
type PlanRepo interface {
	Save(ctx context.Context, p *plan.Plan) error
	GetLatest(ctx context.Context) (*plan.Plan, error)
	GetActiveFor(ctx context.Context, at time.Time) (*plan.Plan, error)
}

// AccountingEvent is one recorded accounting-relevant occurrence
// (a tick's Apply, a rollover, a planner fallback), stored for audit
// and for the dashboard's daily summaries.
type AccountingEvent struct {
	ID         uuid.UUID
	At         time.Time
	Kind       string
	Cycle      accounting.Cycle
	StoredKWh  float64
	WACBCents  float64
}

// AccountingRepo persists accounting events and cycle rollups.
type AccountingRepo interface {
	RecordEvent(ctx context.Context, e AccountingEvent) error
	CurrentCycle(ctx context.Context) (accounting.Cycle, error)
	Daily(ctx context.Context, from, to time.Time) ([]accounting.Cycle, error)
}

// LoadConfigRepo persists the configured load definitions, letting the
// dashboard edit them without a config file round trip.
type LoadConfigRepo interface {
	List(ctx context.Context) ([]LoadDefRecord, error)
	Upsert(ctx context.Context, def LoadDefRecord) error
}

// LoadDefRecord is a storage-layer Load Definition row.
type LoadDefRecord struct {
	Name             string
	PowerW           float64
	PriorityClass    int
	MinRuntimeMin    int
	IdealRuntimeMin  int
	MaxRuntimeMin    int
	EarliestHour     int
	LatestHour       int
	DaysOfWeek       []int
	PreferSolar      bool
	AllowSplitShifts bool
	Enabled          bool
}

// LoadStateRepo persists per-device Load Runtime State so it survives
// a restart without losing today's accumulated runtime.
type LoadStateRepo interface {
	Save(ctx context.Context, name string, st loads.RuntimeState) error
	Load(ctx context.Context, name string) (loads.RuntimeState, bool, error)
	All(ctx context.Context) (map[string]loads.RuntimeState, error)
}

// Override is a stored user override, spec.md §3.
type Override struct {
	ID        uuid.UUID
	Mode      int
	PowerW    float64
	ExportCapW float64
	SetAt     time.Time
	ExpiresAt time.Time
}

// OverrideRepo persists the currently active override, if any.
type OverrideRepo interface {
	Set(ctx context.Context, o Override) error
	Active(ctx context.Context, now time.Time) (*Override, error)
	Clear(ctx context.Context) error
}
