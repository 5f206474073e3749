package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ryansname/powermaster/internal/accounting"
	"github.com/ryansname/powermaster/internal/inverter"
	"github.com/ryansname/powermaster/internal/loads"
	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/tariff"
	"github.com/ryansname/powermaster/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS telemetry (
	read_at INTEGER PRIMARY KEY,
	soc REAL, solar_w REAL, load_w REAL, grid_w REAL, battery_w REAL,
	mode INTEGER, fault_flags TEXT
);
CREATE TABLE IF NOT EXISTS prices (
	slot_start INTEGER PRIMARY KEY,
	import_c REAL, export_c REAL
);
CREATE TABLE IF NOT EXISTS plans (
	id TEXT PRIMARY KEY,
	built_at INTEGER, horizon_end INTEGER,
	forecast_hash TEXT, tariff_hash TEXT,
	battery_soc_at_build REAL, objective_cents REAL, status INTEGER,
	slots_json TEXT
);
CREATE TABLE IF NOT EXISTS accounting_events (
	id TEXT PRIMARY KEY,
	at INTEGER, kind TEXT,
	import_c TEXT, export_c TEXT, self_consumption_c TEXT, arbitrage_c TEXT,
	imported_kwh TEXT, exported_kwh TEXT,
	stored_kwh REAL, wacb_cents REAL
);
CREATE TABLE IF NOT EXISTS load_configs (
	name TEXT PRIMARY KEY,
	power_w REAL, priority_class INTEGER,
	min_runtime_min INTEGER, ideal_runtime_min INTEGER, max_runtime_min INTEGER,
	earliest_h INTEGER, latest_h INTEGER, days_of_week TEXT,
	prefer_solar INTEGER, allow_split_shifts INTEGER, enabled INTEGER
);
CREATE TABLE IF NOT EXISTS load_states (
	name TEXT PRIMARY KEY,
	state INTEGER, runtime_minutes_today REAL,
	last_transition_at INTEGER, current_shift_start INTEGER
);
CREATE TABLE IF NOT EXISTS overrides (
	id TEXT PRIMARY KEY,
	mode INTEGER, power_w REAL, export_cap_w REAL,
	set_at INTEGER, expires_at INTEGER
);
`

// DB wraps the shared *sql.DB handle and implements every repository
// interface in repository.go, matching the single-writer/many-reader
// WAL policy of spec.md §5.
type DB struct {
	conn *sql.DB
}

// Open creates the database directory if needed, opens it in WAL mode
// with foreign keys on, and applies the schema.
func Open(dbPath string) (*DB, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", dbPath, err)
	}
	conn.SetMaxOpenConns(1) // single-writer/many-reader per spec.md §5; sqlite3 serializes anyway

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping %s: %w", dbPath, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// IntegrityCheck runs SQLite's PRAGMA integrity_check, spec.md §7's
// startup corruption check.
func (d *DB) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := d.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("storage: integrity check query: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("storage: integrity check failed: %s", result)
	}
	return nil
}

// Checkpoint runs a WAL checkpoint, called on spec.md §5's 30-minute
// cadence and during the shutdown sequence.
func (d *DB) Checkpoint(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.conn.Close() }

// --- TelemetryRepo ---

func (d *DB) Record(ctx context.Context, t inverter.Telemetry) error {
	flags, _ := json.Marshal(t.FaultFlags)
	_, err := d.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO telemetry (read_at, soc, solar_w, load_w, grid_w, battery_w, mode, fault_flags)
		 VALUES (?,?,?,?,?,?,?,?)`,
		t.ReadAt.UnixMilli(), t.SOC, t.SolarW, t.LoadW, t.GridW, t.BatteryW, int(t.Mode), string(flags))
	return err
}

func (d *DB) Query(ctx context.Context, from, to time.Time) ([]inverter.Telemetry, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT read_at, soc, solar_w, load_w, grid_w, battery_w, mode, fault_flags
		 FROM telemetry WHERE read_at >= ? AND read_at < ? ORDER BY read_at`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []inverter.Telemetry{}
	for rows.Next() {
		var readAt int64
		var t inverter.Telemetry
		var mode int
		var flagsJSON string
		if err := rows.Scan(&readAt, &t.SOC, &t.SolarW, &t.LoadW, &t.GridW, &t.BatteryW, &mode, &flagsJSON); err != nil {
			return nil, err
		}
		t.ReadAt = time.UnixMilli(readAt)
		t.Mode = types.Mode(mode)
		_ = json.Unmarshal([]byte(flagsJSON), &t.FaultFlags)
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- PriceRepo ---

func (d *DB) RecordPrice(ctx context.Context, p tariff.RawPoint) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO prices (slot_start, import_c, export_c) VALUES (?,?,?)`,
		p.SlotStart.Unix(), p.ImportC, p.ExportC)
	return err
}

func (d *DB) QueryPrices(ctx context.Context, from, to time.Time) ([]tariff.RawPoint, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT slot_start, import_c, export_c FROM prices WHERE slot_start >= ? AND slot_start < ? ORDER BY slot_start`,
		from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tariff.RawPoint
	for rows.Next() {
		var slotStart int64
		var p tariff.RawPoint
		if err := rows.Scan(&slotStart, &p.ImportC, &p.ExportC); err != nil {
			return nil, err
		}
		p.SlotStart = time.Unix(slotStart, 0).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- PlanRepo ---

func (d *DB) SavePlan(ctx context.Context, p *plan.Plan) error {
	slotsJSON, err := json.Marshal(p.Slots)
	if err != nil {
		return fmt.Errorf("storage: encode plan slots: %w", err)
	}
	_, err = d.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO plans (id, built_at, horizon_end, forecast_hash, tariff_hash, battery_soc_at_build, objective_cents, status, slots_json)
		 VALUES (?,?,?,?,?,?,?,?,?)`,
		p.ID.String(), p.BuiltAt.UnixMilli(), p.HorizonEnd.UnixMilli(), p.ForecastHash, p.TariffHash,
		p.BatterySOCAtBuild, p.ObjectiveCents, int(p.Status), string(slotsJSON))
	return err
}

func (d *DB) GetLatestPlan(ctx context.Context) (*plan.Plan, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, built_at, horizon_end, forecast_hash, tariff_hash, battery_soc_at_build, objective_cents, status, slots_json
		 FROM plans ORDER BY built_at DESC LIMIT 1`)
	return scanPlan(row)
}

func (d *DB) GetActivePlanFor(ctx context.Context, at time.Time) (*plan.Plan, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT id, built_at, horizon_end, forecast_hash, tariff_hash, battery_soc_at_build, objective_cents, status, slots_json
		 FROM plans WHERE built_at <= ? AND horizon_end > ? ORDER BY built_at DESC LIMIT 1`,
		at.UnixMilli(), at.UnixMilli())
	return scanPlan(row)
}

func scanPlan(row *sql.Row) (*plan.Plan, error) {
	var (
		idStr                string
		builtAt, horizonEnd   int64
		forecastHash, tariffHash string
		socAtBuild, objective float64
		status                int
		slotsJSON             string
	)
	if err := row.Scan(&idStr, &builtAt, &horizonEnd, &forecastHash, &tariffHash, &socAtBuild, &objective, &status, &slotsJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var slots []plan.Slot
	if err := json.Unmarshal([]byte(slotsJSON), &slots); err != nil {
		return nil, fmt.Errorf("storage: decode plan slots: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("storage: decode plan id: %w", err)
	}
	return &plan.Plan{
		ID: id, BuiltAt: time.UnixMilli(builtAt), HorizonEnd: time.UnixMilli(horizonEnd),
		ForecastHash: forecastHash, TariffHash: tariffHash,
		BatterySOCAtBuild: socAtBuild, ObjectiveCents: objective,
		Status: plan.Status(status), Slots: slots,
	}, nil
}

// --- AccountingRepo ---

func (d *DB) RecordEvent(ctx context.Context, e AccountingEvent) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO accounting_events
		 (id, at, kind, import_c, export_c, self_consumption_c, arbitrage_c, imported_kwh, exported_kwh, stored_kwh, wacb_cents)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID.String(), e.At.UnixMilli(), e.Kind,
		e.Cycle.ImportC.String(), e.Cycle.ExportC.String(), e.Cycle.SelfConsumptionC.String(), e.Cycle.ArbitrageC.String(),
		e.Cycle.ImportedKWh.String(), e.Cycle.ExportedKWh.String(), e.StoredKWh, e.WACBCents)
	return err
}

func (d *DB) CurrentCycle(ctx context.Context) (accounting.Cycle, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT import_c, export_c, self_consumption_c, arbitrage_c, imported_kwh, exported_kwh, at
		 FROM accounting_events ORDER BY at DESC LIMIT 1`)
	var importC, exportC, selfC, arbC, impKWh, expKWh string
	var at int64
	if err := row.Scan(&importC, &exportC, &selfC, &arbC, &impKWh, &expKWh, &at); err != nil {
		if err == sql.ErrNoRows {
			return accounting.Cycle{}, nil
		}
		return accounting.Cycle{}, err
	}
	return decodeCycle(importC, exportC, selfC, arbC, impKWh, expKWh, at)
}

func (d *DB) Daily(ctx context.Context, from, to time.Time) ([]accounting.Cycle, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT import_c, export_c, self_consumption_c, arbitrage_c, imported_kwh, exported_kwh, at
		 FROM accounting_events WHERE at >= ? AND at < ? AND kind = 'daily_rollup' ORDER BY at`,
		from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accounting.Cycle
	for rows.Next() {
		var importC, exportC, selfC, arbC, impKWh, expKWh string
		var at int64
		if err := rows.Scan(&importC, &exportC, &selfC, &arbC, &impKWh, &expKWh, &at); err != nil {
			return nil, err
		}
		c, err := decodeCycle(importC, exportC, selfC, arbC, impKWh, expKWh, at)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeCycle(importC, exportC, selfC, arbC, impKWh, expKWh string, at int64) (accounting.Cycle, error) {
	parse := func(s string) (v float64, err error) { _, err = fmt.Sscan(s, &v); return }
	var c accounting.Cycle
	c.StartAt = time.UnixMilli(at)
	vals := make([]float64, 6)
	for i, s := range []string{importC, exportC, selfC, arbC, impKWh, expKWh} {
		v, err := parse(s)
		if err != nil {
			return accounting.Cycle{}, fmt.Errorf("storage: decode cycle field %d: %w", i, err)
		}
		vals[i] = v
	}
	c.ImportC = decimalFromFloat(vals[0])
	c.ExportC = decimalFromFloat(vals[1])
	c.SelfConsumptionC = decimalFromFloat(vals[2])
	c.ArbitrageC = decimalFromFloat(vals[3])
	c.ImportedKWh = decimalFromFloat(vals[4])
	c.ExportedKWh = decimalFromFloat(vals[5])
	return c, nil
}

// --- LoadConfigRepo ---

func (d *DB) ListLoadConfigs(ctx context.Context) ([]LoadDefRecord, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT name, power_w, priority_class, min_runtime_min, ideal_runtime_min, max_runtime_min,
		        earliest_h, latest_h, days_of_week, prefer_solar, allow_split_shifts, enabled
		 FROM load_configs ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoadDefRecord
	for rows.Next() {
		var r LoadDefRecord
		var daysCSV string
		var preferSolar, allowSplit, enabled int
		if err := rows.Scan(&r.Name, &r.PowerW, &r.PriorityClass, &r.MinRuntimeMin, &r.IdealRuntimeMin,
			&r.MaxRuntimeMin, &r.EarliestHour, &r.LatestHour, &daysCSV, &preferSolar, &allowSplit, &enabled); err != nil {
			return nil, err
		}
		r.DaysOfWeek = parseCSVInts(daysCSV)
		r.PreferSolar = preferSolar != 0
		r.AllowSplitShifts = allowSplit != 0
		r.Enabled = enabled != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (d *DB) UpsertLoadConfig(ctx context.Context, r LoadDefRecord) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO load_configs
		 (name, power_w, priority_class, min_runtime_min, ideal_runtime_min, max_runtime_min,
		  earliest_h, latest_h, days_of_week, prefer_solar, allow_split_shifts, enabled)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Name, r.PowerW, r.PriorityClass, r.MinRuntimeMin, r.IdealRuntimeMin, r.MaxRuntimeMin,
		r.EarliestHour, r.LatestHour, joinCSVInts(r.DaysOfWeek), boolToInt(r.PreferSolar), boolToInt(r.AllowSplitShifts), boolToInt(r.Enabled))
	return err
}

// --- LoadStateRepo ---

func (d *DB) SaveLoadState(ctx context.Context, name string, st loads.RuntimeState) error {
	_, err := d.conn.ExecContext(ctx,
		`INSERT OR REPLACE INTO load_states (name, state, runtime_minutes_today, last_transition_at, current_shift_start)
		 VALUES (?,?,?,?,?)`,
		name, int(st.State), st.RuntimeMinutesToday, st.LastTransitionAt.UnixMilli(), st.CurrentShiftStart.UnixMilli())
	return err
}

func (d *DB) LoadLoadState(ctx context.Context, name string) (loads.RuntimeState, bool, error) {
	row := d.conn.QueryRowContext(ctx,
		`SELECT state, runtime_minutes_today, last_transition_at, current_shift_start FROM load_states WHERE name = ?`, name)
	var state int
	var st loads.RuntimeState
	var lastTransition, shiftStart int64
	if err := row.Scan(&state, &st.RuntimeMinutesToday, &lastTransition, &shiftStart); err != nil {
		if err == sql.ErrNoRows {
			return loads.RuntimeState{}, false, nil
		}
		return loads.RuntimeState{}, false, err
	}
	st.State = loads.State(state)
	st.LastTransitionAt = time.UnixMilli(lastTransition)
	st.CurrentShiftStart = time.UnixMilli(shiftStart)
	return st, true, nil
}

func (d *DB) AllLoadStates(ctx context.Context) (map[string]loads.RuntimeState, error) {
	rows, err := d.conn.QueryContext(ctx,
		`SELECT name, state, runtime_minutes_today, last_transition_at, current_shift_start FROM load_states`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]loads.RuntimeState)
	for rows.Next() {
		var name string
		var state int
		var st loads.RuntimeState
		var lastTransition, shiftStart int64
		if err := rows.Scan(&name, &state, &st.RuntimeMinutesToday, &lastTransition, &shiftStart); err != nil {
			return nil, err
		}
		st.State = loads.State(state)
		st.LastTransitionAt = time.UnixMilli(lastTransition)
		st.CurrentShiftStart = time.UnixMilli(shiftStart)
		out[name] = st
	}
	return out, rows.Err()
}

// --- OverrideRepo ---

func (d *DB) SetOverride(ctx context.Context, o Override) error {
	if _, err := d.conn.ExecContext(ctx, `DELETE FROM overrides`); err != nil {
		return err
	}
	_, err := d.conn.ExecContext(ctx,
		`INSERT INTO overrides (id, mode, power_w, export_cap_w, set_at, expires_at) VALUES (?,?,?,?,?,?)`,
		o.ID.String(), o.Mode, o.PowerW, o.ExportCapW, o.SetAt.UnixMilli(), o.ExpiresAt.UnixMilli())
	return err
}

func (d *DB) ActiveOverride(ctx context.Context, now time.Time) (*Override, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT id, mode, power_w, export_cap_w, set_at, expires_at FROM overrides LIMIT 1`)
	var idStr string
	var o Override
	var setAt, expiresAt int64
	if err := row.Scan(&idStr, &o.Mode, &o.PowerW, &o.ExportCapW, &setAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	o.ID = id
	o.SetAt = time.UnixMilli(setAt)
	o.ExpiresAt = time.UnixMilli(expiresAt)
	if now.After(o.ExpiresAt) {
		return nil, nil
	}
	return &o, nil
}

func (d *DB) ClearOverride(ctx context.Context) error {
	_, err := d.conn.ExecContext(ctx, `DELETE FROM overrides`)
	return err
}

func parseCSVInts(csv string) []int {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		var v int
		if _, err := fmt.Sscan(p, &v); err == nil {
			out = append(out, v)
		}
	}
	return out
}

func joinCSVInts(vals []int) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return strings.Join(parts, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ TelemetryRepo = (*telemetryAdapter)(nil)

// telemetryAdapter exists purely so DB's method set (which is shared
// across every repository for a single-database deployment) can be
// asserted against each narrow interface individually in tests.
type telemetryAdapter struct{ *DB }

var _ PriceRepo = (*priceAdapter)(nil)

type priceAdapter struct{ *DB }

func (p priceAdapter) Record(ctx context.Context, pt tariff.RawPoint) error { return p.DB.RecordPrice(ctx, pt) }
func (p priceAdapter) Query(ctx context.Context, from, to time.Time) ([]tariff.RawPoint, error) {
	return p.DB.QueryPrices(ctx, from, to)
}

var _ PlanRepo = (*planAdapter)(nil)

type planAdapter struct{ *DB }

func (p planAdapter) Save(ctx context.Context, pl *plan.Plan) error { return p.DB.SavePlan(ctx, pl) }
func (p planAdapter) GetLatest(ctx context.Context) (*plan.Plan, error) { return p.DB.GetLatestPlan(ctx) }
func (p planAdapter) GetActiveFor(ctx context.Context, at time.Time) (*plan.Plan, error) {
	return p.DB.GetActivePlanFor(ctx, at)
}

var _ AccountingRepo = (*accountingAdapter)(nil)

type accountingAdapter struct{ *DB }

func (a accountingAdapter) RecordEvent(ctx context.Context, e AccountingEvent) error {
	return a.DB.RecordEvent(ctx, e)
}
func (a accountingAdapter) CurrentCycle(ctx context.Context) (accounting.Cycle, error) {
	return a.DB.CurrentCycle(ctx)
}
func (a accountingAdapter) Daily(ctx context.Context, from, to time.Time) ([]accounting.Cycle, error) {
	return a.DB.Daily(ctx, from, to)
}

var _ LoadConfigRepo = (*loadConfigAdapter)(nil)

type loadConfigAdapter struct{ *DB }

func (l loadConfigAdapter) List(ctx context.Context) ([]LoadDefRecord, error) { return l.DB.ListLoadConfigs(ctx) }
func (l loadConfigAdapter) Upsert(ctx context.Context, r LoadDefRecord) error { return l.DB.UpsertLoadConfig(ctx, r) }

var _ LoadStateRepo = (*loadStateAdapter)(nil)

type loadStateAdapter struct{ *DB }

func (l loadStateAdapter) Save(ctx context.Context, name string, st loads.RuntimeState) error {
	return l.DB.SaveLoadState(ctx, name, st)
}
func (l loadStateAdapter) Load(ctx context.Context, name string) (loads.RuntimeState, bool, error) {
	return l.DB.LoadLoadState(ctx, name)
}
func (l loadStateAdapter) All(ctx context.Context) (map[string]loads.RuntimeState, error) {
	return l.DB.AllLoadStates(ctx)
}

var _ OverrideRepo = (*overrideAdapter)(nil)

type overrideAdapter struct{ *DB }

func (o overrideAdapter) Set(ctx context.Context, ov Override) error { return o.DB.SetOverride(ctx, ov) }
func (o overrideAdapter) Active(ctx context.Context, now time.Time) (*Override, error) {
	return o.DB.ActiveOverride(ctx, now)
}
func (o overrideAdapter) Clear(ctx context.Context) error { return o.DB.ClearOverride(ctx) }

// Repositories bundles every adapter view of a single *DB, the shape
// main.go wires into the rest of the application.
type Repositories struct {
	Telemetry  TelemetryRepo
	Prices     PriceRepo
	Plans      PlanRepo
	Accounting AccountingRepo
	LoadConfig LoadConfigRepo
	LoadState  LoadStateRepo
	Overrides  OverrideRepo
}

// NewRepositories builds every narrow repository view over one DB.
func NewRepositories(db *DB) Repositories {
	return Repositories{
		Telemetry:  telemetryAdapter{db},
		Prices:     priceAdapter{db},
		Plans:      planAdapter{db},
		Accounting: accountingAdapter{db},
		LoadConfig: loadConfigAdapter{db},
		LoadState:  loadStateAdapter{db},
		Overrides:  overrideAdapter{db},
	}
}

func decimalFromFloat(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }
