// Package config loads Power Master's single YAML configuration
// document and exposes it as a versioned, hot-reloadable snapshot.
//
// The document layout mirrors spec.md §6: hardware, battery, providers,
// arbitrage, storm, planning, loads, mqtt, dashboard, accounting,
// fixed_costs, resilience, anti_oscillation, logging. Every section is
// hot-reloadable except battery.capacity_kwh and hardware.*, which the
// spec requires a restart to change; RestartRequired detects a change
// to those fields between snapshots and the Store ignores such a reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the root of the YAML config file.
type Document struct {
	Hardware      Hardware      `yaml:"hardware"`
	Battery       Battery       `yaml:"battery"`
	Providers     Providers     `yaml:"providers"`
	Arbitrage     Arbitrage     `yaml:"arbitrage"`
	Storm         Storm         `yaml:"storm"`
	Planning      Planning      `yaml:"planning"`
	Loads         []LoadDef     `yaml:"loads"`
	MQTT          MQTT          `yaml:"mqtt"`
	Dashboard     Dashboard     `yaml:"dashboard"`
	Accounting    Accounting    `yaml:"accounting"`
	FixedCosts    FixedCosts    `yaml:"fixed_costs"`
	Resilience    Resilience    `yaml:"resilience"`
	AntiOscillation AntiOscillation `yaml:"anti_oscillation"`
	Logging       Logging       `yaml:"logging"`
}

// Hardware identifies the inverter driver endpoint. Restart-only.
type Hardware struct {
	Driver         string `yaml:"driver"` // "modbus" | "mqtt" | "mock"
	ModbusAddress  string `yaml:"modbus_address"`
	ModbusUnitID   byte   `yaml:"modbus_unit_id"`
	TelemetryTopic string `yaml:"mqtt_telemetry_topic"`
	CommandTopic   string `yaml:"mqtt_command_topic"`
}

// Battery holds the Battery Params of spec.md §3. CapacityKWh is
// restart-only; everything else is hot-reloadable.
type Battery struct {
	CapacityKWh         float64 `yaml:"capacity_kwh"`
	SOCMinHard          float64 `yaml:"soc_min_hard"`
	SOCMinSoft          float64 `yaml:"soc_min_soft"`
	SOCMax              float64 `yaml:"soc_max"`
	MaxChargeW          float64 `yaml:"max_charge_w"`
	MaxDischargeW       float64 `yaml:"max_discharge_w"`
	SOCFloorChargeW     float64 `yaml:"soc_floor_charge_w"`
	RoundTripEfficiency float64 `yaml:"round_trip_eff"`
	DegradationCPerKWh  float64 `yaml:"degradation_c_per_kwh"`
}

// Providers configures TTLs for each external forecast/tariff feed.
type Providers struct {
	SolarFreshTTL   time.Duration `yaml:"solar_fresh_ttl"`
	SolarHardTTL    time.Duration `yaml:"solar_hard_ttl"`
	WeatherFreshTTL time.Duration `yaml:"weather_fresh_ttl"`
	WeatherHardTTL  time.Duration `yaml:"weather_hard_ttl"`
	StormFreshTTL   time.Duration `yaml:"storm_fresh_ttl"`
	StormHardTTL    time.Duration `yaml:"storm_hard_ttl"`
	TariffFreshTTL  time.Duration `yaml:"tariff_fresh_ttl"`
	TariffHardTTL   time.Duration `yaml:"tariff_hard_ttl"`
	BaselineLoadW   float64       `yaml:"baseline_load_w"`
	HTTPTimeout     time.Duration `yaml:"http_timeout"`
}

// Arbitrage configures the spike/opportunistic-discharge thresholds.
type Arbitrage struct {
	SpikeThresholdC     float64 `yaml:"spike_threshold_c"`
	OpportunisticMinSOC float64 `yaml:"opportunistic_min_soc"`
	OpportunisticW      float64 `yaml:"opportunistic_w"`
	PreferSolarWeight   float64 `yaml:"prefer_solar_weight"`
	ArbitrageBonus      float64 `yaml:"arbitrage_bonus_c"`
}

// Storm configures storm-reserve behavior.
type Storm struct {
	ProbabilityThreshold float64       `yaml:"probability_threshold"`
	HorizonHours         float64       `yaml:"horizon_hours"`
	ReserveSOC           float64       `yaml:"reserve_soc"`
	ChargeW              float64       `yaml:"charge_w"`
}

// Planning configures the MILP planner.
type Planning struct {
	SolarPercentile string        `yaml:"solar_percentile"` // "p10" | "p50" | "p90"
	MaxPlanAge      time.Duration `yaml:"max_plan_age"`
	SOCDriftThreshold float64     `yaml:"soc_drift_threshold"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	SolverWallTimeout time.Duration `yaml:"solver_wall_timeout"`
}

// LoadDef is the Load Definition of spec.md §3.
type LoadDef struct {
	Name             string  `yaml:"name"`
	PowerW           float64 `yaml:"power_w"`
	PriorityClass    int     `yaml:"priority_class"`
	MinRuntimeMin    int     `yaml:"min_runtime_min"`
	IdealRuntimeMin  int     `yaml:"ideal_runtime_min"`
	MaxRuntimeMin    int     `yaml:"max_runtime_min"`
	EarliestHour     int     `yaml:"earliest_h"`
	LatestHour       int     `yaml:"latest_h"`
	DaysOfWeek       []int   `yaml:"days_of_week"`
	PreferSolar      bool    `yaml:"prefer_solar"`
	AllowSplitShifts bool    `yaml:"allow_split_shifts"`
	Enabled          bool    `yaml:"enabled"`
}

// MQTT configures the broker connection used for command publication
// and Home Assistant discovery, adapted from the teacher's main.go.
type MQTT struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Prefix   string `yaml:"prefix"`
}

// Dashboard configures the HTTP API.
type Dashboard struct {
	ListenAddress string        `yaml:"listen_address"`
	EventRateHz   float64       `yaml:"event_rate_hz"`
	CORSOrigins   []string      `yaml:"cors_origins"`
}

// Accounting configures billing-cycle rollover.
type Accounting struct {
	CycleStartDayOfMonth int `yaml:"cycle_start_day_of_month"`
}

// FixedCosts are flat per-cycle charges added to the P&L rollup.
type FixedCosts struct {
	DailyStandingChargeC float64 `yaml:"daily_standing_charge_c"`
}

// Resilience configures failure-count thresholds before a source is
// marked unhealthy.
type Resilience struct {
	ConsecutiveFailuresUnhealthy int           `yaml:"consecutive_failures_unhealthy"`
	BackoffInitial               time.Duration `yaml:"backoff_initial"`
	BackoffMax                   time.Duration `yaml:"backoff_max"`
}

// AntiOscillation configures the tick loop's dwell/hysteresis guard.
type AntiOscillation struct {
	MinModeDwell       time.Duration `yaml:"min_mode_dwell"`
	PowerHysteresisW   float64       `yaml:"power_hysteresis_w"`
	MaxModeChangesPerHour int        `yaml:"max_mode_changes_per_hour"`
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
}

// Logging configures the zerolog root logger.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &doc, nil
}

// Validate checks structural invariants that must hold before any I/O
// starts (fatal config errors exit with code 2 per spec.md §6).
func (d *Document) Validate() error {
	if d.Battery.CapacityKWh <= 0 {
		return fmt.Errorf("battery.capacity_kwh must be positive")
	}
	if d.Battery.SOCMinHard < 0 || d.Battery.SOCMax > 1 || d.Battery.SOCMinHard > d.Battery.SOCMinSoft || d.Battery.SOCMinSoft > d.Battery.SOCMax {
		return fmt.Errorf("battery soc bounds must satisfy 0 <= soc_min_hard <= soc_min_soft <= soc_max <= 1")
	}
	if d.Battery.RoundTripEfficiency <= 0 || d.Battery.RoundTripEfficiency > 1 {
		return fmt.Errorf("battery.round_trip_eff must be in (0,1]")
	}
	if d.Battery.SOCFloorChargeW <= 0 || d.Battery.SOCFloorChargeW > d.Battery.MaxChargeW {
		return fmt.Errorf("battery.soc_floor_charge_w must be in (0, max_charge_w]")
	}
	for _, l := range d.Loads {
		if !(l.MinRuntimeMin <= l.IdealRuntimeMin && l.IdealRuntimeMin <= l.MaxRuntimeMin) {
			return fmt.Errorf("load %s: min <= ideal <= max runtime violated", l.Name)
		}
		if l.EarliestHour == l.LatestHour {
			return fmt.Errorf("load %s: earliest_h must differ from latest_h", l.Name)
		}
	}
	return nil
}

// RestartRequired reports whether changing from old to new touches a
// restart-only field (battery.capacity_kwh or any hardware.* field).
func RestartRequired(old, new *Document) bool {
	if old == nil {
		return false
	}
	return old.Battery.CapacityKWh != new.Battery.CapacityKWh || old.Hardware != new.Hardware
}
