// Command powermaster runs the Power Master residential energy
// optimizer: the tick loop, command-refresh loop, async planner task,
// MQTT publisher, operator console, and dashboard HTTP API, all
// supervised by the teacher's panic-recovering SafeGo launcher
// (ryansname-powerctl's main.go).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ryansname/powermaster/internal/accounting"
	"github.com/ryansname/powermaster/internal/config"
	"github.com/ryansname/powermaster/internal/control"
	"github.com/ryansname/powermaster/internal/dashboard"
	"github.com/ryansname/powermaster/internal/debugcli"
	"github.com/ryansname/powermaster/internal/events"
	"github.com/ryansname/powermaster/internal/forecast"
	"github.com/ryansname/powermaster/internal/governor"
	"github.com/ryansname/powermaster/internal/inverter"
	"github.com/ryansname/powermaster/internal/loads"
	"github.com/ryansname/powermaster/internal/logging"
	"github.com/ryansname/powermaster/internal/mqttpub"
	"github.com/ryansname/powermaster/internal/plan"
	"github.com/ryansname/powermaster/internal/resilience"
	"github.com/ryansname/powermaster/internal/solver"
	"github.com/ryansname/powermaster/internal/storage"
	"github.com/ryansname/powermaster/internal/tariff"
	"github.com/ryansname/powermaster/internal/tick"
	"github.com/ryansname/powermaster/internal/types"
)

// Exit codes, spec.md §6: "0 normal; 2 fatal config error; 3 database
// corruption unrecoverable; 4 inverter driver could not initialise on
// startup (after retry budget)."
const (
	exitOK            = 0
	exitConfigError   = 2
	exitDBCorrupt     = 3
	exitInverterSetup = 4
)

const inverterDialRetries = 3

// SafeGo launches a goroutine with panic recovery, cancelling ctx so
// every other supervised task unwinds too. Adapted verbatim from the
// teacher's main.go, generalized to log through zerolog instead of
// log.Printf.
func SafeGo(ctx context.Context, cancel context.CancelFunc, log zerolog.Logger, name string, fn func(ctx context.Context)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("task", name).Interface("panic", r).Msg("panic in supervised task")
				cancel()
			}
		}()
		fn(ctx)
	}()
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML config document")
	dbPath := flag.String("db", "powermaster.db", "path to the SQLite database file")
	dev := flag.Bool("dev", false, "disable dashboard compression and use pretty console logging")
	debugConsole := flag.Bool("console", false, "run the interactive operator REPL on stdin")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: no .env file loaded: %v\n", err)
	}

	store, err := config.NewStore(*configPath, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal config error: %v\n", err)
		return exitConfigError
	}
	snap := store.Current()
	cfg := snap.Doc

	log := logging.New(cfg.Logging.Level, *dev || cfg.Logging.Pretty)
	log.Info().Str("config", *configPath).Msg("starting powermaster")
	store.StartReloading()
	defer store.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup is bounded: DB open and MQTT broker connect are
	// independent of each other, so run them concurrently with
	// errgroup before handing off to the long-running SafeGo workers
	// (promoting golang.org/x/sync, already an indirect dependency via
	// paho/readline, to a direct one).
	var db *storage.DB
	var mqttClient mqtt.Client
	startup, startupCtx := errgroup.WithContext(ctx)
	startup.Go(func() error {
		var err error
		db, err = storage.Open(*dbPath)
		return err
	})
	if cfg.Hardware.Driver == "mqtt" || cfg.MQTT.Broker != "" {
		startup.Go(func() error {
			opts := mqtt.NewClientOptions().
				AddBroker(cfg.MQTT.Broker).
				SetClientID(cfg.MQTT.ClientID).
				SetUsername(os.Getenv("MQTT_USERNAME")).
				SetPassword(os.Getenv("MQTT_PASSWORD")).
				SetAutoReconnect(true)
			mqttClient = mqtt.NewClient(opts)
			if token := mqttClient.Connect(); token.Wait() && token.Error() != nil {
				return token.Error()
			}
			return nil
		})
	}
	if err := startup.Wait(); err != nil {
		log.Error().Err(err).Msg("startup sequence failed")
		return exitDBCorrupt
	}
	defer db.Close()
	if mqttClient != nil {
		defer mqttClient.Disconnect(250)
	}

	if err := db.IntegrityCheck(startupCtx); err != nil {
		log.Error().Err(err).Msg("database integrity check failed, unrecoverable")
		return exitDBCorrupt
	}
	repos := storage.NewRepositories(db)

	bus := events.NewBus()
	resTracker := resilience.NewTracker(resilience.Config{
		ConsecutiveFailuresUnhealthy: cfg.Resilience.ConsecutiveFailuresUnhealthy,
		BackoffInitial:               cfg.Resilience.BackoffInitial,
		BackoffMax:                   cfg.Resilience.BackoffMax,
	})
	for _, src := range []string{"inverter", "solar", "weather", "storm", "tariff"} {
		resTracker.Configure(src)
	}

	driver, err := dialInverter(ctx, cfg.Hardware, mqttClient)
	if err != nil {
		log.Error().Err(err).Msg("inverter driver failed to initialise after retry budget")
		return exitInverterSetup
	}

	forecaster := forecast.New(forecast.TTLConfig{
		SolarFreshTTL: cfg.Providers.SolarFreshTTL, SolarHardTTL: cfg.Providers.SolarHardTTL,
		WeatherFreshTTL: cfg.Providers.WeatherFreshTTL, WeatherHardTTL: cfg.Providers.WeatherHardTTL,
		StormFreshTTL: cfg.Providers.StormFreshTTL, StormHardTTL: cfg.Providers.StormHardTTL,
		BaselineLoadW: cfg.Providers.BaselineLoadW,
	})
	series := tariff.New(cfg.Arbitrage.SpikeThresholdC)
	planCache := plan.NewCache()
	guard := governor.New(governor.Config{
		MinModeDwell:          cfg.AntiOscillation.MinModeDwell,
		PowerHysteresisW:      cfg.AntiOscillation.PowerHysteresisW,
		MaxModeChangesPerHour: cfg.AntiOscillation.MaxModeChangesPerHour,
	})
	scheduler := loads.NewScheduler()

	storedKWh, wacbCents := recoverBatteryLedger(ctx, repos, cfg.Battery.CapacityKWh)
	ledger := accounting.NewEngine(time.Now(), cfg.Battery.CapacityKWh, storedKWh, wacbCents)

	var override atomic.Pointer[control.Override]
	intents := make(chan dashboard.Intent, 8)

	var latestMu sync.Mutex
	var latestSnap events.Snapshot
	var haveSnap bool
	SafeGo(ctx, cancel, log, "snapshot-cache", func(ctx context.Context) {
		ch, unsub := bus.Subscribe(4)
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-ch:
				latestMu.Lock()
				latestSnap, haveSnap = s, true
				latestMu.Unlock()
			}
		}
	})

	loop := tick.NewLoop()
	loop.Config = store.Current
	loop.Forecast = forecaster
	loop.Tariff = series
	loop.PlanCache = planCache
	loop.Guard = guard
	loop.Scheduler = scheduler
	loop.Accounting = ledger
	loop.Resilience = resTracker
	loop.Driver = driver
	loop.Bus = bus
	loop.Repos = repos
	loop.Override = func() *control.Override { return override.Load() }
	loop.Log = log
	loop.Rebuild = newPlannerTask(ctx, cancel, log, planCache, repos, cfg.Planning.SolverWallTimeout)

	SafeGo(ctx, cancel, log, "tick", func(ctx context.Context) {
		ticker := time.NewTicker(300 * time.Second)
		defer ticker.Stop()
		runTickAndPersist(ctx, log, loop, repos, cfg.Accounting.CycleStartDayOfMonth, time.Now())
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				runTickAndPersist(ctx, log, loop, repos, store.Current().Doc.Accounting.CycleStartDayOfMonth, now)
			}
		}
	})

	SafeGo(ctx, cancel, log, "refresh", func(ctx context.Context) {
		loop.RunRefresh(ctx, cfg.AntiOscillation.RefreshInterval)
	})

	SafeGo(ctx, cancel, log, "intent-consumer", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case in := <-intents:
				if in.Clear {
					override.Store(nil)
					log.Info().Msg("override cleared via dashboard")
					continue
				}
				ov := in.Override
				override.Store(&ov)
				log.Info().Str("mode", ov.Mode.String()).Float64("power_w", ov.PowerW).Msg("override set via dashboard")
			}
		}
	})

	maintenanceCron := cron.New()
	_, _ = maintenanceCron.AddFunc("@every 30m", func() {
		cctx, cancelCk := context.WithTimeout(ctx, 10*time.Second)
		defer cancelCk()
		if err := db.Checkpoint(cctx); err != nil {
			log.Warn().Err(err).Msg("wal checkpoint failed")
		}
	})
	_, _ = maintenanceCron.AddFunc("@midnight", func() {
		log.Info().Msg("midnight: resetting daily load runtime")
		loop.Scheduler.ResetDaily(time.Now())
	})
	maintenanceCron.Start()
	defer maintenanceCron.Stop()

	if mqttClient != nil {
		publisher := mqttpub.New(mqttClient, cfg.MQTT.Prefix, log)
		SafeGo(ctx, cancel, log, "mqtt-publisher", publisher.Run)
	}

	dash := dashboard.New(cfg.Dashboard.ListenAddress, dashboard.Deps{
		Repos:      repos,
		Bus:        bus,
		Resilience: resTracker,
		Sources:    []string{"inverter", "solar", "weather", "storm", "tariff"},
		PlanCache:  planCache,
		Config:     store.Current,
		Override:   func() *control.Override { return override.Load() },
		Intents:    intents,
		LatestSnapshot: func() (events.Snapshot, bool) {
			latestMu.Lock()
			defer latestMu.Unlock()
			return latestSnap, haveSnap
		},
	}, log, *dev)

	SafeGo(ctx, cancel, log, "dashboard", func(ctx context.Context) {
		if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("dashboard server failed")
			cancel()
		}
	})

	if *debugConsole {
		SafeGo(ctx, cancel, log, "debug-console", func(ctx context.Context) {
			deps := debugcli.Deps{
				LatestSnapshot: func() (events.Snapshot, bool) {
					latestMu.Lock()
					defer latestMu.Unlock()
					return latestSnap, haveSnap
				},
				SetOverride: func(ctx context.Context, ov control.Override) error {
					select {
					case intents <- dashboard.Intent{Override: ov}:
						return nil
					default:
						return fmt.Errorf("command intent channel full")
					}
				},
				ClearOverride: func(ctx context.Context) error {
					select {
					case intents <- dashboard.Intent{Clear: true}:
						return nil
					default:
						return fmt.Errorf("command intent channel full")
					}
				},
				ProviderStatus: func() []string {
					now := time.Now()
					out := make([]string, 0, 5)
					for _, src := range []string{"inverter", "solar", "weather", "storm", "tariff"} {
						st := resTracker.StatusOf(src, now)
						out = append(out, fmt.Sprintf("%s: %s", st.Source, st.Health))
					}
					return out
				},
			}
			if err := debugcli.Run(ctx, cancel, deps); err != nil {
				log.Warn().Err(err).Msg("debug console exited")
			}
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		log.Info().Msg("shutdown signal received")
	case <-ctx.Done():
		log.Warn().Msg("shutting down due to a supervised task failure")
	}

	return shutdown(loop, dash, db, log)
}

// shutdown runs within a 15s budget: it writes a final SELF_USE
// command, checkpoints the database and drains the dashboard, then
// exits. It does not wait for an in-flight tick to finish and writes
// no accounting record of its own; the last persisted accounting state
// is the one runTickAndPersist wrote after the previous tick.
func shutdown(loop *tick.Loop, dash *dashboard.Server, db *storage.DB, log zerolog.Logger) int {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := loop.Driver.SetMode(shutdownCtx, inverter.Command{Mode: types.SelfUse, ExportCapW: control.Unrestricted}); err != nil {
		log.Warn().Err(err).Msg("shutdown: final SELF_USE command failed")
	}

	if err := db.Checkpoint(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown: final checkpoint failed")
	}

	if err := dash.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("shutdown: dashboard did not drain cleanly")
	}

	log.Info().Msg("shutdown complete")
	return exitOK
}

// newPlannerTask builds the tick loop's RebuildTrigger: a MILP solve
// runs in its own SafeGo-supervised goroutine so it never blocks a
// tick (spec.md §5, "planner ... runs in a worker thread"). The tick
// loop already guarantees at most one rebuild in flight and coalesces
// concurrent requests via plan.Cache.TryBeginRebuild's gate before
// ever invoking this trigger, so EndRebuild here is the only place
// that slot is released.
func newPlannerTask(ctx context.Context, cancel context.CancelFunc, log zerolog.Logger, planCache *plan.Cache, repos storage.Repositories, wallTimeout time.Duration) tick.RebuildTrigger {
	if wallTimeout <= 0 {
		wallTimeout = 20 * time.Second
	}
	planner := solver.NewPlanner(solver.DefaultSolver{})

	return func(problem solver.Problem, forecastHash, tariffHash string) {
		SafeGo(ctx, cancel, log, "planner", func(ctx context.Context) {
			defer planCache.EndRebuild()

			result, err := planner.Build(ctx, problem, forecastHash, tariffHash, wallTimeout)
			if err != nil {
				log.Error().Err(err).Msg("planner: build failed")
				return
			}
			if result.UsedFallback {
				log.Warn().Msg("planner: infeasible or timed out, switched to the all-SELF_USE fallback plan")
			}

			planCache.Swap(result.Plan)
			if err := repos.Plans.Save(ctx, result.Plan); err != nil {
				log.Warn().Err(err).Msg("planner: failed to persist plan")
			}
		})
	}
}

func dialInverter(ctx context.Context, hw config.Hardware, mqttClient mqtt.Client) (inverter.Driver, error) {
	switch hw.Driver {
	case "mock":
		return inverter.NewMock(inverter.Telemetry{SOC: 0.5}), nil
	case "mqtt":
		if mqttClient == nil {
			return nil, fmt.Errorf("hardware.driver=mqtt requires mqtt.broker to be configured")
		}
		return inverter.NewMQTTDriver(ctx, mqttClient, hw.TelemetryTopic, hw.CommandTopic)
	case "modbus", "":
		var lastErr error
		for attempt := 0; attempt < inverterDialRetries; attempt++ {
			d, err := inverter.DialModbus(ctx, hw.ModbusAddress, hw.ModbusUnitID)
			if err == nil {
				return d, nil
			}
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * time.Second)
		}
		return nil, lastErr
	default:
		return nil, fmt.Errorf("unknown hardware.driver %q", hw.Driver)
	}
}

// recoverBatteryLedger seeds the accounting engine's battery ledger at
// startup from the most recent persisted cycle, if any: stored energy
// is estimated as that cycle's imported minus exported kWh, clamped to
// [0, capacityKWh]. The WACB is always returned as 0; the StoredKWh and
// WACBCents saved with accounting events are not read back, so a
// restart resets the battery's cost basis to zero.
func recoverBatteryLedger(ctx context.Context, repos storage.Repositories, capacityKWh float64) (storedKWh, wacbCents float64) {
	cycle, err := repos.Accounting.CurrentCycle(ctx)
	if err != nil {
		return 0, 0
	}
	kwh := cycle.ImportedKWh.Sub(cycle.ExportedKWh).InexactFloat64()
	if kwh < 0 {
		kwh = 0
	}
	if kwh > capacityKWh {
		kwh = capacityKWh
	}
	return kwh, 0
}

// runTickAndPersist runs one tick and mirrors the accounting engine's
// state into storage for the dashboard's summary/daily endpoints and
// for recovery on the next restart.
func runTickAndPersist(ctx context.Context, log zerolog.Logger, loop *tick.Loop, repos storage.Repositories, cycleStartDay int, now time.Time) {
	if err := loop.Tick(ctx, now); err != nil {
		log.Error().Err(err).Msg("tick failed")
	}

	if archived, rolled := loop.Accounting.RolloverIfDue(now, cycleStartDay); rolled {
		if err := repos.Accounting.RecordEvent(ctx, storage.AccountingEvent{
			ID: uuid.New(), At: now, Kind: "rollover",
			Cycle:     archived,
			StoredKWh: loop.Accounting.Battery.StoredKWh.InexactFloat64(),
			WACBCents: loop.Accounting.Battery.WACBCents.InexactFloat64(),
		}); err != nil {
			log.Warn().Err(err).Msg("failed to persist billing cycle rollover")
		}
	}

	if err := repos.Accounting.RecordEvent(ctx, storage.AccountingEvent{
		ID: uuid.New(), At: now, Kind: "tick",
		Cycle:     loop.Accounting.Cycle,
		StoredKWh: loop.Accounting.Battery.StoredKWh.InexactFloat64(),
		WACBCents: loop.Accounting.Battery.WACBCents.InexactFloat64(),
	}); err != nil {
		log.Warn().Err(err).Msg("failed to persist accounting tick event")
	}
}
