// Package engine is the orchestration layer (spec.md §5): it wires the
// Forecast Aggregator, Mode Optimizer, Validator, Balancing Coordinator,
// Weather Emergency Monitor and Plan Manager into the two independent
// recurring loops the spec calls for. Its periodic-task shape —
// initial-delay-then-ticker, joined via sync.WaitGroup, select over
// ctx.Done() and a stopChan — is grounded directly in
// scheduler/scheduler.go's PeriodicTask.run/MinerScheduler.Start.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/oig-battery-planner/planner/balancing"
	"github.com/oig-battery-planner/planner/clock"
	"github.com/oig-battery-planner/planner/device"
	"github.com/oig-battery-planner/planner/forecast"
	"github.com/oig-battery-planner/planner/optimizer"
	"github.com/oig-battery-planner/planner/planstore"
	"github.com/oig-battery-planner/planner/telemetry"
	"github.com/oig-battery-planner/planner/types"
	"github.com/oig-battery-planner/planner/validate"
	"github.com/oig-battery-planner/planner/weather"
)

// SOCReader is the narrow external collaborator for the live battery
// reading; the sensor-polling infrastructure itself is out of scope.
type SOCReader interface {
	ReadSOCPercent(ctx context.Context) (float64, error)
}

// WarningSource is the narrow external collaborator for the
// weather-warning feed; the ČHMÚ transport itself is out of scope.
type WarningSource interface {
	Read(ctx context.Context) (weather.WarningState, error)
}

// Config is the engine's own wiring configuration, distinct from
// types.Config (the battery/planning parameters it passes through).
type Config struct {
	Planning          types.Config
	HorizonHours      float64
	GridLocation      *time.Location
	ForecastLocation  forecast.Location
	PlanningInterval  time.Duration // 15 minutes, per spec.md §5
	BalancingInterval time.Duration // 1 hour, per spec.md §5
}

// DefaultEngineConfig fills in the spec's stated tick cadences, leaving
// Planning/GridLocation/ForecastLocation for the caller to set.
func DefaultEngineConfig() Config {
	return Config{
		HorizonHours:      float64(clock.MaxHorizon / time.Hour),
		PlanningInterval:  clock.StepDuration,
		BalancingInterval: time.Hour,
	}
}

// PlanningEngine runs the two cooperative loops spec.md §5 describes:
// an hourly balancing/weather evaluation and a 15-minute planning tick.
// It owns no state of its own beyond wiring — Plan state lives in
// planstore.Manager, balancing state in balancing.Coordinator.
type PlanningEngine struct {
	cfg Config

	manager     *planstore.Manager
	store       *planstore.FileStore
	coordinator *balancing.Coordinator
	monitor     *weather.Monitor

	pv      forecast.PVProvider
	load    forecast.LoadProvider
	price   forecast.PriceProvider
	history telemetry.HistoryReader

	socReader     SOCReader
	warningSource WarningSource
	deviceWriter  device.ModeWriter // optional

	logger   *log.Logger
	stopChan chan struct{}
	mu       sync.Mutex
}

// New wires a PlanningEngine. telemetryStore satisfies
// telemetry.HistoryReader and may be a no-DSN Store (degrades to "no
// history" rather than requiring a separate code path). deviceWriter may
// be nil (no physical inverter attached, e.g. in a dry-run/simulation
// deployment).
func New(
	cfg Config,
	store *planstore.FileStore,
	pv forecast.PVProvider,
	load forecast.LoadProvider,
	price forecast.PriceProvider,
	telemetryStore telemetry.HistoryReader,
	socReader SOCReader,
	warningSource WarningSource,
	deviceWriter device.ModeWriter,
	logger *log.Logger,
) *PlanningEngine {
	if logger == nil {
		logger = log.New(log.Writer(), "[ENGINE] ", log.LstdFlags)
	}
	e := &PlanningEngine{
		cfg:           cfg,
		store:         store,
		manager:       planstore.NewManager(store, logger),
		coordinator:   balancing.NewCoordinator(time.Time{}),
		monitor:       weather.NewMonitor(),
		pv:            pv,
		load:          load,
		price:         price,
		history:       telemetryStore,
		socReader:     socReader,
		warningSource: warningSource,
		deviceWriter:  deviceWriter,
		logger:        logger,
		stopChan:      make(chan struct{}),
	}
	e.manager.Synthesize = e.synthesizeAutomatic
	return e
}

// Start restores persisted state and runs both loops until ctx is
// cancelled or Stop is called. It blocks until both loops have returned.
func (e *PlanningEngine) Start(ctx context.Context) error {
	now := time.Now()

	if persisted, found, err := e.store.ReadBalancing(); err != nil {
		return fmt.Errorf("engine: read balancing state: %w", err)
	} else if found {
		e.coordinator = balancing.NewCoordinator(persisted.LastBalancingTS)
		e.coordinator.ActiveIntent = persisted.ActiveIntent
	}

	if err := e.manager.LoadOrBootstrap(now); err != nil {
		return fmt.Errorf("engine: bootstrap plan state: %w", err)
	}

	planningTask := periodicTask{
		name:         "PlanningTick",
		initialDelay: initialDelay(now, e.cfg.PlanningInterval),
		interval:     e.cfg.PlanningInterval,
		runFunc:      func() { e.planningTick(ctx) },
	}
	balancingTask := periodicTask{
		name:         "BalancingWeatherTick",
		initialDelay: initialDelay(now, e.cfg.BalancingInterval),
		interval:     e.cfg.BalancingInterval,
		runFunc:      func() { e.balancingTick(ctx) },
	}

	var wg sync.WaitGroup
	for _, task := range []periodicTask{planningTask, balancingTask} {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			task.run(ctx, e.stopChan, e.logger)
		}()
	}
	wg.Wait()
	e.logger.Printf("both periodic tasks stopped")
	return nil
}

// Stop signals both loops to exit.
func (e *PlanningEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
}

// GetActivePlan, ListPlans and GetBalancingStatus are the read-only query
// operations spec.md §6 names.
func (e *PlanningEngine) GetActivePlan() (types.Plan, bool) { return e.manager.GetActivePlan() }
func (e *PlanningEngine) ListPlans() []types.Plan           { return e.manager.ListPlans() }

// planningTick is the 15-minute loop: refresh the forecast, let the Plan
// Manager decide whether to recompute and replace the active plan, then
// push the resulting mode to hardware if a device writer is configured.
func (e *PlanningEngine) planningTick(ctx context.Context) {
	now := time.Now()
	recompute := func() (types.Plan, error) {
		return e.buildPlan(ctx, now, types.PlanAutomatic, nil, now.Add(time.Duration(e.cfg.HorizonHours*float64(time.Hour))))
	}
	if err := e.manager.Tick(now, recompute); err != nil {
		e.logger.Printf("plan manager tick failed, retaining previous active plan: %v", err)
	}
	if err := e.manager.PruneHistory(now); err != nil {
		e.logger.Printf("prune history failed: %v", err)
	}

	if e.deviceWriter == nil {
		return
	}
	active, ok := e.manager.GetActivePlan()
	if !ok || len(active.Timeline) == 0 {
		return
	}
	mode := currentMode(active, now)
	if err := e.deviceWriter.WriteMode(mode); err != nil {
		e.logger.Printf("device mode write failed: %v", err)
	}
}

// balancingTick is the hourly loop: evaluate the Balancing Coordinator
// and Weather Emergency Monitor, persist their state, and propose an
// intent-driven plan if either emitted one this tick. Weather preempts
// balancing per spec.md §4.9/S6 via priorityOf's priority ordering,
// enforced by planstore.Manager.Apply.
func (e *PlanningEngine) balancingTick(ctx context.Context) {
	now := time.Now()

	socPercent, err := e.socReader.ReadSOCPercent(ctx)
	if err != nil {
		e.logger.Printf("balancing tick: soc read failed: %v", err)
		return
	}

	g := clock.BuildHorizon(now, now.Add(time.Duration(e.cfg.HorizonHours*float64(time.Hour))), e.cfg.GridLocation)
	ivs, err := forecast.Aggregate(ctx, g, e.cfg.ForecastLocation, e.pv, e.load, e.price, e.history)
	if err != nil {
		e.logger.Printf("balancing tick: forecast unavailable, skipping this cycle: %v", err)
		ivs = nil
	}

	balancingIntent, _ := e.coordinator.Tick(ctx, now, e.cfg.Planning, socPercent, ivs, e.cfg.GridLocation, e.history)

	var weatherIntent *types.Intent
	if e.warningSource != nil {
		warning, err := e.warningSource.Read(ctx)
		if err != nil {
			e.logger.Printf("balancing tick: warning feed read failed: %v", err)
		} else {
			weatherIntent = e.monitor.Evaluate(warning, e.cfg.Planning)
		}
	}

	if err := e.store.WriteBalancing(planstore.BalancingPersist{
		LastBalancingTS: e.coordinator.LastBalancingTS,
		ActiveIntent:    e.coordinator.ActiveIntent,
	}); err != nil {
		e.logger.Printf("balancing tick: persist balancing state failed: %v", err)
	}

	intent := weatherIntent
	if intent == nil {
		intent = balancingIntent
	}
	if intent == nil {
		return
	}

	kind := types.PlanBalancing
	if intent.Kind == types.IntentEmergency {
		kind = types.PlanEmergency
	}
	plan, err := e.buildPlan(ctx, now, kind, intent, intent.HoldingEnd)
	if err != nil {
		e.logger.Printf("balancing tick: failed to build intent-driven plan: %v", err)
		return
	}
	id, err := e.manager.Propose(plan)
	if err != nil {
		e.logger.Printf("balancing tick: propose failed: %v", err)
		return
	}
	if err := e.manager.Apply(id, now); err != nil {
		e.logger.Printf("balancing tick: apply failed (likely preempted by a higher-priority active plan): %v", err)
	}
}

// synthesizeAutomatic produces the fallback automatic plan used at
// bootstrap and whenever the active plan expires with nothing else to
// replace it (spec.md §6 Restart: "never leave the system without an
// active plan").
func (e *PlanningEngine) synthesizeAutomatic(now time.Time) (types.Plan, error) {
	return e.buildPlan(context.Background(), now, types.PlanAutomatic, nil,
		now.Add(time.Duration(e.cfg.HorizonHours*float64(time.Hour))))
}

// buildPlan runs one full forecast->optimize->validate pass.
func (e *PlanningEngine) buildPlan(ctx context.Context, now time.Time, kind types.PlanKind, intent *types.Intent, deadline time.Time) (types.Plan, error) {
	g := clock.BuildHorizon(now, now.Add(time.Duration(e.cfg.HorizonHours*float64(time.Hour))), e.cfg.GridLocation)
	ivs, err := forecast.Aggregate(ctx, g, e.cfg.ForecastLocation, e.pv, e.load, e.price, e.history)
	if err != nil {
		return types.Plan{}, err
	}

	socPercent, err := e.socReader.ReadSOCPercent(ctx)
	if err != nil {
		return types.Plan{}, types.NewPlannerError(types.KindInputUnavailable, "engine: soc read failed", err)
	}
	initialSOC := e.cfg.Planning.TotalCapacityKWh * socPercent / 100.0

	plan, err := optimizer.Optimize(ivs, initialSOC, e.cfg.Planning, intent)
	if err != nil {
		return types.Plan{}, err
	}

	meta, violations := validate.Validate(plan.Timeline, ivs, initialSOC, intent, e.cfg.Planning)
	for _, v := range violations {
		e.logger.Printf("plan validation: %s", v)
	}
	plan.Metadata = meta
	plan.Kind = kind
	plan.CreatedAt = now
	plan.Deadline = deadline
	return plan, nil
}

// periodicTask mirrors scheduler/scheduler.go's PeriodicTask: wait out an
// initial delay (to align to a cadence boundary), run once, then run
// again on every tick until ctx is cancelled or stopChan closes.
type periodicTask struct {
	name         string
	initialDelay time.Duration
	interval     time.Duration
	runFunc      func()
}

func (pt periodicTask) run(ctx context.Context, stopChan <-chan struct{}, logger *log.Logger) {
	if pt.initialDelay > 0 {
		select {
		case <-time.After(pt.initialDelay):
			pt.runFunc()
		case <-ctx.Done():
			logger.Printf("[%s] stopped during initial delay: context cancelled", pt.name)
			return
		case <-stopChan:
			logger.Printf("[%s] stopped during initial delay: stop signal", pt.name)
			return
		}
	} else {
		pt.runFunc()
	}

	ticker := time.NewTicker(pt.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			pt.runFunc()
		case <-ctx.Done():
			logger.Printf("[%s] stopped: context cancelled", pt.name)
			return
		case <-stopChan:
			logger.Printf("[%s] stopped: stop signal", pt.name)
			return
		}
	}
}

func currentMode(plan types.Plan, now time.Time) types.Mode {
	for _, r := range plan.Timeline {
		if !now.Before(r.T) && now.Before(r.T.Add(clock.StepDuration)) {
			return r.Mode
		}
	}
	return plan.Timeline[0].Mode
}

// initialDelay returns the delay until the next boundary of interval
// after now, mirroring scheduler/scheduler.go's getInitialDelay.
func initialDelay(now time.Time, interval time.Duration) time.Duration {
	top := time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), 0, 0, 0, now.Location())
	delay := now.Sub(top)
	for delay > 0 {
		delay -= interval
	}
	return -delay
}
