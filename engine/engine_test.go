package engine

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/oig-battery-planner/planner/forecast"
	"github.com/oig-battery-planner/planner/planstore"
	"github.com/oig-battery-planner/planner/telemetry"
	"github.com/oig-battery-planner/planner/types"
	"github.com/oig-battery-planner/planner/weather"
)

type fakePV struct{}

func (fakePV) Fetch(ctx context.Context, w types.Window) ([]forecast.PVSample, error) {
	var out []forecast.PVSample
	for t := w.Start; t.Before(w.End); t = t.Add(time.Hour) {
		out = append(out, forecast.PVSample{Hour: t, KWh: 0.4})
	}
	return out, nil
}

type fakeLoad struct{}

func (fakeLoad) Fetch(ctx context.Context, w types.Window) ([]forecast.LoadSample, error) {
	var out []forecast.LoadSample
	for t := w.Start; t.Before(w.End); t = t.Add(15 * time.Minute) {
		out = append(out, forecast.LoadSample{T: t, KWh: 0.3})
	}
	return out, nil
}

type fakePrice struct{}

func (fakePrice) Fetch(ctx context.Context, w types.Window) ([]forecast.PriceSample, error) {
	var out []forecast.PriceSample
	for t := w.Start; t.Before(w.End); t = t.Add(15 * time.Minute) {
		out = append(out, forecast.PriceSample{T: t, ImportPrice: 2.0, ExportPrice: 1.0})
	}
	return out, nil
}

type noHistory struct{}

func (noHistory) SOCHistory(ctx context.Context, since time.Time) ([]telemetry.SOCSample, error) {
	return nil, nil
}
func (noHistory) LoadAverage(ctx context.Context, weekdayClass string, timeOfDay time.Duration) (float64, bool, error) {
	return 0, false, nil
}

type fakeSOC struct{ percent float64 }

func (f fakeSOC) ReadSOCPercent(ctx context.Context) (float64, error) { return f.percent, nil }

type fakeWarnings struct{ state weather.WarningState }

func (f fakeWarnings) Read(ctx context.Context) (weather.WarningState, error) { return f.state, nil }

type noopDevice struct{ writes []types.Mode }

func (d *noopDevice) WriteMode(mode types.Mode) error {
	d.writes = append(d.writes, mode)
	return nil
}

func testEngineConfig() Config {
	cfg := Config{
		Planning:          types.DefaultConfig(),
		HorizonHours:      6,
		GridLocation:      time.UTC,
		ForecastLocation:  forecast.Location{Latitude: 50.08, Longitude: 14.43},
		PlanningInterval:  15 * time.Minute,
		BalancingInterval: time.Hour,
	}
	cfg.Planning.TotalCapacityKWh = 15.36
	return cfg
}

func newTestEngine(t *testing.T, socPercent float64) (*PlanningEngine, *noopDevice) {
	t.Helper()
	store, err := planstore.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	dev := &noopDevice{}
	logger := log.New(io.Discard, "", 0)
	e := New(testEngineConfig(), store, fakePV{}, fakeLoad{}, fakePrice{}, noHistory{},
		fakeSOC{percent: socPercent}, fakeWarnings{}, dev, logger)
	return e, dev
}

func TestBuildPlan_ProducesValidatedPlan(t *testing.T) {
	e, _ := newTestEngine(t, 50.0)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	plan, err := e.buildPlan(context.Background(), now, types.PlanAutomatic, nil, now.Add(6*time.Hour))
	if err != nil {
		t.Fatalf("buildPlan: %v", err)
	}
	if len(plan.Timeline) == 0 {
		t.Fatal("expected a non-empty timeline")
	}
	if plan.Kind != types.PlanAutomatic {
		t.Errorf("expected PlanAutomatic, got %v", plan.Kind)
	}
	if plan.CreatedAt != now {
		t.Errorf("expected CreatedAt=%v, got %v", now, plan.CreatedAt)
	}
}

func TestPlanningTick_BootstrapsAndWritesDeviceMode(t *testing.T) {
	e, dev := newTestEngine(t, 50.0)
	now := time.Now()
	if err := e.manager.LoadOrBootstrap(now); err != nil {
		t.Fatalf("LoadOrBootstrap: %v", err)
	}

	e.planningTick(context.Background())

	if _, ok := e.manager.GetActivePlan(); !ok {
		t.Fatal("expected an active plan after planningTick")
	}
	if len(dev.writes) != 1 {
		t.Fatalf("expected exactly one device mode write, got %d", len(dev.writes))
	}
}

func TestBalancingTick_NoIntentLeavesActivePlanUntouched(t *testing.T) {
	e, _ := newTestEngine(t, 50.0)
	if err := e.manager.LoadOrBootstrap(time.Now()); err != nil {
		t.Fatalf("LoadOrBootstrap: %v", err)
	}
	before, _ := e.manager.GetActivePlan()

	// Coordinator was just constructed with LastBalancingTS=zero, which
	// looks overdue; force it recently-balanced so this tick is a no-op.
	e.coordinator.LastBalancingTS = time.Now()

	e.balancingTick(context.Background())

	after, _ := e.manager.GetActivePlan()
	if after.ID != before.ID {
		t.Errorf("expected active plan to be unchanged, got %q -> %q", before.ID, after.ID)
	}
}

func TestInitialDelay_AlignsToTopOfInterval(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 7, 0, 0, time.UTC)
	d := initialDelay(now, 15*time.Minute)
	if d <= 0 || d > 15*time.Minute {
		t.Errorf("expected a delay in (0, 15m], got %v", d)
	}
}
