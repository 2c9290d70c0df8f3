package planstore

import (
	"os"
	"testing"
	"time"

	"github.com/oig-battery-planner/planner/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir, err := os.MkdirTemp("", "planstore-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return NewManager(store, nil)
}

func automaticPlan(now time.Time) types.Plan {
	return types.Plan{
		Kind:     types.PlanAutomatic,
		Deadline: now.Add(24 * time.Hour),
		Timeline: []types.PlanIntervalResult{{T: now, Mode: types.HomeI}},
	}
}

func TestProposeApply_ActivatesPlan(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)

	id, err := m.Propose(automaticPlan(now))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if err := m.Apply(id, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	active, ok := m.GetActivePlan()
	if !ok {
		t.Fatal("expected an active plan")
	}
	if active.Status != types.StatusActive {
		t.Errorf("expected status active, got %v", active.Status)
	}
	if active.ActivatedAt != now {
		t.Errorf("expected activated_at = %v, got %v", now, active.ActivatedAt)
	}
}

func TestApply_LockedActiveBlocksLowerPriority(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)

	lockedPlan := types.Plan{
		Kind:     types.PlanBalancing,
		Locked:   true,
		Deadline: now.Add(3 * time.Hour),
	}
	id, _ := m.Propose(lockedPlan)
	if err := m.Apply(id, now); err != nil {
		t.Fatalf("Apply locked plan: %v", err)
	}

	manualID, _ := m.Propose(types.Plan{Kind: types.PlanManual, Deadline: now.Add(2 * time.Hour)})
	if err := m.Apply(manualID, now); err == nil {
		t.Fatal("expected manual plan to be blocked by locked balancing plan")
	}

	emergencyID, _ := m.Propose(types.Plan{Kind: types.PlanEmergency, Locked: true, Deadline: now.Add(time.Hour)})
	if err := m.Apply(emergencyID, now); err != nil {
		t.Fatalf("expected emergency to preempt locked balancing, got error: %v", err)
	}
}

func TestTick_ReplacesExpiredActiveWithSynthesizedPlan(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)

	expiring := automaticPlan(now)
	expiring.Deadline = now.Add(-time.Minute)
	id, _ := m.Propose(expiring)
	if err := m.Apply(id, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	synthCalled := false
	m.Synthesize = func(synthNow time.Time) (types.Plan, error) {
		synthCalled = true
		return automaticPlan(synthNow), nil
	}

	if err := m.Tick(now.Add(time.Minute), nil); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !synthCalled {
		t.Error("expected Tick to synthesize a replacement for the expired plan")
	}
	active, ok := m.GetActivePlan()
	if !ok {
		t.Fatal("expected a new active plan after expiry")
	}
	if active.Status != types.StatusActive {
		t.Errorf("expected new plan active, got %v", active.Status)
	}
}

func TestTick_RecomputeAppliesOnlyWhenCheaperByThreshold(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)

	plan := automaticPlan(now)
	plan.Metadata.TotalCost = 10.0
	id, _ := m.Propose(plan)
	if err := m.Apply(id, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	tinyImprovement := func() (types.Plan, error) {
		p := automaticPlan(now)
		p.Metadata.TotalCost = 9.9 // improvement < threshold
		return p, nil
	}
	if err := m.Tick(now, tinyImprovement); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	active, _ := m.GetActivePlan()
	if active.Metadata.TotalCost != 10.0 {
		t.Errorf("expected plan unchanged for sub-threshold improvement, got cost %f", active.Metadata.TotalCost)
	}

	bigImprovement := func() (types.Plan, error) {
		p := automaticPlan(now)
		p.Metadata.TotalCost = 5.0
		return p, nil
	}
	if err := m.Tick(now, bigImprovement); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	active, _ = m.GetActivePlan()
	if active.Metadata.TotalCost != 5.0 {
		t.Errorf("expected plan replaced for threshold-exceeding improvement, got cost %f", active.Metadata.TotalCost)
	}
}

func TestLoadOrBootstrap_SynthesizesWhenNoPersistedPlan(t *testing.T) {
	m := newTestManager(t)
	now := time.Date(2026, 7, 31, 8, 0, 0, 0, time.UTC)
	m.Synthesize = func(synthNow time.Time) (types.Plan, error) {
		return automaticPlan(synthNow), nil
	}
	if err := m.LoadOrBootstrap(now); err != nil {
		t.Fatalf("LoadOrBootstrap: %v", err)
	}
	if _, ok := m.GetActivePlan(); !ok {
		t.Fatal("expected an active plan after bootstrap")
	}
}

func TestFileStore_WriteReadActiveRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "filestore-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	if got, err := store.ReadActive(); err != nil || got != nil {
		t.Fatalf("expected (nil, nil) before any write, got (%v, %v)", got, err)
	}

	plan := types.Plan{ID: "p1", Kind: types.PlanAutomatic, Status: types.StatusActive}
	if err := store.WriteActive(plan); err != nil {
		t.Fatalf("WriteActive: %v", err)
	}
	got, err := store.ReadActive()
	if err != nil {
		t.Fatalf("ReadActive: %v", err)
	}
	if got == nil || got.ID != "p1" {
		t.Fatalf("expected round-tripped plan with ID p1, got %+v", got)
	}
}
