package validate

import (
	"testing"
	"time"

	"github.com/oig-battery-planner/planner/simulate"
	"github.com/oig-battery-planner/planner/types"
)

func testConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.TotalCapacityKWh = 15.36
	cfg.ExportLimitKW = 5.0
	return cfg
}

func buildIntervals(n int, pv, load, importPrice, exportPrice float64) []types.Interval {
	start := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC)
	ivs := make([]types.Interval, n)
	for i := range ivs {
		ivs[i] = types.Interval{
			T: start.Add(time.Duration(i) * 15 * time.Minute), Duration: 15 * time.Minute,
			PVKWh: pv, LoadKWh: load, ImportPrice: importPrice, ExportPrice: exportPrice,
		}
	}
	return ivs
}

func simulateTimeline(modes []types.Mode, ivs []types.Interval, initialSOC float64, cfg types.Config) []types.PlanIntervalResult {
	state := types.BatteryState{SOCKWh: initialSOC}
	out := make([]types.PlanIntervalResult, len(ivs))
	for i, iv := range ivs {
		var r types.PlanIntervalResult
		state, r = simulate.Simulate(state, iv, modes[i], cfg)
		out[i] = r
	}
	return out
}

func TestValidate_CleanPlanHasNoViolations(t *testing.T) {
	cfg := testConfig()
	ivs := buildIntervals(8, 0, 0.5, 2.0, 1.0)
	modes := make([]types.Mode, len(ivs))
	for i := range modes {
		modes[i] = types.HomeI
	}
	timeline := simulateTimeline(modes, ivs, 10.0, cfg)

	meta, violations := Validate(timeline, ivs, 10.0, nil, cfg)
	if len(violations) != 0 {
		t.Fatalf("expected no violations, got %+v", violations)
	}
	if meta.FinalSOCKWh != timeline[len(timeline)-1].SOCAfterKWh {
		t.Errorf("expected final_soc_kwh to match timeline, got %f", meta.FinalSOCKWh)
	}
	if meta.BlocksByMode[types.HomeI] != len(ivs) {
		t.Errorf("expected all %d blocks counted as HOME_I, got %d", len(ivs), meta.BlocksByMode[types.HomeI])
	}
}

func TestValidate_DetectsMinDwellViolation(t *testing.T) {
	cfg := testConfig()
	ivs := buildIntervals(4, 0, 0.5, 2.0, 1.0)
	modes := []types.Mode{types.HomeI, types.HomeUPS, types.HomeI, types.HomeI} // UPS run of length 1
	timeline := simulateTimeline(modes, ivs, 10.0, cfg)

	_, violations := Validate(timeline, ivs, 10.0, nil, cfg)
	found := false
	for _, v := range violations {
		if v.Rule == "min-dwell" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a min-dwell violation, got %+v", violations)
	}
}

func TestValidate_DetectsHoldingWindowPinViolation(t *testing.T) {
	cfg := testConfig()
	ivs := buildIntervals(4, 0, 0.5, 2.0, 1.0)
	modes := []types.Mode{types.HomeI, types.HomeI, types.HomeI, types.HomeI} // should be HOME_UPS inside window
	timeline := simulateTimeline(modes, ivs, 10.0, cfg)

	intent := &types.Intent{
		Kind: types.IntentEmergency, Locked: true, HoldingMode: types.HomeUPS,
		HoldingStart: ivs[1].T, HoldingEnd: ivs[3].T,
	}
	_, violations := Validate(timeline, ivs, 10.0, intent, cfg)
	found := false
	for _, v := range violations {
		if v.Rule == "holding-window-pin" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a holding-window-pin violation, got %+v", violations)
	}
}

func TestValidate_DetectsResimulationMismatch(t *testing.T) {
	cfg := testConfig()
	ivs := buildIntervals(2, 0, 0.5, 2.0, 1.0)
	modes := []types.Mode{types.HomeI, types.HomeI}
	timeline := simulateTimeline(modes, ivs, 10.0, cfg)

	timeline[0].GridImportKWh += 5.0 // corrupt a reported flow field

	_, violations := Validate(timeline, ivs, 10.0, nil, cfg)
	found := false
	for _, v := range violations {
		if v.Rule == "resimulation-mismatch" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a resimulation-mismatch violation, got %+v", violations)
	}
}

func TestValidate_ShapeMismatchIsReported(t *testing.T) {
	cfg := testConfig()
	ivs := buildIntervals(4, 0, 0.5, 2.0, 1.0)
	timeline := make([]types.PlanIntervalResult, 2)

	_, violations := Validate(timeline, ivs, 10.0, nil, cfg)
	if len(violations) != 1 || violations[0].Rule != "shape-mismatch" {
		t.Fatalf("expected exactly one shape-mismatch violation, got %+v", violations)
	}
}
