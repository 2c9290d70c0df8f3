package enforce

import (
	"testing"
	"time"

	"github.com/oig-battery-planner/planner/types"
)

func modes(ms ...types.Mode) []types.Mode { return ms }

func TestEnforceMinDwell_RewritesShortRuns(t *testing.T) {
	in := modes(types.HomeI, types.HomeUPS, types.HomeI, types.HomeI, types.HomeUPS, types.HomeUPS, types.HomeI)
	out := EnforceMinDwell(in, nil)
	want := modes(types.HomeI, types.HomeI, types.HomeI, types.HomeI, types.HomeUPS, types.HomeUPS, types.HomeI)
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("index %d: got %v want %v (full: %v)", i, out[i], want[i], out)
		}
	}
}

func TestEnforceMinDwell_HoldingWindowPinsWin(t *testing.T) {
	in := modes(types.HomeI, types.HomeI, types.HomeI, types.HomeI)
	hw := &HoldingWindow{StartIdx: 1, EndIdx: 2, Mode: types.HomeUPS}
	out := EnforceMinDwell(in, hw)
	if out[1] != types.HomeUPS {
		t.Fatalf("holding window pin should survive dwell rewrite, got %v", out[1])
	}
}

func TestMergeGaps_MergesShortGapBetweenMatchingRuns(t *testing.T) {
	in := modes(types.HomeIII, types.HomeIII, types.HomeI, types.HomeIII, types.HomeIII)
	out := MergeGaps(in, nil, func(start, end int, mode types.Mode) float64 {
		return 1.0 // cheaper than the flat benefit, so it should merge
	})
	for i, m := range out {
		if m != types.HomeIII {
			t.Fatalf("expected full run of HOME_III after merge, index %d = %v (full: %v)", i, m, out)
		}
	}
}

func TestMergeGaps_SkipsWhenCostTooHigh(t *testing.T) {
	in := modes(types.HomeIII, types.HomeIII, types.HomeI, types.HomeIII, types.HomeIII)
	out := MergeGaps(in, nil, func(start, end int, mode types.Mode) float64 {
		return 100.0 // far above the flat benefit, should not merge
	})
	if out[2] != types.HomeI {
		t.Fatalf("expected gap to remain HOME_I, got %v", out[2])
	}
}

func testConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.TotalCapacityKWh = 15.36
	return cfg
}

func buildIntervals(n int, load float64) []types.Interval {
	ivs := make([]types.Interval, n)
	base := time.Date(2026, 1, 1, 22, 0, 0, 0, time.UTC)
	for i := range ivs {
		ivs[i] = types.Interval{T: base.Add(time.Duration(i) * 15 * time.Minute), LoadKWh: load, ImportPrice: 2.0}
	}
	return ivs
}

func TestRepairFloor_InsertsUPSToFixViolation(t *testing.T) {
	cfg := testConfig()
	n := 24
	ivs := buildIntervals(n, 0.6)
	in := make([]types.Mode, n)
	for i := range in {
		in[i] = types.HomeI
	}
	startSOC := cfg.UserMinKWh() + 0.3 // barely above floor, will dip

	opps := make([]Opportunity, n)
	for i := range opps {
		opps[i] = Opportunity{Index: i, Price: ivs[i].ImportPrice}
	}

	res := RepairFloor(in, ivs, startSOC, cfg, opps, nil, nil)
	for i, r := range res.Timeline {
		if r.SOCAfterKWh < cfg.UserMinKWh()-types.SOCTolerance && !res.StillViolating {
			t.Fatalf("interval %d soc %f below user_min after repair claims success", i, r.SOCAfterKWh)
		}
	}
}

func TestClampExport_MovesExcessToCurtailed(t *testing.T) {
	in := []types.PlanIntervalResult{{GridExportKWh: 2.0}}
	out := ClampExport(in, 4.0) // cap = 1.0 kWh/interval
	if out[0].GridExportKWh != 1.0 {
		t.Fatalf("expected export clamped to 1.0, got %f", out[0].GridExportKWh)
	}
	if out[0].CurtailedKWh != 1.0 {
		t.Fatalf("expected curtailed 1.0, got %f", out[0].CurtailedKWh)
	}
}
