package simulate

import (
	"math"
	"testing"
	"time"

	"github.com/oig-battery-planner/planner/types"
)

func testConfig() types.Config {
	cfg := types.DefaultConfig()
	cfg.TotalCapacityKWh = 15.36
	cfg.ExportLimitKW = 5.0
	return cfg
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestNightBoundary_FloorClampsToHwMin(t *testing.T) {
	cfg := testConfig()
	before := types.BatteryState{SOCKWh: cfg.HWMinKWh()}
	iv := types.Interval{T: time.Now(), LoadKWh: 0.5, PVKWh: 0}
	after, r := Simulate(before, iv, types.HomeI, cfg)

	if r.BatteryDischargeKWh != 0 {
		t.Errorf("at hw_min, night discharge should be 0, got %f", r.BatteryDischargeKWh)
	}
	if !almostEqual(after.SOCKWh, cfg.HWMinKWh()) {
		t.Errorf("soc should remain at hw_min, got %f", after.SOCKWh)
	}
	if r.GridImportKWh != 0.5 {
		t.Errorf("grid should cover the full load, got %f", r.GridImportKWh)
	}
}

func TestHomeI_ExportCappedAndCurtailed(t *testing.T) {
	cfg := testConfig()
	cfg.TotalCapacityKWh = 15.36
	before := types.BatteryState{SOCKWh: cfg.TotalCapacityKWh * 0.9}
	iv := types.Interval{T: time.Now(), PVKWh: 3.0, LoadKWh: 0.5}

	// Fill the battery first so PV surplus has nowhere to go but export.
	after, r := Simulate(before, iv, types.HomeI, cfg)
	cap := cfg.ExportLimitKW * 0.25
	if r.GridExportKWh > cap+1e-9 {
		t.Fatalf("export %f exceeds cap %f", r.GridExportKWh, cap)
	}
	surplus := 3.0 - 0.5 - (cfg.TotalCapacityKWh - before.SOCKWh)
	if surplus > cap {
		if !almostEqual(r.GridExportKWh, cap) {
			t.Errorf("expected export pinned at cap %f, got %f", cap, r.GridExportKWh)
		}
		wantCurtailed := surplus - cap
		if !almostEqual(r.CurtailedKWh, wantCurtailed) {
			t.Errorf("expected curtailed %f, got %f", wantCurtailed, r.CurtailedKWh)
		}
	}
	if after.SOCKWh > cfg.TotalCapacityKWh+1e-9 {
		t.Errorf("soc must not exceed capacity, got %f", after.SOCKWh)
	}
}

func TestHomeUPS_ChargesFromGridAndPV(t *testing.T) {
	cfg := testConfig()
	before := types.BatteryState{SOCKWh: cfg.HWMinKWh()}
	iv := types.Interval{T: time.Now(), PVKWh: 0.2, LoadKWh: 0.4}
	after, r := Simulate(before, iv, types.HomeUPS, cfg)

	maxGridDC := cfg.ACChargeKW * 0.25 / cfg.ChargeEfficiencyACDC
	if r.BatteryChargeKWh > 0.2+maxGridDC+1e-9 {
		t.Errorf("charge %f exceeds pv+grid ceiling", r.BatteryChargeKWh)
	}
	if after.SOCKWh <= before.SOCKWh {
		t.Errorf("UPS mode should charge the battery, soc went from %f to %f", before.SOCKWh, after.SOCKWh)
	}
	if r.GridImportKWh < iv.LoadKWh {
		t.Errorf("grid import should cover load plus any grid charge, got %f", r.GridImportKWh)
	}
}

func TestHomeIII_AllPVToBattery(t *testing.T) {
	cfg := testConfig()
	before := types.BatteryState{SOCKWh: cfg.HWMinKWh()}
	iv := types.Interval{T: time.Now(), PVKWh: 1.0, LoadKWh: 0.6}
	after, r := Simulate(before, iv, types.HomeIII, cfg)

	if !almostEqual(r.GridImportKWh, iv.LoadKWh) {
		t.Errorf("HOME III must serve load fully from grid, got import %f want %f", r.GridImportKWh, iv.LoadKWh)
	}
	if after.SOCKWh <= before.SOCKWh {
		t.Errorf("HOME III should charge from all PV, soc did not rise")
	}
}

func TestDeficitTruncatedAtUserMin(t *testing.T) {
	cfg := testConfig()
	before := types.BatteryState{SOCKWh: cfg.UserMinKWh() + 0.1}
	iv := types.Interval{T: time.Now(), PVKWh: 0, LoadKWh: 5.0}
	after, r := Simulate(before, iv, types.HomeI, cfg)

	if after.SOCKWh < cfg.UserMinKWh()-types.SOCTolerance {
		t.Errorf("soc dropped below user_min: %f", after.SOCKWh)
	}
	if r.DeficitKWh <= 0 {
		t.Errorf("expected a reported deficit when load exceeds available discharge")
	}
}

func TestInvalidModePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on invalid mode")
		}
	}()
	cfg := testConfig()
	Simulate(types.BatteryState{SOCKWh: cfg.HWMinKWh()}, types.Interval{T: time.Now()}, types.Mode("BOGUS"), cfg)
}
