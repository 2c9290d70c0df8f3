package types

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestConfig_KWhHelpers(t *testing.T) {
	cfg := Config{TotalCapacityKWh: 15.36, HWMinPercent: 20, UserMinPercent: 33, TargetPercent: 80}
	if got := cfg.HWMinKWh(); got != 15.36*0.20 {
		t.Errorf("HWMinKWh() = %v, want %v", got, 15.36*0.20)
	}
	if got := cfg.UserMinKWh(); math.Abs(got-15.36*0.33) > 1e-9 {
		t.Errorf("UserMinKWh() = %v, want %v", got, 15.36*0.33)
	}
	if got := cfg.TargetKWh(); got != 15.36*0.80 {
		t.Errorf("TargetKWh() = %v, want %v", got, 15.36*0.80)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := DefaultConfig()
	valid.TotalCapacityKWh = 15.36
	valid.ExportLimitKW = 5.0
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected a fully-populated default config to validate, got: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(c *Config)
	}{
		{"zero capacity", func(c *Config) { c.TotalCapacityKWh = 0 }},
		{"hw_min out of range", func(c *Config) { c.HWMinPercent = 150 }},
		{"user_min below hw_min", func(c *Config) { c.UserMinPercent = c.HWMinPercent - 1 }},
		{"target below user_min", func(c *Config) { c.TargetPercent = c.UserMinPercent - 1 }},
		{"target over 100", func(c *Config) { c.TargetPercent = 101 }},
		{"negative ac_charge_kw", func(c *Config) { c.ACChargeKW = -1 }},
		{"discharge efficiency zero", func(c *Config) { c.DischargeEfficiency = 0 }},
		{"dcdc efficiency over one", func(c *Config) { c.ChargeEfficiencyDCDC = 1.1 }},
		{"acdc efficiency negative", func(c *Config) { c.ChargeEfficiencyACDC = -0.1 }},
		{"negative export limit", func(c *Config) { c.ExportLimitKW = -1 }},
		{"zero balancing interval", func(c *Config) { c.BalancingIntervalDays = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected an error for %s", tc.name)
			}
			if !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("expected ErrConfigInvalid, got: %v", err)
			}
		})
	}
}

func TestMode_Valid(t *testing.T) {
	for _, m := range []Mode{HomeI, HomeII, HomeIII, HomeUPS} {
		if !m.Valid() {
			t.Errorf("%q should be a valid mode", m)
		}
	}
	if Mode("HOME_IV").Valid() {
		t.Error("HOME_IV should not be a valid mode")
	}
}

func TestBatteryState_Percent(t *testing.T) {
	s := BatteryState{SOCKWh: 7.68}
	if got := s.Percent(15.36); got != 0.5 {
		t.Errorf("Percent() = %v, want 0.5", got)
	}
	if got := s.Percent(0); got != 0 {
		t.Errorf("Percent() with zero capacity = %v, want 0", got)
	}
}

func TestIntentKind_Priority(t *testing.T) {
	if IntentEmergency.Priority() <= IntentBalancingForced.Priority() {
		t.Error("emergency must outrank balancing-forced")
	}
	if IntentBalancingForced.Priority() <= IntentBalancingOpportunistic.Priority() {
		t.Error("balancing-forced must outrank balancing-opportunistic")
	}
}

func TestPlanPriority_OrdersByKind(t *testing.T) {
	if PlanPriority(PlanEmergency) <= PlanPriority(PlanBalancing) {
		t.Error("PlanEmergency must outrank PlanBalancing")
	}
	if PlanPriority(PlanBalancing) <= PlanPriority(PlanManual) {
		t.Error("PlanBalancing must outrank PlanManual")
	}
	if PlanPriority(PlanManual) <= PlanPriority(PlanAutomatic) {
		t.Error("PlanManual must outrank PlanAutomatic")
	}
}

func TestManualPlanOptions_Validate(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.TotalCapacityKWh = 15.36

	valid := ManualPlanOptions{TargetSOCPercent: 90, Deadline: now.Add(2 * time.Hour), HoldingHours: 1, ModeHint: ModeHintEconomic}
	if err := valid.Validate(now, cfg); err != nil {
		t.Fatalf("expected valid options to pass, got: %v", err)
	}

	tooSoon := valid
	tooSoon.Deadline = now.Add(time.Minute)
	if err := tooSoon.Validate(now, cfg); err == nil {
		t.Error("expected an error for a deadline under 15 minutes away")
	}

	belowFloor := valid
	belowFloor.TargetSOCPercent = cfg.HWMinPercent - 1
	if err := belowFloor.Validate(now, cfg); err == nil {
		t.Error("expected an error for target_soc_percent below hw_min_percent")
	}

	tooLongHold := valid
	tooLongHold.HoldingHours = 13
	if err := tooLongHold.Validate(now, cfg); err == nil {
		t.Error("expected an error for holding_hours above 12")
	}

	badHint := valid
	badHint.ModeHint = ModeHint("bogus")
	if err := badHint.Validate(now, cfg); err == nil {
		t.Error("expected an error for an unrecognized mode_hint")
	}
}
