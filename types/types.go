// Package types holds the data model shared by every planning component:
// intervals, battery state, configuration, modes, and the Plan the
// optimizer produces and the Plan Manager owns.
package types

import (
	"fmt"
	"time"
)

// Mode is an inverter operating mode. The four modes are mutually
// exclusive; their physics are defined in the simulate package.
type Mode string

const (
	HomeI   Mode = "HOME_I"
	HomeII  Mode = "HOME_II"
	HomeIII Mode = "HOME_III"
	HomeUPS Mode = "HOME_UPS"
)

func (m Mode) Valid() bool {
	switch m {
	case HomeI, HomeII, HomeIII, HomeUPS:
		return true
	}
	return false
}

// SOCTolerance is the floating-point slack used everywhere a SoC value
// is compared against user_min_kwh, per spec epsilon = 0.01 kWh.
const SOCTolerance = 0.01

// Interval is one immutable 15-minute slot of the planning horizon.
type Interval struct {
	T           time.Time // UTC, aligned to a 15-minute boundary
	Duration    time.Duration
	PVKWh       float64 // >= 0
	LoadKWh     float64 // >= 0
	ImportPrice float64 // currency/kWh
	ExportPrice float64 // currency/kWh, may be negative
}

// BatteryState is the battery's state of charge at an instant.
type BatteryState struct {
	SOCKWh float64
}

// Percent returns the state of charge as a fraction of total capacity.
func (s BatteryState) Percent(totalCapacityKWh float64) float64 {
	if totalCapacityKWh <= 0 {
		return 0
	}
	return s.SOCKWh / totalCapacityKWh
}

// Config is the process-wide planner configuration. See spec.md §3 for
// field semantics; defaults come from DefaultConfig.
type Config struct {
	TotalCapacityKWh     float64       `json:"total_capacity_kwh"`
	HWMinPercent         float64       `json:"hw_min_percent"`
	UserMinPercent       float64       `json:"user_min_percent"`
	TargetPercent        float64       `json:"target_percent"`
	ACChargeKW           float64       `json:"ac_charge_kw"`
	DischargeEfficiency  float64       `json:"discharge_efficiency"`
	ChargeEfficiencyDCDC float64       `json:"charge_efficiency_dcdc"`
	ChargeEfficiencyACDC float64       `json:"charge_efficiency_acdc"`
	ExportLimitKW        float64       `json:"export_limit_kw"`
	BoilerEnabled        bool          `json:"boiler_enabled"`
	BoilerPowerKW        float64       `json:"boiler_power_kw"`
	ThresholdCheap       float64       `json:"threshold_cheap"`
	SafetyMarginKWh      float64       `json:"safety_margin_kwh"`
	BalancingIntervalDays int          `json:"balancing_interval_days"`
	BalancingHoldHours   float64       `json:"balancing_hold_hours"`
	WeatherEmergencyLevels []Severity  `json:"weather_emergency_levels"`
	Location             string        `json:"location"`
}

// HWMinKWh is the hardware SoC floor in kWh.
func (c Config) HWMinKWh() float64 { return c.TotalCapacityKWh * c.HWMinPercent / 100.0 }

// UserMinKWh is the user-configured SoC floor in kWh.
func (c Config) UserMinKWh() float64 { return c.TotalCapacityKWh * c.UserMinPercent / 100.0 }

// TargetKWh is the end-of-horizon soft goal in kWh.
func (c Config) TargetKWh() float64 { return c.TotalCapacityKWh * c.TargetPercent / 100.0 }

// Validate enforces the ordering and range constraints from spec.md §3/§7
// (ConfigInvalid). It never mutates c.
func (c Config) Validate() error {
	if c.TotalCapacityKWh <= 0 {
		return fmt.Errorf("%w: total_capacity_kwh must be positive, got %f", ErrConfigInvalid, c.TotalCapacityKWh)
	}
	if c.HWMinPercent < 0 || c.HWMinPercent > 100 {
		return fmt.Errorf("%w: hw_min_percent out of range: %f", ErrConfigInvalid, c.HWMinPercent)
	}
	if c.UserMinPercent < c.HWMinPercent {
		return fmt.Errorf("%w: user_min_percent (%f) cannot be below hw_min_percent (%f)", ErrConfigInvalid, c.UserMinPercent, c.HWMinPercent)
	}
	if c.TargetPercent < c.UserMinPercent {
		return fmt.Errorf("%w: target_percent (%f) cannot be below user_min_percent (%f)", ErrConfigInvalid, c.TargetPercent, c.UserMinPercent)
	}
	if c.TargetPercent > 100 {
		return fmt.Errorf("%w: target_percent cannot exceed 100, got %f", ErrConfigInvalid, c.TargetPercent)
	}
	if c.ACChargeKW < 0 {
		return fmt.Errorf("%w: ac_charge_kw must be non-negative", ErrConfigInvalid)
	}
	if c.DischargeEfficiency <= 0 || c.DischargeEfficiency > 1 {
		return fmt.Errorf("%w: discharge_efficiency out of range: %f", ErrConfigInvalid, c.DischargeEfficiency)
	}
	if c.ChargeEfficiencyDCDC <= 0 || c.ChargeEfficiencyDCDC > 1 {
		return fmt.Errorf("%w: charge_efficiency_dcdc out of range: %f", ErrConfigInvalid, c.ChargeEfficiencyDCDC)
	}
	if c.ChargeEfficiencyACDC <= 0 || c.ChargeEfficiencyACDC > 1 {
		return fmt.Errorf("%w: charge_efficiency_acdc out of range: %f", ErrConfigInvalid, c.ChargeEfficiencyACDC)
	}
	if c.ExportLimitKW < 0 {
		return fmt.Errorf("%w: export_limit_kw must be non-negative", ErrConfigInvalid)
	}
	if c.BalancingIntervalDays <= 0 {
		return fmt.Errorf("%w: balancing_interval_days must be positive", ErrConfigInvalid)
	}
	return nil
}

// DefaultConfig returns the defaults named in spec.md §3.
func DefaultConfig() Config {
	return Config{
		HWMinPercent:          20,
		UserMinPercent:        33,
		TargetPercent:         80,
		ACChargeKW:            2.8,
		DischargeEfficiency:   0.882,
		ChargeEfficiencyDCDC:  0.95,
		ChargeEfficiencyACDC:  0.95,
		ThresholdCheap:        1.5,
		SafetyMarginKWh:       2.0,
		BalancingIntervalDays: 7,
		BalancingHoldHours:    3,
		Location:              "Europe/Prague",
	}
}

// PlanIntervalResult is the per-interval simulated outcome of a mode
// assignment, as produced by simulate.Simulate and recorded in a Plan.
type PlanIntervalResult struct {
	T                time.Time
	Mode             Mode
	SOCAfterKWh      float64
	GridImportKWh    float64
	GridExportKWh    float64
	BatteryChargeKWh float64
	BatteryDischargeKWh float64
	DeficitKWh       float64 // discharge truncated at the user_min floor, served from grid instead
	CurtailedKWh     float64
	BoilerKWh        float64
	NetCost          float64
	Reason           string
}

// PlanKind distinguishes why a Plan exists.
type PlanKind string

const (
	PlanAutomatic  PlanKind = "automatic"
	PlanManual     PlanKind = "manual"
	PlanSimulation PlanKind = "simulation"
	PlanBalancing  PlanKind = "balancing"
	PlanEmergency  PlanKind = "emergency"
)

// PlanStatus is a Plan's lifecycle state (spec.md §3 Lifecycles).
type PlanStatus string

const (
	StatusPending     PlanStatus = "pending"
	StatusActive      PlanStatus = "active"
	StatusReverted    PlanStatus = "reverted"
	StatusInvalidated PlanStatus = "invalidated"
	StatusExpired     PlanStatus = "expired"
	StatusCompleted   PlanStatus = "completed"
)

// PlanMetadata is populated by validate.Validate after a Plan's timeline
// has been finalized.
type PlanMetadata struct {
	TotalCost             float64        `json:"total_cost"`
	MinCapacityViolations  int            `json:"min_capacity_violations"`
	TargetAchieved        bool           `json:"target_achieved"`
	FinalSOCKWh           float64        `json:"final_soc_kwh"`
	ModeSwitches          int            `json:"mode_switches"`
	ClampEvents           int            `json:"clamp_events"`
	BlocksByMode          map[Mode]int   `json:"blocks_by_mode"`
}

// Plan is the full per-interval mode assignment over a horizon, owned
// exclusively by the Plan Manager (planstore.Manager).
type Plan struct {
	ID             string                `json:"id"`
	Kind           PlanKind              `json:"kind"`
	Status         PlanStatus            `json:"status"`
	CreatedAt      time.Time             `json:"created_at"`
	ActivatedAt    time.Time             `json:"activated_at,omitempty"`
	Deadline       time.Time             `json:"deadline"`
	HoldingStart   *time.Time            `json:"holding_start,omitempty"`
	HoldingEnd     *time.Time            `json:"holding_end,omitempty"`
	RequiredSOCKWh *float64              `json:"required_soc_kwh,omitempty"`
	Locked         bool                  `json:"locked"`
	Timeline       []PlanIntervalResult  `json:"timeline"`
	Metadata       PlanMetadata          `json:"metadata"`
}

// Severity is a weather-warning severity level (spec.md §6).
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityYellow Severity = "yellow"
	SeverityOrange Severity = "orange"
	SeverityRed    Severity = "red"
)

// IntentKind distinguishes the source of an Intent.
type IntentKind string

const (
	IntentBalancingForced        IntentKind = "balancing_forced"
	IntentBalancingOpportunistic IntentKind = "balancing_opportunistic"
	IntentEmergency              IntentKind = "emergency"
)

// Priority returns the preemption priority of an intent kind, higher
// values preempt lower ones, per spec.md §3: emergency > balancing-forced
// > balancing-opportunistic > manual > automatic.
func (k IntentKind) Priority() int {
	switch k {
	case IntentEmergency:
		return 4
	case IntentBalancingForced:
		return 3
	case IntentBalancingOpportunistic:
		return 2
	}
	return 0
}

// Intent is an immutable request from a monitor (balancing, weather) to
// the Plan Manager. Monitors never call the optimizer directly; only the
// Plan Manager converts an Intent + forecast into a Plan.
type Intent struct {
	Kind           IntentKind
	RequiredSOCKWh float64
	HoldingStart   time.Time
	HoldingEnd     time.Time
	HoldingMode    Mode
	Locked         bool
}

// PlanPriority returns the preemption priority of a PlanKind, used by
// the Plan Manager to decide preemption.
func PlanPriority(kind PlanKind) int {
	switch kind {
	case PlanEmergency:
		return 4
	case PlanBalancing:
		return 3 // forced/opportunistic distinguished via Locked
	case PlanManual:
		return 1
	case PlanAutomatic:
		return 0
	}
	return 0
}

// ModeHint influences how a manual/simulation plan's optimizer run is
// biased; see spec.md §9.
type ModeHint string

const (
	ModeHintEconomic      ModeHint = "economic"
	ModeHintFast          ModeHint = "fast"
	ModeHintSolarPriority ModeHint = "solar_priority"
)

// ManualPlanOptions is the parsed, validated request behind
// propose_manual()/simulate() (spec.md §6, §9). Parsed once at the
// boundary, never passed around as a free-form map.
type ManualPlanOptions struct {
	TargetSOCPercent float64
	Deadline         time.Time
	HoldingHours     float64
	ModeHint         ModeHint
	ScenarioName     string // only meaningful for simulate()
}

// Validate checks a ManualPlanOptions against the bounds in spec.md §9.
func (o ManualPlanOptions) Validate(now time.Time, cfg Config) error {
	if o.TargetSOCPercent < cfg.HWMinPercent || o.TargetSOCPercent > 100 {
		return fmt.Errorf("%w: target_soc_percent %f out of [%f, 100]", ErrConfigInvalid, o.TargetSOCPercent, cfg.HWMinPercent)
	}
	if !o.Deadline.After(now.Add(15 * time.Minute)) {
		return fmt.Errorf("%w: deadline must be at least 15 minutes from now", ErrConfigInvalid)
	}
	if o.HoldingHours < 0 || o.HoldingHours > 12 {
		return fmt.Errorf("%w: holding_hours %f out of [0, 12]", ErrConfigInvalid, o.HoldingHours)
	}
	switch o.ModeHint {
	case "", ModeHintEconomic, ModeHintFast, ModeHintSolarPriority:
	default:
		return fmt.Errorf("%w: unrecognized mode_hint %q", ErrConfigInvalid, o.ModeHint)
	}
	return nil
}

// BalancingState is the Balancing Coordinator's current state (spec.md §4.7).
type BalancingState string

const (
	BalancingIdle          BalancingState = "idle"
	BalancingNatural        BalancingState = "natural"
	BalancingOpportunistic  BalancingState = "opportunistic"
	BalancingForced         BalancingState = "forced"
	BalancingHolding        BalancingState = "holding"
	BalancingCompleted      BalancingState = "completed"
)

// BalancingStatus is the read-only status surfaced to external callers
// (spec.md §6 outputs).
type BalancingStatus struct {
	State          BalancingState `json:"state"`
	DaysSinceLast  float64        `json:"days_since_last"`
	LastBalancing  time.Time      `json:"last_balancing"`
	NextDeadline   time.Time      `json:"next_deadline"`
	PlannedWindow  *Window        `json:"planned_window,omitempty"`
	Mode           Mode           `json:"mode,omitempty"`
}

// Window is a [Start, End) time range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
