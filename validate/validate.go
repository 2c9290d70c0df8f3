// Package validate implements the Validator & Metadata Builder (spec.md
// §4.10): a post-pass that re-simulates a finished Plan timeline and
// checks every invariant in spec.md §8, then builds the PlanMetadata the
// Plan Manager stores alongside the Plan. Grounded in the
// expected-value assertion style of scheduler/scheduler_test.go and
// mpc/mpc_test.go, generalized from test-only checks into a runtime pass
// every produced Plan goes through.
package validate

import (
	"fmt"
	"math"
	"time"

	"github.com/oig-battery-planner/planner/costing"
	"github.com/oig-battery-planner/planner/simulate"
	"github.com/oig-battery-planner/planner/types"
)

// resimTolerance bounds the acceptable drift between a reported result
// field and its re-simulated value (everything except SOCAfterKWh, which
// the floor-repair post-pass may have deliberately clamped).
const resimTolerance = 1e-3

// Violation is one invariant breach found in a Plan timeline.
type Violation struct {
	Rule          string
	IntervalIndex int
	T             time.Time
	Message       string
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] interval %d (%s): %s", v.Rule, v.IntervalIndex, v.T.Format(time.RFC3339), v.Message)
}

// Validate re-simulates timeline against ivs starting from initialSOC and
// checks spec.md §8's invariants 1-5 and 7 (invariant 6, "exactly one
// active Plan", is cross-Plan and enforced by planstore, not here). It
// never mutates timeline. intent may be nil when no balancing/emergency
// intent is in force.
func Validate(timeline []types.PlanIntervalResult, ivs []types.Interval, initialSOC float64, intent *types.Intent, cfg types.Config) (types.PlanMetadata, []Violation) {
	meta := types.PlanMetadata{BlocksByMode: map[types.Mode]int{}}
	var violations []Violation

	if len(timeline) != len(ivs) {
		violations = append(violations, Violation{
			Rule:    "shape-mismatch",
			Message: fmt.Sprintf("timeline has %d intervals, forecast has %d", len(timeline), len(ivs)),
		})
		return meta, violations
	}
	if len(timeline) == 0 {
		return meta, violations
	}

	hwMin := cfg.HWMinKWh()
	userMin := cfg.UserMinKWh()
	exportCapKWh := cfg.ExportLimitKW * 0.25
	acChargeCapKWh := cfg.ACChargeKW * 0.25

	state := types.BatteryState{SOCKWh: initialSOC}
	var totalCost float64
	var modeSwitches int

	for i, r := range timeline {
		iv := ivs[i]
		meta.BlocksByMode[r.Mode]++
		if i > 0 && r.Mode != timeline[i-1].Mode {
			modeSwitches++
		}
		totalCost += costing.NetCost(r, iv)

		// Invariant 1: hw_min_kwh <= soc_after_kwh <= total_capacity.
		if r.SOCAfterKWh < hwMin-types.SOCTolerance || r.SOCAfterKWh > cfg.TotalCapacityKWh+types.SOCTolerance {
			violations = append(violations, Violation{
				Rule: "hw-floor-ceiling", IntervalIndex: i, T: iv.T,
				Message: fmt.Sprintf("soc_after_kwh=%.4f outside [%.4f, %.4f]", r.SOCAfterKWh, hwMin, cfg.TotalCapacityKWh),
			})
		}

		// Invariant 2: soc_after_kwh >= user_min_kwh - epsilon, else a
		// logged (not fatal) min-capacity violation.
		if r.SOCAfterKWh < userMin-types.SOCTolerance {
			meta.MinCapacityViolations++
			meta.ClampEvents++
		}

		// Invariant 4: export and UPS-charge-from-grid caps.
		if r.GridExportKWh > exportCapKWh+1e-6 {
			violations = append(violations, Violation{
				Rule: "export-cap", IntervalIndex: i, T: iv.T,
				Message: fmt.Sprintf("grid_export_kwh=%.4f exceeds cap %.4f", r.GridExportKWh, exportCapKWh),
			})
		}
		if r.Mode == types.HomeUPS {
			gridChargeAC := r.GridImportKWh - iv.LoadKWh
			if gridChargeAC > acChargeCapKWh+1e-6 {
				violations = append(violations, Violation{
					Rule: "ups-charge-cap", IntervalIndex: i, T: iv.T,
					Message: fmt.Sprintf("ups grid charge %.4f exceeds cap %.4f", gridChargeAC, acChargeCapKWh),
				})
			}
		}

		// Invariant 7: a locked intent's holding window must be pinned to
		// its holding mode throughout.
		if intent != nil && intent.Locked && withinWindow(iv.T, intent.HoldingStart, intent.HoldingEnd) && r.Mode != intent.HoldingMode {
			violations = append(violations, Violation{
				Rule: "holding-window-pin", IntervalIndex: i, T: iv.T,
				Message: fmt.Sprintf("expected holding mode %s inside locked window, got %s", intent.HoldingMode, r.Mode),
			})
		}

		// Re-simulation cross-check: every flow field except SOCAfterKWh
		// (which floor-repair's post-pass may have deliberately clamped)
		// must match Simulate to within resimTolerance. This is what verifies invariant 5
		// (energy conservation) — Simulate's own construction is
		// conservation-balanced by definition, so any divergence here is a
		// ProgrammerError-class bug in how the timeline was assembled.
		var resim types.PlanIntervalResult
		state, resim = simulate.Simulate(state, iv, r.Mode, cfg)
		if !closeEnough(resim.BatteryChargeKWh, r.BatteryChargeKWh) ||
			!closeEnough(resim.BatteryDischargeKWh, r.BatteryDischargeKWh) ||
			!closeEnough(resim.GridImportKWh, r.GridImportKWh) ||
			!closeEnough(resim.GridExportKWh, r.GridExportKWh) ||
			!closeEnough(resim.DeficitKWh, r.DeficitKWh) ||
			!closeEnough(resim.CurtailedKWh, r.CurtailedKWh) ||
			!closeEnough(resim.BoilerKWh, r.BoilerKWh) {
			violations = append(violations, Violation{
				Rule: "resimulation-mismatch", IntervalIndex: i, T: iv.T,
				Message: "reported flows diverge from re-simulated physics",
			})
		}
		state.SOCKWh = r.SOCAfterKWh // continue from the Plan's own (possibly clamped) trajectory
	}

	violations = append(violations, checkRunLengths(timeline)...)

	meta.TotalCost = totalCost
	meta.FinalSOCKWh = timeline[len(timeline)-1].SOCAfterKWh
	meta.ModeSwitches = modeSwitches
	meta.TargetAchieved = meta.FinalSOCKWh >= cfg.TargetKWh()-types.SOCTolerance

	return meta, violations
}

// checkRunLengths enforces invariant 3: every maximal run of a mode other
// than HOME I must have length >= 2 (the minimum-dwell constraint the
// Constraint Enforcer is supposed to have already guaranteed).
func checkRunLengths(timeline []types.PlanIntervalResult) []Violation {
	var violations []Violation
	i := 0
	for i < len(timeline) {
		j := i
		for j < len(timeline) && timeline[j].Mode == timeline[i].Mode {
			j++
		}
		runLen := j - i
		if timeline[i].Mode != types.HomeI && runLen < 2 {
			violations = append(violations, Violation{
				Rule: "min-dwell", IntervalIndex: i, T: timeline[i].T,
				Message: fmt.Sprintf("run of %s has length %d, minimum is 2", timeline[i].Mode, runLen),
			})
		}
		i = j
	}
	return violations
}

func withinWindow(t, start, end time.Time) bool {
	return !t.Before(start) && t.Before(end)
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) <= resimTolerance
}
