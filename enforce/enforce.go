// Package enforce implements the Constraint Enforcer (spec.md §4.6): the
// minimum-dwell rewrite, gap merge, post-hoc floor repair loop, and the
// export/charge-rate clamps, each exposed as a separately testable pure
// function over a mode sequence or a fully simulated Plan.
package enforce

import (
	"fmt"

	"github.com/oig-battery-planner/planner/simulate"
	"github.com/oig-battery-planner/planner/types"
)

// MinDwellIntervals is the minimum run length for any mode other than
// HOME I (spec.md §4.5 Phase 8): 2 intervals, i.e. 30 minutes.
const MinDwellIntervals = 2

// GapMergeBenefit is the flat stability benefit (currency units) used to
// decide whether merging a short HOME I gap is worth its estimated cost
// increase (spec.md §4.5 Phase 9).
const GapMergeBenefit = 2.0

// MaxFloorRepairIterations bounds the floor-repair loop (spec.md §4.5
// post-pass).
const MaxFloorRepairIterations = 10

// HoldingWindow describes a locked/pinned intent window that constraint
// operations must never override, per spec.md §4.5 Phase 8.
type HoldingWindow struct {
	StartIdx int
	EndIdx   int // exclusive
	Mode     types.Mode
}

func (w *HoldingWindow) contains(i int) bool {
	return w != nil && i >= w.StartIdx && i < w.EndIdx
}

// EnforceMinDwell rewrites any run of a mode other than HOME I shorter
// than MinDwellIntervals back to HOME I, then re-pins any interval
// inside the holding window to its holding mode — pins always win and
// cannot be undone by the dwell rewrite itself running afterward.
func EnforceMinDwell(modes []types.Mode, holding *HoldingWindow) []types.Mode {
	out := make([]types.Mode, len(modes))
	copy(out, modes)

	i := 0
	for i < len(out) {
		j := i
		for j < len(out) && out[j] == out[i] {
			j++
		}
		runLen := j - i
		if out[i] != types.HomeI && runLen < MinDwellIntervals {
			for k := i; k < j; k++ {
				if !holding.contains(k) {
					out[k] = types.HomeI
				}
			}
		}
		i = j
	}

	if holding != nil {
		for k := holding.StartIdx; k < holding.EndIdx && k < len(out); k++ {
			if k >= 0 {
				out[k] = holding.Mode
			}
		}
	}

	return out
}

// MergeGaps replaces a HOME I gap of length 1 or 2 between two runs of
// the same non-HOME-I mode M with M, when the flat stability benefit
// exceeds the estimated cost of running M instead of HOME I across the
// gap. The estimated cost increase is the caller-supplied gapCost
// function, evaluated per candidate gap; pinned holding intervals are
// never touched.
func MergeGaps(modes []types.Mode, holding *HoldingWindow, gapCost func(startIdx, endIdx int, mode types.Mode) float64) []types.Mode {
	out := make([]types.Mode, len(modes))
	copy(out, modes)

	i := 0
	for i < len(out) {
		if out[i] != types.HomeI {
			i++
			continue
		}
		gapStart := i
		j := i
		for j < len(out) && out[j] == types.HomeI {
			j++
		}
		gapLen := j - gapStart
		if gapLen == 1 || gapLen == 2 {
			leftMode := types.Mode("")
			if gapStart > 0 {
				leftMode = out[gapStart-1]
			}
			rightMode := types.Mode("")
			if j < len(out) {
				rightMode = out[j]
			}
			if leftMode != "" && leftMode == rightMode {
				spans := true
				for k := gapStart; k < j; k++ {
					if holding.contains(k) {
						spans = false
						break
					}
				}
				if spans {
					cost := gapCost(gapStart, j, leftMode)
					if GapMergeBenefit > cost {
						for k := gapStart; k < j; k++ {
							out[k] = leftMode
						}
					}
				}
			}
		}
		i = j
	}
	return out
}

// RepairResult is the outcome of RepairFloor.
type RepairResult struct {
	Modes       []types.Mode
	Timeline    []types.PlanIntervalResult
	Iterations  int
	StillViolating bool
}

// Opportunity is a candidate interval at which inserting a UPS interval
// could raise SoC. RepairFloor ranks its opportunities ascending by price
// itself (ties by index), so callers may pass them in any order (spec.md
// §4.5 Phase 6 reuses the same shape).
type Opportunity struct {
	Index int
	Price float64
}

// RepairFloor re-simulates modes from initialSOC; whenever an interval
// ends below user_min_kwh-epsilon, it inserts an additional UPS interval
// at the cheapest available opportunity not already UPS and not excluded
// by noUPS, then re-simulates. It iterates up to MaxFloorRepairIterations
// times. If still violating afterward, the caller is expected to clamp
// the reported trajectory and flag the plan non-compliant (spec.md §4.5
// post-pass) — RepairFloor itself only reports StillViolating so the
// caller (optimizer) can do the clamping against Plan metadata.
func RepairFloor(modes []types.Mode, ivs []types.Interval, initialSOC float64, cfg types.Config, opportunities []Opportunity, noUPS func(i int) bool, holding *HoldingWindow) RepairResult {
	if len(modes) != len(ivs) {
		panic(fmt.Errorf("enforce: modes/intervals length mismatch: %w", types.ErrProgrammerError))
	}

	current := make([]types.Mode, len(modes))
	copy(current, modes)

	sortedOpps := make([]Opportunity, len(opportunities))
	copy(sortedOpps, opportunities)
	for i := 0; i < len(sortedOpps); i++ {
		for j := i + 1; j < len(sortedOpps); j++ {
			if sortedOpps[j].Price < sortedOpps[i].Price ||
				(sortedOpps[j].Price == sortedOpps[i].Price && sortedOpps[j].Index < sortedOpps[i].Index) {
				sortedOpps[i], sortedOpps[j] = sortedOpps[j], sortedOpps[i]
			}
		}
	}

	userMin := cfg.UserMinKWh()

	var timeline []types.PlanIntervalResult
	usedOpp := make(map[int]bool)

	for iter := 0; iter < MaxFloorRepairIterations; iter++ {
		timeline = simulateAll(current, ivs, initialSOC, cfg)
		violationIdx := -1
		for i, r := range timeline {
			if r.SOCAfterKWh < userMin-types.SOCTolerance {
				violationIdx = i
				break
			}
		}
		if violationIdx == -1 {
			return RepairResult{Modes: current, Timeline: timeline, Iterations: iter}
		}

		inserted := false
		for _, opp := range sortedOpps {
			if usedOpp[opp.Index] {
				continue
			}
			if opp.Index > violationIdx {
				continue
			}
			if current[opp.Index] == types.HomeUPS {
				continue
			}
			if holding.contains(opp.Index) {
				continue
			}
			if noUPS != nil && noUPS(opp.Index) {
				continue
			}
			current[opp.Index] = types.HomeUPS
			usedOpp[opp.Index] = true
			inserted = true
			break
		}
		if !inserted {
			return RepairResult{Modes: current, Timeline: timeline, Iterations: iter + 1, StillViolating: true}
		}
	}

	timeline = simulateAll(current, ivs, initialSOC, cfg)
	stillViolating := false
	for _, r := range timeline {
		if r.SOCAfterKWh < userMin-types.SOCTolerance {
			stillViolating = true
			break
		}
	}
	return RepairResult{Modes: current, Timeline: timeline, Iterations: MaxFloorRepairIterations, StillViolating: stillViolating}
}

func simulateAll(modes []types.Mode, ivs []types.Interval, initialSOC float64, cfg types.Config) []types.PlanIntervalResult {
	state := types.BatteryState{SOCKWh: initialSOC}
	out := make([]types.PlanIntervalResult, len(modes))
	for i, m := range modes {
		var r types.PlanIntervalResult
		state, r = simulate.Simulate(state, ivs[i], m, cfg)
		out[i] = r
	}
	return out
}

// ClampExport truncates every interval's GridExportKWh to the cap and
// moves the excess into CurtailedKWh. This is a pure post-hoc safety net
// for timelines assembled outside simulate.Simulate (e.g. after a
// holding-mode pin rewrite changed a result without re-simulating).
func ClampExport(results []types.PlanIntervalResult, exportLimitKW float64) []types.PlanIntervalResult {
	cap := exportLimitKW * 0.25
	out := make([]types.PlanIntervalResult, len(results))
	copy(out, results)
	for i := range out {
		if out[i].GridExportKWh > cap {
			excess := out[i].GridExportKWh - cap
			out[i].GridExportKWh = cap
			out[i].CurtailedKWh += excess
		}
	}
	return out
}

// ClampChargeRate re-derives a timeline from modes via simulate.Simulate,
// the companion safety net to ClampExport. The ac_charge_kw*0.25 cap is
// enforced inside simulate.Simulate's HOME UPS path itself, so the only
// way to guarantee a timeline honors it after any post-hoc mode rewrite
// (holding-window pins, gap merge) is to re-simulate rather than patch
// numbers in place.
func ClampChargeRate(modes []types.Mode, ivs []types.Interval, initialSOC float64, cfg types.Config) []types.PlanIntervalResult {
	return simulateAll(modes, ivs, initialSOC, cfg)
}
