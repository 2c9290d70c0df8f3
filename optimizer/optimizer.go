// Package optimizer implements the Mode Optimizer (spec.md §4.5), the
// nine-phase hybrid algorithm that assigns a HOME I/II/III/UPS mode to
// every interval of a horizon. The DP table / backward-reconstruction
// shape of the teacher's mpc.Optimize is kept for Phase 3's backward
// requirement pass, but the overall structure is generalized from "one
// optimal DP path" into the spec's explicit phase sequence, with each
// phase a private method on hybridRun so it can be unit-tested in
// isolation.
package optimizer

import (
	"math"
	"sort"
	"time"

	"github.com/oig-battery-planner/planner/costing"
	"github.com/oig-battery-planner/planner/enforce"
	"github.com/oig-battery-planner/planner/simulate"
	"github.com/oig-battery-planner/planner/types"
)

const (
	daytimePVThresholdKWh   = 0.3
	cheapPriceFactor        = 0.8
	highSOCPercent          = 85.0
	midSOCPercentFloor      = 80.0
	home2SOCPercentFloor    = 30.0
	home2FuturePriceFactor  = 1.4
	home2LookaheadIntervals = 12 // 3h at 15-min steps
	maxOpportunities        = 20 // 5h of UPS at 15-min steps
	benefitThreshold        = 2.0
	benefitLookaheadCount   = 24 // 6h at 15-min steps
	noUPSDaytimePVKWh       = 0.5
)

// hybridRun carries the fixed inputs and accumulating state across the
// nine phases of one Optimize call.
type hybridRun struct {
	ivs        []types.Interval
	cfg        types.Config
	intent     *types.Intent
	initialSOC float64
	n          int
	meanPrice  float64

	holdingStartIdx int
	holdingEndIdx   int // exclusive
	holdingMode     types.Mode
	hasHolding      bool

	baselineSOC   []float64 // length n+1, phase 1
	socMin        float64
	requiredSOC   []float64 // length n+1, phase 3
	effectiveEOH  float64

	modes []types.Mode // working assignment, mutated phase 4 onward

	opportunities []enforce.Opportunity
}

// Optimize runs the nine-phase hybrid algorithm and returns a candidate
// Plan. It never mutates an active Plan — callers (planstore.Manager)
// decide whether/when to apply the result.
func Optimize(ivs []types.Interval, initialSOC float64, cfg types.Config, intent *types.Intent) (types.Plan, error) {
	if len(ivs) == 0 {
		return types.Plan{}, types.NewPlannerError(types.KindInputUnavailable, "optimizer: empty horizon", nil)
	}
	if err := cfg.Validate(); err != nil {
		return types.Plan{}, types.NewPlannerError(types.KindConfigInvalid, "optimizer: invalid config", err)
	}

	run := &hybridRun{
		ivs:        ivs,
		cfg:        cfg,
		intent:     intent,
		initialSOC: initialSOC,
		n:          len(ivs),
	}
	run.resolveHoldingWindow()
	run.computeMeanPrice()

	run.phase1ForwardBaseline()
	needMin, needTarget := run.phase2ChargingDecision()
	if !needMin && !needTarget {
		return run.buildPlan(run.modes, "baseline HOME_I satisfies floor and target"), nil
	}

	run.phase3BackwardRequirement()
	run.phase4DaytimePreAssignment()
	run.phase5ChargeOpportunityList()
	selected := run.phase6OpportunitySelection()
	run.phase7UPSAssignment(selected)
	run.phase8MinDwellEnforcement()
	run.phase9GapMerge()

	finalModes, timeline, violations := run.postPassFloorRepair()

	plan := run.buildPlanFromTimeline(finalModes, timeline, "hybrid optimizer result")
	if violations {
		plan.Metadata.MinCapacityViolations = 1
	}
	return plan, nil
}

func (r *hybridRun) resolveHoldingWindow() {
	if r.intent == nil {
		return
	}
	startIdx, startOK := indexAtOrAfter(r.ivs, r.intent.HoldingStart)
	endIdx, endOK := indexAtOrAfter(r.ivs, r.intent.HoldingEnd)
	if !startOK && !endOK {
		return
	}
	if !startOK {
		startIdx = 0
	}
	if !endOK {
		endIdx = r.n
	}
	if endIdx <= startIdx {
		return
	}
	r.hasHolding = true
	r.holdingStartIdx = startIdx
	r.holdingEndIdx = endIdx
	r.holdingMode = r.intent.HoldingMode
}

// indexAtOrAfter finds the first interval index whose start time is >= t.
func indexAtOrAfter(ivs []types.Interval, t time.Time) (int, bool) {
	if t.IsZero() {
		return 0, false
	}
	for i, iv := range ivs {
		if !iv.T.Before(t) {
			return i, true
		}
	}
	return len(ivs), len(ivs) > 0
}

func (r *hybridRun) computeMeanPrice() {
	var sum float64
	for _, iv := range r.ivs {
		sum += iv.ImportPrice
	}
	r.meanPrice = sum / float64(len(r.ivs))
}

// phase1ForwardBaseline simulates HOME I across the whole horizon and
// records the trajectory. Clamp is always to hw_min, never to 0 — C3
// itself enforces this, so baselineSOC never under-reports the floor the
// way the reference implementation's zero-clamp bug did.
func (r *hybridRun) phase1ForwardBaseline() {
	r.baselineSOC = make([]float64, r.n+1)
	r.baselineSOC[0] = r.initialSOC
	r.modes = make([]types.Mode, r.n)

	state := types.BatteryState{SOCKWh: r.initialSOC}
	r.socMin = r.initialSOC
	for i, iv := range r.ivs {
		var res types.PlanIntervalResult
		state, res = simulate.Simulate(state, iv, types.HomeI, r.cfg)
		r.baselineSOC[i+1] = res.SOCAfterKWh
		r.modes[i] = types.HomeI
		if res.SOCAfterKWh < r.socMin {
			r.socMin = res.SOCAfterKWh
		}
	}
}

// phase2ChargingDecision returns (need_for_min, need_for_target).
func (r *hybridRun) phase2ChargingDecision() (bool, bool) {
	r.effectiveEOH = r.cfg.TargetKWh()
	if r.hasHolding && r.intent != nil {
		r.effectiveEOH = math.Max(r.intent.RequiredSOCKWh, r.cfg.TargetKWh())
	}
	needMin := r.socMin < r.cfg.UserMinKWh()
	needTarget := r.baselineSOC[r.n] < r.effectiveEOH
	return needMin, needTarget
}

// phase3BackwardRequirement computes required_soc[i] by walking
// right-to-left from required_soc[N] = effectiveEOH, reversing HOME I
// physics. It does not clamp to user_min_kwh — the point is to let the
// requirement rise above the floor — only to total_capacity.
func (r *hybridRun) phase3BackwardRequirement() {
	r.requiredSOC = make([]float64, r.n+1)
	r.requiredSOC[r.n] = r.effectiveEOH
	for i := r.n - 1; i >= 0; i-- {
		r.requiredSOC[i] = backwardStepHomeI(r.requiredSOC[i+1], r.ivs[i], r.cfg)
		if r.hasHolding && i == r.holdingStartIdx && r.intent != nil {
			v := r.intent.RequiredSOCKWh
			if v > r.cfg.TotalCapacityKWh {
				v = r.cfg.TotalCapacityKWh
			}
			r.requiredSOC[i] = v
		}
	}
}

// backwardStepHomeI inverts one interval of HOME I physics: given the
// SoC the interval must end at, what SoC must it start at. Charging and
// discharging branches mirror simulate.simulateHomeI's pv-vs-load split,
// but unlike the forward pass, discharge here is not capped by
// user_min_kwh.
func backwardStepHomeI(wantAfter float64, iv types.Interval, cfg types.Config) float64 {
	pv := iv.PVKWh
	load := iv.LoadKWh
	var before float64
	if pv >= load {
		surplus := pv - load
		before = wantAfter - surplus
	} else {
		remaining := load - pv
		dischargeDC := remaining / cfg.DischargeEfficiency
		before = wantAfter + dischargeDC
	}
	if before > cfg.TotalCapacityKWh {
		before = cfg.TotalCapacityKWh
	}
	return before
}

// phase4DaytimePreAssignment assigns a candidate mode to every daylight
// interval based on the forward-simulated (baseline) SoC at i.
func (r *hybridRun) phase4DaytimePreAssignment() {
	for i, iv := range r.ivs {
		if iv.PVKWh < 1e-3 {
			r.modes[i] = types.HomeI
			continue
		}
		socPercent := r.baselineSOC[i] / r.cfg.TotalCapacityKWh * 100.0

		switch {
		case socPercent >= highSOCPercent:
			r.modes[i] = types.HomeI
		case iv.PVKWh >= daytimePVThresholdKWh && iv.ImportPrice < cheapPriceFactor*r.meanPrice && socPercent < midSOCPercentFloor:
			r.modes[i] = types.HomeIII
		case iv.PVKWh < iv.LoadKWh && socPercent > home2SOCPercentFloor && r.hasFuturePriceSpike(i):
			r.modes[i] = types.HomeII
		default:
			r.modes[i] = types.HomeI
		}
	}
}

func (r *hybridRun) hasFuturePriceSpike(i int) bool {
	current := r.ivs[i].ImportPrice
	end := i + 1 + home2LookaheadIntervals
	if end > r.n {
		end = r.n
	}
	for j := i + 1; j < end; j++ {
		if r.ivs[j].ImportPrice > home2FuturePriceFactor*current {
			return true
		}
	}
	return false
}

// phase5ChargeOpportunityList walks forward with the Phase-4 modes using
// C3, recording an opportunity wherever the simulated SoC falls below
// required_soc[i+1].
func (r *hybridRun) phase5ChargeOpportunityList() {
	r.opportunities = nil
	state := types.BatteryState{SOCKWh: r.initialSOC}
	for i, iv := range r.ivs {
		var res types.PlanIntervalResult
		state, res = simulate.Simulate(state, iv, r.modes[i], r.cfg)
		if res.SOCAfterKWh < r.requiredSOC[i+1]-types.SOCTolerance {
			r.opportunities = append(r.opportunities, enforce.Opportunity{
				Index: i,
				Price: iv.ImportPrice,
			})
		}
	}
}

// phase6OpportunitySelection sorts opportunities ascending by price
// (stable on ties by index), caps the selection at maxOpportunities, and
// — outside balancing/emergency intents — filters out candidates that
// would waste free solar, disturb a HOME III block, or fall below the
// benefit threshold.
func (r *hybridRun) phase6OpportunitySelection() []int {
	opps := make([]enforce.Opportunity, len(r.opportunities))
	copy(opps, r.opportunities)
	sort.SliceStable(opps, func(a, b int) bool { return opps[a].Price < opps[b].Price })
	if len(opps) > maxOpportunities {
		opps = opps[:maxOpportunities]
	}

	unconditional := r.intent != nil && (r.intent.Kind == types.IntentBalancingForced ||
		r.intent.Kind == types.IntentBalancingOpportunistic || r.intent.Kind == types.IntentEmergency)

	var selected []int
	for _, opp := range opps {
		if !unconditional {
			if r.ivs[opp.Index].PVKWh > noUPSDaytimePVKWh {
				continue
			}
			if r.modes[opp.Index] == types.HomeIII {
				continue
			}
			deficit := r.deficitAt(opp.Index)
			meanNext6h := r.meanPriceFrom(opp.Index+1, benefitLookaheadCount)
			benefit := deficit * (meanNext6h - opp.Price)
			if benefit < benefitThreshold {
				continue
			}
		}
		selected = append(selected, opp.Index)
	}
	return selected
}

func (r *hybridRun) deficitAt(i int) float64 {
	for _, opp := range r.opportunities {
		if opp.Index == i {
			// recompute the actual deficit magnitude from the recorded
			// requirement gap, since enforce.Opportunity itself only
			// carries index/price for the enforce package's own use.
			state := types.BatteryState{SOCKWh: r.initialSOC}
			for k := 0; k <= i; k++ {
				state, _ = simulate.Simulate(state, r.ivs[k], r.modes[k], r.cfg)
			}
			d := r.requiredSOC[i+1] - state.SOCKWh
			if d < 0 {
				return 0
			}
			return d
		}
	}
	return 0
}

func (r *hybridRun) meanPriceFrom(start, count int) float64 {
	end := start + count
	if end > r.n {
		end = r.n
	}
	if start >= end {
		return r.meanPrice
	}
	var sum float64
	for i := start; i < end; i++ {
		sum += r.ivs[i].ImportPrice
	}
	return sum / float64(end-start)
}

// phase7UPSAssignment sets every selected opportunity's mode to HOME UPS.
func (r *hybridRun) phase7UPSAssignment(selected []int) {
	for _, idx := range selected {
		r.modes[idx] = types.HomeUPS
	}
}

func (r *hybridRun) holdingWindow() *enforce.HoldingWindow {
	if !r.hasHolding {
		return nil
	}
	return &enforce.HoldingWindow{StartIdx: r.holdingStartIdx, EndIdx: r.holdingEndIdx, Mode: r.holdingMode}
}

// phase8MinDwellEnforcement rewrites short non-HOME_I runs back to
// HOME_I, then re-pins any holding window.
func (r *hybridRun) phase8MinDwellEnforcement() {
	r.modes = enforce.EnforceMinDwell(r.modes, r.holdingWindow())
}

// phase9GapMerge merges short HOME_I gaps between matching runs when the
// flat stability benefit exceeds the estimated cost of the gap.
func (r *hybridRun) phase9GapMerge() {
	hw := r.holdingWindow()
	r.modes = enforce.MergeGaps(r.modes, hw, func(start, end int, mode types.Mode) float64 {
		return r.estimateGapCostIncrease(start, end, mode)
	})
}

// estimateGapCostIncrease simulates the gap under HOME_I and under the
// candidate merge mode (holding the rest of the run fixed at the
// candidate mode as context) and returns the cost delta.
func (r *hybridRun) estimateGapCostIncrease(start, end int, mode types.Mode) float64 {
	approxSOC := r.baselineSOC[start]
	state := types.BatteryState{SOCKWh: approxSOC}
	var homeICost, mergedCost float64
	for i := start; i < end; i++ {
		var res types.PlanIntervalResult
		state, res = simulate.Simulate(state, r.ivs[i], types.HomeI, r.cfg)
		homeICost += costing.NetCost(res, r.ivs[i])
	}
	state = types.BatteryState{SOCKWh: approxSOC}
	for i := start; i < end; i++ {
		var res types.PlanIntervalResult
		state, res = simulate.Simulate(state, r.ivs[i], mode, r.cfg)
		mergedCost += costing.NetCost(res, r.ivs[i])
	}
	return mergedCost - homeICost
}

// postPassFloorRepair runs the enforce package's RepairFloor loop over
// the final mode sequence, offering every interval of the horizon as an
// opportunity priced at its import price (intervals with PV above
// noUPSDaytimePVKWh are excluded from UPS insertion).
func (r *hybridRun) postPassFloorRepair() ([]types.Mode, []types.PlanIntervalResult, bool) {
	var opps []enforce.Opportunity
	for i, iv := range r.ivs {
		opps = append(opps, enforce.Opportunity{Index: i, Price: iv.ImportPrice})
	}
	noUPS := func(i int) bool { return r.ivs[i].PVKWh > noUPSDaytimePVKWh }

	res := enforce.RepairFloor(r.modes, r.ivs, r.initialSOC, r.cfg, opps, noUPS, r.holdingWindow())

	timeline := res.Timeline
	if res.StillViolating {
		userMin := r.cfg.UserMinKWh()
		for i := range timeline {
			if timeline[i].SOCAfterKWh < userMin {
				timeline[i].SOCAfterKWh = userMin
			}
		}
	}
	return res.Modes, timeline, res.StillViolating
}

// buildPlan runs a single HOME_I-only simulation and wraps it as a Plan;
// used by the Phase 2 short-circuit.
func (r *hybridRun) buildPlan(modes []types.Mode, reason string) types.Plan {
	state := types.BatteryState{SOCKWh: r.initialSOC}
	timeline := make([]types.PlanIntervalResult, r.n)
	for i, iv := range r.ivs {
		var res types.PlanIntervalResult
		state, res = simulate.Simulate(state, iv, modes[i], r.cfg)
		res.Reason = reason
		timeline[i] = res
	}
	return r.buildPlanFromTimeline(modes, timeline, reason)
}

func (r *hybridRun) buildPlanFromTimeline(modes []types.Mode, timeline []types.PlanIntervalResult, reason string) types.Plan {
	timeline, total := costing.NetCostSeries(timeline, r.ivs)
	blocksByMode := map[types.Mode]int{}
	switches := 0
	var prevMode types.Mode
	for i := range timeline {
		if timeline[i].Reason == "" {
			timeline[i].Reason = reason
		}
		if i == 0 || timeline[i].Mode != prevMode {
			blocksByMode[timeline[i].Mode]++
			if i > 0 {
				switches++
			}
		}
		prevMode = timeline[i].Mode
	}

	var finalSOC float64
	if len(timeline) > 0 {
		finalSOC = timeline[len(timeline)-1].SOCAfterKWh
	} else {
		finalSOC = r.initialSOC
	}

	kind := types.PlanAutomatic
	locked := false
	if r.intent != nil {
		locked = r.intent.Locked
		switch r.intent.Kind {
		case types.IntentEmergency:
			kind = types.PlanEmergency
		case types.IntentBalancingForced, types.IntentBalancingOpportunistic:
			kind = types.PlanBalancing
		}
	}

	plan := types.Plan{
		Kind:     kind,
		Status:   types.StatusPending,
		Locked:   locked,
		Timeline: timeline,
		Metadata: types.PlanMetadata{
			TotalCost:     total,
			FinalSOCKWh:   finalSOC,
			TargetAchieved: finalSOC+types.SOCTolerance >= r.effectiveTarget(),
			ModeSwitches:  switches,
			BlocksByMode:  blocksByMode,
		},
	}
	if r.hasHolding && r.intent != nil {
		hs := r.intent.HoldingStart
		he := r.intent.HoldingEnd
		plan.HoldingStart = &hs
		plan.HoldingEnd = &he
		rs := r.intent.RequiredSOCKWh
		plan.RequiredSOCKWh = &rs
	}
	return plan
}

func (r *hybridRun) effectiveTarget() float64 {
	if r.effectiveEOH > 0 {
		return r.effectiveEOH
	}
	return r.cfg.TargetKWh()
}
