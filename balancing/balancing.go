// Package balancing implements the Balancing Coordinator (spec.md §4.7):
// the state machine that decides whether cell balancing is needed and,
// if so, emits an immutable Intent for the Plan Manager to turn into a
// Plan. The coordinator never calls the optimizer directly — per §9's
// one-way intent flow — and never mutates a Plan itself.
//
// Its natural-balancing detection and opportunistic night-window costing
// follow the "simulate a full day, compare to baseline" shape of
// jameshartig-raterudder's controller.go arbitrage simulation loop,
// generalized from hourly to 15-minute slots, and the cache/scan
// structure of scheduler/pv.go's WeatherForecastCache/PVSamples.
package balancing

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/oig-battery-planner/planner/costing"
	"github.com/oig-battery-planner/planner/simulate"
	"github.com/oig-battery-planner/planner/telemetry"
	"github.com/oig-battery-planner/planner/types"
)

// naturalWindowHours is the minimum contiguous near-100% SoC window that
// counts as a natural balancing event.
const naturalWindowHours = 3.0

// naturalSOCThresholdPercent is the SoC percent a natural-balancing
// window must sustain.
const naturalSOCThresholdPercent = 99.0

// opportunisticDeltaCostCeiling is the maximum acceptable cost delta
// (currency units) for an opportunistic balancing window to be worth it.
const opportunisticDeltaCostCeiling = 50.0

// opportunisticCandidateCount is how many cheapest night windows are
// considered before picking the best by delta cost.
const opportunisticCandidateCount = 5

// nightWindowStartHour / nightWindowEndHour bound the local-time search
// window for opportunistic balancing (spec.md §4.7).
const nightWindowStartHour = 22
const nightWindowEndHour = 6

// Coordinator owns the balancing state machine. It is the sole mutator
// of LastBalancingTS, mirroring the teacher's MinerScheduler being the
// sole mutator of its own state under its RWMutex — callers own the
// surrounding concurrency (the engine package serializes Tick calls).
type Coordinator struct {
	State           types.BalancingState
	LastBalancingTS time.Time
	ActiveIntent    *types.Intent
	PlannedWindow   *types.Window
}

// NewCoordinator seeds a Coordinator from persisted state (balancing.json).
func NewCoordinator(lastBalancingTS time.Time) *Coordinator {
	return &Coordinator{State: types.BalancingIdle, LastBalancingTS: lastBalancingTS}
}

// Tick runs one evaluation of the state machine (spec.md §4.7), called
// once per hour by the engine. ivs is the current forecast horizon (used
// for opportunistic window scanning); currentSOCPercent is the live
// battery reading. It returns the intent to hand to the Plan Manager (or
// nil for "no intent") and the externally-visible status.
func (c *Coordinator) Tick(ctx context.Context, now time.Time, cfg types.Config, currentSOCPercent float64, ivs []types.Interval, loc *time.Location, history telemetry.HistoryReader) (*types.Intent, types.BalancingStatus) {
	if c.ActiveIntent != nil {
		return c.tickHoldingActive(now)
	}

	if history != nil {
		c.detectNatural(ctx, now, history)
	}

	daysSinceLast := now.Sub(c.LastBalancingTS).Hours() / 24.0

	switch {
	case daysSinceLast >= float64(cfg.BalancingIntervalDays):
		intent := c.buildForcedIntent(now, cfg, currentSOCPercent)
		c.ActiveIntent = intent
		c.State = types.BalancingForced
		window := types.Window{Start: intent.HoldingStart, End: intent.HoldingEnd}
		c.PlannedWindow = &window
		return intent, c.status(now, cfg)

	case daysSinceLast >= float64(cfg.BalancingIntervalDays)-2:
		intent, window := c.evaluateOpportunistic(now, cfg, ivs, loc)
		if intent != nil {
			c.ActiveIntent = intent
			c.State = types.BalancingOpportunistic
			c.PlannedWindow = window
			return intent, c.status(now, cfg)
		}
		c.State = types.BalancingIdle
		c.PlannedWindow = nil
		return nil, c.status(now, cfg)

	default:
		c.State = types.BalancingIdle
		c.PlannedWindow = nil
		return nil, c.status(now, cfg)
	}
}

// tickHoldingActive keeps the active intent alive without regenerating
// it, per spec.md §4.7: "do not regenerate it and do not clear it even
// after holding_start < now." Only past holding_end does it complete.
func (c *Coordinator) tickHoldingActive(now time.Time) (*types.Intent, types.BalancingStatus) {
	if now.After(c.ActiveIntent.HoldingEnd) {
		c.State = types.BalancingCompleted
		c.LastBalancingTS = now
		completed := c.ActiveIntent
		c.ActiveIntent = nil
		c.PlannedWindow = nil
		return nil, types.BalancingStatus{
			State:         types.BalancingCompleted,
			DaysSinceLast: 0,
			LastBalancing: c.LastBalancingTS,
			Mode:          completed.HoldingMode,
		}
	}
	c.State = types.BalancingHolding
	return c.ActiveIntent, types.BalancingStatus{
		State:         types.BalancingHolding,
		DaysSinceLast: now.Sub(c.LastBalancingTS).Hours() / 24.0,
		LastBalancing: c.LastBalancingTS,
		NextDeadline:  c.ActiveIntent.HoldingEnd,
		PlannedWindow: c.PlannedWindow,
		Mode:          c.ActiveIntent.HoldingMode,
	}
}

// detectNatural scans the last 7 days of observed SoC for any window of
// at least naturalWindowHours where SoC stayed at or above
// naturalSOCThresholdPercent. If found more recently than
// LastBalancingTS, it counts as a natural balancing event.
func (c *Coordinator) detectNatural(ctx context.Context, now time.Time, history telemetry.HistoryReader) {
	samples, err := history.SOCHistory(ctx, now.Add(-7*24*time.Hour))
	if err != nil || len(samples) == 0 {
		return
	}

	var runStart time.Time
	var inRun bool
	for i, s := range samples {
		if s.SOCPercent >= naturalSOCThresholdPercent {
			if !inRun {
				inRun = true
				runStart = s.Timestamp
			}
			runEnd := s.Timestamp
			if i == len(samples)-1 || samples[i+1].SOCPercent < naturalSOCThresholdPercent {
				if runEnd.Sub(runStart).Hours() >= naturalWindowHours && runEnd.After(c.LastBalancingTS) {
					c.LastBalancingTS = runEnd
					c.State = types.BalancingNatural
				}
				inRun = false
			}
		} else {
			inRun = false
		}
	}
}

// buildForcedIntent computes the forced-balancing holding window. The
// reference implementation's fixed 2h delay before holding_start is a
// known bug; this spec instead scales the delay to how far SoC actually
// is from 100%, with a 15-minute floor even near full charge.
func (c *Coordinator) buildForcedIntent(now time.Time, cfg types.Config, currentSOCPercent float64) *types.Intent {
	remainingPercent := 100.0 - currentSOCPercent
	if remainingPercent < 0 {
		remainingPercent = 0
	}
	steps := math.Ceil(remainingPercent / 5.0)
	delay := time.Duration(steps) * 15 * time.Minute
	if delay < 15*time.Minute {
		delay = 15 * time.Minute
	}
	holdingStart := alignUpTo15(now.Add(delay))
	holdingEnd := holdingStart.Add(time.Duration(cfg.BalancingHoldHours * float64(time.Hour)))

	return &types.Intent{
		Kind:           types.IntentBalancingForced,
		RequiredSOCKWh: cfg.TotalCapacityKWh,
		HoldingStart:   holdingStart,
		HoldingEnd:     holdingEnd,
		HoldingMode:    types.HomeUPS,
		Locked:         true,
	}
}

func alignUpTo15(t time.Time) time.Time {
	const step = 15 * time.Minute
	u := t.UTC()
	rem := u.Sub(u.Truncate(step))
	if rem == 0 {
		return u
	}
	return u.Truncate(step).Add(step)
}

// evaluateOpportunistic scans ivs for night windows (22:00-06:00 local)
// of length balancing_hold_hours, keeps the opportunisticCandidateCount
// cheapest by mean price, costs each against the no-balancing HOME_I
// baseline, and emits an intent for the best one if its delta cost is
// within the ceiling.
func (c *Coordinator) evaluateOpportunistic(now time.Time, cfg types.Config, ivs []types.Interval, loc *time.Location) (*types.Intent, *types.Window) {
	if loc == nil {
		loc = time.UTC
	}
	windowLen := int(cfg.BalancingHoldHours * 4) // 15-min steps
	if windowLen <= 0 || len(ivs) < windowLen {
		return nil, nil
	}

	type candidate struct {
		startIdx  int
		meanPrice float64
	}
	var candidates []candidate
	for i := 0; i+windowLen <= len(ivs); i++ {
		if !isNightWindow(ivs[i:i+windowLen], loc) {
			continue
		}
		var sum float64
		for _, iv := range ivs[i : i+windowLen] {
			sum += iv.ImportPrice
		}
		candidates = append(candidates, candidate{startIdx: i, meanPrice: sum / float64(windowLen)})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(a, b int) bool { return candidates[a].meanPrice < candidates[b].meanPrice })
	if len(candidates) > opportunisticCandidateCount {
		candidates = candidates[:opportunisticCandidateCount]
	}

	baselineCost := simulateHomeIOnlyCost(ivs, cfg)

	bestDelta := math.Inf(1)
	bestIdx := -1
	for _, cand := range candidates {
		delta := deltaCostForWindow(ivs, cfg, cand.startIdx, windowLen, baselineCost)
		if delta < bestDelta {
			bestDelta = delta
			bestIdx = cand.startIdx
		}
	}
	if bestIdx < 0 || bestDelta > opportunisticDeltaCostCeiling {
		return nil, nil
	}

	holdingStart := ivs[bestIdx].T
	holdingEnd := ivs[bestIdx+windowLen-1].T.Add(15 * time.Minute)
	intent := &types.Intent{
		Kind:           types.IntentBalancingOpportunistic,
		RequiredSOCKWh: cfg.TotalCapacityKWh,
		HoldingStart:   holdingStart,
		HoldingEnd:     holdingEnd,
		HoldingMode:    types.HomeIII,
		Locked:         false,
	}
	window := types.Window{Start: holdingStart, End: holdingEnd}
	return intent, &window
}

func isNightWindow(ivs []types.Interval, loc *time.Location) bool {
	for _, iv := range ivs {
		h := iv.T.In(loc).Hour()
		if h >= nightWindowStartHour || h < nightWindowEndHour {
			continue
		}
		return false
	}
	return true
}

func simulateHomeIOnlyCost(ivs []types.Interval, cfg types.Config) float64 {
	state := types.BatteryState{SOCKWh: cfg.UserMinKWh()}
	var total float64
	for _, iv := range ivs {
		var r types.PlanIntervalResult
		state, r = simulate.Simulate(state, iv, types.HomeI, cfg)
		total += costing.NetCost(r, iv)
	}
	return total
}

// deltaCostForWindow re-simulates the whole horizon with [start,
// start+windowLen) pinned to HOME_III (the opportunistic holding mode)
// and the rest HOME_I, returning the cost delta against baselineCost.
func deltaCostForWindow(ivs []types.Interval, cfg types.Config, start, windowLen int, baselineCost float64) float64 {
	state := types.BatteryState{SOCKWh: cfg.UserMinKWh()}
	var total float64
	for i, iv := range ivs {
		mode := types.HomeI
		if i >= start && i < start+windowLen {
			mode = types.HomeIII
		}
		var r types.PlanIntervalResult
		state, r = simulate.Simulate(state, iv, mode, cfg)
		total += costing.NetCost(r, iv)
	}
	return total - baselineCost
}

// status builds the externally visible BalancingStatus (spec.md §6).
func (c *Coordinator) status(now time.Time, cfg types.Config) types.BalancingStatus {
	daysSinceLast := now.Sub(c.LastBalancingTS).Hours() / 24.0
	nextDeadline := c.LastBalancingTS.AddDate(0, 0, cfg.BalancingIntervalDays)
	s := types.BalancingStatus{
		State:         c.State,
		DaysSinceLast: daysSinceLast,
		LastBalancing: c.LastBalancingTS,
		NextDeadline:  nextDeadline,
		PlannedWindow: c.PlannedWindow,
	}
	if c.ActiveIntent != nil {
		s.Mode = c.ActiveIntent.HoldingMode
	}
	return s
}
