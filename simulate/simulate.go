// Package simulate is the sole source of battery physics. Every other
// component — the optimizer's nine phases, the constraint enforcer's
// floor repair, the validator's re-simulation pass — calls through
// Simulate rather than recomputing energy flow itself. Grounded in the
// decision/physics split of the teacher's mpc.generateFeasibleDecisions
// and calculateNewSOC, but generalized from a 5-step discretized DP
// relaxation into the continuous per-mode rules below.
package simulate

import (
	"fmt"

	"github.com/oig-battery-planner/planner/types"
)

// nightThresholdKWh is the PV level below which an interval is treated
// as night for mode-physics purposes (spec.md §4.3).
const nightThresholdKWh = 1e-3

// outcome accumulates one interval's physics before the boiler/export
// pass and the final types.PlanIntervalResult conversion. surplusPV is
// internal bookkeeping, not part of the public result type.
type outcome struct {
	soc             float64
	chargeKWh       float64
	dischargeKWh    float64
	deficitKWh      float64
	gridImportKWh   float64
	surplusPV       float64
}

// Simulate runs one interval of physics for a given mode and returns the
// resulting battery state plus the full per-interval result. It never
// returns an out-of-bounds SoC: a discharge that would take SoC below
// user_min_kwh is truncated there and the shortfall reported as Deficit,
// served from grid.
func Simulate(before types.BatteryState, iv types.Interval, mode types.Mode, cfg types.Config) (types.BatteryState, types.PlanIntervalResult) {
	if !mode.Valid() {
		panic(fmt.Errorf("simulate: invalid mode %q: %w", mode, types.ErrProgrammerError))
	}
	hwMin := cfg.HWMinKWh()
	userMin := cfg.UserMinKWh()
	capacity := cfg.TotalCapacityKWh
	if before.SOCKWh < hwMin-1e-6 || before.SOCKWh > capacity+1e-6 {
		panic(fmt.Errorf("simulate: incoming soc %f outside [%f, %f]: %w", before.SOCKWh, hwMin, capacity, types.ErrProgrammerError))
	}

	night := iv.PVKWh < nightThresholdKWh

	var o outcome
	switch {
	case night:
		o = simulateNight(before.SOCKWh, iv, mode, cfg, userMin)
	case mode == types.HomeI:
		o = simulateHomeI(before.SOCKWh, iv, cfg, capacity)
	case mode == types.HomeII:
		o = simulateHomeII(before.SOCKWh, iv, cfg, capacity)
	case mode == types.HomeIII:
		o = simulateHomeIII(before.SOCKWh, iv, cfg, capacity)
	case mode == types.HomeUPS:
		o = simulateHomeUPS(before.SOCKWh, iv, cfg, capacity)
	}

	r := types.PlanIntervalResult{
		T:                   iv.T,
		Mode:                mode,
		BatteryChargeKWh:    o.chargeKWh,
		BatteryDischargeKWh: o.dischargeKWh,
		DeficitKWh:          o.deficitKWh,
		GridImportKWh:       o.gridImportKWh,
	}

	// Boiler redirection and export cap/curtailment apply uniformly once
	// the per-mode surplus-PV path has been computed, per spec.md §4.3.
	exportCapKWh := cfg.ExportLimitKW * 0.25
	r = applyBoilerAndExport(cfg, exportCapKWh, night, o.surplusPV, r)

	soc := o.soc
	if soc < hwMin-types.SOCTolerance || soc > capacity+types.SOCTolerance {
		panic(fmt.Errorf("simulate: resulting soc %f outside [%f, %f]: %w", soc, hwMin, capacity, types.ErrProgrammerError))
	}
	if soc < hwMin {
		soc = hwMin
	}
	if soc > capacity {
		soc = capacity
	}

	r.SOCAfterKWh = soc
	return types.BatteryState{SOCKWh: soc}, r
}

// simulateNight implements the night short-circuit: HOME I/II/III behave
// identically — discharge to cover load down to user_min_kwh, remainder
// from grid. HOME UPS still runs its own charging path even at night.
func simulateNight(soc float64, iv types.Interval, mode types.Mode, cfg types.Config, userMin float64) outcome {
	if mode == types.HomeUPS {
		return simulateHomeUPS(soc, iv, cfg, cfg.TotalCapacityKWh)
	}

	load := iv.LoadKWh
	availableAboveUserMin := soc - userMin
	if availableAboveUserMin < 0 {
		availableAboveUserMin = 0
	}
	dischargeDC := minF(load/cfg.DischargeEfficiency, availableAboveUserMin)
	dischargeAC := dischargeDC * cfg.DischargeEfficiency
	deficit := load - dischargeAC
	if deficit < 0 {
		deficit = 0
	}

	return outcome{
		soc:          soc - dischargeDC,
		dischargeKWh: dischargeDC,
		deficitKWh:   deficit,
		gridImportKWh: deficit,
	}
}

// simulateHomeI: PV->load first, surplus PV->battery (DC, capped), any
// remainder exported; deficit discharges the battery down to
// user_min_kwh, residual from grid.
func simulateHomeI(soc float64, iv types.Interval, cfg types.Config, capacity float64) outcome {
	pv := iv.PVKWh
	load := iv.LoadKWh
	userMin := cfg.UserMinKWh()

	pvToLoad := minF(pv, load)
	surplusPV := pv - pvToLoad
	remainingLoad := load - pvToLoad

	o := outcome{soc: soc}

	if surplusPV > 0 {
		roomDC := capacity - soc
		chargeDC := minF(surplusPV, roomDC)
		o.soc += chargeDC
		o.chargeKWh = chargeDC
		o.surplusPV = surplusPV - chargeDC
	}

	if remainingLoad > 0 {
		availableAboveUserMin := o.soc - userMin
		if availableAboveUserMin < 0 {
			availableAboveUserMin = 0
		}
		dischargeDC := minF(remainingLoad/cfg.DischargeEfficiency, availableAboveUserMin)
		dischargeAC := dischargeDC * cfg.DischargeEfficiency
		deficit := remainingLoad - dischargeAC
		if deficit < 0 {
			deficit = 0
		}
		o.soc -= dischargeDC
		o.dischargeKWh = dischargeDC
		o.deficitKWh = deficit
		o.gridImportKWh = deficit
	}

	return o
}

// simulateHomeII: PV->load; deficit from grid (battery untouched);
// surplus PV->battery then export.
func simulateHomeII(soc float64, iv types.Interval, cfg types.Config, capacity float64) outcome {
	pv := iv.PVKWh
	load := iv.LoadKWh

	pvToLoad := minF(pv, load)
	surplusPV := pv - pvToLoad
	remainingLoad := load - pvToLoad

	o := outcome{soc: soc}

	if remainingLoad > 0 {
		o.gridImportKWh = remainingLoad
	}

	if surplusPV > 0 {
		roomDC := capacity - soc
		chargeDC := minF(surplusPV, roomDC)
		o.soc += chargeDC
		o.chargeKWh = chargeDC
		o.surplusPV = surplusPV - chargeDC
	}

	return o
}

// simulateHomeIII: all PV->battery (DC, capped); load fully served from
// grid.
func simulateHomeIII(soc float64, iv types.Interval, cfg types.Config, capacity float64) outcome {
	pv := iv.PVKWh
	roomDC := capacity - soc
	chargeDC := minF(pv, roomDC)
	return outcome{
		soc:           soc + chargeDC,
		chargeKWh:     chargeDC,
		surplusPV:     pv - chargeDC,
		gridImportKWh: iv.LoadKWh,
	}
}

// simulateHomeUPS: grid->battery at min(ac_charge_kw*0.25, remaining
// capacity/eta_acdc) in parallel with PV->battery (DC); load fully
// served from grid. Remains UPS even at 100% SoC (idle charging path).
func simulateHomeUPS(soc float64, iv types.Interval, cfg types.Config, capacity float64) outcome {
	pv := iv.PVKWh
	roomDC := capacity - soc

	chargeFromPVDC := minF(pv, roomDC)
	soc += chargeFromPVDC
	roomDC -= chargeFromPVDC
	surplusAfterPV := pv - chargeFromPVDC

	maxACChargeDC := cfg.ACChargeKW * 0.25 / cfg.ChargeEfficiencyACDC
	chargeFromGridDC := minF(maxACChargeDC, roomDC)
	gridChargeAC := chargeFromGridDC * cfg.ChargeEfficiencyACDC
	soc += chargeFromGridDC

	return outcome{
		soc:           soc,
		chargeKWh:     chargeFromPVDC + chargeFromGridDC,
		gridImportKWh: iv.LoadKWh + gridChargeAC,
		surplusPV:     surplusAfterPV,
	}
}

// applyBoilerAndExport redirects surplus PV into the boiler (zero cost)
// before computing export, then caps export at export_limit_kw*0.25,
// reporting any excess as curtailed. This runs uniformly after the
// per-mode battery path, per spec.md §4.3.
func applyBoilerAndExport(cfg types.Config, exportCapKWh float64, night bool, surplus float64, r types.PlanIntervalResult) types.PlanIntervalResult {
	if night || surplus <= 0 {
		return r
	}

	if cfg.BoilerEnabled {
		boilerCapKWh := cfg.BoilerPowerKW * 0.25
		toBoiler := minF(surplus, boilerCapKWh)
		surplus -= toBoiler
		r.BoilerKWh = toBoiler
	}

	export := minF(surplus, exportCapKWh)
	curtailed := surplus - export
	r.GridExportKWh = export
	r.CurtailedKWh = curtailed
	return r
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
