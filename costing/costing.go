// Package costing computes net cost per interval and per plan. Grounded
// in mpc.calculateProfit from the teacher, with the revenue/cost sign
// convention corrected per spec.md §4.4: export revenue is credited once,
// against the energy actually metered to the grid, never against battery
// throughput.
package costing

import "github.com/oig-battery-planner/planner/types"

// NetCost returns grid_import*import_price - grid_export*export_price
// for one interval. A negative export_price (the grid pays to take
// power) turns the second term into a cost, which falls out of the
// formula without special-casing.
func NetCost(r types.PlanIntervalResult, iv types.Interval) float64 {
	return r.GridImportKWh*iv.ImportPrice - r.GridExportKWh*iv.ExportPrice
}

// TotalCost sums NetCost across a timeline. Intervals are expected to
// already carry their matching Interval's prices via NetCost having been
// applied when the result was built; callers that need per-interval
// net_cost recomputed against intervals should use NetCostSeries.
func TotalCost(results []types.PlanIntervalResult) float64 {
	var total float64
	for _, r := range results {
		total += r.NetCost
	}
	return total
}

// NetCostSeries computes and assigns NetCost on each result against its
// matching interval (by position), returning the updated slice and the
// total. ivs and results must be the same length and aligned by index.
func NetCostSeries(results []types.PlanIntervalResult, ivs []types.Interval) ([]types.PlanIntervalResult, float64) {
	var total float64
	for i := range results {
		if i >= len(ivs) {
			break
		}
		c := NetCost(results[i], ivs[i])
		results[i].NetCost = c
		total += c
	}
	return results, total
}

// OpportunityCost returns baselineCost - candidateCost, the comparison
// spec.md §4.4 defines against the HOME-I-only baseline plan. A positive
// value means the candidate is cheaper than always running HOME I.
func OpportunityCost(baselineCost, candidateCost float64) float64 {
	return baselineCost - candidateCost
}
