package costing

import (
	"testing"

	"github.com/oig-battery-planner/planner/types"
)

func TestNetCost(t *testing.T) {
	cases := []struct {
		name string
		r    types.PlanIntervalResult
		iv   types.Interval
		want float64
	}{
		{
			name: "pure import",
			r:    types.PlanIntervalResult{GridImportKWh: 1.3},
			iv:   types.Interval{ImportPrice: 0.30},
			want: 0.39,
		},
		{
			name: "pure export credits revenue",
			r:    types.PlanIntervalResult{GridExportKWh: 1.0},
			iv:   types.Interval{ExportPrice: 0.9},
			want: -0.9,
		},
		{
			name: "negative export price becomes a cost",
			r:    types.PlanIntervalResult{GridExportKWh: 1.0},
			iv:   types.Interval{ExportPrice: -0.2},
			want: 0.2,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NetCost(tc.r, tc.iv)
			if diff := got - tc.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("NetCost() = %f, want %f", got, tc.want)
			}
		})
	}
}

func TestTotalCost(t *testing.T) {
	results := []types.PlanIntervalResult{{NetCost: 1.0}, {NetCost: 2.5}, {NetCost: -0.5}}
	got := TotalCost(results)
	if got != 3.0 {
		t.Errorf("TotalCost() = %f, want 3.0", got)
	}
}

func TestOpportunityCost(t *testing.T) {
	if got := OpportunityCost(10.0, 7.0); got != 3.0 {
		t.Errorf("OpportunityCost() = %f, want 3.0", got)
	}
}
