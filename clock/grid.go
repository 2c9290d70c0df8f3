// Package clock builds the canonical 15-minute interval grid that every
// other component indexes by position and by timestamp. Grid alignment
// follows the truncate-to-boundary arithmetic used throughout the
// teacher's scheduling code, generalized from hourly to 15-minute
// boundaries.
package clock

import (
	"time"

	"github.com/oig-battery-planner/planner/types"
)

// StepDuration is the fixed interval length the whole planner operates
// on; sub-15-minute granularity is a stated non-goal.
const StepDuration = 15 * time.Minute

// MaxHorizon caps how far the grid ever extends, independent of how far
// the price horizon reaches.
const MaxHorizon = 48 * time.Hour

// Grid is the ordered, immutable sequence of interval timestamps for one
// planning run. It carries no exogenous data — Interval.PVKWh etc. are
// filled in later by the Forecast Aggregator.
type Grid struct {
	loc   *time.Location
	times []time.Time
}

// AlignUp rounds t up to the next 15-minute UTC boundary. If t already
// lies on a boundary it is returned unchanged.
func AlignUp(t time.Time) time.Time {
	u := t.UTC()
	rem := u.Sub(u.Truncate(StepDuration))
	if rem == 0 {
		return u
	}
	return u.Truncate(StepDuration).Add(StepDuration)
}

// BuildHorizon constructs the grid starting at the next 15-minute
// boundary at or after now, ending at now + H where H is the lesser of
// the available price horizon and MaxHorizon, per spec.md §4.1.
func BuildHorizon(now time.Time, priceHorizonEnd time.Time, loc *time.Location) Grid {
	if loc == nil {
		loc = time.UTC
	}
	start := AlignUp(now)
	end := start.Add(MaxHorizon)
	if priceHorizonEnd.Before(end) {
		end = AlignUp(priceHorizonEnd)
	}
	if !end.After(start) {
		return Grid{loc: loc, times: nil}
	}
	n := int(end.Sub(start) / StepDuration)
	times := make([]time.Time, n)
	for i := 0; i < n; i++ {
		times[i] = start.Add(time.Duration(i) * StepDuration)
	}
	return Grid{loc: loc, times: times}
}

// Len returns the number of intervals in the grid.
func (g Grid) Len() int { return len(g.times) }

// Location returns the configured local timezone used for local-time
// comparisons (e.g. the balancing coordinator's 22:00-06:00 windows).
func (g Grid) Location() *time.Location {
	if g.loc == nil {
		return time.UTC
	}
	return g.loc
}

// Intervals returns the grid's timestamps as bare types.Interval shells
// with zeroed exogenous fields and duration populated. The Forecast
// Aggregator fills in PVKWh/LoadKWh/prices.
func (g Grid) Intervals() []types.Interval {
	out := make([]types.Interval, len(g.times))
	for i, t := range g.times {
		out[i] = types.Interval{T: t, Duration: StepDuration}
	}
	return out
}

// IndexAt returns the grid position of t, if t falls exactly on one of
// the grid's boundaries.
func (g Grid) IndexAt(t time.Time) (int, bool) {
	ut := t.UTC()
	for i, gt := range g.times {
		if gt.Equal(ut) {
			return i, true
		}
	}
	return 0, false
}

// TimeAt returns the timestamp at position i.
func (g Grid) TimeAt(i int) time.Time {
	return g.times[i]
}

// IndexContaining returns the index of the interval whose [t, t+15m)
// span contains t, used when t doesn't fall on a clean boundary (e.g.
// "now" mid-interval).
func (g Grid) IndexContaining(t time.Time) (int, bool) {
	ut := t.UTC()
	if len(g.times) == 0 {
		return 0, false
	}
	if ut.Before(g.times[0]) {
		return 0, false
	}
	last := g.times[len(g.times)-1].Add(StepDuration)
	if !ut.Before(last) {
		return 0, false
	}
	idx := int(ut.Sub(g.times[0]) / StepDuration)
	if idx < 0 || idx >= len(g.times) {
		return 0, false
	}
	return idx, true
}
