// Package forecast fuses external PV, load and price series onto a
// clock.Grid (spec.md §4.2). Grounded in scheduler/mpc.go's
// buildMPCForecast/getPriceForecast/getSolarForecast fusion shape.
// Production PV/load/price providers (the OIG Cloud client, the OTE spot
// fetcher) are external collaborators, out of scope here — only the
// narrow Fetch interfaces are defined, with test doubles exercising them
// in this package's tests.
package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sixdouglas/suncalc"

	"github.com/oig-battery-planner/planner/clock"
	"github.com/oig-battery-planner/planner/telemetry"
	"github.com/oig-battery-planner/planner/types"
)

// PVSample is one hourly PV production forecast point.
type PVSample struct {
	Hour  time.Time
	KWh   float64
}

// LoadSample is one 15-minute load forecast point, keyed by the
// interval start time T (spec.md §6).
type LoadSample struct {
	T    time.Time
	KWh  float64
}

// PriceSample is one 15-minute price point.
type PriceSample struct {
	T           time.Time
	ImportPrice float64
	ExportPrice float64
}

// PVProvider supplies hourly PV production forecasts for a window.
type PVProvider interface {
	Fetch(ctx context.Context, window types.Window) ([]PVSample, error)
}

// LoadProvider supplies 15-minute load forecasts for a window.
type LoadProvider interface {
	Fetch(ctx context.Context, window types.Window) ([]LoadSample, error)
}

// PriceProvider supplies 15-minute import/export price series for a
// window.
type PriceProvider interface {
	Fetch(ctx context.Context, window types.Window) ([]PriceSample, error)
}

// Location pins the coordinates used for the daylight sanity clamp.
type Location struct {
	Latitude  float64
	Longitude float64
}

// Aggregate fuses PV, load and price series onto the grid, producing one
// fully populated types.Interval per grid position. Missing prices are
// fatal (ErrInputUnavailable, §7) — the planner must refuse to plan
// rather than synthesize prices. Missing load falls back to the
// interval-matched historical average for the same weekday class via
// history, when available; otherwise it is also ErrInputUnavailable.
func Aggregate(ctx context.Context, g clock.Grid, loc Location, pv PVProvider, load LoadProvider, price PriceProvider, history telemetry.HistoryReader) ([]types.Interval, error) {
	ivs := g.Intervals()
	if len(ivs) == 0 {
		return nil, types.NewPlannerError(types.KindInputUnavailable, "forecast: empty grid", nil)
	}
	window := types.Window{Start: ivs[0].T, End: ivs[len(ivs)-1].T.Add(clock.StepDuration)}

	prices, err := price.Fetch(ctx, window)
	if err != nil {
		return nil, types.NewPlannerError(types.KindInputUnavailable, "forecast: price fetch failed", err)
	}
	priceByTime := make(map[time.Time]PriceSample, len(prices))
	for _, p := range prices {
		priceByTime[p.T.UTC()] = p
	}

	pvSamples, err := pv.Fetch(ctx, window)
	if err != nil {
		return nil, types.NewPlannerError(types.KindInputUnavailable, "forecast: pv fetch failed", err)
	}
	pvByHour := make(map[time.Time]float64, len(pvSamples))
	for _, s := range pvSamples {
		pvByHour[s.Hour.UTC().Truncate(time.Hour)] = s.KWh
	}

	loadSamples, err := load.Fetch(ctx, window)
	if err != nil {
		return nil, types.NewPlannerError(types.KindInputUnavailable, "forecast: load fetch failed", err)
	}
	loadByTime := make(map[time.Time]float64, len(loadSamples))
	for _, s := range loadSamples {
		loadByTime[s.T.UTC()] = s.KWh
	}

	out := make([]types.Interval, len(ivs))
	for i, iv := range ivs {
		p, ok := priceByTime[iv.T.UTC()]
		if !ok {
			return nil, types.NewPlannerError(types.KindInputUnavailable, fmt.Sprintf("forecast: missing price at %s", iv.T), nil)
		}
		iv.ImportPrice = p.ImportPrice
		iv.ExportPrice = p.ExportPrice

		hourBucket := iv.T.Truncate(time.Hour)
		if hourly, ok := pvByHour[hourBucket]; ok {
			iv.PVKWh = hourly / 4.0
		}
		iv.PVKWh = clampToDaylight(iv.T, iv.PVKWh, loc)

		if l, ok := loadByTime[iv.T.UTC()]; ok {
			iv.LoadKWh = l
		} else if history != nil {
			weekdayClass := telemetry.WeekdayClassOf(iv.T)
			timeOfDay := iv.T.Sub(iv.T.Truncate(24 * time.Hour))
			avg, found, herr := history.LoadAverage(ctx, weekdayClass, timeOfDay)
			if herr != nil {
				return nil, types.NewPlannerError(types.KindInputUnavailable, "forecast: history lookup failed", herr)
			}
			if !found {
				return nil, types.NewPlannerError(types.KindInputUnavailable, fmt.Sprintf("forecast: no load forecast or history for %s", iv.T), nil)
			}
			iv.LoadKWh = avg
		} else {
			return nil, types.NewPlannerError(types.KindInputUnavailable, fmt.Sprintf("forecast: missing load at %s with no history fallback", iv.T), nil)
		}

		out[i] = iv
	}
	return out, nil
}

// clampToDaylight zeroes out a nonzero PV forecast sample that falls
// outside the sunrise/sunset window for loc, guarding against twilight
// bleed or stale forecast data — the same suncalc.GetTimes/GetPosition
// gating scheduler/mpc.go's estimateSolarPowerFromWeather applies before
// trusting a PV estimate.
func clampToDaylight(t time.Time, pvKWh float64, loc Location) float64 {
	if pvKWh <= 0 {
		return pvKWh
	}
	sunTimes := suncalc.GetTimes(t, loc.Latitude, loc.Longitude)
	sunrise := sunTimes["sunrise"].Value
	sunset := sunTimes["sunset"].Value
	if t.Before(sunrise) || t.After(sunset) {
		return 0
	}
	pos := suncalc.GetPosition(t, loc.Latitude, loc.Longitude)
	if math.Sin(pos.Altitude) < 0 {
		return 0
	}
	return pvKWh
}
