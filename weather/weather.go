// Package weather implements the Weather Emergency Monitor (spec.md
// §4.9): a narrow four-level severity state machine that turns a live
// warning-feed reading into an emergency Intent. Modeled after the
// polling/caching shape of meteo/client.go and scheduler/pv.go's
// WeatherForecastCache, but scoped to the severity enum rather than the
// full met.no forecast schema — the ČHMÚ feed itself is an external
// collaborator, out of scope here.
package weather

import (
	"time"

	"github.com/oig-battery-planner/planner/types"
)

// WarningState is one reading of the external weather-warning feed
// (spec.md §6).
type WarningState struct {
	Severity   types.Severity
	Phenomenon string
	Start      time.Time
	End        time.Time
	Active     bool
}

// Monitor tracks whether an emergency Intent is currently in force, so it
// can extend the holding window while the underlying warning persists
// past its originally forecast end, and clear once the warning ends.
type Monitor struct {
	active *types.Intent
}

// NewMonitor returns an idle Monitor.
func NewMonitor() *Monitor { return &Monitor{} }

// Evaluate runs one tick of the state machine (spec.md §4.9). It returns
// the current emergency intent (nil if none is in force). Severity
// levels not in cfg.WeatherEmergencyLevels never trigger an intent.
func (m *Monitor) Evaluate(warning WarningState, cfg types.Config) *types.Intent {
	if !warning.Active || !severityEnabled(warning.Severity, cfg.WeatherEmergencyLevels) {
		m.active = nil
		return nil
	}

	if m.active == nil {
		m.active = &types.Intent{
			Kind:           types.IntentEmergency,
			RequiredSOCKWh: cfg.TotalCapacityKWh,
			HoldingStart:   warning.Start,
			HoldingEnd:     warning.End,
			HoldingMode:    types.HomeUPS,
			Locked:         true,
		}
		return m.active
	}

	// The actual holding end follows the live warning state: extend it
	// while the warning remains active past its originally forecast end.
	if warning.End.After(m.active.HoldingEnd) {
		extended := *m.active
		extended.HoldingEnd = warning.End
		m.active = &extended
	}
	return m.active
}

func severityEnabled(s types.Severity, levels []types.Severity) bool {
	for _, l := range levels {
		if l == s {
			return true
		}
	}
	return false
}
