// Package device writes inverter mode transitions to the physical
// hardware. Grounded directly in sigenergy/modbus_client.go's
// SigenModbusClient: same github.com/goburrow/modbus TCP/RTU handler
// setup and register-write conventions, re-purposed from per-kW control
// decisions to one write per HOME_I/II/III/UPS mode transition
// (spec.md §6).
package device

import (
	"fmt"

	"github.com/oig-battery-planner/planner/sigenergy"
	"github.com/oig-battery-planner/planner/types"
)

// Remote EMS control modes (sigenergy/modbus_client.go:SetRemoteEMSMode).
const (
	emsModeSelfConsumption   uint16 = 2
	emsModeCommandChargeGrid uint16 = 3 // grid-first: HOME UPS
	emsModeCommandChargePV   uint16 = 4 // PV-first: HOME II/III
)

// ModeWriter pushes one inverter mode transition to hardware.
type ModeWriter interface {
	WriteMode(mode types.Mode) error
}

// SigenergyModbusWriter is the production ModeWriter, backed by a
// sigenergy.SigenModbusClient. The inverter's own remote-EMS vocabulary
// has no separate register for HOME_II vs HOME_III — both route PV
// preferentially into the battery and block discharge-for-load at the
// register level; the distinction between them (whether surplus PV also
// serves load directly) only affects the simulator's kWh accounting, not
// what gets written to the device.
type SigenergyModbusWriter struct {
	client          *sigenergy.SigenModbusClient
	maxDischargeKW  float64 // restored on entering HOME_I
	acChargeLimitKW float64
	lastMode        types.Mode
	initialized     bool
}

// NewSigenergyModbusWriter wraps an already-connected client. maxDischargeKW
// is the inverter's rated ESS discharge limit (restored on entering
// HOME_I), acChargeLimitKW is cfg.ACChargeKW (applied entering HOME_UPS).
func NewSigenergyModbusWriter(client *sigenergy.SigenModbusClient, maxDischargeKW, acChargeLimitKW float64) *SigenergyModbusWriter {
	return &SigenergyModbusWriter{client: client, maxDischargeKW: maxDischargeKW, acChargeLimitKW: acChargeLimitKW}
}

// WriteMode pushes the register writes for one mode transition. It is
// idempotent: calling it again with the same mode is a no-op.
func (w *SigenergyModbusWriter) WriteMode(mode types.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("device: invalid mode %q: %w", mode, types.ErrProgrammerError)
	}
	if w.initialized && mode == w.lastMode {
		return nil
	}

	if !w.initialized {
		if err := w.client.EnableRemoteEMS(true); err != nil {
			return fmt.Errorf("device: enable remote ems: %w", err)
		}
		w.initialized = true
	}

	switch mode {
	case types.HomeI:
		if err := w.client.SetRemoteEMSMode(emsModeSelfConsumption); err != nil {
			return fmt.Errorf("device: set remote ems mode HOME_I: %w", err)
		}
		if err := w.client.SetESSMaxDischargingLimit(w.maxDischargeKW); err != nil {
			return fmt.Errorf("device: restore discharge limit: %w", err)
		}

	case types.HomeII, types.HomeIII:
		if err := w.client.SetRemoteEMSMode(emsModeCommandChargePV); err != nil {
			return fmt.Errorf("device: set remote ems mode %s: %w", mode, err)
		}
		if err := w.client.SetESSMaxDischargingLimit(0); err != nil {
			return fmt.Errorf("device: block discharge for %s: %w", mode, err)
		}

	case types.HomeUPS:
		if err := w.client.SetRemoteEMSMode(emsModeCommandChargeGrid); err != nil {
			return fmt.Errorf("device: set remote ems mode HOME_UPS: %w", err)
		}
		if err := w.client.SetESSMaxChargingLimit(w.acChargeLimitKW); err != nil {
			return fmt.Errorf("device: set ac charge limit: %w", err)
		}
	}

	w.lastMode = mode
	return nil
}
