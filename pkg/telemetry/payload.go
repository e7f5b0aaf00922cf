package telemetry

import (
	"strings"

	"github.com/raterudder/chargerudder/pkg/types"
)

// Payload is the data object of a telemetry webhook. Every field is optional.
type Payload struct {
	// ChargingState is the vehicle's charging state string, e.g. Charging or
	// Disconnected.
	ChargingState *string `json:"charging_state,omitempty"`
	IsCharging    *bool   `json:"is_charging,omitempty"`
	PluggedIn     *bool   `json:"plugged_in,omitempty"`
	BatteryLevel  *int    `json:"battery_level,omitempty"`
}

// Update converts the payload into a partial update. Explicit booleans win
// over what ChargingState implies.
func (p Payload) Update() types.VehicleUpdate {
	var u types.VehicleUpdate
	if p.ChargingState != nil {
		charging, plugged, ok := ParseChargingState(*p.ChargingState)
		if ok {
			u.IsCharging = &charging
			u.IsPluggedIn = &plugged
		}
	}
	if p.IsCharging != nil {
		v := *p.IsCharging
		u.IsCharging = &v
	}
	if p.PluggedIn != nil {
		v := *p.PluggedIn
		u.IsPluggedIn = &v
	}
	if p.BatteryLevel != nil {
		v := *p.BatteryLevel
		u.BatteryLevelPercent = &v
	}
	return u
}

// ParseChargingState maps a charging state string to the charging and
// plugged-in flags. ok is false for states that imply neither.
func ParseChargingState(state string) (charging bool, pluggedIn bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(state)) {
	case "charging":
		return true, true, true
	case "disconnected":
		return false, false, true
	case "stopped", "complete", "nopower", "starting":
		return false, true, true
	default:
		return false, false, false
	}
}
