package types

import "time"

// ChargePhase tracks where a vehicle is in the plug-in evaluation cycle. The
// policy is only evaluated on entering PLUGGED_EVALUATING.
type ChargePhase string

const (
	ChargePhaseUnplugged         ChargePhase = "UNPLUGGED"
	ChargePhasePluggedEvaluating ChargePhase = "PLUGGED_EVALUATING"
	ChargePhasePluggedIdle       ChargePhase = "PLUGGED_IDLE"
)

// VehicleState is the last known state of a user's vehicle.
type VehicleState struct {
	VIN                 string      `firestore:"vin" json:"vin"`
	IsCharging          bool        `firestore:"isCharging" json:"isCharging"`
	IsPluggedIn         bool        `firestore:"isPluggedIn" json:"isPluggedIn"`
	BatteryLevelPercent int         `firestore:"batteryLevelPercent" json:"batteryLevelPercent"`
	Phase               ChargePhase `firestore:"phase" json:"phase"`
	UpdatedAt           time.Time   `firestore:"updatedAt" json:"updatedAt"`
}

// VehicleUpdate is a partial telemetry update. A nil field was not reported
// and must leave the stored value untouched.
type VehicleUpdate struct {
	IsCharging          *bool
	IsPluggedIn         *bool
	BatteryLevelPercent *int
}

// Empty reports whether the update carries no fields.
func (u VehicleUpdate) Empty() bool {
	return u.IsCharging == nil && u.IsPluggedIn == nil && u.BatteryLevelPercent == nil
}
