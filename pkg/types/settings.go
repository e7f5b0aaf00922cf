package types

import (
	"fmt"
)

// ChargingSettings are the per-user charging preferences. Everything except
// OptimalStartHour is authored by the user.
type ChargingSettings struct {
	// ChargingDurationHours is how many contiguous hours the vehicle needs.
	ChargingDurationHours int `firestore:"chargingDurationHours" json:"chargingDurationHours"`
	// Below this battery percentage the vehicle always charges.
	EmergencyThresholdPercent int `firestore:"emergencyThresholdPercent" json:"emergencyThresholdPercent"`
	// Charging inside the optimal window stops once this percentage is reached.
	TargetBatteryPercent int `firestore:"targetBatteryPercent" json:"targetBatteryPercent"`

	// OptimalStartHour is derived from the latest price series. nil means no
	// window has been computed yet.
	OptimalStartHour *int `firestore:"optimalStartHour" json:"optimalStartHour,omitempty"`
}

// Validate checks the user-authored fields.
func (s ChargingSettings) Validate() error {
	if s.ChargingDurationHours <= 0 || s.ChargingDurationHours > 24 {
		return fmt.Errorf("chargingDurationHours must be between 1 and 24: %d", s.ChargingDurationHours)
	}
	if s.EmergencyThresholdPercent < 0 || s.EmergencyThresholdPercent > 100 {
		return fmt.Errorf("emergencyThresholdPercent must be between 0 and 100: %d", s.EmergencyThresholdPercent)
	}
	if s.TargetBatteryPercent < 0 || s.TargetBatteryPercent > 100 {
		return fmt.Errorf("targetBatteryPercent must be between 0 and 100: %d", s.TargetBatteryPercent)
	}
	if s.OptimalStartHour != nil && (*s.OptimalStartHour < 0 || *s.OptimalStartHour > 23) {
		return fmt.Errorf("optimalStartHour must be between 0 and 23: %d", *s.OptimalStartHour)
	}
	return nil
}

// InWindow reports whether hour falls inside
// [OptimalStartHour, OptimalStartHour+ChargingDurationHours).
func (s ChargingSettings) InWindow(hour int) bool {
	if s.OptimalStartHour == nil {
		return false
	}
	start := *s.OptimalStartHour
	return hour >= start && hour < start+s.ChargingDurationHours
}
