// Package telemetry merges partial vehicle telemetry into the stored vehicle
// state and detects plug-in transitions.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrUnknownVehicle is returned by a Store when no user owns the VIN.
var ErrUnknownVehicle = errors.New("unknown vehicle")

// Store persists vehicle state. UpdateVehicle must run fn and write the
// returned state atomically for the user that owns vin.
type Store interface {
	UpdateVehicle(ctx context.Context, vin string, fn func(user types.User) (types.VehicleState, error)) (types.User, error)
}

// Apply merges u into s. It returns the new state and whether the update
// flipped IsPluggedIn from false to true.
func Apply(s types.VehicleState, u types.VehicleUpdate, now time.Time) (types.VehicleState, bool) {
	wasPlugged := s.IsPluggedIn

	if u.IsCharging != nil {
		s.IsCharging = *u.IsCharging
	}
	if u.IsPluggedIn != nil {
		s.IsPluggedIn = *u.IsPluggedIn
	}
	if u.BatteryLevelPercent != nil {
		s.BatteryLevelPercent = clampPercent(*u.BatteryLevelPercent)
	}
	if !u.Empty() {
		s.UpdatedAt = now.UTC()
	}

	pluggedIn := !wasPlugged && s.IsPluggedIn
	switch {
	case pluggedIn:
		s.Phase = types.ChargePhasePluggedEvaluating
	case !s.IsPluggedIn:
		s.Phase = types.ChargePhaseUnplugged
	case s.Phase == "" || s.Phase == types.ChargePhaseUnplugged:
		// plugged in before phases were tracked
		s.Phase = types.ChargePhasePluggedIdle
	}
	return s, pluggedIn
}

// Evaluated moves a vehicle that was waiting for a decision to idle.
func Evaluated(s types.VehicleState) types.VehicleState {
	if s.Phase == types.ChargePhasePluggedEvaluating {
		s.Phase = types.ChargePhasePluggedIdle
	}
	return s
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// Result is the outcome of ingesting one telemetry event.
type Result struct {
	// Known is false when no user owns the VIN.
	Known bool
	User  types.User
	// PluggedIn is true when this event caused the plug-in transition.
	PluggedIn bool
}

// Tracker applies telemetry events to stored vehicle state.
type Tracker struct {
	store Store
	now   func() time.Time
}

// NewTracker creates a Tracker backed by store.
func NewTracker(store Store) *Tracker {
	return &Tracker{
		store: store,
		now:   time.Now,
	}
}

// Ingest applies update to the vehicle identified by vin. An unknown VIN is
// not an error.
func (t *Tracker) Ingest(ctx context.Context, vin string, update types.VehicleUpdate) (Result, error) {
	if vin == "" {
		return Result{}, errors.New("missing vin")
	}

	var pluggedIn bool
	user, err := t.store.UpdateVehicle(ctx, vin, func(user types.User) (types.VehicleState, error) {
		current := user.Vehicle
		current.VIN = vin
		next, transitioned := Apply(current, update, t.now())
		// the transaction may be retried so only the last run counts
		pluggedIn = transitioned
		return next, nil
	})
	if errors.Is(err, ErrUnknownVehicle) {
		log.Ctx(ctx).InfoContext(ctx, "ignoring telemetry for unknown vehicle", slog.String("vin", vin))
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to update vehicle %s: %w", vin, err)
	}

	if pluggedIn {
		log.Ctx(ctx).InfoContext(
			ctx,
			"vehicle plugged in",
			slog.String("vin", vin),
			slog.String("userID", user.ID),
			slog.Int("batteryLevel", user.Vehicle.BatteryLevelPercent),
		)
	}
	return Result{Known: true, User: user, PluggedIn: pluggedIn}, nil
}
