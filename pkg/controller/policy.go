package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

// ErrMissingPriceData is returned when there is no price for the current
// hour. Nothing may be dispatched in that case.
var ErrMissingPriceData = errors.New("missing price data")

// Input is everything the policy looks at.
type Input struct {
	Vehicle           types.VehicleState
	Settings          types.ChargingSettings
	CurrentPrice      float64
	CurrentHour       int
	OverrideRequested bool
}

// Controller handles the charging decision logic.
type Controller struct {
}

// NewController creates a new Controller.
func NewController() *Controller {
	return &Controller{}
}

// CurrentRate returns the rate covering now.
func CurrentRate(series *types.PriceSeries, now time.Time) (types.HourlyRate, error) {
	if series == nil || len(series.Rates) == 0 {
		return types.HourlyRate{}, fmt.Errorf("%w: no price series", ErrMissingPriceData)
	}
	rate, ok := series.RateAt(now)
	if !ok {
		return types.HourlyRate{}, fmt.Errorf("%w: no rate for %s in zone %s", ErrMissingPriceData, now.UTC().Format(time.RFC3339), series.Zone)
	}
	return rate, nil
}

// Decide evaluates the policy for a plug-in or override. When the override
// is not requested it needs a price for now, otherwise ErrMissingPriceData
// is returned.
func (c *Controller) Decide(
	ctx context.Context,
	vehicle types.VehicleState,
	settings types.ChargingSettings,
	series *types.PriceSeries,
	now time.Time,
	overrideRequested bool,
) (types.Decision, types.HourlyRate, error) {
	in := Input{
		Vehicle:           vehicle,
		Settings:          settings,
		OverrideRequested: overrideRequested,
	}

	rate, err := CurrentRate(series, now)
	if err != nil && !overrideRequested {
		log.Ctx(ctx).WarnContext(ctx, "no price for current hour", slog.Any("error", err))
		return types.Decision{}, types.HourlyRate{}, err
	}
	if err == nil {
		in.CurrentPrice = rate.Price
		in.CurrentHour = rate.Hour
	}

	d := Decide(in)
	log.Ctx(ctx).DebugContext(
		ctx,
		"charging decision made",
		slog.String("action", string(d.Action)),
		slog.String("rule", string(d.Rule)),
		slog.String("explanation", d.Explanation),
		slog.Int("batteryLevel", vehicle.BatteryLevelPercent),
		slog.Float64("price", in.CurrentPrice),
		slog.Int("hour", in.CurrentHour),
	)
	return d, rate, nil
}

// Decide applies the rules in priority order and returns the first match.
func Decide(in Input) types.Decision {
	if in.OverrideRequested {
		return types.Decision{
			Action:      types.ActionStart,
			Rule:        types.RuleOverride,
			Explanation: "override requested",
		}
	}

	if in.Vehicle.BatteryLevelPercent < in.Settings.EmergencyThresholdPercent {
		return types.Decision{
			Action: types.ActionStart,
			Rule:   types.RuleEmergency,
			Explanation: fmt.Sprintf(
				"battery %d%% is below emergency threshold %d%%",
				in.Vehicle.BatteryLevelPercent,
				in.Settings.EmergencyThresholdPercent,
			),
		}
	}

	if in.CurrentPrice < 0 {
		return types.Decision{
			Action:      types.ActionStart,
			Rule:        types.RuleBonus,
			Explanation: fmt.Sprintf("price %.4f is negative", in.CurrentPrice),
		}
	}

	if in.Settings.InWindow(in.CurrentHour) && in.Vehicle.BatteryLevelPercent < in.Settings.TargetBatteryPercent {
		return types.Decision{
			Action: types.ActionStart,
			Rule:   types.RuleOptimalWindow,
			Explanation: fmt.Sprintf(
				"hour %d is inside the optimal window starting at %d for %d hours",
				in.CurrentHour,
				*in.Settings.OptimalStartHour,
				in.Settings.ChargingDurationHours,
			),
		}
	}

	return types.Decision{
		Action:      types.ActionStop,
		Rule:        types.RuleDefault,
		Explanation: "no rule requested charging",
	}
}
