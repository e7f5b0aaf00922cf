package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/telemetry"
	"github.com/raterudder/chargerudder/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func newEmulatorProvider(t *testing.T) *FirestoreProvider {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	// a random database keeps runs isolated
	f := &FirestoreProvider{
		projectID: "test-project-id",
		database:  fmt.Sprintf("test-db-%d", time.Now().UnixNano()),
	}
	require.NoError(t, f.Init(context.Background()))
	t.Cleanup(func() { f.Close() })
	return f
}

func TestFirestoreProvider(t *testing.T) {
	f := newEmulatorProvider(t)
	ctx := context.Background()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("PriceSeries", func(t *testing.T) {
		_, err := f.GetPriceSeries(ctx, "10Y1001A1001A82H")
		assert.True(t, errors.Is(err, ErrPriceSeriesNotFound))

		start := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
		series := types.PriceSeries{
			Zone:        "10Y1001A1001A82H",
			Currency:    "EUR",
			LastUpdated: start.Add(-10 * time.Hour),
			Rates: []types.HourlyRate{
				{Hour: 0, Price: 0.1, Timestamp: start},
				{Hour: 1, Price: -0.02, Timestamp: start.Add(time.Hour)},
			},
		}
		require.NoError(t, f.PutPriceSeries(ctx, series))

		got, err := f.GetPriceSeries(ctx, series.Zone)
		require.NoError(t, err)
		require.Len(t, got.Rates, 2)
		assert.Equal(t, -0.02, got.Rates[1].Price)
		assert.True(t, start.Equal(got.Rates[0].Timestamp))

		// a new series replaces the old one wholesale
		series.Rates = series.Rates[:1]
		require.NoError(t, f.PutPriceSeries(ctx, series))
		got, err = f.GetPriceSeries(ctx, series.Zone)
		require.NoError(t, err)
		assert.Len(t, got.Rates, 1)
	})

	t.Run("EmptyUserID", func(t *testing.T) {
		_, err := f.GetUser(ctx, "")
		assert.ErrorContains(t, err, "userID cannot be empty")
	})

	t.Run("UserNotFound", func(t *testing.T) {
		_, err := f.GetUser(ctx, "nobody")
		assert.True(t, errors.Is(err, ErrUserNotFound))
	})

	t.Run("Settings And Windows", func(t *testing.T) {
		settings := types.ChargingSettings{
			ChargingDurationHours:     3,
			EmergencyThresholdPercent: 20,
			TargetBatteryPercent:      80,
		}
		require.NoError(t, f.SetSettings(ctx, "u-settings", "ZONE-A", settings))
		require.NoError(t, f.SetSettings(ctx, "u-settings-2", "ZONE-A", settings))

		require.NoError(t, f.SetOptimalStartHours(ctx, []WindowUpdate{
			{UserID: "u-settings", StartHour: 2},
			{UserID: "u-settings-2", StartHour: 5},
		}))

		user, err := f.GetUser(ctx, "u-settings")
		require.NoError(t, err)
		assert.Equal(t, "u-settings", user.ID)
		assert.Equal(t, "ZONE-A", user.Zone)
		require.NotNil(t, user.Settings)
		require.NotNil(t, user.Settings.OptimalStartHour)
		assert.Equal(t, 2, *user.Settings.OptimalStartHour)
		assert.Equal(t, 3, user.Settings.ChargingDurationHours)

		// user edits leave the derived window alone
		settings.ChargingDurationHours = 4
		require.NoError(t, f.SetSettings(ctx, "u-settings", "ZONE-A", settings))
		user, err = f.GetUser(ctx, "u-settings")
		require.NoError(t, err)
		require.NotNil(t, user.Settings.OptimalStartHour)
		assert.Equal(t, 2, *user.Settings.OptimalStartHour)
		assert.Equal(t, 4, user.Settings.ChargingDurationHours)

		users, err := f.ListUsersByZone(ctx, "ZONE-A")
		require.NoError(t, err)
		assert.Len(t, users, 2)

		// missing users fail individually
		err = f.SetOptimalStartHours(ctx, []WindowUpdate{
			{UserID: "u-settings", StartHour: 7},
			{UserID: "missing-user", StartHour: 1},
		})
		assert.ErrorContains(t, err, "missing-user")
		user, err = f.GetUser(ctx, "u-settings")
		require.NoError(t, err)
		assert.Equal(t, 7, *user.Settings.OptimalStartHour)
	})

	t.Run("Vehicle", func(t *testing.T) {
		require.NoError(t, f.SetRefreshCredential(ctx, "u-vehicle", []byte("sealed"), "VIN-VEHICLE"))

		plugged := true
		user, err := f.UpdateVehicle(ctx, "VIN-VEHICLE", func(u types.User) (types.VehicleState, error) {
			next, _ := telemetry.Apply(u.Vehicle, types.VehicleUpdate{IsPluggedIn: &plugged}, time.Now())
			return next, nil
		})
		require.NoError(t, err)
		assert.Equal(t, "u-vehicle", user.ID)
		assert.Equal(t, types.ChargePhasePluggedEvaluating, user.Vehicle.Phase)
		assert.Equal(t, []byte("sealed"), user.RefreshCredential)

		_, err = f.UpdateVehicle(ctx, "VIN-UNKNOWN", func(u types.User) (types.VehicleState, error) {
			return u.Vehicle, nil
		})
		assert.True(t, errors.Is(err, telemetry.ErrUnknownVehicle))

		record := types.DecisionRecord{
			Timestamp:  time.Now().UTC().Truncate(time.Millisecond),
			Action:     types.ActionStart,
			Rule:       types.RuleEmergency,
			Hour:       3,
			Dispatched: true,
		}
		require.NoError(t, f.RecordDecision(ctx, "u-vehicle", record))
		user, err = f.GetUser(ctx, "u-vehicle")
		require.NoError(t, err)
		assert.Equal(t, types.ChargePhasePluggedIdle, user.Vehicle.Phase)
		require.NotNil(t, user.LastDecision)
		assert.Equal(t, types.RuleEmergency, user.LastDecision.Rule)
		assert.True(t, user.Vehicle.IsPluggedIn)
	})

	t.Run("Override", func(t *testing.T) {
		err := f.SetChargeOverride(ctx, "no-such-user", true)
		assert.True(t, errors.Is(err, ErrUserNotFound))

		require.NoError(t, f.SetRefreshCredential(ctx, "u-override", []byte("sealed"), "VIN-OVERRIDE"))
		require.NoError(t, f.SetChargeOverride(ctx, "u-override", true))

		ids, err := f.ListOverrideUserIDs(ctx)
		require.NoError(t, err)
		assert.Contains(t, ids, "u-override")

		// concurrent consumers: exactly one wins
		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, consumed, err := f.ConsumeOverride(ctx, "u-override")
				assert.NoError(t, err)
				if consumed {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())

		user, err := f.GetUser(ctx, "u-override")
		require.NoError(t, err)
		assert.False(t, user.ChargeOverride)
	})

	t.Run("WatchOverrides", func(t *testing.T) {
		require.NoError(t, f.SetRefreshCredential(ctx, "u-watch", []byte("sealed"), "VIN-WATCH"))

		watchCtx, cancel := context.WithCancel(ctx)
		seen := make(chan string, 10)
		done := make(chan error, 1)
		go func() {
			done <- f.WatchOverrides(watchCtx, func(ctx context.Context, userID string) {
				seen <- userID
			})
		}()

		require.NoError(t, f.SetChargeOverride(ctx, "u-watch", true))
		select {
		case id := <-seen:
			assert.Equal(t, "u-watch", id)
		case <-time.After(10 * time.Second):
			t.Fatal("override not observed")
		}
		cancel()
		assert.NoError(t, <-done)
	})
}
