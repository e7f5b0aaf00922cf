package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func boolPtr(b bool) *bool { return &b }
func intPtr(i int) *int    { return &i }

var testNow = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

func TestApply(t *testing.T) {
	t.Run("Plug In Transition", func(t *testing.T) {
		s := types.VehicleState{VIN: "VIN1", Phase: types.ChargePhaseUnplugged}
		next, pluggedIn := Apply(s, types.VehicleUpdate{IsPluggedIn: boolPtr(true)}, testNow)
		assert.True(t, pluggedIn)
		assert.True(t, next.IsPluggedIn)
		assert.Equal(t, types.ChargePhasePluggedEvaluating, next.Phase)
		assert.Equal(t, testNow, next.UpdatedAt)
	})

	t.Run("Already Plugged In", func(t *testing.T) {
		s := types.VehicleState{IsPluggedIn: true, Phase: types.ChargePhasePluggedIdle}
		next, pluggedIn := Apply(s, types.VehicleUpdate{IsPluggedIn: boolPtr(true)}, testNow)
		assert.False(t, pluggedIn)
		assert.Equal(t, types.ChargePhasePluggedIdle, next.Phase)
	})

	t.Run("Unplug", func(t *testing.T) {
		s := types.VehicleState{IsPluggedIn: true, IsCharging: true, Phase: types.ChargePhasePluggedIdle}
		next, pluggedIn := Apply(s, types.VehicleUpdate{IsPluggedIn: boolPtr(false), IsCharging: boolPtr(false)}, testNow)
		assert.False(t, pluggedIn)
		assert.False(t, next.IsPluggedIn)
		assert.False(t, next.IsCharging)
		assert.Equal(t, types.ChargePhaseUnplugged, next.Phase)
	})

	t.Run("Battery Only Update", func(t *testing.T) {
		s := types.VehicleState{IsPluggedIn: true, IsCharging: true, BatteryLevelPercent: 40, Phase: types.ChargePhasePluggedIdle}
		next, pluggedIn := Apply(s, types.VehicleUpdate{BatteryLevelPercent: intPtr(55)}, testNow)
		assert.False(t, pluggedIn)
		assert.True(t, next.IsPluggedIn)
		assert.True(t, next.IsCharging)
		assert.Equal(t, 55, next.BatteryLevelPercent)
		assert.Equal(t, types.ChargePhasePluggedIdle, next.Phase)
	})

	t.Run("Battery Clamped", func(t *testing.T) {
		next, _ := Apply(types.VehicleState{}, types.VehicleUpdate{BatteryLevelPercent: intPtr(120)}, testNow)
		assert.Equal(t, 100, next.BatteryLevelPercent)
		next, _ = Apply(types.VehicleState{}, types.VehicleUpdate{BatteryLevelPercent: intPtr(-3)}, testNow)
		assert.Equal(t, 0, next.BatteryLevelPercent)
	})

	t.Run("Empty Update", func(t *testing.T) {
		s := types.VehicleState{IsPluggedIn: true, Phase: types.ChargePhasePluggedIdle, UpdatedAt: testNow.Add(-time.Hour)}
		next, pluggedIn := Apply(s, types.VehicleUpdate{}, testNow)
		assert.False(t, pluggedIn)
		assert.Equal(t, s, next)
	})

	t.Run("Legacy Plugged State", func(t *testing.T) {
		s := types.VehicleState{IsPluggedIn: true}
		next, pluggedIn := Apply(s, types.VehicleUpdate{BatteryLevelPercent: intPtr(10)}, testNow)
		assert.False(t, pluggedIn)
		assert.Equal(t, types.ChargePhasePluggedIdle, next.Phase)
	})

	t.Run("Flap Emits Once Per Rising Edge", func(t *testing.T) {
		s := types.VehicleState{}
		var edges int
		for _, plugged := range []bool{true, true, false, false, true} {
			var edge bool
			s, edge = Apply(s, types.VehicleUpdate{IsPluggedIn: boolPtr(plugged)}, testNow)
			if edge {
				edges++
			}
		}
		assert.Equal(t, 2, edges)
		assert.Equal(t, types.ChargePhasePluggedEvaluating, s.Phase)
	})
}

func TestEvaluated(t *testing.T) {
	s := Evaluated(types.VehicleState{IsPluggedIn: true, Phase: types.ChargePhasePluggedEvaluating})
	assert.Equal(t, types.ChargePhasePluggedIdle, s.Phase)

	s = Evaluated(types.VehicleState{Phase: types.ChargePhaseUnplugged})
	assert.Equal(t, types.ChargePhaseUnplugged, s.Phase)
}

type memStore struct {
	users map[string]types.User
	err   error
}

func (m *memStore) UpdateVehicle(ctx context.Context, vin string, fn func(types.User) (types.VehicleState, error)) (types.User, error) {
	if m.err != nil {
		return types.User{}, m.err
	}
	for id, u := range m.users {
		if u.Vehicle.VIN != vin {
			continue
		}
		next, err := fn(u)
		if err != nil {
			return types.User{}, err
		}
		u.Vehicle = next
		m.users[id] = u
		return u, nil
	}
	return types.User{}, ErrUnknownVehicle
}

func TestTrackerIngest(t *testing.T) {
	ctx := context.Background()

	newTracker := func() (*Tracker, *memStore) {
		store := &memStore{users: map[string]types.User{
			"u1": {ID: "u1", Vehicle: types.VehicleState{VIN: "VIN1", Phase: types.ChargePhaseUnplugged}},
		}}
		tr := NewTracker(store)
		tr.now = func() time.Time { return testNow }
		return tr, store
	}

	t.Run("Plug In", func(t *testing.T) {
		tr, store := newTracker()
		res, err := tr.Ingest(ctx, "VIN1", types.VehicleUpdate{IsPluggedIn: boolPtr(true), BatteryLevelPercent: intPtr(30)})
		require.NoError(t, err)
		assert.True(t, res.Known)
		assert.True(t, res.PluggedIn)
		assert.Equal(t, "u1", res.User.ID)
		assert.Equal(t, 30, store.users["u1"].Vehicle.BatteryLevelPercent)
		assert.Equal(t, types.ChargePhasePluggedEvaluating, store.users["u1"].Vehicle.Phase)

		res, err = tr.Ingest(ctx, "VIN1", types.VehicleUpdate{IsPluggedIn: boolPtr(true)})
		require.NoError(t, err)
		assert.False(t, res.PluggedIn)
	})

	t.Run("Unknown Vehicle", func(t *testing.T) {
		tr, _ := newTracker()
		res, err := tr.Ingest(ctx, "NOPE", types.VehicleUpdate{IsPluggedIn: boolPtr(true)})
		require.NoError(t, err)
		assert.False(t, res.Known)
	})

	t.Run("Missing VIN", func(t *testing.T) {
		tr, _ := newTracker()
		_, err := tr.Ingest(ctx, "", types.VehicleUpdate{})
		assert.Error(t, err)
	})

	t.Run("Store Error", func(t *testing.T) {
		tr, store := newTracker()
		store.err = errors.New("unavailable")
		_, err := tr.Ingest(ctx, "VIN1", types.VehicleUpdate{IsPluggedIn: boolPtr(true)})
		assert.Error(t, err)
	})
}
