package storagemock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) PutPriceSeries(ctx context.Context, series types.PriceSeries) error {
	args := m.Called(ctx, series)
	return args.Error(0)
}

func (m *MockDatabase) GetPriceSeries(ctx context.Context, zone string) (types.PriceSeries, error) {
	args := m.Called(ctx, zone)
	return args.Get(0).(types.PriceSeries), args.Error(1)
}

func (m *MockDatabase) GetUser(ctx context.Context, userID string) (types.User, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(types.User), args.Error(1)
}

func (m *MockDatabase) ListUsersByZone(ctx context.Context, zone string) ([]types.User, error) {
	args := m.Called(ctx, zone)
	if len(args) > 0 {
		users, _ := args.Get(0).([]types.User)
		return users, args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, userID string, zone string, settings types.ChargingSettings) error {
	args := m.Called(ctx, userID, zone, settings)
	return args.Error(0)
}

func (m *MockDatabase) SetOptimalStartHours(ctx context.Context, updates []storage.WindowUpdate) error {
	args := m.Called(ctx, updates)
	return args.Error(0)
}

func (m *MockDatabase) SetRefreshCredential(ctx context.Context, userID string, encrypted []byte, vin string) error {
	args := m.Called(ctx, userID, encrypted, vin)
	return args.Error(0)
}

// UpdateVehicle runs fn against the user given to Return, mimicking the
// transaction.
func (m *MockDatabase) UpdateVehicle(ctx context.Context, vin string, fn func(user types.User) (types.VehicleState, error)) (types.User, error) {
	args := m.Called(ctx, vin)
	user := args.Get(0).(types.User)
	if err := args.Error(1); err != nil {
		return types.User{}, err
	}
	next, err := fn(user)
	if err != nil {
		return types.User{}, err
	}
	user.Vehicle = next
	return user, nil
}

func (m *MockDatabase) RecordDecision(ctx context.Context, userID string, record types.DecisionRecord) error {
	args := m.Called(ctx, userID, record)
	return args.Error(0)
}

func (m *MockDatabase) SetChargeOverride(ctx context.Context, userID string, override bool) error {
	args := m.Called(ctx, userID, override)
	return args.Error(0)
}

func (m *MockDatabase) ConsumeOverride(ctx context.Context, userID string) (types.User, bool, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(types.User), args.Bool(1), args.Error(2)
}

func (m *MockDatabase) ListOverrideUserIDs(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]string)
	return ids, args.Error(1)
}

// WatchOverrides calls fn for every ID given to Return and then returns.
func (m *MockDatabase) WatchOverrides(ctx context.Context, fn func(ctx context.Context, userID string)) error {
	args := m.Called(ctx)
	ids, _ := args.Get(0).([]string)
	for _, id := range ids {
		fn(ctx, id)
	}
	return args.Error(1)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	if len(args) > 0 {
		return args.Error(0)
	}
	return nil
}
