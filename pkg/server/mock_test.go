package server

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/raterudder/chargerudder/pkg/controller"
	"github.com/raterudder/chargerudder/pkg/dispatch"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/storage/storagemock"
	"github.com/raterudder/chargerudder/pkg/telemetry"
	"github.com/raterudder/chargerudder/pkg/tesla"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/utility"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

const testEncryptionKey = "01234567890123456789012345678901"

// testNow is 14:30 UTC, inside hour 14 of testSeries.
var testNow = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)

type mockVehicles struct {
	mock.Mock
}

var _ tesla.API = (*mockVehicles)(nil)

func (m *mockVehicles) ExchangeRefresh(ctx context.Context, refresh types.RefreshCredential) (tesla.Token, error) {
	args := m.Called(ctx, refresh)
	return args.Get(0).(tesla.Token), args.Error(1)
}

func (m *mockVehicles) ExchangeAuthCode(ctx context.Context, code string) (tesla.Token, error) {
	args := m.Called(ctx, code)
	return args.Get(0).(tesla.Token), args.Error(1)
}

func (m *mockVehicles) ListVehicles(ctx context.Context, access types.AccessCredential) ([]tesla.Vehicle, error) {
	args := m.Called(ctx, access)
	vehicles, _ := args.Get(0).([]tesla.Vehicle)
	return vehicles, args.Error(1)
}

func (m *mockVehicles) GetVehicleData(ctx context.Context, access types.AccessCredential, vin string) (tesla.VehicleData, error) {
	args := m.Called(ctx, access, vin)
	return args.Get(0).(tesla.VehicleData), args.Error(1)
}

func (m *mockVehicles) SendCommand(ctx context.Context, access types.AccessCredential, vin string, command string) error {
	args := m.Called(ctx, access, vin, command)
	return args.Error(0)
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, refresh types.RefreshCredential, vin string, action types.Action) (dispatch.Result, error) {
	args := m.Called(ctx, refresh, vin, action)
	return args.Get(0).(dispatch.Result), args.Error(1)
}

type mockFeed struct {
	mock.Mock
}

func (m *mockFeed) FetchDayAhead(ctx context.Context, zone string, day time.Time) (utility.RawFeed, error) {
	args := m.Called(ctx, zone, day)
	return args.Get(0).(utility.RawFeed), args.Error(1)
}

type testServer struct {
	*Server
	db         *storagemock.MockDatabase
	vehicles   *mockVehicles
	dispatcher *mockDispatcher
	feed       *mockFeed
	registry   *prometheus.Registry
}

// newTestServer wires a Server to mocks. Callers with the token "token-<id>"
// authenticate as subject <id>.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg, reg)
	require.NoError(t, err)

	ts := &testServer{
		db:         &storagemock.MockDatabase{},
		vehicles:   &mockVehicles{},
		dispatcher: &mockDispatcher{},
		feed:       &mockFeed{},
		registry:   reg,
	}
	ts.Server = &Server{
		feed:                ts.feed,
		storage:             ts.db,
		controller:          controller.NewController(),
		tracker:             telemetry.NewTracker(ts.db),
		vehicles:            ts.vehicles,
		dispatcher:          ts.dispatcher,
		metrics:             m,
		encryptionKey:       testEncryptionKey,
		windowConcurrency:   4,
		overrideConcurrency: 4,
		oidcVerifiers: map[string]tokenVerifier{
			"test-audience": fakeVerifier,
		},
		schedulerEmail: "scheduler@example.iam.gserviceaccount.com",
		now:            func() time.Time { return testNow },
	}
	t.Cleanup(func() {
		ts.db.AssertExpectations(t)
		ts.vehicles.AssertExpectations(t)
		ts.dispatcher.AssertExpectations(t)
		ts.feed.AssertExpectations(t)
	})
	return ts
}

func fakeVerifier(ctx context.Context, raw string) (identity, error) {
	if raw == "scheduler-token" {
		return identity{Subject: "scheduler", Email: "scheduler@example.iam.gserviceaccount.com"}, nil
	}
	if sub, ok := strings.CutPrefix(raw, "token-"); ok && sub != "" {
		return identity{Subject: sub, Email: sub + "@example.com"}, nil
	}
	return identity{}, errors.New("invalid token")
}

// sealed encrypts refresh with the test key.
func sealed(t *testing.T, refresh types.RefreshCredential) []byte {
	t.Helper()
	srv := &Server{encryptionKey: testEncryptionKey}
	b, err := srv.encryptCredential(t.Context(), refresh)
	require.NoError(t, err)
	return b
}

// testSeries is a 24 hour series starting at midnight UTC of testNow where
// prices are the given values followed by 0.30.
func testSeries(zone string, prices ...float64) types.PriceSeries {
	start := time.Date(testNow.Year(), testNow.Month(), testNow.Day(), 0, 0, 0, 0, time.UTC)
	rates := make([]types.HourlyRate, 24)
	for i := range rates {
		price := 0.30
		if i < len(prices) {
			price = prices[i]
		}
		rates[i] = types.HourlyRate{Hour: i, Price: price, Timestamp: start.Add(time.Duration(i) * time.Hour)}
	}
	return types.PriceSeries{Zone: zone, Currency: "EUR", Rates: rates, LastUpdated: testNow}
}

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }
