package tesla

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

func init() {
	log.SetDefaultLogLevel(slog.LevelError)
}

func newTestClient(ts *httptest.Server) *Client {
	return &Client{
		client: ts.Client(),
		apiURL: ts.URL,
		oauth: &oauth2.Config{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			RedirectURL:  "https://example.com/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:   ts.URL + "/oauth2/v3/authorize",
				TokenURL:  ts.URL + "/oauth2/v3/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
	}
}

func TestExchangeRefresh(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/oauth2/v3/token", r.URL.Path)
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
			assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))
			assert.Equal(t, "client-id", r.Form.Get("client_id"))
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-1",
				"refresh_token": "refresh-2",
				"token_type":    "Bearer",
				"expires_in":    28800,
			})
		}))
		defer ts.Close()

		tok, err := newTestClient(ts).ExchangeRefresh(context.Background(), "refresh-1")
		require.NoError(t, err)
		assert.Equal(t, types.AccessCredential("access-1"), tok.Access)
		assert.Equal(t, types.RefreshCredential("refresh-2"), tok.Refresh)
		assert.False(t, tok.Expiry.IsZero())
	})

	t.Run("Keeps Refresh When Not Rotated", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "access-1",
				"token_type":   "Bearer",
			})
		}))
		defer ts.Close()

		tok, err := newTestClient(ts).ExchangeRefresh(context.Background(), "refresh-1")
		require.NoError(t, err)
		assert.Equal(t, types.RefreshCredential("refresh-1"), tok.Refresh)
	})

	t.Run("Revoked", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"error": "login_required"})
		}))
		defer ts.Close()

		_, err := newTestClient(ts).ExchangeRefresh(context.Background(), "refresh-1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidCredential))
	})

	t.Run("Server Error", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer ts.Close()

		_, err := newTestClient(ts).ExchangeRefresh(context.Background(), "refresh-1")
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrInvalidCredential))
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.True(t, apiErr.Temporary())
	})

	t.Run("Empty", func(t *testing.T) {
		_, err := (&Client{oauth: &oauth2.Config{}}).ExchangeRefresh(context.Background(), "")
		assert.True(t, errors.Is(err, ErrInvalidCredential))
	})
}

func TestExchangeAuthCode(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))
		assert.Equal(t, "https://example.com/callback", r.Form.Get("redirect_uri"))
		assert.NotEmpty(t, r.Form.Get("audience"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
		})
	}))
	defer ts.Close()

	tok, err := newTestClient(ts).ExchangeAuthCode(context.Background(), "the-code")
	require.NoError(t, err)
	assert.Equal(t, types.RefreshCredential("refresh-1"), tok.Refresh)

	_, err = newTestClient(ts).ExchangeAuthCode(context.Background(), "")
	assert.True(t, errors.Is(err, ErrInvalidCredential))
}

func TestVehicles(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/api/1/vehicles":
			json.NewEncoder(w).Encode(map[string]any{
				"response": []map[string]any{
					{"id": 1, "vin": "5YJ3E1EA7KF000001", "display_name": "Sparky", "state": "online"},
				},
				"count": 1,
			})
		case "/api/1/vehicles/5YJ3E1EA7KF000001/vehicle_data":
			assert.Equal(t, "charge_state", r.URL.Query().Get("endpoints"))
			json.NewEncoder(w).Encode(map[string]any{
				"response": map[string]any{
					"vin": "5YJ3E1EA7KF000001",
					"charge_state": map[string]any{
						"charging_state":   "Stopped",
						"battery_level":    64,
						"charge_limit_soc": 80,
					},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer ts.Close()
	c := newTestClient(ts)
	ctx := context.Background()

	t.Run("List", func(t *testing.T) {
		vehicles, err := c.ListVehicles(ctx, "access-1")
		require.NoError(t, err)
		require.Len(t, vehicles, 1)
		assert.Equal(t, "5YJ3E1EA7KF000001", vehicles[0].VIN)
		assert.Equal(t, "Sparky", vehicles[0].DisplayName)
	})

	t.Run("Data", func(t *testing.T) {
		data, err := c.GetVehicleData(ctx, "access-1", "5YJ3E1EA7KF000001")
		require.NoError(t, err)
		assert.Equal(t, "Stopped", data.ChargingState)
		assert.Equal(t, 64, data.BatteryLevel)
		assert.Equal(t, 80, data.ChargeLimit)
	})

	t.Run("Unknown Vehicle", func(t *testing.T) {
		_, err := c.GetVehicleData(ctx, "access-1", "NOPE")
		assert.True(t, errors.Is(err, ErrVehicleNotFound))
	})

	t.Run("Bad Access", func(t *testing.T) {
		_, err := c.ListVehicles(ctx, "wrong")
		assert.True(t, errors.Is(err, ErrUnauthorized))
	})
}

func TestSendCommand(t *testing.T) {
	var reason string
	var status int
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/api/1/vehicles/VIN1/command/charge_start", r.URL.Path)
		if status != 0 {
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(map[string]any{"error": "vehicle unavailable"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"result": reason == "", "reason": reason},
		})
	}))
	defer ts.Close()
	c := newTestClient(ts)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		reason, status = "", 0
		assert.NoError(t, c.SendCommand(ctx, "access-1", "VIN1", CommandChargeStart))
	})

	t.Run("Already Charging", func(t *testing.T) {
		reason, status = "is_charging", 0
		assert.NoError(t, c.SendCommand(ctx, "access-1", "VIN1", CommandChargeStart))
	})

	t.Run("Rejected", func(t *testing.T) {
		reason, status = "cabin_overheat", 0
		err := c.SendCommand(ctx, "access-1", "VIN1", CommandChargeStart)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cabin_overheat")
	})

	t.Run("Asleep", func(t *testing.T) {
		reason, status = "", http.StatusRequestTimeout
		err := c.SendCommand(ctx, "access-1", "VIN1", CommandChargeStart)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusRequestTimeout, apiErr.StatusCode)
		assert.True(t, apiErr.Temporary())
	})
}
