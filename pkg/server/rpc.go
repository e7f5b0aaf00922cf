package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/telemetry"
	"github.com/raterudder/chargerudder/pkg/tesla"
	"github.com/raterudder/chargerudder/pkg/types"
)

// rpcRequest is the body shared by every RPC. Fields a call does not need
// are ignored.
type rpcRequest struct {
	UserID   string                  `json:"userID"`
	Code     string                  `json:"code"`
	Zone     string                  `json:"zone"`
	Settings *types.ChargingSettings `json:"settings"`
}

type rpcResponse struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type rpcHandler func(ctx context.Context, req rpcRequest) (any, error)

func (s *Server) rpcHandlers() map[string]rpcHandler {
	return map[string]rpcHandler{
		"refreshVehicleData": s.rpcRefreshVehicleData,
		"exchangeAuthCode":   s.rpcExchangeAuthCode,
		"setChargeOverride":  s.rpcSetChargeOverride,
		"updateSettings":     s.rpcUpdateSettings,
		"getStatus":          s.rpcGetStatus,
	}
}

// rpcCodes maps status codes to the names returned to callers.
var rpcCodes = map[codes.Code]struct {
	name   string
	status int
}{
	codes.Unauthenticated:    {"unauthenticated", http.StatusUnauthorized},
	codes.InvalidArgument:    {"invalid-argument", http.StatusBadRequest},
	codes.NotFound:           {"not-found", http.StatusNotFound},
	codes.FailedPrecondition: {"failed-precondition", http.StatusBadRequest},
	codes.Internal:           {"internal", http.StatusInternalServerError},
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ctx := log.WithAttrs(r.Context(), slog.String("rpc", name))

	handler, ok := s.rpcHandlers()[name]
	if !ok {
		writeRPCError(w, status.Error(codes.NotFound, "unknown rpc"))
		return
	}

	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPCError(w, status.Error(codes.InvalidArgument, "invalid request body"))
		return
	}
	if req.UserID == "" {
		writeRPCError(w, status.Error(codes.InvalidArgument, "userID is required"))
		return
	}

	caller, err := s.authenticateCaller(r.WithContext(ctx))
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "rpc authentication failed", slog.Any("error", err))
		writeRPCError(w, status.Error(codes.Unauthenticated, "authentication required"))
		return
	}
	if caller.Subject != req.UserID {
		log.Ctx(ctx).WarnContext(ctx, "rpc caller does not match user", slog.String("subject", caller.Subject))
		writeRPCError(w, status.Error(codes.Unauthenticated, "caller does not match user"))
		return
	}

	ctx = log.WithAttrs(ctx, slog.String("userID", req.UserID))
	data, err := handler(ctx, req)
	if err != nil {
		writeRPCError(w, err)
		return
	}
	writeJSON(w, rpcResponse{OK: true, Data: data}, http.StatusOK)
}

// writeRPCError only exposes messages of status errors. Anything else is
// reported as internal.
func writeRPCError(w http.ResponseWriter, err error) {
	st, ok := status.FromError(err)
	c, known := rpcCodes[st.Code()]
	msg := st.Message()
	if !ok || !known {
		c = rpcCodes[codes.Internal]
		msg = "internal error"
	}
	writeJSON(w, rpcResponse{Code: c.name, Error: msg}, c.status)
}

func (s *Server) loadUser(ctx context.Context, userID string) (types.User, error) {
	user, err := s.storage.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrUserNotFound) {
		return types.User{}, status.Error(codes.NotFound, "user not found")
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get user", slog.Any("error", err))
		return types.User{}, status.Error(codes.Internal, "failed to load user")
	}
	return user, nil
}

// accessFor exchanges the user's stored credential and keeps a rotated one.
func (s *Server) accessFor(ctx context.Context, user types.User) (types.AccessCredential, error) {
	refresh, err := s.decryptCredential(ctx, user.RefreshCredential)
	if errors.Is(err, errNoCredential) {
		return "", status.Error(codes.FailedPrecondition, "account not connected")
	}
	if err != nil {
		return "", status.Error(codes.Internal, "failed to read credential")
	}

	tok, err := s.vehicles.ExchangeRefresh(ctx, refresh)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "credential exchange failed", slog.Any("error", err))
		if errors.Is(err, tesla.ErrInvalidCredential) {
			return "", status.Error(codes.FailedPrecondition, "account disconnected")
		}
		return "", status.Error(codes.Internal, "credential exchange failed")
	}
	if tok.Refresh != "" && tok.Refresh != refresh {
		s.storeRotatedCredential(ctx, user.ID, tok.Refresh)
	}
	return tok.Access, nil
}

// firstVIN picks the vehicle used for an account with several vehicles.
func firstVIN(vehicles []tesla.Vehicle) (string, bool) {
	for _, v := range vehicles {
		if v.VIN != "" {
			return v.VIN, true
		}
	}
	return "", false
}

type vehicleDataResponse struct {
	VIN                 string `json:"vin"`
	ChargingState       string `json:"chargingState"`
	IsCharging          bool   `json:"isCharging"`
	IsPluggedIn         bool   `json:"isPluggedIn"`
	BatteryLevelPercent int    `json:"batteryLevelPercent"`
}

// rpcRefreshVehicleData polls the vehicle and feeds the result through the
// same path as a telemetry event.
func (s *Server) rpcRefreshVehicleData(ctx context.Context, req rpcRequest) (any, error) {
	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	access, err := s.accessFor(ctx, user)
	if err != nil {
		return nil, err
	}

	vin := user.Vehicle.VIN
	if vin == "" {
		vehicles, err := s.vehicles.ListVehicles(ctx, access)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to list vehicles", slog.Any("error", err))
			return nil, status.Error(codes.Internal, "failed to list vehicles")
		}
		var ok bool
		if vin, ok = firstVIN(vehicles); !ok {
			return nil, status.Error(codes.NotFound, "no vehicle on account")
		}
		if err := s.storage.SetRefreshCredential(ctx, user.ID, nil, vin); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to store vehicle", slog.Any("error", err))
			return nil, status.Error(codes.Internal, "failed to store vehicle")
		}
	}
	ctx = log.WithAttrs(ctx, slog.String("vin", vin))

	data, err := s.vehicles.GetVehicleData(ctx, access, vin)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to get vehicle data", slog.Any("error", err))
		if errors.Is(err, tesla.ErrVehicleNotFound) {
			return nil, status.Error(codes.NotFound, "vehicle not found")
		}
		return nil, status.Error(codes.Internal, "failed to get vehicle data")
	}

	resp := vehicleDataResponse{
		VIN:                 vin,
		ChargingState:       data.ChargingState,
		BatteryLevelPercent: data.BatteryLevel,
	}
	battery := data.BatteryLevel
	update := types.VehicleUpdate{BatteryLevelPercent: &battery}
	if charging, plugged, ok := telemetry.ParseChargingState(data.ChargingState); ok {
		update.IsCharging = &charging
		update.IsPluggedIn = &plugged
		resp.IsCharging = charging
		resp.IsPluggedIn = plugged
	} else {
		log.Ctx(ctx).WarnContext(ctx, "unknown charging state", slog.String("chargingState", data.ChargingState))
	}

	if err := s.OnTelemetry(ctx, vin, update); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to apply vehicle data", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to store vehicle data")
	}
	return resp, nil
}

// rpcExchangeAuthCode connects an account with the code from the OAuth
// redirect.
func (s *Server) rpcExchangeAuthCode(ctx context.Context, req rpcRequest) (any, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return nil, status.Error(codes.InvalidArgument, "code is required")
	}

	tok, err := s.vehicles.ExchangeAuthCode(ctx, code)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "authorization code exchange failed", slog.Any("error", err))
		if errors.Is(err, tesla.ErrInvalidCredential) {
			return nil, status.Error(codes.InvalidArgument, "invalid or expired code")
		}
		return nil, status.Error(codes.Internal, "authorization code exchange failed")
	}

	vehicles, err := s.vehicles.ListVehicles(ctx, tok.Access)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to list vehicles", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to list vehicles")
	}
	vin, ok := firstVIN(vehicles)
	if !ok {
		return nil, status.Error(codes.FailedPrecondition, "no vehicle on account")
	}

	encrypted, err := s.encryptCredential(ctx, tok.Refresh)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to secure credential")
	}
	if err := s.storage.SetRefreshCredential(ctx, req.UserID, encrypted, vin); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store credential", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to store credential")
	}
	log.Ctx(ctx).InfoContext(ctx, "account connected", slog.String("vin", vin), slog.Int("vehicles", len(vehicles)))
	return struct {
		VIN string `json:"vin"`
	}{VIN: vin}, nil
}

// rpcSetChargeOverride arms the one-shot override. The watcher picks it up,
// or it is processed inline when watching is disabled.
func (s *Server) rpcSetChargeOverride(ctx context.Context, req rpcRequest) (any, error) {
	if _, err := s.loadUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	if err := s.storage.SetChargeOverride(ctx, req.UserID, true); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set override", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to set override")
	}
	if s.watchOverrides {
		return struct {
			Queued bool `json:"queued"`
		}{Queued: true}, nil
	}

	if _, err := s.ProcessOverride(ctx, req.UserID); err != nil {
		return nil, status.Error(codes.Internal, publicDispatchError(err))
	}
	return struct {
		Queued bool `json:"queued"`
	}{Queued: false}, nil
}

// rpcUpdateSettings stores the user's preferences and selects a window right
// away from the zone's current series, if there is one.
func (s *Server) rpcUpdateSettings(ctx context.Context, req rpcRequest) (any, error) {
	if req.Settings == nil {
		return nil, status.Error(codes.InvalidArgument, "settings are required")
	}
	if req.Zone == "" {
		return nil, status.Error(codes.InvalidArgument, "zone is required")
	}
	settings := *req.Settings
	// only the window selector writes the start hour
	settings.OptimalStartHour = nil
	if err := settings.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.storage.SetSettings(ctx, req.UserID, req.Zone, settings); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store settings", slog.Any("error", err))
		return nil, status.Error(codes.Internal, "failed to store settings")
	}

	series, err := s.storage.GetPriceSeries(ctx, req.Zone)
	if err != nil {
		if !errors.Is(err, storage.ErrPriceSeriesNotFound) {
			log.Ctx(ctx).WarnContext(ctx, "failed to load prices for window", slog.Any("error", err))
		}
		return settings, nil
	}
	user := types.User{ID: req.UserID, Zone: req.Zone, Settings: &settings}
	if start, ok := s.selectUserWindow(ctx, user, series.Prices()); ok {
		err := s.storage.SetOptimalStartHours(ctx, []storage.WindowUpdate{{UserID: req.UserID, StartHour: start}})
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to store window", slog.Any("error", err))
			return settings, nil
		}
		settings.OptimalStartHour = &start
	}
	return settings, nil
}

func (s *Server) rpcGetStatus(ctx context.Context, req rpcRequest) (any, error) {
	user, err := s.loadUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	return struct {
		types.User
		Connected bool `json:"connected"`
	}{User: user, Connected: len(user.RefreshCredential) > 0}, nil
}
