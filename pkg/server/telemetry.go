package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/telemetry"
	"github.com/raterudder/chargerudder/pkg/types"
)

// OnTelemetry merges update into the vehicle owning vin and evaluates the
// policy once when the vehicle was just plugged in. Unknown vehicles are
// ignored.
func (s *Server) OnTelemetry(ctx context.Context, vin string, update types.VehicleUpdate) error {
	res, err := s.tracker.Ingest(ctx, vin, update)
	if err != nil {
		s.metrics.Telemetry(metrics.ResultError)
		return err
	}
	switch {
	case !res.Known:
		s.metrics.Telemetry(metrics.ResultUnknownVehicle)
		return nil
	case !res.PluggedIn:
		s.metrics.Telemetry(metrics.ResultOK)
		return nil
	}
	s.metrics.Telemetry(metrics.ResultPluggedIn)

	// dispatch failures are recorded on the user, telemetry itself succeeded
	_, _ = s.evaluate(ctx, res.User, false)
	return nil
}

type telemetryRequest struct {
	VIN  string             `json:"vin"`
	Data *telemetry.Payload `json:"data"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req telemetryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "invalid telemetry body", slog.Any("error", err))
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}
	if req.VIN == "" || req.Data == nil {
		writeJSONError(w, "vin and data are required", http.StatusBadRequest)
		return
	}

	ctx = log.WithAttrs(ctx, slog.String("vin", req.VIN))
	if err := s.OnTelemetry(ctx, req.VIN, req.Data.Update()); err != nil {
		// acknowledged anyway, the next event carries fresher state
		log.Ctx(ctx).ErrorContext(ctx, "failed to apply telemetry", slog.Any("error", err))
	}
	writeJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true}, http.StatusOK)
}
