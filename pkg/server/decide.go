package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/raterudder/chargerudder/pkg/dispatch"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
)

var errNoSettings = errors.New("user has no charging settings")

// evaluate runs the policy once for user and dispatches the result. The
// outcome, including a skipped dispatch, is recorded on the user.
func (s *Server) evaluate(ctx context.Context, user types.User, override bool) (types.DecisionRecord, error) {
	ctx = log.WithAttrs(ctx, slog.String("userID", user.ID), slog.String("vin", user.Vehicle.VIN))
	now := s.now()
	record := types.DecisionRecord{Timestamp: now.UTC()}

	decision, rate, err := s.decide(ctx, user, override)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "skipping dispatch", slog.Any("error", err))
		record.Error = err.Error()
		s.recordDecision(ctx, user.ID, record)
		return record, err
	}
	s.metrics.Decision(decision)
	record.Action = decision.Action
	record.Rule = decision.Rule
	record.Hour = rate.Hour
	record.Price = rate.Price

	err = s.dispatchDecision(ctx, user, decision)
	record.Dispatched = err == nil
	if err != nil {
		record.Error = publicDispatchError(err)
	}
	s.recordDecision(ctx, user.ID, record)
	return record, err
}

func (s *Server) decide(ctx context.Context, user types.User, override bool) (types.Decision, types.HourlyRate, error) {
	var settings types.ChargingSettings
	if user.Settings != nil {
		settings = *user.Settings
	} else if !override {
		return types.Decision{}, types.HourlyRate{}, errNoSettings
	}

	var series *types.PriceSeries
	if user.Zone != "" {
		ps, err := s.storage.GetPriceSeries(ctx, user.Zone)
		switch {
		case err == nil:
			series = &ps
		case errors.Is(err, storage.ErrPriceSeriesNotFound):
		default:
			if !override {
				return types.Decision{}, types.HourlyRate{}, err
			}
			log.Ctx(ctx).WarnContext(ctx, "failed to load prices for override", slog.Any("error", err))
		}
	}

	return s.controller.Decide(ctx, user.Vehicle, settings, series, s.now(), override)
}

func (s *Server) dispatchDecision(ctx context.Context, user types.User, decision types.Decision) error {
	refresh, err := s.decryptCredential(ctx, user.RefreshCredential)
	if err != nil {
		if errors.Is(err, errNoCredential) {
			return fmt.Errorf("%w: %w", dispatch.ErrCredentialExchangeFailed, err)
		}
		return err
	}

	res, err := s.dispatcher.Dispatch(ctx, refresh, user.Vehicle.VIN, decision.Action)
	command := res.Command
	if command == "" {
		command = string(decision.Action)
	}
	s.metrics.Dispatch(command, err)

	if res.Refresh != "" && res.Refresh != refresh {
		s.storeRotatedCredential(ctx, user.ID, res.Refresh)
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to dispatch decision", slog.String("action", string(decision.Action)), slog.Any("error", err))
		return err
	}
	return nil
}

// storeRotatedCredential keeps the refresh credential the exchange handed
// back. Losing it would disconnect the account.
func (s *Server) storeRotatedCredential(ctx context.Context, userID string, refresh types.RefreshCredential) {
	encrypted, err := s.encryptCredential(ctx, refresh)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to encrypt rotated credential", slog.Any("error", err))
		return
	}
	if err := s.storage.SetRefreshCredential(ctx, userID, encrypted, ""); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store rotated credential", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "stored rotated refresh credential")
}

func (s *Server) recordDecision(ctx context.Context, userID string, record types.DecisionRecord) {
	if err := s.storage.RecordDecision(ctx, userID, record); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to record decision", slog.Any("error", err))
	}
}

// publicDispatchError is the dispatch failure as shown to the user.
func publicDispatchError(err error) string {
	switch {
	case errors.Is(err, dispatch.ErrCredentialExchangeFailed):
		return "account disconnected"
	case errors.Is(err, dispatch.ErrDispatchTimeout):
		return "vehicle did not respond in time"
	default:
		return "command failed"
	}
}
