package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
)

// ProcessOverride consumes the user's override flag and, if this call
// cleared it, dispatches START. The flag stays cleared whatever the dispatch
// outcome.
func (s *Server) ProcessOverride(ctx context.Context, userID string) (bool, error) {
	ctx = log.WithAttrs(ctx, slog.String("userID", userID))
	user, consumed, err := s.storage.ConsumeOverride(ctx, userID)
	if err != nil {
		s.metrics.Override(metrics.ResultError)
		return false, err
	}
	if !consumed {
		s.metrics.Override(metrics.ResultSkipped)
		return false, nil
	}
	log.Ctx(ctx).InfoContext(ctx, "override consumed")

	_, err = s.evaluate(ctx, user, true)
	s.metrics.Override(resultOf(err))
	return true, err
}

// ProcessPendingOverrides sweeps every user with the flag set.
func (s *Server) ProcessPendingOverrides(ctx context.Context) (int, error) {
	ids, err := s.storage.ListOverrideUserIDs(ctx)
	if err != nil {
		return 0, err
	}
	var processed int
	var errs []error
	for _, id := range ids {
		consumed, err := s.ProcessOverride(ctx, id)
		if consumed {
			processed++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return processed, errors.Join(errs...)
}

// WatchOverrides processes overrides as they are set until ctx is done.
// Users are dispatched concurrently, up to overrideConcurrency at a time.
func (s *Server) WatchOverrides(ctx context.Context) error {
	log.Ctx(ctx).InfoContext(ctx, "watching overrides")

	var g errgroup.Group
	g.SetLimit(max(s.overrideConcurrency, 1))
	err := s.storage.WatchOverrides(ctx, func(ctx context.Context, userID string) {
		g.Go(func() error {
			ctx := log.WithCycleID(ctx)
			if _, err := s.ProcessOverride(ctx, userID); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to process override", slog.String("userID", userID), slog.Any("error", err))
			}
			return nil
		})
	})
	// let in-flight dispatches finish before returning
	_ = g.Wait()
	return err
}

func (s *Server) handleProcessOverrides(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithCycleID(r.Context())
	processed, err := s.ProcessPendingOverrides(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to process some overrides", slog.Any("error", err))
	}
	// dispatch failures are recorded per user and never retried
	writeJSON(w, struct {
		Processed int `json:"processed"`
	}{Processed: processed}, http.StatusOK)
}

func resultOf(err error) string {
	if err != nil {
		return metrics.ResultError
	}
	return metrics.ResultOK
}
