package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/raterudder/chargerudder/pkg/controller"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/utility"
)

// RefreshResult summarizes one zone's refresh.
type RefreshResult struct {
	Zone    string `json:"zone"`
	Rates   int    `json:"rates"`
	Windows int    `json:"windows"`
	Error   string `json:"error,omitempty"`
}

// RefreshPrices fetches the delivery day containing now for zone, replaces
// the stored series, and recomputes every user's window. A malformed feed
// leaves the previous series in place.
func (s *Server) RefreshPrices(ctx context.Context, zone string) (RefreshResult, error) {
	ctx = log.WithAttrs(ctx, slog.String("zone", zone))
	res := RefreshResult{Zone: zone}
	now := s.now()

	series, err := utility.DayAhead(ctx, s.feed, zone, now, now)
	if err != nil {
		if errors.Is(err, utility.ErrMalformedFeed) {
			log.Ctx(ctx).ErrorContext(ctx, "malformed price feed, keeping previous series", slog.Any("error", err))
		} else {
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch prices", slog.Any("error", err))
		}
		s.metrics.PriceRefresh(zone, err)
		return res, fmt.Errorf("failed to refresh prices for %s: %w", zone, err)
	}
	if err := s.storage.PutPriceSeries(ctx, series); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store price series", slog.Any("error", err))
		s.metrics.PriceRefresh(zone, err)
		return res, fmt.Errorf("failed to store prices for %s: %w", zone, err)
	}
	s.metrics.PriceRefresh(zone, nil)
	res.Rates = len(series.Rates)
	log.Ctx(ctx).InfoContext(
		ctx,
		"stored price series",
		slog.Int("rates", len(series.Rates)),
		slog.String("currency", series.Currency),
	)

	res.Windows, err = s.RecomputeWindows(ctx, zone, series)
	if err != nil {
		return res, err
	}
	return res, nil
}

// RefreshAll refreshes every configured zone. One zone failing does not stop
// the others.
func (s *Server) RefreshAll(ctx context.Context) ([]RefreshResult, error) {
	results := make([]RefreshResult, 0, len(s.priceZones))
	var errs []error
	for _, zone := range s.priceZones {
		res, err := s.RefreshPrices(ctx, zone)
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, err)
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// RecomputeWindows selects the cheapest window of every user in zone and
// stores the start hours in one batch. It returns how many windows changed.
func (s *Server) RecomputeWindows(ctx context.Context, zone string, series types.PriceSeries) (int, error) {
	users, err := s.storage.ListUsersByZone(ctx, zone)
	if err != nil {
		return 0, fmt.Errorf("failed to list users for %s: %w", zone, err)
	}
	prices := series.Prices()

	// each task owns one slot so the batch is only assembled after Wait
	results := make([]*storage.WindowUpdate, len(users))
	var g errgroup.Group
	g.SetLimit(s.windowConcurrency)
	for i, user := range users {
		g.Go(func() error {
			start, ok := s.selectUserWindow(ctx, user, prices)
			if ok {
				results[i] = &storage.WindowUpdate{UserID: user.ID, StartHour: start}
			}
			return nil
		})
	}
	// tasks report their own failures so Wait never returns one
	_ = g.Wait()

	var updates []storage.WindowUpdate
	for _, u := range results {
		if u != nil {
			updates = append(updates, *u)
		}
	}
	if err := s.storage.SetOptimalStartHours(ctx, updates); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store some windows", slog.Any("error", err))
		return len(updates), fmt.Errorf("failed to store windows for %s: %w", zone, err)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"recomputed charging windows",
		slog.Int("users", len(users)),
		slog.Int("updated", len(updates)),
	)
	return len(updates), nil
}

// selectUserWindow returns the new start hour for user and whether it has to
// be written.
func (s *Server) selectUserWindow(ctx context.Context, user types.User, prices []float64) (int, bool) {
	ctx = log.WithAttrs(ctx, slog.String("userID", user.ID))
	if user.Settings == nil {
		s.metrics.Window(metrics.ResultSkipped)
		return 0, false
	}
	if err := user.Settings.Validate(); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "skipping user with invalid settings", slog.Any("error", err))
		s.metrics.Window(metrics.ResultSkipped)
		return 0, false
	}

	start, err := controller.SelectWindow(prices, user.Settings.ChargingDurationHours)
	if err != nil {
		if errors.Is(err, controller.ErrInsufficientData) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"not enough prices for charging duration, keeping previous window",
				slog.Int("duration", user.Settings.ChargingDurationHours),
				slog.Int("prices", len(prices)),
			)
			s.metrics.Window(metrics.ResultInsufficientData)
		} else {
			log.Ctx(ctx).ErrorContext(ctx, "failed to select window", slog.Any("error", err))
			s.metrics.Window(metrics.ResultError)
		}
		return 0, false
	}
	s.metrics.Window(metrics.ResultOK)

	if prev := user.Settings.OptimalStartHour; prev != nil && *prev == start {
		return start, false
	}
	log.Ctx(ctx).DebugContext(ctx, "selected charging window", slog.Int("startHour", start))
	return start, true
}

func (s *Server) handleRefreshPrices(w http.ResponseWriter, r *http.Request) {
	ctx := log.WithCycleID(r.Context())

	var req struct {
		Zone string `json:"zone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid request", http.StatusBadRequest)
		return
	}

	var (
		results []RefreshResult
		err     error
	)
	if req.Zone != "" {
		var res RefreshResult
		res, err = s.RefreshPrices(ctx, req.Zone)
		if err != nil {
			res.Error = err.Error()
		}
		results = []RefreshResult{res}
	} else {
		if len(s.priceZones) == 0 {
			writeJSONError(w, "zone required", http.StatusBadRequest)
			return
		}
		results, err = s.RefreshAll(ctx)
	}

	code := http.StatusOK
	if err != nil {
		// the scheduler retries on failure
		code = http.StatusInternalServerError
	}
	writeJSON(w, struct {
		Results []RefreshResult `json:"results"`
	}{Results: results}, code)
}
