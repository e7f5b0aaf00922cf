package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"

	"github.com/raterudder/chargerudder/pkg/controller"
	"github.com/raterudder/chargerudder/pkg/dispatch"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/metrics"
	"github.com/raterudder/chargerudder/pkg/storage"
	"github.com/raterudder/chargerudder/pkg/telemetry"
	"github.com/raterudder/chargerudder/pkg/tesla"
	"github.com/raterudder/chargerudder/pkg/types"
	"github.com/raterudder/chargerudder/pkg/utility"
)

// dispatcher sends a decision to a vehicle.
type dispatcher interface {
	Dispatch(ctx context.Context, refresh types.RefreshCredential, vin string, action types.Action) (dispatch.Result, error)
}

// Server handles the HTTP API and orchestrates the charging pipeline between
// the price feed, storage, and the vehicle API.
type Server struct {
	feed       utility.Feed
	storage    storage.Database
	controller *controller.Controller
	tracker    *telemetry.Tracker
	vehicles   tesla.API
	dispatcher dispatcher
	metrics    *metrics.Recorder

	listenAddr string
	httpServer *http.Server

	oidcVerifiers       map[string]tokenVerifier
	schedulerEmail      string
	webhookSecret       string
	encryptionKey       string
	priceZones          []string
	windowConcurrency   int
	overrideConcurrency int
	watchOverrides      bool
	serverName          string

	now func() time.Time
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(
	feed utility.Feed,
	db storage.Database,
	vehicles tesla.API,
	d *dispatch.Dispatcher,
	m *metrics.Recorder,
) *Server {
	srv := &Server{
		feed:       feed,
		storage:    db,
		controller: controller.NewController(),
		tracker:    telemetry.NewTracker(db),
		vehicles:   vehicles,
		dispatcher: d,
		metrics:    m,
		serverName: "chargerudder",
		now:        time.Now,
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "comma-delimited list of audiences accepted in Google ID tokens (empty disables caller authentication for scheduler endpoints)")
	schedulerEmail := lflag.String("scheduler-email", "", "service account email allowed to call the scheduler endpoints")
	webhookSecret := lflag.String("webhook-secret", "", "shared secret expected in the X-Webhook-Secret header of telemetry webhooks")
	encryptionKey := lflag.RequiredString("credentials-encryption-key", "Key for encrypting refresh credentials")
	priceZones := lflag.String("price-zones", "", "comma-delimited list of bidding zones refreshed when no zone is given")
	windowConcurrency := lflag.Int("window-concurrency", 8, "maximum users evaluated concurrently when recomputing windows")
	overrideConcurrency := lflag.Int("override-concurrency", 8, "maximum overrides dispatched concurrently while watching")
	watchOverrides := lflag.Bool("watch-overrides", true, "listen for override flags instead of waiting for /api/overrides/process")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifiers = make(map[string]tokenVerifier)
			for _, aud := range splitList(*oidcAudience) {
				srv.oidcVerifiers[aud] = oidcVerifier(provider.Verifier(&oidc.Config{ClientID: aud}))
			}
		}
		srv.schedulerEmail = strings.TrimSpace(*schedulerEmail)
		srv.webhookSecret = *webhookSecret
		srv.priceZones = splitList(*priceZones)
		srv.windowConcurrency = *windowConcurrency
		if srv.windowConcurrency < 1 {
			srv.windowConcurrency = 1
		}
		srv.overrideConcurrency = max(*overrideConcurrency, 1)
		srv.watchOverrides = *watchOverrides

		if len(*encryptionKey) != 32 {
			log.Ctx(context.Background()).Error("credentials-encryption-key must be 32 characters")
			os.Exit(1)
		}
		srv.encryptionKey = *encryptionKey
	})

	return srv
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.Handle("POST /api/refreshPrices", s.schedulerAuthMiddleware(http.HandlerFunc(s.handleRefreshPrices)))
	apiMux.Handle("POST /api/overrides/process", s.schedulerAuthMiddleware(http.HandlerFunc(s.handleProcessOverrides)))
	apiMux.Handle("POST /api/telemetry", s.webhookAuthMiddleware(http.HandlerFunc(s.handleTelemetry)))
	apiMux.HandleFunc("POST /api/rpc/{name}", s.handleRPC)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requestLogMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return s.revisionMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// Run starts the HTTP server and, when enabled, the override watcher. It
// blocks until the context is canceled or an error occurs.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Ctx(gctx).InfoContext(gctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Ctx(gctx).InfoContext(gctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	})
	if s.watchOverrides {
		g.Go(func() error {
			return s.WatchOverrides(gctx)
		})
	}
	return g.Wait()
}

func writeJSON(w http.ResponseWriter, v any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, struct {
		Error string `json:"error"`
	}{Error: msg}, code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.WithAttrs(r.Context(), slog.String("reqPath", r.URL.Path))
		// Limit body size to 1MB to prevent DoS
		r.Body = http.MaxBytesReader(w, r.Body, 1048576)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) revisionMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
