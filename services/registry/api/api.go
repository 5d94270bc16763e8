// Package api serves the read-only registry HTTP surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"registryd/pkg/telemetry"
	"registryd/services/registry"
)

const (
	defaultRequestsPerMinute = 600
	requestTimeout           = 30 * time.Second
)

// Store is the read side of the registry store.
type Store interface {
	Ping(ctx context.Context) error
	ListEntries(ctx context.Context, f registry.ListFilter) ([]registry.Entry, error)
	ListChangedSince(ctx context.Context, since time.Time, afterID uuid.UUID, limit int) ([]registry.Entry, error)
	GetEntry(ctx context.Context, assetIdentifier string) (registry.Entry, error)
}

// Config controls runtime behaviour for the API handlers.
type Config struct {
	ServiceName       string
	AllowedOrigins    []string
	RequestsPerMinute int
}

// API serves registry entries over HTTP.
type API struct {
	store  Store
	config Config
	logger zerolog.Logger
}

// New returns an API reading from store.
func New(store Store, cfg Config, logger zerolog.Logger) (*API, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "registryd"
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = defaultRequestsPerMinute
	}
	return &API{
		store:  store,
		config: cfg,
		logger: logger.With().Str("component", "api").Logger(),
	}, nil
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(telemetry.Middleware(a.config.ServiceName, a.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         int((10 * time.Minute).Seconds()),
		}))
		r.Use(httprate.LimitByIP(a.config.RequestsPerMinute, time.Minute))
		r.Use(middleware.Timeout(requestTimeout))

		r.Get("/entries", a.handleListEntries)
		r.Get("/entries/diff", a.handleDiff)
		r.Get("/entries/{asset}", a.handleGetEntry)
	})

	return r
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("readiness check failed")
		respondError(w, http.StatusServiceUnavailable, errors.New("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
