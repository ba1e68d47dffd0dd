// Package server exposes the gateway over an authenticated HTTP control API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/egress-gateway/internal/core/ports"
	"github.com/tjfontaine/egress-gateway/internal/egress"
)

// ClientSource returns the egress client for a request. The runtime swaps the
// client on configuration reload; each request uses the one it received.
type ClientSource interface {
	Client() *egress.Client
}

// Config wires the server's dependencies. Auth, Policy, Audit and Events may be nil.
type Config struct {
	Port           int
	RequestTimeout time.Duration
	// MaxFetchBody caps the upstream body /v1/fetch returns. Zero uses DefaultMaxFetchBody.
	MaxFetchBody int64

	Clients ClientSource
	Auth    ports.AuthProvider
	Policy  ports.RequestPolicy
	Audit   ports.AuditStore
	Events  ports.EventPublisher

	TracerProvider trace.TracerProvider
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger

	handlers   *handlers
	httpServer *http.Server
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	otelOpts := []otelhttp.Option{}
	if cfg.TracerProvider != nil {
		otelOpts = append(otelOpts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "egress-gateway", otelOpts...)
	})

	maxFetchBody := cfg.MaxFetchBody
	if maxFetchBody <= 0 {
		maxFetchBody = DefaultMaxFetchBody
	}

	h := &handlers{
		clients:      cfg.Clients,
		policy:       cfg.Policy,
		audit:        cfg.Audit,
		events:       cfg.Events,
		logger:       logger,
		maxFetchBody: maxFetchBody,
	}

	r.Get("/healthz", h.health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Auth))
		r.Use(TimeoutMiddleware(cfg.RequestTimeout))

		r.Post("/validate", h.validate)
		r.Post("/fetch", h.fetch)
		r.Get("/audit", h.listAudit)
	})

	return &Server{
		Router:   r,
		Port:     cfg.Port,
		logger:   logger,
		handlers: h,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
