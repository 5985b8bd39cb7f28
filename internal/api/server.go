// SPDX-License-Identifier: MIT

// Package api exposes the daemon's HTTP surface: the dashboard dispatch
// endpoint, the signal webhook, operator endpoints and the probes.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tradewright/copyfleet/internal/config"
	"github.com/tradewright/copyfleet/internal/dispatch"
	"github.com/tradewright/copyfleet/internal/health"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/session"
)

// Reloader applies a credential and instrument-catalog reload; the endpoint
// is the only mutation path for either loaded set.
type Reloader func(ctx context.Context) (added int, err error)

// Server is the daemon's HTTP surface.
type Server struct {
	cfg      *config.Config
	engine   *dispatch.Engine
	registry *session.Registry
	manager  *health.Manager
	reload   Reloader
	logger   zerolog.Logger

	http *http.Server
}

// New wires the server. reload may be nil, disabling /api/reload.
func New(cfg *config.Config, engine *dispatch.Engine, reg *session.Registry, manager *health.Manager, reload Reloader) *Server {
	s := &Server{
		cfg:      cfg,
		engine:   engine,
		registry: reg,
		manager:  manager,
		reload:   reload,
		logger:   log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverer)
	r.Use(requestID)
	r.Use(accessLog)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.WebhookRateLimit, time.Minute))
		r.Post("/webhook", s.handleWebhook)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/dispatch", s.handleDispatch)
		r.Get("/sessions", s.handleSessions)
		r.Get("/instruments", s.handleInstruments)
		r.Post("/reload", s.handleReload)
	})
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("http server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the routed handler, for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }
