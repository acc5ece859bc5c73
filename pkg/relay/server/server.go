package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-relay/pkg/relay/call"
	"github.com/vango-go/vai-relay/pkg/relay/config"
	"github.com/vango-go/vai-relay/pkg/relay/handlers"
	"github.com/vango-go/vai-relay/pkg/relay/metrics"
	"github.com/vango-go/vai-relay/pkg/relay/mw"
	"github.com/vango-go/vai-relay/pkg/relay/registry"
	"github.com/vango-go/vai-relay/pkg/relay/storage"
	"github.com/vango-go/vai-relay/pkg/relay/upstream"
)

// Deps are the long-lived collaborators shared by every connection. Only
// Connector is required.
type Deps struct {
	Connector upstream.Connector
	Persister storage.Persister
	Registry  *registry.Registry
	Journal   call.Journal
	Metrics   *metrics.Metrics

	// BaseContext is the parent of every call context.
	BaseContext context.Context
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}

	s.routes()
	return s
}

func (s *Server) Registry() *registry.Registry {
	return s.deps.Registry
}

func (s *Server) routes() {
	var observer call.Observer
	if s.deps.Metrics != nil {
		observer = s.deps.Metrics
		s.mux.Handle("/metrics", s.deps.Metrics.Handler())
	}
	var pinger handlers.Pinger
	if p, ok := s.deps.Journal.(handlers.Pinger); ok {
		pinger = p
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{Config: s.cfg, Registry: s.deps.Registry, Journal: pinger})
	s.mux.Handle("/status", handlers.StatusHandler{Registry: s.deps.Registry})
	s.mux.Handle("/ws-ai", handlers.CallHandler{
		Config:      s.cfg,
		Connector:   s.deps.Connector,
		Persister:   s.deps.Persister,
		Registry:    s.deps.Registry,
		Journal:     s.deps.Journal,
		Observer:    observer,
		Logger:      s.logger,
		BaseContext: s.deps.BaseContext,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
