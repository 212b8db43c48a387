// Package devserver is the HTTP front of the development server: pages,
// keep-alive channel, health and metrics.
package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/ondemand/internal/config"
	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
	"git.home.luguber.info/inful/ondemand/internal/metrics"
	"git.home.luguber.info/inful/ondemand/internal/ondemand"
)

// Scheduler is the part of ondemand.Scheduler the server needs.
type Scheduler interface {
	RouteEnsurer
	Middleware(next http.Handler) http.Handler
	Snapshot() []ondemand.BuildTarget
	KeepAliveSessions() int
}

// Server serves the development site.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	handler http.Handler
	srv     *http.Server
	ln      net.Listener
	errCh   chan error
}

// New wires the handler tree. A nil registry serves the default Prometheus
// registry.
func New(cfg *config.Config, sched Scheduler, resolver ondemand.RouteResolver, artifacts ArtifactSource, registry *prom.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	adapter := ferrors.NewHTTPErrorAdapter(logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.HTTP.HealthPath, healthHandler(sched))
	mux.Handle(cfg.HTTP.MetricsPath, metrics.HTTPHandler(registry))
	pages := NewPageHandler(sched, resolver, artifacts, adapter, cfg.OnDemand.KeepAlivePath)
	mux.Handle("/", sched.Middleware(pages))

	return &Server{
		cfg:     cfg,
		logger:  logger,
		handler: Chain(logger, adapter)(mux),
		errCh:   make(chan error, 1),
	}
}

// Handler returns the full handler chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.HTTP.Addr)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryRuntime, fmt.Sprintf("listen on %s", s.cfg.HTTP.Addr)).Build()
	}
	s.ln = ln
	// No write timeout: keep-alive streams stay open for as long as a tab does.
	s.srv = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", slog.String("error", err.Error()))
			s.errCh <- err
		}
		close(s.errCh)
	}()
	s.logger.Info("HTTP server started", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Errors delivers a fatal serve error; it is closed when serving ends.
func (s *Server) Errors() <-chan error { return s.errCh }

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

type healthResponse struct {
	Status            string         `json:"status"`
	Targets           map[string]int `json:"targets"`
	KeepAliveSessions int            `json:"keepalive_sessions"`
}

func healthHandler(sched Scheduler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := healthResponse{
			Status: "ok",
			Targets: map[string]int{
				ondemand.StatusAdded.String():    0,
				ondemand.StatusBuilding.String(): 0,
				ondemand.StatusBuilt.String():    0,
			},
			KeepAliveSessions: sched.KeepAliveSessions(),
		}
		for _, t := range sched.Snapshot() {
			resp.Targets[t.Status.String()]++
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}
