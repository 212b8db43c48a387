package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"git.home.luguber.info/inful/ondemand/internal/config"
	"git.home.luguber.info/inful/ondemand/internal/devengine"
	"git.home.luguber.info/inful/ondemand/internal/devserver"
	"git.home.luguber.info/inful/ondemand/internal/logfields"
	"git.home.luguber.info/inful/ondemand/internal/metrics"
	"git.home.luguber.info/inful/ondemand/internal/ondemand"
)

const shutdownTimeout = 10 * time.Second

// ServeCmd implements the 'serve' command.
type ServeCmd struct {
	PagesDir    string        `short:"d" help:"Pages directory (overrides pages_dir)"`
	Addr        string        `short:"a" help:"Listen address (overrides http.addr)"`
	Layout      string        `help:"Layout template wrapping every page (default: <pages>/_layout.html)"`
	ErrorPage   string        `help:"Page source served for /_error when the pages directory has none"`
	Concurrency int           `help:"Parallel compilations per pipeline (0 = GOMAXPROCS)" default:"0"`
	Debounce    time.Duration `help:"Delay between a file change and the rebuild" default:"100ms"`
	NoWatch     bool          `help:"Do not watch the pages directory for changes"`
}

func (s *ServeCmd) Run(g *Global, cli *CLI) error {
	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	s.apply(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, *s, g.logger())
	if err != nil {
		return err
	}
	if err := a.start(ctx); err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
	case err, ok := <-a.server.Errors():
		if ok {
			serveErr = err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, a.shutdown(shutdownCtx))
}

func (s *ServeCmd) apply(cfg *config.Config) {
	if s.PagesDir != "" {
		cfg.PagesDir = s.PagesDir
	}
	if s.Addr != "" {
		cfg.HTTP.Addr = s.Addr
	}
}

// app owns every long-running component of the serve command.
type app struct {
	logger  *slog.Logger
	engine  *devengine.Engine
	sched   *ondemand.Scheduler
	server  *devserver.Server
	watcher *devengine.Watcher

	cancel   context.CancelFunc
	watchErr chan error
}

func newApp(cfg *config.Config, opts ServeCmd, logger *slog.Logger) (*app, error) {
	pagesDir, err := filepath.Abs(cfg.PagesDir)
	if err != nil {
		return nil, err
	}
	layout := opts.Layout
	if layout == "" {
		layout = filepath.Join(pagesDir, "_layout.html")
	}

	registry := prom.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine, err := devengine.New(devengine.Options{
		BuildID:     cfg.BuildID,
		LayoutPath:  layout,
		Concurrency: opts.Concurrency,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	resolver, err := ondemand.NewPageResolver(pagesDir, cfg.PageExtensions, cfg.BuildID)
	if err != nil {
		return nil, err
	}
	if opts.ErrorPage != "" {
		resolver.WithFallback(ondemand.ErrorRoute, opts.ErrorPage)
	}

	sched, err := ondemand.New(cfg.OnDemand, engine, resolver,
		ondemand.WithLogger(logger),
		ondemand.WithRecorder(metrics.NewPrometheusRecorder(registry)),
	)
	if err != nil {
		return nil, err
	}

	a := &app{
		logger: logger,
		engine: engine,
		sched:  sched,
		server: devserver.New(cfg, sched, resolver, engine.Store(), registry, logger),
	}
	if !opts.NoWatch {
		a.watcher, err = devengine.NewWatcher(pagesDir, engine, opts.Debounce, nil, logger)
		if err != nil {
			return nil, err
		}
	}
	logger.Info("Serving pages", logfields.Path(pagesDir), slog.String("layout", layout))
	return a, nil
}

func (a *app) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel

	a.engine.Start(ctx)
	if err := a.sched.Start(ctx); err != nil {
		cancel()
		a.engine.Stop()
		return err
	}
	if a.watcher != nil {
		a.watchErr = make(chan error, 1)
		go func() { a.watchErr <- a.watcher.Run(ctx) }()
	}
	if err := a.server.Start(ctx); err != nil {
		_ = a.shutdown(context.Background())
		return err
	}
	return nil
}

// shutdown stops the components in reverse dependency order. The scheduler
// goes first so keep-alive streams end before the HTTP server drains.
func (a *app) shutdown(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if a.watchErr != nil {
		if err := <-a.watchErr; err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := a.sched.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.server.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	a.engine.Stop()
	a.logger.Info("Server stopped")
	return errors.Join(errs...)
}
