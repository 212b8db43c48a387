package ondemand

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/ondemand/internal/config"
	"git.home.luguber.info/inful/ondemand/internal/events"
	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
	"git.home.luguber.info/inful/ondemand/internal/logfields"
	"git.home.luguber.info/inful/ondemand/internal/metrics"
)

// bundleRouter is implemented by resolvers that can map artifact names back
// to routes, which is needed for pages that are no longer registered.
type bundleRouter interface {
	RouteFromBundle(name string) (string, bool)
}

// Scheduler compiles pages on demand and disposes pages nobody views.
type Scheduler struct {
	cfg          config.OnDemandConfig
	engine       BuildEngine
	resolver     RouteResolver
	clock        clockwork.Clock
	logger       *slog.Logger
	recorder     metrics.Recorder
	bus          *events.Bus
	ownsBus      bool
	sourceExists func(string) bool

	mu         sync.Mutex
	registry   *registry
	recent     *recentBuffer
	inv        invalidator
	waiters    *notifier
	changes    *changeTracker
	cycle      uint64
	cycleStart time.Time
	inCycle    bool
	started    bool
	stopped    bool

	sweeper     *sweeper
	hub         *keepAliveHub
	hubDone     chan struct{}
	unsubscribe func()
}

// New creates a scheduler driving engine. Start must be called before pages
// can be ensured.
func New(cfg config.OnDemandConfig, engine BuildEngine, resolver RouteResolver, opts ...Option) (*Scheduler, error) {
	if engine == nil {
		return nil, ferrors.InternalError("build engine is required").Build()
	}
	if resolver == nil {
		return nil, ferrors.InternalError("route resolver is required").Build()
	}
	if err := validateSettings(cfg); err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:          cfg,
		engine:       engine,
		resolver:     resolver,
		clock:        clockwork.NewRealClock(),
		logger:       slog.Default(),
		recorder:     metrics.NoopRecorder{},
		sourceExists: fileExists,
		registry:     newRegistry(),
		recent:       newRecentBuffer(cfg.PagesBufferLength),
		waiters:      newNotifier(),
		changes:      newChangeTracker(),
		hubDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.bus == nil {
		s.bus = events.NewBus()
		s.ownsBus = true
	}

	sw, err := newSweeper(s.clock, cfg.SweepInterval.Std(), s.logger, s.disposeInactive)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "create disposal sweeper").Build()
	}
	s.sweeper = sw
	s.hub = newKeepAliveHub(s.HandlePing, cfg.PingInterval.Std(), s.clock, s.logger, s.recorder)
	return s, nil
}

func validateSettings(cfg config.OnDemandConfig) error {
	switch {
	case cfg.MaxInactiveAge <= 0:
		return ferrors.ValidationError("max inactive age must be positive").Build()
	case cfg.PagesBufferLength < 1:
		return ferrors.ValidationError("pages buffer length must be at least 1").Build()
	case cfg.SweepInterval <= 0:
		return ferrors.ValidationError("sweep interval must be positive").Build()
	case cfg.PingInterval <= 0:
		return ferrors.ValidationError("ping interval must be positive").Build()
	case !strings.HasPrefix(cfg.KeepAlivePath, "/"):
		return ferrors.ValidationError("keep-alive path must start with /").
			WithContext("keepalive_path", cfg.KeepAlivePath).
			Build()
	}
	return nil
}

// Bus returns the bus lifecycle events are published on.
func (s *Scheduler) Bus() *events.Bus { return s.bus }

// Start registers with the build engine and starts the disposal sweeper and
// the keep-alive broadcaster.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.engine.Register(EngineHooks{Prepare: s.prepare, Done: s.done})

	ch, unsubscribe := events.Subscribe[events.HotReload](s.bus, 64)
	s.unsubscribe = unsubscribe
	go func() {
		defer close(s.hubDone)
		s.hub.run(ch)
	}()

	s.sweeper.start()
	s.logger.InfoContext(ctx, "On-demand scheduler started",
		slog.Duration("max_inactive_age", s.cfg.MaxInactiveAge.Std()),
		slog.Int("pages_buffer_length", s.cfg.PagesBufferLength))
	return nil
}

// Stop shuts the sweeper and keep-alive sessions down and rejects every
// caller still waiting with ErrStopped. Stop is idempotent.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	waiting := s.waiters.takeAll()
	s.mu.Unlock()

	for _, chs := range waiting {
		resolveAll(chs, ErrStopped)
	}

	var errs []error
	if err := s.sweeper.stop(); err != nil {
		errs = append(errs, err)
	}
	s.hub.shutdown()
	if started {
		s.unsubscribe()
		select {
		case <-s.hubDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}
	if s.ownsBus {
		s.bus.Close()
	}
	s.logger.InfoContext(ctx, "On-demand scheduler stopped")
	return errors.Join(errs...)
}

// EnsureRoute returns once route is built, failed to compile, or ctx is
// done. Built routes return immediately.
func (s *Scheduler) EnsureRoute(ctx context.Context, route string) error {
	begin := s.clock.Now()
	page, err := s.resolver.Resolve(route)
	if err != nil {
		s.recorder.ObserveEnsureWait(s.clock.Since(begin), metrics.WaitNotFound)
		return err
	}

	s.mu.Lock()
	if s.stopped || !s.started {
		s.mu.Unlock()
		return ErrStopped
	}
	now := s.clock.Now()
	t, known := s.registry.get(page.Route)
	if known && t.Status == StatusBuilt {
		t.LastActiveTime = now
		s.mu.Unlock()
		s.recorder.ObserveEnsureWait(s.clock.Since(begin), metrics.WaitBuilt)
		return nil
	}

	trigger := true
	switch {
	case !known:
		t = newTarget(page, now)
		s.registry.upsert(t)
	case t.Status == StatusBuilding && t.failure == nil && s.inv.building:
		// The running cycle or its collapsed follow-up covers this target.
		trigger = false
	default:
		t.failure = nil
	}
	t.LastActiveTime = now
	wait := s.waiters.add(page.Route)
	counts := s.registry.counts()
	s.mu.Unlock()

	if !known {
		s.logger.InfoContext(ctx, "Building page on demand", logfields.Route(page.Route), logfields.Bundle(page.BundleName))
		s.bus.TryPublish(events.StatusChanged{Route: page.Route, To: StatusAdded.String(), At: now})
		s.setTargetGauges(counts)
	}
	if trigger {
		s.invalidate()
	}

	select {
	case err := <-wait:
		outcome := metrics.WaitBuilt
		if err != nil {
			outcome = metrics.WaitFailed
		}
		s.recorder.ObserveEnsureWait(s.clock.Since(begin), outcome)
		return err
	case <-ctx.Done():
		s.recorder.ObserveEnsureWait(s.clock.Since(begin), metrics.WaitCanceled)
		return ctx.Err()
	}
}

// HandlePing evaluates a keep-alive ping. Unknown routes are answered as
// invalid; routes still compiling get no reply. A ping for a built route
// refreshes it and marks it recently viewed, then answers success, or invalid
// for the error page.
func (s *Scheduler) HandlePing(route string) (PingResponse, bool) {
	route = cleanRoute(route)

	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.registry.get(route)
	if !ok {
		return PingResponse{Invalid: true}, true
	}
	if t.Status != StatusBuilt {
		return PingResponse{}, false
	}
	t.LastActiveTime = s.clock.Now()
	s.recent.touch(route)
	if route == ErrorRoute {
		return PingResponse{Invalid: true}, true
	}
	return PingResponse{Success: true}, true
}

// Middleware serves keep-alive requests under the configured path and passes
// everything else, including keep-alive requests without a route, to next.
func (s *Scheduler) Middleware(next http.Handler) http.Handler {
	base := strings.TrimRight(s.cfg.KeepAlivePath, "/")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != base && !strings.HasPrefix(r.URL.Path, base+"/") {
			next.ServeHTTP(w, r)
			return
		}
		if r.URL.Query().Get("route") == "" {
			next.ServeHTTP(w, r)
			return
		}
		switch r.URL.Path {
		case base:
			s.hub.serveStream(w, r)
		case base + "/ping":
			s.hub.servePing(w, r)
		default:
			http.NotFound(w, r)
		}
	})
}

// Snapshot returns a copy of every tracked target.
func (s *Scheduler) Snapshot() []BuildTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.snapshot()
}

// RecentlyViewed returns the recently viewed routes, newest first.
func (s *Scheduler) RecentlyViewed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recent.list()
}

// KeepAliveSessions returns the number of open keep-alive streams.
func (s *Scheduler) KeepAliveSessions() int { return s.hub.count() }

// invalidate asks the engine for a cycle, or records a follow-up while one is
// running.
func (s *Scheduler) invalidate() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	if !s.inv.invalidate() {
		s.mu.Unlock()
		s.recorder.IncInvalidation(metrics.InvalidationCollapsed)
		return
	}
	cycle, at := s.beginCycleLocked()
	s.mu.Unlock()

	s.recorder.IncInvalidation(metrics.InvalidationStarted)
	s.bus.TryPublish(events.CycleStarted{Cycle: cycle, At: at})
	s.logger.Debug("Invalidating build", logfields.Cycle(cycle))
	s.engine.InvalidateAndRebuild()
}

func (s *Scheduler) beginCycleLocked() (uint64, time.Time) {
	s.cycle++
	s.cycleStart = s.clock.Now()
	s.inCycle = true
	return s.cycle, s.cycleStart
}

// prepare hands pipeline p the entry set for the upcoming cycle: every
// registered target whose source still exists. Targets already handed to an
// earlier pipeline of this cycle are never dropped mid-build.
func (s *Scheduler) prepare(p Pipeline) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.inv.startBuilding()
	var startedCycle uint64
	var startedAt time.Time
	if !s.inCycle {
		startedCycle, startedAt = s.beginCycleLocked()
	}

	now := s.clock.Now()
	var (
		entries []Entry
		changes []events.StatusChanged
		stale   = map[string][]chan error{}
	)
	for _, route := range s.registry.routes() {
		t, _ := s.registry.get(route)
		if p == PipelineBrowser && t.ServerOnly {
			continue
		}
		if len(t.pending) == 0 && !s.sourceExists(t.SourcePath) {
			s.registry.remove(route)
			stale[route] = s.waiters.take(route)
			changes = append(changes, events.StatusChanged{Route: route, From: t.Status.String(), To: "removed", At: now})
			continue
		}
		if t.Status == StatusAdded {
			t.Status = StatusBuilding
			changes = append(changes, events.StatusChanged{Route: route, From: StatusAdded.String(), To: StatusBuilding.String(), At: now})
		}
		if t.Status == StatusBuilding {
			t.failure = nil
			t.pending[p] = true
		}
		entries = append(entries, Entry{Name: t.BundleName, Request: t.SourcePath, Route: route})
	}
	counts := s.registry.counts()
	s.mu.Unlock()

	if startedCycle != 0 {
		s.bus.TryPublish(events.CycleStarted{Cycle: startedCycle, At: startedAt})
	}
	for route, chs := range stale {
		s.logger.Info("Dropping page whose source was removed", logfields.Route(route))
		resolveAll(chs, routeNotFound(route))
	}
	for _, c := range changes {
		s.bus.TryPublish(c)
	}
	if len(changes) > 0 {
		s.setTargetGauges(counts)
	}
	s.logger.Debug("Prepared build entries", logfields.Pipeline(string(p)), logfields.Count(len(entries)))
	s.engine.AddBuildTargets(p, entries)
}

type resolution struct {
	route string
	chs   []chan error
	err   error
}

// done applies a cycle report: targets every required pipeline completed
// become built, failed targets reject their waiters, and a collapsed
// follow-up cycle is triggered.
func (s *Scheduler) done(report CycleReport) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()

	completed := make(map[Pipeline]map[string]bool, len(report.Pipelines))
	for p, res := range report.Pipelines {
		set := make(map[string]bool, len(res.Completed))
		for _, name := range res.Completed {
			set[name] = true
		}
		completed[p] = set
	}

	var (
		resolved      []resolution
		changes       []events.StatusChanged
		built, failed []string
	)
	for _, route := range s.registry.routes() {
		t, _ := s.registry.get(route)
		if t.Status != StatusBuilding || len(t.pending) == 0 {
			continue
		}
		var failure error
		ready := true
		for _, p := range t.requiredPipelines() {
			if !t.pending[p] {
				ready = false
				continue
			}
			if cause, ok := report.Pipelines[p].Failed[t.BundleName]; ok {
				if failure == nil {
					failure = compilationFailure(route, p, cause)
				}
				continue
			}
			if !completed[p][t.BundleName] {
				ready = false
			}
		}
		clear(t.pending)

		switch {
		case failure != nil:
			t.failure = failure
			failed = append(failed, route)
			resolved = append(resolved, resolution{route: route, chs: s.waiters.take(route), err: failure})
		case ready:
			t.Status = StatusBuilt
			t.LastActiveTime = now
			built = append(built, route)
			changes = append(changes, events.StatusChanged{Route: route, From: StatusBuilding.String(), To: StatusBuilt.String(), At: now})
			resolved = append(resolved, resolution{route: route, chs: s.waiters.take(route)})
		}
	}

	late := 0
	for _, set := range completed {
		for name := range set {
			if _, ok := s.targetForBundleLocked(name); !ok {
				late++
			}
		}
	}

	hot := s.changes.observe(report, s.routeForBundleLocked)
	cycle := s.cycle
	duration := now.Sub(s.cycleStart)
	s.inCycle = false
	restart := s.inv.doneBuilding()
	var nextCycle uint64
	var nextAt time.Time
	if restart {
		nextCycle, nextAt = s.beginCycleLocked()
	}
	counts := s.registry.counts()
	s.mu.Unlock()

	for _, r := range resolved {
		if r.err != nil {
			s.logger.Warn("Page compilation failed", logfields.Route(r.route), logfields.Count(len(r.chs)), logfields.Error(r.err))
		}
		resolveAll(r.chs, r.err)
	}
	if late > 0 {
		s.logger.Debug("Dropping completions for disposed pages", logfields.Cycle(cycle), logfields.Count(late))
	}
	s.recorder.ObserveCycleDuration(duration)
	s.setTargetGauges(counts)
	for _, c := range changes {
		s.bus.TryPublish(c)
	}
	s.bus.TryPublish(events.CycleCompleted{Cycle: cycle, Built: built, Failed: failed, Duration: duration})
	for _, h := range hot {
		s.bus.TryPublish(h)
	}
	s.logger.Debug("Build cycle done",
		logfields.Cycle(cycle),
		slog.Int("built", len(built)),
		slog.Int("failed", len(failed)),
		logfields.DurationMS(float64(duration.Microseconds())/1000))

	if restart {
		s.recorder.IncInvalidation(metrics.InvalidationStarted)
		s.bus.TryPublish(events.CycleStarted{Cycle: nextCycle, At: nextAt})
		s.engine.InvalidateAndRebuild()
	}
}

// disposeInactive removes built targets that are not recently viewed and
// have been quiet for longer than the max inactive age, then asks for one
// rebuild for the whole batch.
func (s *Scheduler) disposeInactive() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	maxAge := s.cfg.MaxInactiveAge.Std()
	var disposed []string
	for _, route := range s.registry.listByStatus(StatusBuilt) {
		if s.recent.contains(route) {
			continue
		}
		t, _ := s.registry.get(route)
		if now.Sub(t.LastActiveTime) > maxAge {
			disposed = append(disposed, route)
		}
	}
	for _, route := range disposed {
		s.registry.remove(route)
	}
	counts := s.registry.counts()
	s.mu.Unlock()

	if len(disposed) == 0 {
		return
	}
	s.logger.Info("Disposing inactive pages", logfields.Count(len(disposed)), slog.Any("routes", disposed))
	s.recorder.AddEvictions(len(disposed))
	s.setTargetGauges(counts)
	for _, route := range disposed {
		s.bus.TryPublish(events.StatusChanged{Route: route, From: StatusBuilt.String(), To: "removed", At: now})
	}
	s.bus.TryPublish(events.TargetsDisposed{Routes: disposed, At: now})
	s.invalidate()
}

func (s *Scheduler) targetForBundleLocked(name string) (*BuildTarget, bool) {
	for _, t := range s.registry.targets {
		if t.BundleName == name {
			return t, true
		}
	}
	return nil, false
}

func (s *Scheduler) routeForBundleLocked(name string) (string, bool) {
	if t, ok := s.targetForBundleLocked(name); ok {
		return t.Route, true
	}
	if br, ok := s.resolver.(bundleRouter); ok {
		return br.RouteFromBundle(name)
	}
	return "", false
}

func (s *Scheduler) setTargetGauges(counts map[Status]int) {
	for status, n := range counts {
		s.recorder.SetTargets(status.String(), n)
	}
}

func (t *BuildTarget) requiredPipelines() []Pipeline {
	if t.ServerOnly {
		return []Pipeline{PipelineServer}
	}
	return Pipelines
}

func cleanRoute(route string) string {
	route = strings.ReplaceAll(route, `\`, "/")
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return path.Clean(route)
}
