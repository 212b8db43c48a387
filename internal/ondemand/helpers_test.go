package ondemand

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ondemand/internal/config"
	"git.home.luguber.info/inful/ondemand/internal/events"
	"git.home.luguber.info/inful/ondemand/internal/metrics"
)

const testBuildID = "dev"

// fakeEngine records entries and lets tests drive cycles step by step.
type fakeEngine struct {
	mu            sync.Mutex
	hooks         EngineHooks
	entries       map[Pipeline][]Entry
	failures      map[string]error
	invalidations int
	invalidated   chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		entries:     map[Pipeline][]Entry{},
		failures:    map[string]error{},
		invalidated: make(chan struct{}, 64),
	}
}

func (e *fakeEngine) Register(h EngineHooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = h
}

func (e *fakeEngine) AddBuildTargets(p Pipeline, entries []Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[p] = append([]Entry(nil), entries...)
}

func (e *fakeEngine) InvalidateAndRebuild() {
	e.mu.Lock()
	e.invalidations++
	e.mu.Unlock()
	select {
	case e.invalidated <- struct{}{}:
	default:
	}
}

func (e *fakeEngine) invalidationCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invalidations
}

func (e *fakeEngine) failBundle(name string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.failures, name)
		return
	}
	e.failures[name] = err
}

func (e *fakeEngine) entryNames(p Pipeline) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for _, entry := range e.entries[p] {
		names = append(names, entry.Name)
	}
	return names
}

// prepareCycle runs the prepare hook for every pipeline.
func (e *fakeEngine) prepareCycle() {
	e.mu.Lock()
	hooks := e.hooks
	e.entries = map[Pipeline][]Entry{}
	e.mu.Unlock()
	for _, p := range Pipelines {
		hooks.Prepare(p)
	}
}

// report completes every prepared entry except configured failures.
func (e *fakeEngine) report() CycleReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	report := CycleReport{Pipelines: map[Pipeline]PipelineResult{}}
	for p, entries := range e.entries {
		res := PipelineResult{Failed: map[string]error{}}
		for _, entry := range entries {
			if err, ok := e.failures[entry.Name]; ok {
				res.Failed[entry.Name] = err
				continue
			}
			res.Completed = append(res.Completed, entry.Name)
		}
		report.Pipelines[p] = res
	}
	return report
}

func (e *fakeEngine) finishCycle(report CycleReport) {
	e.mu.Lock()
	hooks := e.hooks
	e.mu.Unlock()
	hooks.Done(report)
}

func (e *fakeEngine) runCycle() {
	e.prepareCycle()
	e.finishCycle(e.report())
}

func (e *fakeEngine) waitInvalidated(t *testing.T) {
	t.Helper()
	select {
	case <-e.invalidated:
	case <-time.After(2 * time.Second):
		t.Fatal("engine was not invalidated")
	}
}

// countingRecorder counts invalidate outcomes so tests can wait for callers
// that have not reached the engine.
type countingRecorder struct {
	metrics.NoopRecorder
	started   atomic.Int64
	collapsed atomic.Int64
	evictions atomic.Int64
}

func (r *countingRecorder) IncInvalidation(o metrics.InvalidationOutcome) {
	if o == metrics.InvalidationCollapsed {
		r.collapsed.Add(1)
		return
	}
	r.started.Add(1)
}

func (r *countingRecorder) AddEvictions(n int) { r.evictions.Add(int64(n)) }

type testEnv struct {
	s        *Scheduler
	recorder *countingRecorder
	engine   *fakeEngine
	clock    *clockwork.FakeClock
	bus      *events.Bus
	pagesDir string
}

func testSettings() config.OnDemandConfig {
	return config.OnDemandConfig{
		MaxInactiveAge:    config.Duration(60 * time.Second),
		PagesBufferLength: 2,
		SweepInterval:     config.Duration(time.Hour),
		PingInterval:      config.Duration(time.Hour),
		KeepAlivePath:     config.DefaultKeepAlivePath,
	}
}

// newTestEnv starts a scheduler over a temporary pages directory holding a
// markdown file for every page path given.
func newTestEnv(t *testing.T, pages ...string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	for _, p := range pages {
		writePage(t, dir, p)
	}
	resolver, err := NewPageResolver(dir, []string{"md"}, testBuildID)
	require.NoError(t, err)

	env := &testEnv{
		engine:   newFakeEngine(),
		clock:    clockwork.NewFakeClock(),
		bus:      events.NewBus(),
		recorder: &countingRecorder{},
		pagesDir: dir,
	}
	env.s, err = New(testSettings(), env.engine, resolver,
		WithClock(env.clock), WithBus(env.bus), WithRecorder(env.recorder))
	require.NoError(t, err)
	require.NoError(t, env.s.Start(context.Background()))
	t.Cleanup(func() {
		_ = env.s.Stop(context.Background())
		env.bus.Close()
	})
	return env
}

func writePage(t *testing.T, dir, rel string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("# "+rel+"\n"), 0o600))
}

func ensureAsync(s *Scheduler, route string) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.EnsureRoute(context.Background(), route) }()
	return ch
}

func recv(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("EnsureRoute did not return")
		return nil
	}
}

// build ensures route and runs the cycle that compiles it.
func (env *testEnv) build(t *testing.T, route string) {
	t.Helper()
	res := ensureAsync(env.s, route)
	env.engine.waitInvalidated(t)
	env.engine.runCycle()
	require.NoError(t, recv(t, res))
}

func (env *testEnv) status(route string) (Status, bool) {
	for _, target := range env.s.Snapshot() {
		if target.Route == route {
			return target.Status, true
		}
	}
	return 0, false
}

func (env *testEnv) waiters(route string) int {
	env.s.mu.Lock()
	defer env.s.mu.Unlock()
	return env.s.waiters.pending(route)
}
