package devengine

import (
	"context"
	"errors"
	"html/template"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
	"git.home.luguber.info/inful/ondemand/internal/logfields"
	"git.home.luguber.info/inful/ondemand/internal/ondemand"
)

// DocumentRoute is reported in CycleReport.ReloadRoutes when the layout
// changed; every open page depends on it.
const DocumentRoute = "/_document"

// Options configures an Engine.
type Options struct {
	BuildID string
	// LayoutPath is an optional html/template file wrapping every browser
	// page. DefaultLayout is used while it does not exist.
	LayoutPath string
	// Concurrency bounds compilations per pipeline. Zero means GOMAXPROCS.
	Concurrency int
	Logger      *slog.Logger
	Clock       clockwork.Clock
}

// Engine implements ondemand.BuildEngine.
type Engine struct {
	opts      Options
	logger    *slog.Logger
	clock     clockwork.Clock
	store     *Store
	compilers map[ondemand.Pipeline]Compiler

	layoutMu     sync.RWMutex
	layout       *template.Template
	defaultTmpl  *template.Template
	layoutHash   uint64
	layoutLoaded bool

	mu      sync.Mutex
	hooks   ondemand.EngineHooks
	entries map[ondemand.Pipeline][]ondemand.Entry

	cycleMu sync.Mutex
	trigger chan struct{}
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates an engine. Cycles run once Start was called, or synchronously
// through RunCycle.
func New(opts Options) (*Engine, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	def, err := template.New("layout").Parse(DefaultLayout)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "parse default layout").Build()
	}

	e := &Engine{
		opts:        opts,
		logger:      opts.Logger,
		clock:       opts.Clock,
		store:       NewStore(),
		layout:      def,
		defaultTmpl: def,
		entries:     map[ondemand.Pipeline][]ondemand.Entry{},
		trigger:     make(chan struct{}, 1),
	}
	loader := newPageLoader(opts.BuildID)
	e.compilers = map[ondemand.Pipeline]Compiler{
		ondemand.PipelineBrowser: &BrowserCompiler{loader: loader, layout: e.currentLayout},
		ondemand.PipelineServer:  &ServerCompiler{loader: loader},
	}
	return e, nil
}

// Store returns the artifact store.
func (e *Engine) Store() *Store { return e.store }

func (e *Engine) Register(hooks ondemand.EngineHooks) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = hooks
}

func (e *Engine) AddBuildTargets(p ondemand.Pipeline, entries []ondemand.Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries[p] = append(e.entries[p], entries...)
}

// InvalidateAndRebuild schedules a cycle. Requests made while one is pending
// coalesce.
func (e *Engine) InvalidateAndRebuild() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Start runs cycles in the background until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.trigger:
				if _, err := e.RunCycle(ctx); err != nil && ctx.Err() == nil {
					e.logger.Warn("Build cycle aborted", logfields.Error(err))
				}
			}
		}
	}()
}

// Stop cancels the background loop and waits for a running cycle.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// RunCycle gathers entries through the prepare hook, compiles both pipelines
// concurrently and reports to the done hook. The done hook is not called when
// ctx is canceled mid-cycle.
func (e *Engine) RunCycle(ctx context.Context) (ondemand.CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	start := e.clock.Now()

	e.mu.Lock()
	hooks := e.hooks
	e.entries = map[ondemand.Pipeline][]ondemand.Entry{}
	e.mu.Unlock()

	if hooks.Prepare != nil {
		for _, p := range ondemand.Pipelines {
			hooks.Prepare(p)
		}
	}

	e.mu.Lock()
	entries := e.entries
	e.mu.Unlock()

	reloadLayout, err := e.refreshLayout()
	if err != nil {
		e.logger.Warn("Layout update ignored", logfields.Path(e.opts.LayoutPath), logfields.Error(err))
	}

	results := make([]ondemand.PipelineResult, len(ondemand.Pipelines))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range ondemand.Pipelines {
		g.Go(func() error {
			res, err := e.compilePipeline(gctx, p, entries[p])
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return ondemand.CycleReport{}, err
	}

	report := ondemand.CycleReport{Pipelines: make(map[ondemand.Pipeline]ondemand.PipelineResult, len(results))}
	for i, p := range ondemand.Pipelines {
		report.Pipelines[p] = results[i]
		keep := make(map[string]bool, len(entries[p]))
		for _, entry := range entries[p] {
			keep[entry.Name] = true
		}
		if dropped := e.store.Retain(p, keep); len(dropped) > 0 {
			e.logger.Debug("Released artifacts", logfields.Pipeline(string(p)), logfields.Count(len(dropped)))
		}
	}
	if reloadLayout {
		report.ReloadRoutes = []string{DocumentRoute}
	}

	e.logger.Debug("Compiled build cycle",
		slog.Int("browser_entries", len(entries[ondemand.PipelineBrowser])),
		slog.Int("server_entries", len(entries[ondemand.PipelineServer])),
		logfields.DurationMS(float64(e.clock.Since(start).Microseconds())/1000))

	if hooks.Done != nil {
		hooks.Done(report)
	}
	return report, nil
}

// compilePipeline compiles entries with bounded concurrency. Compile errors
// end up in the result; only cancellation is returned as an error.
func (e *Engine) compilePipeline(ctx context.Context, p ondemand.Pipeline, entries []ondemand.Entry) (ondemand.PipelineResult, error) {
	compiler := e.compilers[p]
	res := ondemand.PipelineResult{Failed: map[string]error{}}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			artifact, err := compiler.Compile(gctx, entry)
			if ctxErr := gctx.Err(); ctxErr != nil {
				return ctxErr
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[entry.Name] = err
				e.logger.Debug("Compilation failed", logfields.Pipeline(string(p)), logfields.Bundle(entry.Name), logfields.Error(err))
				return nil
			}
			artifact.Hash = xxhash.Sum64(artifact.Content)
			artifact.BuiltAt = e.clock.Now()
			if prev, ok := e.store.Get(p, entry.Name); ok && prev.Hash != artifact.Hash {
				res.Changed = append(res.Changed, entry.Name)
			}
			e.store.Put(artifact)
			res.Completed = append(res.Completed, entry.Name)
			return nil
		})
	}
	err := g.Wait()
	sort.Strings(res.Completed)
	sort.Strings(res.Changed)
	return res, err
}

func (e *Engine) currentLayout() *template.Template {
	e.layoutMu.RLock()
	defer e.layoutMu.RUnlock()
	return e.layout
}

// refreshLayout reloads the layout file when its content changed. It reports
// whether open pages need a hard reload; the first load does not count.
func (e *Engine) refreshLayout() (bool, error) {
	if e.opts.LayoutPath == "" {
		return false, nil
	}
	data, err := os.ReadFile(e.opts.LayoutPath)
	if errors.Is(err, os.ErrNotExist) {
		e.layoutMu.Lock()
		defer e.layoutMu.Unlock()
		if e.layoutHash == 0 {
			return false, nil
		}
		e.layout = e.defaultTmpl
		e.layoutHash = 0
		return true, nil
	}
	if err != nil {
		return false, ferrors.WrapError(err, ferrors.CategoryFileSystem, "read layout").Build()
	}

	hash := xxhash.Sum64(data)
	e.layoutMu.RLock()
	unchanged := hash == e.layoutHash
	e.layoutMu.RUnlock()
	if unchanged {
		return false, nil
	}
	tmpl, err := template.New("layout").Parse(string(data))
	if err != nil {
		return false, ferrors.WrapError(err, ferrors.CategoryBuild, "parse layout").Build()
	}

	e.layoutMu.Lock()
	defer e.layoutMu.Unlock()
	reload := e.layoutLoaded
	e.layout = tmpl
	e.layoutHash = hash
	e.layoutLoaded = true
	return reload, nil
}
