package devengine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/inful/mdfp"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ondemand/internal/config"
	"git.home.luguber.info/inful/ondemand/internal/ondemand"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

// staticEntries registers hooks that hand the engine a fixed entry set and
// capture every report.
type staticEntries struct {
	engine  *Engine
	mu      sync.Mutex
	entries map[ondemand.Pipeline][]ondemand.Entry
	reports []ondemand.CycleReport
}

func (s *staticEntries) set(p ondemand.Pipeline, entries ...ondemand.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[p] = entries
}

func newStaticEntries(e *Engine) *staticEntries {
	s := &staticEntries{engine: e, entries: map[ondemand.Pipeline][]ondemand.Entry{}}
	e.Register(ondemand.EngineHooks{
		Prepare: func(p ondemand.Pipeline) {
			s.mu.Lock()
			entries := s.entries[p]
			s.mu.Unlock()
			e.AddBuildTargets(p, entries)
		},
		Done: func(r ondemand.CycleReport) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.reports = append(s.reports, r)
		},
	})
	return s
}

func entryFor(dir, route, file string) ondemand.Entry {
	return ondemand.Entry{
		Name:    "static/dev/pages" + route + ".js",
		Request: filepath.Join(dir, file),
		Route:   route,
	}
}

func TestEngine_CompilesBothPipelines(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "hello.md"), "# Hello *world*\n\nSome text.\n")
	e, err := New(Options{BuildID: "dev", Logger: quietLogger()})
	require.NoError(t, err)
	hooks := newStaticEntries(e)
	entry := entryFor(dir, "/hello", "hello.md")
	hooks.set(ondemand.PipelineBrowser, entry)
	hooks.set(ondemand.PipelineServer, entry)

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, hooks.reports, 1)
	for _, p := range ondemand.Pipelines {
		require.Equal(t, []string{entry.Name}, report.Pipelines[p].Completed)
		require.Empty(t, report.Pipelines[p].Failed)
		require.Empty(t, report.Pipelines[p].Changed)
	}

	page, ok := e.Store().Get(ondemand.PipelineBrowser, entry.Name)
	require.True(t, ok)
	require.Equal(t, contentTypeHTML, page.ContentType)
	require.Contains(t, string(page.Content), "<title>Hello world</title>")
	require.Contains(t, string(page.Content), "<h1>Hello <em>world</em></h1>")
	require.NotZero(t, page.Hash)

	meta, ok := e.Store().Get(ondemand.PipelineServer, entry.Name)
	require.True(t, ok)
	var decoded PageMeta
	require.NoError(t, json.Unmarshal(meta.Content, &decoded))
	require.Equal(t, PageMeta{
		Route:       "/hello",
		Title:       "Hello world",
		Source:      "hello.md",
		BuildID:     "dev",
		Fingerprint: mdfp.CalculateFingerprintFromParts("", "# Hello *world*\n\nSome text.\n"),
	}, decoded)
}

func TestEngine_ReportsChangedAndFailedEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "# A\n")
	writeFile(t, filepath.Join(dir, "b.html"), "<h1>{{.Route}}</h1>")
	e, err := New(Options{BuildID: "dev", Logger: quietLogger()})
	require.NoError(t, err)
	hooks := newStaticEntries(e)
	a := entryFor(dir, "/a", "a.md")
	b := entryFor(dir, "/b", "b.html")
	hooks.set(ondemand.PipelineBrowser, a, b)

	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	page, _ := e.Store().Get(ondemand.PipelineBrowser, b.Name)
	require.Contains(t, string(page.Content), "<h1>/b</h1>")

	// Unchanged sources produce identical hashes.
	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Pipelines[ondemand.PipelineBrowser].Changed)

	writeFile(t, filepath.Join(dir, "a.md"), "# A, edited\n")
	writeFile(t, filepath.Join(dir, "b.html"), "<h1>{{.Route</h1>")
	report, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	browser := report.Pipelines[ondemand.PipelineBrowser]
	require.Equal(t, []string{a.Name}, browser.Changed)
	require.Equal(t, []string{a.Name}, browser.Completed)
	require.Contains(t, browser.Failed, b.Name)
	require.ErrorContains(t, browser.Failed[b.Name], "parse template")
}

func TestEngine_ReleasesArtifactsOfDroppedEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "# A\n")
	writeFile(t, filepath.Join(dir, "b.md"), "# B\n")
	e, err := New(Options{BuildID: "dev", Logger: quietLogger()})
	require.NoError(t, err)
	hooks := newStaticEntries(e)
	a := entryFor(dir, "/a", "a.md")
	b := entryFor(dir, "/b", "b.md")

	hooks.set(ondemand.PipelineBrowser, a, b)
	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{a.Name, b.Name}, e.Store().Names(ondemand.PipelineBrowser))

	hooks.set(ondemand.PipelineBrowser, a)
	_, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{a.Name}, e.Store().Names(ondemand.PipelineBrowser))
}

func TestEngine_LayoutChangeRequestsDocumentReload(t *testing.T) {
	dir := t.TempDir()
	layout := filepath.Join(dir, "_layout.html")
	writeFile(t, filepath.Join(dir, "a.md"), "# A\n")
	writeFile(t, layout, `<main data-build="{{.BuildID}}">{{.Body}}</main>`)
	e, err := New(Options{BuildID: "dev", LayoutPath: layout, Logger: quietLogger()})
	require.NoError(t, err)
	hooks := newStaticEntries(e)
	a := entryFor(dir, "/a", "a.md")
	hooks.set(ondemand.PipelineBrowser, a)

	report, err := e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.ReloadRoutes)
	page, _ := e.Store().Get(ondemand.PipelineBrowser, a.Name)
	require.Contains(t, string(page.Content), `<main data-build="dev">`)

	writeFile(t, layout, `<article>{{.Body}}</article>`)
	report, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{DocumentRoute}, report.ReloadRoutes)
	require.Equal(t, []string{a.Name}, report.Pipelines[ondemand.PipelineBrowser].Changed)

	// A broken layout keeps the last good one.
	writeFile(t, layout, `<article>{{.Body</article>`)
	report, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.ReloadRoutes)
	page, _ = e.Store().Get(ondemand.PipelineBrowser, a.Name)
	require.Contains(t, string(page.Content), "<article>")

	require.NoError(t, os.Remove(layout))
	report, err = e.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{DocumentRoute}, report.ReloadRoutes)
	page, _ = e.Store().Get(ondemand.PipelineBrowser, a.Name)
	require.Contains(t, string(page.Content), "<!DOCTYPE html>")
}

func TestEngine_CanceledCycleSkipsDone(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.md"), "# A\n")
	e, err := New(Options{BuildID: "dev", Logger: quietLogger()})
	require.NoError(t, err)
	hooks := newStaticEntries(e)
	hooks.set(ondemand.PipelineBrowser, entryFor(dir, "/a", "a.md"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.RunCycle(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, hooks.reports)
}

func TestEngine_WithScheduler(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "index.md"), "# Home\n")
	writeFile(t, filepath.Join(dir, "api", "ping.md"), "# Pong\n")

	e, err := New(Options{BuildID: "dev", Logger: quietLogger()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()

	resolver, err := ondemand.NewPageResolver(dir, []string{"md"}, "dev")
	require.NoError(t, err)
	cfg := config.Default().OnDemand
	s, err := ondemand.New(cfg, e, resolver, ondemand.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	defer func() { require.NoError(t, s.Stop(context.Background())) }()

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	require.NoError(t, s.EnsureRoute(waitCtx, "/"))
	require.NoError(t, s.EnsureRoute(waitCtx, "/api/ping"))

	_, ok := e.Store().Get(ondemand.PipelineBrowser, "static/dev/pages/index.js")
	require.True(t, ok)
	_, ok = e.Store().Get(ondemand.PipelineBrowser, "static/dev/pages/api/ping.js")
	require.False(t, ok, "API routes have no browser bundle")
	_, ok = e.Store().Get(ondemand.PipelineServer, "static/dev/pages/api/ping.js")
	require.True(t, ok)
}
