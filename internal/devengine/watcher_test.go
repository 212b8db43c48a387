package devengine

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type countingRebuilder struct{ n atomic.Int32 }

func (c *countingRebuilder) InvalidateAndRebuild() { c.n.Add(1) }

func TestWatcher_TriggersRebuildOnChange(t *testing.T) {
	dir := t.TempDir()
	clock := clockwork.NewFakeClock()
	target := &countingRebuilder{}
	w, err := NewWatcher(dir, target, DefaultDebounce, clock, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	writeFile(t, filepath.Join(dir, "new.md"), "# New\n")
	require.Eventually(t, func() bool {
		clock.Advance(DefaultDebounce)
		return target.n.Load() > 0
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_MissingDirectory(t *testing.T) {
	_, err := NewWatcher(filepath.Join(t.TempDir(), "nope"), &countingRebuilder{}, DefaultDebounce, nil, quietLogger())
	require.Error(t, err)
}

func TestShouldIgnoreEvent(t *testing.T) {
	for path, want := range map[string]bool{
		"/p/a.md":        false,
		"/p/.hidden.md":  true,
		"/p/a.md~":       true,
		"/p/.a.md.swp":   true,
		"/p/a.swx":       true,
		"/p/#a.md#":      true,
		"/p/Thumbs.db":   true,
		"/p/blog/b.html": false,
	} {
		require.Equal(t, want, shouldIgnoreEvent(path), path)
	}
}
