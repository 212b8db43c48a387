package commands

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/ondemand/internal/config"
	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	cli := &CLI{}
	parser, err := kong.New(cli, kong.Vars{"version": "test"}, kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	kctx, err := parser.Parse(args)
	require.NoError(t, err)
	return cli, kctx
}

func TestParseServe(t *testing.T) {
	cli, kctx := parse(t, "serve", "--addr", "127.0.0.1:0", "-d", "site", "--no-watch")

	require.Equal(t, "serve", kctx.Command())
	require.Equal(t, DefaultConfigPath, cli.Config)
	require.Equal(t, "127.0.0.1:0", cli.Serve.Addr)
	require.Equal(t, "site", cli.Serve.PagesDir)
	require.True(t, cli.Serve.NoWatch)
	require.Equal(t, 100*time.Millisecond, cli.Serve.Debounce)

	cfg := config.Default()
	cli.Serve.apply(cfg)
	require.Equal(t, "site", cfg.PagesDir)
	require.Equal(t, "127.0.0.1:0", cfg.HTTP.Addr)
}

func TestParseRejectsUnknownLogFormat(t *testing.T) {
	parser, err := kong.New(&CLI{}, kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse([]string{"--log-format", "xml", "check-config"})
	require.Error(t, err)
}

func TestCheckConfig(t *testing.T) {
	t.Run("prints effective settings", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ondemand.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pages_dir: ./docs\non_demand:\n  pages_buffer_length: 5\n"), 0o600))

		var out bytes.Buffer
		cmd := &CheckConfigCmd{}
		err := cmd.Run(&Global{Out: &out}, &CLI{Config: path})
		require.NoError(t, err)
		require.Contains(t, out.String(), "pages_dir: ./docs")
		require.Contains(t, out.String(), "pages_buffer_length: 5")
		require.Contains(t, out.String(), "max_inactive_age: 1m0s")
	})

	t.Run("invalid file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ondemand.yaml")
		require.NoError(t, os.WriteFile(path, []byte("on_demand:\n  pages_buffer_length: -3\n"), 0o600))

		err := (&CheckConfigCmd{}).Run(&Global{Out: io.Discard}, &CLI{Config: path})
		require.Error(t, err)
		require.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
	})

	t.Run("explicit path must exist", func(t *testing.T) {
		err := (&CheckConfigCmd{Quiet: true}).Run(&Global{}, &CLI{Config: filepath.Join(t.TempDir(), "missing.yaml")})
		require.Error(t, err)
		require.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
	})
}

func TestLoadConfigDefaultPathMayBeMissing(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig(&CLI{Config: DefaultConfigPath})
	require.NoError(t, err)
	require.Equal(t, config.DefaultPagesDir, cfg.PagesDir)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, "json", false).Debug("hidden")
	newLogger(&buf, "json", false).Info("shown", "k", "v")
	require.NotContains(t, buf.String(), "hidden")
	require.Contains(t, buf.String(), `"k":"v"`)

	buf.Reset()
	newLogger(&buf, "text", true).Debug("visible")
	require.Contains(t, buf.String(), "level=DEBUG")
}

func TestAppServesPageOnDemand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.md"), []byte("# Welcome\n\nhello"), 0o600))

	cfg := config.Default()
	cfg.PagesDir = dir
	cfg.HTTP.Addr = "127.0.0.1:0"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newApp(cfg, ServeCmd{NoWatch: true}, logger)
	require.NoError(t, err)
	require.NoError(t, a.start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, a.shutdown(ctx))
	})

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + a.server.Addr() + "/")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "Welcome")
	require.Contains(t, string(body), cfg.OnDemand.KeepAlivePath)
}

func TestNewAppRequiresPagesDir(t *testing.T) {
	cfg := config.Default()
	cfg.PagesDir = filepath.Join(t.TempDir(), "missing")

	_, err := newApp(cfg, ServeCmd{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
}
