package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifiedError(t *testing.T) {
	t.Run("builder sets fields", func(t *testing.T) {
		err := NotFoundError("page not found").
			WithContext("route", "/blog").
			Build()

		require.Equal(t, CategoryNotFound, err.Category())
		require.Equal(t, SeverityError, err.Severity())
		require.Equal(t, "page not found", err.Message())
		route, ok := err.Context().GetString("route")
		require.True(t, ok)
		require.Equal(t, "/blog", route)
	})

	t.Run("wrapping preserves the chain", func(t *testing.T) {
		cause := stderrors.New("syntax error")
		err := WrapError(cause, CategoryBuild, "compilation failed").UserAction().Build()

		require.ErrorIs(t, err, cause)
		require.False(t, err.CanRetry())
		require.Contains(t, err.Error(), "syntax error")
	})

	t.Run("category detection through fmt wrapping", func(t *testing.T) {
		err := fmt.Errorf("serve: %w", RuntimeError("scheduler stopped").Build())

		require.True(t, HasCategory(err, CategoryRuntime))
		require.False(t, HasCategory(err, CategoryBuild))
		require.Equal(t, CategoryRuntime, GetCategory(err))
		require.Equal(t, CategoryInternal, GetCategory(stderrors.New("plain")))
	})

	t.Run("WithContext copies", func(t *testing.T) {
		base := BuildError("compilation failed").Build()
		withRoute := base.WithContext("route", "/a")

		_, ok := base.Context().Get("route")
		require.False(t, ok)
		require.ErrorIs(t, withRoute, base)
	})
}

func TestHTTPErrorAdapter(t *testing.T) {
	adapter := NewHTTPErrorAdapter(slog.Default())

	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"nil", nil, http.StatusOK},
		{"not found", NotFoundError("page not found").Build(), http.StatusNotFound},
		{"build", BuildError("compilation failed").Build(), http.StatusUnprocessableEntity},
		{"runtime", RuntimeError("stopped").Build(), http.StatusServiceUnavailable},
		{"config", ConfigError("bad").Build(), http.StatusBadRequest},
		{"plain", stderrors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, adapter.StatusCodeFor(tt.err))
		})
	}

	t.Run("writes JSON payload", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/blog", nil)
		err := WrapError(stderrors.New("unexpected token"), CategoryBuild, "compilation failed").
			UserAction().
			WithContext("route", "/blog").
			Build()

		adapter.WriteErrorResponse(rec, req, err)

		require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		var body HTTPErrorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, "compilation failed", body.Error)
		require.Equal(t, "build", body.Code)
		require.Equal(t, "/blog", body.Details["route"])
		require.Equal(t, "unexpected token", body.Details["cause"])
		require.True(t, body.Retryable)
	})
}

func TestCLIErrorAdapter_ExitCodes(t *testing.T) {
	adapter := NewCLIErrorAdapter(false, slog.Default())

	require.Equal(t, 0, adapter.ExitCodeFor(nil))
	require.Equal(t, 7, adapter.ExitCodeFor(ConfigError("bad").Build()))
	require.Equal(t, 4, adapter.ExitCodeFor(NotFoundError("missing").Build()))
	require.Equal(t, 1, adapter.ExitCodeFor(stderrors.New("plain")))

	require.Equal(t, "Error: bad", adapter.FormatError(ConfigError("bad").Build()))
	require.Equal(t, "Internal error occurred (use -v for details)", adapter.FormatError(InternalError("x").Build()))
}
