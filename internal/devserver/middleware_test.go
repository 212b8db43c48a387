package devserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
)

func TestChain_RecoversPanics(t *testing.T) {
	logger := quietLogger()
	h := Chain(logger, ferrors.NewHTTPErrorAdapter(logger))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestChain_KeepsFlusher(t *testing.T) {
	logger := quietLogger()
	flushed := false
	h := Chain(logger, ferrors.NewHTTPErrorAdapter(logger))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		f, ok := w.(http.Flusher)
		require.True(t, ok)
		w.WriteHeader(http.StatusAccepted)
		f.Flush()
		flushed = true
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.True(t, flushed)
	require.True(t, rec.Flushed)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestInjectScript(t *testing.T) {
	script := []byte("<script></script>")

	require.Equal(t, "<html><body><p>x</p><script></script></BODY></html>",
		string(injectScript([]byte("<html><body><p>x</p></BODY></html>"), script)))
	require.Equal(t, "<p>fragment</p><script></script>",
		string(injectScript([]byte("<p>fragment</p>"), script)))
}

func TestRenderKeepAliveScript_EscapesValues(t *testing.T) {
	out := string(renderKeepAliveScript("/_ka", "/</script>"))
	require.Contains(t, out, `const base = "/_ka", route = "/\u003c/script\u003e";`)
}
