package devserver

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"strconv"

	"git.home.luguber.info/inful/ondemand/internal/devengine"
	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
	"git.home.luguber.info/inful/ondemand/internal/ondemand"
)

// RouteEnsurer blocks until a route is servable.
type RouteEnsurer interface {
	EnsureRoute(ctx context.Context, route string) error
}

// ArtifactSource looks up compiled output.
type ArtifactSource interface {
	Get(p ondemand.Pipeline, name string) (devengine.Artifact, bool)
}

var errorPage = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Build error</title></head>
<body>
<h1>Failed to compile {{.Route}}</h1>
<pre>{{.Message}}</pre>
</body>
</html>
`))

// PageHandler compiles requested pages on demand and serves their artifacts.
// Browser pages get the keep-alive client injected; API routes are answered
// with the server pipeline output.
type PageHandler struct {
	ensurer       RouteEnsurer
	resolver      ondemand.RouteResolver
	artifacts     ArtifactSource
	adapter       *ferrors.HTTPErrorAdapter
	keepAlivePath string
}

func NewPageHandler(ensurer RouteEnsurer, resolver ondemand.RouteResolver, artifacts ArtifactSource, adapter *ferrors.HTTPErrorAdapter, keepAlivePath string) *PageHandler {
	return &PageHandler{
		ensurer:       ensurer,
		resolver:      resolver,
		artifacts:     artifacts,
		adapter:       adapter,
		keepAlivePath: keepAlivePath,
	}
}

func (h *PageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		h.adapter.WriteErrorResponse(w, r, ferrors.ValidationError(fmt.Sprintf("method %s not allowed", r.Method)).Build())
		return
	}

	page, err := h.resolver.Resolve(r.URL.Path)
	if err != nil {
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}
	if err := h.ensurer.EnsureRoute(r.Context(), page.Route); err != nil {
		if r.Context().Err() != nil {
			return
		}
		if ondemand.IsCompilationFailure(err) && !page.ServerOnly {
			h.writeBuildError(w, page.Route, err)
			return
		}
		h.adapter.WriteErrorResponse(w, r, err)
		return
	}

	pipeline := ondemand.PipelineBrowser
	if page.ServerOnly {
		pipeline = ondemand.PipelineServer
	}
	artifact, ok := h.artifacts.Get(pipeline, page.BundleName)
	if !ok {
		// Disposed between the build and this lookup.
		h.adapter.WriteErrorResponse(w, r, ferrors.RuntimeError("page is being rebuilt").
			WithRetry(ferrors.RetryImmediate).
			WithContext("route", page.Route).
			Build())
		return
	}

	body := artifact.Content
	if pipeline == ondemand.PipelineBrowser {
		body = injectScript(body, renderKeepAliveScript(h.keepAlivePath, page.Route))
	}
	w.Header().Set("Content-Type", artifact.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("ETag", strconv.Quote(strconv.FormatUint(artifact.Hash, 16)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(body)
}

// writeBuildError renders the failure with the keep-alive client so the tab
// reloads once the source compiles again.
func (h *PageHandler) writeBuildError(w http.ResponseWriter, route string, err error) {
	var buf bytes.Buffer
	_ = errorPage.Execute(&buf, struct{ Route, Message string }{route, err.Error()})
	body := injectScript(buf.Bytes(), renderKeepAliveScript(h.keepAlivePath, route))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_, _ = w.Write(body)
}
