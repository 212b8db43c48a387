package ondemand

import (
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
)

// ErrorRoute is the route of the built-in error page. Keep-alive pings for it
// are always answered as invalid so that a tab showing it reloads.
const ErrorRoute = "/_error"

// apiPrefix marks routes that only exist on the server.
const apiPrefix = "/api/"

var indexPrefix = regexp.MustCompile(`^/index(/|$)`)

// Page is a route resolved to its source file.
type Page struct {
	Route      string
	BundleName string
	SourcePath string
	ServerOnly bool
}

// RouteResolver maps a requested route to its page.
type RouteResolver interface {
	Resolve(route string) (Page, error)
}

// NormalizePagePath turns a route into the path used for lookups and bundle
// names: "/" becomes "/index", "/index/x" becomes "/index/index/x". Routes that
// change under path normalization (traversal, doubled slashes) are reported
// as not found.
func NormalizePagePath(page string) (string, error) {
	page = strings.ReplaceAll(page, `\`, "/")
	if len(page) > 1 {
		page = strings.TrimRight(page, "/")
	}
	if !strings.HasPrefix(page, "/") {
		page = "/" + page
	}
	switch {
	case page == "/":
		page = "/index"
	case indexPrefix.MatchString(page):
		page = "/index" + page
	}
	if path.Clean(page) != page {
		return "", routeNotFound(page)
	}
	return page, nil
}

// DenormalizePagePath reverses NormalizePagePath.
func DenormalizePagePath(page string) string {
	page = strings.ReplaceAll(page, `\`, "/")
	if strings.HasPrefix(page, "/index/") {
		page = strings.TrimPrefix(page, "/index")
	} else if page == "/index" {
		page = "/"
	}
	return page
}

// PageResolver finds page sources under a pages directory.
type PageResolver struct {
	dir        string
	extensions []string
	buildID    string
	fallbacks  map[string]string
}

// NewPageResolver creates a resolver for dir. Extensions are tried in order
// and carry no leading dot.
func NewPageResolver(dir string, extensions []string, buildID string) (*PageResolver, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "resolve pages directory").Build()
	}
	if len(extensions) == 0 {
		return nil, ferrors.ConfigError("at least one page extension is required").Build()
	}
	return &PageResolver{
		dir:        abs,
		extensions: append([]string(nil), extensions...),
		buildID:    buildID,
		fallbacks:  make(map[string]string),
	}, nil
}

// WithFallback registers a source used for route when the pages directory has
// none, e.g. a built-in error page.
func (r *PageResolver) WithFallback(route, sourcePath string) *PageResolver {
	r.fallbacks[route] = sourcePath
	return r
}

// Dir returns the absolute pages directory.
func (r *PageResolver) Dir() string { return r.dir }

// Resolve implements RouteResolver.
func (r *PageResolver) Resolve(route string) (Page, error) {
	normalized, err := NormalizePagePath(route)
	if err != nil {
		return Page{}, err
	}

	lookup := normalized
	if lookup != "/index" {
		lookup = DenormalizePagePath(normalized)
	}
	source, rel, ok := r.findPageFile(lookup)
	if !ok {
		route := DenormalizePagePath(normalized)
		fallback, found := r.fallbacks[route]
		if !found {
			return Page{}, routeNotFound(route)
		}
		source = fallback
		rel = lookup + filepath.Ext(fallback)
	}

	pageURL := strings.TrimSuffix(rel, path.Ext(rel))
	pageURL = strings.TrimSuffix(pageURL, "/index")
	if pageURL == "" {
		pageURL = "/"
	}
	pageURL = path.Clean(pageURL)

	bundlePath, err := NormalizePagePath(pageURL)
	if err != nil {
		return Page{}, err
	}
	return Page{
		Route:      pageURL,
		BundleName: r.BundleName(bundlePath),
		SourcePath: source,
		ServerOnly: strings.HasPrefix(pageURL+"/", apiPrefix),
	}, nil
}

// BundleName returns the artifact name for a normalized page path.
func (r *PageResolver) BundleName(normalized string) string {
	return path.Join("static", r.buildID, "pages", normalized+".js")
}

// RouteFromBundle maps an artifact name back to its route. It reports false
// for names that are not page bundles of this build.
func (r *PageResolver) RouteFromBundle(name string) (string, bool) {
	prefix := path.Join("static", r.buildID, "pages")
	rest, ok := strings.CutPrefix(filepath.ToSlash(name), prefix)
	if !ok || !strings.HasPrefix(rest, "/") || !strings.HasSuffix(rest, ".js") {
		return "", false
	}
	return DenormalizePagePath(strings.TrimSuffix(rest, ".js")), true
}

// findPageFile tries "<page>.<ext>" then "<page>/index.<ext>" for each
// extension and returns the absolute and pages-relative path.
func (r *PageResolver) findPageFile(page string) (string, string, bool) {
	for _, ext := range r.extensions {
		for _, rel := range []string{page + "." + ext, page + "/index." + ext} {
			abs := filepath.Join(r.dir, filepath.FromSlash(rel))
			info, err := os.Stat(abs)
			if err == nil && info.Mode().IsRegular() {
				return abs, rel, true
			}
		}
	}
	return "", "", false
}
