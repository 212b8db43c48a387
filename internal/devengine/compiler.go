package devengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"

	"github.com/inful/mdfp"
	"github.com/yuin/goldmark"
	gmast "github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
	"git.home.luguber.info/inful/ondemand/internal/ondemand"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json"
)

// DefaultLayout wraps browser pages when no layout file exists.
const DefaultLayout = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`

// Compiler turns one entry into an artifact for its pipeline.
type Compiler interface {
	Compile(ctx context.Context, entry ondemand.Entry) (Artifact, error)
}

// page is a parsed page source.
type page struct {
	Route   string
	BuildID string
	Title   string
	Body    template.HTML
	// Params holds markdown front matter fields.
	Params map[string]any
	// Fingerprint is the mdfp content fingerprint of markdown sources.
	Fingerprint string
}

// pageLoader parses page sources. Markdown is rendered with goldmark, HTML
// sources are html/template documents executed with the page data.
type pageLoader struct {
	md      goldmark.Markdown
	buildID string
}

func newPageLoader(buildID string) *pageLoader {
	return &pageLoader{md: goldmark.New(), buildID: buildID}
}

func (l *pageLoader) load(entry ondemand.Entry) (page, error) {
	src, err := os.ReadFile(entry.Request)
	if err != nil {
		return page{}, ferrors.WrapError(err, ferrors.CategoryFileSystem, "read page source").
			WithContext("path", entry.Request).
			Build()
	}
	p := page{Route: entry.Route, BuildID: l.buildID}

	switch ext := strings.ToLower(filepath.Ext(entry.Request)); ext {
	case ".md", ".markdown":
		fm, body := splitFrontMatter(src)
		if fm != "" {
			if err := yaml.Unmarshal([]byte(fm), &p.Params); err != nil {
				return page{}, fmt.Errorf("parse front matter: %w", err)
			}
		}
		p.Fingerprint = mdfp.CalculateFingerprintFromParts(fm, string(body))
		src = body
		root := l.md.Parser().Parse(text.NewReader(src))
		if title, ok := p.Params["title"].(string); ok {
			p.Title = strings.TrimSpace(title)
		}
		if p.Title == "" {
			p.Title = firstHeading(root, src)
		}
		var buf bytes.Buffer
		if err := l.md.Renderer().Render(&buf, src, root); err != nil {
			return page{}, fmt.Errorf("render markdown: %w", err)
		}
		p.Body = template.HTML(buf.String()) //nolint:gosec // page sources are trusted local files
	case ".html", ".htm":
		tmpl, err := template.New(filepath.Base(entry.Request)).Parse(string(src))
		if err != nil {
			return page{}, fmt.Errorf("parse template: %w", err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, p); err != nil {
			return page{}, fmt.Errorf("execute template: %w", err)
		}
		p.Title = htmlTitle(buf.String())
		p.Body = template.HTML(buf.String()) //nolint:gosec // rendered by html/template
	default:
		return page{}, fmt.Errorf("unsupported page type %q", ext)
	}
	if p.Title == "" {
		p.Title = routeTitle(entry.Route)
	}
	return p, nil
}

// splitFrontMatter separates a leading YAML block delimited by "---" lines
// from the markdown body. Sources without one are returned unchanged.
func splitFrontMatter(src []byte) (string, []byte) {
	s := strings.TrimPrefix(string(src), "\ufeff")
	if !strings.HasPrefix(s, "---\n") && !strings.HasPrefix(s, "---\r\n") {
		return "", src
	}
	rest := s[strings.IndexByte(s, '\n')+1:]
	var fm string
	if strings.HasPrefix(rest, "---") {
		rest = rest[len("---"):]
	} else {
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return "", src
		}
		fm = strings.TrimRight(rest[:end], "\r")
		rest = rest[end+len("\n---"):]
	}
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[i+1:]
	} else {
		rest = ""
	}
	return fm, []byte(rest)
}

// firstHeading returns the text of the first heading in the document.
func firstHeading(root gmast.Node, src []byte) string {
	var title string
	_ = gmast.Walk(root, func(n gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if !entering {
			return gmast.WalkContinue, nil
		}
		if h, ok := n.(*gmast.Heading); ok {
			title = nodeText(h, src)
			return gmast.WalkStop, nil
		}
		return gmast.WalkContinue, nil
	})
	return title
}

// htmlTitle returns the <title> text, falling back to the first <h1>.
func htmlTitle(doc string) string {
	root, err := html.Parse(strings.NewReader(doc))
	if err != nil {
		return ""
	}
	if n := findElement(root, "title"); n != nil {
		if t := strings.TrimSpace(elementText(n)); t != "" {
			return t
		}
	}
	if n := findElement(root, "h1"); n != nil {
		return strings.Join(strings.Fields(elementText(n)), " ")
	}
	return ""
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func elementText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// routeTitle derives a title from the last route segment: /blog/my-post
// becomes "My Post".
func routeTitle(route string) string {
	seg := route[strings.LastIndex(route, "/")+1:]
	seg = strings.NewReplacer("-", " ", "_", " ").Replace(seg)
	if strings.TrimSpace(seg) == "" {
		return route
	}
	return cases.Title(language.English).String(seg)
}

func nodeText(n gmast.Node, src []byte) string {
	var sb strings.Builder
	_ = gmast.Walk(n, func(c gmast.Node, entering bool) (gmast.WalkStatus, error) {
		if t, ok := c.(*gmast.Text); ok && entering {
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() {
				sb.WriteByte(' ')
			}
		}
		return gmast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

// BrowserCompiler renders pages into the layout.
type BrowserCompiler struct {
	loader *pageLoader
	layout func() *template.Template
}

func (c *BrowserCompiler) Compile(ctx context.Context, entry ondemand.Entry) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	p, err := c.loader.load(entry)
	if err != nil {
		return Artifact{}, err
	}
	var buf bytes.Buffer
	if err := c.layout().Execute(&buf, p); err != nil {
		return Artifact{}, fmt.Errorf("execute layout: %w", err)
	}
	return Artifact{
		Name:        entry.Name,
		Pipeline:    ondemand.PipelineBrowser,
		ContentType: contentTypeHTML,
		Content:     buf.Bytes(),
	}, nil
}

// PageMeta is the server pipeline output.
type PageMeta struct {
	Route       string         `json:"route"`
	Title       string         `json:"title"`
	Source      string         `json:"source"`
	BuildID     string         `json:"build_id"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// ServerCompiler produces page metadata.
type ServerCompiler struct {
	loader *pageLoader
}

func (c *ServerCompiler) Compile(ctx context.Context, entry ondemand.Entry) (Artifact, error) {
	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	p, err := c.loader.load(entry)
	if err != nil {
		return Artifact{}, err
	}
	data, err := json.Marshal(PageMeta{
		Route:       p.Route,
		Title:       p.Title,
		Source:      filepath.Base(entry.Request),
		BuildID:     p.BuildID,
		Fingerprint: p.Fingerprint,
		Params:      p.Params,
	})
	if err != nil {
		return Artifact{}, fmt.Errorf("encode page metadata: %w", err)
	}
	return Artifact{
		Name:        entry.Name,
		Pipeline:    ondemand.PipelineServer,
		ContentType: contentTypeJSON,
		Content:     data,
	}, nil
}
