// Package devengine is the development build engine behind the on-demand
// scheduler. Each cycle it asks the scheduler for the entry set of its two
// pipelines, compiles both concurrently and keeps the artifacts in memory.
//
// The browser pipeline renders a page to a full HTML document (Markdown via
// goldmark, HTML pages via html/template) inside the layout. The server
// pipeline produces the page's JSON metadata, which is also the response body
// of API routes.
package devengine
