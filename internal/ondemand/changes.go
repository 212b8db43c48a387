package ondemand

import (
	"sort"

	"git.home.luguber.info/inful/ondemand/internal/events"
)

// Hot reload actions sent to keep-alive sessions.
const (
	ActionReload = "reload"
	ActionChange = "change"
)

// Shared routes whose change notifications are noise while pages come and go.
var sharedRoutes = map[string]bool{"/_app": true, "/_document": true}

// changeTracker diffs consecutive cycle reports into hot reload messages.
// The first report only establishes the baseline.
type changeTracker struct {
	initialized bool
	prevRoutes  map[string]bool
	prevFailed  map[string]bool
}

func newChangeTracker() *changeTracker {
	return &changeTracker{}
}

// observe returns the messages for report, in reload-then-change order.
// toRoute maps bundle names to routes and reports false for foreign names.
func (c *changeTracker) observe(report CycleReport, toRoute func(string) (string, bool)) []events.HotReload {
	routes := make(map[string]bool)
	failed := make(map[string]bool)
	changed := make(map[string]bool)

	for _, p := range Pipelines {
		res, ok := report.Pipelines[p]
		if !ok {
			continue
		}
		for _, name := range res.Completed {
			if route, ok := toRoute(name); ok {
				routes[route] = true
			}
		}
		for name := range res.Failed {
			if route, ok := toRoute(name); ok {
				routes[route] = true
				failed[route] = true
			}
		}
		for _, name := range res.Changed {
			if route, ok := toRoute(name); ok {
				changed[route] = true
			}
		}
	}

	defer func() {
		c.initialized = true
		c.prevRoutes = routes
		c.prevFailed = failed
	}()
	if !c.initialized {
		return nil
	}

	added := diff(routes, c.prevRoutes)
	removed := diff(c.prevRoutes, routes)
	recovered := diff(c.prevFailed, failed)
	newlyFailed := diff(failed, c.prevFailed)

	reload := make(map[string]bool)
	for _, set := range [][]string{added, removed, recovered, newlyFailed, report.ReloadRoutes} {
		for _, route := range set {
			reload[route] = true
		}
	}

	if len(added) > 0 || len(removed) > 0 || len(changed) > 1 {
		for route := range sharedRoutes {
			delete(changed, route)
		}
	}

	var out []events.HotReload
	for _, route := range keys(reload) {
		out = append(out, events.HotReload{Action: ActionReload, Route: route})
	}
	for _, route := range keys(changed) {
		out = append(out, events.HotReload{Action: ActionChange, Route: route})
	}
	return out
}

// diff returns the sorted members of a missing from b.
func diff(a, b map[string]bool) []string {
	var out []string
	for k := range a {
		if !b[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func keys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
