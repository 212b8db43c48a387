package ondemand

import (
	"sort"
	"time"
)

// Status is the lifecycle state of a build target.
type Status int

const (
	StatusAdded Status = iota + 1
	StatusBuilding
	StatusBuilt
)

func (s Status) String() string {
	switch s {
	case StatusAdded:
		return "added"
	case StatusBuilding:
		return "building"
	case StatusBuilt:
		return "built"
	default:
		return "unknown"
	}
}

// BuildTarget is the scheduler's record of one page known to the build engine.
type BuildTarget struct {
	Route          string
	BundleName     string
	SourcePath     string
	Status         Status
	LastActiveTime time.Time
	// ServerOnly targets (API routes) never get a browser entry.
	ServerOnly bool

	// pending holds the pipelines that received this target's entry in the
	// current cycle and have not reported it yet.
	pending map[Pipeline]bool
	// failure is the last compilation error while the target sits in Building.
	failure error
}

func newTarget(page Page, now time.Time) *BuildTarget {
	return &BuildTarget{
		Route:          page.Route,
		BundleName:     page.BundleName,
		SourcePath:     page.SourcePath,
		ServerOnly:     page.ServerOnly,
		Status:         StatusAdded,
		LastActiveTime: now,
		pending:        make(map[Pipeline]bool, len(Pipelines)),
	}
}

// registry maps routes to build targets. It is not safe for concurrent use;
// the scheduler serializes access.
type registry struct {
	targets map[string]*BuildTarget
}

func newRegistry() *registry {
	return &registry{targets: make(map[string]*BuildTarget)}
}

func (r *registry) get(route string) (*BuildTarget, bool) {
	t, ok := r.targets[route]
	return t, ok
}

func (r *registry) upsert(t *BuildTarget) {
	r.targets[t.Route] = t
}

func (r *registry) remove(route string) bool {
	if _, ok := r.targets[route]; !ok {
		return false
	}
	delete(r.targets, route)
	return true
}

// routes returns every tracked route in sorted order.
func (r *registry) routes() []string {
	out := make([]string, 0, len(r.targets))
	for route := range r.targets {
		out = append(out, route)
	}
	sort.Strings(out)
	return out
}

func (r *registry) listByStatus(status Status) []string {
	var out []string
	for _, route := range r.routes() {
		if r.targets[route].Status == status {
			out = append(out, route)
		}
	}
	return out
}

func (r *registry) counts() map[Status]int {
	counts := map[Status]int{StatusAdded: 0, StatusBuilding: 0, StatusBuilt: 0}
	for _, t := range r.targets {
		counts[t.Status]++
	}
	return counts
}

// snapshot copies the public fields of every target.
func (r *registry) snapshot() []BuildTarget {
	out := make([]BuildTarget, 0, len(r.targets))
	for _, route := range r.routes() {
		t := *r.targets[route]
		t.pending = nil
		t.failure = nil
		out = append(out, t)
	}
	return out
}
