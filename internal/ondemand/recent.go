package ondemand

import "slices"

// recentBuffer is a bounded most-recently-viewed list of routes. Routes in it
// are exempt from disposal.
type recentBuffer struct {
	capacity int
	routes   []string
}

func newRecentBuffer(capacity int) *recentBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &recentBuffer{capacity: capacity, routes: make([]string, 0, capacity)}
}

// touch moves route to the front, dropping the oldest entry when full.
func (b *recentBuffer) touch(route string) {
	if i := slices.Index(b.routes, route); i >= 0 {
		b.routes = slices.Delete(b.routes, i, i+1)
	}
	b.routes = slices.Insert(b.routes, 0, route)
	if len(b.routes) > b.capacity {
		b.routes = b.routes[:b.capacity]
	}
}

func (b *recentBuffer) contains(route string) bool {
	return slices.Contains(b.routes, route)
}

func (b *recentBuffer) list() []string {
	return slices.Clone(b.routes)
}
