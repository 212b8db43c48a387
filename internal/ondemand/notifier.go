package ondemand

// notifier holds the callers waiting for a route to finish building. Each
// waiter channel has room for exactly one result so resolving never blocks,
// even when the waiter stopped listening.
type notifier struct {
	waiters map[string][]chan error
}

func newNotifier() *notifier {
	return &notifier{waiters: make(map[string][]chan error)}
}

func (n *notifier) add(route string) <-chan error {
	ch := make(chan error, 1)
	n.waiters[route] = append(n.waiters[route], ch)
	return ch
}

// take removes and returns every waiter of route.
func (n *notifier) take(route string) []chan error {
	chs := n.waiters[route]
	delete(n.waiters, route)
	return chs
}

// takeAll removes and returns every waiter.
func (n *notifier) takeAll() map[string][]chan error {
	all := n.waiters
	n.waiters = make(map[string][]chan error)
	return all
}

func (n *notifier) pending(route string) int {
	return len(n.waiters[route])
}

func resolveAll(chs []chan error, err error) {
	for _, ch := range chs {
		ch <- err
	}
}
