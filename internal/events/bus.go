package events

import (
	"context"
	"reflect"
	"sync"

	ferrors "git.home.luguber.info/inful/ondemand/internal/foundation/errors"
)

// Bus is a small typed in-process event bus.
//
// Publish blocks until every matching subscriber accepted the event or ctx is
// done. TryPublish never blocks and skips subscribers whose buffer is full;
// the scheduler uses it so a slow observer cannot stall build bookkeeping.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool
}

// subscription is the type-erased side of a Subscribe call.
type subscription struct {
	eventType reflect.Type
	// offer sends evt; with block unset it gives up immediately on a full
	// buffer. It reports whether the event was accepted.
	offer func(ctx context.Context, evt any, block bool) bool
	close func()
}

// matches reports whether evt should be delivered to this subscription.
// Interface subscriptions receive every event implementing the interface.
func (s *subscription) matches(evtType reflect.Type) bool {
	if s.eventType == evtType {
		return true
	}
	return s.eventType.Kind() == reflect.Interface && evtType.Implements(s.eventType)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Subscribe registers for events of type T. The returned channel is closed by
// the unsubscribe func or when the bus closes.
func Subscribe[T any](b *Bus, buffer int) (<-chan T, func()) {
	ch := make(chan T, buffer)
	var closeOnce sync.Once
	closeCh := func() { closeOnce.Do(func() { close(ch) }) }

	sub := &subscription{
		eventType: reflect.TypeFor[T](),
		offer: func(ctx context.Context, evt any, block bool) bool {
			v, ok := evt.(T)
			if !ok {
				return false
			}
			if !block {
				select {
				case ch <- v:
					return true
				default:
					return false
				}
			}
			select {
			case ch <- v:
				return true
			case <-ctx.Done():
				return false
			}
		},
		close: closeCh,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		closeCh()
		return ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			closeCh()
		})
	}
}

// SubscriberCount returns the number of subscriptions registered for exactly T.
func SubscriberCount[T any](b *Bus) int {
	if b == nil {
		return 0
	}
	want := reflect.TypeFor[T]()
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, s := range b.subs {
		if s.eventType == want {
			n++
		}
	}
	return n
}

// Publish delivers evt to every matching subscriber, waiting on full buffers.
// Sends happen under the read lock so a channel is never closed mid-send.
func (b *Bus) Publish(ctx context.Context, evt any) error {
	switch {
	case evt == nil:
		return ferrors.ValidationError("event cannot be nil").Build()
	case ctx == nil:
		return ferrors.ValidationError("context cannot be nil").Build()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ferrors.RuntimeError("event bus is closed").Build()
	}
	evtType := reflect.TypeOf(evt)
	for _, s := range b.subs {
		if !s.matches(evtType) {
			continue
		}
		if !s.offer(ctx, evt, true) {
			return ferrors.WrapError(ctx.Err(), ferrors.CategoryRuntime, "event publish canceled").
				WithContext("event_type", evtType.String()).
				Build()
		}
	}
	return nil
}

// TryPublish delivers evt to every matching subscriber with buffer room and
// returns how many it skipped.
func (b *Bus) TryPublish(evt any) int {
	if b == nil || evt == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}
	evtType := reflect.TypeOf(evt)
	skipped := 0
	for _, s := range b.subs {
		if s.matches(evtType) && !s.offer(context.Background(), evt, false) {
			skipped++
		}
	}
	return skipped
}

// Close closes the bus and every subscription channel. Later subscriptions
// get an already closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, s := range subs {
		s.close()
	}
}
