package breaker

import "sync"

// dispatcher fans an Event out to the subscribers registered for its Kind.
// It replaces the teacher's single-callback-per-concern design
// (OnStateChange, IsSuccessful as bare func fields) with the plain product
// type the design notes call for: a Breaker holds one dispatcher whose
// subscriber list is keyed by event kind, instead of a class hierarchy of
// emitter types.
//
// Delivery is synchronous from the emitting goroutine, so the per-call
// ordering guarantee in spec.md §5 (start → outcome → release → emit) falls
// out for free; a subscriber list is snapshotted under the lock and invoked
// outside it so a slow or panicking handler cannot stall registration.
type subscription struct {
	id int
	fn func(Event)
}

type dispatcher struct {
	mu     sync.Mutex
	subs   map[EventKind][]subscription
	nextID int
}

func newDispatcher() *dispatcher {
	return &dispatcher{subs: make(map[EventKind][]subscription)}
}

// subscribe registers fn for kind and returns a cancel function that
// detaches it. Handlers must not block. Calling cancel more than once is a
// no-op.
func (d *dispatcher) subscribe(kind EventKind, fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[kind] = append(d.subs[kind], subscription{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			list := d.subs[kind]
			for i, s := range list {
				if s.id == id {
					d.subs[kind] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// emit calls every subscriber registered for ev.Kind, recovering and
// discarding any panic so one misbehaving handler cannot break admission
// accounting or the caller's own goroutine.
func (d *dispatcher) emit(ev Event) {
	d.mu.Lock()
	handlers := d.subs[ev.Kind]
	snapshot := make([]func(Event), len(handlers))
	for i, s := range handlers {
		snapshot[i] = s.fn
	}
	d.mu.Unlock()

	for _, fn := range snapshot {
		callHandler(fn, ev)
	}
}

func callHandler(fn func(Event), ev Event) {
	defer func() {
		recover() //nolint:errcheck // a panicking subscriber must not break the breaker
	}()
	fn(ev)
}
