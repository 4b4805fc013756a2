package room

import (
	"sync"
	"time"
)

// observers is a subscriber list with disposer handles. Emit order is
// unspecified; subscribers run on the emitting goroutine.
type observers[T any] struct {
	mu   sync.Mutex
	fns  map[int64]func(T)
	next int64
}

func (o *observers[T]) subscribe(fn func(T)) func() {
	o.mu.Lock()
	if o.fns == nil {
		o.fns = make(map[int64]func(T))
	}
	o.next++
	id := o.next
	o.fns[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.fns, id)
		o.mu.Unlock()
	}
}

func (o *observers[T]) emit(v T) {
	o.mu.Lock()
	fns := make([]func(T), 0, len(o.fns))
	for _, fn := range o.fns {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

func (o *observers[T]) clear() {
	o.mu.Lock()
	o.fns = nil
	o.mu.Unlock()
}

// debouncer coalesces a burst of triggers into one callback after a
// quiet window. flush fires a pending callback immediately.
type debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	fn      func()
	timer   *time.Timer
	stopped bool
}

func newDebouncer(window time.Duration, fn func()) *debouncer {
	return &debouncer{window: window, fn: fn}
}

func (d *debouncer) trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, func() {
		d.mu.Lock()
		fire := !d.stopped
		d.timer = nil
		d.mu.Unlock()
		if fire {
			d.fn()
		}
	})
}

func (d *debouncer) flush() {
	d.mu.Lock()
	pending := d.timer != nil && !d.stopped
	if pending {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
	if pending {
		d.fn()
	}
}

func (d *debouncer) stop() {
	d.mu.Lock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.mu.Unlock()
}
