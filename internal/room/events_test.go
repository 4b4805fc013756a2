package room

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestObserversDisposerRemoves(t *testing.T) {
	var o observers[int]
	var a, b atomic.Int32

	disposeA := o.subscribe(func(v int) { a.Add(int32(v)) })
	o.subscribe(func(v int) { b.Add(int32(v)) })

	o.emit(1)
	disposeA()
	o.emit(2)

	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(3), b.Load())
}

func TestObserversClearDropsAll(t *testing.T) {
	var o observers[struct{}]
	var n atomic.Int32
	o.subscribe(func(struct{}) { n.Add(1) })

	o.clear()
	o.emit(struct{}{})
	assert.Zero(t, n.Load())
}

func TestDebouncerCoalescesBursts(t *testing.T) {
	var fires atomic.Int32
	d := newDebouncer(30*time.Millisecond, func() { fires.Add(1) })

	for range 10 {
		d.trigger()
		time.Sleep(2 * time.Millisecond)
	}

	assert.Eventually(t, func() bool { return fires.Load() == 1 },
		time.Second, 5*time.Millisecond)

	// and stays at one
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(1), fires.Load())
}

func TestDebouncerFlushFiresPendingImmediately(t *testing.T) {
	var fires atomic.Int32
	d := newDebouncer(time.Hour, func() { fires.Add(1) })

	d.flush() // nothing pending
	assert.Zero(t, fires.Load())

	d.trigger()
	d.flush()
	assert.Equal(t, int32(1), fires.Load())

	d.flush() // already consumed
	assert.Equal(t, int32(1), fires.Load())
}

func TestDebouncerStopSuppresses(t *testing.T) {
	var fires atomic.Int32
	d := newDebouncer(10*time.Millisecond, func() { fires.Add(1) })

	d.trigger()
	d.stop()
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fires.Load())

	d.trigger() // stopped debouncers stay stopped
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, fires.Load())
}
