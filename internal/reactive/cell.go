// Package reactive provides the observable state cell that holds a
// workflow's run state. A Cell is a get/set/subscribe primitive: every write
// is delivered to every subscriber, in write order, exactly once.
package reactive

import "sync"

// Cell is a thread-safe observable value.
//
// Notifications are delivered synchronously by whichever writer finds the
// delivery queue idle. Writes made concurrently, or from inside a
// subscriber, are queued and delivered by that same notifier after the
// current value, so subscribers never observe writes out of order and a
// subscriber may safely write back into the cell.
type Cell[T any] struct {
	mu       sync.Mutex
	value    T
	subs     []subscription[T]
	seq      uint64
	queue    []T
	draining bool
}

type subscription[T any] struct {
	id uint64
	fn func(T)
}

// NewCell creates a cell holding the given initial value.
func NewCell[T any](initial T) *Cell[T] {
	return &Cell[T]{value: initial}
}

// Read returns the current value.
func (c *Cell[T]) Read() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Write replaces the current value.
func (c *Cell[T]) Write(v T) {
	c.Update(func(T) T { return v })
}

// Update applies fn to the current value under the cell lock and stores the
// result. fn must not call back into the cell. It returns the stored value.
func (c *Cell[T]) Update(fn func(T) T) T {
	v, _ := c.Modify(func(cur T) (T, bool) { return fn(cur), true })
	return v
}

// Modify is like Update but only stores and publishes the result when fn
// reports a change. It returns the current value and whether it changed.
func (c *Cell[T]) Modify(fn func(T) (T, bool)) (T, bool) {
	c.mu.Lock()
	next, changed := fn(c.value)
	if !changed {
		v := c.value
		c.mu.Unlock()
		return v, false
	}
	c.value = next
	c.queue = append(c.queue, next)
	if c.draining {
		c.mu.Unlock()
		return next, true
	}
	c.draining = true
	c.mu.Unlock()
	c.drain()
	return next, true
}

// drain delivers queued values until the queue is empty. A panicking
// subscriber propagates to the writer; the queue is dropped so later writes
// are still delivered.
func (c *Cell[T]) drain() {
	done := false
	defer func() {
		if !done {
			c.mu.Lock()
			c.draining = false
			c.queue = nil
			c.mu.Unlock()
		}
	}()
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			c.draining = false
			c.mu.Unlock()
			done = true
			return
		}
		batch := c.queue
		c.queue = nil
		subs := make([]subscription[T], len(c.subs))
		copy(subs, c.subs)
		c.mu.Unlock()

		for _, v := range batch {
			for _, s := range subs {
				s.fn(v)
			}
		}
	}
}

// Subscribe registers fn to be called with every subsequently written value.
// The returned function removes the subscription; it is safe to call more
// than once.
func (c *Cell[T]) Subscribe(fn func(T)) func() {
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.subs = append(c.subs, subscription[T]{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s.id == id {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				return
			}
		}
	}
}
