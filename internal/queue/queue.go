/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package queue implements a fixed-capacity, ring-buffer-backed
// multi-producer/multi-consumer FIFO, used by the async log sink and the
// worker pool. Push never blocks; Pop blocks until an item is available.
package queue

import (
	"time"

	"github.com/sabouaram/webengine/internal/syncx"
)

// Queue is a bounded blocking FIFO of capacity N. The zero value is not
// usable; construct with New.
type Queue[T any] struct {
	cond     *syncx.Cond
	items    []T
	front    int
	back     int
	size     int
	capacity int
}

// New returns a Queue able to hold up to capacity items. Panics if
// capacity <= 0, matching the original block_queue's fail-fast contract
// (there: exit(-1) on construction; here: a programmer error, not a
// runtime condition, so panic is appropriate).
func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be > 0")
	}
	q := &Queue[T]{
		items:    make([]T, capacity),
		front:    -1,
		back:     -1,
		capacity: capacity,
	}
	q.cond = syncx.NewCond()
	return q
}

// Push appends item at the back. It never blocks: if the queue is full it
// returns false immediately. On success every blocked Pop/PopWithTimeout
// is woken.
func (q *Queue[T]) Push(item T) bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	if q.size >= q.capacity {
		return false
	}

	q.back = (q.back + 1) % q.capacity
	q.items[q.back] = item
	q.size++
	if q.front == -1 {
		q.front = q.back
	}

	q.cond.Broadcast()
	return true
}

// Pop blocks until an item is available, then removes and returns it.
// Spurious wakeups are tolerated by looping on the empty predicate.
func (q *Queue[T]) Pop() T {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	for q.size == 0 {
		q.cond.Wait()
	}
	return q.popLocked()
}

// PopWithTimeout blocks at most d before giving up. Returns the zero value
// and false on timeout or on a spurious empty wake that persists past the
// deadline.
func (q *Queue[T]) PopWithTimeout(d time.Duration) (T, bool) {
	deadline := time.Now().Add(d)

	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	for q.size == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero T
			return zero, false
		}
		if !q.cond.WaitTimeout(remaining) {
			if q.size == 0 {
				var zero T
				return zero, false
			}
			break
		}
	}
	return q.popLocked(), true
}

func (q *Queue[T]) popLocked() T {
	item := q.items[q.front]
	var zero T
	q.items[q.front] = zero

	if q.front == q.back {
		q.front, q.back = -1, -1
	} else {
		q.front = (q.front + 1) % q.capacity
	}
	q.size--
	return item
}

// Size returns the current number of queued items.
func (q *Queue[T]) Size() int {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return q.size
}

// MaxSize returns the fixed capacity.
func (q *Queue[T]) MaxSize() int {
	return q.capacity
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return q.size == 0
}

// Full reports whether the queue is at capacity.
func (q *Queue[T]) Full() bool {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()
	return q.size >= q.capacity
}

// Clear empties the queue without releasing the backing array.
func (q *Queue[T]) Clear() {
	q.cond.L.Lock()
	defer q.cond.L.Unlock()

	var zero T
	for i := range q.items {
		q.items[i] = zero
	}
	q.front, q.back, q.size = -1, -1, 0
}
