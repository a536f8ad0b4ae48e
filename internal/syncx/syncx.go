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

// Package syncx gives every synchronization primitive used by the engine
// its own named wrapper type instead of reaching for sync.Mutex/sync.Cond
// directly at call sites, the way the rest of this codebase names its
// building blocks.
package syncx

import (
	"sync"
	"time"
)

// Mutex is a named alias kept for call-site clarity; behavior is exactly
// sync.Mutex.
type Mutex = sync.Mutex

// Cond is a condition variable with a timed wait, which sync.Cond does not
// offer. It is built on a per-waiter notification channel rather than a
// single broadcast channel so a timed-out waiter never consumes a
// broadcast meant for another goroutine.
type Cond struct {
	L       Mutex
	mu      sync.Mutex // guards waiters
	waiters map[chan struct{}]struct{}
}

// NewCond returns a ready-to-use Cond.
func NewCond() *Cond {
	return &Cond{waiters: make(map[chan struct{}]struct{})}
}

func (cd *Cond) register() chan struct{} {
	ch := make(chan struct{})
	cd.mu.Lock()
	cd.waiters[ch] = struct{}{}
	cd.mu.Unlock()
	return ch
}

func (cd *Cond) unregister(ch chan struct{}) {
	cd.mu.Lock()
	delete(cd.waiters, ch)
	cd.mu.Unlock()
}

// Wait releases L, blocks until Signal or Broadcast is called, then
// re-acquires L. The caller must hold L on entry and will hold it again
// on return.
func (cd *Cond) Wait() {
	ch := cd.register()
	cd.L.Unlock()
	<-ch
	cd.L.Lock()
}

// WaitTimeout is like Wait but gives up after d, returning false if the
// deadline elapsed before a Signal/Broadcast arrived.
func (cd *Cond) WaitTimeout(d time.Duration) bool {
	ch := cd.register()
	cd.L.Unlock()

	var woke bool
	select {
	case <-ch:
		woke = true
	case <-time.After(d):
		woke = false
	}

	if !woke {
		cd.unregister(ch)
	}
	cd.L.Lock()
	return woke
}

// Signal wakes one waiter, if any.
func (cd *Cond) Signal() {
	cd.mu.Lock()
	for ch := range cd.waiters {
		close(ch)
		delete(cd.waiters, ch)
		break
	}
	cd.mu.Unlock()
}

// Broadcast wakes every current waiter exactly once.
func (cd *Cond) Broadcast() {
	cd.mu.Lock()
	for ch := range cd.waiters {
		close(ch)
		delete(cd.waiters, ch)
	}
	cd.mu.Unlock()
}
