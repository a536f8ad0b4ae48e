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

// Package semaphore wraps golang.org/x/sync/semaphore.Weighted with the
// counting-permit vocabulary spec.md uses for the credential-session pool
// and the worker queue: a fixed number of permits handed out on Acquire
// and returned on Release, independent of any particular resource type.
package semaphore

import (
	"context"

	xsemaphore "golang.org/x/sync/semaphore"
)

// Sem is a counting semaphore with n initial permits.
type Sem struct {
	w *xsemaphore.Weighted
	n int64
}

// New returns a semaphore initialised with n permits.
func New(n int64) *Sem {
	return &Sem{w: xsemaphore.NewWeighted(n), n: n}
}

// Acquire blocks until a permit is available or ctx is done.
func (s *Sem) Acquire(ctx context.Context) error {
	return s.w.Acquire(ctx, 1)
}

// TryAcquire takes a permit without blocking, reporting whether one was
// available.
func (s *Sem) TryAcquire() bool {
	return s.w.TryAcquire(1)
}

// Release returns one permit to the pool.
func (s *Sem) Release() {
	s.w.Release(1)
}

// Capacity returns the total number of permits the semaphore was created
// with.
func (s *Sem) Capacity() int64 {
	return s.n
}
