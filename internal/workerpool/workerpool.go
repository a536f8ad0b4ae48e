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

// Package workerpool is the fixed-size goroutine pool that drains the
// bounded work queue the reactor feeds. It supports the two dispatch
// entry points spec.md describes: Submit for completion-mode items
// (the reactor already did the I/O, the worker only runs Process), and
// SubmitWithState for readiness-mode items (the worker performs the
// read or write itself).
package workerpool

import (
	"sync"
	"time"

	"github.com/sabouaram/webengine/internal/httpconn"
	"github.com/sabouaram/webengine/internal/queue"
)

// Op distinguishes the two readiness-mode work item kinds.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

// Epoller is the slice of the reactor's epoll wrapper a worker needs:
// re-arming a connection's interest after finishing with it, or
// dropping it outright. epoll_ctl is safe to call from any goroutine
// concurrently with the reactor's epoll_wait, so workers call it
// directly instead of routing the decision back through the reactor.
type Epoller interface {
	RearmRead(fd int) error
	RearmWrite(fd int) error
	Drop(fd int)
}

type item struct {
	conn *httpconn.Conn
	op   Op
	done chan bool
}

// Pool is a fixed number of worker goroutines draining a single bounded
// FIFO of capacity R.
type Pool struct {
	q       *queue.Queue[*item]
	epoller Epoller
	log     func(format string, args ...interface{})

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New starts workers goroutines pulling from a queue of the given
// capacity.
func New(workers, capacity int, epoller Epoller, logf func(string, ...interface{})) *Pool {
	p := &Pool{
		q:       queue.New[*item](capacity),
		epoller: epoller,
		log:     logf,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	return p
}

// Stop signals every worker to exit and waits for them to drain.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Submit is the completion-mode entry point: the reactor already
// performed the read (or write), so the worker only needs to run
// Process. Non-blocking; returns false if the queue is at capacity.
func (p *Pool) Submit(conn *httpconn.Conn) bool {
	return p.q.Push(&item{conn: conn})
}

// SubmitWithState is the readiness-mode entry point: the worker performs
// the read or write itself. The returned channel delivers exactly one
// value once the worker is done: true means the reactor must tear the
// connection down (mirroring the original's timer_flag=1), false means
// the connection stays open — its idle timer should already have been
// optimistically extended by the caller before submitting, the way the
// original adjusts the timer before handing work to the pool rather
// than after it comes back.
func (p *Pool) SubmitWithState(conn *httpconn.Conn, op Op) (<-chan bool, bool) {
	done := make(chan bool, 1)
	if !p.q.Push(&item{conn: conn, op: op, done: done}) {
		return nil, false
	}
	return done, true
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		it, ok := p.q.PopWithTimeout(500 * time.Millisecond)
		if !ok {
			continue
		}
		p.handle(it)
	}
}

func (p *Pool) handle(it *item) {
	if it.done == nil {
		p.runProcess(it.conn)
		return
	}

	switch it.op {
	case OpRead:
		if !it.conn.ReadOnce() {
			p.epoller.Drop(it.conn.FD)
			it.done <- true
			return
		}
		it.done <- p.runProcess(it.conn)
	case OpWrite:
		switch it.conn.Write() {
		case httpconn.WriteAgain:
			p.rearmWrite(it.conn)
			it.done <- false
		case httpconn.WriteDoneKeepAlive:
			p.rearmRead(it.conn)
			it.done <- false
		case httpconn.WriteDoneClose, httpconn.WriteError:
			p.epoller.Drop(it.conn.FD)
			it.done <- true
		}
	}
}

// runProcess drives Conn.Process and re-arms (or drops) the
// connection's epoll registration accordingly. It returns true when the
// connection was dropped, so readiness-mode callers can fold it into
// their done signal.
func (p *Pool) runProcess(conn *httpconn.Conn) bool {
	switch conn.Process() {
	case httpconn.ProcessNeedMoreData:
		p.rearmRead(conn)
		return false
	case httpconn.ProcessResponseReady:
		p.rearmWrite(conn)
		return false
	default:
		p.epoller.Drop(conn.FD)
		return true
	}
}

func (p *Pool) rearmRead(conn *httpconn.Conn) {
	if err := p.epoller.RearmRead(conn.FD); err != nil {
		p.logf("rearm read fd=%d: %v", conn.FD, err)
	}
}

func (p *Pool) rearmWrite(conn *httpconn.Conn) {
	if err := p.epoller.RearmWrite(conn.FD); err != nil {
		p.logf("rearm write fd=%d: %v", conn.FD, err)
	}
}

func (p *Pool) logf(format string, args ...interface{}) {
	if p.log != nil {
		p.log(format, args...)
	}
}
