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

// Package reactor is the epoll-based event multiplexer: it owns the
// listening socket, the per-connection arena, the idle-expiry timer
// wheel, and the signal-funnelling self-pipe, and drives the worker
// pool in either completion or readiness dispatch mode.
package reactor

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/webengine/internal/applog"
	"github.com/sabouaram/webengine/internal/config"
	"github.com/sabouaram/webengine/internal/httpconn"
	"github.com/sabouaram/webengine/internal/syncx"
	"github.com/sabouaram/webengine/internal/timer"
	"github.com/sabouaram/webengine/internal/userstore"
	"github.com/sabouaram/webengine/internal/workerpool"
)

const (
	// MaxFD bounds the fd-indexed connection arena and the number of
	// concurrently accepted connections.
	MaxFD = 65536

	maxEvents = 10000

	// TimeSlot is the tick granularity the idle timer wheel is built
	// around. A connection's deadline is always TimeSlot*3 out from its
	// last activity.
	TimeSlot = 5 * time.Second
)

// Pool is the slice of workerpool.Pool the reactor drives.
type Pool interface {
	Submit(conn *httpconn.Conn) bool
	SubmitWithState(conn *httpconn.Conn, op workerpool.Op) (<-chan bool, bool)
}

// Reactor owns the listen socket, the epoll instance, the self-pipe used
// to funnel os/signal deliveries onto the event loop, and the fd-indexed
// connection and timer arenas. Only the goroutine running Run may touch
// the timer list or read the conns/timerNodes arenas without the arena
// lock; workers reach the arena only through Drop.
type Reactor struct {
	epfd     int
	listenFD int
	pipeR    int
	pipeW    int

	listenTrig config.TriggerMode
	connTrig   config.TriggerMode
	linger     bool
	dispatch   config.DispatchMode
	docRoot    string

	users *userstore.Store
	pool  Pool

	timers *timer.List

	arenaMu    syncx.Mutex
	conns      []*httpconn.Conn
	timerNodes []*timer.Node
	userCount  int

	sigCh chan os.Signal

	// connLog is the per-connection access/debug log, fed by the
	// configured logsink.Sink (nil when -c disables logging). It is
	// handed to every httpconn.Conn as its request-line logger and used
	// here for connection-lifecycle lines, keeping that traffic off the
	// operational logrus output entirely.
	connLog func(format string, args ...interface{})
}

// New creates the listen socket, the epoll instance and the signal
// self-pipe, and registers both fds for readability. It does not block;
// call Run to enter the event loop. connLog receives every per-connection
// access/debug line (request lines, accept/timeout/close events); pass
// nil to discard them.
func New(cfg config.Config, docRoot string, users *userstore.Store, connLog func(format string, args ...interface{})) (*Reactor, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	listenFD, err := newListenSocket(cfg.Port, cfg.Linger)
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}

	pipeFDs := make([]int, 2)
	if err := unix.Pipe2(pipeFDs, unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		unix.Close(listenFD)
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	r := &Reactor{
		epfd:       epfd,
		listenFD:   listenFD,
		pipeR:      pipeFDs[0],
		pipeW:      pipeFDs[1],
		listenTrig: cfg.Trigger.Listen(),
		connTrig:   cfg.Trigger.Conn(),
		linger:     cfg.Linger,
		dispatch:   cfg.Dispatch,
		docRoot:    docRoot,
		users:      users,
		timers:     timer.New(),
		conns:      make([]*httpconn.Conn, MaxFD),
		timerNodes: make([]*timer.Node, MaxFD),
		sigCh:      make(chan os.Signal, 16),
		connLog:    connLog,
	}

	if err := r.epollAdd(listenFD, epollInterest(r.listenTrig, false, false)); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.epollAdd(r.pipeR, epollInterest(config.LevelTriggered, false, false)); err != nil {
		r.Close()
		return nil, err
	}

	signal.Notify(r.sigCh, syscall.SIGTERM, syscall.SIGINT)
	go r.pumpSignals()

	return r, nil
}

// SetPool wires the worker pool once it has been constructed with this
// Reactor as its Epoller; the two are built in two steps to break the
// constructor cycle.
func (r *Reactor) SetPool(p Pool) {
	r.pool = p
}

func newListenSocket(port int, linger bool) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}

	lingerOnoff := int32(0)
	if linger {
		lingerOnoff = 1
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: lingerOnoff, Linger: 1}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_LINGER: %w", err)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}
	return fd, nil
}

// pumpSignals bridges os/signal deliveries onto the self-pipe the event
// loop already watches, mirroring the original's sig_handler writing a
// single byte per signal into its pipe's write end.
func (r *Reactor) pumpSignals() {
	for sig := range r.sigCh {
		b := byte('T')
		if sig == syscall.SIGINT {
			b = 'I'
		}
		unix.Write(r.pipeW, []byte{b})
	}
}

func epollInterest(trig config.TriggerMode, forWrite, oneShot bool) uint32 {
	var ev uint32
	if forWrite {
		ev = unix.EPOLLOUT
	} else {
		ev = unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if trig == config.EdgeTriggered {
		ev |= unix.EPOLLET
	}
	if oneShot {
		ev |= unix.EPOLLONESHOT
	}
	return ev
}

func (r *Reactor) epollAdd(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (r *Reactor) epollMod(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// RearmRead and RearmWrite implement workerpool.Epoller. epoll_ctl is
// safe to call concurrently with epoll_wait on the same instance, so
// workers call these directly instead of routing the decision back
// through the event loop goroutine.
func (r *Reactor) RearmRead(fd int) error {
	return r.epollMod(fd, epollInterest(r.connTrig, false, true))
}

func (r *Reactor) RearmWrite(fd int) error {
	return r.epollMod(fd, epollInterest(r.connTrig, true, true))
}

// Drop implements workerpool.Epoller. It is the only arena mutation a
// worker goroutine is allowed to perform: it deregisters and closes the
// fd and clears the connection slot, but leaves the timer list alone,
// since that list is single-threaded by contract. A timer node left
// dangling after Drop is reclaimed by the event loop once it observes
// done==true from the same worker round-trip; otherwise it fires later
// against the already-nil slot and onTimeout ignores it, or acceptConn
// removes it when the fd is reused.
func (r *Reactor) Drop(fd int) {
	r.dropConn(fd)
}

func (r *Reactor) dropConn(fd int) {
	unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	unix.Close(fd)

	r.arenaMu.Lock()
	conn := r.conns[fd]
	if conn != nil {
		conn.Unmap()
		r.conns[fd] = nil
		r.userCount--
	}
	r.arenaMu.Unlock()

	if conn != nil {
		r.logConn("close fd=%d", fd)
	}
}

// finishClose removes fd's timer node. Only the event loop goroutine may
// call this.
func (r *Reactor) finishClose(fd int) {
	r.arenaMu.Lock()
	n := r.timerNodes[fd]
	r.timerNodes[fd] = nil
	r.arenaMu.Unlock()

	if n != nil {
		r.timers.Remove(n)
	}
}

// closeFD is the direct, event-loop-thread teardown path: it both drops
// the fd and removes its timer node in one step. Used for RDHUP/HUP/ERR
// events, completion-mode I/O failures, and timer expiry, all of which
// run on the event loop goroutine already.
func (r *Reactor) closeFD(fd int) {
	r.dropConn(fd)
	r.finishClose(fd)
}

func (r *Reactor) getConn(fd int) *httpconn.Conn {
	r.arenaMu.Lock()
	defer r.arenaMu.Unlock()
	return r.conns[fd]
}

// Close releases every fd this Reactor owns. Not safe to call while Run
// is executing.
func (r *Reactor) Close() {
	signal.Stop(r.sigCh)
	close(r.sigCh)
	unix.Close(r.listenFD)
	unix.Close(r.pipeR)
	unix.Close(r.pipeW)
	unix.Close(r.epfd)
}

// Run drives the event loop until a termination signal is observed or
// epoll_wait reports an unrecoverable error.
func (r *Reactor) Run() error {
	events := make([]unix.EpollEvent, maxEvents)
	ticker := time.NewTicker(TimeSlot)
	defer ticker.Stop()

	for {
		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			switch {
			case fd == r.listenFD:
				r.acceptLoop()
			case fd == r.pipeR:
				if stop := r.drainSignals(); stop {
					return nil
				}
			case events[i].Events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
				r.closeFD(fd)
			case events[i].Events&unix.EPOLLIN != 0:
				r.handleReadable(fd)
			case events[i].Events&unix.EPOLLOUT != 0:
				r.handleWritable(fd)
			}
		}

		select {
		case <-ticker.C:
			r.timers.Tick(time.Now())
		default:
		}
	}
}

func (r *Reactor) acceptLoop() {
	for {
		connfd, _, err := unix.Accept4(r.listenFD, unix.SOCK_NONBLOCK)
		if err != nil {
			if err != unix.EAGAIN {
				applog.Warnf("accept: %v", err)
			}
			return
		}

		r.arenaMu.Lock()
		busy := r.userCount >= MaxFD
		r.arenaMu.Unlock()

		if busy || connfd >= MaxFD {
			applog.Warnf("internal server busy, rejecting fd %d", connfd)
			unix.Close(connfd)
			if r.listenTrig == config.LevelTriggered {
				return
			}
			continue
		}

		r.acceptConn(connfd)

		if r.listenTrig == config.LevelTriggered {
			return
		}
	}
}

// logConn writes a per-connection access/debug line through connLog, the
// way httpconn.Conn logs its parsed request lines, rather than through the
// operational logrus output.
func (r *Reactor) logConn(format string, args ...interface{}) {
	if r.connLog != nil {
		r.connLog(format, args...)
	}
}

func (r *Reactor) acceptConn(fd int) {
	conn := httpconn.New(fd, r.docRoot, r.connTrig, r.users, r.connLog)
	r.logConn("accept fd=%d", fd)

	node := &timer.Node{FD: fd, Expire: time.Now().Add(3 * TimeSlot), Cb: r.onTimeout}

	r.arenaMu.Lock()
	stale := r.timerNodes[fd]
	r.conns[fd] = conn
	r.timerNodes[fd] = node
	r.userCount++
	r.arenaMu.Unlock()

	if stale != nil {
		r.timers.Remove(stale)
	}
	r.timers.Add(node)

	if err := r.epollAdd(fd, epollInterest(r.connTrig, false, true)); err != nil {
		applog.Warnf("epoll_ctl add fd=%d: %v", fd, err)
		r.closeFD(fd)
	}
}

// onTimeout is the timer list's expiry callback, invoked by Tick on the
// event loop goroutine. It is a no-op if the connection was already torn
// down by a worker between the timer firing and being reached here.
func (r *Reactor) onTimeout(fd int) {
	if r.getConn(fd) == nil {
		return
	}
	r.logConn("idle timeout fd=%d", fd)
	r.dropConn(fd)
}

func (r *Reactor) drainSignals() (stop bool) {
	buf := make([]byte, 1024)
	n, err := unix.Read(r.pipeR, buf)
	if err != nil || n <= 0 {
		return false
	}
	for _, b := range buf[:n] {
		if b == 'T' || b == 'I' {
			return true
		}
	}
	return false
}

// adjustTimer pushes a connection's deadline out by 3*TimeSlot, mirroring
// the original's fixed re-arm window.
func (r *Reactor) adjustTimer(fd int) {
	r.arenaMu.Lock()
	n := r.timerNodes[fd]
	r.arenaMu.Unlock()
	if n == nil {
		return
	}
	n.Expire = time.Now().Add(3 * TimeSlot)
	r.timers.Adjust(n)
}

func (r *Reactor) handleReadable(fd int) {
	conn := r.getConn(fd)
	if conn == nil {
		return
	}

	if r.dispatch == config.DispatchReadiness {
		r.adjustTimer(fd)
		done, ok := r.pool.SubmitWithState(conn, workerpool.OpRead)
		if !ok {
			applog.Warnf("work queue full, re-arming fd=%d for retry", fd)
			r.RearmRead(fd)
			return
		}
		if shouldClose := <-done; shouldClose {
			r.finishClose(fd)
		}
		return
	}

	if !conn.ReadOnce() {
		r.closeFD(fd)
		return
	}
	r.adjustTimer(fd)
	if !r.pool.Submit(conn) {
		applog.Warnf("work queue full, dropping fd=%d", fd)
		r.closeFD(fd)
	}
}

func (r *Reactor) handleWritable(fd int) {
	conn := r.getConn(fd)
	if conn == nil {
		return
	}

	if r.dispatch == config.DispatchReadiness {
		r.adjustTimer(fd)
		done, ok := r.pool.SubmitWithState(conn, workerpool.OpWrite)
		if !ok {
			applog.Warnf("work queue full, re-arming fd=%d for retry", fd)
			r.RearmWrite(fd)
			return
		}
		if shouldClose := <-done; shouldClose {
			r.finishClose(fd)
		}
		return
	}

	switch conn.Write() {
	case httpconn.WriteAgain:
		r.adjustTimer(fd)
		r.RearmWrite(fd)
	case httpconn.WriteDoneKeepAlive:
		r.adjustTimer(fd)
		r.RearmRead(fd)
	case httpconn.WriteDoneClose, httpconn.WriteError:
		r.closeFD(fd)
	}
}
