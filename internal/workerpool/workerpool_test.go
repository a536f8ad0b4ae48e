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

package workerpool

import (
	"sync"
	"testing"
	"time"

	"github.com/sabouaram/webengine/internal/config"
	"github.com/sabouaram/webengine/internal/httpconn"
	"github.com/sabouaram/webengine/internal/queue"
	"github.com/sabouaram/webengine/internal/userstore"
)

type fakeEpoller struct {
	mu      sync.Mutex
	reads   []int
	writes  []int
	dropped []int
}

func (f *fakeEpoller) RearmRead(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, fd)
	return nil
}

func (f *fakeEpoller) RearmWrite(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, fd)
	return nil
}

func (f *fakeEpoller) Drop(fd int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, fd)
}

func (f *fakeEpoller) snapshot() ([]int, []int, []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.reads...), append([]int(nil), f.writes...), append([]int(nil), f.dropped...)
}

func TestSubmitCompletionModeRunsProcessAndRearms(t *testing.T) {
	ep := &fakeEpoller{}
	p := New(2, 4, ep, nil)
	defer p.Stop()

	conn := httpconn.New(7, t.TempDir(), config.LevelTriggered, userstore.New(nil), nil)

	if !p.Submit(conn) {
		t.Fatal("expected Submit to accept work")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		reads, _, _ := ep.snapshot()
		if len(reads) == 1 && reads[0] == 7 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected fd 7 to be re-armed for read after an empty request buffer")
}

func TestSubmitWithStateReadFailureSignalsClose(t *testing.T) {
	ep := &fakeEpoller{}
	p := New(1, 4, ep, nil)
	defer p.Stop()

	// fd -1 always fails unix.Read, exercising the failure branch
	// without a real socket.
	conn := httpconn.New(-1, t.TempDir(), config.LevelTriggered, userstore.New(nil), nil)

	done, ok := p.SubmitWithState(conn, OpRead)
	if !ok {
		t.Fatal("expected SubmitWithState to accept work")
	}

	select {
	case shouldClose := <-done:
		if !shouldClose {
			t.Fatal("expected a failed read to request connection teardown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker")
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	ep := &fakeEpoller{}
	// Zero workers: nothing ever drains the queue, so the second push
	// past capacity must be rejected.
	p := &Pool{q: queue.New[*item](1), epoller: ep, stopCh: make(chan struct{})}
	conn := httpconn.New(1, t.TempDir(), config.LevelTriggered, userstore.New(nil), nil)

	if !p.Submit(conn) {
		t.Fatal("expected first submit to succeed")
	}
	if p.Submit(conn) {
		t.Fatal("expected second submit to be rejected at capacity 1")
	}
}
