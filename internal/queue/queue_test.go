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

package queue

import (
	"sync"
	"testing"
	"time"
)

func TestPushPopFIFO(t *testing.T) {
	q := New[int](3)

	if !q.Push(1) || !q.Push(2) || !q.Push(3) {
		t.Fatal("expected push to succeed under capacity")
	}
	if q.Push(4) {
		t.Fatal("expected push to fail when full")
	}
	if !q.Full() {
		t.Fatal("expected queue to report full")
	}

	for _, want := range []int{1, 2, 3} {
		if got := q.Pop(); got != want {
			t.Fatalf("got %d, want %d", got, want)
		}
	}
	if !q.Empty() {
		t.Fatal("expected queue to report empty")
	}
}

func TestPopBlocksUntilPush(t *testing.T) {
	q := New[string](2)
	done := make(chan string, 1)

	go func() {
		done <- q.Pop()
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push("hello")

	select {
	case got := <-done:
		if got != "hello" {
			t.Fatalf("got %q, want %q", got, "hello")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock after Push")
	}
}

func TestPopWithTimeoutExpires(t *testing.T) {
	q := New[int](1)

	start := time.Now()
	_, ok := q.PopWithTimeout(30 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("expected timeout on empty queue")
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestPopWithTimeoutSucceeds(t *testing.T) {
	q := New[int](1)
	q.Push(42)

	got, ok := q.PopWithTimeout(time.Second)
	if !ok || got != 42 {
		t.Fatalf("got (%d, %v), want (42, true)", got, ok)
	}
}

func TestSizeInvariantUnderConcurrency(t *testing.T) {
	q := New[int](100)
	var wg sync.WaitGroup

	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			q.Push(v)
		}(i)
	}
	wg.Wait()

	if q.Size() > q.MaxSize() {
		t.Fatalf("size %d exceeded capacity %d", q.Size(), q.MaxSize())
	}
}

func TestClear(t *testing.T) {
	q := New[int](4)
	q.Push(1)
	q.Push(2)
	q.Clear()

	if !q.Empty() {
		t.Fatal("expected empty after Clear")
	}
	if !q.Push(9) {
		t.Fatal("expected push to succeed after Clear")
	}
}
