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

package syncx

import (
	"testing"
	"time"
)

func TestCondWaitUnblocksOnSignal(t *testing.T) {
	cd := NewCond()
	done := make(chan struct{})

	go func() {
		cd.L.Lock()
		cd.Wait()
		cd.L.Unlock()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)

	cd.L.Lock()
	cd.Signal()
	cd.L.Unlock()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not unblock after Signal")
	}
}

func TestCondBroadcastWakesEveryWaiter(t *testing.T) {
	cd := NewCond()
	const n = 5
	woke := make(chan int, n)

	for i := 0; i < n; i++ {
		go func(id int) {
			cd.L.Lock()
			cd.Wait()
			cd.L.Unlock()
			woke <- id
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	cd.L.Lock()
	cd.Broadcast()
	cd.L.Unlock()

	for i := 0; i < n; i++ {
		select {
		case <-woke:
		case <-time.After(time.Second):
			t.Fatalf("only %d/%d waiters woke", i, n)
		}
	}
}

func TestCondWaitTimeoutExpires(t *testing.T) {
	cd := NewCond()

	cd.L.Lock()
	start := time.Now()
	woke := cd.WaitTimeout(30 * time.Millisecond)
	cd.L.Unlock()
	elapsed := time.Since(start)

	if woke {
		t.Fatal("expected WaitTimeout to report no wake")
	}
	if elapsed < 30*time.Millisecond {
		t.Fatalf("returned too early: %v", elapsed)
	}
}

func TestCondWaitTimeoutSucceedsBeforeDeadline(t *testing.T) {
	cd := NewCond()
	go func() {
		time.Sleep(10 * time.Millisecond)
		cd.L.Lock()
		cd.Signal()
		cd.L.Unlock()
	}()

	cd.L.Lock()
	woke := cd.WaitTimeout(time.Second)
	cd.L.Unlock()

	if !woke {
		t.Fatal("expected WaitTimeout to report a wake")
	}
}
