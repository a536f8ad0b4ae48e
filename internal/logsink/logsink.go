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

// Package logsink implements the high-volume per-request log line writer:
// four severities, microsecond timestamps, and day/line-count file
// rotation. It can write synchronously under a mutex or hand lines to a
// single background drain goroutine fed by a bounded queue.
package logsink

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sabouaram/webengine/internal/queue"
	"github.com/sabouaram/webengine/internal/syncx"
)

// Severity is one of the four recognised log levels.
type Severity int

const (
	Debug Severity = iota
	Info
	Warn
	Erro
)

func (s Severity) token() string {
	switch s {
	case Debug:
		return "[debug]:"
	case Info:
		return "[info]:"
	case Warn:
		return "[warn]:"
	case Erro:
		return "[erro]:"
	default:
		return "[info]:"
	}
}

// Mode selects whether writes happen inline or are queued for a
// background drain goroutine.
type Mode int

const (
	Sync Mode = iota
	Async
)

// dropNoticeEvery controls how often a dropped-line count is reported to
// stderr while the async queue is saturated.
const dropNoticeEvery = 100

// Sink is the rotating log writer. The zero value is not usable;
// construct with New.
type Sink struct {
	mode       Mode
	dir        string
	base       string
	splitLines int64

	mu       syncx.Mutex
	fp       *os.File
	today    int
	count    int64
	closed   bool
	stopping bool

	q        *queue.Queue[string]
	wg       sync.WaitGroup
	dropped  int64
	dropMu   syncx.Mutex
}

// New opens path (directory + base filename) for append, rotating
// immediately into today's date-stamped file, and returns a Sink in the
// given mode. queueSize is only consulted in Async mode.
func New(path string, mode Mode, splitLines int64, queueSize int) (*Sink, error) {
	dir, base := filepath.Split(path)
	s := &Sink{
		mode:       mode,
		dir:        dir,
		base:       base,
		splitLines: splitLines,
	}

	now := time.Now()
	if err := s.openForDay(now); err != nil {
		return nil, err
	}
	s.today = now.Day()

	if mode == Async {
		if queueSize <= 0 {
			queueSize = 1
		}
		s.q = queue.New[string](queueSize)
		s.wg.Add(1)
		go s.drain()
	}

	return s, nil
}

func (s *Sink) dayFileName(t time.Time) string {
	return fmt.Sprintf("%04d_%02d_%02d_%s", t.Year(), int(t.Month()), t.Day(), s.base)
}

func (s *Sink) openForDay(t time.Time) error {
	name := filepath.Join(s.dir, s.dayFileName(t))
	fp, err := os.OpenFile(name, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	s.fp = fp
	return nil
}

// Log formats message with args and appends it at severity sev, rotating
// the file first if today changed or the configured line-count boundary
// was crossed.
func (s *Sink) Log(sev Severity, message string, args ...interface{}) {
	line := s.format(sev, message, args...)

	if s.mode == Sync {
		s.writeLine(line)
		return
	}

	if !s.q.Push(line) {
		s.dropMu.Lock()
		s.dropped++
		n := s.dropped
		s.dropMu.Unlock()
		if n%dropNoticeEvery == 0 {
			fmt.Fprintf(os.Stderr, "logsink: dropped %d lines (queue full)\n", n)
		}
	}
}

func (s *Sink) format(sev Severity, message string, args ...interface{}) string {
	now := time.Now()
	ts := now.Format("2006-01-02 15:04:05") + fmt.Sprintf(".%06d", now.Nanosecond()/1000)
	return fmt.Sprintf("%s %s %s\n", ts, sev.token(), fmt.Sprintf(message, args...))
}

func (s *Sink) drain() {
	defer s.wg.Done()
	for {
		line, ok := s.q.PopWithTimeout(500 * time.Millisecond)
		if !ok {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping && s.q.Empty() {
				return
			}
			continue
		}
		s.writeLine(line)
	}
}

func (s *Sink) writeLine(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	now := time.Now()
	s.count++
	if s.today != now.Day() || (s.splitLines > 0 && s.count%s.splitLines == 0) {
		s.rotateLocked(now)
	}

	if s.fp != nil {
		_, _ = s.fp.WriteString(line)
	}
}

func (s *Sink) rotateLocked(now time.Time) {
	if s.fp != nil {
		_ = s.fp.Sync()
		_ = s.fp.Close()
	}

	var name string
	if s.today != now.Day() {
		name = s.dayFileName(now)
		s.today = now.Day()
		s.count = 0
	} else {
		name = fmt.Sprintf("%s.%d", s.dayFileName(now), s.count/s.splitLines)
	}

	fp, err := os.OpenFile(filepath.Join(s.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		s.fp = nil
		return
	}
	s.fp = fp
}

// Flush forces any buffered OS-level data to disk.
func (s *Sink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fp != nil {
		_ = s.fp.Sync()
	}
}

// Close stops the drain goroutine (if any) and closes the file. In Async
// mode the drain goroutine first writes every line still in the queue,
// then exits; only after that is the sink marked closed, so later writes
// are discarded.
func (s *Sink) Close() error {
	if s.mode == Async {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()
		s.wg.Wait()
	}

	s.mu.Lock()
	s.closed = true
	fp := s.fp
	s.mu.Unlock()

	if fp != nil {
		return fp.Close()
	}
	return nil
}
