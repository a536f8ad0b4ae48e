/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
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

// Package credpool is a fixed-size pool of pre-opened credential-store
// sessions (*gorm.DB, one per slot) with scoped acquisition, the Go
// equivalent of the original connection_pool / connectionRAII pair.
package credpool

import (
	"context"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/sabouaram/webengine/internal/errcode"
	"github.com/sabouaram/webengine/internal/semaphore"
	"github.com/sabouaram/webengine/internal/syncx"
)

// Pool is a fixed-capacity FIFO of idle sessions guarded by a mutex and
// matched by a counting semaphore.
type Pool struct {
	mu   syncx.Mutex
	idle []*gorm.DB
	sem  *semaphore.Sem
	size int
}

// Open dials n sessions against dsn. Each per-session failure is passed
// to onSessionError (if non-nil) for the caller to log, and does not
// abort unless every session fails to open, which is the one fatal
// condition.
func Open(dsn string, n int, onSessionError func(error)) (*Pool, error) {
	p := &Pool{}

	var opened int
	for i := 0; i < n; i++ {
		db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
		if err != nil {
			if onSessionError != nil {
				onSessionError(err)
			}
			continue
		}
		p.idle = append(p.idle, db)
		opened++
	}

	if opened == 0 {
		return nil, errcode.New(errcode.CredentialStoreIO, nil)
	}

	p.sem = semaphore.New(int64(opened))
	p.size = opened
	return p, nil
}

// Size returns the number of sessions the pool was successfully opened
// with.
func (p *Pool) Size() int {
	return p.size
}

// acquire waits for a permit then pops the head of the idle list. It
// never returns nil once the pool has been successfully initialised,
// since permits never exceed idle entries.
func (p *Pool) acquire(ctx context.Context) (*gorm.DB, error) {
	if p.size == 0 {
		return nil, errcode.New(errcode.SessionExhausted, nil)
	}
	if err := p.sem.Acquire(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	db := p.idle[0]
	p.idle = p.idle[1:]
	return db, nil
}

func (p *Pool) release(db *gorm.DB) {
	p.mu.Lock()
	p.idle = append(p.idle, db)
	p.mu.Unlock()
	p.sem.Release()
}

// Guard is the scoped-acquisition handle: acquired on construction,
// released exactly once via Close (call it with defer at every call
// site, matching connectionRAII's destructor-driven release).
type Guard struct {
	pool *Pool
	db   *gorm.DB
	done bool
}

// Acquire blocks until a session is available (or ctx is done) and
// returns a Guard owning it.
func (p *Pool) Acquire(ctx context.Context) (*Guard, error) {
	db, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &Guard{pool: p, db: db}, nil
}

// DB returns the borrowed session.
func (g *Guard) DB() *gorm.DB {
	return g.db
}

// Close releases the session back to the pool. Safe to call more than
// once; only the first call has an effect, so deferring it at every
// function-exit path is always correct.
func (g *Guard) Close() {
	if g.done {
		return
	}
	g.done = true
	g.pool.release(g.db)
}

// DestroyAll closes every session and empties the idle list. Not safe to
// call concurrently with in-flight Acquire/Close.
func (p *Pool) DestroyAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, db := range p.idle {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	p.idle = nil
	p.size = 0
}
