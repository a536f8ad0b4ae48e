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

// Package engine wires the credential-session pool, the user table, the
// worker pool and the reactor into the single long-running process
// cmd/webengine starts.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sabouaram/webengine/internal/applog"
	"github.com/sabouaram/webengine/internal/config"
	"github.com/sabouaram/webengine/internal/credpool"
	"github.com/sabouaram/webengine/internal/logsink"
	"github.com/sabouaram/webengine/internal/reactor"
	"github.com/sabouaram/webengine/internal/userstore"
	"github.com/sabouaram/webengine/internal/workerpool"
)

const (
	accessLogBase  = "ServerLog"
	accessLogLines = 800000
	accessLogQueue = 800
)

// Engine owns every long-lived resource the server needs and exposes the
// single Run entry point cmd/webengine calls.
type Engine struct {
	cfg     config.Config
	access  *logsink.Sink
	sessions *credpool.Pool
	users   *userstore.Store
	pool    *workerpool.Pool
	react   *reactor.Reactor
}

// New builds every component described in spec.md §6: it opens the
// credential-session pool, preloads the user table, starts the access
// log sink, and constructs the worker pool and reactor wired to each
// other. It returns an error, without starting the event loop, if the
// credential store cannot be reached at all (spec.md: "exit 1 if every
// session fails to open").
func New(cfg config.Config) (*Engine, error) {
	var access *logsink.Sink
	if cfg.LogEnabled {
		mode := logsink.Sync
		if cfg.LogMode == config.LogAsync {
			mode = logsink.Async
		}
		a, err := logsink.New(accessLogBase, mode, accessLogLines, accessLogQueue)
		if err != nil {
			return nil, fmt.Errorf("open access log: %w", err)
		}
		access = a
	}

	sessions, err := credpool.Open(cfg.Store.DSN(), cfg.SessionPoolSize, func(err error) {
		applog.Warnf("credential session failed to open: %v", err)
	})
	if err != nil {
		return nil, fmt.Errorf("open credential pool: %w", err)
	}
	applog.Infof("credential pool ready with %d/%d sessions", sessions.Size(), cfg.SessionPoolSize)

	users := userstore.New(sessions)
	if err := users.Load(context.Background()); err != nil {
		applog.Warnf("initial user table load failed: %v", err)
	}

	docRoot, err := documentRoot()
	if err != nil {
		sessions.DestroyAll()
		return nil, err
	}

	var connLog func(format string, args ...interface{})
	if access != nil {
		connLog = func(format string, args ...interface{}) {
			access.Log(logsink.Debug, format, args...)
		}
	}

	react, err := reactor.New(cfg, docRoot, users, connLog)
	if err != nil {
		sessions.DestroyAll()
		return nil, fmt.Errorf("start reactor: %w", err)
	}

	pool := workerpool.New(cfg.WorkerCount, cfg.SessionPoolSize*4, react, applog.Debugf)
	react.SetPool(pool)

	return &Engine{
		cfg:      cfg,
		access:   access,
		sessions: sessions,
		users:    users,
		pool:     pool,
		react:    react,
	}, nil
}

// documentRoot resolves <working-directory>/root, the fixed layout the
// original program's main() assembles from getcwd() + "/root".
func documentRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getwd: %w", err)
	}
	return filepath.Join(wd, "root"), nil
}

// Run blocks serving connections until a termination signal is observed
// or the event loop reports a fatal error, then releases every resource
// in reverse acquisition order.
func (e *Engine) Run() error {
	applog.Infof("listening on port %d (dispatch=%v trigger=%v workers=%d sessions=%d)",
		e.cfg.Port, e.cfg.Dispatch, e.cfg.Trigger, e.cfg.WorkerCount, e.sessions.Size())

	err := e.react.Run()

	applog.Infof("shutting down")
	e.pool.Stop()
	e.react.Close()
	e.sessions.DestroyAll()
	if e.access != nil {
		e.access.Log(logsink.Info, "server stopped")
		e.access.Close()
	}

	return err
}
