/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
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

// Package applog is the operational logger: startup/shutdown, pool
// exhaustion, config dump. It is deliberately separate from
// internal/logsink, which owns the high-volume per-request access log
// with its own rotation discipline.
package applog

import (
	"os"

	"github.com/sirupsen/logrus"
)

var root = logrus.New()

func init() {
	root.SetOutput(os.Stderr)
	root.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	root.SetLevel(logrus.InfoLevel)
}

// SetVerbose raises the operational logger to Debug level.
func SetVerbose(v bool) {
	if v {
		root.SetLevel(logrus.DebugLevel)
	} else {
		root.SetLevel(logrus.InfoLevel)
	}
}

// Fields is a structured field set attached to a log line.
type Fields = logrus.Fields

func Debugf(format string, args ...interface{}) { root.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { root.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { root.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { root.Errorf(format, args...) }

// WithFields returns an entry carrying structured context, e.g.
//
//	applog.WithFields(applog.Fields{"fd": fd}).Info("accepted connection")
func WithFields(f Fields) *logrus.Entry {
	return root.WithFields(f)
}
