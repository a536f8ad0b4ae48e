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

// Package errcode provides the small error-code registry used across the
// engine: a numeric classification similar to HTTP status codes, an
// optional parent error, and the call site that raised it.
package errcode

import (
	"fmt"
	"runtime"
)

// Code classifies a failure the way the HTTP status line classifies a
// response. Values below 600 follow the HTTP-outcome taxonomy of spec.md
// §7; values from 600 up are engine-internal failures.
type Code uint16

const (
	Unknown Code = 0

	// NoRequest means more bytes are needed before the request line,
	// headers, or body can be completed. Not itself an error.
	NoRequest Code = 100

	// GetRequest means parsing finished and the request is ready to
	// dispatch. Not itself an error.
	GetRequest Code = 101

	// FileRequest means a request resolved to a servable file.
	FileRequest Code = 200

	BadRequest        Code = 400
	Forbidden         Code = 403
	NotFound          Code = 404
	InternalError     Code = 500
	ClosedConnection  Code = 599
	SessionExhausted  Code = 600
	QueueFull         Code = 601
	BufferOverflow    Code = 602
	CredentialStoreIO Code = 603
)

var messages = map[Code]string{
	Unknown:           "unknown error",
	NoRequest:         "no request",
	GetRequest:        "get request",
	FileRequest:       "file request",
	BadRequest:        "bad request",
	Forbidden:         "forbidden",
	NotFound:          "not found",
	InternalError:     "internal error",
	ClosedConnection:  "closed connection",
	SessionExhausted:  "credential session pool exhausted",
	QueueFull:         "queue full",
	BufferOverflow:    "buffer overflow",
	CredentialStoreIO: "credential store I/O error",
}

func (c Code) String() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return fmt.Sprintf("error code %d", uint16(c))
}

// Error wraps a Code, an optional parent error, and the file:line of the
// call that raised it.
type Error struct {
	code   Code
	parent error
	file   string
	line   int
}

func (e *Error) Error() string {
	if e.parent != nil {
		return fmt.Sprintf("%s: %v (%s:%d)", e.code, e.parent, e.file, e.line)
	}
	return fmt.Sprintf("%s (%s:%d)", e.code, e.file, e.line)
}

// Unwrap allows errors.Is / errors.As to reach the parent.
func (e *Error) Unwrap() error {
	return e.parent
}

// Code returns the classification carried by the error.
func (e *Error) Code() Code {
	return e.code
}

// New builds an Error for code, optionally wrapping parent. The call site
// is captured via runtime.Caller so logs can point back at the origin
// without a full stack trace.
func New(code Code, parent error) *Error {
	_, file, line, _ := runtime.Caller(1)
	return &Error{code: code, parent: parent, file: file, line: line}
}

// Is reports whether err carries the given code, unwrapping through
// parent chains created outside this package too.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.code == code {
				return true
			}
			err = e.parent
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
