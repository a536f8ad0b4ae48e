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

// Package httpconn is the per-connection HTTP/1.1 request state machine:
// incremental request-line/header/body parsing over a fixed read buffer,
// CGI-tagged routing for login and registration, static file responses
// served via a read-only mmap, and the gather-write response path.
package httpconn

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/webengine/internal/config"
	"github.com/sabouaram/webengine/internal/errcode"
	"github.com/sabouaram/webengine/internal/userstore"
)

const (
	readBufferSize  = 2048
	writeBufferSize = 1024
	filenameLen     = 200
)

// Method is the parsed request method.
type Method int

const (
	MethodGet Method = iota
	MethodPost
)

// checkState is the request-line/headers/body parse cursor.
type checkState int

const (
	stateRequestLine checkState = iota
	stateHeaders
	stateBody
)

type lineStatus int

const (
	lineOK lineStatus = iota
	lineBad
	lineOpen
)

// ProcessOutcome tells the caller (worker pool) what to do with the
// connection's epoll registration after Process returns.
type ProcessOutcome int

const (
	// ProcessNeedMoreData means re-arm for readability; no response was
	// built.
	ProcessNeedMoreData ProcessOutcome = iota
	// ProcessResponseReady means a response is queued; re-arm for
	// writability.
	ProcessResponseReady
	// ProcessFailed means the connection could not produce a response
	// (buffer overflow while composing headers) and should be closed.
	ProcessFailed
)

// WriteOutcome is the result of a single Write call.
type WriteOutcome int

const (
	// WriteAgain means the kernel send buffer is full; re-arm for
	// writability and wait for the next event.
	WriteAgain WriteOutcome = iota
	// WriteDoneKeepAlive means the response fully drained and the
	// connection has been reset for another request; re-arm for
	// readability.
	WriteDoneKeepAlive
	// WriteDoneClose means the response fully drained but Connection
	// was not keep-alive; close the connection.
	WriteDoneClose
	// WriteError means the socket failed outright; unmap and close.
	WriteError
)

// Fixed response bodies, reproduced verbatim from the program this engine
// replaces (including its wording).
const (
	bodyInternalError = "There was an unusual problem serving the request file.\n"
	bodyBadRequest    = "Your request has bad syntax or is inherently impossible to staisfy.\n"
	bodyForbidden     = "You do not have permission to get file form this server.\n"
	bodyNotFound      = "The requested file was not found on this server.\n"
	bodyEmptyFile     = "<html><body></body></html>"
)

// Conn holds one client connection's parse state, write state, and the
// resources (mmap'd file, CGI routing outcome) needed to answer it. A
// Conn is owned by exactly one goroutine at a time: the reactor hands it
// to a worker for the duration of a read or write, never concurrently.
type Conn struct {
	FD      int
	DocRoot string
	Trigger config.TriggerMode

	users *userstore.Store
	logf  func(format string, args ...interface{})

	readBuf    [readBufferSize]byte
	readIdx    int
	checkedIdx int
	startLine  int

	writeBuf [writeBufferSize]byte
	writeIdx int

	checkState    checkState
	method        Method
	url           string
	version       string
	host          string
	contentLength int
	cgi           bool
	keepAlive     bool
	body          string

	realFile string
	fileData []byte
	fileSize int64

	headerBuf []byte
	headerLen int
	iov       [][]byte
	toSend    int
	sent      int
}

// New wires a freshly accepted socket to its document root and user
// table. The connection starts in the RequestLine state.
func New(fd int, docRoot string, trigger config.TriggerMode, users *userstore.Store, logf func(string, ...interface{})) *Conn {
	c := &Conn{
		FD:      fd,
		DocRoot: docRoot,
		Trigger: trigger,
		users:   users,
		logf:    logf,
	}
	c.Reset()
	return c
}

// Reset returns the connection to its just-accepted state so the socket
// can be reused for a keep-alive request.
func (c *Conn) Reset() {
	c.readIdx = 0
	c.checkedIdx = 0
	c.startLine = 0
	c.writeIdx = 0
	c.checkState = stateRequestLine
	c.method = MethodGet
	c.url = ""
	c.version = ""
	c.host = ""
	c.contentLength = 0
	c.cgi = false
	c.keepAlive = false
	c.body = ""
	c.realFile = ""
	c.Unmap()
	c.fileSize = 0
	c.headerBuf = nil
	c.headerLen = 0
	c.iov = nil
	c.toSend = 0
	c.sent = 0
}

func (c *Conn) log(format string, args ...interface{}) {
	if c.logf != nil {
		c.logf(format, args...)
	}
}

// ReadOnce drains the socket into the read buffer. Level-triggered mode
// makes one recv and fails on a short read; edge-triggered mode drains
// until EAGAIN, treating a zero-byte read as peer close.
func (c *Conn) ReadOnce() bool {
	if c.readIdx >= len(c.readBuf) {
		return false
	}

	if c.Trigger == config.LevelTriggered {
		n, err := unix.Read(c.FD, c.readBuf[c.readIdx:])
		if err != nil || n <= 0 {
			return false
		}
		c.readIdx += n
		return true
	}

	for {
		n, err := unix.Read(c.FD, c.readBuf[c.readIdx:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			return false
		}
		if n == 0 {
			return false
		}
		c.readIdx += n
		if c.readIdx >= len(c.readBuf) {
			break
		}
	}
	return true
}

// parseLine scans forward from checkedIdx for a CRLF terminator,
// returning the line content without the terminator. A trailing lone CR
// at the end of the buffered data is need-more; a CR not followed by LF,
// or an LF not preceded by CR, is malformed.
func (c *Conn) parseLine() (lineStatus, string) {
	for ; c.checkedIdx < c.readIdx; c.checkedIdx++ {
		b := c.readBuf[c.checkedIdx]
		switch b {
		case '\r':
			if c.checkedIdx+1 == c.readIdx {
				return lineOpen, ""
			}
			if c.readBuf[c.checkedIdx+1] == '\n' {
				line := string(c.readBuf[c.startLine:c.checkedIdx])
				c.checkedIdx += 2
				c.startLine = c.checkedIdx
				return lineOK, line
			}
			return lineBad, ""
		case '\n':
			if c.checkedIdx > c.startLine && c.readBuf[c.checkedIdx-1] == '\r' {
				line := string(c.readBuf[c.startLine : c.checkedIdx-1])
				c.checkedIdx++
				c.startLine = c.checkedIdx
				return lineOK, line
			}
			return lineBad, ""
		}
	}
	return lineOpen, ""
}

// ProcessRead runs the RequestLine -> Headers -> Body state machine as
// far as the buffered bytes allow, returning NoRequest when more data is
// needed or the terminal outcome of dispatching the request.
func (c *Conn) ProcessRead() errcode.Code {
	status := lineOK
	for {
		var line string
		if c.checkState == stateBody && status == lineOK {
			// Body bytes were already delivered by the read that
			// completed the header block; reparse nothing, just
			// check whether enough of the body has arrived.
		} else {
			status, line = c.parseLine()
			if status != lineOK {
				break
			}
		}

		c.log("%s", line)

		switch c.checkState {
		case stateRequestLine:
			if ret := c.parseRequestLine(line); ret == errcode.BadRequest {
				return errcode.BadRequest
			}
		case stateHeaders:
			ret := c.parseHeaders(line)
			if ret == errcode.BadRequest {
				return errcode.BadRequest
			}
			if ret == errcode.GetRequest {
				return c.doRequest()
			}
		case stateBody:
			ret := c.parseContent()
			if ret == errcode.GetRequest {
				return c.doRequest()
			}
			return errcode.NoRequest
		default:
			return errcode.InternalError
		}
	}
	return errcode.NoRequest
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// parseRequestLine splits "METHOD URL VERSION", canonicalises an
// absolute-URL form down to its path, and rewrites a bare "/" to
// "/judge.html".
func (c *Conn) parseRequestLine(line string) errcode.Code {
	idx := strings.IndexAny(line, " \t")
	if idx < 0 {
		return errcode.BadRequest
	}
	method := line[:idx]
	rest := strings.TrimLeft(line[idx+1:], " \t")

	switch {
	case strings.EqualFold(method, "GET"):
		c.method = MethodGet
	case strings.EqualFold(method, "POST"):
		c.method = MethodPost
		c.cgi = true
	default:
		return errcode.BadRequest
	}

	idx2 := strings.IndexAny(rest, " \t")
	if idx2 < 0 {
		return errcode.BadRequest
	}
	url := rest[:idx2]
	version := strings.TrimLeft(rest[idx2+1:], " \t")

	if !strings.EqualFold(version, "HTTP/1.1") {
		return errcode.BadRequest
	}

	if hasPrefixFold(url, "http://") {
		url = url[len("http://"):]
		if i := strings.IndexByte(url, '/'); i >= 0 {
			url = url[i:]
		} else {
			url = ""
		}
	}
	if hasPrefixFold(url, "https://") {
		url = url[len("https://"):]
		if i := strings.IndexByte(url, '/'); i >= 0 {
			url = url[i:]
		} else {
			url = ""
		}
	}

	if url == "" || url[0] != '/' {
		return errcode.BadRequest
	}
	if url == "/" {
		url = "/judge.html"
	}

	c.url = url
	c.version = version
	c.checkState = stateHeaders
	return errcode.NoRequest
}

// parseHeaders recognises Connection, Content-length and Host; anything
// else is logged and ignored.
func (c *Conn) parseHeaders(line string) errcode.Code {
	if line == "" {
		if c.contentLength != 0 {
			c.checkState = stateBody
			return errcode.NoRequest
		}
		return errcode.GetRequest
	}

	switch {
	case hasPrefixFold(line, "Connection:"):
		v := strings.TrimSpace(line[len("Connection:"):])
		if strings.EqualFold(v, "keep-alive") {
			c.keepAlive = true
		}
	case hasPrefixFold(line, "Content-length:"):
		v := strings.TrimSpace(line[len("Content-length:"):])
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.contentLength = int(n)
		}
	case hasPrefixFold(line, "Host:"):
		c.host = strings.TrimSpace(line[len("Host:"):])
	default:
		c.log("oop!unknow header: %s", line)
	}
	return errcode.NoRequest
}

// parseContent waits for contentLength bytes to be buffered past the
// header block, then captures the body as-is. It is never re-parsed
// beyond the two CGI fields that doRequest pulls from it.
func (c *Conn) parseContent() errcode.Code {
	if c.readIdx < c.checkedIdx+c.contentLength {
		return errcode.NoRequest
	}
	end := c.checkedIdx + c.contentLength
	if end > c.readIdx {
		end = c.readIdx
	}
	c.body = string(c.readBuf[c.checkedIdx:end])
	return errcode.GetRequest
}

// parseCredentials extracts name and password from a CGI POST body of
// the literal form "user=<name>&password=<pw>". The offsets are
// hard-coded to the length of "user=" and "&password=" the way the
// original parser read them, but unlike that parser this rejects any
// body that does not match the expected shape instead of silently
// reading past it.
func parseCredentials(body string) (name, password string, ok bool) {
	const userPrefix = "user="
	const passPrefix = "&password="

	if !strings.HasPrefix(body, userPrefix) {
		return "", "", false
	}
	rest := body[len(userPrefix):]

	amp := strings.IndexByte(rest, '&')
	if amp < 0 {
		return "", "", false
	}
	name = rest[:amp]

	tail := rest[amp:]
	if !strings.HasPrefix(tail, passPrefix) {
		return "", "", false
	}
	password = tail[len(passPrefix):]

	if name == "" || password == "" {
		return "", "", false
	}
	return name, password, true
}

// doRequest routes on the single-character tag after the URL's last
// slash, resolves the login/register CGI tags against the user store,
// rewrites c.url for the fixed-page tags, and finally stats/maps the
// resolved file.
func (c *Conn) doRequest() errcode.Code {
	tag := byte(0)
	if i := strings.LastIndexByte(c.url, '/'); i >= 0 && i+1 < len(c.url) {
		tag = c.url[i+1]
	}

	if c.cgi && (tag == '2' || tag == '3') {
		name, password, ok := parseCredentials(c.body)
		if !ok {
			return errcode.BadRequest
		}

		switch tag {
		case '3':
			if c.users.Exists(name) {
				c.url = "/registerError.html"
			} else if err := c.users.Register(context.Background(), name, password); err != nil {
				c.url = "/registerError.html"
			} else {
				c.url = "/log.html"
			}
		case '2':
			if c.users.Check(name, password) {
				c.url = "/welcome.html"
			} else {
				c.url = "/logError.html"
			}
		}
	}

	switch tag {
	case '0':
		c.url = "/register.html"
	case '1':
		c.url = "/log.html"
	case '5':
		c.url = "/picture.html"
	case '6':
		c.url = "/video.html"
	case '7':
		c.url = "/fans.html"
	}

	c.realFile = filepath.Join(c.DocRoot, filepath.Clean("/"+c.url))
	return c.serveFile()
}

// serveFile stats the resolved path and, for a plain readable file,
// mmaps it read-only so the write path can hand the kernel a gather
// write instead of copying the body into the write buffer.
func (c *Conn) serveFile() errcode.Code {
	fi, err := os.Stat(c.realFile)
	if err != nil {
		return errcode.NotFound
	}
	if fi.Mode()&0o004 == 0 {
		return errcode.Forbidden
	}
	if fi.IsDir() {
		return errcode.BadRequest
	}

	f, err := os.Open(c.realFile)
	if err != nil {
		return errcode.NotFound
	}
	defer f.Close()

	c.fileSize = fi.Size()
	if c.fileSize > 0 {
		data, err := unix.Mmap(int(f.Fd()), 0, int(c.fileSize), unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			return errcode.InternalError
		}
		c.fileData = data
	}
	return errcode.FileRequest
}

// Unmap releases the file mapping backing the current response, if any.
func (c *Conn) Unmap() {
	if c.fileData != nil {
		_ = unix.Munmap(c.fileData)
		c.fileData = nil
	}
}

func (c *Conn) addResponse(format string, args ...interface{}) bool {
	if c.writeIdx >= len(c.writeBuf) {
		return false
	}
	s := fmt.Sprintf(format, args...)
	if c.writeIdx+len(s) >= len(c.writeBuf) {
		return false
	}
	copy(c.writeBuf[c.writeIdx:], s)
	c.writeIdx += len(s)
	return true
}

func (c *Conn) addStatusLine(status int, title string) bool {
	return c.addResponse("HTTP/1.1 %d %s\r\n", status, title)
}

func (c *Conn) addContentLength(n int64) bool {
	return c.addResponse("Content-Length:%d\r\n", n)
}

func (c *Conn) addLinger() bool {
	conn := "close"
	if c.keepAlive {
		conn = "keep-alive"
	}
	return c.addResponse("Connection:%s\r\n", conn)
}

func (c *Conn) addBlankLine() bool {
	return c.addResponse("\r\n")
}

func (c *Conn) addHeaders(n int64) bool {
	return c.addContentLength(n) && c.addLinger() && c.addBlankLine()
}

func (c *Conn) addContent(body string) bool {
	return c.addResponse("%s", body)
}

// BuildResponse assembles the status line, headers, and (for error
// outcomes) a fixed HTML body into the write buffer, and prepares the
// gather-write iovecs: two slices for a file response, one otherwise.
func (c *Conn) BuildResponse(ret errcode.Code) bool {
	switch ret {
	case errcode.InternalError:
		c.addStatusLine(500, "Internal Error")
		c.addHeaders(int64(len(bodyInternalError)))
		if !c.addContent(bodyInternalError) {
			return false
		}
	case errcode.BadRequest:
		c.addStatusLine(400, "Bad Request")
		c.addHeaders(int64(len(bodyBadRequest)))
		if !c.addContent(bodyBadRequest) {
			return false
		}
	case errcode.NotFound:
		c.addStatusLine(404, "Not Found")
		c.addHeaders(int64(len(bodyNotFound)))
		if !c.addContent(bodyNotFound) {
			return false
		}
	case errcode.Forbidden:
		c.addStatusLine(403, "Forbidden")
		c.addHeaders(int64(len(bodyForbidden)))
		if !c.addContent(bodyForbidden) {
			return false
		}
	case errcode.FileRequest:
		c.addStatusLine(200, "OK")
		if c.fileSize != 0 {
			c.addHeaders(c.fileSize)
			c.headerBuf = append([]byte(nil), c.writeBuf[:c.writeIdx]...)
			c.headerLen = len(c.headerBuf)
			c.iov = [][]byte{c.headerBuf, c.fileData}
			c.toSend = c.headerLen + int(c.fileSize)
			return true
		}
		c.addHeaders(int64(len(bodyEmptyFile)))
		if !c.addContent(bodyEmptyFile) {
			return false
		}
	default:
		return false
	}

	c.headerBuf = append([]byte(nil), c.writeBuf[:c.writeIdx]...)
	c.headerLen = len(c.headerBuf)
	c.iov = [][]byte{c.headerBuf}
	c.toSend = c.headerLen
	return true
}

// Write drains the response iovecs with writev, reshaping them on a
// partial write (the header slice shrinks first, then the file slice is
// advanced past the already-sent portion).
func (c *Conn) Write() WriteOutcome {
	if c.toSend == 0 {
		c.Unmap()
		c.Reset()
		return WriteDoneKeepAlive
	}

	for {
		n, err := unix.Writev(c.FD, c.iov)
		if err != nil {
			if err == unix.EAGAIN {
				return WriteAgain
			}
			c.Unmap()
			return WriteError
		}

		c.sent += n
		c.toSend -= n

		if c.sent >= c.headerLen {
			if len(c.iov) > 1 {
				off := c.sent - c.headerLen
				if off < len(c.fileData) {
					c.iov = [][]byte{nil, c.fileData[off:]}
				} else {
					c.iov = [][]byte{nil, nil}
				}
			} else {
				c.iov = [][]byte{nil}
			}
		} else {
			c.iov[0] = c.headerBuf[c.sent:]
		}

		if c.toSend <= 0 {
			c.Unmap()
			if c.keepAlive {
				c.Reset()
				return WriteDoneKeepAlive
			}
			return WriteDoneClose
		}
	}
}

// Process runs the read-side state machine and, once a request is
// fully parsed, builds its response. The caller (worker pool) uses the
// returned ProcessOutcome to decide which epoll event to re-arm.
func (c *Conn) Process() ProcessOutcome {
	ret := c.ProcessRead()
	if ret == errcode.NoRequest {
		return ProcessNeedMoreData
	}
	if !c.BuildResponse(ret) {
		return ProcessFailed
	}
	return ProcessResponseReady
}

// FilenameLimit is the size of the fixed path buffer of the program this
// replaces. doRequest does not check the resolved file path against it;
// longer paths are passed to stat/open unchanged.
const FilenameLimit = filenameLen
