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

package httpconn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sabouaram/webengine/internal/config"
	"github.com/sabouaram/webengine/internal/errcode"
	"github.com/sabouaram/webengine/internal/userstore"
)

func newTestConn(t *testing.T, docRoot string) *Conn {
	t.Helper()
	c := New(-1, docRoot, config.LevelTriggered, userstore.New(nil), nil)
	return c
}

func (c *Conn) feed(data string) {
	n := copy(c.readBuf[c.readIdx:], data)
	c.readIdx += n
}

func TestParseLineSplitsOnCRLF(t *testing.T) {
	c := newTestConn(t, t.TempDir())
	c.feed("GET / HTTP/1.1\r\nHost: x\r\n")

	status, line := c.parseLine()
	if status != lineOK || line != "GET / HTTP/1.1" {
		t.Fatalf("got (%v, %q)", status, line)
	}

	status, line = c.parseLine()
	if status != lineOK || line != "Host: x" {
		t.Fatalf("got (%v, %q)", status, line)
	}
}

func TestParseLineOpenOnTrailingCR(t *testing.T) {
	c := newTestConn(t, t.TempDir())
	c.feed("GET / HTTP/1.1\r")

	status, _ := c.parseLine()
	if status != lineOpen {
		t.Fatalf("expected lineOpen, got %v", status)
	}
}

func TestParseLineBadOnLoneCR(t *testing.T) {
	c := newTestConn(t, t.TempDir())
	c.feed("bad\rline\r\n")

	status, _ := c.parseLine()
	if status != lineBad {
		t.Fatalf("expected lineBad, got %v", status)
	}
}

func TestProcessReadRewritesBareSlashToJudgeHTML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "judge.html"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := newTestConn(t, dir)
	c.feed("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n")

	ret := c.ProcessRead()
	if ret != errcode.FileRequest {
		t.Fatalf("got %v, want FileRequest", ret)
	}
	if c.url != "/judge.html" {
		t.Fatalf("got url %q", c.url)
	}
	if !c.keepAlive {
		t.Fatal("expected keep-alive to be set")
	}
}

func TestProcessReadCanonicalisesAbsoluteURL(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := newTestConn(t, dir)
	c.feed("GET http://example.com/index.html HTTP/1.1\r\n\r\n")

	ret := c.ProcessRead()
	if ret != errcode.FileRequest {
		t.Fatalf("got %v, want FileRequest", ret)
	}
	if c.url != "/index.html" {
		t.Fatalf("got url %q", c.url)
	}
}

func TestProcessReadUnknownMethodIsBadRequest(t *testing.T) {
	c := newTestConn(t, t.TempDir())
	c.feed("DELETE / HTTP/1.1\r\n\r\n")

	if ret := c.ProcessRead(); ret != errcode.BadRequest {
		t.Fatalf("got %v, want BadRequest", ret)
	}
}

func TestProcessReadWrongVersionIsBadRequest(t *testing.T) {
	c := newTestConn(t, t.TempDir())
	c.feed("GET / HTTP/1.0\r\n\r\n")

	if ret := c.ProcessRead(); ret != errcode.BadRequest {
		t.Fatalf("got %v, want BadRequest", ret)
	}
}

func TestProcessReadMissingFileIsNotFound(t *testing.T) {
	c := newTestConn(t, t.TempDir())
	c.feed("GET /does_not_exist HTTP/1.1\r\n\r\n")

	if ret := c.ProcessRead(); ret != errcode.NotFound {
		t.Fatalf("got %v, want NotFound", ret)
	}
}

func TestProcessReadDirectoryIsBadRequest(t *testing.T) {
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := newTestConn(t, dir)
	c.feed("GET /sub HTTP/1.1\r\n\r\n")

	if ret := c.ProcessRead(); ret != errcode.BadRequest {
		t.Fatalf("got %v, want BadRequest", ret)
	}
}

func TestProcessReadWaitsForBody(t *testing.T) {
	c := newTestConn(t, t.TempDir())
	c.feed("POST /2login HTTP/1.1\r\nContent-length: 17\r\n\r\nuser=a&password=")

	if ret := c.ProcessRead(); ret != errcode.NoRequest {
		t.Fatalf("got %v, want NoRequest while body incomplete", ret)
	}

	c.feed("b")
	if ret := c.ProcessRead(); ret != errcode.FileRequest && ret != errcode.NotFound {
		t.Fatalf("got %v once body is complete", ret)
	}
}

func TestParseCredentialsRejectsMalformedBody(t *testing.T) {
	cases := []string{
		"",
		"user=",
		"user=alice",
		"user=alice&passwordbogus=x",
		"nameis=alice&password=x",
		"user=&password=x",
		"user=alice&password=",
	}
	for _, body := range cases {
		if _, _, ok := parseCredentials(body); ok {
			t.Fatalf("expected rejection for body %q", body)
		}
	}
}

func TestParseCredentialsAcceptsWellFormedBody(t *testing.T) {
	name, password, ok := parseCredentials("user=alice&password=secret")
	if !ok || name != "alice" || password != "secret" {
		t.Fatalf("got (%q, %q, %v)", name, password, ok)
	}
}

func TestBuildResponseNotFoundUsesFixedBody(t *testing.T) {
	c := newTestConn(t, t.TempDir())
	if !c.BuildResponse(errcode.NotFound) {
		t.Fatal("expected BuildResponse to succeed")
	}
	want := "HTTP/1.1 404 Not Found\r\nContent-Length:49\r\nConnection:close\r\n\r\n" + bodyNotFound
	if string(c.headerBuf) != want {
		t.Fatalf("unexpected response: %q, want %q", c.headerBuf, want)
	}
}

func TestDoRequestLoginMissUsesLogError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "logError.html"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	c := newTestConn(t, dir)
	c.cgi = true
	c.url = "/2login"
	c.body = "user=bob&password=hunter2"

	// With an empty in-memory user map (no credential store backing it),
	// Check always misses, so login routes to logError.html without
	// ever touching the pool.
	ret := c.doRequest()
	if ret != errcode.FileRequest {
		t.Fatalf("login miss: got %v", ret)
	}
	if c.url != "/logError.html" {
		t.Fatalf("expected login miss to route to logError.html, got %q", c.url)
	}
}

func TestDoRequestFixedPageTags(t *testing.T) {
	dir := t.TempDir()
	pages := map[byte]string{
		'0': "register.html",
		'1': "log.html",
		'5': "picture.html",
		'6': "video.html",
		'7': "fans.html",
	}
	for _, name := range pages {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	for tag, name := range pages {
		c := newTestConn(t, dir)
		c.url = "/" + string(tag)

		ret := c.doRequest()
		if ret != errcode.FileRequest {
			t.Fatalf("tag %c: got %v", tag, ret)
		}
		if c.url != "/"+name {
			t.Fatalf("tag %c: got url %q", tag, c.url)
		}
	}
}
