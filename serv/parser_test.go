// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package serv

import (
	"errors"
	"strings"
	"testing"
)

func newTestParser(limit int64) *requestParser {
	return newRequestParser(defaultMaxHeaderSize, func(req *Request) int64 { return limit })
}

func TestParseSimple(t *testing.T) {
	p := newTestParser(defaultMaxBodySize)
	p.feed([]byte("GET /dir/a%20b.html?x=1&y=2 HTTP/1.1\r\nHost: example.com:8080\r\nX-Multi: 1\r\nx-multi: 2\r\n\r\n"))
	req, err := p.next()
	if err != nil || req == nil {
		t.Fatalf("req=%v err=%v", req, err)
	}
	if req.Method != "GET" || req.MethodCode != MethodGET || req.Path != "/dir/a b.html" || req.Query != "x=1&y=2" || req.Version != "HTTP/1.1" {
		t.Errorf("req=%+v", req)
	}
	if !req.KeepAlive || req.Host() != "example.com" {
		t.Errorf("keepAlive=%v host=%s", req.KeepAlive, req.Host())
	}
	if values := req.Headers("X-MULTI"); len(values) != 2 || values[1] != "2" {
		t.Errorf("values=%v", values)
	}
	if p.pending() {
		t.Error("parser still pending")
	}
}

func TestParseIncremental(t *testing.T) {
	raw := "POST /up HTTP/1.1\r\nHost: h\r\nContent-Length: 11\r\n\r\nhello world"
	p := newTestParser(defaultMaxBodySize)
	for i := 0; i < len(raw)-1; i++ {
		p.feed([]byte{raw[i]})
		if req, err := p.next(); req != nil || err != nil {
			t.Fatalf("byte %d: early req=%v err=%v", i, req, err)
		}
	}
	if !p.pending() {
		t.Error("partial request not pending")
	}
	p.feed([]byte{raw[len(raw)-1]})
	req, err := p.next()
	if err != nil || req == nil || string(req.Body) != "hello world" {
		t.Fatalf("req=%v err=%v", req, err)
	}
}

func TestParsePipelined(t *testing.T) {
	p := newTestParser(defaultMaxBodySize)
	p.feed([]byte("GET /1 HTTP/1.1\r\nHost: h\r\n\r\nPOST /2 HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabcGET /3 HTTP/1.0\r\n\r\n"))
	var paths []string
	for {
		req, err := p.next()
		if err != nil {
			t.Fatal(err)
		}
		if req == nil {
			break
		}
		paths = append(paths, req.Path)
		if req.Path == "/3" && req.KeepAlive {
			t.Error("HTTP/1.0 keep-alive by default")
		}
	}
	if strings.Join(paths, ",") != "/1,/2,/3" {
		t.Errorf("paths=%v", paths)
	}
}

func TestParseChunked(t *testing.T) {
	p := newTestParser(defaultMaxBodySize)
	p.feed([]byte("POST /c HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n5;ext=1\r\nhello\r\n6\r\n world\r\n0\r\nX-Trailer: t\r\n\r\nGET / HTTP/1.1\r\nHost: h\r\n\r\n"))
	req, err := p.next()
	if err != nil || req == nil {
		t.Fatalf("req=%v err=%v", req, err)
	}
	if string(req.Body) != "hello world" {
		t.Errorf("body=%q", req.Body)
	}
	if req, err := p.next(); err != nil || req == nil || req.Path != "/" {
		t.Errorf("pipelined after chunked: req=%v err=%v", req, err)
	}
}

func TestParseConnectionHeader(t *testing.T) {
	tests := []struct {
		raw       string
		keepAlive bool
	}{
		{"GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", false},
		{"GET / HTTP/1.1\r\nHost: h\r\nConnection: Keep-Alive, Upgrade\r\n\r\n", true},
		{"GET / HTTP/1.0\r\n\r\n", false},
		{"GET / HTTP/1.0\r\nConnection: keep-alive\r\n\r\n", true},
	}
	for _, test := range tests {
		p := newTestParser(defaultMaxBodySize)
		p.feed([]byte(test.raw))
		req, err := p.next()
		if err != nil || req == nil {
			t.Fatalf("%q: req=%v err=%v", test.raw, req, err)
		}
		if req.KeepAlive != test.keepAlive {
			t.Errorf("%q: keepAlive=%v", test.raw, req.KeepAlive)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		raw    string
		status int16
	}{
		{"FETCH / HTTP/1.1\r\nHost: h\r\n\r\n", StatusBadRequest},
		{"GET /\r\n\r\n", StatusBadRequest},
		{"GET  / HTTP/1.1\r\n\r\n", StatusBadRequest},
		{"GET / HTTP/2.0\r\nHost: h\r\n\r\n", StatusHTTPVersionNotSupported},
		{"GET / HTTX/1.1\r\nHost: h\r\n\r\n", StatusBadRequest},
		{"GET nopath HTTP/1.1\r\nHost: h\r\n\r\n", StatusBadRequest},
		{"GET /%zz HTTP/1.1\r\nHost: h\r\n\r\n", StatusBadRequest},
		{"GET / HTTP/1.1\r\n\r\n", StatusBadRequest}, // no Host
		{"POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 1x\r\n\r\n", StatusBadRequest},
		{"POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n", StatusBadRequest},
		{"POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: gzip\r\n\r\n", StatusNotImplemented},
		{"POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", StatusBadRequest},
		{"POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabcX\r\n", StatusBadRequest},
		{"GET /" + strings.Repeat("a", defaultMaxHeaderSize+10), StatusURITooLong},
		{"GET / HTTP/1.1\r\nHost: h\r\nX-Big: " + strings.Repeat("b", defaultMaxHeaderSize) + "\r\n\r\n", StatusRequestHeaderFieldsTooLarge},
		{"GET / HTTP/1.1\r\nHost: h\r\nX-Big: " + strings.Repeat("b", defaultMaxHeaderSize), StatusRequestHeaderFieldsTooLarge},
		{"GET / HTTP/1.1\r\n x\r\nHost: a\r\n\r\n", StatusBadRequest},              // folded first line
		{"GET / HTTP/1.1\r\n\tx\r\nHost: a\r\n\r\n", StatusBadRequest},             // folded first line
		{"GET / HTTP/1.1\r\nHost: a\r\nX-Long: 1\r\n 2\r\n\r\n", StatusBadRequest}, // obs-fold
	}
	for _, test := range tests {
		p := newTestParser(defaultMaxBodySize)
		p.feed([]byte(test.raw))
		_, err := p.next()
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.Status != test.status {
			name := test.raw
			if len(name) > 40 {
				name = name[:40]
			}
			t.Errorf("%q: err=%v want %d", name, err, test.status)
		}
	}
}

func TestParseBodyLimit(t *testing.T) {
	p := newTestParser(10)
	p.feed([]byte("POST /up HTTP/1.1\r\nHost: h\r\nContent-Length: 6000000\r\n\r\npartial"))
	_, err := p.next()
	if !errors.Is(err, ErrPayloadTooLarge) || statusOf(err) != StatusContentTooLarge {
		t.Fatalf("err=%v", err)
	}
	if req := p.partial(); req == nil || req.Path != "/up" {
		t.Errorf("partial=%v", req)
	}
	if left := p.drainSize(); left != 6000000-int64(len("partial")) {
		t.Errorf("drain=%d", left)
	}

	p = newTestParser(10)
	p.feed([]byte("POST /up HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n8\r\n12345678\r\n8\r\n"))
	if _, err := p.next(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("chunked err=%v", err)
	}
}

func TestParseEmptyLinesBetweenRequests(t *testing.T) {
	p := newTestParser(defaultMaxBodySize)
	p.feed([]byte("\r\n\r\nGET /x HTTP/1.1\r\nHost: h\r\n\r\n"))
	if req, err := p.next(); err != nil || req == nil || req.Path != "/x" {
		t.Errorf("req=%v err=%v", req, err)
	}
}

func TestParseHeaderCount(t *testing.T) {
	tests := []struct {
		raw   string
		count int
	}{
		{"GET / HTTP/1.1\r\nHost: a\r\n\r\n", 1},
		{"GET / HTTP/1.0\r\n\r\n", 0},
		{"GET / HTTP/1.1\r\nHost: a\r\n" + strings.Repeat("X-N: v\r\n", 14) + "\r\n", 15},
	}
	for _, test := range tests {
		p := newTestParser(defaultMaxBodySize)
		p.feed([]byte(test.raw))
		req, err := p.next()
		if err != nil || req == nil {
			t.Fatalf("req=%v err=%v", req, err)
		}
		n := 0
		req.EachHeader(func(name string, value string) {
			if name == "" {
				t.Errorf("empty header name, value=%q", value)
			}
			n++
		})
		if n != test.count {
			t.Errorf("%q: headers=%d want %d", test.raw, n, test.count)
		}
	}
}

func TestParseHeaderFieldsRecovers(t *testing.T) {
	_, err := parseHeaderFields([]byte("GET / HTTP/1.1\r\n x\r\nHost: a\r\n\r\n"))
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != StatusBadRequest {
		t.Errorf("err=%v", err)
	}
}
