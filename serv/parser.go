// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Incremental HTTP/1 request parser.

package serv

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/evanphx/wildcat"
)

const ( // parser states
	stateRequestLine = iota
	stateHeaders
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkTrailer
)

const maxChunkLine = 4096

var bytesCRLF = []byte("\r\n")

// requestParser turns a byte stream into requests. Bytes of pipelined requests stay buffered.
type requestParser struct {
	maxHeaderSize int
	bodyLimit     func(req *Request) int64 // tells the max body size once the head is known
	remoteAddr    string
	localPort     int

	state     int8
	buf       []byte   // unconsumed input
	req       *Request // request being parsed
	headSize  int      // size of request line, CRLF included
	limit     int64    // max body size of req
	length    int64    // Content-Length, -1 if chunked
	body      []byte
	chunkLeft int64 // bytes left in current chunk
	trailer   int   // bytes of trailer section seen
}

func newRequestParser(maxHeaderSize int, bodyLimit func(req *Request) int64) *requestParser {
	return &requestParser{maxHeaderSize: maxHeaderSize, bodyLimit: bodyLimit}
}

// feed appends arrived bytes.
func (p *requestParser) feed(data []byte) { p.buf = append(p.buf, data...) }

// pending reports whether a request has been started but not finished.
func (p *requestParser) pending() bool { return p.state != stateRequestLine || len(p.buf) > 0 }

// partial returns the request whose head has been parsed, if any.
func (p *requestParser) partial() *Request { return p.req }

// buffered returns the number of unconsumed bytes.
func (p *requestParser) buffered() int { return len(p.buf) }

// discard drops up to n buffered bytes and returns how many were dropped.
func (p *requestParser) discard(n int64) int64 {
	if n > int64(len(p.buf)) {
		n = int64(len(p.buf))
	}
	p.consume(int(n))
	return n
}

func (p *requestParser) consume(n int) {
	p.buf = p.buf[n:]
	if len(p.buf) == 0 {
		p.buf = nil
	}
}

// next parses the next request. It returns nil, nil when more bytes are needed.
// Errors are *StatusError and leave the parser unusable.
func (p *requestParser) next() (*Request, error) {
	for {
		switch p.state {
		case stateRequestLine:
			if ok, err := p.parseRequestLine(); err != nil || !ok {
				return nil, err
			}
		case stateHeaders:
			if ok, err := p.parseHeaders(); err != nil || !ok {
				return nil, err
			}
		case stateBody:
			if int64(len(p.buf)) < p.length {
				return nil, nil
			}
			p.body = append(p.body[:0:0], p.buf[:p.length]...)
			p.consume(int(p.length))
			return p.complete(), nil
		case stateChunkSize:
			if ok, err := p.parseChunkSize(); err != nil || !ok {
				return nil, err
			}
		case stateChunkData:
			if int64(len(p.buf)) < p.chunkLeft+2 {
				return nil, nil
			}
			if !bytes.HasPrefix(p.buf[p.chunkLeft:], bytesCRLF) {
				return nil, protocolError(StatusBadRequest, "bad chunk terminator")
			}
			p.body = append(p.body, p.buf[:p.chunkLeft]...)
			p.consume(int(p.chunkLeft) + 2)
			p.state = stateChunkSize
		case stateChunkTrailer:
			i := bytes.Index(p.buf, bytesCRLF)
			if i == -1 {
				if p.trailer+len(p.buf) > p.maxHeaderSize {
					return nil, protocolError(StatusRequestHeaderFieldsTooLarge, "trailer section too large")
				}
				return nil, nil
			}
			p.trailer += i + 2
			if p.trailer > p.maxHeaderSize {
				return nil, protocolError(StatusRequestHeaderFieldsTooLarge, "trailer section too large")
			}
			p.consume(i + 2)
			if i == 0 { // end of trailer section
				return p.complete(), nil
			}
		}
	}
}

func (p *requestParser) parseRequestLine() (bool, error) {
	for bytes.HasPrefix(p.buf, bytesCRLF) { // tolerate empty lines between requests
		p.consume(2)
	}
	i := bytes.Index(p.buf, bytesCRLF)
	if i == -1 {
		if len(p.buf) > p.maxHeaderSize {
			return false, protocolError(StatusURITooLong, "request line too long")
		}
		return false, nil
	}
	if i > p.maxHeaderSize {
		return false, protocolError(StatusURITooLong, "request line too long")
	}
	line := string(p.buf[:i])
	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return false, protocolError(StatusBadRequest, "malformed request line")
	}
	method, target, version := parts[0], parts[1], parts[2]
	code, ok := methodCodes[method]
	if !ok {
		return false, protocolError(StatusBadRequest, "unknown method %q", method)
	}
	if !strings.HasPrefix(version, "HTTP/") || len(version) != len("HTTP/1.1") || version[6] != '.' || !isDigitByte(version[5]) || !isDigitByte(version[7]) {
		return false, protocolError(StatusBadRequest, "malformed version %q", version)
	}
	if version[5] != '1' {
		return false, protocolError(StatusHTTPVersionNotSupported, "unsupported version %q", version)
	}
	if version != "HTTP/1.0" {
		version = "HTTP/1.1"
	}
	if rest, ok := strings.CutPrefix(target, "http://"); ok { // absolute-form
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			target = rest[j:]
		} else {
			target = "/"
		}
	}
	if target[0] != '/' && !(method == "OPTIONS" && target == "*") {
		return false, protocolError(StatusBadRequest, "invalid request target %q", target)
	}
	rawPath, query, _ := strings.Cut(target, "?")
	decoded, ok := decodePath(rawPath)
	if !ok {
		return false, protocolError(StatusBadRequest, "invalid path encoding")
	}
	p.req = &Request{
		Method:     method,
		MethodCode: code,
		Target:     target,
		Path:       decoded,
		Query:      query,
		Version:    version,
		RemoteAddr: p.remoteAddr,
		LocalPort:  p.localPort,
	}
	p.headSize = i + 2
	p.state = stateHeaders
	return true, nil
}

func (p *requestParser) parseHeaders() (bool, error) {
	from := p.headSize - 2 // the blank line may follow the request line directly
	end := bytes.Index(p.buf[from:], []byte("\r\n\r\n"))
	if end == -1 {
		if len(p.buf) > p.maxHeaderSize {
			return false, protocolError(StatusRequestHeaderFieldsTooLarge, "header section too large")
		}
		return false, nil
	}
	size := from + end + 4
	if size > p.maxHeaderSize {
		return false, protocolError(StatusRequestHeaderFieldsTooLarge, "header section too large")
	}
	if bytes.Contains(p.buf[from:size-2], []byte("\r\n ")) || bytes.Contains(p.buf[from:size-2], []byte("\r\n\t")) {
		return false, protocolError(StatusBadRequest, "obsolete line folding in header section")
	}
	req := p.req
	headers, err := parseHeaderFields(p.buf[:size])
	if err != nil {
		return false, err
	}
	req.headers = headers
	p.consume(size)

	if _, ok := req.Header("Host"); !ok && req.Version == "HTTP/1.1" {
		return false, protocolError(StatusBadRequest, "missing Host header")
	}
	req.KeepAlive = req.Version == "HTTP/1.1"
	for _, value := range req.Headers("Connection") {
		for _, token := range strings.Split(value, ",") {
			switch strings.ToLower(strings.TrimSpace(token)) {
			case "close":
				req.KeepAlive = false
			case "keep-alive":
				req.KeepAlive = true
			}
		}
	}

	p.length = 0
	if codings := req.Headers("Transfer-Encoding"); len(codings) > 0 {
		if len(codings) != 1 || !strings.EqualFold(strings.TrimSpace(codings[0]), "chunked") {
			return false, protocolError(StatusNotImplemented, "unsupported transfer coding %q", strings.Join(codings, ", "))
		}
		p.length = -1
	} else if lengths := req.Headers("Content-Length"); len(lengths) > 0 {
		n, ok := parseContentLength(lengths)
		if !ok {
			return false, protocolError(StatusBadRequest, "invalid Content-Length")
		}
		p.length = n
	}

	p.limit = defaultMaxBodySize
	if p.bodyLimit != nil {
		p.limit = p.bodyLimit(req)
	}
	if p.length > p.limit {
		return false, newStatusError(ErrPayloadTooLarge, StatusContentTooLarge, nil)
	}
	if p.length == -1 {
		p.state = stateChunkSize
	} else {
		p.state = stateBody
	}
	return true, nil
}

// parseHeaderFields runs wildcat over a complete head. A panic inside wildcat is answered as 400.
func parseHeaderFields(head []byte) (headers []header, err error) {
	defer func() {
		if x := recover(); x != nil {
			headers, err = nil, protocolError(StatusBadRequest, "bad header section: %v", x)
		}
	}()
	hp := wildcat.NewHTTPParser()
	if _, err := hp.Parse(head); err != nil {
		return nil, protocolError(StatusBadRequest, "bad header section: %v", err)
	}
	for _, h := range hp.Headers[:hp.TotalHeaders] {
		if len(h.Name) == 0 { // TotalHeaders is the capacity, not the count
			break
		}
		headers = append(headers, header{name: string(h.Name), value: strings.TrimSpace(string(h.Value))})
	}
	return headers, nil
}

func (p *requestParser) parseChunkSize() (bool, error) {
	i := bytes.Index(p.buf, bytesCRLF)
	if i == -1 {
		if len(p.buf) > maxChunkLine {
			return false, protocolError(StatusBadRequest, "chunk size line too long")
		}
		return false, nil
	}
	line := string(p.buf[:i])
	if j := strings.IndexByte(line, ';'); j >= 0 { // chunk extensions are ignored
		line = line[:j]
	}
	line = strings.TrimSpace(line)
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 || line == "" {
		return false, protocolError(StatusBadRequest, "invalid chunk size")
	}
	if int64(len(p.body))+size > p.limit {
		return false, newStatusError(ErrPayloadTooLarge, StatusContentTooLarge, nil)
	}
	p.consume(i + 2)
	if size == 0 {
		p.trailer = 0
		p.state = stateChunkTrailer
	} else {
		p.chunkLeft = size
		p.state = stateChunkData
	}
	return true, nil
}

// complete emits the current request and resets for the next one.
func (p *requestParser) complete() *Request {
	req := p.req
	req.Body = p.body
	p.req, p.body = nil, nil
	p.state = stateRequestLine
	return req
}

// drainSize tells how many body bytes of the declared Content-Length have not arrived yet.
func (p *requestParser) drainSize() int64 {
	if p.length <= 0 {
		return 0
	}
	if left := p.length - int64(len(p.buf)); left > 0 {
		return left
	}
	return 0
}

func parseContentLength(values []string) (int64, bool) {
	n := int64(-1)
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				return 0, false
			}
			for i := 0; i < len(part); i++ {
				if !isDigitByte(part[i]) {
					return 0, false
				}
			}
			v, err := strconv.ParseInt(part, 10, 64)
			if err != nil || (n != -1 && v != n) {
				return 0, false
			}
			n = v
		}
	}
	return n, n >= 0
}

func isDigitByte(b byte) bool { return b >= '0' && b <= '9' }
