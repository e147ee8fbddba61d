// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP requests.

package serv

import (
	"strings"
)

const ( // method codes
	MethodGET     = 0x00000001
	MethodHEAD    = 0x00000002
	MethodPOST    = 0x00000004
	MethodPUT     = 0x00000008
	MethodDELETE  = 0x00000010
	MethodCONNECT = 0x00000020
	MethodOPTIONS = 0x00000040
	MethodTRACE   = 0x00000080
	MethodPATCH   = 0x00000100
)

var methodCodes = map[string]uint32{
	"GET":     MethodGET,
	"HEAD":    MethodHEAD,
	"POST":    MethodPOST,
	"PUT":     MethodPUT,
	"DELETE":  MethodDELETE,
	"CONNECT": MethodCONNECT,
	"OPTIONS": MethodOPTIONS,
	"TRACE":   MethodTRACE,
	"PATCH":   MethodPATCH,
}

// header is a request header field.
type header struct {
	name  string
	value string
}

// Request is a complete HTTP request. It is immutable once emitted by the parser.
type Request struct {
	Method     string
	MethodCode uint32
	Target     string // raw request target
	Path       string // decoded path, without query
	Query      string // raw query string, without '?'
	Version    string // "HTTP/1.0" or "HTTP/1.1"
	Body       []byte
	KeepAlive  bool
	RemoteAddr string // ip:port of the client
	LocalPort  int

	headers []header // in arrival order
}

// Header returns the first value of the named header. Names are case-insensitive.
func (r *Request) Header(name string) (string, bool) {
	for _, h := range r.headers {
		if strings.EqualFold(h.name, name) {
			return h.value, true
		}
	}
	return "", false
}

// Headers returns all values of the named header, in arrival order.
func (r *Request) Headers(name string) []string {
	var values []string
	for _, h := range r.headers {
		if strings.EqualFold(h.name, name) {
			values = append(values, h.value)
		}
	}
	return values
}

// EachHeader calls fn for every header in arrival order.
func (r *Request) EachHeader(fn func(name string, value string)) {
	for _, h := range r.headers {
		fn(h.name, h.value)
	}
}

// Host returns the Host header without its port.
func (r *Request) Host() string {
	host, _ := r.Header("Host")
	return stripPort(host)
}

func (r *Request) IsHEAD() bool { return r.MethodCode == MethodHEAD }

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") { // [::1]:8080
		if i := strings.IndexByte(host, ']'); i > 0 {
			return host[:i+1]
		}
		return host
	}
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

// decodePath percent-decodes a request path. It reports false on bad escapes or NUL bytes.
func decodePath(raw string) (string, bool) {
	if strings.IndexByte(raw, '%') == -1 {
		return raw, strings.IndexByte(raw, 0) == -1
	}
	buf := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b != '%' {
			buf = append(buf, b)
			continue
		}
		if i+2 >= len(raw) {
			return "", false
		}
		hi, ok1 := unhex(raw[i+1])
		lo, ok2 := unhex(raw[i+2])
		if !ok1 || !ok2 {
			return "", false
		}
		b = hi<<4 | lo
		if b == 0 {
			return "", false
		}
		buf = append(buf, b)
		i += 2
	}
	return string(buf), true
}

func unhex(b byte) (byte, bool) {
	switch {
	case '0' <= b && b <= '9':
		return b - '0', true
	case 'a' <= b && b <= 'f':
		return b - 'a' + 10, true
	case 'A' <= b && b <= 'F':
		return b - 'A' + 10, true
	}
	return 0, false
}

// cleanPath resolves "." and ".." segments of an absolute path.
// It reports false if ".." would climb above "/". A trailing slash is kept.
func cleanPath(p string) (string, bool) {
	if p == "" || p[0] != '/' {
		return "", false
	}
	segments := strings.Split(p[1:], "/")
	stack := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch seg {
		case "", ".":
		case "..":
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
		default:
			stack = append(stack, seg)
		}
	}
	cleaned := "/" + strings.Join(stack, "/")
	if last := segments[len(segments)-1]; (last == "" || last == "." || last == "..") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned, true
}
