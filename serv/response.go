// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP responses and their wire encoding.

package serv

import (
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"
)

const (
	serverSoftware = "webserv"
	httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"
)

// Response is a response to be written.
type Response struct {
	Status   int16
	Body     []byte
	Close    bool // close the connection after writing
	HeadOnly bool // send head only, as for HEAD requests

	headers []header // extra headers, in order
}

func newResponse(status int16) *Response {
	return &Response{Status: status}
}

// newTextResponse makes a response carrying body of contentType.
func newTextResponse(status int16, contentType string, body []byte) *Response {
	resp := newResponse(status)
	resp.SetHeader("Content-Type", contentType)
	resp.Body = body
	return resp
}

// AddHeader appends a header field.
func (r *Response) AddHeader(name string, value string) {
	r.headers = append(r.headers, header{name: name, value: value})
}

// SetHeader replaces all fields of name with one.
func (r *Response) SetHeader(name string, value string) {
	r.DelHeader(name)
	r.AddHeader(name, value)
}

func (r *Response) DelHeader(name string) {
	headers := r.headers[:0]
	for _, h := range r.headers {
		if !strings.EqualFold(h.name, name) {
			headers = append(headers, h)
		}
	}
	r.headers = headers
}

func (r *Response) Header(name string) (string, bool) {
	for _, h := range r.headers {
		if strings.EqualFold(h.name, name) {
			return h.value, true
		}
	}
	return "", false
}

// bodyAllowed reports whether the status may carry a body.
func (r *Response) bodyAllowed() bool {
	return r.Status != StatusNoContent && r.Status != StatusNotModified && r.Status >= 200
}

// encodeHead writes status line and headers into buf.
// Server, Date, Content-Length and Connection are generated here and never taken from r.headers.
func (r *Response) encodeHead(buf *bytebufferpool.ByteBuffer, now time.Time) {
	buf.Write(statusLine(r.Status))
	writeHeader(buf, "Server", serverSoftware)
	writeHeader(buf, "Date", now.UTC().Format(httpDateFormat))
	hasType := false
	for _, h := range r.headers {
		switch strings.ToLower(h.name) {
		case "server", "date", "content-length", "connection", "transfer-encoding":
			continue
		case "content-type":
			hasType = true
		}
		writeHeader(buf, h.name, h.value)
	}
	if r.bodyAllowed() {
		if !hasType && len(r.Body) > 0 {
			writeHeader(buf, "Content-Type", "application/octet-stream")
		}
		writeHeader(buf, "Content-Length", strconv.Itoa(len(r.Body)))
	}
	if r.Close {
		writeHeader(buf, "Connection", "close")
	} else {
		writeHeader(buf, "Connection", "keep-alive")
	}
	buf.Write(bytesCRLF)
}

// payload returns the bytes to send after the head.
func (r *Response) payload() []byte {
	if r.HeadOnly || !r.bodyAllowed() {
		return nil
	}
	return r.Body
}

func writeHeader(buf *bytebufferpool.ByteBuffer, name string, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.Write(bytesCRLF)
}
