// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Handlers produce responses for routed requests.

package serv

import (
	"fmt"
	"html"
)

const ( // handler kinds
	handleStatic = iota
	handleListing
	handleRedirect
	handleUpload
	handleDelete
	handleCGI
	handleError
)

// handler is a routing decision. Fields other than kind and rule depend on kind.
type handler struct {
	kind     int8
	rule     *RouteRule
	status   int16  // handleRedirect, handleError
	location string // handleRedirect
	err      error  // handleError
	urlPath  string // cleaned request path
	path     string // file system path
	dirLike  bool   // urlPath ends with '/'
	entry    *fcacheEntry

	scriptName  string // handleCGI
	pathInfo    string
	interpreter string
}

func errorHandler(rule *RouteRule, status int16, err error) *handler {
	return &handler{kind: handleError, rule: rule, status: status, err: err}
}

func (r *Router) serveRedirect(h *handler) *Response {
	const template = `<!doctype html>
<html lang="en">
<head><meta charset="utf-8"><title>%d %s</title></head>
<body><a href="%s">%s</a></body>
</html>`
	location := html.EscapeString(h.location)
	phrase := statusText(h.status)
	resp := newTextResponse(h.status, "text/html", []byte(fmt.Sprintf(template, h.status, phrase, location, location)))
	resp.SetHeader("Location", h.location)
	return resp
}
