// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Router applies route policy to requests and selects their handlers.

package serv

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Router is shared by all event loops. It holds no per-request state.
type Router struct {
	table  *RouteTable
	fcache *fileCache
	log    zerolog.Logger
	now    func() time.Time
}

func NewRouter(table *RouteTable, log zerolog.Logger) *Router {
	return &Router{
		table:  table,
		fcache: newFileCache(),
		log:    log.With().Str("comp", "router").Logger(),
		now:    time.Now,
	}
}

// BodyLimit tells the max body size for req. The parser calls it once the head is parsed.
func (r *Router) BodyLimit(req *Request) int64 {
	p, ok := cleanPath(req.Path)
	if !ok {
		p = "/"
	}
	rule, _ := r.table.Resolve(req.Host(), req.LocalPort, p)
	return rule.MaxBodySize
}

// Dispatch answers req. It returns either a response or a CGI job whose result is answered later.
func (r *Router) Dispatch(req *Request) (*Response, *cgiJob) {
	h := r.route(req)
	if h.kind == handleCGI {
		return nil, r.newCGIJob(h, req)
	}
	resp := r.serve(h, req)
	r.finish(req, resp)
	return resp, nil
}

// route selects the handler for req.
func (r *Router) route(req *Request) *handler {
	host := req.Host()
	urlPath, ok := cleanPath(req.Path)
	if !ok {
		rule, _ := r.table.Resolve(host, req.LocalPort, "/")
		return errorHandler(rule, StatusForbidden, newStatusError(ErrResource, StatusForbidden, errors.New("path escapes root")))
	}
	rule, err := r.table.Resolve(host, req.LocalPort, urlPath)
	if err != nil {
		return errorHandler(rule, StatusNotFound, err)
	}
	if rule.Redirect != "" {
		return &handler{kind: handleRedirect, rule: rule, status: rule.RedirectStatus, location: rule.Redirect}
	}
	if !rule.allows(req.MethodCode) {
		return errorHandler(rule, StatusMethodNotAllowed, ErrMethodNotAllowed)
	}
	if int64(len(req.Body)) > rule.MaxBodySize {
		return errorHandler(rule, StatusContentTooLarge, ErrPayloadTooLarge)
	}
	if rule.Root == "" {
		return errorHandler(rule, StatusNotFound, ErrNoRouteMatch)
	}
	dirLike := strings.HasSuffix(urlPath, "/")
	fsPath := filepath.Join(rule.Root, filepath.FromSlash(urlPath))
	h := &handler{rule: rule, urlPath: urlPath, path: fsPath, dirLike: dirLike}

	if scriptName, pathInfo, interpreter, ok := splitCGIPath(rule, urlPath); ok {
		script := filepath.Join(rule.Root, filepath.FromSlash(scriptName))
		info, err := os.Stat(script)
		if err != nil {
			return errorHandler(rule, 0, resourceError(err))
		}
		if !info.Mode().IsRegular() {
			return errorHandler(rule, StatusForbidden, newStatusError(ErrResource, StatusForbidden, errors.New("script is not a regular file")))
		}
		h.kind = handleCGI
		h.path = script
		h.scriptName, h.pathInfo, h.interpreter = scriptName, pathInfo, interpreter
		return h
	}

	switch req.MethodCode {
	case MethodDELETE:
		h.kind = handleDelete
		return h
	case MethodPOST, MethodPUT:
		h.kind = handleUpload
		return h
	case MethodGET, MethodHEAD:
	default:
		return errorHandler(rule, StatusNotFound, ErrNoRouteMatch)
	}

	entry, err := r.fcache.getEntry(fsPath)
	if err != nil {
		return errorHandler(rule, 0, resourceError(err))
	}
	switch {
	case entry.isDir():
		if !dirLike {
			location := urlPath + "/"
			if req.Query != "" {
				location += "?" + req.Query
			}
			return &handler{kind: handleRedirect, rule: rule, status: StatusFound, location: location}
		}
		if index, err := r.fcache.getEntry(filepath.Join(fsPath, rule.Index)); err == nil && index.isFile() {
			h.kind, h.entry = handleStatic, index
			return h
		}
		if rule.DirListing {
			h.kind = handleListing
			return h
		}
		return errorHandler(rule, StatusForbidden, newStatusError(ErrResource, StatusForbidden, errors.New("directory listing is off")))
	case entry.isFile():
		if dirLike {
			return errorHandler(rule, StatusNotFound, newStatusError(ErrResource, StatusNotFound, errors.New("not a directory")))
		}
		h.kind, h.entry = handleStatic, entry
		return h
	default:
		return errorHandler(rule, StatusForbidden, newStatusError(ErrResource, StatusForbidden, errors.New("not a regular file")))
	}
}

// splitCGIPath finds the first path segment with a mapped CGI extension.
// The rest of the path becomes PATH_INFO.
func splitCGIPath(rule *RouteRule, urlPath string) (scriptName string, pathInfo string, interpreter string, ok bool) {
	if len(rule.CGI) == 0 {
		return
	}
	for i := 1; i <= len(urlPath); i++ {
		if i < len(urlPath) && urlPath[i] != '/' {
			continue
		}
		if interpreter, ok = rule.cgiInterpreter(urlPath[:i]); ok {
			return urlPath[:i], urlPath[i:], interpreter, true
		}
	}
	return "", "", "", false
}

// serve runs non-CGI handlers.
func (r *Router) serve(h *handler, req *Request) *Response {
	var resp *Response
	var err error
	switch h.kind {
	case handleStatic:
		resp, err = r.serveStatic(h)
	case handleListing:
		resp, err = r.serveListing(h)
	case handleRedirect:
		resp = r.serveRedirect(h)
	case handleUpload:
		resp, err = r.serveUpload(h, req)
	case handleDelete:
		resp, err = r.serveDelete(h)
	case handleError:
		return r.errorResponse(h.rule, h.status, h.err)
	}
	if err != nil {
		return r.errorResponse(h.rule, statusOf(err), err)
	}
	return resp
}

// ErrorResponse answers a request that failed before routing, such as a parse error.
// req may be nil if even the request line was unusable.
func (r *Router) ErrorResponse(req *Request, port int, err error) *Response {
	rule := fallbackRule
	host, p := "", "/"
	if req != nil {
		host = req.Host()
		if cleaned, ok := cleanPath(req.Path); ok {
			p = cleaned
		}
	}
	if resolved, _ := r.table.Resolve(host, port, p); resolved != nil {
		rule = resolved
	}
	resp := r.errorResponse(rule, statusOf(err), err)
	resp.Close = true
	if req != nil && req.IsHEAD() {
		resp.HeadOnly = true
	}
	return resp
}

// errorResponse makes the error page response of status.
func (r *Router) errorResponse(rule *RouteRule, status int16, err error) *Response {
	if status == 0 {
		status = statusOf(err)
	}
	if status >= 500 {
		r.log.Warn().Err(err).Int16("status", status).Msg("request failed")
	} else if r.log.GetLevel() <= zerolog.DebugLevel {
		r.log.Debug().Err(err).Int16("status", status).Msg("request refused")
	}
	resp := newTextResponse(status, "text/html", rule.errorPage(status))
	if status == StatusMethodNotAllowed {
		resp.SetHeader("Allow", rule.Allow)
	}
	if status == StatusContentTooLarge || status == StatusRequestTimeout {
		resp.Close = true
	}
	return resp
}

// finish applies request-level settings to resp.
func (r *Router) finish(req *Request, resp *Response) {
	if req.IsHEAD() {
		resp.HeadOnly = true
	}
	if !req.KeepAlive {
		resp.Close = true
	}
}
