// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Route rules and the routing table.

package serv

import (
	"path"
	"strings"
)

// RouteRule is the effective policy of a location. Inherited settings are already resolved.
type RouteRule struct {
	Path           string
	Methods        uint32 // allowed method codes
	Allow          string // value of the Allow header
	Redirect       string // target URL, "" if none
	RedirectStatus int16
	Root           string
	Index          string
	DirListing     bool
	CGI            map[string]string // extension -> interpreter, "" runs the script itself
	UploadDir      string
	MaxBodySize    int64
	ErrorPages     map[int16][]byte

	server *ServerConfig
}

func (r *RouteRule) allows(methodCode uint32) bool {
	if methodCode == MethodHEAD && r.Methods&MethodGET != 0 {
		return true
	}
	return r.Methods&methodCode != 0
}

// matches reports whether the rule's prefix matches p. A prefix "/a/" also matches "/a".
func (r *RouteRule) matches(p string) bool {
	if strings.HasPrefix(p, r.Path) {
		return true
	}
	return len(r.Path) > 1 && r.Path[len(r.Path)-1] == '/' && p == r.Path[:len(r.Path)-1]
}

// cgiInterpreter returns the interpreter mapped to the extension of p.
func (r *RouteRule) cgiInterpreter(p string) (interpreter string, ok bool) {
	if len(r.CGI) == 0 {
		return "", false
	}
	interpreter, ok = r.CGI[path.Ext(p)]
	return
}

// errorPage returns the configured page of status, or the built-in one.
func (r *RouteRule) errorPage(status int16) []byte {
	if r != nil {
		if page, ok := r.ErrorPages[status]; ok {
			return page
		}
	}
	return builtinErrorPage(status)
}

// fallbackRule answers requests no server can route.
var fallbackRule = &RouteRule{
	Path:        "/",
	Methods:     MethodGET,
	Allow:       "GET",
	MaxBodySize: defaultMaxBodySize,
}

// RouteTable maps (host, port, path) to route rules. It is immutable after construction.
type RouteTable struct {
	ports map[int][]*ServerConfig // in config order, the first is the default virtual host
}

// NewRouteTable groups servers by listening port.
func NewRouteTable(servers []*ServerConfig) *RouteTable {
	t := &RouteTable{ports: make(map[int][]*ServerConfig)}
	for _, server := range servers {
		seen := make(map[int]bool)
		for _, listen := range server.Listens {
			if seen[listen.Port] {
				continue
			}
			seen[listen.Port] = true
			t.ports[listen.Port] = append(t.ports[listen.Port], server)
		}
	}
	return t
}

// Server selects the virtual host on port whose name matches host, else the first one.
func (t *RouteTable) Server(host string, port int) *ServerConfig {
	servers := t.ports[port]
	if len(servers) == 0 {
		return nil
	}
	host = stripPort(host)
	for _, server := range servers {
		for _, name := range server.Names {
			if strings.EqualFold(name, host) {
				return server
			}
		}
	}
	return servers[0]
}

// Resolve finds the rule for a request. The longest matching prefix wins, ties go to the first rule.
// When nothing matches it returns ErrNoRouteMatch along with a rule usable for the 404 answer.
func (t *RouteTable) Resolve(host string, port int, p string) (*RouteRule, error) {
	server := t.Server(host, port)
	if server == nil {
		return fallbackRule, ErrNoRouteMatch
	}
	var best *RouteRule
	for _, rule := range server.Routes {
		if !rule.matches(p) {
			continue
		}
		if best == nil || len(rule.Path) > len(best.Path) {
			best = rule
		}
	}
	if best != nil {
		return best, nil
	}
	if server.implicit != nil {
		return server.implicit, nil
	}
	return server.notFound, ErrNoRouteMatch
}
