// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Config loader. Turns config text into server configs.

package serv

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hexinfra/webserv/serv/libraries/config"
)

const (
	defaultMaxBodySize      = 1 << 20
	defaultMaxHeaderSize    = 8 << 10
	defaultKeepAliveTimeout = 60 * time.Second
	defaultCGITimeout       = 10 * time.Second
	defaultIndex            = "index.html"
	defaultHost             = "0.0.0.0"
)

// Config is the whole loaded configuration.
type Config struct {
	File     string // config file, "" if loaded from text
	ErrorLog string
	LogLevel string
	Servers  []*ServerConfig
	Warnings []string // problems not worth refusing to start for
}

// Listen is a listening address.
type Listen struct {
	Host string
	Port int
}

func (l Listen) Addr() string { return net.JoinHostPort(l.Host, strconv.Itoa(l.Port)) }

// ServerConfig is a server block. Built once at startup, read-only thereafter.
type ServerConfig struct {
	Listens          []Listen
	Names            []string
	Root             string
	Index            string
	MaxBodySize      int64
	MaxHeaderSize    int
	KeepAliveTimeout time.Duration
	CGITimeout       time.Duration
	Workers          int
	ErrorPages       map[int16][]byte
	Routes           []*RouteRule // flattened locations, in config order

	implicit *RouteRule // "/" built from server defaults, nil if the server has no root
	notFound *RouteRule // answers unroutable requests
}

// Name returns the primary server name.
func (s *ServerConfig) Name() string {
	if len(s.Names) > 0 {
		return s.Names[0]
	}
	return "localhost"
}

const ( // directive codes
	dirServer = 1 + iota
	dirErrorLog
	dirLogLevel
	dirListen
	dirHost
	dirServerName
	dirMaxHeaderSize
	dirKeepAliveTimeout
	dirCGITimeout
	dirWorkers
	dirLocation
	dirMethods
	dirReturn
	dirRoot
	dirIndex
	dirDirListing
	dirUploadDir
	dirMaxBodySize
	dirErrorPage
	dirCGI
	dirCGIPathPHP
	dirCGIPathPython
)

var directives = map[string]int16{
	"server":                 dirServer,
	"error_log":              dirErrorLog,
	"log_level":              dirLogLevel,
	"listen":                 dirListen,
	"host":                   dirHost,
	"server_name":            dirServerName,
	"max_client_header_size": dirMaxHeaderSize,
	"keepalive_timeout":      dirKeepAliveTimeout,
	"cgi_timeout":            dirCGITimeout,
	"workers":                dirWorkers,
	"location":               dirLocation,
	"methods":                dirMethods,
	"allow_methods":          dirMethods,
	"return":                 dirReturn,
	"root":                   dirRoot,
	"index":                  dirIndex,
	"dir_listing":            dirDirListing,
	"autoindex":              dirDirListing,
	"upload_dir":             dirUploadDir,
	"max_client_body_size":   dirMaxBodySize,
	"client_max_body_size":   dirMaxBodySize,
	"error_page":             dirErrorPage,
	"cgi":                    dirCGI,
	"cgi_path_php":           dirCGIPathPHP,
	"cgi_path_python":        dirCGIPathPython,
}

// LoadConfig loads and checks a config file.
func LoadConfig(file string) (*Config, error) {
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	c := newConfigurator(filepath.Dir(abs))
	return c.run(func() {
		c.ScanFile(c.base, filepath.Base(abs))
	}, abs)
}

// ParseConfig loads config text. Relative paths are resolved against base.
func ParseConfig(base string, text string) (*Config, error) {
	c := newConfigurator(base)
	return c.run(func() {
		c.ScanText(text)
	}, "")
}

// configurator applies tokens to configs.
type configurator struct {
	config.Parser_
	base   string
	result *Config
	pages  map[string][]byte // loaded error pages, by file
}

func newConfigurator(base string) *configurator {
	c := new(configurator)
	c.Init(directives)
	c.base = base
	c.result = new(Config)
	c.pages = make(map[string][]byte)
	return c
}

func (c *configurator) run(scan func(), file string) (result *Config, err error) {
	defer func() {
		if x := recover(); x != nil {
			if e, ok := x.(error); ok {
				err = fmt.Errorf("config: %w", e)
			} else {
				err = fmt.Errorf("config: %v", x)
			}
		}
	}()
	scan()
	c.result.File = file
	c.configure()
	if len(c.result.Servers) == 0 {
		return nil, fmt.Errorf("config: no server defined")
	}
	return c.result, nil
}

func (c *configurator) fail(token config.Token, format string, args ...any) {
	panic(fmt.Errorf("%s in %s", fmt.Sprintf(format, args...), token.Where()))
}

func (c *configurator) configure() {
	for !c.Done() {
		token := c.Expect(config.TokenWord)
		switch token.Info {
		case dirServer:
			c.ForwardExpect(config.TokenLeftBrace)
			c.configureServer(token)
		case dirErrorLog:
			c.result.ErrorLog = c.path(c.single(token).Text)
		case dirLogLevel:
			c.result.LogLevel = c.single(token).Text
		default:
			c.fail(token, "unknown directive %q", token.Text)
		}
		c.Next()
	}
}

// arguments collects the arguments of a simple directive, which must end with ';'.
func (c *configurator) arguments(token config.Token, min int, max int) []config.Token {
	args := c.Args()
	if !c.CurrentIs(config.TokenSemicolon) {
		c.fail(token, "directive %q must end with ';'", token.Text)
	}
	if len(args) < min || (max >= 0 && len(args) > max) {
		c.fail(token, "invalid number of arguments for %q", token.Text)
	}
	return args
}

func (c *configurator) single(token config.Token) config.Token {
	return c.arguments(token, 1, 1)[0]
}

func (c *configurator) path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.base, p)
}

// serverDraft is a server block before inheritance is resolved.
type serverDraft struct {
	token     config.Token
	listens   []config.Token
	host      string
	names     []string
	maxHeader int
	keepAlive time.Duration
	cgiTime   time.Duration
	workers   int
	defaults  ruleDraft
	locations []*ruleDraft
}

// ruleDraft holds the settings a location sets itself. Unset ones are inherited from parent.
type ruleDraft struct {
	token          config.Token
	path           string
	parent         *ruleDraft
	methods        *uint32
	allow          []string
	redirect       string
	redirectStatus int16
	root           *string
	index          *string
	dirListing     *bool
	uploadDir      *string
	maxBody        *int64
	cgi            map[string]string
	errorPages     map[int16]string
}

func inherit[T any](d *ruleDraft, get func(*ruleDraft) *T, value T) T {
	for ; d != nil; d = d.parent {
		if p := get(d); p != nil {
			return *p
		}
	}
	return value
}

func (c *configurator) configureServer(token config.Token) {
	s := &serverDraft{token: token, host: defaultHost}
	s.defaults.token = token
	s.defaults.path = "/"
	for {
		token := c.Forward()
		if token.Kind == config.TokenRightBrace {
			break
		}
		if token.Kind != config.TokenWord {
			c.fail(token, "unexpected %s", token.Name())
		}
		switch token.Info {
		case dirListen:
			s.listens = append(s.listens, c.single(token))
		case dirHost:
			s.host = c.single(token).Text
		case dirServerName:
			for _, arg := range c.arguments(token, 1, -1) {
				s.names = append(s.names, arg.Text)
			}
		case dirMaxHeaderSize:
			s.maxHeader = c.size(token)
		case dirKeepAliveTimeout:
			s.keepAlive = c.duration(token)
		case dirCGITimeout:
			s.cgiTime = c.duration(token)
		case dirWorkers:
			s.workers = c.size(token)
		case dirLocation:
			c.configureLocation(token, s, &s.defaults)
		default:
			if !c.configureRule(token, &s.defaults) {
				c.fail(token, "unknown directive %q", token.Text)
			}
		}
	}
	c.result.Servers = append(c.result.Servers, c.buildServer(s))
}

func (c *configurator) configureLocation(token config.Token, s *serverDraft, parent *ruleDraft) {
	args := c.Args()
	if !c.CurrentIs(config.TokenLeftBrace) || len(args) != 1 {
		c.fail(token, "location needs a path and a block")
	}
	p := args[0].Text
	if p == "" || p[0] != '/' {
		c.fail(token, "location path %q must start with '/'", p)
	}
	d := &ruleDraft{token: token, path: p, parent: parent}
	s.locations = append(s.locations, d)
	for {
		token := c.Forward()
		if token.Kind == config.TokenRightBrace {
			return
		}
		if token.Kind != config.TokenWord {
			c.fail(token, "unexpected %s", token.Name())
		}
		if token.Info == dirLocation {
			c.configureLocation(token, s, d)
			continue
		}
		if !c.configureRule(token, d) {
			c.fail(token, "directive %q is not allowed in location", token.Text)
		}
	}
}

// configureRule applies a directive usable in both server and location blocks.
func (c *configurator) configureRule(token config.Token, d *ruleDraft) bool {
	switch token.Info {
	case dirMethods:
		var codes uint32
		var allow []string
		for _, arg := range c.arguments(token, 1, -1) {
			name := strings.ToUpper(arg.Text)
			code, ok := methodCodes[name]
			if !ok {
				c.fail(arg, "unknown method %q", arg.Text)
			}
			if codes&code == 0 {
				allow = append(allow, name)
			}
			codes |= code
		}
		d.methods, d.allow = &codes, allow
	case dirReturn:
		args := c.arguments(token, 1, 2)
		status := int64(StatusTemporaryRedirect)
		if len(args) == 2 {
			n, ok := args[0].Int64()
			if !ok || n < 300 || n > 399 {
				c.fail(args[0], "invalid redirect status %q", args[0].Text)
			}
			status = n
		}
		d.redirect, d.redirectStatus = args[len(args)-1].Text, int16(status)
	case dirRoot:
		root := c.path(c.single(token).Text)
		d.root = &root
	case dirIndex:
		index := c.single(token).Text
		d.index = &index
	case dirDirListing:
		arg := c.single(token)
		on, ok := arg.Bool()
		if !ok {
			c.fail(arg, "%q must be on or off", token.Text)
		}
		d.dirListing = &on
	case dirUploadDir:
		dir := c.path(c.single(token).Text)
		d.uploadDir = &dir
	case dirMaxBodySize:
		arg := c.single(token)
		n, ok := arg.Int64()
		if !ok {
			c.fail(arg, "invalid size %q", arg.Text)
		}
		d.maxBody = &n
	case dirErrorPage:
		args := c.arguments(token, 2, -1)
		if d.errorPages == nil {
			d.errorPages = make(map[int16]string)
		}
		page := args[len(args)-1].Text
		for _, arg := range args[:len(args)-1] {
			n, ok := arg.Int64()
			if !ok || n < 300 || n > 599 {
				c.fail(arg, "invalid error_page status %q", arg.Text)
			}
			d.errorPages[int16(n)] = page
		}
	case dirCGI:
		args := c.arguments(token, 1, 2)
		ext := args[0].Text
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		interpreter := ""
		if len(args) == 2 {
			interpreter = args[1].Text
		}
		c.mapCGI(d, ext, interpreter)
	case dirCGIPathPHP:
		c.mapCGI(d, ".php", filepath.Join(c.single(token).Text, "php-cgi"))
	case dirCGIPathPython:
		c.mapCGI(d, ".py", filepath.Join(c.single(token).Text, "python3"))
	default:
		return false
	}
	return true
}

func (c *configurator) mapCGI(d *ruleDraft, ext string, interpreter string) {
	if d.cgi == nil {
		d.cgi = make(map[string]string)
	}
	d.cgi[ext] = interpreter
}

func (c *configurator) size(token config.Token) int {
	arg := c.single(token)
	n, ok := arg.Int()
	if !ok || n <= 0 {
		c.fail(arg, "invalid value %q for %q", arg.Text, token.Text)
	}
	return n
}

func (c *configurator) duration(token config.Token) time.Duration {
	arg := c.single(token)
	d, ok := arg.Duration()
	if !ok || d <= 0 {
		c.fail(arg, "invalid duration %q for %q", arg.Text, token.Text)
	}
	return d
}

func (c *configurator) buildServer(s *serverDraft) *ServerConfig {
	server := &ServerConfig{
		Names:            s.names,
		MaxHeaderSize:    s.maxHeader,
		KeepAliveTimeout: s.keepAlive,
		CGITimeout:       s.cgiTime,
		Workers:          s.workers,
	}
	if server.MaxHeaderSize == 0 {
		server.MaxHeaderSize = defaultMaxHeaderSize
	}
	if server.KeepAliveTimeout == 0 {
		server.KeepAliveTimeout = defaultKeepAliveTimeout
	}
	if server.CGITimeout == 0 {
		server.CGITimeout = defaultCGITimeout
	}
	if len(s.listens) == 0 {
		c.fail(s.token, "server needs a listen directive")
	}
	for _, token := range s.listens {
		server.Listens = append(server.Listens, c.listen(token, s.host))
	}

	implicit := c.buildRule(&s.defaults, server)
	server.Root = implicit.Root
	server.Index = implicit.Index
	server.MaxBodySize = implicit.MaxBodySize
	server.ErrorPages = implicit.ErrorPages
	if s.defaults.root != nil {
		server.implicit = implicit
	}
	server.notFound = &RouteRule{
		Path:        "/",
		Methods:     MethodGET,
		Allow:       "GET",
		MaxBodySize: server.MaxBodySize,
		ErrorPages:  server.ErrorPages,
		server:      server,
	}
	for _, d := range s.locations {
		server.Routes = append(server.Routes, c.buildRule(d, server))
	}
	return server
}

func (c *configurator) listen(token config.Token, host string) Listen {
	text := token.Text
	portText := text
	if strings.ContainsRune(text, ':') {
		h, p, err := net.SplitHostPort(text)
		if err != nil {
			c.fail(token, "invalid listen address %q", text)
		}
		if h != "" {
			host = h
		}
		portText = p
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		c.fail(token, "invalid listen port %q", text)
	}
	if host == "localhost" {
		host = "127.0.0.1"
	}
	return Listen{Host: host, Port: port}
}

func (c *configurator) buildRule(d *ruleDraft, server *ServerConfig) *RouteRule {
	rule := &RouteRule{
		Path:           d.path,
		Redirect:       d.redirect,
		RedirectStatus: d.redirectStatus,
		Methods:        inherit(d, func(d *ruleDraft) *uint32 { return d.methods }, uint32(MethodGET)),
		Root:           inherit(d, func(d *ruleDraft) *string { return d.root }, ""),
		Index:          inherit(d, func(d *ruleDraft) *string { return d.index }, defaultIndex),
		DirListing:     inherit(d, func(d *ruleDraft) *bool { return d.dirListing }, false),
		UploadDir:      inherit(d, func(d *ruleDraft) *string { return d.uploadDir }, ""),
		MaxBodySize:    inherit(d, func(d *ruleDraft) *int64 { return d.maxBody }, int64(defaultMaxBodySize)),
		server:         server,
	}
	for x := d; x != nil; x = x.parent {
		if x.methods != nil {
			rule.Allow = strings.Join(x.allow, ", ")
			break
		}
	}
	if rule.Allow == "" {
		rule.Allow = "GET"
	}

	// Maps merge outward-in so that inner settings override outer ones.
	var chain []*ruleDraft
	for x := d; x != nil; x = x.parent {
		chain = append(chain, x)
	}
	pagePaths := make(map[int16]string)
	for i := len(chain) - 1; i >= 0; i-- {
		for ext, interpreter := range chain[i].cgi {
			if rule.CGI == nil {
				rule.CGI = make(map[string]string)
			}
			rule.CGI[ext] = interpreter
		}
		for status, page := range chain[i].errorPages {
			pagePaths[status] = page
		}
	}
	if len(pagePaths) > 0 {
		rule.ErrorPages = make(map[int16][]byte, len(pagePaths))
		statuses := make([]int, 0, len(pagePaths))
		for status := range pagePaths {
			statuses = append(statuses, int(status))
		}
		sort.Ints(statuses)
		for _, status := range statuses {
			if page, ok := c.errorPage(rule.Root, pagePaths[int16(status)]); ok {
				rule.ErrorPages[int16(status)] = page
			}
		}
	}
	return rule
}

// errorPage loads an error page. The path is looked up under root first, then as a file path.
func (c *configurator) errorPage(root string, page string) ([]byte, bool) {
	var candidates []string
	if root != "" {
		candidates = append(candidates, filepath.Join(root, filepath.FromSlash(page)))
	}
	candidates = append(candidates, c.path(page))
	for _, file := range candidates {
		if data, ok := c.pages[file]; ok {
			return data, true
		}
		if data, err := os.ReadFile(file); err == nil {
			c.pages[file] = data
			return data, true
		}
	}
	warning := fmt.Sprintf("error page %q not found", page)
	for _, w := range c.result.Warnings {
		if w == warning {
			return nil, false
		}
	}
	c.result.Warnings = append(c.result.Warnings, warning)
	return nil, false
}
