// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package serv

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testConfigText = `
log_level debug;
server {
    listen 8080;
    host 127.0.0.1;
    server_name localhost example.com;
    root www;
    max_client_body_size 5000000;
    keepalive_timeout 30s;
    error_page 404 /errors/404.html;
    cgi_path_python /usr/bin;

    location /oldDir/ { return 307 /newDir/; }
    location /images/ {
        methods GET POST DELETE;
        dir_listing on;
        max_client_body_size 1K;
        location /images/private/ {
            methods GET;
            cgi .sh;
        }
    }
}
server {
    listen 127.0.0.1:9090;
    max_client_header_size 16K;
}
`

func TestParseConfig(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "www", "errors"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "www", "errors", "404.html"), []byte("custom 404"), 0644); err != nil {
		t.Fatal(err)
	}
	config, err := ParseConfig(dir, testConfigText)
	if err != nil {
		t.Fatal(err)
	}
	if config.LogLevel != "debug" || len(config.Servers) != 2 {
		t.Fatalf("config=%+v", config)
	}
	if len(config.Warnings) != 0 {
		t.Errorf("warnings=%v", config.Warnings)
	}

	s := config.Servers[0]
	if len(s.Listens) != 1 || s.Listens[0].Addr() != "127.0.0.1:8080" {
		t.Errorf("listens=%v", s.Listens)
	}
	if s.Root != filepath.Join(dir, "www") || s.Index != "index.html" || s.MaxBodySize != 5000000 {
		t.Errorf("server defaults: root=%s index=%s body=%d", s.Root, s.Index, s.MaxBodySize)
	}
	if s.KeepAliveTimeout != 30*time.Second || s.CGITimeout != defaultCGITimeout || s.MaxHeaderSize != defaultMaxHeaderSize {
		t.Errorf("timeouts: %s %s %d", s.KeepAliveTimeout, s.CGITimeout, s.MaxHeaderSize)
	}
	if len(s.Routes) != 3 {
		t.Fatalf("got %d routes", len(s.Routes))
	}

	old := s.Routes[0]
	if old.Redirect != "/newDir/" || old.RedirectStatus != StatusTemporaryRedirect {
		t.Errorf("redirect: %s %d", old.Redirect, old.RedirectStatus)
	}

	images := s.Routes[1]
	if images.Methods != MethodGET|MethodPOST|MethodDELETE || images.Allow != "GET, POST, DELETE" {
		t.Errorf("images methods=%x allow=%s", images.Methods, images.Allow)
	}
	if !images.DirListing || images.MaxBodySize != 1024 || images.Root != s.Root {
		t.Errorf("images: %+v", images)
	}
	if string(images.ErrorPages[404]) != "custom 404" {
		t.Errorf("inherited error page: %q", images.ErrorPages[404])
	}
	if images.CGI[".py"] != "/usr/bin/python3" {
		t.Errorf("cgi=%v", images.CGI)
	}

	private := s.Routes[2]
	if private.Path != "/images/private/" || private.Methods != MethodGET || !private.DirListing || private.MaxBodySize != 1024 {
		t.Errorf("nested: %+v", private)
	}
	if interpreter, ok := private.CGI[".sh"]; !ok || interpreter != "" || private.CGI[".py"] != "/usr/bin/python3" {
		t.Errorf("nested cgi=%v", private.CGI)
	}

	other := config.Servers[1]
	if other.MaxHeaderSize != 16<<10 || other.implicit != nil || other.MaxBodySize != defaultMaxBodySize {
		t.Errorf("second server: %+v", other)
	}
}

func TestParseConfigOrderIndependent(t *testing.T) {
	config, err := ParseConfig("/srv", `server { location /a/ { } listen 80; root /var/www; index home.html; }`)
	if err != nil {
		t.Fatal(err)
	}
	rule := config.Servers[0].Routes[0]
	if rule.Root != "/var/www" || rule.Index != "home.html" {
		t.Errorf("rule=%+v", rule)
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"", "no server"},
		{"server { }", "listen"},
		{"server {\n listen 80;\n bogus on;\n}", `unknown directive "bogus" in line 3`},
		{"server {\n listen 80;\n location /a/ {\n  listen 81;\n }\n}", "not allowed in location"},
		{"server { listen 80; methods GET FETCH; }", "unknown method"},
		{"server { listen 80; return 200 /x; }", "invalid redirect status"},
		{"server { listen 99999; }", "invalid listen port"},
		{"server { listen 80; location a/ { } }", "must start with '/'"},
		{"server { listen 80; dir_listing maybe; }", "on or off"},
		{"server { listen 80; max_client_body_size big; }", "invalid size"},
		{"server { listen 80; keepalive_timeout 10K; }", "invalid duration"},
		{"server { listen 80 }", "unexpected rightBrace"},
		{"server { listen 80 {", "must end with ';'"},
		{"server { listen 80;", "EOF"},
		{"listen 80;", "unknown directive"},
	}
	for _, test := range tests {
		_, err := ParseConfig("/tmp", test.text)
		if err == nil || !strings.Contains(err.Error(), test.want) {
			t.Errorf("%q: err=%v want %q", test.text, err, test.want)
		}
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "webserv.conf")
	text := "server {\n listen 8081;\n root html;\n upload_dir up;\n error_page 500 502 /50x.html;\n}\n"
	if err := os.WriteFile(file, []byte(text), 0644); err != nil {
		t.Fatal(err)
	}
	config, err := LoadConfig(file)
	if err != nil {
		t.Fatal(err)
	}
	s := config.Servers[0]
	if s.Root != filepath.Join(dir, "html") || s.implicit == nil || s.implicit.UploadDir != filepath.Join(dir, "up") {
		t.Errorf("paths not resolved against config dir: %+v", s.implicit)
	}
	if config.File != file {
		t.Errorf("file=%s", config.File)
	}
	if len(config.Warnings) != 1 || !strings.Contains(config.Warnings[0], "/50x.html") {
		t.Errorf("warnings=%v", config.Warnings)
	}
}

func TestLoadSampleConfig(t *testing.T) {
	config, err := LoadConfig("../conf/webserv.conf")
	if err != nil {
		t.Fatal(err)
	}
	if len(config.Warnings) != 0 {
		t.Errorf("warnings=%v", config.Warnings)
	}
	table := NewRouteTable(config.Servers)
	rule, err := table.Resolve("localhost", 8080, "/cgi/empty/")
	if err != nil || rule.Redirect != "https://www.google.com" {
		t.Errorf("rule=%+v err=%v", rule, err)
	}
}
