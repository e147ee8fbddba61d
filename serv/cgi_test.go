// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package serv

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var cgiScripts = map[string]string{
	"env.sh": `printf 'Content-Type: text/plain\r\n\r\n'
echo "METHOD=$REQUEST_METHOD"
echo "QUERY=$QUERY_STRING"
echo "INFO=$PATH_INFO"
echo "AGENT=$HTTP_USER_AGENT"
`,
	"echo.sh": `printf 'Status: 201 Created\r\nX-Script: echo\r\n\r\n'
cat
`,
	"moved.sh": `printf 'Location: /elsewhere\n\n'
`,
	"bare.sh": `echo plain output
`,
	"fail.sh": `echo oops >&2
exit 3
`,
	"slow.sh": `sleep 30
`,
	"badstatus.sh": `printf 'Status: abc\r\n\r\nbody'
`,
}

func newCGIRouter(t *testing.T) *Router {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	dir := t.TempDir()
	cgiDir := filepath.Join(dir, "www", "cgi")
	if err := os.MkdirAll(cgiDir, 0755); err != nil {
		t.Fatal(err)
	}
	for name, script := range cgiScripts {
		if err := os.WriteFile(filepath.Join(cgiDir, name), []byte(script), 0644); err != nil {
			t.Fatal(err)
		}
	}
	config := mustParseConfig(t, dir, `
server {
    listen 8080;
    root www;
    cgi_timeout 1s;
    location /cgi/ { methods GET POST; cgi .sh /bin/sh; }
}
`)
	return NewRouter(NewRouteTable(config.Servers), zerolog.Nop())
}

func dispatchCGI(t *testing.T, router *Router, req *Request) *cgiJob {
	t.Helper()
	resp, job := router.Dispatch(req)
	if job == nil {
		t.Fatalf("%s %s: no cgi job, status=%d", req.Method, req.Target, resp.Status)
	}
	return job
}

func TestCGIEnv(t *testing.T) {
	router := newCGIRouter(t)
	req := newTestRequest("GET", "/cgi/env.sh/extra/info?a=1&b=2", "")
	req.headers = append(req.headers,
		header{"User-Agent", "tester"},
		header{"X-Multi", "1"},
		header{"x-multi", "2"},
		header{"Proxy", "http://evil"},
	)
	job := dispatchCGI(t, router, req)
	env := make(map[string]string)
	for _, kv := range job.env {
		name, value, _ := strings.Cut(kv, "=")
		env[name] = value
	}
	want := map[string]string{
		"GATEWAY_INTERFACE": "CGI/1.1",
		"REQUEST_METHOD":    "GET",
		"QUERY_STRING":      "a=1&b=2",
		"SCRIPT_NAME":       "/cgi/env.sh",
		"PATH_INFO":         "/extra/info",
		"SERVER_PROTOCOL":   "HTTP/1.1",
		"SERVER_PORT":       "8080",
		"SERVER_NAME":       "localhost",
		"REMOTE_ADDR":       "127.0.0.1",
		"REMOTE_PORT":       "40000",
		"CONTENT_LENGTH":    "",
		"HTTP_USER_AGENT":   "tester",
		"HTTP_X_MULTI":      "1, 2",
	}
	for name, value := range want {
		if got, ok := env[name]; !ok || got != value {
			t.Errorf("%s=%q want %q", name, got, value)
		}
	}
	if _, ok := env["HTTP_"]; ok {
		t.Error("empty header passed as HTTP_")
	}
	if _, ok := env["HTTP_PROXY"]; ok {
		t.Error("HTTP_PROXY must not be passed")
	}
	if !filepath.IsAbs(env["SCRIPT_FILENAME"]) || !strings.HasSuffix(env["SCRIPT_FILENAME"], "env.sh") {
		t.Errorf("SCRIPT_FILENAME=%q", env["SCRIPT_FILENAME"])
	}

	result := job.run(context.Background())
	resp := router.cgiResponse(job, result)
	if resp.Status != StatusOK {
		t.Fatalf("status=%d err=%v", resp.Status, result.err)
	}
	for _, line := range []string{"METHOD=GET", "QUERY=a=1&b=2", "INFO=/extra/info", "AGENT=tester"} {
		if !bytes.Contains(resp.Body, []byte(line)) {
			t.Errorf("body %q lacks %q", resp.Body, line)
		}
	}
}

func TestCGIRun(t *testing.T) {
	router := newCGIRouter(t)
	tests := []struct {
		method   string
		target   string
		body     string
		status   int16
		contains string
		header   string
	}{
		{"POST", "/cgi/echo.sh", "posted data", StatusCreated, "posted data", "X-Script: echo"},
		{"GET", "/cgi/moved.sh", "", StatusFound, "", "Location: /elsewhere"},
		{"GET", "/cgi/bare.sh", "", StatusOK, "plain output", "Content-Type: text/html"},
		{"GET", "/cgi/fail.sh", "", StatusBadGateway, "502", ""},
		{"GET", "/cgi/badstatus.sh", "", StatusBadGateway, "502", ""},
	}
	for _, test := range tests {
		job := dispatchCGI(t, router, newTestRequest(test.method, test.target, test.body))
		resp := router.cgiResponse(job, job.run(context.Background()))
		if resp.Status != test.status {
			t.Errorf("%s: status=%d want %d", test.target, resp.Status, test.status)
			continue
		}
		if !bytes.Contains(resp.Body, []byte(test.contains)) {
			t.Errorf("%s: body %q lacks %q", test.target, resp.Body, test.contains)
		}
		if test.header != "" {
			name, value, _ := strings.Cut(test.header, ": ")
			if got, _ := resp.Header(name); got != value {
				t.Errorf("%s: %s=%q want %q", test.target, name, got, value)
			}
		}
	}
}

func TestCGIMissingScript(t *testing.T) {
	router := newCGIRouter(t)
	resp, job := router.Dispatch(newTestRequest("GET", "/cgi/none.sh", ""))
	if job != nil || resp.Status != StatusNotFound {
		t.Errorf("job=%v status=%d", job, resp.Status)
	}
}

func TestCGITimeout(t *testing.T) {
	router := newCGIRouter(t)
	job := dispatchCGI(t, router, newTestRequest("GET", "/cgi/slow.sh", ""))
	if job.timeout != time.Second {
		t.Fatalf("timeout=%s", job.timeout)
	}
	begin := time.Now()
	result := job.run(context.Background())
	if elapsed := time.Since(begin); elapsed > 10*time.Second {
		t.Errorf("run took %s", elapsed)
	}
	if !errors.Is(result.err, errCGITimeout) || statusOf(result.err) != StatusGatewayTimeout {
		t.Errorf("err=%v", result.err)
	}
	if resp := router.cgiResponse(job, result); resp.Status != StatusGatewayTimeout {
		t.Errorf("status=%d", resp.Status)
	}
}

func TestCGICancel(t *testing.T) {
	router := newCGIRouter(t)
	job := dispatchCGI(t, router, newTestRequest("GET", "/cgi/slow.sh", ""))
	job.timeout = time.Minute
	ctx, cancel := context.WithCancel(context.Background())
	results := make(chan cgiResult, 1)
	launchCGI(ctx, job, func(result cgiResult) { results <- result })
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case result := <-results:
		if !errors.Is(result.err, context.Canceled) {
			t.Errorf("err=%v", result.err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("job not cancelled")
	}
}

func TestCGIStartFailure(t *testing.T) {
	router := newCGIRouter(t)
	job := dispatchCGI(t, router, newTestRequest("GET", "/cgi/env.sh", ""))
	job.interpreter = "/nonexistent/interpreter"
	result := job.run(context.Background())
	if statusOf(result.err) != StatusBadGateway {
		t.Errorf("err=%v", result.err)
	}
}

func TestParseCGIOutput(t *testing.T) {
	tests := []struct {
		output string
		status int16
		body   string
		ctype  string
		bad    bool
	}{
		{"Content-Type: text/plain\r\n\r\nhello", StatusOK, "hello", "text/plain", false},
		{"Content-Type: text/plain\n\nhello", StatusOK, "hello", "text/plain", false},
		{"Status: 404 Not Found\r\n\r\nnope", StatusNotFound, "nope", "text/html", false},
		{"Location: /x\r\n\r\n", StatusFound, "", "", false},
		{"Status: 301\r\nLocation: /x\r\n\r\n", StatusMovedPermanently, "", "", false},
		{"just a body\n\nwith blank line", StatusOK, "just a body\n\nwith blank line", "text/html", false},
		{"no header at all", StatusOK, "no header at all", "text/html", false},
		{"Status: 99\r\n\r\n", 0, "", "", true},
	}
	for _, test := range tests {
		resp, err := parseCGIOutput([]byte(test.output))
		if test.bad {
			if err == nil {
				t.Errorf("%q: expect error", test.output)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: %v", test.output, err)
			continue
		}
		if resp.Status != test.status || string(resp.Body) != test.body {
			t.Errorf("%q: status=%d body=%q", test.output, resp.Status, resp.Body)
		}
		if ctype, _ := resp.Header("Content-Type"); ctype != test.ctype {
			t.Errorf("%q: content-type=%q want %q", test.output, ctype, test.ctype)
		}
	}
}
