// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// CGI executor runs CGI programs off the event loops and turns their output into responses. See RFC 3875.

package serv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hexinfra/webserv/serv/libraries/system"
)

const (
	cgiMaxOutput = 32 << 20
	cgiMaxStderr = 4 << 10
	cgiWaitDelay = 2 * time.Second
	cgiPath      = "/usr/local/bin:/usr/bin:/bin"
)

var (
	errCGITimeout  = errors.New("cgi: timeout")
	errCGIOutput   = errors.New("cgi: output too large")
	errCGINoOutput = errors.New("cgi: exited abnormally without output")
	errCGIHeader   = errors.New("cgi: malformed header section")
)

// cgiJob is a CGI program to run for a request.
type cgiJob struct {
	rule        *RouteRule
	req         *Request
	script      string // absolute path of the script
	interpreter string // "" runs the script itself
	env         []string
	timeout     time.Duration
}

// cgiResult is what a finished job hands back to its event loop.
type cgiResult struct {
	output   []byte
	exitCode int
	elapsed  time.Duration
	err      error // *StatusError
}

func (r *Router) newCGIJob(h *handler, req *Request) *cgiJob {
	server := h.rule.server
	timeout := defaultCGITimeout
	if server != nil && server.CGITimeout > 0 {
		timeout = server.CGITimeout
	}
	script, err := filepath.Abs(h.path)
	if err != nil {
		script = h.path
	}
	job := &cgiJob{
		rule:        h.rule,
		req:         req,
		script:      script,
		interpreter: h.interpreter,
		timeout:     timeout,
	}
	job.env = cgiEnv(job, h, server)
	return job
}

func cgiEnv(job *cgiJob, h *handler, server *ServerConfig) []string {
	req := job.req
	serverName := req.Host()
	if serverName == "" && server != nil {
		serverName = server.Name()
	}
	remoteHost, remotePort, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		remoteHost = req.RemoteAddr
	}
	documentRoot, err := filepath.Abs(h.rule.Root)
	if err != nil {
		documentRoot = h.rule.Root
	}
	path := os.Getenv("PATH")
	if path == "" {
		path = cgiPath
	}
	env := []string{
		"GATEWAY_INTERFACE=CGI/1.1",
		"SERVER_SOFTWARE=" + serverSoftware,
		"SERVER_PROTOCOL=" + req.Version,
		"SERVER_NAME=" + serverName,
		"SERVER_PORT=" + strconv.Itoa(req.LocalPort),
		"REQUEST_METHOD=" + req.Method,
		"REQUEST_URI=" + req.Target,
		"SCRIPT_NAME=" + h.scriptName,
		"SCRIPT_FILENAME=" + job.script,
		"PATH_INFO=" + h.pathInfo,
		"QUERY_STRING=" + req.Query,
		"REMOTE_ADDR=" + remoteHost,
		"REMOTE_PORT=" + remotePort,
		"DOCUMENT_ROOT=" + documentRoot,
		"REDIRECT_STATUS=200",
		"PATH=" + path,
	}
	if len(req.Body) > 0 {
		env = append(env, "CONTENT_LENGTH="+strconv.Itoa(len(req.Body)))
	} else {
		env = append(env, "CONTENT_LENGTH=")
	}
	contentType, _ := req.Header("Content-Type")
	env = append(env, "CONTENT_TYPE="+contentType)
	seen := make(map[string]int)
	req.EachHeader(func(name string, value string) {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		switch key {
		case "HTTP_CONTENT_TYPE", "HTTP_CONTENT_LENGTH", "HTTP_PROXY": // HTTP_PROXY is httpoxy
			return
		}
		if i, ok := seen[key]; ok { // fold repeated headers
			env[i] += ", " + value
			return
		}
		seen[key] = len(env)
		env = append(env, key+"="+value)
	})
	return env
}

// launchCGI runs job on a goroutine of its own and passes the result to deliver.
// Cancelling ctx kills the program. The program is always reaped before deliver is called.
func launchCGI(ctx context.Context, job *cgiJob, deliver func(cgiResult)) {
	go func() {
		deliver(job.run(ctx))
	}()
}

// run executes the program and blocks until it's reaped.
func (j *cgiJob) run(ctx context.Context) (result cgiResult) {
	begin := time.Now()
	defer func() { result.elapsed = time.Since(begin) }()

	var cmd *exec.Cmd
	if j.interpreter != "" {
		cmd = exec.Command(j.interpreter, j.script)
	} else {
		cmd = exec.Command(j.script)
	}
	cmd.Dir = filepath.Dir(j.script)
	cmd.Env = j.env
	cmd.WaitDelay = cgiWaitDelay
	system.NewGroup(cmd)
	stdout := &limitedBuffer{limit: cgiMaxOutput, overflow: make(chan struct{})}
	stderr := &limitedBuffer{limit: cgiMaxStderr, truncate: true}
	cmd.Stdin = bytes.NewReader(j.req.Body)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		result.err = newStatusError(ErrUpstream, StatusBadGateway, fmt.Errorf("cgi: start %s: %w", j.script, err))
		return
	}
	timer := time.NewTimer(j.timeout)
	defer timer.Stop()
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		system.KillGroup(cmd.Process.Pid)
		<-done
		result.err = newStatusError(ErrUpstream, StatusGatewayTimeout, errCGITimeout)
		return
	case <-stdout.overflow:
		system.KillGroup(cmd.Process.Pid)
		<-done
		result.err = newStatusError(ErrUpstream, StatusBadGateway, errCGIOutput)
		return
	case <-ctx.Done():
		system.KillGroup(cmd.Process.Pid)
		<-done
		result.err = newStatusError(ErrUpstream, StatusBadGateway, ctx.Err())
		return
	}
	system.KillGroup(cmd.Process.Pid) // leftovers of the group

	result.exitCode = cmd.ProcessState.ExitCode()
	result.output = stdout.Bytes()
	switch {
	case stdout.exceeded:
		result.err = newStatusError(ErrUpstream, StatusBadGateway, errCGIOutput)
	case err != nil && len(result.output) == 0:
		result.err = newStatusError(ErrUpstream, StatusBadGateway, fmt.Errorf("%w: %v: %s", errCGINoOutput, err, bytes.TrimSpace(stderr.Bytes())))
	}
	return
}

// limitedBuffer collects output up to limit. Beyond that it drops writes if truncate,
// otherwise it fails them and closes overflow.
type limitedBuffer struct {
	bytes.Buffer
	limit    int
	truncate bool
	exceeded bool
	overflow chan struct{}
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.Len()+len(p) > b.limit {
		if !b.truncate {
			if !b.exceeded && b.overflow != nil {
				close(b.overflow)
			}
			b.exceeded = true
			return 0, errCGIOutput
		}
		b.exceeded = true
		if room := b.limit - b.Len(); room > 0 {
			b.Buffer.Write(p[:room])
		}
		return len(p), nil
	}
	return b.Buffer.Write(p)
}

// cgiResponse converts a finished job into a response.
func (r *Router) cgiResponse(job *cgiJob, result cgiResult) *Response {
	var resp *Response
	if result.err != nil {
		resp = r.errorResponse(job.rule, 0, result.err)
	} else if parsed, err := parseCGIOutput(result.output); err != nil {
		resp = r.errorResponse(job.rule, StatusBadGateway, newStatusError(ErrUpstream, StatusBadGateway, err))
	} else {
		resp = parsed
	}
	r.log.Debug().Str("script", job.script).Int("exit", result.exitCode).Dur("elapsed", result.elapsed).Int16("status", resp.Status).Msg("cgi done")
	r.finish(job.req, resp)
	return resp
}

// parseCGIOutput splits a leading header section from the body.
// Output that doesn't start with a header section is all body.
func parseCGIOutput(output []byte) (*Response, error) {
	head, body, ok := splitCGIHead(output)
	if !ok {
		return newTextResponse(StatusOK, "text/html", output), nil
	}
	resp := newResponse(StatusOK)
	resp.Body = body
	hasStatus, hasLocation, hasType := false, false, false
	for _, line := range strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n") {
		if line == "" {
			continue
		}
		name, value, _ := strings.Cut(line, ":")
		value = strings.TrimSpace(value)
		switch strings.ToLower(name) {
		case "status":
			code, _, _ := strings.Cut(value, " ")
			status, err := strconv.Atoi(code)
			if err != nil || status < 100 || status > 599 {
				return nil, fmt.Errorf("%w: bad status %q", errCGIHeader, value)
			}
			resp.Status = int16(status)
			hasStatus = true
		case "location":
			hasLocation = true
			resp.AddHeader("Location", value)
		case "content-type":
			hasType = true
			resp.AddHeader("Content-Type", value)
		default:
			resp.AddHeader(name, value)
		}
	}
	if hasLocation && !hasStatus {
		resp.Status = StatusFound
	}
	if !hasType && len(body) > 0 {
		resp.AddHeader("Content-Type", "text/html")
	}
	return resp, nil
}

// splitCGIHead finds a header section ending with an empty line. Every line in it must look like "Name: value".
func splitCGIHead(output []byte) (head string, body []byte, ok bool) {
	end, sep := -1, 0
	if i := bytes.Index(output, []byte("\r\n\r\n")); i >= 0 {
		end, sep = i, 4
	}
	if i := bytes.Index(output, []byte("\n\n")); i >= 0 && (end == -1 || i < end) {
		end, sep = i, 2
	}
	if end <= 0 {
		return "", nil, false
	}
	head = string(output[:end])
	for _, line := range strings.Split(strings.ReplaceAll(head, "\r\n", "\n"), "\n") {
		name, _, found := strings.Cut(line, ":")
		if !found || !isToken(name) {
			return "", nil, false
		}
	}
	return head, output[end+sep:], true
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", b) >= 0:
		default:
			return false
		}
	}
	return true
}
