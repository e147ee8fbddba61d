// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Server runs one gnet engine per listening address.

package serv

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/rs/zerolog"

	"github.com/hexinfra/webserv/serv/libraries/logger"
)

const tickInterval = 500 * time.Millisecond

// Server serves all servers of a config.
type Server struct {
	config  *Config
	router  *Router
	log     zerolog.Logger
	engines []*engine
	connID  atomic.Uint64
	running sync.WaitGroup
}

func NewServer(config *Config, log zerolog.Logger) *Server {
	s := &Server{
		config: config,
		router: NewRouter(NewRouteTable(config.Servers), log),
		log:    log,
	}
	byAddr := make(map[string]*engine)
	for _, server := range config.Servers {
		for _, listen := range server.Listens {
			addr := listen.Addr()
			e, ok := byAddr[addr]
			if !ok {
				e = newEngine(s, addr, listen.Port, server)
				byAddr[addr] = e
				s.engines = append(s.engines, e)
			}
			if server.Workers > e.workers {
				e.workers = server.Workers
			}
		}
	}
	return s
}

// Addrs returns the listening addresses.
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.engines))
	for _, e := range s.engines {
		addrs = append(addrs, e.addr)
	}
	return addrs
}

// Start boots all engines and returns once they are listening, or when one of them fails.
func (s *Server) Start() error {
	for _, e := range s.engines {
		s.running.Add(1)
		go func(e *engine) {
			defer s.running.Done()
			err := gnet.Run(e, "tcp://"+e.addr,
				gnet.WithMulticore(true),
				gnet.WithNumEventLoop(e.numLoops()),
				gnet.WithTicker(true),
				gnet.WithReusePort(false),
				gnet.WithLogger(logger.Gnet(s.log)),
			)
			e.stopped <- err
		}(e)
		select {
		case <-e.booted:
			s.log.Info().Str("addr", e.addr).Int("loops", e.numLoops()).Msg("listening")
		case err := <-e.stopped:
			if err == nil {
				err = errors.New("engine stopped before boot")
			}
			s.Stop(context.Background())
			return fmt.Errorf("listen %s: %w", e.addr, err)
		}
	}
	return nil
}

// Wait blocks until all engines have stopped.
func (s *Server) Wait() { s.running.Wait() }

// Stop stops all booted engines. Connections are closed and their CGI jobs cancelled.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	for _, e := range s.engines {
		if !e.isBooted() {
			continue
		}
		if err := e.eng.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", e.addr, err))
		}
	}
	s.Wait()
	return errors.Join(errs...)
}

// engine is the gnet event handler of a listening address.
type engine struct {
	gnet.BuiltinEventEngine
	// Assocs
	server *Server
	log    zerolog.Logger
	// States
	addr          string
	port          int
	workers       int
	maxHeaderSize int           // of the default server of the address
	keepAlive     time.Duration // of the default server of the address
	eng           gnet.Engine
	booted        chan struct{}
	bootDone      atomic.Bool
	stopped       chan error
	mutex         sync.Mutex // protects conns
	conns         map[*connection]struct{}
}

func newEngine(s *Server, addr string, port int, server *ServerConfig) *engine {
	return &engine{
		server:        s,
		log:           s.log.With().Str("addr", addr).Logger(),
		addr:          addr,
		port:          port,
		maxHeaderSize: server.MaxHeaderSize,
		keepAlive:     server.KeepAliveTimeout,
		booted:        make(chan struct{}),
		stopped:       make(chan error, 1),
		conns:         make(map[*connection]struct{}),
	}
}

func (e *engine) numLoops() int {
	if e.workers > 0 {
		return e.workers
	}
	if n := runtime.NumCPU(); n < 4 {
		return n
	}
	return 4
}

func (e *engine) isBooted() bool { return e.bootDone.Load() }

func (e *engine) OnBoot(eng gnet.Engine) gnet.Action {
	e.eng = eng
	e.bootDone.Store(true)
	close(e.booted)
	return gnet.None
}

func (e *engine) OnShutdown(eng gnet.Engine) {
	e.log.Info().Int("conns", e.countConns()).Msg("engine shut down")
}

func (e *engine) OnOpen(gc gnet.Conn) ([]byte, gnet.Action) {
	c := newConnection(e.server.connID.Add(1), gc, e)
	gc.SetContext(c)
	e.mutex.Lock()
	e.conns[c] = struct{}{}
	e.mutex.Unlock()
	return nil, gnet.None
}

func (e *engine) OnClose(gc gnet.Conn, err error) gnet.Action {
	c, ok := gc.Context().(*connection)
	if !ok {
		return gnet.None
	}
	c.onClose()
	e.mutex.Lock()
	delete(e.conns, c)
	e.mutex.Unlock()
	if ev := e.log.Debug(); ev.Enabled() {
		ev.Err(err).Uint64("conn", c.id).Str("state", connStateNames[c.state]).Int("requests", c.nRequests).Msg("connection closed")
	}
	return gnet.None
}

func (e *engine) OnTraffic(gc gnet.Conn) gnet.Action {
	c, ok := gc.Context().(*connection)
	if !ok {
		return gnet.Close
	}
	data, _ := gc.Next(-1)
	return c.onTraffic(data)
}

// OnTick wakes connections that may have timed out, or that wait for their output to drain.
// The checks themselves run on the owning loops.
func (e *engine) OnTick() (time.Duration, gnet.Action) {
	now := time.Now()
	var wakes []*connection
	e.mutex.Lock()
	for c := range e.conns {
		if c.closing.Load() || c.idle(now) > c.keepAlive {
			wakes = append(wakes, c)
		}
	}
	e.mutex.Unlock()
	for _, c := range wakes {
		c.kicked.Store(true)
		if err := c.gc.Wake(nil); err != nil {
			e.log.Debug().Err(err).Uint64("conn", c.id).Msg("wake failed")
		}
	}
	e.server.router.fcache.sweep(now)
	return tickInterval, gnet.None
}

// countConns returns the number of open connections.
func (e *engine) countConns() int {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return len(e.conns)
}
