// Copyright (c) 2020-2024 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1 connections. All methods except deliver and the atomics run on the owning event loop.

package serv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/valyala/bytebufferpool"
)

const ( // connection states
	connReading = iota
	connDispatching
	connAwaitingUpstream
	connWriting
	connClosing
)

const (
	maxDrainSize = 64 << 20        // bytes of a refused body worth draining
	closeTimeout = 5 * time.Second // max time in closing state
)

var connStateNames = [...]string{
	connReading:          "reading",
	connDispatching:      "dispatching",
	connAwaitingUpstream: "awaitingUpstream",
	connWriting:          "writing",
	connClosing:          "closing",
}

// connection is the state of a client connection.
type connection struct {
	// Assocs
	id     uint64
	gc     gnet.Conn
	engine *engine
	router *Router
	// States, owned by the event loop
	parser       *requestParser
	state        int8
	keepAlive    time.Duration
	drainLeft    int64 // body bytes still to discard before closing
	closingSince time.Time
	cancel       context.CancelFunc // cancels the CGI job in flight
	nRequests    int
	// States, shared with ticker and CGI goroutines
	lastActive atomic.Int64 // unix nano
	closing    atomic.Bool
	kicked     atomic.Bool // ticker asked for a timeout check
	mutex      sync.Mutex  // protects upstream
	upstream   *Response   // CGI response waiting to be written
}

func newConnection(id uint64, gc gnet.Conn, e *engine) *connection {
	c := &connection{
		id:        id,
		gc:        gc,
		engine:    e,
		router:    e.server.router,
		keepAlive: e.keepAlive,
	}
	c.parser = newRequestParser(e.maxHeaderSize, c.router.BodyLimit)
	if addr := gc.RemoteAddr(); addr != nil {
		c.parser.remoteAddr = addr.String()
	}
	c.parser.localPort = e.port
	c.touch()
	return c
}

func (c *connection) touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *connection) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActive.Load()))
}

// onTraffic takes arrived bytes and advances the state machine as far as possible.
func (c *connection) onTraffic(data []byte) gnet.Action {
	if len(data) > 0 {
		c.touch()
		if c.state == connClosing {
			c.drain(int64(len(data)))
		} else {
			c.parser.feed(data)
		}
	}
	if c.state == connAwaitingUpstream {
		resp := c.takeUpstream()
		if resp == nil { // later requests stay buffered so responses keep their order
			return gnet.None
		}
		c.cancel = nil
		if action := c.respond(resp); action != gnet.None || c.state == connClosing {
			return action
		}
	}
	if c.kicked.Swap(false) {
		if action, done := c.checkTimeout(time.Now()); done {
			return action
		}
	}
	if c.state == connClosing {
		return c.tryClose()
	}
	for c.state == connReading {
		req, err := c.parser.next()
		if err != nil {
			return c.refuse(err)
		}
		if req == nil { // need more bytes
			return gnet.None
		}
		c.nRequests++
		c.state = connDispatching
		resp, job := c.router.Dispatch(req)
		if job != nil {
			c.state = connAwaitingUpstream
			ctx, cancel := context.WithCancel(context.Background())
			c.cancel = cancel
			launchCGI(ctx, job, func(result cgiResult) {
				c.deliver(c.router.cgiResponse(job, result))
			})
			return gnet.None
		}
		if action := c.respond(resp); c.state == connClosing {
			return action
		}
	}
	return gnet.None
}

// respond writes resp and moves to reading or closing.
func (c *connection) respond(resp *Response) gnet.Action {
	c.state = connWriting
	c.write(resp)
	if resp.Close {
		return c.startClosing()
	}
	c.state = connReading
	return gnet.None
}

func (c *connection) write(resp *Response) {
	buf := bytebufferpool.Get()
	resp.encodeHead(buf, time.Now())
	var err error
	if payload := resp.payload(); len(payload) > 0 {
		_, err = c.gc.Writev([][]byte{buf.B, payload})
	} else {
		_, err = c.gc.Write(buf.B)
	}
	bytebufferpool.Put(buf)
	if err != nil {
		c.engine.log.Debug().Err(err).Uint64("conn", c.id).Msg("write failed")
	}
	if e := c.engine.log.Debug(); e.Enabled() {
		e.Uint64("conn", c.id).Int16("status", resp.Status).Int("size", len(resp.Body)).Msg("response")
	}
}

// refuse answers a request the parser rejected.
func (c *connection) refuse(err error) gnet.Action {
	resp := c.router.ErrorResponse(c.parser.partial(), c.engine.port, err)
	c.state = connWriting
	c.write(resp)
	if errors.Is(err, ErrPayloadTooLarge) {
		if left := c.parser.drainSize(); left <= maxDrainSize {
			c.drainLeft = left
		}
	}
	c.parser.discard(int64(c.parser.buffered()))
	return c.startClosing()
}

// drain discards n bytes of a refused body.
func (c *connection) drain(n int64) {
	if c.drainLeft -= n; c.drainLeft < 0 {
		c.drainLeft = 0
	}
}

func (c *connection) startClosing() gnet.Action {
	c.state = connClosing
	c.closingSince = time.Now()
	c.closing.Store(true)
	return c.tryClose()
}

// tryClose closes the connection once the refused body is drained and the output is flushed.
// Otherwise the ticker wakes us up later.
func (c *connection) tryClose() gnet.Action {
	if c.drainLeft > 0 || c.gc.OutboundBuffered() > 0 {
		return gnet.None
	}
	return gnet.Close
}

// checkTimeout handles idle and stuck connections. done tells whether action is final.
func (c *connection) checkTimeout(now time.Time) (action gnet.Action, done bool) {
	switch c.state {
	case connClosing:
		if now.Sub(c.closingSince) > closeTimeout {
			return gnet.Close, true
		}
	case connReading:
		if c.idle(now) <= c.keepAlive {
			return gnet.None, false
		}
		if !c.parser.pending() {
			return gnet.Close, true
		}
		resp := c.router.ErrorResponse(c.parser.partial(), c.engine.port, newStatusError(ErrProtocol, StatusRequestTimeout, errors.New("request timeout")))
		c.state = connWriting
		c.write(resp)
		c.parser.discard(int64(c.parser.buffered()))
		return c.startClosing(), true
	}
	return gnet.None, false
}

// deliver hands a CGI response over to the event loop. Called on the job's goroutine.
func (c *connection) deliver(resp *Response) {
	c.mutex.Lock()
	c.upstream = resp
	c.mutex.Unlock()
	if err := c.gc.Wake(nil); err != nil {
		c.engine.log.Debug().Err(err).Uint64("conn", c.id).Msg("wake failed")
	}
}

func (c *connection) takeUpstream() *Response {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	resp := c.upstream
	c.upstream = nil
	return resp
}

// onClose releases what the connection holds.
func (c *connection) onClose() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}
