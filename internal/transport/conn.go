package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/taskboard/internal/dispatch"
	"github.com/Tyrowin/taskboard/internal/protocol"
)

const writeWait = 10 * time.Second

type reply struct {
	payload []byte
	close   bool
}

// conn is one client connection. readPump parses frames and submits them
// one at a time; writePump is the only goroutine writing to the socket.
type conn struct {
	server  *Server
	netConn net.Conn
	sess    *dispatch.Session
	addr    string
	limiter *rateLimiter

	send     chan reply
	inflight chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConn(s *Server, nc net.Conn) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		server:   s,
		netConn:  nc,
		sess:     dispatch.NewSession(),
		addr:     nc.RemoteAddr().String(),
		limiter:  newRateLimiter(s.opts.RateLimit.Burst, s.opts.RateLimit.RefillInterval),
		send:     make(chan reply, 1),
		inflight: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// close tears the connection down. Safe to call more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.netConn.Close(); err != nil && !isExpectedCloseError(err) {
			c.server.log.Warnw("error closing connection", "session", c.sess.ID(), "addr", c.addr, "err", err)
		}
	})
}

func (c *conn) readPump() {
	defer func() {
		c.close()
		// wait for the request in flight, if any, so its effects precede the
		// implicit logout
		c.inflight <- struct{}{}
		c.server.handler.Disconnect(c.sess)
	}()

	reader := protocol.NewReader(c.netConn, c.server.opts.MaxFrameSize)
	for {
		payload, err := reader.ReadFrame()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if err := c.limiter.wait(c.ctx); err != nil {
			return
		}

		select {
		case c.inflight <- struct{}{}:
		case <-c.ctx.Done():
			return
		}
		c.server.handler.Submit(c.sess, payload, c.deliver)
	}
}

// deliver queues a reply for writePump and lets readPump submit the next
// request.
func (c *conn) deliver(res dispatch.Result) {
	select {
	case c.send <- reply{payload: res.Payload, close: res.Close}:
	case <-c.ctx.Done():
	}
	<-c.inflight
}

func (c *conn) handleReadError(err error) {
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge):
		c.server.log.Warnw("frame exceeds limit, closing connection", "session", c.sess.ID(), "addr", c.addr, "limit", c.server.opts.MaxFrameSize)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.server.log.Debugw("connection closed", "session", c.sess.ID(), "addr", c.addr)
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.server.log.Infow("connection closed mid-frame", "session", c.sess.ID(), "addr", c.addr)
	default:
		c.server.log.Warnw("read error", "session", c.sess.ID(), "addr", c.addr, "err", err)
	}
}

func (c *conn) writePump() {
	defer c.close()

	for {
		select {
		case r := <-c.send:
			if !c.writeFrame(r.payload) || r.close {
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) writeFrame(payload []byte) bool {
	if err := c.netConn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.server.log.Warnw("error setting write deadline", "session", c.sess.ID(), "addr", c.addr, "err", err)
		return false
	}
	if err := protocol.WriteFrame(c.netConn, payload); err != nil {
		if !isExpectedCloseError(err) {
			c.server.log.Warnw("error writing reply", "session", c.sess.ID(), "addr", c.addr, "err", err)
		}
		return false
	}
	return true
}

func isExpectedCloseError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
