// Package transport accepts client connections on the request port, frames
// requests and replies, and feeds requests to the dispatcher while keeping
// each connection's requests in order.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Tyrowin/taskboard/internal/dispatch"
	"github.com/Tyrowin/taskboard/internal/protocol"
	"go.uber.org/zap"
)

// Handler executes requests on behalf of connections.
type Handler interface {
	Submit(sess *dispatch.Session, payload []byte, done func(dispatch.Result))
	Disconnect(sess *dispatch.Session)
}

// Options configures a Server.
type Options struct {
	Addr         string
	MaxFrameSize int
	RateLimit    RateLimit
}

// DefaultRateLimit applies when Options leaves the rate limit unset.
var DefaultRateLimit = RateLimit{Burst: 50, RefillInterval: time.Second}

// Server is the request-port listener.
type Server struct {
	opts    Options
	handler Handler
	log     *zap.SugaredLogger

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server; nothing is bound until Listen.
func NewServer(opts Options, handler Handler, log *zap.Logger) *Server {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if opts.RateLimit.Burst <= 0 || opts.RateLimit.RefillInterval <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		opts:    opts,
		handler: handler,
		log:     log.Sugar().Named("transport"),
		conns:   make(map[*conn]struct{}),
	}
}

// Listen binds the request port.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr is the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return errors.New("transport: Serve called before Listen")
	}

	s.log.Infow("accepting connections", "addr", ln.Addr().String())

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isClosed() {
				return nil
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff *= 2; backoff > time.Second {
				backoff = time.Second
			}
			s.log.Warnw("accept failed, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		s.track(nc)
	}
}

// ListenAndServe binds and serves.
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(nc net.Conn) {
	c := newConn(s, nc)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = nc.Close()
		return
	}
	s.conns[c] = struct{}{}
	count := len(s.conns)
	s.wg.Add(2)
	s.mu.Unlock()

	s.log.Infow("client connected", "session", c.sess.ID(), "addr", c.addr, "connections", count)

	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
		s.untrack(c)
	}()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	count := len(s.conns)
	s.mu.Unlock()
	s.log.Infow("client disconnected", "session", c.sess.ID(), "addr", c.addr, "connections", count)
}

// Connections reports the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown stops accepting, closes every connection and waits for their
// goroutines, or until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		if err := ln.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warnw("error closing listener", "err", err)
		}
	}
	for _, c := range conns {
		c.close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Infow("transport stopped", "closed", len(conns))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
