package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Tyrowin/taskboard/internal/dispatch"
	"github.com/Tyrowin/taskboard/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler replies with the payload after a random delay, on its own
// goroutine, so replies would reorder if the connection did not serialize
// them. A "bye" payload asks for the connection to close.
type echoHandler struct {
	disconnects chan *dispatch.Session
}

func newEchoHandler() *echoHandler {
	return &echoHandler{disconnects: make(chan *dispatch.Session, 16)}
}

func (h *echoHandler) Submit(_ *dispatch.Session, payload []byte, done func(dispatch.Result)) {
	go func() {
		time.Sleep(time.Duration(rand.Intn(3)) * time.Millisecond)
		done(dispatch.Result{Payload: payload, Close: string(payload) == "bye"})
	}()
}

func (h *echoHandler) Disconnect(sess *dispatch.Session) {
	h.disconnects <- sess
}

func (h *echoHandler) waitDisconnect(t *testing.T) {
	t.Helper()
	select {
	case <-h.disconnects:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect not reported")
	}
}

func startServer(t *testing.T, opts Options, h Handler) *Server {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	s := NewServer(opts, h, nil)
	require.NoError(t, s.Listen())
	go func() { _ = s.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func dial(t *testing.T, s *Server) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", s.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	return c
}

func TestRepliesKeepRequestOrder(t *testing.T) {
	s := startServer(t, Options{RateLimit: RateLimit{Burst: 1000, RefillInterval: time.Second}}, newEchoHandler())
	c := dial(t, s)

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, protocol.WriteFrame(c, []byte(strconv.Itoa(i))))
	}

	r := protocol.NewReader(c, 0)
	for i := 0; i < n; i++ {
		payload, err := r.ReadFrame()
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(i), string(payload))
	}
}

func TestFrameSplitAcrossWrites(t *testing.T) {
	s := startServer(t, Options{}, newEchoHandler())
	c := dial(t, s)

	frame := protocol.EncodeFrame([]byte(`{"op":"Login"}`))
	for _, b := range frame {
		_, err := c.Write([]byte{b})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	payload, err := protocol.NewReader(c, 0).ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, `{"op":"Login"}`, string(payload))
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	h := newEchoHandler()
	s := startServer(t, Options{MaxFrameSize: 16}, h)
	c := dial(t, s)

	header := make([]byte, protocol.HeaderSize)
	binary.BigEndian.PutUint32(header, 1000)
	_, err := c.Write(header)
	require.NoError(t, err)

	_, err = protocol.NewReader(c, 0).ReadFrame()
	assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || isNetError(err), "unexpected error %v", err)
	h.waitDisconnect(t)
}

func isNetError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func TestCloseAfterReply(t *testing.T) {
	h := newEchoHandler()
	s := startServer(t, Options{}, h)
	c := dial(t, s)

	require.NoError(t, protocol.WriteFrame(c, []byte("bye")))
	r := protocol.NewReader(c, 0)
	payload, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "bye", string(payload))

	_, err = r.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
	h.waitDisconnect(t)
	require.Eventually(t, func() bool { return s.Connections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClientDisconnectIsReported(t *testing.T) {
	h := newEchoHandler()
	s := startServer(t, Options{}, h)
	c := dial(t, s)

	require.Eventually(t, func() bool { return s.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
	h.waitDisconnect(t)
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newEchoHandler()
	s := NewServer(Options{Addr: "127.0.0.1:0"}, h, nil)
	require.NoError(t, s.Listen())
	served := make(chan error, 1)
	go func() { served <- s.Serve() }()

	c := dial(t, s)
	require.Eventually(t, func() bool { return s.Connections() == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-served)

	_, err := protocol.NewReader(c, 0).ReadFrame()
	assert.Error(t, err)
	h.waitDisconnect(t)
}

func TestServeBeforeListen(t *testing.T) {
	s := NewServer(Options{}, newEchoHandler(), nil)
	assert.Error(t, s.Serve())
	assert.Nil(t, s.Addr())
}
