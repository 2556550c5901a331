package control

import (
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/taskboard/internal/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxControlSize = 512
	sendBuffer     = 16
)

var errSubscriberGone = errors.New("subscriber closed")
var errSubscriberFull = errors.New("subscriber send buffer full")

// wsSubscriber delivers pushes over one WebSocket. writePump is the only
// writer; readPump watches for unsubscribe requests and disconnects.
type wsSubscriber struct {
	id   string
	nick string
	conn *websocket.Conn
	log  *zap.SugaredLogger

	mu     sync.Mutex
	closed bool
	send   chan []byte
	done   chan struct{}
}

func newSubscriber(nick string, conn *websocket.Conn, log *zap.SugaredLogger) *wsSubscriber {
	conn.SetReadLimit(maxControlSize)
	id := uuid.NewString()
	return &wsSubscriber{
		id:   id,
		nick: nick,
		conn: conn,
		log:  log.With("subscriber", id, "nickname", nick),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (s *wsSubscriber) Nickname() string { return s.nick }

// Push never blocks.
func (s *wsSubscriber) Push(push protocol.Push) error {
	payload, err := protocol.Marshal(push)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errSubscriberGone
	}
	select {
	case s.send <- payload:
		return nil
	default:
		return errSubscriberFull
	}
}

// Close makes writePump say goodbye and shut the socket.
func (s *wsSubscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *wsSubscriber) readPump(remove func()) {
	defer func() {
		remove()
		s.Close()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Infow("subscription connection lost", "err", err)
			}
			return
		}

		var msg protocol.ControlMessage
		if err := protocol.Unmarshal(raw, &msg); err != nil {
			s.log.Warnw("ignoring malformed control message", "err", err)
			continue
		}
		if msg.Type == protocol.ControlUnsubscribe {
			s.log.Infow("unsubscribe requested")
			return
		}
	}
}

func (s *wsSubscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case payload := <-s.send:
			if !s.write(websocket.TextMessage, payload) {
				s.Close()
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				s.Close()
				return
			}
		case <-s.done:
			s.drain()
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes pushes queued before Close.
func (s *wsSubscriber) drain() {
	for {
		select {
		case payload := <-s.send:
			if !s.write(websocket.TextMessage, payload) {
				return
			}
		default:
			return
		}
	}
}

func (s *wsSubscriber) write(kind int, payload []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := s.conn.WriteMessage(kind, payload); err != nil {
		s.log.Debugw("write to subscriber failed", "err", err)
		return false
	}
	return true
}
