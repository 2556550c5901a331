// Package fanout keeps every subscribed client's copy of the global user and
// project tables current. The server side is the Hub; the client side is the
// Mirror.
package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Tyrowin/taskboard/internal/protocol"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"go.uber.org/zap"
)

// ErrHubClosed is returned by operations on a hub that has shut down.
var ErrHubClosed = errors.New("fanout: hub closed")

// Subscriber receives snapshot pushes. Push must not block: a subscriber
// that cannot take a push right away returns an error and is dropped.
type Subscriber interface {
	Nickname() string
	Push(push protocol.Push) error
	Close()
}

// Source provides the snapshots the hub pushes.
type Source interface {
	Users() []workflow.UserView
	Projects() []workflow.ProjectView
}

type subscribeRequest struct {
	sub  Subscriber
	done chan struct{}
}

type removeRequest struct {
	nickname string
	sub      Subscriber // nil removes whatever nickname holds
	done     chan struct{}
}

// Hub owns the set of subscribers. All membership changes and pushes are
// serialized through Run.
type Hub struct {
	subscribers map[string]Subscriber
	source      Source
	register    chan subscribeRequest
	unregister  chan removeRequest
	broadcast   chan protocol.PushKind
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	log         *zap.SugaredLogger
}

// NewHub creates a hub pushing snapshots taken from source. Run must be
// started before the hub is used.
func NewHub(source Source, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		subscribers: make(map[string]Subscriber),
		source:      source,
		register:    make(chan subscribeRequest),
		unregister:  make(chan removeRequest),
		broadcast:   make(chan protocol.PushKind, 64),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		log:         log.Sugar().Named("fanout"),
	}
}

// Subscribe registers sub under its nickname, replacing any previous handle
// for the same nickname, and pushes both snapshots to it.
func (h *Hub) Subscribe(sub Subscriber) error {
	if sub == nil {
		return errors.New("fanout: nil subscriber")
	}
	return h.await(func(done chan struct{}) bool {
		select {
		case h.register <- subscribeRequest{sub: sub, done: done}:
			return true
		case <-h.ctx.Done():
			return false
		}
	})
}

// Unsubscribe removes whatever handle nickname holds. It returns once the
// hub no longer references it.
func (h *Hub) Unsubscribe(nickname string) error {
	return h.remove(removeRequest{nickname: nickname})
}

// Remove drops sub only if it is still the handle registered for its
// nickname.
func (h *Hub) Remove(sub Subscriber) error {
	return h.remove(removeRequest{nickname: sub.Nickname(), sub: sub})
}

func (h *Hub) remove(req removeRequest) error {
	return h.await(func(done chan struct{}) bool {
		req.done = done
		select {
		case h.unregister <- req:
			return true
		case <-h.ctx.Done():
			return false
		}
	})
}

func (h *Hub) await(send func(done chan struct{}) bool) error {
	done := make(chan struct{})
	if !send(done) {
		return ErrHubClosed
	}
	select {
	case <-done:
		return nil
	case <-h.done:
		return ErrHubClosed
	}
}

// PushUsers schedules a push of the current user table to every subscriber.
func (h *Hub) PushUsers() {
	h.enqueue(protocol.PushUsers)
}

// PushProjects schedules a push of the current project table.
func (h *Hub) PushProjects() {
	h.enqueue(protocol.PushProjects)
}

func (h *Hub) enqueue(kind protocol.PushKind) {
	select {
	case h.broadcast <- kind:
	case <-h.ctx.Done():
	}
}

// Len reports the number of subscribers.
func (h *Hub) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.subscribers)
}

// Run is the hub's event loop. It returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSubscribers()
			return

		case req := <-h.register:
			h.handleSubscribe(req.sub)
			close(req.done)

		case req := <-h.unregister:
			h.handleRemove(req)
			close(req.done)

		case kind := <-h.broadcast:
			h.handleBroadcast(kind)
		}
	}
}

func (h *Hub) handleSubscribe(sub Subscriber) {
	nick := sub.Nickname()

	h.mutex.Lock()
	previous := h.subscribers[nick]
	h.subscribers[nick] = sub
	count := len(h.subscribers)
	h.mutex.Unlock()

	if previous != nil && previous != sub {
		previous.Close()
		h.log.Infow("replaced subscriber", "nickname", nick)
	}
	h.log.Infow("subscriber registered", "nickname", nick, "subscribers", count)

	for _, push := range []protocol.Push{h.snapshot(protocol.PushUsers), h.snapshot(protocol.PushProjects)} {
		if err := sub.Push(push); err != nil {
			h.removeFailedSubscribers([]Subscriber{sub}, err)
			return
		}
	}
}

func (h *Hub) handleRemove(req removeRequest) {
	h.mutex.Lock()
	current, ok := h.subscribers[req.nickname]
	if !ok || (req.sub != nil && current != req.sub) {
		h.mutex.Unlock()
		return
	}
	delete(h.subscribers, req.nickname)
	count := len(h.subscribers)
	h.mutex.Unlock()

	current.Close()
	h.log.Infow("subscriber unregistered", "nickname", req.nickname, "subscribers", count)
}

func (h *Hub) snapshot(kind protocol.PushKind) protocol.Push {
	push := protocol.Push{Kind: kind}
	switch kind {
	case protocol.PushUsers:
		push.Users = h.source.Users()
	case protocol.PushProjects:
		push.Projects = h.source.Projects()
	}
	return push
}

func (h *Hub) handleBroadcast(kind protocol.PushKind) {
	push := h.snapshot(kind)
	subs := h.getSubscriberSnapshot()

	h.log.Debugw("broadcasting snapshot", "kind", kind, "subscribers", len(subs))

	var failed []Subscriber
	var lastErr error
	for _, sub := range subs {
		if err := sub.Push(push); err != nil {
			failed = append(failed, sub)
			lastErr = err
		}
	}
	h.removeFailedSubscribers(failed, lastErr)
}

func (h *Hub) getSubscriberSnapshot() []Subscriber {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	return subs
}

// removeFailedSubscribers drops subscribers that could not take a push.
func (h *Hub) removeFailedSubscribers(failed []Subscriber, cause error) {
	if len(failed) == 0 {
		return
	}

	var dropped []Subscriber
	h.mutex.Lock()
	for _, sub := range failed {
		nick := sub.Nickname()
		if h.subscribers[nick] == sub {
			delete(h.subscribers, nick)
			dropped = append(dropped, sub)
		}
	}
	h.mutex.Unlock()

	for _, sub := range dropped {
		sub.Close()
		h.log.Warnw("subscriber dropped after failed push", "nickname", sub.Nickname(), "err", cause)
	}
}

func (h *Hub) shutdownSubscribers() {
	h.mutex.Lock()
	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.subscribers = make(map[string]Subscriber)
	h.mutex.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	h.log.Infow("closed subscribers", "count", len(subs))
}

// Shutdown stops the event loop and closes every subscriber, waiting at
// most timeout for the loop to exit.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timed out")
		return context.DeadlineExceeded
	}
}
