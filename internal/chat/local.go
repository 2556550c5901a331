package chat

import (
	"context"
	"sync"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
)

// LocalBus delivers messages between subscriptions of the same process.
// Slow subscribers lose messages instead of blocking publishers.
type LocalBus struct {
	mu     sync.Mutex
	groups map[chanalloc.Channel]map[*localSubscription]struct{}
	closed bool
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{groups: make(map[chanalloc.Channel]map[*localSubscription]struct{})}
}

type localSubscription struct {
	bus  *LocalBus
	ch   chanalloc.Channel
	msgs chan string
	once sync.Once
}

func (s *localSubscription) Messages() <-chan string { return s.msgs }

func (s *localSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.groups[s.ch], s)
		if len(s.bus.groups[s.ch]) == 0 {
			delete(s.bus.groups, s.ch)
		}
		s.bus.mu.Unlock()
		close(s.msgs)
	})
	return nil
}

// Publish hands text to every current subscriber of ch.
func (b *LocalBus) Publish(_ context.Context, ch chanalloc.Channel, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	text = truncate(text)
	for sub := range b.groups[ch] {
		select {
		case sub.msgs <- text:
		default:
		}
	}
	return nil
}

// Subscribe joins the group ch.
func (b *LocalBus) Subscribe(_ context.Context, ch chanalloc.Channel) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	sub := &localSubscription{bus: b, ch: ch, msgs: make(chan string, 64)}
	if b.groups[ch] == nil {
		b.groups[ch] = make(map[*localSubscription]struct{})
	}
	b.groups[ch][sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	var subs []*localSubscription
	for _, group := range b.groups {
		for sub := range group {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
