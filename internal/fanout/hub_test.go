package fanout

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/taskboard/internal/protocol"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu       sync.Mutex
	users    []workflow.UserView
	projects []workflow.ProjectView
}

func (s *fakeSource) Users() []workflow.UserView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.UserView(nil), s.users...)
}

func (s *fakeSource) Projects() []workflow.ProjectView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.ProjectView(nil), s.projects...)
}

func (s *fakeSource) setUsers(users ...workflow.UserView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = users
}

type fakeSubscriber struct {
	nick   string
	pushes chan protocol.Push
	closed chan struct{}
	once   sync.Once
}

func newFakeSubscriber(nick string, capacity int) *fakeSubscriber {
	return &fakeSubscriber{
		nick:   nick,
		pushes: make(chan protocol.Push, capacity),
		closed: make(chan struct{}),
	}
}

func (f *fakeSubscriber) Nickname() string { return f.nick }

func (f *fakeSubscriber) Push(p protocol.Push) error {
	select {
	case f.pushes <- p:
		return nil
	default:
		return errors.New("queue full")
	}
}

func (f *fakeSubscriber) Close() { f.once.Do(func() { close(f.closed) }) }

func (f *fakeSubscriber) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeSubscriber) next(t *testing.T) protocol.Push {
	t.Helper()
	select {
	case p := <-f.pushes:
		return p
	case <-time.After(2 * time.Second):
		t.Fatalf("no push for %s", f.nick)
		return protocol.Push{}
	}
}

func startHub(t *testing.T, source Source) *Hub {
	t.Helper()
	h := NewHub(source, nil)
	go h.Run()
	t.Cleanup(func() { _ = h.Shutdown(time.Second) })
	return h
}

func TestSubscribePushesBothSnapshots(t *testing.T) {
	src := &fakeSource{
		users:    []workflow.UserView{{Nickname: "alice", Online: true}},
		projects: []workflow.ProjectView{{Name: "P", Members: []string{"alice"}}},
	}
	h := startHub(t, src)
	sub := newFakeSubscriber("alice", 8)

	require.NoError(t, h.Subscribe(sub))
	assert.Equal(t, 1, h.Len())

	first := sub.next(t)
	assert.Equal(t, protocol.PushUsers, first.Kind)
	assert.Equal(t, src.users, first.Users)

	second := sub.next(t)
	assert.Equal(t, protocol.PushProjects, second.Kind)
	assert.Equal(t, src.projects, second.Projects)
}

func TestPushReadsLatestState(t *testing.T) {
	src := &fakeSource{}
	h := startHub(t, src)
	sub := newFakeSubscriber("alice", 8)
	require.NoError(t, h.Subscribe(sub))
	sub.next(t)
	sub.next(t)

	src.setUsers(workflow.UserView{Nickname: "alice", Online: true}, workflow.UserView{Nickname: "bob"})
	h.PushUsers()

	p := sub.next(t)
	assert.Equal(t, protocol.PushUsers, p.Kind)
	assert.Len(t, p.Users, 2)
}

func TestFullSubscriberIsDroppedOthersStillReceive(t *testing.T) {
	h := startHub(t, &fakeSource{})
	slow := newFakeSubscriber("slow", 2)
	fast := newFakeSubscriber("fast", 16)

	require.NoError(t, h.Subscribe(slow))
	require.NoError(t, h.Subscribe(fast))
	fast.next(t)
	fast.next(t)

	h.PushProjects()

	assert.Equal(t, protocol.PushProjects, fast.next(t).Kind)
	require.Eventually(t, slow.isClosed, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.Len())
	assert.False(t, fast.isClosed())
}

func TestUnsubscribeIsSynchronous(t *testing.T) {
	h := startHub(t, &fakeSource{})
	sub := newFakeSubscriber("alice", 8)
	require.NoError(t, h.Subscribe(sub))

	require.NoError(t, h.Unsubscribe("alice"))
	assert.Equal(t, 0, h.Len())
	assert.True(t, sub.isClosed())

	require.NoError(t, h.Unsubscribe("nobody"))
}

func TestResubscribeReplacesPreviousHandle(t *testing.T) {
	h := startHub(t, &fakeSource{})
	old := newFakeSubscriber("alice", 8)
	cur := newFakeSubscriber("alice", 8)

	require.NoError(t, h.Subscribe(old))
	require.NoError(t, h.Subscribe(cur))
	assert.True(t, old.isClosed())
	assert.Equal(t, 1, h.Len())

	// the stale handle's socket closing must not evict the new one
	require.NoError(t, h.Remove(old))
	assert.Equal(t, 1, h.Len())
	assert.False(t, cur.isClosed())

	require.NoError(t, h.Remove(cur))
	assert.Equal(t, 0, h.Len())
}

func TestShutdownClosesSubscribers(t *testing.T) {
	h := NewHub(&fakeSource{}, nil)
	go h.Run()

	sub := newFakeSubscriber("alice", 8)
	require.NoError(t, h.Subscribe(sub))
	require.NoError(t, h.Shutdown(time.Second))

	assert.True(t, sub.isClosed())
	assert.ErrorIs(t, h.Subscribe(newFakeSubscriber("bob", 8)), ErrHubClosed)
	assert.ErrorIs(t, h.Unsubscribe("alice"), ErrHubClosed)
	h.PushUsers()
}
