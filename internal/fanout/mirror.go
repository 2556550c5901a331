package fanout

import (
	"sync"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"go.uber.org/zap"
)

// ChatListener starts and stops reception of a project's chat. It is the
// only way a Mirror reaches the network.
type ChatListener interface {
	StartListening(project string, ch chanalloc.Channel) error
	StopListening(project string)
}

type chatState struct {
	channel chanalloc.Channel
	unread  []string
}

// Mirror is a client's copy of the pushed state: the user table and one
// chat buffer per project the owner belongs to.
type Mirror struct {
	owner    string
	listener ChatListener
	log      *zap.SugaredLogger

	applyMu sync.Mutex // serializes ApplyProjects and Close

	mu    sync.Mutex
	users []workflow.UserView
	chats map[string]*chatState
	order []string
}

// NewMirror creates an empty mirror for owner.
func NewMirror(owner string, listener ChatListener, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{
		owner:    owner,
		listener: listener,
		log:      log.Sugar().Named("mirror"),
		chats:    make(map[string]*chatState),
	}
}

// Owner is the nickname the mirror belongs to.
func (m *Mirror) Owner() string { return m.owner }

// ApplyUsers replaces the user table.
func (m *Mirror) ApplyUsers(users []workflow.UserView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append([]workflow.UserView(nil), users...)
}

// Users returns a copy of the user table.
func (m *Mirror) Users() []workflow.UserView {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]workflow.UserView(nil), m.users...)
}

// OnlineUsers lists the nicknames currently online.
func (m *Mirror) OnlineUsers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var online []string
	for _, u := range m.users {
		if u.Online {
			online = append(online, u.Nickname)
		}
	}
	return online
}

// ApplyProjects reconciles the chat set with a project snapshot. Chats of
// projects the owner no longer sees stop; chats of newly visible projects
// start; the rest keep their unread buffers. A project whose channel changed
// is treated as gone and new.
func (m *Mirror) ApplyProjects(projects []workflow.ProjectView) {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	visible := make(map[string]chanalloc.Channel)
	var order []string
	for _, p := range projects {
		if p.HasMember(m.owner) {
			visible[p.Name] = p.Channel
			order = append(order, p.Name)
		}
	}

	m.mu.Lock()
	var stop []string
	for name, st := range m.chats {
		if ch, ok := visible[name]; !ok || ch != st.channel {
			stop = append(stop, name)
		}
	}
	for _, name := range stop {
		delete(m.chats, name)
	}
	var start []string
	for _, name := range order {
		if _, ok := m.chats[name]; !ok {
			start = append(start, name)
		}
	}
	m.mu.Unlock()

	for _, name := range stop {
		m.listener.StopListening(name)
	}

	started := make(map[string]*chatState, len(start))
	for _, name := range start {
		if err := m.listener.StartListening(name, visible[name]); err != nil {
			m.log.Warnw("could not join project chat", "project", name, "channel", visible[name].String(), "err", err)
			continue
		}
		started[name] = &chatState{channel: visible[name]}
	}

	m.mu.Lock()
	for name, st := range started {
		m.chats[name] = st
	}
	m.order = m.order[:0]
	for _, name := range order {
		if _, ok := m.chats[name]; ok {
			m.order = append(m.order, name)
		}
	}
	m.mu.Unlock()
}

// Deliver appends text to the unread buffer of project. It reports false
// when the owner has no chat for that project.
func (m *Mirror) Deliver(project, text string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chats[project]
	if !ok {
		return false
	}
	st.unread = append(st.unread, text)
	return true
}

// ReadChat drains the unread messages of project.
func (m *Mirror) ReadChat(project string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chats[project]
	if !ok {
		return nil, false
	}
	msgs := st.unread
	st.unread = nil
	return msgs, true
}

// Channel returns the chat channel of project, if the owner has one.
func (m *Mirror) Channel(project string) (chanalloc.Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.chats[project]
	if !ok {
		return chanalloc.Channel{}, false
	}
	return st.channel, true
}

// Chats lists the projects with an active chat, in snapshot order.
func (m *Mirror) Chats() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

// Close stops every listener and forgets all chats.
func (m *Mirror) Close() {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.chats = make(map[string]*chatState)
	m.order = nil
	m.mu.Unlock()

	for _, name := range names {
		m.listener.StopListening(name)
	}
}
