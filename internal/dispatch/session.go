package dispatch

import (
	"sync"

	"github.com/google/uuid"
)

// Session is the dispatcher's view of one client connection: an ID for the
// logs and the nickname logged in on it, if any.
type Session struct {
	id string

	mu       sync.Mutex
	nickname string
}

// NewSession creates an anonymous session.
func NewSession() *Session {
	return &Session{id: uuid.NewString()}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Nickname is the user logged in on the session, or "".
func (s *Session) Nickname() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nickname
}

func (s *Session) bind(nickname string) {
	s.mu.Lock()
	s.nickname = nickname
	s.mu.Unlock()
}

func (s *Session) unbind(nickname string) {
	s.mu.Lock()
	if s.nickname == nickname {
		s.nickname = ""
	}
	s.mu.Unlock()
}

func (s *Session) take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	nick := s.nickname
	s.nickname = ""
	return nick
}
