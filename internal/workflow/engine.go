package workflow

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
)

// Allocator supplies chat channels to new projects.
type Allocator interface {
	Allocate() (chanalloc.Channel, error)
	Release(chanalloc.Channel)
}

// Engine holds the user table and the project table. Each table has its own
// mutex and every check-then-mutate sequence runs under it. When both are
// needed the project lock is taken first.
type Engine struct {
	hasher Hasher
	alloc  Allocator

	usersMu   sync.Mutex
	users     map[string]*user
	userOrder []string

	projectsMu   sync.Mutex
	projects     map[string]*project
	projectOrder []string
}

// NewEngine creates an empty Engine.
func NewEngine(hasher Hasher, alloc Allocator) *Engine {
	if hasher == nil {
		hasher = Argon2Hasher{}
	}
	return &Engine{
		hasher:   hasher,
		alloc:    alloc,
		users:    make(map[string]*user),
		projects: make(map[string]*project),
	}
}

// Register adds a new user.
func (e *Engine) Register(nickname, password string) error {
	if strings.TrimSpace(nickname) == "" || password == "" {
		return newError(UnknownError, "nickname and password are required")
	}
	verifier, err := e.hasher.Hash(password)
	if err != nil {
		return &Error{Code: UnknownError, Msg: fmt.Sprintf("hash password: %v", err)}
	}

	e.usersMu.Lock()
	defer e.usersMu.Unlock()

	if _, ok := e.users[nickname]; ok {
		return ErrUserExists
	}
	e.users[nickname] = &user{nickname: nickname, verifier: verifier}
	e.userOrder = append(e.userOrder, nickname)
	return nil
}

// Login authenticates nickname and marks it online.
func (e *Engine) Login(nickname, password string) (UserView, error) {
	e.usersMu.Lock()
	u, ok := e.users[nickname]
	var verifier string
	if ok {
		verifier = u.verifier
	}
	e.usersMu.Unlock()

	if !ok {
		return UserView{}, ErrNotRegistered
	}
	// argon2 is slow; verify outside the lock.
	if !e.hasher.Verify(password, verifier) {
		return UserView{}, ErrWrongPassword
	}

	e.usersMu.Lock()
	defer e.usersMu.Unlock()

	if u.online {
		return UserView{}, ErrAlreadyOnline
	}
	u.online = true
	return u.view(), nil
}

// Logout marks nickname offline.
func (e *Engine) Logout(nickname string) error {
	e.usersMu.Lock()
	defer e.usersMu.Unlock()

	u, ok := e.users[nickname]
	if !ok {
		return newError(UnknownError, "unknown user "+nickname)
	}
	u.online = false
	return nil
}

// IsOnline reports whether nickname currently has a session.
func (e *Engine) IsOnline(nickname string) bool {
	e.usersMu.Lock()
	defer e.usersMu.Unlock()

	u, ok := e.users[nickname]
	return ok && u.online
}

// ListProjects returns the projects nickname belongs to.
func (e *Engine) ListProjects(nickname string) []ProjectView {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	views := make([]ProjectView, 0)
	for _, name := range e.projectOrder {
		p := e.projects[name]
		if p.isMember(nickname) {
			views = append(views, p.view())
		}
	}
	return views
}

// CreateProject creates a project with nickname as its only member and
// assigns it a chat channel.
func (e *Engine) CreateProject(nickname, name string) (ProjectView, error) {
	if strings.TrimSpace(name) == "" {
		return ProjectView{}, newError(UnknownError, "project name is required")
	}

	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	if _, ok := e.projects[name]; ok {
		return ProjectView{}, ErrProjectExists
	}
	if e.alloc == nil {
		return ProjectView{}, newError(UnableToCreateProject, "no channel allocator")
	}
	ch, err := e.alloc.Allocate()
	if err != nil {
		return ProjectView{}, &Error{Code: UnableToCreateProject, Msg: err.Error()}
	}

	p := newProject(name, nickname, ch)
	e.projects[name] = p
	e.projectOrder = append(e.projectOrder, name)
	return p.view(), nil
}

// visible returns the project only when nickname is one of its members.
// Missing projects and foreign projects are indistinguishable to callers.
// Must be called with projectsMu held.
func (e *Engine) visible(nickname, name string) (*project, error) {
	p, ok := e.projects[name]
	if !ok || !p.isMember(nickname) {
		return nil, ErrNoSuchProject
	}
	return p, nil
}

// AddMember adds newMember to the project.
func (e *Engine) AddMember(nickname, name, newMember string) (ProjectView, error) {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	p, err := e.visible(nickname, name)
	if err != nil {
		return ProjectView{}, err
	}

	e.usersMu.Lock()
	_, registered := e.users[newMember]
	e.usersMu.Unlock()
	if !registered {
		return ProjectView{}, ErrNotRegistered
	}

	if p.isMember(newMember) {
		return ProjectView{}, ErrMemberExists
	}
	p.members = append(p.members, newMember)
	return p.view(), nil
}

// ShowMembers returns the members of the project in insertion order.
func (e *Engine) ShowMembers(nickname, name string) ([]string, error) {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	p, err := e.visible(nickname, name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(p.members), nil
}

// ShowCards returns every card of the project.
func (e *Engine) ShowCards(nickname, name string) ([]CardView, error) {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	p, err := e.visible(nickname, name)
	if err != nil {
		return nil, err
	}
	views := make([]CardView, 0, len(p.cards))
	for _, c := range p.cards {
		views = append(views, c.view())
	}
	return views, nil
}

// ShowCard returns a single card.
func (e *Engine) ShowCard(nickname, name, cardName string) (CardView, error) {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	p, err := e.visible(nickname, name)
	if err != nil {
		return CardView{}, err
	}
	c := p.findCard(cardName)
	if c == nil {
		return CardView{}, ErrNoSuchCard
	}
	return c.view(), nil
}

// AddCard creates a card in TODO.
func (e *Engine) AddCard(nickname, name, cardName, description string) (ProjectView, error) {
	if strings.TrimSpace(cardName) == "" {
		return ProjectView{}, newError(UnknownError, "card name is required")
	}

	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	p, err := e.visible(nickname, name)
	if err != nil {
		return ProjectView{}, err
	}
	if p.findCard(cardName) != nil {
		return ProjectView{}, ErrCardExists
	}

	c := &card{name: cardName, description: description, history: []List{Todo}}
	p.cards = append(p.cards, c)
	p.lists[Todo] = append(p.lists[Todo], c)
	return p.view(), nil
}

// MoveCard moves a card between lists and appends the destination to its
// history.
func (e *Engine) MoveCard(nickname, name, cardName, fromName, toName string) (ProjectView, error) {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	p, err := e.visible(nickname, name)
	if err != nil {
		return ProjectView{}, err
	}

	from, ok := ParseList(fromName)
	if !ok {
		return ProjectView{}, newError(NoSuchList, fromName)
	}
	to, ok := ParseList(toName)
	if !ok {
		return ProjectView{}, newError(NoSuchList, toName)
	}

	idx := p.indexIn(from, cardName)
	if idx < 0 {
		return ProjectView{}, ErrNoSuchCard
	}
	if from == to {
		return ProjectView{}, newError(CardExists, "card already in "+from.lower())
	}
	if !CanMove(from, to) {
		return ProjectView{}, newError(MoveForbidden, from.lower()+" -> "+to.lower())
	}

	c := p.lists[from][idx]
	p.lists[from] = slices.Delete(p.lists[from], idx, idx+1)
	p.lists[to] = append(p.lists[to], c)
	c.history = append(c.history, to)
	return p.view(), nil
}

// CancelProject removes a project whose cards are all DONE and releases its
// channel.
func (e *Engine) CancelProject(nickname, name string) (ProjectView, error) {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	p, err := e.visible(nickname, name)
	if err != nil {
		return ProjectView{}, err
	}
	if !p.allDone() {
		return ProjectView{}, ErrCancelForbidden
	}

	view := p.view()
	delete(e.projects, name)
	e.projectOrder = slices.DeleteFunc(e.projectOrder, func(n string) bool { return n == name })
	if e.alloc != nil {
		e.alloc.Release(p.channel)
	}
	return view, nil
}

// Users returns every registered user in registration order.
func (e *Engine) Users() []UserView {
	e.usersMu.Lock()
	defer e.usersMu.Unlock()

	views := make([]UserView, 0, len(e.userOrder))
	for _, nick := range e.userOrder {
		views = append(views, e.users[nick].view())
	}
	return views
}

// Projects returns every live project in creation order.
func (e *Engine) Projects() []ProjectView {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()

	views := make([]ProjectView, 0, len(e.projectOrder))
	for _, name := range e.projectOrder {
		views = append(views, e.projects[name].view())
	}
	return views
}

// errInvalidSnapshot is returned by Restore for inconsistent input.
var errInvalidSnapshot = errors.New("invalid snapshot")
