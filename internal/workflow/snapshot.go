package workflow

import (
	"fmt"
	"slices"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
)

// UserRecord is a registered user as stored by the persistence layer.
type UserRecord struct {
	Nickname string
	Verifier string
}

// ProjectRecord is a project as stored by the persistence layer. Channel is
// only meaningful on Restore; stored channels are never reused.
type ProjectRecord struct {
	Name    string
	Members []string
	Cards   []CardView
	Channel chanalloc.Channel
}

// Snapshot is the full in-memory state handed to the persistence layer.
type Snapshot struct {
	Users    []UserRecord
	Projects []ProjectRecord
}

// Export copies both tables.
func (e *Engine) Export() Snapshot {
	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()
	e.usersMu.Lock()
	defer e.usersMu.Unlock()

	snap := Snapshot{
		Users:    make([]UserRecord, 0, len(e.userOrder)),
		Projects: make([]ProjectRecord, 0, len(e.projectOrder)),
	}
	for _, nick := range e.userOrder {
		u := e.users[nick]
		snap.Users = append(snap.Users, UserRecord{Nickname: u.nickname, Verifier: u.verifier})
	}
	for _, name := range e.projectOrder {
		p := e.projects[name]
		rec := ProjectRecord{
			Name:    p.name,
			Members: slices.Clone(p.members),
			Cards:   make([]CardView, 0, len(p.cards)),
			Channel: p.channel,
		}
		for _, c := range p.cards {
			rec.Cards = append(rec.Cards, c.view())
		}
		snap.Projects = append(snap.Projects, rec)
	}
	return snap
}

// Restore replaces both tables with snap. Every user starts offline and
// every card is placed in the list named by the last entry of its history.
func (e *Engine) Restore(snap Snapshot) error {
	users := make(map[string]*user, len(snap.Users))
	userOrder := make([]string, 0, len(snap.Users))
	for _, rec := range snap.Users {
		if _, dup := users[rec.Nickname]; dup {
			return fmt.Errorf("%w: duplicate user %q", errInvalidSnapshot, rec.Nickname)
		}
		users[rec.Nickname] = &user{nickname: rec.Nickname, verifier: rec.Verifier}
		userOrder = append(userOrder, rec.Nickname)
	}

	projects := make(map[string]*project, len(snap.Projects))
	projectOrder := make([]string, 0, len(snap.Projects))
	for _, rec := range snap.Projects {
		if _, dup := projects[rec.Name]; dup {
			return fmt.Errorf("%w: duplicate project %q", errInvalidSnapshot, rec.Name)
		}
		if len(rec.Members) == 0 {
			return fmt.Errorf("%w: project %q has no members", errInvalidSnapshot, rec.Name)
		}
		for i, member := range rec.Members {
			if _, ok := users[member]; !ok {
				return fmt.Errorf("%w: member %q of %q is not registered", errInvalidSnapshot, member, rec.Name)
			}
			if slices.Contains(rec.Members[:i], member) {
				return fmt.Errorf("%w: member %q of %q listed twice", errInvalidSnapshot, member, rec.Name)
			}
		}
		p := newProject(rec.Name, "", rec.Channel)
		p.members = slices.Clone(rec.Members)
		for _, cv := range rec.Cards {
			if p.findCard(cv.Name) != nil {
				return fmt.Errorf("%w: duplicate card %q in %q", errInvalidSnapshot, cv.Name, rec.Name)
			}
			if len(cv.History) == 0 {
				return fmt.Errorf("%w: card %q of %q has no history", errInvalidSnapshot, cv.Name, rec.Name)
			}
			history := make([]List, 0, len(cv.History))
			for _, entry := range cv.History {
				l, ok := ParseList(string(entry))
				if !ok {
					return fmt.Errorf("%w: card %q of %q has unknown list %q", errInvalidSnapshot, cv.Name, rec.Name, entry)
				}
				history = append(history, l)
			}
			c := &card{name: cv.Name, description: cv.Description, history: history}
			loc := c.location()
			p.cards = append(p.cards, c)
			p.lists[loc] = append(p.lists[loc], c)
		}
		projects[rec.Name] = p
		projectOrder = append(projectOrder, rec.Name)
	}

	e.projectsMu.Lock()
	defer e.projectsMu.Unlock()
	e.usersMu.Lock()
	defer e.usersMu.Unlock()

	e.users, e.userOrder = users, userOrder
	e.projects, e.projectOrder = projects, projectOrder
	return nil
}
