package workflow

import (
	"slices"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
)

type user struct {
	nickname string
	verifier string
	online   bool
}

type card struct {
	name        string
	description string
	history     []List
}

func (c *card) location() List {
	return c.history[len(c.history)-1]
}

type project struct {
	name    string
	members []string
	lists   map[List][]*card
	cards   []*card
	channel chanalloc.Channel
}

func newProject(name, creator string, ch chanalloc.Channel) *project {
	p := &project{
		name:    name,
		lists:   make(map[List][]*card, len(Lists)),
		channel: ch,
	}
	if creator != "" {
		p.members = append(p.members, creator)
	}
	return p
}

func (p *project) isMember(nickname string) bool {
	return slices.Contains(p.members, nickname)
}

func (p *project) findCard(name string) *card {
	for _, c := range p.cards {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (p *project) indexIn(l List, name string) int {
	return slices.IndexFunc(p.lists[l], func(c *card) bool { return c.name == name })
}

func (p *project) allDone() bool {
	for _, c := range p.cards {
		if c.location() != Done {
			return false
		}
	}
	return true
}

// UserView is the public state of a registered user.
type UserView struct {
	Nickname string `json:"nickname"`
	Online   bool   `json:"online"`
}

// CardView is a card as returned to clients.
type CardView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	History     []List `json:"history"`
}

// Location is the list the card currently sits in.
func (c CardView) Location() List {
	if len(c.History) == 0 {
		return ""
	}
	return c.History[len(c.History)-1]
}

// ProjectView is the shape of a project pushed to subscribers: name,
// members and chat channel, without the cards.
type ProjectView struct {
	Name    string            `json:"name"`
	Members []string          `json:"members"`
	Channel chanalloc.Channel `json:"channel"`
}

// HasMember reports whether nickname belongs to the project.
func (p ProjectView) HasMember(nickname string) bool {
	return slices.Contains(p.Members, nickname)
}

func (u *user) view() UserView {
	return UserView{Nickname: u.nickname, Online: u.online}
}

func (c *card) view() CardView {
	return CardView{
		Name:        c.name,
		Description: c.description,
		History:     slices.Clone(c.history),
	}
}

func (p *project) view() ProjectView {
	return ProjectView{
		Name:    p.name,
		Members: slices.Clone(p.members),
		Channel: p.channel,
	}
}
