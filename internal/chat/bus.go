// Package chat carries project chat messages. Each project owns one group,
// identified by its allocated channel, and delivery is best effort.
package chat

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
)

// MaxMessageSize bounds one chat message on every backend.
const MaxMessageSize = 8192

// ErrClosed is returned when a closed Bus is used.
var ErrClosed = errors.New("chat: bus closed")

// Bus publishes to and listens on project chat groups.
type Bus interface {
	Publish(ctx context.Context, ch chanalloc.Channel, text string) error
	Subscribe(ctx context.Context, ch chanalloc.Channel) (Subscription, error)
	Close() error
}

// Subscription delivers the messages of one group until closed. The
// Messages channel is closed once the subscription ends.
type Subscription interface {
	Messages() <-chan string
	Close() error
}

const systemPrefix = "Message from taskboard"

// SystemMessage formats a message generated by the service itself.
func SystemMessage(text string) string {
	return fmt.Sprintf("%s: %q", systemPrefix, text)
}

// UserMessage formats a message authored by nickname.
func UserMessage(nickname, text string) string {
	return fmt.Sprintf("%s said: %q", nickname, text)
}

// ProjectCreated is announced when a project comes to life.
func ProjectCreated(nickname, project string) string {
	return SystemMessage(nickname + " created project " + project)
}

// MemberAdded is announced when the member list grows.
func MemberAdded(nickname, member string) string {
	return SystemMessage(nickname + " added a new member: " + member)
}

// CardAdded is announced when a card is created.
func CardAdded(nickname, card string) string {
	return SystemMessage(nickname + " added card " + card)
}

// CardMoved is announced when a card changes list.
func CardMoved(nickname, card, from, to string) string {
	return SystemMessage(fmt.Sprintf("%s moved card %s from %s to %s", nickname, card, from, to))
}

// truncate cuts text to at most MaxMessageSize bytes on a rune boundary.
func truncate(text string) string {
	if len(text) <= MaxMessageSize {
		return text
	}
	cut := MaxMessageSize
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}
