package client_test

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/Tyrowin/taskboard/internal/chat"
	"github.com/Tyrowin/taskboard/internal/client"
	"github.com/Tyrowin/taskboard/internal/testutil"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func loggedIn(t *testing.T, c *client.Client, nickname, password string) {
	t.Helper()
	ctx := testContext(t)
	require.NoError(t, c.Register(ctx, nickname, password))
	_, err := c.Login(ctx, nickname, password)
	require.NoError(t, err)
}

func hasChat(c *client.Client, project string) func() bool {
	return func() bool { return slices.Contains(c.Mirror().Chats(), project) }
}

func isOnline(c *client.Client, nickname string) func() bool {
	return func() bool { return slices.Contains(c.Mirror().OnlineUsers(), nickname) }
}

// readUntil drains the project chat until want shows up.
func readUntil(t *testing.T, c *client.Client, project, want string) {
	t.Helper()
	var seen []string
	require.Eventually(t, func() bool {
		msgs, err := c.ReadChat(project)
		if err != nil {
			return false
		}
		seen = append(seen, msgs...)
		return slices.Contains(seen, want)
	}, waitFor, tick, "chat of %s never carried %q", project, want)
}

func TestClientWorkflow(t *testing.T) {
	app := testutil.StartApp(t, testutil.Config(t))
	ctx := testContext(t)

	alice := testutil.Dial(t, app)
	bob := testutil.Dial(t, app)
	loggedIn(t, alice, "alice", "pw1")
	loggedIn(t, bob, "bob", "pw2")

	require.Eventually(t, isOnline(alice, "bob"), waitFor, tick)

	created, err := alice.CreateProject(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, "P", created.Name)
	assert.Equal(t, []string{"alice"}, created.Members)
	require.Eventually(t, hasChat(alice, "P"), waitFor, tick)

	require.NoError(t, alice.AddMember(ctx, "P", "bob"))
	require.Eventually(t, hasChat(bob, "P"), waitFor, tick)

	members, err := bob.ShowMembers(ctx, "P")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, alice.AddCard(ctx, "P", "c1", "first card"))
	readUntil(t, bob, "P", chat.CardAdded("alice", "c1"))

	require.NoError(t, bob.MoveCard(ctx, "P", "c1", "todo", "inprogress"))
	readUntil(t, alice, "P", chat.CardMoved("bob", "c1", string(workflow.Todo), string(workflow.InProgress)))

	card, err := alice.ShowCard(ctx, "P", "c1")
	require.NoError(t, err)
	assert.Equal(t, "first card", card.Description)
	assert.Equal(t, []workflow.List{workflow.Todo, workflow.InProgress}, card.History)

	err = alice.CancelProject(ctx, "P")
	assert.ErrorIs(t, err, workflow.ErrCancelForbidden)

	require.NoError(t, alice.MoveCard(ctx, "P", "c1", "INPROGRESS", "DONE"))
	cards, err := bob.ShowCards(ctx, "P")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, workflow.Done, cards[0].Location())

	require.NoError(t, bob.CancelProject(ctx, "P"))
	require.Eventually(t, func() bool { return !hasChat(alice, "P")() }, waitFor, tick)

	projects, err := alice.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)
}

func TestClientUserChat(t *testing.T) {
	app := testutil.StartApp(t, testutil.Config(t))
	ctx := testContext(t)

	alice := testutil.Dial(t, app)
	bob := testutil.Dial(t, app)
	loggedIn(t, alice, "alice", "pw1")
	loggedIn(t, bob, "bob", "pw2")

	_, err := alice.CreateProject(ctx, "P")
	require.NoError(t, err)
	require.NoError(t, alice.AddMember(ctx, "P", "bob"))
	require.Eventually(t, hasChat(alice, "P"), waitFor, tick)
	require.Eventually(t, hasChat(bob, "P"), waitFor, tick)

	require.NoError(t, bob.SendChat(ctx, "P", "hello"))
	readUntil(t, alice, "P", chat.UserMessage("bob", "hello"))

	err = bob.SendChat(ctx, "Q", "nobody")
	assert.ErrorIs(t, err, workflow.ErrNoSuchProject)
	_, err = bob.ReadChat("Q")
	assert.ErrorIs(t, err, workflow.ErrNoSuchProject)
}

func TestClientRegisterErrors(t *testing.T) {
	app := testutil.StartApp(t, testutil.Config(t))
	ctx := testContext(t)
	c := testutil.Dial(t, app)

	require.NoError(t, c.Register(ctx, "alice", "pw"))
	assert.ErrorIs(t, c.Register(ctx, "alice", "other"), workflow.ErrUserExists)

	_, err := c.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, workflow.ErrWrongPassword)
	_, err = c.Login(ctx, "carol", "pw")
	assert.ErrorIs(t, err, workflow.ErrNotRegistered)
}

func TestClientRequiresLogin(t *testing.T) {
	app := testutil.StartApp(t, testutil.Config(t))
	ctx := testContext(t)
	c := testutil.Dial(t, app)

	_, err := c.ListProjects(ctx)
	assert.ErrorIs(t, err, client.ErrNotLoggedIn)
	assert.ErrorIs(t, c.Logout(ctx), client.ErrNotLoggedIn)
	_, err = c.ReadChat("P")
	assert.ErrorIs(t, err, client.ErrNotLoggedIn)
	assert.Nil(t, c.Mirror())
}

func TestClientLogout(t *testing.T) {
	app := testutil.StartApp(t, testutil.Config(t))
	ctx := testContext(t)

	watcher := testutil.Dial(t, app)
	loggedIn(t, watcher, "watcher", "pw")

	c := testutil.Dial(t, app)
	loggedIn(t, c, "alice", "pw")
	require.Eventually(t, isOnline(watcher, "alice"), waitFor, tick)

	require.NoError(t, c.Logout(ctx))
	assert.Empty(t, c.Nickname())
	assert.False(t, app.Engine().IsOnline("alice"))
	require.Eventually(t, func() bool { return !isOnline(watcher, "alice")() }, waitFor, tick)

	// the server closed the connection after the reply
	_, err := c.Login(ctx, "alice", "pw")
	assert.Error(t, err)
}

func TestClientDisconnectLogsOut(t *testing.T) {
	app := testutil.StartApp(t, testutil.Config(t))

	c := testutil.Dial(t, app)
	loggedIn(t, c, "alice", "pw")
	require.True(t, app.Engine().IsOnline("alice"))

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return !app.Engine().IsOnline("alice") }, waitFor, tick)

	again := testutil.Dial(t, app)
	_, err := again.Login(testContext(t), "alice", "pw")
	assert.NoError(t, err)
}

func TestClientAlreadyOnline(t *testing.T) {
	app := testutil.StartApp(t, testutil.Config(t))

	first := testutil.Dial(t, app)
	loggedIn(t, first, "alice", "pw")

	second := testutil.Dial(t, app)
	_, err := second.Login(testContext(t), "alice", "pw")
	assert.ErrorIs(t, err, workflow.ErrAlreadyOnline)
}
