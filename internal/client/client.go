// Package client is a Go client for the task-board service. It speaks the
// framed request protocol, registers over the control channel, keeps a
// Mirror of the pushed state and listens on the chats of the user's
// projects.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	"github.com/Tyrowin/taskboard/internal/chat"
	"github.com/Tyrowin/taskboard/internal/fanout"
	"github.com/Tyrowin/taskboard/internal/protocol"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotLoggedIn is returned by operations that need a session.
var ErrNotLoggedIn = errors.New("client: not logged in")

// Options configures a Client.
type Options struct {
	RequestAddr  string // host:port of the request port
	ControlURL   string // base URL of the control port, e.g. http://host:9876
	Bus          chat.Bus
	MaxFrameSize int
	HTTPClient   *http.Client
	Log          *zap.Logger
}

// Client is one user's connection to the service. It is safe for
// concurrent use; requests on the request port are serialized.
type Client struct {
	opts Options
	log  *zap.SugaredLogger

	reqMu  sync.Mutex
	conn   net.Conn
	reader *protocol.Reader

	stateMu  sync.Mutex
	nickname string
	mirror   *fanout.Mirror
	ws       *websocket.Conn
	pushDone chan struct{}

	chatMu    sync.Mutex
	listeners map[string]chat.Subscription
}

// Dial connects to the request port.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Bus == nil {
		return nil, errors.New("client: chat bus is required")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", opts.RequestAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.RequestAddr, err)
	}
	return &Client{
		opts:      opts,
		log:       opts.Log.Sugar().Named("client"),
		conn:      conn,
		reader:    protocol.NewReader(conn, opts.MaxFrameSize),
		listeners: make(map[string]chat.Subscription),
	}, nil
}

func codeError(code workflow.Code) error {
	if code == workflow.OK {
		return nil
	}
	return &workflow.Error{Code: code}
}

// do sends one request and waits for its reply. Non-OK codes come back as
// *workflow.Error values.
func (c *Client) do(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return protocol.Response{}, err
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	deadline, _ := ctx.Deadline() // zero clears any previous deadline
	if err := c.conn.SetDeadline(deadline); err != nil {
		return protocol.Response{}, err
	}
	if err := protocol.WriteFrame(c.conn, payload); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Op, err)
	}
	raw, err := c.reader.ReadFrame()
	if err != nil {
		return protocol.Response{}, fmt.Errorf("read %s reply: %w", req.Op, err)
	}
	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		return protocol.Response{}, err
	}
	return resp, codeError(resp.Code)
}

// Register creates an account over the control channel.
func (c *Client) Register(ctx context.Context, nickname, password string) error {
	body, err := protocol.Marshal(map[string]string{"nickname": nickname, "password": password})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.ControlURL+"/api/v1/register", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	var out struct {
		Code workflow.Code `json:"code"`
	}
	if err := protocol.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("register: status %d: %w", resp.StatusCode, err)
	}
	return codeError(out.Code)
}

// Login authenticates and subscribes to state pushes.
func (c *Client) Login(ctx context.Context, nickname, password string) (workflow.UserView, error) {
	resp, err := c.do(ctx, protocol.Request{Op: protocol.OpLogin, Nickname: nickname, Password: password})
	if err != nil {
		return workflow.UserView{}, err
	}
	var user workflow.UserView
	if resp.User != nil {
		user = *resp.User
	}

	mirror := fanout.NewMirror(nickname, c, c.opts.Log)
	c.stateMu.Lock()
	c.nickname = nickname
	c.mirror = mirror
	c.stateMu.Unlock()

	if err := c.subscribe(ctx, nickname, mirror); err != nil {
		return user, err
	}
	return user, nil
}

func (c *Client) subscribe(ctx context.Context, nickname string, mirror *fanout.Mirror) error {
	u, err := url.Parse(c.opts.ControlURL)
	if err != nil {
		return fmt.Errorf("control url: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/api/v1/subscribe"
	u.RawQuery = url.Values{"nickname": {nickname}}.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	done := make(chan struct{})
	c.stateMu.Lock()
	c.ws = ws
	c.pushDone = done
	c.stateMu.Unlock()

	go c.readPushes(ws, mirror, done)
	return nil
}

func (c *Client) readPushes(ws *websocket.Conn, mirror *fanout.Mirror, done chan struct{}) {
	defer close(done)
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				c.log.Debugw("push stream ended", "err", err)
			}
			return
		}
		var push protocol.Push
		if err := protocol.Unmarshal(raw, &push); err != nil {
			c.log.Warnw("ignoring malformed push", "err", err)
			continue
		}
		switch push.Kind {
		case protocol.PushUsers:
			mirror.ApplyUsers(push.Users)
		case protocol.PushProjects:
			mirror.ApplyProjects(push.Projects)
		}
	}
}

// Logout ends the session. The server closes the connection afterwards,
// so the Client cannot be reused.
func (c *Client) Logout(ctx context.Context) error {
	nick := c.Nickname()
	if nick == "" {
		return ErrNotLoggedIn
	}
	_, err := c.do(ctx, protocol.Request{Op: protocol.OpLogout, Nickname: nick})
	c.teardown()
	return err
}

func (c *Client) teardown() {
	c.stateMu.Lock()
	ws, done, mirror := c.ws, c.pushDone, c.mirror
	c.ws, c.pushDone, c.nickname = nil, nil, ""
	c.stateMu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
		<-done
	}
	if mirror != nil {
		mirror.Close()
	}
}

// Close drops the connection without logging out; the server logs the
// user out on its own.
func (c *Client) Close() error {
	c.teardown()
	return c.conn.Close()
}

// Nickname is the logged in user, or "".
func (c *Client) Nickname() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.nickname
}

// Mirror is the pushed state, or nil before Login.
func (c *Client) Mirror() *fanout.Mirror {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.mirror
}

func (c *Client) session() (string, error) {
	nick := c.Nickname()
	if nick == "" {
		return "", ErrNotLoggedIn
	}
	return nick, nil
}

// ListProjects returns the projects the user belongs to.
func (c *Client) ListProjects(ctx context.Context) ([]workflow.ProjectView, error) {
	nick, err := c.session()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, protocol.Request{Op: protocol.OpListProjects, Nickname: nick})
	return resp.Projects, err
}

// CreateProject creates a project owned by the user.
func (c *Client) CreateProject(ctx context.Context, project string) (workflow.ProjectView, error) {
	nick, err := c.session()
	if err != nil {
		return workflow.ProjectView{}, err
	}
	resp, err := c.do(ctx, protocol.Request{Op: protocol.OpCreateProject, Nickname: nick, Project: project})
	if err != nil || len(resp.Projects) == 0 {
		return workflow.ProjectView{}, err
	}
	return resp.Projects[0], nil
}

// AddMember adds a registered user to the project.
func (c *Client) AddMember(ctx context.Context, project, member string) error {
	nick, err := c.session()
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.Request{Op: protocol.OpAddMember, Nickname: nick, Project: project, Member: member})
	return err
}

// ShowMembers lists the project members in the order they joined.
func (c *Client) ShowMembers(ctx context.Context, project string) ([]string, error) {
	nick, err := c.session()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, protocol.Request{Op: protocol.OpShowMembers, Nickname: nick, Project: project})
	return resp.Members, err
}

// ShowCards lists every card of the project.
func (c *Client) ShowCards(ctx context.Context, project string) ([]workflow.CardView, error) {
	nick, err := c.session()
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, protocol.Request{Op: protocol.OpShowCards, Nickname: nick, Project: project})
	return resp.Cards, err
}

// ShowCard returns one card with its history.
func (c *Client) ShowCard(ctx context.Context, project, card string) (workflow.CardView, error) {
	nick, err := c.session()
	if err != nil {
		return workflow.CardView{}, err
	}
	resp, err := c.do(ctx, protocol.Request{Op: protocol.OpShowCard, Nickname: nick, Project: project, Card: card})
	if err != nil || resp.Card == nil {
		return workflow.CardView{}, err
	}
	return *resp.Card, nil
}

// AddCard creates a card in TODO.
func (c *Client) AddCard(ctx context.Context, project, card, description string) error {
	nick, err := c.session()
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.Request{Op: protocol.OpAddCard, Nickname: nick, Project: project, Card: card, Description: description})
	return err
}

// MoveCard moves a card between lists.
func (c *Client) MoveCard(ctx context.Context, project, card, from, to string) error {
	nick, err := c.session()
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.Request{Op: protocol.OpMoveCard, Nickname: nick, Project: project, Card: card, From: from, To: to})
	return err
}

// CancelProject deletes a project whose cards are all done.
func (c *Client) CancelProject(ctx context.Context, project string) error {
	nick, err := c.session()
	if err != nil {
		return err
	}
	_, err = c.do(ctx, protocol.Request{Op: protocol.OpCancelProject, Nickname: nick, Project: project})
	return err
}

// SendChat posts text to the project chat, signed with the user's nickname.
func (c *Client) SendChat(ctx context.Context, project, text string) error {
	nick, err := c.session()
	if err != nil {
		return err
	}
	ch, ok := c.Mirror().Channel(project)
	if !ok {
		return &workflow.Error{Code: workflow.NoSuchProject}
	}
	return c.opts.Bus.Publish(ctx, ch, chat.UserMessage(nick, text))
}

// ReadChat drains the unread messages of the project chat.
func (c *Client) ReadChat(project string) ([]string, error) {
	m := c.Mirror()
	if m == nil {
		return nil, ErrNotLoggedIn
	}
	msgs, ok := m.ReadChat(project)
	if !ok {
		return nil, &workflow.Error{Code: workflow.NoSuchProject}
	}
	return msgs, nil
}

// StartListening joins the chat of project and feeds it into the mirror.
func (c *Client) StartListening(project string, ch chanalloc.Channel) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sub, err := c.opts.Bus.Subscribe(ctx, ch)
	if err != nil {
		return err
	}

	c.chatMu.Lock()
	if old, ok := c.listeners[project]; ok {
		_ = old.Close()
	}
	c.listeners[project] = sub
	c.chatMu.Unlock()

	go func() {
		for msg := range sub.Messages() {
			if m := c.Mirror(); m != nil {
				m.Deliver(project, msg)
			}
		}
	}()
	return nil
}

// StopListening leaves the chat of project.
func (c *Client) StopListening(project string) {
	c.chatMu.Lock()
	sub, ok := c.listeners[project]
	delete(c.listeners, project)
	c.chatMu.Unlock()

	if ok {
		_ = sub.Close()
	}
}
