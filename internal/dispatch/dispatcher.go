// Package dispatch runs decoded requests against the workflow engine on a
// bounded pool of workers and applies the side effects of state changes:
// snapshot pushes and system chat messages.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	"github.com/Tyrowin/taskboard/internal/chat"
	"github.com/Tyrowin/taskboard/internal/protocol"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 10

const chatTimeout = 2 * time.Second

// Notifier is the part of the fanout hub the dispatcher drives.
type Notifier interface {
	PushUsers()
	PushProjects()
	Unsubscribe(nickname string) error
}

// Result is what a connection does after a request: write Payload, then
// close if Close is set.
type Result struct {
	Payload []byte
	Close   bool
}

type handler func(d *Dispatcher, sess *Session, req protocol.Request) (protocol.Response, bool)

// Dispatcher executes requests. It is safe for concurrent use.
type Dispatcher struct {
	engine   *workflow.Engine
	notifier Notifier
	bus      chat.Bus
	group    errgroup.Group
	handlers map[protocol.Op]handler
	log      *zap.SugaredLogger

	unknownReply []byte
}

// New creates a dispatcher running at most workers requests at once.
func New(engine *workflow.Engine, notifier Notifier, bus chat.Bus, workers int, log *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &Dispatcher{
		engine:   engine,
		notifier: notifier,
		bus:      bus,
		log:      log.Sugar().Named("dispatch"),
		handlers: map[protocol.Op]handler{
			protocol.OpLogin:         (*Dispatcher).login,
			protocol.OpLogout:        (*Dispatcher).logout,
			protocol.OpListProjects:  (*Dispatcher).listProjects,
			protocol.OpCreateProject: (*Dispatcher).createProject,
			protocol.OpAddMember:     (*Dispatcher).addMember,
			protocol.OpShowMembers:   (*Dispatcher).showMembers,
			protocol.OpShowCards:     (*Dispatcher).showCards,
			protocol.OpShowCard:      (*Dispatcher).showCard,
			protocol.OpAddCard:       (*Dispatcher).addCard,
			protocol.OpMoveCard:      (*Dispatcher).moveCard,
			protocol.OpCancelProject: (*Dispatcher).cancelProject,
		},
	}
	d.group.SetLimit(workers)
	d.unknownReply, _ = protocol.EncodeResponse(protocol.Response{Code: workflow.UnknownError})
	return d
}

// Submit hands payload to a worker and calls done with the result from that
// worker. It blocks while every worker is busy.
func (d *Dispatcher) Submit(sess *Session, payload []byte, done func(Result)) {
	d.group.Go(func() error {
		done(d.Handle(sess, payload))
		return nil
	})
}

// Wait blocks until every submitted request has completed.
func (d *Dispatcher) Wait() {
	_ = d.group.Wait()
}

// Handle executes one request synchronously.
func (d *Dispatcher) Handle(sess *Session, payload []byte) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("request handler panicked", "session", sess.ID(), "panic", r, "stack", string(debug.Stack()))
			res = Result{Payload: d.unknownReply}
		}
	}()

	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		d.log.Warnw("rejecting malformed request", "session", sess.ID(), "err", err)
		return Result{Payload: d.unknownReply}
	}
	h, ok := d.handlers[req.Op]
	if !ok {
		d.log.Warnw("no handler for op", "session", sess.ID(), "op", req.Op)
		return Result{Payload: d.unknownReply}
	}

	if req.Op != protocol.OpLogin {
		if nick := sess.Nickname(); nick == "" || nick != req.Nickname {
			d.log.Warnw("request for a user not logged in on this connection",
				"session", sess.ID(), "op", req.Op, "nickname", req.Nickname, "sessionUser", nick)
			return Result{Payload: d.unknownReply, Close: req.Op == protocol.OpLogout}
		}
	}

	resp, closeAfter := h(d, sess, req)
	out, err := protocol.EncodeResponse(resp)
	if err != nil {
		d.log.Errorw("encoding response failed", "session", sess.ID(), "op", req.Op, "err", err)
		out = d.unknownReply
	}
	d.log.Debugw("request handled", "session", sess.ID(), "op", req.Op, "nickname", req.Nickname, "code", resp.Code)
	return Result{Payload: out, Close: closeAfter}
}

// Register creates a user and announces the new user table.
func (d *Dispatcher) Register(nickname, password string) workflow.Code {
	if err := d.engine.Register(nickname, password); err != nil {
		return workflow.CodeOf(err)
	}
	d.log.Infow("user registered", "nickname", nickname)
	d.notifier.PushUsers()
	return workflow.OK
}

// Disconnect logs out whoever is still logged in on sess. Transports call
// it when a connection ends without a logout.
func (d *Dispatcher) Disconnect(sess *Session) {
	nick := sess.take()
	if nick == "" {
		return
	}
	if err := d.engine.Logout(nick); err != nil {
		d.log.Warnw("implicit logout failed", "session", sess.ID(), "nickname", nick, "err", err)
		return
	}
	d.log.Infow("user logged out by disconnect", "session", sess.ID(), "nickname", nick)
	d.afterLogout(nick)
}

func (d *Dispatcher) afterLogout(nick string) {
	if err := d.notifier.Unsubscribe(nick); err != nil {
		d.log.Warnw("unsubscribe failed", "nickname", nick, "err", err)
	}
	d.notifier.PushUsers()
}

func (d *Dispatcher) announce(ch chanalloc.Channel, text string) {
	if d.bus == nil || ch.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), chatTimeout)
	defer cancel()
	if err := d.bus.Publish(ctx, ch, text); err != nil {
		d.log.Warnw("system chat message not sent", "channel", ch.String(), "err", err)
	}
}

func failed(err error) protocol.Response {
	return protocol.Response{Code: workflow.CodeOf(err)}
}

var errSessionBound = errors.New("connection already has a logged in user")

func (d *Dispatcher) login(sess *Session, req protocol.Request) (protocol.Response, bool) {
	if cur := sess.Nickname(); cur != "" && cur != req.Nickname {
		d.log.Warnw("login refused", "session", sess.ID(), "nickname", req.Nickname, "err", fmt.Errorf("%w: %s", errSessionBound, cur))
		return protocol.Response{Code: workflow.UnknownError}, false
	}
	user, err := d.engine.Login(req.Nickname, req.Password)
	if err != nil {
		return failed(err), false
	}
	sess.bind(user.Nickname)
	d.log.Infow("user logged in", "session", sess.ID(), "nickname", user.Nickname)
	d.notifier.PushUsers()
	return protocol.Response{Code: workflow.OK, User: &user}, false
}

// logout always ends the connection. Handle has already checked that sess
// belongs to req.Nickname.
func (d *Dispatcher) logout(sess *Session, req protocol.Request) (protocol.Response, bool) {
	if err := d.engine.Logout(req.Nickname); err != nil {
		return failed(err), true
	}
	sess.unbind(req.Nickname)
	d.log.Infow("user logged out", "session", sess.ID(), "nickname", req.Nickname)
	d.afterLogout(req.Nickname)
	return protocol.Response{Code: workflow.OK}, true
}

func (d *Dispatcher) listProjects(_ *Session, req protocol.Request) (protocol.Response, bool) {
	return protocol.Response{Code: workflow.OK, Projects: d.engine.ListProjects(req.Nickname)}, false
}

func (d *Dispatcher) createProject(_ *Session, req protocol.Request) (protocol.Response, bool) {
	p, err := d.engine.CreateProject(req.Nickname, req.Project)
	if err != nil {
		return failed(err), false
	}
	d.log.Infow("project created", "project", p.Name, "nickname", req.Nickname, "channel", p.Channel.String())
	d.notifier.PushProjects()
	d.announce(p.Channel, chat.ProjectCreated(req.Nickname, p.Name))
	return protocol.Response{Code: workflow.OK, Projects: []workflow.ProjectView{p}}, false
}

func (d *Dispatcher) addMember(_ *Session, req protocol.Request) (protocol.Response, bool) {
	p, err := d.engine.AddMember(req.Nickname, req.Project, req.Member)
	if err != nil {
		return failed(err), false
	}
	d.notifier.PushProjects()
	d.announce(p.Channel, chat.MemberAdded(req.Nickname, req.Member))
	return protocol.Response{Code: workflow.OK}, false
}

func (d *Dispatcher) showMembers(_ *Session, req protocol.Request) (protocol.Response, bool) {
	members, err := d.engine.ShowMembers(req.Nickname, req.Project)
	if err != nil {
		return failed(err), false
	}
	return protocol.Response{Code: workflow.OK, Members: members}, false
}

func (d *Dispatcher) showCards(_ *Session, req protocol.Request) (protocol.Response, bool) {
	cards, err := d.engine.ShowCards(req.Nickname, req.Project)
	if err != nil {
		return failed(err), false
	}
	return protocol.Response{Code: workflow.OK, Cards: cards}, false
}

func (d *Dispatcher) showCard(_ *Session, req protocol.Request) (protocol.Response, bool) {
	c, err := d.engine.ShowCard(req.Nickname, req.Project, req.Card)
	if err != nil {
		return failed(err), false
	}
	return protocol.Response{Code: workflow.OK, Card: &c}, false
}

func (d *Dispatcher) addCard(_ *Session, req protocol.Request) (protocol.Response, bool) {
	p, err := d.engine.AddCard(req.Nickname, req.Project, req.Card, req.Description)
	if err != nil {
		return failed(err), false
	}
	d.announce(p.Channel, chat.CardAdded(req.Nickname, req.Card))
	return protocol.Response{Code: workflow.OK}, false
}

func (d *Dispatcher) moveCard(_ *Session, req protocol.Request) (protocol.Response, bool) {
	p, err := d.engine.MoveCard(req.Nickname, req.Project, req.Card, req.From, req.To)
	if err != nil {
		return failed(err), false
	}
	from, _ := workflow.ParseList(req.From)
	to, _ := workflow.ParseList(req.To)
	d.announce(p.Channel, chat.CardMoved(req.Nickname, req.Card, string(from), string(to)))
	return protocol.Response{Code: workflow.OK}, false
}

func (d *Dispatcher) cancelProject(_ *Session, req protocol.Request) (protocol.Response, bool) {
	p, err := d.engine.CancelProject(req.Nickname, req.Project)
	if err != nil {
		return failed(err), false
	}
	d.log.Infow("project cancelled", "project", p.Name, "nickname", req.Nickname)
	d.notifier.PushProjects()
	return protocol.Response{Code: workflow.OK}, false
}
