package control

import (
	"net/http"

	"github.com/Tyrowin/taskboard/internal/fanout"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Registrar creates users.
type Registrar interface {
	Register(nickname, password string) workflow.Code
}

// Presence tells whether a user is logged in.
type Presence interface {
	IsOnline(nickname string) bool
}

// Subscriptions is the part of the fanout hub the control channel uses.
type Subscriptions interface {
	Subscribe(sub fanout.Subscriber) error
	Remove(sub fanout.Subscriber) error
}

// RegisterReq is the body of POST /register.
type RegisterReq struct {
	Nickname string `json:"nickname" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// CodeResponse carries a workflow response code.
type CodeResponse struct {
	Code workflow.Code `json:"code"`
}

// ErrorResponse is returned when a request is refused before reaching the
// workflow.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Handler serves the control routes.
type Handler struct {
	registrar Registrar
	presence  Presence
	subs      Subscriptions
	upgrader  websocket.Upgrader
	log       *zap.SugaredLogger
}

// NewHandler wires the control routes to their collaborators.
func NewHandler(registrar Registrar, presence Presence, subs Subscriptions, origins *OriginPolicy, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	if origins == nil {
		origins = NewOriginPolicy(nil, log)
	}
	return &Handler{
		registrar: registrar,
		presence:  presence,
		subs:      subs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.CheckOrigin,
		},
		log: log.Sugar().Named("control"),
	}
}

// Register creates a user account.
func (h *Handler) Register(c *gin.Context) {
	var req RegisterReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, CodeResponse{Code: workflow.UnknownError})
		return
	}

	code := h.registrar.Register(req.Nickname, req.Password)
	switch code {
	case workflow.OK:
		c.JSON(http.StatusCreated, CodeResponse{Code: code})
	case workflow.UserExists:
		c.JSON(http.StatusConflict, CodeResponse{Code: code})
	default:
		c.JSON(http.StatusBadRequest, CodeResponse{Code: code})
	}
}

// Subscribe upgrades to a WebSocket carrying snapshot pushes for an online
// user.
func (h *Handler) Subscribe(c *gin.Context) {
	nick := c.Query("nickname")
	if nick == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "nickname is required"})
		return
	}
	if !h.presence.IsOnline(nick) {
		c.JSON(http.StatusForbidden, ErrorResponse{Error: "user is not logged in"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the error response
		h.log.Warnw("subscription upgrade failed", "nickname", nick, "err", err)
		return
	}

	sub := newSubscriber(nick, conn, h.log)
	go sub.writePump()

	if err := h.subs.Subscribe(sub); err != nil {
		h.log.Warnw("subscription refused", "nickname", nick, "err", err)
		sub.Close()
		return
	}
	sub.log.Infow("subscribed", "addr", c.Request.RemoteAddr)

	go sub.readPump(func() {
		if err := h.subs.Remove(sub); err != nil {
			sub.log.Debugw("remove after disconnect", "err", err)
		}
	})
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
