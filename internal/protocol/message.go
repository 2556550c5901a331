package protocol

import (
	"github.com/Tyrowin/taskboard/internal/workflow"
)

// Op names a request on the request port.
type Op string

// Request operations.
const (
	OpLogin         Op = "Login"
	OpLogout        Op = "Logout"
	OpListProjects  Op = "ListProjects"
	OpCreateProject Op = "CreateProject"
	OpAddMember     Op = "AddMember"
	OpShowMembers   Op = "ShowMembers"
	OpShowCards     Op = "ShowCards"
	OpShowCard      Op = "ShowCard"
	OpAddCard       Op = "AddCard"
	OpMoveCard      Op = "MoveCard"
	OpCancelProject Op = "CancelProject"
)

// Ops lists every operation accepted on the request port.
var Ops = []Op{
	OpLogin, OpLogout, OpListProjects, OpCreateProject, OpAddMember,
	OpShowMembers, OpShowCards, OpShowCard, OpAddCard, OpMoveCard,
	OpCancelProject,
}

// Valid reports whether op is known.
func (op Op) Valid() bool {
	for _, known := range Ops {
		if op == known {
			return true
		}
	}
	return false
}

// Request carries the operation and every argument any operation can take.
type Request struct {
	Op          Op     `json:"op"`
	Nickname    string `json:"nickname,omitempty"`
	Password    string `json:"password,omitempty"`
	Project     string `json:"project,omitempty"`
	Member      string `json:"member,omitempty"`
	Card        string `json:"card,omitempty"`
	Description string `json:"description,omitempty"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	Code     workflow.Code          `json:"code"`
	User     *workflow.UserView     `json:"user,omitempty"`
	Projects []workflow.ProjectView `json:"projects,omitempty"`
	Members  []string               `json:"members,omitempty"`
	Cards    []workflow.CardView    `json:"cards,omitempty"`
	Card     *workflow.CardView     `json:"card,omitempty"`
}

// PushKind distinguishes the two snapshot pushes.
type PushKind string

// Push kinds.
const (
	PushUsers    PushKind = "users"
	PushProjects PushKind = "projects"
)

// Push is a full snapshot sent to subscribers on the control channel.
type Push struct {
	Kind     PushKind               `json:"kind"`
	Users    []workflow.UserView    `json:"users,omitempty"`
	Projects []workflow.ProjectView `json:"projects,omitempty"`
}

// ControlMessage is sent by subscribers on the control channel.
type ControlMessage struct {
	Type string `json:"type"`
}

// ControlUnsubscribe asks the server to drop the subscription.
const ControlUnsubscribe = "unsubscribe"
