package workflow

import "strings"

// List is one of the four card lists of a project.
type List string

// Card lists in workflow order.
const (
	Todo        List = "TODO"
	InProgress  List = "INPROGRESS"
	ToBeRevised List = "TOBEREVISED"
	Done        List = "DONE"
)

// Lists enumerates the card lists in workflow order.
var Lists = []List{Todo, InProgress, ToBeRevised, Done}

type transition struct{ from, to List }

// allowedMoves is the complete set of legal transitions. Nothing ever goes
// back to TODO and TOBEREVISED has to pass through INPROGRESS to reach DONE.
var allowedMoves = map[transition]struct{}{
	{Todo, InProgress}:        {},
	{InProgress, ToBeRevised}: {},
	{ToBeRevised, InProgress}: {},
	{InProgress, Done}:        {},
}

// ParseList resolves a list name case-insensitively.
func ParseList(name string) (List, bool) {
	l := List(strings.ToUpper(strings.TrimSpace(name)))
	switch l {
	case Todo, InProgress, ToBeRevised, Done:
		return l, true
	}
	return "", false
}

// CanMove reports whether a card may go from one list to another.
func CanMove(from, to List) bool {
	_, ok := allowedMoves[transition{from, to}]
	return ok
}

func (l List) lower() string {
	return strings.ToLower(string(l))
}
