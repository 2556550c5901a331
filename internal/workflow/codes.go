// Package workflow enforces the task-board business rules: registered users,
// projects with their members and cards, and the card list state machine.
// It performs no I/O; callers are told about the side effects to trigger.
package workflow

// Code is the outcome of a workflow operation as reported to clients.
type Code string

// Response codes.
const (
	OK                    Code = "OK"
	UserExists            Code = "UserExists"
	NotRegistered         Code = "NotRegistered"
	WrongPassword         Code = "WrongPassword"
	AlreadyOnline         Code = "AlreadyOnline"
	ProjectExists         Code = "ProjectExists"
	MemberExists          Code = "MemberExists"
	NoSuchProject         Code = "NoSuchProject"
	NoSuchCard            Code = "NoSuchCard"
	NoSuchList            Code = "NoSuchList"
	CardExists            Code = "CardExists"
	MoveForbidden         Code = "MoveForbidden"
	UnknownError          Code = "UnknownError"
	CancelForbidden       Code = "CancelForbidden"
	UnableToCreateProject Code = "UnableToCreateProject"
)

var knownCodes = map[Code]struct{}{
	OK: {}, UserExists: {}, NotRegistered: {}, WrongPassword: {},
	AlreadyOnline: {}, ProjectExists: {}, MemberExists: {}, NoSuchProject: {},
	NoSuchCard: {}, NoSuchList: {}, CardExists: {}, MoveForbidden: {},
	UnknownError: {}, CancelForbidden: {}, UnableToCreateProject: {},
}

// Valid reports whether c is one of the known response codes.
func (c Code) Valid() bool {
	_, ok := knownCodes[c]
	return ok
}
