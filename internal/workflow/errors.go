package workflow

import "errors"

// Error is a rejected workflow operation. Two Errors match under errors.Is
// when their codes are equal, so callers can compare against the sentinels
// below regardless of the message.
type Error struct {
	Code Code
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Msg
}

// Is implements errors.Is matching on the response code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func newError(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

// Sentinel errors, one per non-OK code.
var (
	ErrUserExists            = &Error{Code: UserExists}
	ErrNotRegistered         = &Error{Code: NotRegistered}
	ErrWrongPassword         = &Error{Code: WrongPassword}
	ErrAlreadyOnline         = &Error{Code: AlreadyOnline}
	ErrProjectExists         = &Error{Code: ProjectExists}
	ErrMemberExists          = &Error{Code: MemberExists}
	ErrNoSuchProject         = &Error{Code: NoSuchProject}
	ErrNoSuchCard            = &Error{Code: NoSuchCard}
	ErrNoSuchList            = &Error{Code: NoSuchList}
	ErrCardExists            = &Error{Code: CardExists}
	ErrMoveForbidden         = &Error{Code: MoveForbidden}
	ErrUnknown               = &Error{Code: UnknownError}
	ErrCancelForbidden       = &Error{Code: CancelForbidden}
	ErrUnableToCreateProject = &Error{Code: UnableToCreateProject}
)

// CodeOf maps err to the response code sent to the client. A nil error is
// OK and anything that is not a workflow Error is UnknownError.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return UnknownError
}
