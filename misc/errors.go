package misc

import (
	"errors"
	"fmt"
)

// UserError is an error caused by configuration, input data or the remote API rather than by a bug.
// The process exits with code 1 for these and with code 2 for everything else.
type UserError struct {
	msg string
	err error
}

func NewUserError(format string, args ...any) *UserError {
	return &UserError{msg: fmt.Sprintf(format, args...)}
}

// WrapUserError classifies err as user-facing, prefixing it with msg.
func WrapUserError(err error, msg string) *UserError {
	return &UserError{msg: msg, err: err}
}

func (e *UserError) Error() string {
	if e.err == nil {
		return e.msg
	}
	return e.msg + ": " + e.err.Error()
}

func (e *UserError) Unwrap() error {
	return e.err
}

func IsUserError(err error) bool {
	var ue *UserError
	return errors.As(err, &ue)
}
