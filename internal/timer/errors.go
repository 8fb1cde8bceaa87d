package timer

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid timer argument")
	ErrNoSuchTimer       = errors.New("no such timer")
	ErrIllegalTransition = errors.New("illegal timer transition")
	ErrClosed            = errors.New("timer service closed")
)
