package schedule

import (
	"errors"
	"fmt"
)

var (
	// ErrScheduleParse matches every *ParseError.
	ErrScheduleParse = errors.New("invalid schedule expression")
	// ErrUnsupported is returned for schedule forms that parse but cannot be evaluated.
	ErrUnsupported = errors.New("unsupported schedule form")
)

// ParseError describes a malformed or out-of-range field.
type ParseError struct {
	Field  Field
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s %q: %s", ErrScheduleParse, e.Field, e.Text, e.Reason)
}

func (e *ParseError) Is(target error) bool { return target == ErrScheduleParse }

func parseErr(f Field, text, format string, args ...any) error {
	return &ParseError{Field: f, Text: text, Reason: fmt.Sprintf(format, args...)}
}
