package core

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedDocument is matched by every parse failure.
	ErrMalformedDocument = errors.New("malformed configuration document")
	// ErrUnknownAction is matched by conditions using an unsupported action.
	ErrUnknownAction = errors.New("unknown condition action")
)

// UnknownActionError reports a condition whose action is not supported.
// It matches both ErrUnknownAction and ErrMalformedDocument.
type UnknownActionError struct {
	Flag      string
	Rule      string
	Condition int
	Action    string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("%s: flag %q: rule %q: conditions[%d]: %q", ErrUnknownAction, e.Flag, e.Rule, e.Condition, e.Action)
}

func (e *UnknownActionError) Is(target error) bool {
	return target == ErrUnknownAction || target == ErrMalformedDocument
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedDocument, fmt.Sprintf(format, args...))
}
