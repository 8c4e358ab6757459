package laboratory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrValidation    = errors.New("validation error")
	ErrStateConflict = errors.New("state conflict")
)

// ResultError is a caller-visible failure of a result operation.
type ResultError struct {
	Kind    error    `json:"-"`
	Message string   `json:"message"`
	Allowed []string `json:"allowed,omitempty"`
}

func (e *ResultError) Error() string {
	if len(e.Allowed) > 0 {
		return fmt.Sprintf("%s (allowed: %s)", e.Message, strings.Join(e.Allowed, ", "))
	}
	return e.Message
}

func (e *ResultError) Unwrap() error { return e.Kind }

func notFound(format string, args ...any) error {
	return &ResultError{Kind: ErrNotFound, Message: fmt.Sprintf(format, args...)}
}

func validationError(msg string, allowed ...string) error {
	return &ResultError{Kind: ErrValidation, Message: msg, Allowed: allowed}
}

func stateConflict(msg string) error {
	return &ResultError{Kind: ErrStateConflict, Message: msg}
}
