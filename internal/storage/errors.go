package storage

import (
	"errors"
	"fmt"
)

// Error kinds. Use errors.Is against these.
var (
	ErrValidation             = errors.New("validation_error")
	ErrNotFound               = errors.New("not_found")
	ErrBackend                = errors.New("backend_error")
	ErrUnsupportedCombination = errors.New("unsupported_combination")
)

// Error carries the operation context of a failed call.
type Error struct {
	Kind    error
	Op      string
	Backend Backend
	Path    string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Backend != BackendNone {
		msg += " [" + string(e.Backend) + "]"
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the Kind sentinel.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Invalid returns a validation error.
func Invalid(op, path, format string, args ...any) error {
	return &Error{Kind: ErrValidation, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// NotFound returns a not_found error. err may be nil.
func NotFound(op string, backend Backend, path string, err error) error {
	return &Error{Kind: ErrNotFound, Op: op, Backend: backend, Path: path, Err: err}
}

// BackendFailure wraps a transport or tooling failure. A nil err returns nil,
// and errors already carrying a kind are returned unchanged.
func BackendFailure(op string, backend Backend, path string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: ErrBackend, Op: op, Backend: backend, Path: path, Err: err}
}

// Unsupported returns an unsupported_combination error for a sync pair.
func Unsupported(op string, from, to Backend) error {
	return &Error{Kind: ErrUnsupportedCombination, Op: op, Err: fmt.Errorf("%q -> %q", from, to)}
}

// IsNotFound is shorthand for errors.Is(err, ErrNotFound).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
