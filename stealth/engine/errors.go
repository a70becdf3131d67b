package engine

import (
	"errors"
	"fmt"
)

// Category is the failure class an engine attaches to a failed call. The bridge treats
// it as authoritative and never inspects the message text.
type Category string

const (
	CategoryTimeout Category = "timeout"
	CategoryConnect Category = "connect"
	CategoryRequest Category = "request"
)

// Errors
const (
	ErrEncode = "failed to encode wire payload"
	ErrDecode = "failed to decode wire payload"
)

var (
	// ErrHandleClosed is returned by Invoke on a handle that was already closed.
	ErrHandleClosed = errors.New("engine handle is closed")
	// ErrNoDriver is returned by Open when no driver was supplied.
	ErrNoDriver = errors.New("no engine driver configured")
	// ErrEmptyProfile is returned by Open when the profile identifier is empty.
	ErrEmptyProfile = errors.New("profile identifier must not be empty")
)

// InitError reports that an engine session could not be opened: the engine is missing,
// incompatible, unreachable or rejected the profile.
type InitError struct {
	Driver  string
	Profile string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("engine init (%s, profile %q): %s", e.Driver, e.Profile, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// CallError is a failed Invoke. Category carries the engine's classification.
type CallError struct {
	Category Category
	Message  string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("engine call failed (%s): %s", e.Category, e.Message)
}

func (e *CallError) Unwrap() error { return e.Err }

// NormalizeCategory maps unknown or empty categories onto CategoryRequest.
func NormalizeCategory(c Category) Category {
	switch c {
	case CategoryTimeout, CategoryConnect, CategoryRequest:
		return c
	}
	return CategoryRequest
}
