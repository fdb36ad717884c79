package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a position id is unknown.
	ErrNotFound = errors.New("position not found")

	// ErrAlreadyClosed is returned when settling a position that is closed
	// or whose settlement is already in progress.
	ErrAlreadyClosed = errors.New("position already closed")
)

// ValidationError rejects a trade request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return "missing required field: " + e.Field
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PersistenceError wraps a store failure. The operation it names did not
// happen: no partial position is left visible.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
