package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrNoWriteContext is returned when a write reaches the storage layer
// without an active write context. Fail-closed: the write is rejected
// and the transaction aborts.
var ErrNoWriteContext = errors.New("no active write context")

// ErrInvalidTransition is the sentinel wrapped by TransitionError; use
// errors.Is to detect rejected lifecycle actions.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrSuppressed is returned when a proposal is blocked by a live
// suppression rule.
var ErrSuppressed = errors.New("suppressed")

// ErrTerminal is returned when an action targets an entity in a terminal
// state.
var ErrTerminal = errors.New("terminal state")

// TransitionError reports a lifecycle action rejected because the entity
// is not in a state that permits it. It carries the current state so the
// caller can re-derive available actions without another fetch.
type TransitionError struct {
	Entity string // "issue", "inbox_item", "engagement"
	ID     string
	State  string // current state at rejection time
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: action %q not allowed in state %q", e.Entity, e.ID, e.Action, e.State)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
