package session

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores and the manager when a key has no session.
	ErrNotFound = errors.New("session not found")
	// ErrInvalidKey rejects keys that cannot be stored.
	ErrInvalidKey = errors.New("invalid session key")
	// ErrInvalidTurn rejects a turn that breaks the structural rules.
	ErrInvalidTurn = errors.New("invalid turn")
	// ErrUnpairedToolResult is a tool turn with no matching unanswered tool call.
	ErrUnpairedToolResult = errors.New("tool result does not answer a pending tool call")
	// ErrUnpairedToolCall is an assistant tool call with no tool result.
	ErrUnpairedToolCall = errors.New("tool call has no result")
)

// StorageError wraps a failure of the underlying store.
type StorageError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("session store %s %s: %v", e.Backend, e.Op, e.Err)
	}
	return fmt.Sprintf("session store %s %s %q: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err came from the storage layer.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
