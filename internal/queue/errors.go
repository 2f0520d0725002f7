// internal/queue/errors.go
package queue

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation id is unknown.
var ErrNotFound = errors.New("operation not found")

// ErrTerminal is returned when mutating an operation that already
// reached a final status.
var ErrTerminal = errors.New("operation is terminal")

// ErrAtCapacity is the store-level rejection of an insert that would
// exceed the non-terminal bound. Enqueue wraps it in CapacityError.
var ErrAtCapacity = errors.New("queue at capacity")

// CapacityError rejects an enqueue at the queue's size bound. Nothing
// is persisted when this is returned.
type CapacityError struct {
	Size int
	Max  int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("queue at capacity: %d of %d items", e.Size, e.Max)
}

func (e *CapacityError) Unwrap() error { return ErrAtCapacity }

// IsCapacityError reports whether err is a capacity rejection.
func IsCapacityError(err error) bool {
	var capErr *CapacityError
	return errors.As(err, &capErr)
}

// TerminalError wraps the last dispatch error after retries are
// exhausted.
type TerminalError struct {
	OperationID string
	Attempts    int
	Err         error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("operation %s failed after %d attempts: %v", e.OperationID, e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error { return e.Err }

// ConfigError rejects a malformed request before any side effect.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
