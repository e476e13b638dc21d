package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types all implementations use.
var (
	ErrWorkflowNotFound  = errors.New("workflow not found")
	ErrExecutionNotFound = errors.New("execution not found")
)

// StoreError wraps repository errors with operation context.
type StoreError struct {
	Op  string // Operation being performed, e.g. "GetByID"
	ID  string // Entity id if applicable
	Err error
}

func (e *StoreError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.ID, e.Err)
	}

	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a store error with context.
func NewStoreError(op, id string, err error) *StoreError {
	return &StoreError{Op: op, ID: id, Err: err}
}

// IsWorkflowNotFound reports whether err wraps ErrWorkflowNotFound.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound reports whether err wraps ErrExecutionNotFound.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}
