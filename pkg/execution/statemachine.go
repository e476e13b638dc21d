// Package execution owns the lifecycle of a single workflow execution:
// status transitions, the append-only node log, and error aggregation.
package execution

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/weftlab/weft/pkg/models"
)

var (
	// ErrAlreadyStarted guards against double-start under concurrent
	// duplicate submissions.
	ErrAlreadyStarted = errors.New("execution already started")
	// ErrNotRunning is returned when node results arrive for an execution
	// that is not in the running state.
	ErrNotRunning = errors.New("execution is not running")
)

// StateMachine owns one models.Execution for its lifetime. All mutation
// goes through it; terminal transitions are idempotent no-ops because
// cancellation and completion may race.
type StateMachine struct {
	mu        sync.Mutex
	execution *models.Execution
}

// New creates a state machine around a pending execution.
func New(execution *models.Execution) *StateMachine {
	if execution.Status == "" {
		execution.Status = models.ExecutionStatusPending
	}

	return &StateMachine{execution: execution}
}

// Start moves pending -> running. Any other source state is an error.
func (sm *StateMachine) Start() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.execution.Status != models.ExecutionStatusPending {
		return fmt.Errorf("%w: status is %s", ErrAlreadyStarted, sm.execution.Status)
	}

	sm.execution.Status = models.ExecutionStatusRunning
	sm.execution.StartedAt = time.Now().UTC()

	return nil
}

// RecordNodeResult appends one entry to the execution log. Appending after
// a terminal transition is rejected so the log stays consistent with the
// final status.
func (sm *StateMachine) RecordNodeResult(result models.NodeResult) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.execution.Status != models.ExecutionStatusRunning {
		return fmt.Errorf("%w: status is %s", ErrNotRunning, sm.execution.Status)
	}

	sm.execution.NodeResults = append(sm.execution.NodeResults, result)

	return nil
}

// Complete moves running -> success. No-op when already terminal.
func (sm *StateMachine) Complete() bool {
	return sm.finish(models.ExecutionStatusSuccess, "")
}

// Fail moves running -> failed, recording the terminal error. No-op when
// already terminal.
func (sm *StateMachine) Fail(err error) bool {
	message := ""
	if err != nil {
		message = err.Error()
	}

	return sm.finish(models.ExecutionStatusFailed, message)
}

// Cancel moves running -> cancelled. No-op when already terminal.
func (sm *StateMachine) Cancel() bool {
	return sm.finish(models.ExecutionStatusCancelled, "")
}

// Status returns the current lifecycle state.
func (sm *StateMachine) Status() models.ExecutionStatus {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return sm.execution.Status
}

// Snapshot returns a copy of the owned execution, safe to hand out while
// the run is still mutating state.
func (sm *StateMachine) Snapshot() models.Execution {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	snapshot := *sm.execution
	snapshot.NodeResults = make([]models.NodeResult, len(sm.execution.NodeResults))
	copy(snapshot.NodeResults, sm.execution.NodeResults)

	return snapshot
}

// Execution exposes the owned model. Callers must treat it as read-only
// once the state machine reaches a terminal state.
func (sm *StateMachine) Execution() *models.Execution {
	return sm.execution
}

func (sm *StateMachine) finish(status models.ExecutionStatus, errorMessage string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.execution.Status.IsTerminal() {
		return false
	}

	now := time.Now().UTC()
	sm.execution.Status = status
	sm.execution.CompletedAt = &now

	if errorMessage != "" {
		sm.execution.ErrorMessage = errorMessage
	}

	return true
}
