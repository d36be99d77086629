package service

import (
	"errors"
	"fmt"
)

var (
	ErrEngineUnavailable = errors.New("inference engine unavailable")
	ErrEngineInference   = errors.New("inference engine inference failed")
	ErrEngineProtocol    = errors.New("inference engine protocol failed")
)

var (
	ErrInvalidTask = errors.New("invalid task")
	ErrDuplicateID = errors.New("task id already pending or completed")
	ErrQueueFull   = errors.New("intake queue is full")
	ErrNotRunning  = errors.New("worker is not running")
	ErrNotFound    = errors.New("result not found or not yet processed")
)

// ValidationError rejects a descriptor before it reaches the queue.
type ValidationError struct {
	ID     string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("invalid task: %s", e.Reason)
	}
	return fmt.Sprintf("invalid task %q: %s", e.ID, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidTask, e.Err}
	}
	return []error{ErrInvalidTask}
}

func newValidationError(id string, reason string) error {
	return &ValidationError{ID: id, Reason: reason}
}

// EngineError is a failure confined to one task of a batch.
type EngineError struct {
	ID  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.ID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// FatalError reports that the engine could not be constructed or warmed up.
// The worker that hit it never dequeues a task.
type FatalError struct {
	Engine   string
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("engine %s failed to start after %d attempt(s): %v", e.Engine, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func IsValidationError(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

func IsFatalError(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr)
}
