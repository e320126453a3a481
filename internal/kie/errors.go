package kie

import (
	"errors"
	"fmt"
	"time"
)

// ErrMalformedResult is returned when a task reports success but its result
// payload is missing or cannot be decoded. It is terminal.
var ErrMalformedResult = errors.New("kie: malformed result payload")

// ValidationError rejects a request before any network call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("kie: invalid %s: %s", e.Field, e.Message)
}

// RemoteServiceError is a non-success HTTP status or application code from the provider.
type RemoteServiceError struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
	Body       string
	Err        error
}

func (e *RemoteServiceError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("kie %s: %v", e.Op, e.Err)
	case e.StatusCode/100 != 2:
		return fmt.Sprintf("kie %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("kie %s: code %d: %s", e.Op, e.Code, e.Message)
	}
}

func (e *RemoteServiceError) Unwrap() error {
	return e.Err
}

// TaskFailedError carries the provider's failure code and message for a task in state fail.
type TaskFailedError struct {
	TaskID   string
	FailCode string
	FailMsg  string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("kie task %s failed (%s): %s", e.TaskID, e.FailCode, e.FailMsg)
}

// TimeoutError means the poll deadline passed before the task reached a terminal state.
// The provider job itself is not cancelled.
type TimeoutError struct {
	TaskID    string
	After     time.Duration
	LastState string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("kie task %s: timed out after %s (last state %q)", e.TaskID, e.After, e.LastState)
}
