// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the orchestrator package.
var (
	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrInvalidInput is returned when construction arguments are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrExecutionFailed is returned when an inference failed after all attempts.
	ErrExecutionFailed = errors.New("inference execution failed")

	// ErrDeadlock is returned when pending work remains but nothing can run.
	ErrDeadlock = errors.New("no progress possible: deadlock")

	// ErrAlreadyRunning is returned when a run is driven from two goroutines.
	ErrAlreadyRunning = errors.New("orchestrator is already running")

	// ErrInvalidState is returned when a control call does not fit the current state.
	ErrInvalidState = errors.New("invalid orchestrator state")

	// ErrAwaitingInput is returned when resuming before a requested input arrived.
	ErrAwaitingInput = errors.New("awaiting input")

	// ErrUnknownInteraction is returned when ProvideInput names no open request.
	ErrUnknownInteraction = errors.New("unknown interaction")

	// ErrUnknownInference is returned for flow indices the repository lacks.
	ErrUnknownInference = errors.New("unknown inference")
)

// ExecutionError wraps the last error of an inference that exhausted its
// attempts.
type ExecutionError struct {
	FlowIndex string
	Attempts  int
	Err       error
}

// Error returns the error message.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%v: inference %s after %d attempt(s): %v", ErrExecutionFailed, e.FlowIndex, e.Attempts, e.Err)
}

// Unwrap exposes both ErrExecutionFailed and the executor's error.
func (e *ExecutionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExecutionFailed}
	}
	return []error{ErrExecutionFailed, e.Err}
}

// DeadlockError lists the pending inferences that could not run.
type DeadlockError struct {
	Pending []string
}

// Error returns the error message.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("%v: pending %s", ErrDeadlock, strings.Join(e.Pending, ", "))
}

// Unwrap returns ErrDeadlock.
func (e *DeadlockError) Unwrap() error {
	return ErrDeadlock
}
