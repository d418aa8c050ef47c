// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/store"
)

var (
	// ErrCorruptCheckpoint indicates a stored checkpoint that cannot be trusted.
	ErrCorruptCheckpoint = errors.New("corrupt checkpoint")

	// ErrCheckpointNotFound indicates no checkpoint matches the request.
	// It is the store's sentinel so either package's value matches.
	ErrCheckpointNotFound = store.ErrCheckpointNotFound

	// ErrMissingDependency indicates a pending inference that can never run.
	ErrMissingDependency = errors.New("missing dependency")

	// ErrUnknownMode indicates an unrecognized reconciliation mode.
	ErrUnknownMode = errors.New("unknown reconciliation mode")

	// ErrForkTargetExists indicates a fork into a run id that already has checkpoints.
	ErrForkTargetExists = errors.New("fork target run already has checkpoints")

	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid input")
)

// CorruptCheckpointError describes why a checkpoint was rejected.
type CorruptCheckpointError struct {
	RunID  string
	Cycle  int
	Reason string
	Err    error
}

func (e *CorruptCheckpointError) Error() string {
	msg := fmt.Sprintf("%v: run %s cycle %d: %s", ErrCorruptCheckpoint, e.RunID, e.Cycle, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrCorruptCheckpoint and the underlying cause.
func (e *CorruptCheckpointError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrCorruptCheckpoint}
	}
	return []error{ErrCorruptCheckpoint, e.Err}
}

// Dependency is one unsatisfiable input of a pending inference.
type Dependency struct {
	FlowIndex string
	Concept   string
	Reason    string
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s needs %q (%s)", d.FlowIndex, d.Concept, d.Reason)
}

// MissingDependencyError lists every pending inference input that no
// runnable inference can produce.
type MissingDependencyError struct {
	Missing []Dependency
}

func (e *MissingDependencyError) Error() string {
	parts := make([]string, 0, len(e.Missing))
	for _, d := range e.Missing {
		parts = append(parts, d.String())
	}
	return fmt.Sprintf("%v: %s", ErrMissingDependency, strings.Join(parts, "; "))
}

func (e *MissingDependencyError) Unwrap() error {
	return ErrMissingDependency
}
