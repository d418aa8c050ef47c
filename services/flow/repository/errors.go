// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the repository package.
var (
	// ErrDefinition is returned when a definition has dangling or duplicate references.
	ErrDefinition = errors.New("invalid flow definition")

	// ErrUnknownInference is returned when a flow index is not in the repository.
	ErrUnknownInference = errors.New("unknown inference")

	// ErrUnknownConcept is returned when a concept name is not in the repository.
	ErrUnknownConcept = errors.New("unknown concept")

	// ErrInvalidFlowIndex is returned when a flow index is not a dotted number sequence.
	ErrInvalidFlowIndex = errors.New("invalid flow index")

	// ErrUnsupportedFormat is returned when a definition file has an unknown format.
	ErrUnsupportedFormat = errors.New("unsupported definition format")
)

// DefinitionError lists every problem found while building a repository.
type DefinitionError struct {
	Problems []string
}

// Error returns all problems on one line.
func (e *DefinitionError) Error() string {
	if len(e.Problems) == 1 {
		return fmt.Sprintf("%v: %s", ErrDefinition, e.Problems[0])
	}
	return fmt.Sprintf("%v: %d problems: %s", ErrDefinition, len(e.Problems), strings.Join(e.Problems, "; "))
}

// Unwrap returns ErrDefinition.
func (e *DefinitionError) Unwrap() error {
	return ErrDefinition
}
