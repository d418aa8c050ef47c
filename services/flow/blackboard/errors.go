// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blackboard

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when a state change is attempted out of order.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrUnknownInference is returned for a flow index the blackboard does not track.
	ErrUnknownInference = errors.New("unknown inference")

	// ErrUnknownConcept is returned for a concept the blackboard does not track.
	ErrUnknownConcept = errors.New("unknown concept")

	// ErrNotGround is returned when Supply targets a derived concept.
	ErrNotGround = errors.New("concept is not ground")
)

// InvalidTransitionError records an out-of-order item transition.
type InvalidTransitionError struct {
	FlowIndex string
	Op        string
	From      ItemStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%v: %s %s from %s", ErrInvalidTransition, e.Op, e.FlowIndex, e.From)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}
