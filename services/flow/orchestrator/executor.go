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
	"context"

	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
)

// Executor performs the computation of a single inference.
//
// Description:
//
//	The orchestrator calls Execute once per attempt with the inference's
//	inputs and acts on the returned Outcome. Execute must honor ctx and
//	must not mutate inputs.
//
// Thread Safety:
//
//	An orchestrator calls Execute serially. Executors shared between
//	orchestrators must be safe for concurrent use.
type Executor interface {
	Execute(ctx context.Context, inf *repository.Inference, in Inputs) Outcome
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, inf *repository.Inference, in Inputs) Outcome

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, inf *repository.Inference, in Inputs) Outcome {
	return f(ctx, inf, in)
}

// Inputs is what an executor sees of the blackboard.
type Inputs struct {
	// Values holds the value concepts' references in declaration order.
	Values []repository.Reference

	// Context holds the context concepts' references by name.
	Context map[string]repository.Reference

	// Responses holds answers to earlier input requests by interaction id.
	Responses map[string]any
}

// Outcome is the result of one execution attempt: Result, Failure or
// SuspendForInput.
type Outcome interface {
	isOutcome()
}

// Result completes the inference with Reference.
type Result struct {
	Reference repository.Reference
}

// Failure fails the attempt. The orchestrator retries until the inference
// runs out of attempts.
type Failure struct {
	Err error
}

// SuspendForInput returns the inference to pending until ProvideInput
// answers InteractionID.
type SuspendForInput struct {
	Prompt        string
	InteractionID string
}

func (Result) isOutcome()          {}
func (Failure) isOutcome()         {}
func (SuspendForInput) isOutcome() {}

// Interaction is an open request for external input.
type Interaction struct {
	ID        string `json:"id"`
	FlowIndex string `json:"flow_index"`
	Prompt    string `json:"prompt"`
}
