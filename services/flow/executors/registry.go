// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executors provides an orchestrator.Executor that dispatches
// inferences to registered functions, plus a small set of built-ins.
package executors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/orchestrator"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
)

var (
	// ErrAlreadyRegistered is returned when a name is registered twice.
	ErrAlreadyRegistered = errors.New("already registered")

	// ErrNilFunc is returned when registering a nil function.
	ErrNilFunc = errors.New("function must not be nil")

	// ErrUnknownFunction is reported when no function matches an inference.
	ErrUnknownFunction = errors.New("no executor for inference")

	// ErrBadInput is reported when an inference's inputs do not fit its function.
	ErrBadInput = errors.New("bad input")
)

// Func computes one inference.
type Func func(ctx context.Context, inf *repository.Inference, in orchestrator.Inputs) orchestrator.Outcome

// Registry maps function concepts and interpretation kinds to Funcs.
//
// Description:
//
//	Execute looks up the inference's function concept first, then the
//	kind of its working interpretation. An inference matching neither
//	fails with ErrUnknownFunction. A cancelled context fails the attempt
//	before any function runs.
//
// Thread Safety: Safe for concurrent use via read-write mutex.
type Registry struct {
	logger *slog.Logger

	mu         sync.RWMutex
	byFunction map[string]Func
	byKind     map[repository.InterpretationKind]Func
}

var _ orchestrator.Executor = (*Registry)(nil)

// NewRegistry creates an empty registry. A nil logger uses slog.Default().
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:     logger.With(slog.String("component", "executors")),
		byFunction: make(map[string]Func),
		byKind:     make(map[repository.InterpretationKind]Func),
	}
}

// Register binds a function concept name to fn.
//
// Outputs:
//   - error: ErrNilFunc, or ErrAlreadyRegistered if name is taken.
func (r *Registry) Register(name string, fn Func) error {
	if fn == nil {
		return ErrNilFunc
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byFunction[name]; exists {
		return fmt.Errorf("%w: function %s", ErrAlreadyRegistered, name)
	}
	r.byFunction[name] = fn
	return nil
}

// RegisterKind binds an interpretation kind to fn. It is used for
// inferences whose function concept has no registration.
func (r *Registry) RegisterKind(kind repository.InterpretationKind, fn Func) error {
	if fn == nil {
		return ErrNilFunc
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byKind[kind]; exists {
		return fmt.Errorf("%w: kind %s", ErrAlreadyRegistered, kind)
	}
	r.byKind[kind] = fn
	return nil
}

// MustRegister registers fn and panics on error. Use during startup only.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(fmt.Sprintf("executors: failed to register %s: %v", name, err))
	}
}

// Functions returns the registered function names, sorted.
func (r *Registry) Functions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byFunction))
	for name := range r.byFunction {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the Func that would execute inf.
func (r *Registry) Lookup(inf *repository.Inference) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.byFunction[inf.FunctionConcept]; ok {
		return fn, true
	}
	if inf.Interpretation != nil {
		if fn, ok := r.byKind[inf.Interpretation.Kind()]; ok {
			return fn, true
		}
	}
	return nil, false
}

// Execute implements orchestrator.Executor.
func (r *Registry) Execute(ctx context.Context, inf *repository.Inference, in orchestrator.Inputs) orchestrator.Outcome {
	if err := ctx.Err(); err != nil {
		return orchestrator.Failure{Err: err}
	}
	fn, ok := r.Lookup(inf)
	if !ok {
		r.logger.Warn("no executor registered",
			slog.String("flow_index", inf.FlowIndex),
			slog.String("function", inf.FunctionConcept),
		)
		return orchestrator.Failure{Err: fmt.Errorf("%w %s: function %q", ErrUnknownFunction, inf.FlowIndex, inf.FunctionConcept)}
	}
	return fn(ctx, inf, in)
}
