// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package blackboard tracks the dynamic state of one run: the status of
// every concept and inference and the references computed so far.
//
// The blackboard enforces the item state machine
//
//	pending -> in_progress -> completed
//	                       -> failed
//	                       -> pending   (Suspend)
//
// and never decides what runs next. Scheduling lives in the orchestrator;
// merging a stored state with a changed definition lives in checkpoint.
package blackboard

import (
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
)

// ConceptStatus is the fill state of a concept.
type ConceptStatus string

const (
	ConceptEmpty    ConceptStatus = "empty"
	ConceptComplete ConceptStatus = "complete"
)

// ItemStatus is the execution state of an inference.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemInProgress ItemStatus = "in_progress"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// State is the plain-data form of a blackboard used by snapshots.
type State struct {
	ConceptStatus map[string]ConceptStatus         `json:"concept_status"`
	ItemStatus    map[string]ItemStatus            `json:"item_status"`
	ItemResults   map[string]any                   `json:"item_results"`
	References    map[string]*repository.Reference `json:"-"`
	Failures      map[string]string                `json:"-"`
}

// Clone returns a copy whose maps and references are independent of s.
func (s State) Clone() State {
	out := State{
		ConceptStatus: make(map[string]ConceptStatus, len(s.ConceptStatus)),
		ItemStatus:    make(map[string]ItemStatus, len(s.ItemStatus)),
		ItemResults:   make(map[string]any, len(s.ItemResults)),
		References:    make(map[string]*repository.Reference, len(s.References)),
		Failures:      make(map[string]string, len(s.Failures)),
	}
	for k, v := range s.ConceptStatus {
		out.ConceptStatus[k] = v
	}
	for k, v := range s.ItemStatus {
		out.ItemStatus[k] = v
	}
	for k, v := range s.ItemResults {
		out.ItemResults[k] = v
	}
	for k, v := range s.References {
		out.References[k] = v.Clone()
	}
	for k, v := range s.Failures {
		out.Failures[k] = v
	}
	return out
}

// InitialState returns the state of a fresh run over repo: every inference
// pending, derived concepts empty, ground concepts complete iff supplied.
func InitialState(repo *repository.Repository) State {
	s := State{}.Clone()
	for _, c := range repo.Concepts() {
		s.ConceptStatus[c.Name] = ConceptEmpty
		if c.Kind == repository.ConceptGround && c.Reference != nil {
			s.ConceptStatus[c.Name] = ConceptComplete
			s.References[c.Name] = c.Reference.Clone()
		}
	}
	for _, idx := range repo.FlowIndices() {
		s.ItemStatus[idx] = ItemPending
	}
	return s
}

// Blackboard is the mutable state of one run.
//
// Thread Safety:
//
//	Safe for concurrent readers. Mutations are expected from one writer,
//	the orchestrator that owns the run, but are serialized regardless.
type Blackboard struct {
	repo *repository.Repository

	mu    sync.RWMutex
	state State
}

// New creates a blackboard in the initial state for repo.
func New(repo *repository.Repository) *Blackboard {
	return &Blackboard{repo: repo, state: InitialState(repo)}
}

// Repository returns the definition this blackboard tracks.
func (b *Blackboard) Repository() *repository.Repository {
	return b.repo
}

// IsReady reports whether flowIndex is pending and every value and
// context concept it reads is complete.
func (b *Blackboard) IsReady(flowIndex string) bool {
	inf, ok := b.repo.Inference(flowIndex)
	if !ok {
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state.ItemStatus[flowIndex] != ItemPending {
		return false
	}
	for _, name := range inf.Inputs() {
		if b.state.ConceptStatus[name] != ConceptComplete {
			return false
		}
	}
	return true
}

// Begin moves flowIndex from pending to in_progress.
func (b *Blackboard) Begin(flowIndex string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transition(flowIndex, "begin", ItemPending, ItemInProgress)
}

// Complete moves flowIndex from in_progress to completed and fills its
// output concept with ref.
func (b *Blackboard) Complete(flowIndex string, ref *repository.Reference) error {
	inf, ok := b.repo.Inference(flowIndex)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInference, flowIndex)
	}
	if ref == nil {
		ref = &repository.Reference{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.transition(flowIndex, "complete", ItemInProgress, ItemCompleted); err != nil {
		return err
	}
	b.state.ConceptStatus[inf.ToInfer] = ConceptComplete
	b.state.References[inf.ToInfer] = ref.Clone()
	b.state.ItemResults[flowIndex] = ref.Data
	delete(b.state.Failures, flowIndex)
	return nil
}

// Fail moves flowIndex from in_progress to failed and records info. The
// output concept stays empty.
func (b *Blackboard) Fail(flowIndex string, info string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.transition(flowIndex, "fail", ItemInProgress, ItemFailed); err != nil {
		return err
	}
	b.state.Failures[flowIndex] = info
	return nil
}

// Suspend returns flowIndex from in_progress to pending so it can retry
// once external input arrives.
func (b *Blackboard) Suspend(flowIndex string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transition(flowIndex, "suspend", ItemInProgress, ItemPending)
}

// transition must be called with mu held.
func (b *Blackboard) transition(flowIndex, op string, from, to ItemStatus) error {
	cur, ok := b.state.ItemStatus[flowIndex]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInference, flowIndex)
	}
	if cur != from {
		return &InvalidTransitionError{FlowIndex: flowIndex, Op: op, From: cur}
	}
	b.state.ItemStatus[flowIndex] = to
	return nil
}

// Supply sets the value of a ground concept and marks it complete.
func (b *Blackboard) Supply(concept string, ref *repository.Reference) error {
	c, ok := b.repo.Concept(concept)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConcept, concept)
	}
	if c.Kind != repository.ConceptGround {
		return fmt.Errorf("%w: %s", ErrNotGround, concept)
	}
	if ref == nil {
		ref = &repository.Reference{}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.state.ConceptStatus[concept] = ConceptComplete
	b.state.References[concept] = ref.Clone()
	return nil
}

// ConceptStatus returns the status of a concept. Unknown names are empty.
func (b *Blackboard) ConceptStatus(name string) ConceptStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if st, ok := b.state.ConceptStatus[name]; ok {
		return st
	}
	return ConceptEmpty
}

// ItemStatus returns the status of an inference.
func (b *Blackboard) ItemStatus(flowIndex string) (ItemStatus, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st, ok := b.state.ItemStatus[flowIndex]
	return st, ok
}

// Reference returns the reference of a complete concept.
func (b *Blackboard) Reference(name string) (*repository.Reference, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.state.ConceptStatus[name] != ConceptComplete {
		return nil, false
	}
	ref, ok := b.state.References[name]
	return ref.Clone(), ok
}

// Failure returns the recorded failure of a failed inference.
func (b *Blackboard) Failure(flowIndex string) (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	info, ok := b.state.Failures[flowIndex]
	return info, ok
}

// ItemsWithStatus returns the flow indices in st, in flow order.
func (b *Blackboard) ItemsWithStatus(st ItemStatus) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []string
	for _, idx := range b.repo.FlowIndices() {
		if b.state.ItemStatus[idx] == st {
			out = append(out, idx)
		}
	}
	return out
}

// Ready returns every ready inference in flow order.
func (b *Blackboard) Ready() []string {
	var out []string
	for _, idx := range b.ItemsWithStatus(ItemPending) {
		if b.IsReady(idx) {
			out = append(out, idx)
		}
	}
	return out
}

// BlockedByFailure reports whether flowIndex can never run because a
// concept it reads is empty and that concept's producer has failed or is
// itself blocked by a failure.
func (b *Blackboard) BlockedByFailure(flowIndex string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.blockedLocked(flowIndex, make(map[string]bool))
}

func (b *Blackboard) blockedLocked(flowIndex string, seen map[string]bool) bool {
	if seen[flowIndex] {
		return false
	}
	seen[flowIndex] = true

	inf, ok := b.repo.Inference(flowIndex)
	if !ok {
		return false
	}
	for _, name := range inf.Inputs() {
		if b.state.ConceptStatus[name] == ConceptComplete {
			continue
		}
		producer, ok := b.repo.ProducerOf(name)
		if !ok {
			continue
		}
		if b.state.ItemStatus[producer] == ItemFailed || b.blockedLocked(producer, seen) {
			return true
		}
	}
	return false
}

// Snapshot returns a deep copy of the current state.
func (b *Blackboard) Snapshot() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state.Clone()
}

// Restore replaces the whole state with a copy of s. No merging happens.
func (b *Blackboard) Restore(s State) {
	cp := s.Clone()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = cp
}
