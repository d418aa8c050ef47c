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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/blackboard"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
)

// FormatVersion is the current checkpoint format version (semver).
const FormatVersion = "1.0.0"

// workspaceFailuresKey carries blackboard failure messages inside the
// workspace map, which is the only free-form part of the wire shape.
const workspaceFailuresKey = "_failures"

// Tracker is the audit trail of a run.
type Tracker struct {
	CycleCount      int      `json:"cycle_count"`
	TotalExecutions int      `json:"total_executions"`
	CompletionOrder []string `json:"completion_order"`
}

// Clone returns a copy with its own CompletionOrder slice.
func (t Tracker) Clone() Tracker {
	t.CompletionOrder = append([]string{}, t.CompletionOrder...)
	return t
}

// BlackboardState is the status part of the wire shape.
type BlackboardState struct {
	ConceptStatus map[string]blackboard.ConceptStatus `json:"concept_status"`
	ItemStatus    map[string]blackboard.ItemStatus    `json:"item_status"`
	ItemResults   map[string]any                      `json:"item_results"`
}

// Snapshot is the decoded wire form of a checkpoint.
//
// Field names and JSON keys are the persisted format; changing either
// requires a FormatVersion bump.
type Snapshot struct {
	Version           string                          `json:"version"`
	RunID             string                          `json:"run_id"`
	Cycle             int                             `json:"cycle"`
	Timestamp         time.Time                       `json:"timestamp"`
	Checksum          string                          `json:"checksum"`
	Blackboard        BlackboardState                 `json:"blackboard"`
	Tracker           Tracker                         `json:"tracker"`
	Workspace         map[string]any                  `json:"workspace"`
	CompletedConcepts map[string]repository.Reference `json:"completed_concepts"`
	Signatures        repository.Signatures           `json:"signatures"`
}

// newSnapshot builds the wire form of one blackboard state.
func newSnapshot(runID string, cycle int, ts time.Time, state blackboard.State, tracker Tracker, workspace map[string]any, sigs repository.Signatures) *Snapshot {
	completed := make(map[string]repository.Reference)
	for name, st := range state.ConceptStatus {
		if st != blackboard.ConceptComplete {
			continue
		}
		ref := repository.Reference{Axes: []string{}}
		if r := state.References[name]; r != nil {
			ref = *r.Clone()
		}
		completed[name] = ref
	}

	ws := make(map[string]any, len(workspace)+1)
	for k, v := range workspace {
		ws[k] = v
	}
	if len(state.Failures) > 0 {
		failures := make(map[string]any, len(state.Failures))
		for k, v := range state.Failures {
			failures[k] = v
		}
		ws[workspaceFailuresKey] = failures
	}

	return &Snapshot{
		Version:   FormatVersion,
		RunID:     runID,
		Cycle:     cycle,
		Timestamp: ts.UTC(),
		Blackboard: BlackboardState{
			ConceptStatus: state.ConceptStatus,
			ItemStatus:    state.ItemStatus,
			ItemResults:   state.ItemResults,
		},
		Tracker:           tracker.Clone(),
		Workspace:         ws,
		CompletedConcepts: completed,
		Signatures:        sigs,
	}
}

// State returns the blackboard state held by the snapshot. Failures are
// lifted out of the workspace.
func (s *Snapshot) State() blackboard.State {
	st := blackboard.State{
		ConceptStatus: s.Blackboard.ConceptStatus,
		ItemStatus:    s.Blackboard.ItemStatus,
		ItemResults:   s.Blackboard.ItemResults,
		References:    make(map[string]*repository.Reference, len(s.CompletedConcepts)),
		Failures:      make(map[string]string),
	}
	for name, ref := range s.CompletedConcepts {
		r := ref
		st.References[name] = &r
	}
	if raw, ok := s.Workspace[workspaceFailuresKey].(map[string]any); ok {
		for k, v := range raw {
			st.Failures[k] = fmt.Sprint(v)
		}
	}
	return st.Clone()
}

// UserWorkspace returns the workspace without entries owned by this package.
func (s *Snapshot) UserWorkspace() map[string]any {
	out := make(map[string]any, len(s.Workspace))
	for k, v := range s.Workspace {
		if k != workspaceFailuresKey {
			out[k] = v
		}
	}
	return out
}

// Encode serializes the snapshot and stamps its checksum.
func Encode(s *Snapshot) ([]byte, error) {
	s.Checksum = ""
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	sum, err := checksumOf(body)
	if err != nil {
		return nil, err
	}
	s.Checksum = sum

	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

// Decode parses and verifies an encoded snapshot.
//
// Description:
//
//	Verifies the format version and the SHA-256 checksum before returning.
//	The checksum covers every top-level field except "checksum" itself and
//	is computed over the stored bytes, so number literals are compared
//	exactly as written.
//
// Outputs:
//
//	*Snapshot - The verified snapshot.
//	error - A *CorruptCheckpointError on any failure.
func Decode(runID string, cycle int, data []byte) (*Snapshot, error) {
	corrupt := func(reason string, err error) error {
		return &CorruptCheckpointError{RunID: runID, Cycle: cycle, Reason: reason, Err: err}
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, corrupt("undecodable", err)
	}
	if s.Version != FormatVersion {
		return nil, corrupt(fmt.Sprintf("version %q, want %q", s.Version, FormatVersion), nil)
	}
	sum, err := checksumOf(data)
	if err != nil {
		return nil, corrupt("undecodable", err)
	}
	if sum != s.Checksum {
		return nil, corrupt("checksum mismatch", nil)
	}
	if s.Blackboard.ConceptStatus == nil || s.Blackboard.ItemStatus == nil {
		return nil, corrupt("missing blackboard state", nil)
	}
	if s.Blackboard.ItemResults == nil {
		s.Blackboard.ItemResults = map[string]any{}
	}
	if s.Workspace == nil {
		s.Workspace = map[string]any{}
	}
	if s.CompletedConcepts == nil {
		s.CompletedConcepts = map[string]repository.Reference{}
	}
	if s.Signatures.Items == nil {
		s.Signatures.Items = map[string]repository.Signature{}
	}
	if s.Signatures.Concepts == nil {
		s.Signatures.Concepts = map[string]repository.Signature{}
	}
	return &s, nil
}

// checksumOf hashes every top-level member except "checksum". Members are
// re-emitted in sorted key order with their raw bytes compacted.
func checksumOf(data []byte) (string, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return "", fmt.Errorf("split checkpoint: %w", err)
	}
	delete(members, "checksum")
	canonical, err := json.Marshal(members)
	if err != nil {
		return "", fmt.Errorf("canonicalize checkpoint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
