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
	"encoding/json"
	"fmt"
)

// workspace is the scheduler state that travels in checkpoints next to
// the blackboard. ResponseItems maps an answered interaction to the flow
// index that asked for it.
type workspace struct {
	CycleQueue     []string          `json:"cycle_queue"`
	Retries        map[string]int    `json:"retries"`
	Responses      map[string]any    `json:"responses"`
	ResponseItems  map[string]string `json:"response_items"`
	Pending        *Interaction      `json:"pending_interaction,omitempty"`
	SkipBreakpoint string            `json:"skip_breakpoint,omitempty"`
	State          State             `json:"state"`
	Reason         string            `json:"reason,omitempty"`
}

func newWorkspace() workspace {
	return workspace{
		CycleQueue:    []string{},
		Retries:       map[string]int{},
		Responses:     map[string]any{},
		ResponseItems: map[string]string{},
	}
}

// toMap converts w to the generic form stored in checkpoints.
func (w workspace) toMap() (map[string]any, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode workspace: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode workspace: %w", err)
	}
	return out, nil
}

// workspaceFromMap reads a checkpoint workspace. Unknown keys are ignored.
func workspaceFromMap(m map[string]any) (workspace, error) {
	ws := newWorkspace()
	if len(m) == 0 {
		return ws, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ws, fmt.Errorf("decode workspace: %w", err)
	}
	if err := json.Unmarshal(data, &ws); err != nil {
		return newWorkspace(), fmt.Errorf("decode workspace: %w", err)
	}
	if ws.CycleQueue == nil {
		ws.CycleQueue = []string{}
	}
	if ws.Retries == nil {
		ws.Retries = map[string]int{}
	}
	if ws.Responses == nil {
		ws.Responses = map[string]any{}
	}
	if ws.ResponseItems == nil {
		ws.ResponseItems = map[string]string{}
	}
	return ws, nil
}
