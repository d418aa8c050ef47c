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
	"fmt"
	"log/slog"

	"github.com/AleutianAI/AleutianFlow/services/flow/blackboard"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// LoadOptions selects the checkpoint an orchestrator resumes from.
type LoadOptions struct {
	// RunID is the run to load.
	RunID string

	// Cycle selects the newest checkpoint of a cycle, or LatestCycle.
	Cycle int

	// Repository is the definition to execute. It may differ from the one
	// the checkpoint was taken with.
	Repository *repository.Repository

	// Mode is the reconciliation mode. Default: checkpoint.ModePatch.
	Mode checkpoint.Mode

	// NewRunID forks the checkpoint into a new run when set.
	NewRunID string

	// Executor performs the remaining inferences.
	Executor Executor

	// Config configures the new orchestrator. RunID is ignored. A nil
	// Checkpoints field is set to the manager.
	Config Config
}

// LoadCheckpoint builds an orchestrator from a reconciled checkpoint.
//
// Description:
//
//	Loads and reconciles the checkpoint through mgr, then restores the
//	blackboard, tracker, cycle queue, retry counters, input answers and
//	breakpoint skip state. Answers given to inferences that reconciliation
//	reverts, changes or drops are discarded so those inferences ask
//	again. The orchestrator starts awaiting input when
//	the checkpoint holds an unanswered request and paused otherwise;
//	Resume or Run continues it.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	mgr - The checkpoint manager. Must not be nil.
//	opts - Which checkpoint to load and how.
//
// Outputs:
//
//	*Orchestrator - The restored orchestrator. Reconciliation reports
//	                what the load changed.
//	error - Any error from checkpoint.Manager.Load, or ErrInvalidInput.
func LoadCheckpoint(ctx context.Context, mgr *checkpoint.Manager, opts LoadOptions) (*Orchestrator, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if mgr == nil || opts.Repository == nil || opts.Executor == nil {
		return nil, fmt.Errorf("%w: manager, repository and executor are required", ErrInvalidInput)
	}

	restored, err := mgr.Load(ctx, checkpoint.LoadRequest{
		RunID:      opts.RunID,
		Cycle:      opts.Cycle,
		Repository: opts.Repository,
		Mode:       opts.Mode,
		NewRunID:   opts.NewRunID,
	})
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	cfg.RunID = restored.RunID
	if cfg.Checkpoints == nil {
		cfg.Checkpoints = mgr
	}
	o, err := New(opts.Repository, opts.Executor, cfg)
	if err != nil {
		return nil, err
	}
	if err := o.restore(restored); err != nil {
		return nil, err
	}

	st := o.Status()
	telemetry.LoggerWithTrace(ctx, o.logger).Info("orchestrator restored",
		slog.String("source_run_id", restored.SourceRunID),
		slog.Int("cycle", restored.Cycle),
		slog.String("state", string(st.State)),
		slog.Int("completed", len(o.bb.ItemsWithStatus(blackboard.ItemCompleted))),
	)
	return o, nil
}

// Reconciliation returns what loading the checkpoint changed, or nil for
// an orchestrator created with New.
func (o *Orchestrator) Reconciliation() *checkpoint.Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.report == nil {
		return nil
	}
	r := *o.report
	return &r
}

// restore installs a reconciled checkpoint into a fresh orchestrator.
func (o *Orchestrator) restore(r *checkpoint.Restored) error {
	ws, err := workspaceFromMap(r.Workspace)
	if err != nil {
		return err
	}
	o.bb.Restore(r.State)

	queue := ws.CycleQueue[:0]
	for _, idx := range ws.CycleQueue {
		if st, ok := o.bb.ItemStatus(idx); ok && st == blackboard.ItemPending {
			queue = append(queue, idx)
		}
	}
	ws.CycleQueue = queue
	for idx := range ws.Retries {
		if st, ok := o.bb.ItemStatus(idx); !ok || st != blackboard.ItemPending {
			delete(ws.Retries, idx)
		}
	}
	// Answers given to inferences that reconciliation re-runs are stale.
	forget := make(map[string]bool)
	for _, list := range [][]string{r.Report.Reverted, r.Report.Changed, r.Report.Dropped} {
		for _, idx := range list {
			forget[idx] = true
		}
	}
	for id, idx := range ws.ResponseItems {
		if forget[idx] {
			delete(ws.Responses, id)
			delete(ws.ResponseItems, id)
		}
	}
	if ws.Pending != nil {
		if st, ok := o.bb.ItemStatus(ws.Pending.FlowIndex); !ok || st != blackboard.ItemPending {
			ws.Pending = nil
		}
	}

	state, reason := StatePaused, ReasonRestored
	if ws.Pending != nil {
		state, reason = StateAwaitingInput, ReasonInput
	}
	ws.State = state
	ws.Reason = reason

	o.mu.Lock()
	defer o.mu.Unlock()
	o.tracker = r.Tracker.Clone()
	report := r.Report
	o.report = &report
	o.ws = ws
	o.state = state
	o.reason = reason
	o.dirty = false
	return nil
}

// ListAvailableCheckpoints returns every run with stored checkpoints.
func ListAvailableCheckpoints(ctx context.Context, mgr *checkpoint.Manager) ([]checkpoint.RunCheckpoints, error) {
	if mgr == nil {
		return nil, fmt.Errorf("%w: manager is required", ErrInvalidInput)
	}
	return mgr.ListAvailable(ctx)
}
