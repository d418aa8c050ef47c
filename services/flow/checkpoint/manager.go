// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint snapshots blackboard state into the run store and
// restores it against a possibly modified repository.
//
// A checkpoint is a versioned, checksummed JSON document. Loading one
// verifies it, reconciles it with the current repository in one of three
// modes, checks that every pending inference can still run, and optionally
// forks the result into a new run id.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/blackboard"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
	"github.com/AleutianAI/AleutianFlow/services/flow/store"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var (
	saveDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flow_checkpoint_save_duration_seconds",
		Help:    "Time to encode and store a checkpoint",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status"})

	loadDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flow_checkpoint_load_duration_seconds",
		Help:    "Time to fetch, verify and reconcile a checkpoint",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status", "mode"})

	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_checkpoint_operations_total",
		Help: "Total checkpoint operations by type and status",
	}, []string{"operation", "status"})

	revertedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_checkpoint_reverted_inferences_total",
		Help: "Inferences reverted to pending during reconciliation",
	}, []string{"mode"})
)

var tracer = otel.Tracer("aleutian.flow.checkpoint")

// -----------------------------------------------------------------------------
// Store
// -----------------------------------------------------------------------------

// Store is the subset of the run store the manager needs.
// *store.Store satisfies it.
type Store interface {
	SaveCheckpoint(ctx context.Context, runID string, cycle, inferenceCount int, blob []byte) (store.CheckpointInfo, error)
	GetCheckpoint(ctx context.Context, runID string, cycle int) (*store.CheckpointRecord, error)
	ListCheckpoints(ctx context.Context, runID string) ([]store.CheckpointInfo, error)
	ListRuns(ctx context.Context) ([]store.RunSummary, error)
	SetRunMetadata(ctx context.Context, runID, key, value string) error
}

// Info describes a stored checkpoint.
type Info = store.CheckpointInfo

// -----------------------------------------------------------------------------
// Requests
// -----------------------------------------------------------------------------

// SaveRequest is everything one checkpoint records.
type SaveRequest struct {
	RunID      string
	Cycle      int
	State      blackboard.State
	Tracker    Tracker
	Workspace  map[string]any
	Signatures repository.Signatures
}

// LoadRequest selects a checkpoint and how to reconcile it.
type LoadRequest struct {
	// RunID is the run to load from.
	RunID string

	// Cycle selects the newest checkpoint of one cycle. store.LatestCycle
	// selects the newest checkpoint of the run.
	Cycle int

	// Repository is the definition the resumed run executes. Required.
	Repository *repository.Repository

	// Mode defaults to ModePatch when empty.
	Mode Mode

	// NewRunID forks into a new run when set.
	NewRunID string
}

// Restored is a reconciled checkpoint ready to seed an orchestrator.
type Restored struct {
	// RunID is the run the caller continues: the fork id when forking.
	RunID string

	// SourceRunID is the run the checkpoint was read from.
	SourceRunID string

	// Cycle is the checkpoint's cycle.
	Cycle int

	// Info is the stored descriptor of the checkpoint that was read.
	Info Info

	State     blackboard.State
	Tracker   Tracker
	Workspace map[string]any
	Report    Report

	// Forked is true when the result was written under NewRunID.
	Forked bool

	// Rewound is true when a checkpoint older than the run's newest one
	// was loaded in place. Tracker.CycleCount then continues from the
	// newest stored cycle.
	Rewound bool
}

// RunCheckpoints pairs a run with its stored checkpoints.
type RunCheckpoints struct {
	Run         store.RunSummary
	Checkpoints []Info
}

// -----------------------------------------------------------------------------
// Manager
// -----------------------------------------------------------------------------

// Manager saves and restores checkpoints.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent saves for one run are ordered by
//	the store; a save with an older cycle than the newest stored one fails.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a manager over st.
func NewManager(st Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  st,
		logger: logger.With(slog.String("component", "checkpoint")),
		now:    time.Now,
	}
}

// SaveState encodes and stores one checkpoint.
//
// Description:
//
//	Builds the wire document, stamps its version and checksum, and writes it
//	through the store, which assigns the per-run sequence number.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	req - Run id, cycle, state and tracker to record.
//
// Outputs:
//
//	Info - The stored checkpoint's descriptor.
//	error - store.ErrCycleRegression, store.ErrInvalidRunID, or an encode
//	        or storage error.
func (m *Manager) SaveState(ctx context.Context, req SaveRequest) (Info, error) {
	ctx, span := tracer.Start(ctx, "checkpoint.SaveState",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID),
			attribute.Int("checkpoint.cycle", req.Cycle),
		),
	)
	defer span.End()
	start := time.Now()
	logger := telemetry.LoggerWithTrace(ctx, m.logger)

	info, err := m.save(ctx, req)
	status := statusOf(err)
	saveDurationHistogram.WithLabelValues(status).Observe(time.Since(start).Seconds())
	operationsTotal.WithLabelValues("save", status).Inc()
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Warn("checkpoint save failed",
			slog.String("run_id", req.RunID),
			slog.Int("cycle", req.Cycle),
			slog.String("error", err.Error()),
		)
		return Info{}, err
	}

	span.SetAttributes(attribute.Int64("checkpoint.seq", int64(info.Seq)))
	logger.Info("checkpoint saved",
		slog.String("run_id", req.RunID),
		slog.Int("cycle", req.Cycle),
		slog.Uint64("seq", info.Seq),
		slog.Int("executions", req.Tracker.TotalExecutions),
	)
	return info, nil
}

func (m *Manager) save(ctx context.Context, req SaveRequest) (Info, error) {
	snap := newSnapshot(req.RunID, req.Cycle, m.now(), req.State, req.Tracker, req.Workspace, req.Signatures)
	blob, err := Encode(snap)
	if err != nil {
		return Info{}, err
	}
	info, err := m.store.SaveCheckpoint(ctx, req.RunID, req.Cycle, len(req.State.ItemStatus), blob)
	if err != nil {
		return Info{}, fmt.Errorf("store checkpoint: %w", err)
	}
	return info, nil
}

// Inspect fetches and verifies a checkpoint without reconciling it.
func (m *Manager) Inspect(ctx context.Context, runID string, cycle int) (*Snapshot, Info, error) {
	rec, err := m.store.GetCheckpoint(ctx, runID, cycle)
	if err != nil {
		return nil, Info{}, err
	}
	snap, err := Decode(runID, rec.Info.Cycle, rec.Blob)
	if err != nil {
		return nil, Info{}, err
	}
	if snap.RunID != runID || snap.Cycle != rec.Info.Cycle {
		return nil, Info{}, &CorruptCheckpointError{
			RunID:  runID,
			Cycle:  rec.Info.Cycle,
			Reason: fmt.Sprintf("document is for run %s cycle %d", snap.RunID, snap.Cycle),
		}
	}
	return snap, rec.Info, nil
}

// Load fetches, verifies and reconciles a checkpoint.
//
// Description:
//
//	Errors surface before anything is written: a corrupt or missing
//	checkpoint, an unknown mode, and a reconciled state in which some
//	pending inference can never run. When NewRunID is set the reconciled
//	state is written as the first checkpoint of the new run with a fresh
//	completion order and execution count, and the fork origin is recorded
//	in the new run's metadata. The source run is never modified.
//	Without NewRunID an older cycle continues in place: its cycle count
//	resumes after the run's newest checkpoint, which stays stored.
//
// Inputs:
//
//	ctx - Context for cancellation and tracing.
//	req - Which checkpoint to load and how to reconcile it.
//
// Outputs:
//
//	*Restored - The reconciled state.
//	error - ErrCheckpointNotFound, *CorruptCheckpointError,
//	        *MissingDependencyError, ErrUnknownMode, ErrForkTargetExists.
func (m *Manager) Load(ctx context.Context, req LoadRequest) (*Restored, error) {
	if req.Mode == "" {
		req.Mode = ModePatch
	}
	ctx, span := tracer.Start(ctx, "checkpoint.Load",
		trace.WithAttributes(
			attribute.String("run.id", req.RunID),
			attribute.Int("checkpoint.cycle", req.Cycle),
			attribute.String("checkpoint.mode", string(req.Mode)),
			attribute.String("checkpoint.fork_as", req.NewRunID),
		),
	)
	defer span.End()
	start := time.Now()
	logger := telemetry.LoggerWithTrace(ctx, m.logger)

	restored, err := m.load(ctx, req)
	status := statusOf(err)
	loadDurationHistogram.WithLabelValues(status, string(req.Mode)).Observe(time.Since(start).Seconds())
	operationsTotal.WithLabelValues("load", status).Inc()
	if err != nil {
		telemetry.RecordError(span, err)
		logger.Warn("checkpoint load failed",
			slog.String("run_id", req.RunID),
			slog.Int("cycle", req.Cycle),
			slog.String("mode", string(req.Mode)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	revertedTotal.WithLabelValues(string(req.Mode)).Add(float64(len(restored.Report.Reverted)))
	span.SetAttributes(
		attribute.Int("reconcile.reverted", len(restored.Report.Reverted)),
		attribute.Int("reconcile.dropped", len(restored.Report.Dropped)),
		attribute.Int("reconcile.added", len(restored.Report.Added)),
	)
	logger.Info("checkpoint loaded",
		slog.String("run_id", restored.RunID),
		slog.String("source_run_id", restored.SourceRunID),
		slog.Int("cycle", restored.Cycle),
		slog.String("mode", string(req.Mode)),
		slog.Int("reverted", len(restored.Report.Reverted)),
		slog.Int("dropped", len(restored.Report.Dropped)),
		slog.Int("added", len(restored.Report.Added)),
		slog.Bool("forked", restored.Forked),
	)
	return restored, nil
}

func (m *Manager) load(ctx context.Context, req LoadRequest) (*Restored, error) {
	if req.Repository == nil {
		return nil, fmt.Errorf("%w: repository must not be nil", ErrInvalidInput)
	}
	if _, err := ParseMode(string(req.Mode)); err != nil {
		return nil, err
	}
	if req.NewRunID != "" {
		if err := store.ValidateRunID(req.NewRunID); err != nil {
			return nil, err
		}
		if req.NewRunID == req.RunID {
			return nil, fmt.Errorf("%w: fork target equals source run %s", ErrForkTargetExists, req.RunID)
		}
	}

	snap, info, err := m.Inspect(ctx, req.RunID, req.Cycle)
	if err != nil {
		return nil, err
	}

	state, report, err := Reconcile(snap, req.Repository, req.Mode)
	if err != nil {
		return nil, err
	}
	if err := CheckDependencies(req.Repository, state); err != nil {
		return nil, err
	}

	restored := &Restored{
		RunID:       req.RunID,
		SourceRunID: req.RunID,
		Cycle:       snap.Cycle,
		Info:        info,
		State:       state,
		Tracker:     snap.Tracker.Clone(),
		Workspace:   snap.UserWorkspace(),
		Report:      report,
	}
	if req.NewRunID == "" {
		if err := m.rewind(ctx, restored); err != nil {
			return nil, err
		}
		return restored, nil
	}

	if err := m.fork(ctx, restored, req); err != nil {
		return nil, err
	}
	return restored, nil
}

// rewind lets an older checkpoint continue in place. The tracker's cycle
// count moves up to the run's newest stored cycle so the next checkpoint
// lands after every existing one.
func (m *Manager) rewind(ctx context.Context, restored *Restored) error {
	infos, err := m.store.ListCheckpoints(ctx, restored.RunID)
	if err != nil {
		return fmt.Errorf("list checkpoints: %w", err)
	}
	latest := 0
	for _, info := range infos {
		latest = max(latest, info.Cycle)
	}
	if latest <= restored.Cycle {
		return nil
	}
	restored.Rewound = true
	restored.Tracker.CycleCount = max(restored.Tracker.CycleCount, latest)
	m.logger.Info("continuing older checkpoint in place",
		slog.String("run_id", restored.RunID),
		slog.Int("cycle", restored.Cycle),
		slog.Int("latest_cycle", latest),
	)
	return nil
}

// fork writes restored as the first checkpoint of req.NewRunID.
func (m *Manager) fork(ctx context.Context, restored *Restored, req LoadRequest) error {
	existing, err := m.store.ListCheckpoints(ctx, req.NewRunID)
	if err != nil {
		return fmt.Errorf("check fork target: %w", err)
	}
	if len(existing) > 0 {
		return fmt.Errorf("%w: %s", ErrForkTargetExists, req.NewRunID)
	}

	restored.Tracker = Tracker{
		CycleCount:      restored.Tracker.CycleCount,
		TotalExecutions: 0,
		CompletionOrder: []string{},
	}
	info, err := m.save(ctx, SaveRequest{
		RunID:      req.NewRunID,
		Cycle:      restored.Cycle,
		State:      restored.State,
		Tracker:    restored.Tracker,
		Workspace:  restored.Workspace,
		Signatures: req.Repository.Signatures(),
	})
	if err != nil {
		return fmt.Errorf("write fork checkpoint: %w", err)
	}
	if err := m.store.SetRunMetadata(ctx, req.NewRunID, store.MetaForkedFrom, req.RunID); err != nil {
		return fmt.Errorf("record fork origin: %w", err)
	}
	if err := m.store.SetRunMetadata(ctx, req.NewRunID, store.MetaForkedFromCycle, strconv.Itoa(restored.Cycle)); err != nil {
		return fmt.Errorf("record fork origin: %w", err)
	}
	operationsTotal.WithLabelValues("fork", "success").Inc()

	restored.RunID = req.NewRunID
	restored.Info = info
	restored.Forked = true
	return nil
}

// ListAvailable returns every run with its checkpoints, runs sorted by id.
// Runs without checkpoints are omitted.
func (m *Manager) ListAvailable(ctx context.Context) ([]RunCheckpoints, error) {
	runs, err := m.store.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]RunCheckpoints, 0, len(runs))
	for _, run := range runs {
		if run.CheckpointCount == 0 {
			continue
		}
		infos, err := m.store.ListCheckpoints(ctx, run.RunID)
		if err != nil {
			return nil, fmt.Errorf("list checkpoints of %s: %w", run.RunID, err)
		}
		out = append(out, RunCheckpoints{Run: run, Checkpoints: infos})
	}
	return out, nil
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrCorruptCheckpoint):
		return "corrupt"
	case errors.Is(err, ErrCheckpointNotFound):
		return "not_found"
	case errors.Is(err, ErrMissingDependency):
		return "missing_dependency"
	default:
		return "error"
	}
}
