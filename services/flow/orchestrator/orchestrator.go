// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives one run of an inference repository.
//
// The orchestrator works in cycles. A cycle takes the ready inferences in
// flow order at its start and executes them one at a time through an
// Executor, recording every attempt and checkpointing on a cadence. Runs
// can be paused, stopped, stepped, halted at a flow index or at a
// breakpoint, and suspended while an executor waits for external input.
// Every halt is resumable, both in-process and from a checkpoint.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/AleutianFlow/services/flow/blackboard"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
	"github.com/AleutianAI/AleutianFlow/services/flow/store"
)

var (
	tracer = otel.Tracer("aleutian.flow.orchestrator")
	meter  = otel.Meter("aleutian.flow.orchestrator")
)

// State is the lifecycle state of a run.
type State string

const (
	StateIdle          State = "idle"
	StateRunning       State = "running"
	StatePaused        State = "paused"
	StateAwaitingInput State = "awaiting_input"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateStopped       State = "stopped"
)

// Terminal reports whether no further execution is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Halt reasons reported in Status.Reason.
const (
	ReasonBreakpoint = "breakpoint"
	ReasonMaxCycles  = "max_cycles"
	ReasonRequested  = "requested"
	ReasonStep       = "step"
	ReasonRunTo      = "run_to"
	ReasonInput      = "input"
	ReasonRestored   = "restored"
	ReasonCancelled  = "cancelled"
)

// LatestCycle selects the newest checkpoint in LoadOptions.
const LatestCycle = store.LatestCycle

// Status is a point-in-time view of a run.
type Status struct {
	RunID           string
	State           State
	Reason          string
	Cycle           int
	TotalExecutions int
	Pending         *Interaction
	Err             error
}

// Orchestrator schedules the inferences of one run.
//
// Thread Safety:
//
//	One goroutine drives the run (Run, Step, RunTo, Resume). Pause, Stop,
//	Status, breakpoint changes and blackboard reads are safe from any
//	goroutine. A second concurrent driver gets ErrAlreadyRunning.
type Orchestrator struct {
	repo   *repository.Repository
	bb     *blackboard.Blackboard
	exec   Executor
	cfg    Config
	logger *slog.Logger
	runID  string

	running        atomic.Bool
	pauseRequested atomic.Bool
	stopRequested  atomic.Bool

	mu          sync.Mutex
	state       State
	reason      string
	err         error
	breakpoints map[string]struct{}
	tracker     checkpoint.Tracker
	ws          workspace
	dirty       bool
	sinceSave   int
	lastErrs    map[string]*ExecutionError
	report      *checkpoint.Report

	// Metrics (initialized lazily)
	metricsOnce    sync.Once
	inferLatency   metric.Float64Histogram
	inferSuccesses metric.Int64Counter
	inferFailures  metric.Int64Counter
	inferSuspends  metric.Int64Counter
	cyclesStarted  metric.Int64Counter
}

// New creates an orchestrator for a fresh run.
//
// Inputs:
//
//	repo - The repository to execute. Must not be nil.
//	exec - Performs each inference. Must not be nil.
//	cfg - Configuration. Zero fields take DefaultConfig values.
//
// Outputs:
//
//	*Orchestrator - Idle orchestrator with a fresh blackboard.
//	error - ErrInvalidInput, or store.ErrInvalidRunID for a bad cfg.RunID.
func New(repo *repository.Repository, exec Executor, cfg Config) (*Orchestrator, error) {
	if repo == nil || exec == nil {
		return nil, fmt.Errorf("%w: repository and executor are required", ErrInvalidInput)
	}
	cfg = cfg.withDefaults()
	if cfg.RunID == "" {
		cfg.RunID = uuid.NewString()
	}
	if err := store.ValidateRunID(cfg.RunID); err != nil {
		return nil, err
	}

	return &Orchestrator{
		repo:        repo,
		bb:          blackboard.New(repo),
		exec:        exec,
		cfg:         cfg,
		logger:      cfg.Logger.With(slog.String("component", "orchestrator"), slog.String("run_id", cfg.RunID)),
		runID:       cfg.RunID,
		state:       StateIdle,
		breakpoints: make(map[string]struct{}),
		tracker:     checkpoint.Tracker{CompletionOrder: []string{}},
		ws:          newWorkspace(),
		lastErrs:    make(map[string]*ExecutionError),
	}, nil
}

// initMetrics lazily initializes metrics.
// Logs errors if metric creation fails but continues execution (graceful degradation).
func (o *Orchestrator) initMetrics() {
	o.metricsOnce.Do(func() {
		var initErrors []string

		var err error
		o.inferLatency, err = meter.Float64Histogram("flow_inference_duration_seconds",
			metric.WithDescription("Time spent in each inference execution attempt"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "inference_latency: "+err.Error())
		}

		o.inferSuccesses, err = meter.Int64Counter("flow_inference_success_total",
			metric.WithDescription("Number of completed inference executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "inference_successes: "+err.Error())
		}

		o.inferFailures, err = meter.Int64Counter("flow_inference_failure_total",
			metric.WithDescription("Number of failed inference attempts"),
		)
		if err != nil {
			initErrors = append(initErrors, "inference_failures: "+err.Error())
		}

		o.inferSuspends, err = meter.Int64Counter("flow_inference_suspend_total",
			metric.WithDescription("Number of inference attempts suspended for input"),
		)
		if err != nil {
			initErrors = append(initErrors, "inference_suspends: "+err.Error())
		}

		o.cyclesStarted, err = meter.Int64Counter("flow_cycles_total",
			metric.WithDescription("Number of scheduler cycles started"),
		)
		if err != nil {
			initErrors = append(initErrors, "cycles: "+err.Error())
		}

		if len(initErrors) > 0 {
			o.logger.Error("failed to initialize some orchestrator metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// RunID returns the run id used for checkpoints and records.
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Repository returns the repository being executed.
func (o *Orchestrator) Repository() *repository.Repository {
	return o.repo
}

// Blackboard returns the run's blackboard. Use it to Supply ground
// concepts before the first Run and to read results.
func (o *Orchestrator) Blackboard() *blackboard.Blackboard {
	return o.bb
}

// Status returns the current state.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Status{
		RunID:           o.runID,
		State:           o.state,
		Reason:          o.reason,
		Cycle:           o.tracker.CycleCount,
		TotalExecutions: o.tracker.TotalExecutions,
		Err:             o.err,
	}
	if o.ws.Pending != nil {
		p := *o.ws.Pending
		st.Pending = &p
	}
	return st
}

// Tracker returns a copy of the run's audit trail.
func (o *Orchestrator) Tracker() checkpoint.Tracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.tracker.Clone()
}

// AddBreakpoint pauses the run before flowIndex executes.
func (o *Orchestrator) AddBreakpoint(flowIndex string) error {
	if _, ok := o.repo.Inference(flowIndex); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInference, flowIndex)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.breakpoints[flowIndex] = struct{}{}
	return nil
}

// RemoveBreakpoint removes a breakpoint. Unknown indices are ignored.
func (o *Orchestrator) RemoveBreakpoint(flowIndex string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.breakpoints, flowIndex)
}

// Breakpoints returns the breakpoints in flow order.
func (o *Orchestrator) Breakpoints() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.breakpoints))
	for idx := range o.breakpoints {
		out = append(out, idx)
	}
	repository.SortFlowIndices(out)
	return out
}

// Pause asks a running loop to pause before its next execution. It has
// no effect when nothing is running.
func (o *Orchestrator) Pause() {
	if o.running.Load() {
		o.pauseRequested.Store(true)
	}
}

// Stop asks a running loop to stop before its next execution. A stopped
// run can be resumed. It has no effect when nothing is running.
func (o *Orchestrator) Stop() {
	if o.running.Load() {
		o.stopRequested.Store(true)
	}
}

// ProvideInput answers the open input request interactionID.
//
// Description:
//
//	The answer is stored in the run's workspace and reaches the executor
//	through Inputs.Responses when the suspended inference runs again on
//	the next Resume.
//
// Outputs:
//
//	error - ErrUnknownInteraction when no open request has that id.
func (o *Orchestrator) ProvideInput(interactionID string, value any) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateAwaitingInput || o.ws.Pending == nil || o.ws.Pending.ID != interactionID {
		return fmt.Errorf("%w: %q", ErrUnknownInteraction, interactionID)
	}
	o.ws.Responses[interactionID] = value
	o.ws.ResponseItems[interactionID] = o.ws.Pending.FlowIndex
	o.ws.Pending = nil
	o.dirty = true
	return nil
}

// Run executes cycles until the run completes, fails, or halts.
//
// Description:
//
//	Starts an idle run or continues a halted one. Returns nil when the run
//	completes or halts (pause, stop, breakpoint, max cycles, input
//	request); Status tells which. Returns an error when the run fails
//	(*ExecutionError, *DeadlockError), the context ends, or a checkpoint
//	cannot be written.
//
// Inputs:
//
//	ctx - Context for cancellation. Observed between executions and
//	      passed to the executor.
//
// Outputs:
//
//	error - Non-nil when the run failed or was interrupted.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.drive(ctx, "Run", limits{})
}

// Resume continues a paused, stopped or awaiting run.
func (o *Orchestrator) Resume(ctx context.Context) error {
	o.mu.Lock()
	st := o.state
	o.mu.Unlock()
	switch st {
	case StatePaused, StateStopped, StateAwaitingInput:
	default:
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidState, st)
	}
	return o.drive(ctx, "Resume", limits{})
}

// Step executes exactly one ready inference and halts with reason "step".
// When nothing is pending the run completes instead.
func (o *Orchestrator) Step(ctx context.Context) error {
	return o.drive(ctx, "Step", limits{step: true})
}

// RunTo runs until flowIndex completes, then halts with reason "run_to".
// Breakpoints are still honored. When flowIndex has already completed
// RunTo returns immediately.
func (o *Orchestrator) RunTo(ctx context.Context, flowIndex string) error {
	if _, ok := o.repo.Inference(flowIndex); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInference, flowIndex)
	}
	if st, _ := o.bb.ItemStatus(flowIndex); st == blackboard.ItemCompleted {
		return nil
	}
	return o.drive(ctx, "RunTo", limits{until: flowIndex})
}
