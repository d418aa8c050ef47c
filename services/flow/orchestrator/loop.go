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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/blackboard"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
	"github.com/AleutianAI/AleutianFlow/services/flow/store"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// limits narrows one drive call.
type limits struct {
	step  bool
	until string
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeSuspended
)

// drive runs the scheduling loop under a span and the single-driver guard.
func (o *Orchestrator) drive(ctx context.Context, name string, lim limits) error {
	if ctx == nil {
		return ErrNilContext
	}

	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	// Requests that arrive while this drive runs belong to it: they are
	// honored at the next check and cleared only when it returns.
	defer func() {
		o.running.Store(false)
		o.pauseRequested.Store(false)
		o.stopRequested.Store(false)
	}()

	o.mu.Lock()
	switch {
	case o.state.Terminal():
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: run is %s", ErrInvalidState, st)
	case o.state == StateAwaitingInput && o.ws.Pending != nil:
		id := o.ws.Pending.ID
		o.mu.Unlock()
		return fmt.Errorf("%w: interaction %s is unanswered", ErrAwaitingInput, id)
	}
	from := o.state
	o.state = StateRunning
	o.reason = ""
	o.ws.State = StateRunning
	o.ws.Reason = ""
	o.mu.Unlock()

	o.initMetrics()

	ctx, span := tracer.Start(ctx, "orchestrator."+name,
		trace.WithAttributes(
			attribute.String("run.id", o.runID),
			attribute.String("run.from_state", string(from)),
			attribute.Int("run.inference_count", len(o.repo.FlowIndices())),
		),
	)
	defer span.End()

	msg := "run resumed"
	if from == StateIdle {
		msg = "run started"
	}
	o.event(ctx, slog.LevelInfo, msg, "", "", map[string]any{"from_state": string(from)})

	err := o.loop(ctx, lim)
	st := o.Status()
	span.SetAttributes(
		attribute.String("run.state", string(st.State)),
		attribute.String("run.reason", st.Reason),
		attribute.Int("run.cycle", st.Cycle),
	)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// loop is the scheduler. It returns when the run halts or ends.
func (o *Orchestrator) loop(ctx context.Context, lim limits) error {
	cycles := 0
	for {
		if err := ctx.Err(); err != nil {
			return o.halt(ctx, StateStopped, ReasonCancelled, err)
		}
		if o.stopRequested.Swap(false) {
			return o.halt(ctx, StateStopped, ReasonRequested, nil)
		}
		if o.pauseRequested.Swap(false) {
			return o.halt(ctx, StatePaused, ReasonRequested, nil)
		}

		idx, ok := o.nextQueued()
		if !ok {
			pending := o.bb.ItemsWithStatus(blackboard.ItemPending)
			if len(pending) == 0 {
				return o.finish(ctx)
			}
			ready := o.bb.Ready()
			if len(ready) == 0 {
				return o.fail(ctx, o.stuckError(pending))
			}
			if !lim.step && o.cfg.MaxCycles > 0 && cycles >= o.cfg.MaxCycles {
				return o.halt(ctx, StatePaused, ReasonMaxCycles, nil)
			}
			cycles++
			o.startCycle(ctx, ready)
			continue
		}

		if o.hitBreakpoint(idx) {
			return o.halt(ctx, StatePaused, ReasonBreakpoint, nil)
		}

		kind, err := o.execute(ctx, idx)
		if err != nil {
			return err
		}
		switch kind {
		case outcomeCompleted:
			if err := o.cadenceSave(ctx); err != nil {
				return o.fail(ctx, err)
			}
			if lim.until == idx {
				return o.halt(ctx, StatePaused, ReasonRunTo, nil)
			}
			if lim.step {
				return o.halt(ctx, StatePaused, ReasonStep, nil)
			}
		case outcomeFailed:
			if lim.step {
				return o.halt(ctx, StatePaused, ReasonStep, nil)
			}
		case outcomeSuspended:
			return o.halt(ctx, StateAwaitingInput, ReasonInput, nil)
		}
	}
}

// startCycle opens a new cycle over the inferences ready now.
func (o *Orchestrator) startCycle(ctx context.Context, ready []string) {
	o.mu.Lock()
	o.tracker.CycleCount++
	o.ws.CycleQueue = append([]string{}, ready...)
	o.dirty = true
	cycle := o.tracker.CycleCount
	o.mu.Unlock()

	if o.cyclesStarted != nil {
		o.cyclesStarted.Add(ctx, 1)
	}
	telemetry.LoggerWithTrace(ctx, o.logger).Debug("cycle started",
		slog.Int("cycle", cycle),
		slog.Any("queue", ready),
	)
}

// nextQueued returns the head of the cycle queue, dropping entries that
// are no longer ready.
func (o *Orchestrator) nextQueued() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for len(o.ws.CycleQueue) > 0 {
		idx := o.ws.CycleQueue[0]
		if o.bb.IsReady(idx) {
			return idx, true
		}
		o.ws.CycleQueue = o.ws.CycleQueue[1:]
		o.dirty = true
	}
	return "", false
}

// popQueued removes idx from the head of the queue. Caller holds mu.
func (o *Orchestrator) popQueued(idx string) {
	if len(o.ws.CycleQueue) > 0 && o.ws.CycleQueue[0] == idx {
		o.ws.CycleQueue = o.ws.CycleQueue[1:]
	}
}

// hitBreakpoint reports whether idx must pause the run. A breakpoint that
// paused the run is skipped once when the run continues.
func (o *Orchestrator) hitBreakpoint(idx string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, bp := o.breakpoints[idx]
	skip := o.ws.SkipBreakpoint == idx
	if o.ws.SkipBreakpoint != "" {
		o.ws.SkipBreakpoint = ""
		o.dirty = true
	}
	if bp && !skip {
		o.ws.SkipBreakpoint = idx
		o.dirty = true
		return true
	}
	return false
}

// execute runs idx until it completes, fails for good, or suspends.
func (o *Orchestrator) execute(ctx context.Context, idx string) (outcomeKind, error) {
	inf, ok := o.repo.Inference(idx)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInference, idx)
	}
	in := o.inputsFor(inf)

	for {
		o.mu.Lock()
		attempt := o.ws.Retries[idx] + 1
		cycle := o.tracker.CycleCount
		o.mu.Unlock()

		if err := o.bb.Begin(idx); err != nil {
			return 0, err
		}
		outcome := o.attempt(ctx, inf, in, attempt, cycle)

		switch oc := outcome.(type) {
		case Result:
			ref := oc.Reference
			if err := o.bb.Complete(idx, &ref); err != nil {
				return 0, err
			}
			o.mu.Lock()
			o.tracker.TotalExecutions++
			o.tracker.CompletionOrder = append(o.tracker.CompletionOrder, idx)
			delete(o.ws.Retries, idx)
			delete(o.lastErrs, idx)
			o.popQueued(idx)
			o.dirty = true
			o.sinceSave++
			o.mu.Unlock()
			return outcomeCompleted, nil

		case SuspendForInput:
			if err := o.bb.Suspend(idx); err != nil {
				return 0, err
			}
			o.mu.Lock()
			o.tracker.TotalExecutions++
			o.ws.Pending = &Interaction{ID: oc.InteractionID, FlowIndex: idx, Prompt: oc.Prompt}
			o.dirty = true
			o.mu.Unlock()
			return outcomeSuspended, nil

		case Failure:
			cause := oc.Err
			o.mu.Lock()
			o.tracker.TotalExecutions++
			o.dirty = true
			o.mu.Unlock()

			if ctx.Err() != nil {
				if err := o.bb.Suspend(idx); err != nil {
					return 0, err
				}
				return 0, o.halt(ctx, StateStopped, ReasonCancelled, ctx.Err())
			}

			if attempt < o.cfg.MaxAttempts {
				if err := o.bb.Suspend(idx); err != nil {
					return 0, err
				}
				o.mu.Lock()
				o.ws.Retries[idx] = attempt
				o.mu.Unlock()
				if err := o.sleep(ctx, o.cfg.backoff(attempt)); err != nil {
					return 0, o.halt(ctx, StateStopped, ReasonCancelled, err)
				}
				continue
			}

			if err := o.bb.Fail(idx, cause.Error()); err != nil {
				return 0, err
			}
			execErr := &ExecutionError{FlowIndex: idx, Attempts: attempt, Err: cause}
			o.mu.Lock()
			delete(o.ws.Retries, idx)
			o.lastErrs[idx] = execErr
			o.popQueued(idx)
			o.mu.Unlock()
			o.event(ctx, slog.LevelError, "inference failed", idx, "", map[string]any{
				"attempts": attempt,
				"error":    cause.Error(),
			})
			return outcomeFailed, nil
		}
	}
}

// attempt performs one Execute call with tracing, metrics and recording.
// It always returns a Result, Failure or SuspendForInput.
func (o *Orchestrator) attempt(ctx context.Context, inf *repository.Inference, in Inputs, attempt, cycle int) Outcome {
	ctx, span := tracer.Start(ctx, "orchestrator.Execute",
		trace.WithAttributes(
			attribute.String("flow.index", inf.FlowIndex),
			attribute.String("flow.to_infer", inf.ToInfer),
			attribute.String("flow.function", inf.FunctionConcept),
			attribute.Int("flow.attempt", attempt),
			attribute.Int("flow.cycle", cycle),
		),
	)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, o.logger)
	logger.Debug("inference starting",
		slog.String("flow_index", inf.FlowIndex),
		slog.Int("attempt", attempt),
	)

	execCtx := ctx
	if o.cfg.ExecutionTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
		defer cancel()
	}

	start := time.Now()
	outcome := o.exec.Execute(execCtx, inf, in)
	end := time.Now()
	duration := end.Sub(start)

	switch oc := outcome.(type) {
	case Result, SuspendForInput:
	case Failure:
		if oc.Err == nil {
			oc.Err = errors.New("executor reported failure without an error")
		}
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			oc.Err = fmt.Errorf("attempt timed out after %s: %w", o.cfg.ExecutionTimeout, oc.Err)
		}
		outcome = oc
	default:
		outcome = Failure{Err: fmt.Errorf("executor returned unsupported outcome %T", outcome)}
	}

	fn := metric.WithAttributes(attribute.String("function", inf.FunctionConcept))
	if o.inferLatency != nil {
		o.inferLatency.Record(ctx, duration.Seconds(), fn)
	}

	rec := &store.ExecutionRecord{
		RunID:     o.runID,
		FlowIndex: inf.FlowIndex,
		Cycle:     cycle,
		Attempt:   attempt,
		StartedAt: start.UTC(),
		EndedAt:   end.UTC(),
		Duration:  duration,
	}

	switch oc := outcome.(type) {
	case Result:
		rec.Status = store.ExecutionSucceeded
		if o.inferSuccesses != nil {
			o.inferSuccesses.Add(ctx, 1, fn)
		}
		span.SetStatus(codes.Ok, "")
		o.record(ctx, rec)
		o.event(ctx, slog.LevelInfo, "inference completed", inf.FlowIndex, rec.ID, map[string]any{
			"attempt":     attempt,
			"duration_ms": duration.Milliseconds(),
		})

	case SuspendForInput:
		rec.Status = store.ExecutionSuspended
		if o.inferSuspends != nil {
			o.inferSuspends.Add(ctx, 1, fn)
		}
		span.AddEvent("suspended_for_input", trace.WithAttributes(
			attribute.String("interaction.id", oc.InteractionID),
		))
		o.record(ctx, rec)
		o.event(ctx, slog.LevelInfo, "inference awaiting input", inf.FlowIndex, rec.ID, map[string]any{
			"interaction_id": oc.InteractionID,
			"prompt":         oc.Prompt,
		})

	case Failure:
		rec.Status = store.ExecutionFailed
		if ctx.Err() != nil {
			rec.Status = store.ExecutionCancelled
		}
		rec.Error = oc.Err.Error()
		if o.inferFailures != nil {
			o.inferFailures.Add(ctx, 1, fn)
		}
		telemetry.RecordError(span, oc.Err)
		o.record(ctx, rec)
		o.event(ctx, slog.LevelWarn, "inference attempt failed", inf.FlowIndex, rec.ID, map[string]any{
			"attempt": attempt,
			"error":   oc.Err.Error(),
		})
	}
	return outcome
}

// inputsFor gathers the references an inference reads.
func (o *Orchestrator) inputsFor(inf *repository.Inference) Inputs {
	in := Inputs{
		Values:    make([]repository.Reference, 0, len(inf.ValueConcepts)),
		Context:   make(map[string]repository.Reference, len(inf.ContextConcepts)),
		Responses: make(map[string]any),
	}
	for _, name := range inf.ValueConcepts {
		ref, _ := o.bb.Reference(name)
		if ref == nil {
			ref = &repository.Reference{}
		}
		in.Values = append(in.Values, *ref)
	}
	for _, name := range inf.ContextConcepts {
		ref, _ := o.bb.Reference(name)
		if ref == nil {
			ref = &repository.Reference{}
		}
		in.Context[name] = *ref
	}

	o.mu.Lock()
	for k, v := range o.ws.Responses {
		in.Responses[k] = v
	}
	o.mu.Unlock()
	return in
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stuckError explains why pending work cannot run.
func (o *Orchestrator) stuckError(pending []string) error {
	failed := o.bb.ItemsWithStatus(blackboard.ItemFailed)
	if len(failed) > 0 {
		blocked := true
		for _, idx := range pending {
			if !o.bb.BlockedByFailure(idx) {
				blocked = false
				break
			}
		}
		if blocked {
			return o.executionError(failed)
		}
	}
	return &DeadlockError{Pending: pending}
}

// executionError describes the first failed inference.
func (o *Orchestrator) executionError(failed []string) error {
	idx := failed[0]
	o.mu.Lock()
	execErr, ok := o.lastErrs[idx]
	o.mu.Unlock()
	if ok {
		return execErr
	}
	info, _ := o.bb.Failure(idx)
	return &ExecutionError{FlowIndex: idx, Err: errors.New(info)}
}

// finish ends a run with nothing pending.
func (o *Orchestrator) finish(ctx context.Context) error {
	if failed := o.bb.ItemsWithStatus(blackboard.ItemFailed); len(failed) > 0 {
		return o.fail(ctx, o.executionError(failed))
	}

	o.setState(StateCompleted, "")
	if err := o.save(ctx); err != nil {
		return o.fail(ctx, err)
	}
	tr := o.Tracker()
	o.event(ctx, slog.LevelInfo, "run completed", "", "", map[string]any{
		"cycles":     tr.CycleCount,
		"executions": tr.TotalExecutions,
	})
	return nil
}

// fail ends the run. No checkpoint is written so the last one stays the
// newest resumable state.
func (o *Orchestrator) fail(ctx context.Context, err error) error {
	o.mu.Lock()
	o.state = StateFailed
	o.reason = ""
	o.err = err
	o.ws.State = StateFailed
	o.mu.Unlock()

	o.event(ctx, slog.LevelError, "run failed", "", "", map[string]any{"error": err.Error()})
	return err
}

// halt stops the loop in a resumable state and checkpoints it.
func (o *Orchestrator) halt(ctx context.Context, st State, reason string, cause error) error {
	o.setState(st, reason)

	saveCtx := ctx
	if cause != nil {
		saveCtx = context.WithoutCancel(ctx)
	}
	if err := o.save(saveCtx); err != nil {
		return o.fail(saveCtx, err)
	}

	o.event(saveCtx, slog.LevelInfo, "run halted", "", "", map[string]any{
		"state":  string(st),
		"reason": reason,
	})
	if cause != nil {
		return fmt.Errorf("run %s interrupted: %w", o.runID, cause)
	}
	return nil
}

// setState records a halt or completion. The workspace carries the state,
// so the next save writes it even right after a cadence checkpoint.
func (o *Orchestrator) setState(st State, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ws.State != st || o.ws.Reason != reason {
		o.dirty = true
	}
	o.state = st
	o.reason = reason
	o.ws.State = st
	o.ws.Reason = reason
}

// cadenceSave checkpoints after every CheckpointEvery completions.
func (o *Orchestrator) cadenceSave(ctx context.Context) error {
	o.mu.Lock()
	due := o.cfg.CheckpointEvery > 0 && o.sinceSave >= o.cfg.CheckpointEvery
	o.mu.Unlock()
	if !due {
		return nil
	}
	return o.save(ctx)
}

// save writes a checkpoint when anything changed since the last one.
func (o *Orchestrator) save(ctx context.Context) error {
	if o.cfg.Checkpoints == nil {
		return nil
	}

	o.mu.Lock()
	if !o.dirty {
		o.mu.Unlock()
		return nil
	}
	wsMap, err := o.ws.toMap()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	req := checkpoint.SaveRequest{
		RunID:      o.runID,
		Cycle:      o.tracker.CycleCount,
		State:      o.bb.Snapshot(),
		Tracker:    o.tracker.Clone(),
		Workspace:  wsMap,
		Signatures: o.repo.Signatures(),
	}
	o.mu.Unlock()

	if _, err := o.cfg.Checkpoints.SaveState(ctx, req); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}

	o.mu.Lock()
	o.dirty = false
	o.sinceSave = 0
	o.mu.Unlock()
	return nil
}

// record stores an execution row. Recording failures are logged only.
// Rows are written even after ctx is cancelled.
func (o *Orchestrator) record(ctx context.Context, rec *store.ExecutionRecord) {
	if o.cfg.Recorder == nil {
		return
	}
	if err := o.cfg.Recorder.RecordExecution(context.WithoutCancel(ctx), rec); err != nil {
		telemetry.LoggerWithTrace(ctx, o.logger).Warn("failed to record execution",
			slog.String("flow_index", rec.FlowIndex),
			slog.String("error", err.Error()),
		)
	}
}

// event logs msg and appends it to the run's log table.
func (o *Orchestrator) event(ctx context.Context, level slog.Level, msg, flowIndex, execID string, attrs map[string]any) {
	logger := telemetry.LoggerWithTrace(ctx, o.logger)
	args := make([]any, 0, len(attrs)+1)
	if flowIndex != "" {
		args = append(args, slog.String("flow_index", flowIndex))
	}
	for k, v := range attrs {
		args = append(args, slog.Any(k, v))
	}
	logger.Log(ctx, level, msg, args...)

	if o.cfg.Recorder == nil {
		return
	}
	entry := &store.LogEntry{
		RunID:       o.runID,
		ExecutionID: execID,
		FlowIndex:   flowIndex,
		Level:       level,
		Message:     msg,
		Attrs:       attrs,
	}
	if err := o.cfg.Recorder.AppendLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.Warn("failed to append run log",
			slog.String("message", msg),
			slog.String("error", err.Error()),
		)
	}
}
