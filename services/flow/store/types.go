// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianFlow/pkg/validation"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidRunID indicates a run id that is not a valid key segment.
	ErrInvalidRunID = errors.New("invalid run id")

	// ErrCheckpointNotFound indicates no checkpoint matches the request.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrCycleRegression indicates a checkpoint older than the run's latest.
	ErrCycleRegression = errors.New("checkpoint cycle is lower than the run's latest")

	// ErrRunNotFound indicates the run has never been written.
	ErrRunNotFound = errors.New("run not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store is closed")
)

// LatestCycle selects the most recent checkpoint in GetCheckpoint.
const LatestCycle = -1

// Metadata keys written by this module.
const (
	MetaForkedFrom      = "forked_from"
	MetaForkedFromCycle = "forked_from_cycle"
	MetaDefinitionPath  = "definition_path"
	MetaDefinitionHash  = "definition_digest"
	MetaConfig          = "config"
)

// ValidateRunID checks that id is usable as a key segment.
func ValidateRunID(id string) error {
	if err := validation.ValidateIdentifier("run id", id); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRunID, err)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Records
// -----------------------------------------------------------------------------

// ExecutionStatus is the outcome of one execution attempt.
type ExecutionStatus string

const (
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionSuspended ExecutionStatus = "suspended"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// ExecutionRecord is one row of the executions table.
type ExecutionRecord struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Seq       uint64          `json:"seq"`
	FlowIndex string          `json:"flow_index"`
	Cycle     int             `json:"cycle"`
	Attempt   int             `json:"attempt"`
	Status    ExecutionStatus `json:"status"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
	Duration  time.Duration   `json:"duration"`
	Error     string          `json:"error,omitempty"`
}

// LogEntry is one row of the logs table.
type LogEntry struct {
	ID          string         `json:"id"`
	RunID       string         `json:"run_id"`
	Seq         uint64         `json:"seq"`
	ExecutionID string         `json:"execution_id,omitempty"`
	FlowIndex   string         `json:"flow_index,omitempty"`
	Level       slog.Level     `json:"level"`
	Message     string         `json:"message"`
	Attrs       map[string]any `json:"attrs,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// LogFilter narrows GetLogs. Zero fields match everything.
type LogFilter struct {
	FlowIndex   string
	ExecutionID string
	MinLevel    slog.Level
	Since       time.Time

	// Limit keeps only the newest Limit matches. Zero means no limit.
	Limit int
}

func (f LogFilter) match(e *LogEntry) bool {
	if f.FlowIndex != "" && e.FlowIndex != f.FlowIndex {
		return false
	}
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if e.Level < f.MinLevel {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// CheckpointInfo describes a stored checkpoint without its body.
type CheckpointInfo struct {
	RunID          string    `json:"run_id"`
	Cycle          int       `json:"cycle"`
	Seq            uint64    `json:"seq"`
	InferenceCount int       `json:"inference_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// CheckpointRecord is one row of the checkpoints table. Blob is the
// encoded checkpoint and is opaque to the store.
type CheckpointRecord struct {
	Info CheckpointInfo  `json:"info"`
	Blob json.RawMessage `json:"blob"`
}

// RunSummary aggregates one run's history.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	CreatedAt       time.Time `json:"created_at"`
	FirstExecution  time.Time `json:"first_execution"`
	LastExecution   time.Time `json:"last_execution"`
	ExecutionCount  int       `json:"execution_count"`
	MaxCycle        int       `json:"max_cycle"`
	CheckpointCount int       `json:"checkpoint_count"`
	ForkedFrom      string    `json:"forked_from,omitempty"`
}

// runRecord is the value stored under run/{run}: the public summary plus
// the per-run sequence counters.
type runRecord struct {
	Summary        RunSummary `json:"summary"`
	NextExecSeq    uint64     `json:"next_exec_seq"`
	NextLogSeq     uint64     `json:"next_log_seq"`
	NextCkptSeq    uint64     `json:"next_ckpt_seq"`
	LastCkptCycle  int        `json:"last_ckpt_cycle"`
	HasCheckpoints bool       `json:"has_checkpoints"`
}
