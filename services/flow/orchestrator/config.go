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
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/store"
)

// Checkpointer persists snapshots. *checkpoint.Manager satisfies it.
type Checkpointer interface {
	SaveState(ctx context.Context, req checkpoint.SaveRequest) (checkpoint.Info, error)
}

// Recorder receives execution attempts and log lines. *store.Store
// satisfies it.
type Recorder interface {
	RecordExecution(ctx context.Context, rec *store.ExecutionRecord) error
	AppendLog(ctx context.Context, entry *store.LogEntry) error
}

// Config configures an Orchestrator.
type Config struct {
	// RunID names the run in checkpoints and records. Generated when empty.
	RunID string

	// MaxCycles bounds how many cycles one Run or Resume call starts before
	// pausing with reason "max_cycles". Zero means unbounded.
	MaxCycles int

	// MaxAttempts is how often an inference is tried before it fails.
	// Default: 3.
	MaxAttempts int

	// RetryBackoff is the wait before the second attempt. It doubles per
	// attempt up to MaxRetryBackoff. Zero retries immediately.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps RetryBackoff growth. Default: 30s.
	MaxRetryBackoff time.Duration

	// CheckpointEvery saves after this many completions. Default: 1.
	// Negative disables cadence saves; pause, stop, suspension and
	// completion still save.
	CheckpointEvery int

	// ExecutionTimeout bounds a single attempt. Zero means no timeout.
	ExecutionTimeout time.Duration

	// Checkpoints receives snapshots. Nil disables checkpointing.
	Checkpoints Checkpointer

	// Recorder receives execution rows and log lines. Nil disables recording.
	Recorder Recorder

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:     3,
		RetryBackoff:    0,
		MaxRetryBackoff: 30 * time.Second,
		CheckpointEvery: 1,
	}
}

// withDefaults fills zero values.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = d.MaxRetryBackoff
	}
	if c.CheckpointEvery == 0 {
		c.CheckpointEvery = d.CheckpointEvery
	}
	if c.MaxCycles < 0 {
		c.MaxCycles = 0
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// backoff returns the wait before attempt n+1 after n failed attempts.
func (c Config) backoff(failed int) time.Duration {
	if c.RetryBackoff <= 0 || failed <= 0 {
		return 0
	}
	d := c.RetryBackoff
	for i := 1; i < failed; i++ {
		d *= 2
		if d >= c.MaxRetryBackoff {
			return c.MaxRetryBackoff
		}
	}
	if d > c.MaxRetryBackoff {
		return c.MaxRetryBackoff
	}
	return d
}
