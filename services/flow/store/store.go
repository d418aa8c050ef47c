// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the durable record of every run: execution attempts,
// log lines, checkpoints, and run metadata, all keyed by run id.
//
// Every write is one BadgerDB transaction that also updates the run's
// summary row, so a summary is never out of step with the rows it counts.
// Runs never share keys; concurrent writers for different runs do not
// conflict, and conflicts within one run are retried by the storage layer.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

var tracer = otel.Tracer("aleutian.flow.store")

// listRunsFlight is the singleflight key shared by ListRuns callers.
const listRunsFlight = "list_runs"

// Store persists run history in BadgerDB.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Store struct {
	db      *flowbadger.DB
	ownsDB  bool
	logger  *slog.Logger
	flights singleflight.Group
	closed  atomic.Bool
	now     func() time.Time
}

// Open opens a database with cfg and returns a store that owns it.
func Open(cfg flowbadger.Config, logger *slog.Logger) (*Store, error) {
	db, err := flowbadger.Open(cfg)
	if err != nil {
		return nil, err
	}
	s := New(db, logger)
	s.ownsDB = true
	return s, nil
}

// New wraps an already open database. Close does not close db.
func New(db *flowbadger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "run_store")),
		now:    time.Now,
	}
}

// Close releases the database if the store opened it.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *Store) check(runID string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ValidateRunID(runID)
}

// -----------------------------------------------------------------------------
// Run records
// -----------------------------------------------------------------------------

// loadRun reads run/{run}, returning a fresh record when absent.
func (s *Store) loadRun(txn *badger.Txn, runID string) (*runRecord, error) {
	rec := &runRecord{
		Summary:     RunSummary{RunID: runID, CreatedAt: s.now().UTC()},
		NextExecSeq: 1,
		NextLogSeq:  1,
		NextCkptSeq: 1,
	}
	item, err := txn.Get(runKey(runID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, rec) }); err != nil {
		return nil, fmt.Errorf("decode run %s: %w", runID, err)
	}
	return rec, nil
}

func putJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set(key, data)
}

// -----------------------------------------------------------------------------
// Executions
// -----------------------------------------------------------------------------

// RecordExecution appends one execution attempt.
//
// Description:
//
//	Assigns rec.ID (when empty) and rec.Seq, then writes the row and
//	updates the run summary in one transaction.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	rec - The attempt. RunID and FlowIndex are required.
//
// Outputs:
//
//	error - ErrInvalidRunID, ErrClosed, or a storage error.
func (s *Store) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec == nil {
		return errors.New("execution record must not be nil")
	}
	if err := s.check(rec.RunID); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.EndedAt.IsZero() {
		rec.EndedAt = s.now().UTC()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = rec.EndedAt
	}
	if rec.Duration == 0 {
		rec.Duration = rec.EndedAt.Sub(rec.StartedAt)
	}

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		run, err := s.loadRun(txn, rec.RunID)
		if err != nil {
			return err
		}
		rec.Seq = run.NextExecSeq
		run.NextExecSeq++

		sum := &run.Summary
		if sum.FirstExecution.IsZero() || rec.StartedAt.Before(sum.FirstExecution) {
			sum.FirstExecution = rec.StartedAt
		}
		if rec.EndedAt.After(sum.LastExecution) {
			sum.LastExecution = rec.EndedAt
		}
		sum.ExecutionCount++
		if rec.Cycle > sum.MaxCycle {
			sum.MaxCycle = rec.Cycle
		}

		if err := putJSON(txn, execKey(rec.RunID, rec.Seq), rec); err != nil {
			return err
		}
		return putJSON(txn, runKey(rec.RunID), run)
	})
}

// ListExecutions returns a run's execution attempts oldest first.
func (s *Store) ListExecutions(ctx context.Context, runID string) ([]ExecutionRecord, error) {
	if err := s.check(runID); err != nil {
		return nil, err
	}
	var out []ExecutionRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return flowbadger.ScanPrefix(txn, execPrefix(runID), false, func(_, val []byte) (bool, error) {
			var rec ExecutionRecord
			if err := json.Unmarshal(val, &rec); err != nil {
				return false, fmt.Errorf("decode execution: %w", err)
			}
			out = append(out, rec)
			return true, nil
		})
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Logs
// -----------------------------------------------------------------------------

// AppendLog appends one log line to a run.
func (s *Store) AppendLog(ctx context.Context, entry *LogEntry) error {
	if entry == nil {
		return errors.New("log entry must not be nil")
	}
	if err := s.check(entry.RunID); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		run, err := s.loadRun(txn, entry.RunID)
		if err != nil {
			return err
		}
		entry.Seq = run.NextLogSeq
		run.NextLogSeq++
		if err := putJSON(txn, logKey(entry.RunID, entry.Seq), entry); err != nil {
			return err
		}
		return putJSON(txn, runKey(entry.RunID), run)
	})
}

// GetLogs returns a run's log lines matching filter, oldest first.
func (s *Store) GetLogs(ctx context.Context, runID string, filter LogFilter) ([]LogEntry, error) {
	if err := s.check(runID); err != nil {
		return nil, err
	}

	var out []LogEntry
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		// With a limit, walk newest first and stop once enough matched.
		reverse := filter.Limit > 0
		return flowbadger.ScanPrefix(txn, logPrefix(runID), reverse, func(_, val []byte) (bool, error) {
			var e LogEntry
			if err := json.Unmarshal(val, &e); err != nil {
				return false, fmt.Errorf("decode log entry: %w", err)
			}
			if !filter.match(&e) {
				return true, nil
			}
			out = append(out, e)
			return filter.Limit <= 0 || len(out) < filter.Limit, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if filter.Limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Checkpoints
// -----------------------------------------------------------------------------

// SaveCheckpoint stores an encoded checkpoint.
//
// Description:
//
//	Assigns the next per-run sequence number and writes the row under
//	ckpt/{run}/{cycle}/{seq}. Checkpoints are write-once: a new key is
//	used for every save. A cycle lower than the run's latest checkpoint
//	cycle is rejected.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	runID - Owning run.
//	cycle - Scheduler cycle the snapshot was taken at. Must be >= 0.
//	inferenceCount - Number of inferences in the snapshot, for listings.
//	blob - Encoded checkpoint. Must be valid JSON.
//
// Outputs:
//
//	CheckpointInfo - The stored row's descriptor.
//	error - ErrCycleRegression, ErrInvalidRunID, or a storage error.
func (s *Store) SaveCheckpoint(ctx context.Context, runID string, cycle, inferenceCount int, blob []byte) (CheckpointInfo, error) {
	if err := s.check(runID); err != nil {
		return CheckpointInfo{}, err
	}
	if cycle < 0 {
		return CheckpointInfo{}, fmt.Errorf("checkpoint cycle must be >= 0, got %d", cycle)
	}
	if !json.Valid(blob) {
		return CheckpointInfo{}, errors.New("checkpoint blob is not valid JSON")
	}

	ctx, span := tracer.Start(ctx, "store.SaveCheckpoint",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("checkpoint.cycle", cycle),
			attribute.Int("checkpoint.bytes", len(blob)),
		),
	)
	defer span.End()

	var info CheckpointInfo
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		run, err := s.loadRun(txn, runID)
		if err != nil {
			return err
		}
		if run.HasCheckpoints && cycle < run.LastCkptCycle {
			return fmt.Errorf("%w: run %s at cycle %d, got %d", ErrCycleRegression, runID, run.LastCkptCycle, cycle)
		}

		info = CheckpointInfo{
			RunID:          runID,
			Cycle:          cycle,
			Seq:            run.NextCkptSeq,
			InferenceCount: inferenceCount,
			Timestamp:      s.now().UTC(),
		}
		run.NextCkptSeq++
		run.LastCkptCycle = cycle
		run.HasCheckpoints = true
		run.Summary.CheckpointCount++
		if cycle > run.Summary.MaxCycle {
			run.Summary.MaxCycle = cycle
		}

		if err := putJSON(txn, ckptKey(runID, cycle, info.Seq), CheckpointRecord{Info: info, Blob: blob}); err != nil {
			return err
		}
		return putJSON(txn, runKey(runID), run)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "save checkpoint failed")
		return CheckpointInfo{}, err
	}

	s.logger.Debug("checkpoint stored",
		slog.String("run_id", runID),
		slog.Int("cycle", cycle),
		slog.Uint64("seq", info.Seq),
	)
	return info, nil
}

// GetCheckpoint returns the newest checkpoint of a cycle, or of the whole
// run when cycle is LatestCycle.
func (s *Store) GetCheckpoint(ctx context.Context, runID string, cycle int) (*CheckpointRecord, error) {
	if err := s.check(runID); err != nil {
		return nil, err
	}
	if cycle < LatestCycle {
		return nil, fmt.Errorf("%w: cycle %d", ErrCheckpointNotFound, cycle)
	}

	ctx, span := tracer.Start(ctx, "store.GetCheckpoint",
		trace.WithAttributes(attribute.String("run.id", runID), attribute.Int("checkpoint.cycle", cycle)),
	)
	defer span.End()

	prefix := ckptPrefix(runID)
	if cycle != LatestCycle {
		prefix = ckptCyclePrefix(runID, cycle)
	}

	var rec *CheckpointRecord
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return flowbadger.ScanPrefix(txn, prefix, true, func(_, val []byte) (bool, error) {
			rec = &CheckpointRecord{}
			if err := json.Unmarshal(val, rec); err != nil {
				return false, fmt.Errorf("decode checkpoint row: %w", err)
			}
			return false, nil
		})
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if rec == nil {
		if cycle == LatestCycle {
			return nil, fmt.Errorf("%w: run %s has no checkpoints", ErrCheckpointNotFound, runID)
		}
		return nil, fmt.Errorf("%w: run %s cycle %d", ErrCheckpointNotFound, runID, cycle)
	}
	return rec, nil
}

// ListCheckpoints returns a run's checkpoint descriptors oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, runID string) ([]CheckpointInfo, error) {
	if err := s.check(runID); err != nil {
		return nil, err
	}
	var out []CheckpointInfo
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return flowbadger.ScanPrefix(txn, ckptPrefix(runID), false, func(_, val []byte) (bool, error) {
			var rec struct {
				Info CheckpointInfo `json:"info"`
			}
			if err := json.Unmarshal(val, &rec); err != nil {
				return false, fmt.Errorf("decode checkpoint row: %w", err)
			}
			out = append(out, rec.Info)
			return true, nil
		})
	})
	return out, err
}

// -----------------------------------------------------------------------------
// Runs and metadata
// -----------------------------------------------------------------------------

// ListRuns returns every run summary sorted by run id.
//
// Concurrent callers share one database scan. The scan is not bound to any
// single caller's context; each caller stops waiting when its own ctx ends.
func (s *Store) ListRuns(ctx context.Context) ([]RunSummary, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scanCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(listRunsFlight, func() (any, error) {
		var runs []RunSummary
		err := s.db.WithReadTxn(scanCtx, func(txn *badger.Txn) error {
			return flowbadger.ScanPrefix(txn, []byte(runPrefix), false, func(_, val []byte) (bool, error) {
				var rec runRecord
				if err := json.Unmarshal(val, &rec); err != nil {
					return false, fmt.Errorf("decode run: %w", err)
				}
				runs = append(runs, rec.Summary)
				return true, nil
			})
		})
		return runs, err
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	shared := res.Val.([]RunSummary)
	out := make([]RunSummary, len(shared))
	copy(out, shared)
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out, nil
}

// GetRun returns one run's summary.
func (s *Store) GetRun(ctx context.Context, runID string) (RunSummary, error) {
	if err := s.check(runID); err != nil {
		return RunSummary{}, err
	}
	var sum RunSummary
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(runKey(runID)); errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		rec, err := s.loadRun(txn, runID)
		if err != nil {
			return err
		}
		sum = rec.Summary
		return nil
	})
	return sum, err
}

// SetRunMetadata stores one key/value pair for a run.
func (s *Store) SetRunMetadata(ctx context.Context, runID, key, value string) error {
	if err := s.check(runID); err != nil {
		return err
	}
	if key == "" || strings.Contains(key, "/") {
		return fmt.Errorf("invalid metadata key %q", key)
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		run, err := s.loadRun(txn, runID)
		if err != nil {
			return err
		}
		if key == MetaForkedFrom {
			run.Summary.ForkedFrom = value
		}
		if err := txn.Set(metaKey(runID, key), []byte(value)); err != nil {
			return err
		}
		return putJSON(txn, runKey(runID), run)
	})
}

// GetRunMetadata returns every metadata pair of a run.
func (s *Store) GetRunMetadata(ctx context.Context, runID string) (map[string]string, error) {
	if err := s.check(runID); err != nil {
		return nil, err
	}
	prefix := metaPrefix(runID)
	out := make(map[string]string)
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return flowbadger.ScanPrefix(txn, prefix, false, func(key, val []byte) (bool, error) {
			out[string(key[len(prefix):])] = string(val)
			return true, nil
		})
	})
	return out, err
}

// DeleteRun removes every row of a run.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	if err := s.check(runID); err != nil {
		return err
	}
	removed := 0
	for _, prefix := range [][]byte{execPrefix(runID), logPrefix(runID), ckptPrefix(runID), metaPrefix(runID)} {
		n, err := s.db.DeletePrefix(ctx, prefix, 0)
		removed += n
		if err != nil {
			return fmt.Errorf("delete run %s: %w", runID, err)
		}
	}
	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Delete(runKey(runID))
	})
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	s.logger.Info("run deleted", slog.String("run_id", runID), slog.Int("rows", removed))
	return nil
}
