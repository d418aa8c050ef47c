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
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	flowbadger "github.com/AleutianAI/AleutianFlow/services/flow/storage/badger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(flowbadger.InMemoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestValidateRunID(t *testing.T) {
	for _, ok := range []string{"run-1", "a.b_c", "X"} {
		assert.NoError(t, ValidateRunID(ok), ok)
	}
	for _, bad := range []string{"", "a/b", "with space", "ü"} {
		assert.ErrorIs(t, ValidateRunID(bad), ErrInvalidRunID, bad)
	}
}

func TestRecordExecution_UpdatesSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC)

	for i, cycle := range []int{1, 1, 2} {
		rec := &ExecutionRecord{
			RunID:     "r1",
			FlowIndex: fmt.Sprintf("%d", i+1),
			Cycle:     cycle,
			Attempt:   1,
			Status:    ExecutionSucceeded,
			StartedAt: t0.Add(time.Duration(i) * time.Minute),
			EndedAt:   t0.Add(time.Duration(i)*time.Minute + time.Second),
		}
		require.NoError(t, s.RecordExecution(ctx, rec))
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, uint64(i+1), rec.Seq)
		assert.Equal(t, time.Second, rec.Duration)
	}

	execs, err := s.ListExecutions(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, "1", execs[0].FlowIndex)
	assert.Equal(t, "3", execs[2].FlowIndex)

	sum, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.ExecutionCount)
	assert.Equal(t, 2, sum.MaxCycle)
	assert.True(t, sum.FirstExecution.Equal(t0))
	assert.True(t, sum.LastExecution.Equal(t0.Add(2*time.Minute+time.Second)))
}

func TestRecordExecution_RejectsBadRunID(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordExecution(context.Background(), &ExecutionRecord{RunID: "a/b"})
	assert.ErrorIs(t, err, ErrInvalidRunID)
}

func TestLogs_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	entries := []LogEntry{
		{FlowIndex: "1", ExecutionID: "e1", Level: slog.LevelInfo, Message: "start 1"},
		{FlowIndex: "1", ExecutionID: "e1", Level: slog.LevelError, Message: "fail 1"},
		{FlowIndex: "2", ExecutionID: "e2", Level: slog.LevelDebug, Message: "start 2"},
		{FlowIndex: "2", ExecutionID: "e2", Level: slog.LevelWarn, Message: "warn 2"},
	}
	for i := range entries {
		e := entries[i]
		e.RunID = "r1"
		e.Timestamp = t0.Add(time.Duration(i) * time.Second)
		require.NoError(t, s.AppendLog(ctx, &e))
	}
	require.NoError(t, s.AppendLog(ctx, &LogEntry{RunID: "r2", Message: "other run"}))

	tests := []struct {
		name   string
		filter LogFilter
		want   []string
	}{
		{"all", LogFilter{MinLevel: slog.LevelDebug}, []string{"start 1", "fail 1", "start 2", "warn 2"}},
		{"default level is info", LogFilter{}, []string{"start 1", "fail 1", "warn 2"}},
		{"flow index", LogFilter{FlowIndex: "2", MinLevel: slog.LevelDebug}, []string{"start 2", "warn 2"}},
		{"execution", LogFilter{ExecutionID: "e1"}, []string{"start 1", "fail 1"}},
		{"min level", LogFilter{MinLevel: slog.LevelWarn}, []string{"fail 1", "warn 2"}},
		{"since", LogFilter{Since: t0.Add(2 * time.Second), MinLevel: slog.LevelDebug}, []string{"start 2", "warn 2"}},
		{"limit keeps newest", LogFilter{Limit: 2, MinLevel: slog.LevelDebug}, []string{"start 2", "warn 2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			logs, err := s.GetLogs(ctx, "r1", tc.filter)
			require.NoError(t, err)
			var got []string
			for _, l := range logs {
				got = append(got, l.Message)
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCheckpoints_SeqAndLatest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	i1, err := s.SaveCheckpoint(ctx, "r1", 1, 2, []byte(`{"n":1}`))
	require.NoError(t, err)
	i2, err := s.SaveCheckpoint(ctx, "r1", 1, 2, []byte(`{"n":2}`))
	require.NoError(t, err)
	i3, err := s.SaveCheckpoint(ctx, "r1", 2, 2, []byte(`{"n":3}`))
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3}, []uint64{i1.Seq, i2.Seq, i3.Seq})

	latest, err := s.GetCheckpoint(ctx, "r1", LatestCycle)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":3}`, string(latest.Blob))
	assert.Equal(t, 2, latest.Info.Cycle)

	cyc1, err := s.GetCheckpoint(ctx, "r1", 1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(cyc1.Blob), "newest of the cycle wins")

	_, err = s.GetCheckpoint(ctx, "r1", 7)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	_, err = s.GetCheckpoint(ctx, "nobody", LatestCycle)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	list, err := s.ListCheckpoints(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, 1, list[0].Cycle)
	assert.Equal(t, 2, list[2].Cycle)
	assert.Equal(t, 2, list[0].InferenceCount)

	sum, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.CheckpointCount)
	assert.Equal(t, 2, sum.MaxCycle)
}

func TestCheckpoints_RejectCycleRegression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveCheckpoint(ctx, "r1", 3, 1, []byte(`{}`))
	require.NoError(t, err)
	_, err = s.SaveCheckpoint(ctx, "r1", 2, 1, []byte(`{}`))
	assert.ErrorIs(t, err, ErrCycleRegression)

	// A different run is unaffected.
	_, err = s.SaveCheckpoint(ctx, "r2", 0, 1, []byte(`{}`))
	assert.NoError(t, err)

	_, err = s.SaveCheckpoint(ctx, "r1", 3, 1, []byte(`not json`))
	assert.Error(t, err)
}

func TestMetadataAndListRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetRunMetadata(ctx, "child", MetaForkedFrom, "parent"))
	require.NoError(t, s.SetRunMetadata(ctx, "child", MetaForkedFromCycle, "4"))
	require.NoError(t, s.RecordExecution(ctx, &ExecutionRecord{RunID: "parent", FlowIndex: "1", Status: ExecutionSucceeded}))

	meta, err := s.GetRunMetadata(ctx, "child")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{MetaForkedFrom: "parent", MetaForkedFromCycle: "4"}, meta)

	assert.Error(t, s.SetRunMetadata(ctx, "child", "a/b", "x"))

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "child", runs[0].RunID)
	assert.Equal(t, "parent", runs[0].ForkedFrom)
	assert.Equal(t, "parent", runs[1].RunID)
	assert.Equal(t, 1, runs[1].ExecutionCount)
}

func TestListRuns_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.SaveCheckpoint(ctx, fmt.Sprintf("run-%d", i), 0, 1, []byte(`{}`))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runs, err := s.ListRuns(ctx)
			assert.NoError(t, err)
			assert.Len(t, runs, 5)
		}()
	}
	wg.Wait()
}

func TestListRuns_CallerCancelDoesNotLeakIntoSharedScan(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"a", "b"} {
		_, err := s.SaveCheckpoint(context.Background(), id, 0, 1, []byte(`{}`))
		require.NoError(t, err)
	}
	release := make(chan struct{})
	shared := []RunSummary{{RunID: "b"}, {RunID: "a"}}

	// Hold the flight open so both callers below join it.
	leader := s.flights.DoChan(listRunsFlight, func() (any, error) {
		<-release
		return shared, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancelled := make(chan error, 1)
	go func() {
		_, err := s.ListRuns(ctx)
		cancelled <- err
	}()

	type result struct {
		runs []RunSummary
		err  error
	}
	joined := make(chan result, 1)
	go func() {
		runs, err := s.ListRuns(context.Background())
		joined <- result{runs, err}
	}()

	cancel()
	select {
	case err := <-cancelled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller kept waiting on the shared scan")
	}

	close(release)
	<-leader
	select {
	case res := <-joined:
		require.NoError(t, res.err)
		require.Len(t, res.runs, 2)
		assert.Equal(t, "a", res.runs[0].RunID)
	case <-time.After(5 * time.Second):
		t.Fatal("joined caller never returned")
	}
	assert.Equal(t, "b", shared[0].RunID, "callers sort their own copy")

	_, err := s.ListRuns(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentWritersDifferentRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			run := fmt.Sprintf("run-%d", r)
			for i := 0; i < 20; i++ {
				assert.NoError(t, s.RecordExecution(ctx, &ExecutionRecord{RunID: run, FlowIndex: "1", Cycle: i}))
				_, err := s.SaveCheckpoint(ctx, run, i, 1, []byte(`{}`))
				assert.NoError(t, err)
			}
		}(r)
	}
	wg.Wait()

	for r := 0; r < 4; r++ {
		sum, err := s.GetRun(ctx, fmt.Sprintf("run-%d", r))
		require.NoError(t, err)
		assert.Equal(t, 20, sum.ExecutionCount)
		assert.Equal(t, 20, sum.CheckpointCount)
	}
}

func TestDeleteRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, run := range []string{"keep", "drop"} {
		require.NoError(t, s.RecordExecution(ctx, &ExecutionRecord{RunID: run, FlowIndex: "1"}))
		require.NoError(t, s.AppendLog(ctx, &LogEntry{RunID: run, Message: "x"}))
		_, err := s.SaveCheckpoint(ctx, run, 1, 1, []byte(`{}`))
		require.NoError(t, err)
		require.NoError(t, s.SetRunMetadata(ctx, run, MetaConfig, "{}"))
	}

	require.NoError(t, s.DeleteRun(ctx, "drop"))

	_, err := s.GetRun(ctx, "drop")
	assert.ErrorIs(t, err, ErrRunNotFound)
	_, err = s.GetCheckpoint(ctx, "drop", LatestCycle)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	execs, err := s.ListExecutions(ctx, "drop")
	require.NoError(t, err)
	assert.Empty(t, execs)

	_, err = s.GetCheckpoint(ctx, "keep", LatestCycle)
	assert.NoError(t, err)
	logs, err := s.GetLogs(ctx, "keep", LogFilter{})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestClosedStore(t *testing.T) {
	s, err := Open(flowbadger.InMemoryConfig(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.ListRuns(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	err = s.AppendLog(context.Background(), &LogEntry{RunID: "r"})
	assert.ErrorIs(t, err, ErrClosed)
}
