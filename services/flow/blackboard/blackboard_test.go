// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package blackboard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
)

func testRepo(t *testing.T) *repository.Repository {
	t.Helper()
	repo, err := repository.Build(
		[]repository.ConceptDef{
			{Name: "a", Kind: repository.ConceptGround, Reference: &repository.Reference{Data: 5}},
			{Name: "b", Kind: repository.ConceptGround},
			{Name: "sum", Kind: repository.ConceptDerived},
			{Name: "double", Kind: repository.ConceptDerived},
		},
		[]repository.InferenceDef{
			{FlowIndex: "1", ToInfer: "sum", FunctionConcept: "add", ValueConcepts: []string{"a", "b"}},
			{FlowIndex: "2", ToInfer: "double", FunctionConcept: "multiply", ValueConcepts: []string{"sum"}},
		},
	)
	require.NoError(t, err)
	return repo
}

func TestNew_InitialState(t *testing.T) {
	bb := New(testRepo(t))

	assert.Equal(t, ConceptComplete, bb.ConceptStatus("a"))
	assert.Equal(t, ConceptEmpty, bb.ConceptStatus("b"))
	assert.Equal(t, ConceptEmpty, bb.ConceptStatus("sum"))

	st, ok := bb.ItemStatus("1")
	require.True(t, ok)
	assert.Equal(t, ItemPending, st)

	ref, ok := bb.Reference("a")
	require.True(t, ok)
	assert.Equal(t, 5, ref.Data)
}

func TestIsReady_RequiresAllInputs(t *testing.T) {
	bb := New(testRepo(t))
	assert.False(t, bb.IsReady("1"), "b not supplied")

	require.NoError(t, bb.Supply("b", &repository.Reference{Data: 3}))
	assert.True(t, bb.IsReady("1"))
	assert.False(t, bb.IsReady("2"))
	assert.Equal(t, []string{"1"}, bb.Ready())
	assert.False(t, bb.IsReady("99"))
}

func TestLifecycle_Complete(t *testing.T) {
	bb := New(testRepo(t))
	require.NoError(t, bb.Supply("b", &repository.Reference{Data: 3}))

	require.NoError(t, bb.Begin("1"))
	assert.False(t, bb.IsReady("1"))
	require.NoError(t, bb.Complete("1", &repository.Reference{Data: 8}))

	st, _ := bb.ItemStatus("1")
	assert.Equal(t, ItemCompleted, st)
	assert.Equal(t, ConceptComplete, bb.ConceptStatus("sum"))
	ref, ok := bb.Reference("sum")
	require.True(t, ok)
	assert.Equal(t, 8, ref.Data)
	assert.True(t, bb.IsReady("2"))
}

func TestLifecycle_FailLeavesConceptEmpty(t *testing.T) {
	bb := New(testRepo(t))
	require.NoError(t, bb.Supply("b", &repository.Reference{Data: 3}))

	require.NoError(t, bb.Begin("1"))
	require.NoError(t, bb.Fail("1", "boom"))

	st, _ := bb.ItemStatus("1")
	assert.Equal(t, ItemFailed, st)
	assert.Equal(t, ConceptEmpty, bb.ConceptStatus("sum"))
	info, ok := bb.Failure("1")
	require.True(t, ok)
	assert.Equal(t, "boom", info)

	assert.True(t, bb.BlockedByFailure("2"))
	assert.False(t, bb.BlockedByFailure("1"))
}

func TestLifecycle_Suspend(t *testing.T) {
	bb := New(testRepo(t))
	require.NoError(t, bb.Supply("b", &repository.Reference{Data: 3}))
	require.NoError(t, bb.Begin("1"))
	require.NoError(t, bb.Suspend("1"))
	assert.True(t, bb.IsReady("1"))
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(bb *Blackboard)
		op    func(bb *Blackboard) error
		from  ItemStatus
	}{
		{
			name: "complete while pending",
			op:   func(bb *Blackboard) error { return bb.Complete("1", nil) },
			from: ItemPending,
		},
		{
			name: "fail while pending",
			op:   func(bb *Blackboard) error { return bb.Fail("1", "x") },
			from: ItemPending,
		},
		{
			name:  "begin twice",
			setup: func(bb *Blackboard) { _ = bb.Begin("1") },
			op:    func(bb *Blackboard) error { return bb.Begin("1") },
			from:  ItemInProgress,
		},
		{
			name: "suspend completed",
			setup: func(bb *Blackboard) {
				_ = bb.Begin("1")
				_ = bb.Complete("1", nil)
			},
			op:   func(bb *Blackboard) error { return bb.Suspend("1") },
			from: ItemCompleted,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			bb := New(testRepo(t))
			if tc.setup != nil {
				tc.setup(bb)
			}
			err := tc.op(bb)
			require.ErrorIs(t, err, ErrInvalidTransition)

			var te *InvalidTransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, "1", te.FlowIndex)
			assert.Equal(t, tc.from, te.From)
		})
	}
}

func TestUnknownNames(t *testing.T) {
	bb := New(testRepo(t))
	assert.ErrorIs(t, bb.Begin("9"), ErrUnknownInference)
	assert.ErrorIs(t, bb.Supply("ghost", nil), ErrUnknownConcept)
	assert.ErrorIs(t, bb.Supply("sum", nil), ErrNotGround)
}

func TestSnapshotRestore_RoundTrip(t *testing.T) {
	bb := New(testRepo(t))
	require.NoError(t, bb.Supply("b", &repository.Reference{Data: 3, Axes: []string{"x"}}))
	require.NoError(t, bb.Begin("1"))
	require.NoError(t, bb.Complete("1", &repository.Reference{Data: 8}))
	require.NoError(t, bb.Begin("2"))
	require.NoError(t, bb.Fail("2", "nope"))

	snap := bb.Snapshot()

	other := New(testRepo(t))
	other.Restore(snap)
	assert.Equal(t, snap, other.Snapshot())

	// Mutating the snapshot must not leak into either blackboard.
	snap.ItemStatus["1"] = ItemPending
	snap.References["b"].Axes[0] = "y"
	st, _ := other.ItemStatus("1")
	assert.Equal(t, ItemCompleted, st)
	ref, _ := bb.Reference("b")
	assert.Equal(t, []string{"x"}, ref.Axes)
}

func TestConcurrentReaders(t *testing.T) {
	bb := New(testRepo(t))
	require.NoError(t, bb.Supply("b", &repository.Reference{Data: 3}))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = bb.IsReady("1")
				_ = bb.Snapshot()
			}
		}()
	}
	require.NoError(t, bb.Begin("1"))
	require.NoError(t, bb.Complete("1", &repository.Reference{Data: 8}))
	wg.Wait()
}
