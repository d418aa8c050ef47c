// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package repository

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sumDefs is the a + b = sum flow plus a second branch doubling sum.
func sumDefs() ([]ConceptDef, []InferenceDef) {
	concepts := []ConceptDef{
		{Name: "a", Kind: ConceptGround, Reference: &Reference{Data: 5}},
		{Name: "b", Kind: ConceptGround, Reference: &Reference{Data: 3}},
		{Name: "two", Kind: ConceptGround, Reference: &Reference{Data: 2}},
		{Name: "sum", Kind: ConceptDerived},
		{Name: "double", Kind: ConceptDerived},
		{Name: "label", Kind: ConceptDerived},
	}
	inferences := []InferenceDef{
		{FlowIndex: "1.10", ToInfer: "label", FunctionConcept: "concat", ValueConcepts: []string{"a"}},
		{FlowIndex: "1", ToInfer: "sum", FunctionConcept: "add", ValueConcepts: []string{"a", "b"}},
		{FlowIndex: "1.2", ToInfer: "double", FunctionConcept: "multiply", ValueConcepts: []string{"sum", "two"}},
	}
	return concepts, inferences
}

func mustBuild(t *testing.T, concepts []ConceptDef, inferences []InferenceDef) *Repository {
	t.Helper()
	repo, err := Build(concepts, inferences)
	require.NoError(t, err)
	return repo
}

func TestBuild_Valid(t *testing.T) {
	repoC, repoI := sumDefs()
	repo := mustBuild(t, repoC, repoI)

	assert.Equal(t, []string{"1", "1.2", "1.10"}, repo.FlowIndices())

	inf, ok := repo.Inference("1")
	require.True(t, ok)
	assert.Equal(t, "sum", inf.ToInfer)
	assert.Equal(t, []string{"a", "b"}, inf.ValueConcepts)

	prod, ok := repo.ProducerOf("sum")
	require.True(t, ok)
	assert.Equal(t, "1", prod)

	_, ok = repo.ProducerOf("a")
	assert.False(t, ok)

	assert.Equal(t, []string{"1", "1.10"}, repo.ConsumersOf("a"))
	assert.Len(t, repo.Concepts(), 6)
}

func TestBuild_DefinitionErrors(t *testing.T) {
	tests := []struct {
		name       string
		concepts   []ConceptDef
		inferences []InferenceDef
		want       string
	}{
		{
			name:       "duplicate concept",
			concepts:   []ConceptDef{{Name: "x", Kind: ConceptDerived}, {Name: "x", Kind: ConceptDerived}},
			inferences: []InferenceDef{{FlowIndex: "1", ToInfer: "x", FunctionConcept: "f"}},
			want:       `duplicate concept "x"`,
		},
		{
			name:       "dangling value concept",
			concepts:   []ConceptDef{{Name: "x", Kind: ConceptDerived}},
			inferences: []InferenceDef{{FlowIndex: "1", ToInfer: "x", FunctionConcept: "f", ValueConcepts: []string{"ghost"}}},
			want:       `value concept "ghost" is not defined`,
		},
		{
			name:       "dangling context concept",
			concepts:   []ConceptDef{{Name: "x", Kind: ConceptDerived}},
			inferences: []InferenceDef{{FlowIndex: "1", ToInfer: "x", FunctionConcept: "f", ContextConcepts: []string{"ghost"}}},
			want:       `context concept "ghost" is not defined`,
		},
		{
			name:     "duplicate producer",
			concepts: []ConceptDef{{Name: "x", Kind: ConceptDerived}},
			inferences: []InferenceDef{
				{FlowIndex: "1", ToInfer: "x", FunctionConcept: "f"},
				{FlowIndex: "2", ToInfer: "x", FunctionConcept: "g"},
			},
			want: `already produced by 1`,
		},
		{
			name:       "ground output",
			concepts:   []ConceptDef{{Name: "x", Kind: ConceptGround}},
			inferences: []InferenceDef{{FlowIndex: "1", ToInfer: "x", FunctionConcept: "f"}},
			want:       `is a ground concept`,
		},
		{
			name:     "duplicate flow index",
			concepts: []ConceptDef{{Name: "x", Kind: ConceptDerived}, {Name: "y", Kind: ConceptDerived}},
			inferences: []InferenceDef{
				{FlowIndex: "1", ToInfer: "x", FunctionConcept: "f"},
				{FlowIndex: "1", ToInfer: "y", FunctionConcept: "f"},
			},
			want: `duplicate flow index "1"`,
		},
		{
			name:       "bad flow index",
			concepts:   []ConceptDef{{Name: "x", Kind: ConceptDerived}},
			inferences: []InferenceDef{{FlowIndex: "1.a", ToInfer: "x", FunctionConcept: "f"}},
			want:       `invalid flow index`,
		},
		{
			name:     "leading zero aliases an index",
			concepts: []ConceptDef{{Name: "x", Kind: ConceptDerived}, {Name: "y", Kind: ConceptDerived}},
			inferences: []InferenceDef{
				{FlowIndex: "1.2", ToInfer: "x", FunctionConcept: "f"},
				{FlowIndex: "1.02", ToInfer: "y", FunctionConcept: "f"},
			},
			want: `inference "1.02": invalid flow index`,
		},
		{
			name:       "no inferences",
			concepts:   []ConceptDef{{Name: "x", Kind: ConceptGround}},
			inferences: nil,
			want:       `no inferences defined`,
		},
		{
			name:     "cycle",
			concepts: []ConceptDef{{Name: "x", Kind: ConceptDerived}, {Name: "y", Kind: ConceptDerived}},
			inferences: []InferenceDef{
				{FlowIndex: "1", ToInfer: "x", FunctionConcept: "f", ValueConcepts: []string{"y"}},
				{FlowIndex: "2", ToInfer: "y", FunctionConcept: "f", ValueConcepts: []string{"x"}},
			},
			want: `dependency cycle`,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Build(tc.concepts, tc.inferences)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDefinition))

			var defErr *DefinitionError
			require.ErrorAs(t, err, &defErr)
			assert.Contains(t, strings.Join(defErr.Problems, "\n"), tc.want)
		})
	}
}

func TestBuild_CollectsAllProblems(t *testing.T) {
	_, err := Build(
		[]ConceptDef{{Name: "x", Kind: ConceptDerived}},
		[]InferenceDef{
			{FlowIndex: "1", ToInfer: "x", FunctionConcept: "f", ValueConcepts: []string{"p"}},
			{FlowIndex: "2", ToInfer: "q", FunctionConcept: "f"},
		},
	)
	var defErr *DefinitionError
	require.ErrorAs(t, err, &defErr)
	assert.Len(t, defErr.Problems, 2)
}

func TestSignature_Deterministic(t *testing.T) {
	r1C, r1I := sumDefs()
	r1 := mustBuild(t, r1C, r1I)
	r2C, r2I := sumDefs()
	r2 := mustBuild(t, r2C, r2I)
	assert.Equal(t, r1.Signatures(), r2.Signatures())
	assert.Equal(t, r1.Digest(), r2.Digest())
}

func TestSignature_DerivedMatchesProducer(t *testing.T) {
	repoC, repoI := sumDefs()
	repo := mustBuild(t, repoC, repoI)
	item, err := repo.SignatureOf("1")
	require.NoError(t, err)
	concept, err := repo.ConceptSignature("sum")
	require.NoError(t, err)
	assert.Equal(t, item, concept)
	assert.Len(t, string(item), 64)
}

func TestSignature_ChangePropagatesDownstreamOnly(t *testing.T) {
	baseC, baseI := sumDefs()
	base := mustBuild(t, baseC, baseI)

	concepts, inferences := sumDefs()
	inferences[1].FunctionConcept = "subtract"
	changed := mustBuild(t, concepts, inferences)

	drift := DiffSignatures(base.Signatures(), changed.Signatures())
	assert.Equal(t, []string{"1", "1.2"}, drift.Changed)
	assert.Empty(t, drift.Added)
	assert.Empty(t, drift.Removed)
	assert.Equal(t, []string{"double", "sum"}, drift.ChangedConcepts)
}

func TestSignature_GroundValueChange(t *testing.T) {
	baseC, baseI := sumDefs()
	base := mustBuild(t, baseC, baseI)

	concepts, inferences := sumDefs()
	concepts[1].Reference = &Reference{Data: 4}
	changed := mustBuild(t, concepts, inferences)

	drift := DiffSignatures(base.Signatures(), changed.Signatures())
	assert.Equal(t, []string{"1", "1.2"}, drift.Changed)
	assert.Contains(t, drift.ChangedConcepts, "b")
}

func TestSignature_IgnoresFlowIndexAndNaturalName(t *testing.T) {
	baseC, baseI := sumDefs()
	base := mustBuild(t, baseC, baseI)

	concepts, inferences := sumDefs()
	concepts[3].NaturalName = "the total"
	inferences[0].FlowIndex = "3"
	moved := mustBuild(t, concepts, inferences)

	labelOld, _ := base.ConceptSignature("label")
	labelNew, _ := moved.ConceptSignature("label")
	assert.Equal(t, labelOld, labelNew)

	sumOld, _ := base.SignatureOf("1")
	sumNew, _ := moved.SignatureOf("1")
	assert.Equal(t, sumOld, sumNew)
}

func TestSignature_ContextOrderInsensitive(t *testing.T) {
	build := func(ctx []string) *Repository {
		return mustBuild(t,
			[]ConceptDef{
				{Name: "p", Kind: ConceptGround},
				{Name: "q", Kind: ConceptGround},
				{Name: "out", Kind: ConceptDerived},
			},
			[]InferenceDef{{FlowIndex: "1", ToInfer: "out", FunctionConcept: "f", ContextConcepts: ctx}},
		)
	}
	s1, _ := build([]string{"p", "q"}).SignatureOf("1")
	s2, _ := build([]string{"q", "p"}).SignatureOf("1")
	assert.Equal(t, s1, s2)
}

func TestSignature_InterpretationCounts(t *testing.T) {
	concepts, inferences := sumDefs()
	inferences[1].WorkingInterpretation = WorkingInterpretation{Imperative{Paradigm: "p1"}}
	r1 := mustBuild(t, concepts, inferences)

	concepts, inferences = sumDefs()
	inferences[1].WorkingInterpretation = WorkingInterpretation{Imperative{Paradigm: "p2"}}
	r2 := mustBuild(t, concepts, inferences)

	s1, _ := r1.SignatureOf("1")
	s2, _ := r2.SignatureOf("1")
	assert.NotEqual(t, s1, s2)
}

func TestDownstream(t *testing.T) {
	repoC, repoI := sumDefs()
	repo := mustBuild(t, repoC, repoI)

	down, err := repo.Downstream("1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.2"}, down)

	down, err = repo.Downstream("1.10")
	require.NoError(t, err)
	assert.Empty(t, down)

	_, err = repo.Downstream("9")
	assert.ErrorIs(t, err, ErrUnknownInference)
}

func TestUnknownLookups(t *testing.T) {
	repoC, repoI := sumDefs()
	repo := mustBuild(t, repoC, repoI)

	_, err := repo.SignatureOf("7")
	assert.ErrorIs(t, err, ErrUnknownInference)

	_, err = repo.ConceptSignature("nope")
	assert.ErrorIs(t, err, ErrUnknownConcept)
}
