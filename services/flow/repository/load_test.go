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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sumYAML = `
concepts:
  - name: a
    kind: ground
    reference:
      reference_data: 5
  - name: b
    kind: ground
    reference:
      reference_data: 3
  - name: sum
    kind: derived
    natural_name: "the sum"
inferences:
  - flow_index: "1"
    to_infer: sum
    function_concept: add
    value_concepts: [a, b]
    working_interpretation:
      kind: imperative
      paradigm: h_Arithmetic
      output_type: number
`

func TestParse_YAML(t *testing.T) {
	repo, err := Parse([]byte(sumYAML), FormatYAML)
	require.NoError(t, err)

	inf, ok := repo.Inference("1")
	require.True(t, ok)
	imp, ok := inf.Interpretation.(Imperative)
	require.True(t, ok, "got %T", inf.Interpretation)
	assert.Equal(t, "h_Arithmetic", imp.Paradigm)
	assert.Equal(t, "number", imp.OutputType)

	c, ok := repo.Concept("sum")
	require.True(t, ok)
	assert.Equal(t, "the sum", c.NaturalName)
}

func TestParse_JSONMatchesYAML(t *testing.T) {
	doc := map[string]any{
		"concepts": []any{
			map[string]any{"name": "a", "kind": "ground", "reference": map[string]any{"reference_data": 5}},
			map[string]any{"name": "b", "kind": "ground", "reference": map[string]any{"reference_data": 3}},
			map[string]any{"name": "sum", "kind": "derived", "natural_name": "the sum"},
		},
		"inferences": []any{
			map[string]any{
				"flow_index":       "1",
				"to_infer":         "sum",
				"function_concept": "add",
				"value_concepts":   []string{"a", "b"},
				"working_interpretation": map[string]any{
					"kind": "imperative", "paradigm": "h_Arithmetic", "output_type": "number",
				},
			},
		},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)

	fromJSON, err := Parse(data, FormatJSON)
	require.NoError(t, err)
	fromYAML, err := Parse([]byte(sumYAML), FormatYAML)
	require.NoError(t, err)

	assert.Equal(t, fromYAML.Signatures(), fromJSON.Signatures())
}

func TestParse_Errors(t *testing.T) {
	t.Run("unknown format", func(t *testing.T) {
		_, err := Parse([]byte("{}"), Format("toml"))
		assert.ErrorIs(t, err, ErrUnsupportedFormat)
	})

	t.Run("missing required field", func(t *testing.T) {
		_, err := Parse([]byte(`
concepts:
  - name: x
    kind: derived
inferences:
  - flow_index: "1"
    to_infer: x
`), FormatYAML)
		assert.ErrorIs(t, err, ErrDefinition)
	})

	t.Run("bad kind", func(t *testing.T) {
		_, err := Parse([]byte(`
concepts:
  - name: x
    kind: computed
inferences:
  - flow_index: "1"
    to_infer: x
    function_concept: f
`), FormatYAML)
		assert.ErrorIs(t, err, ErrDefinition)
	})

	t.Run("unknown field in known interpretation", func(t *testing.T) {
		_, err := Parse([]byte(`
concepts:
  - name: x
    kind: derived
inferences:
  - flow_index: "1"
    to_infer: x
    function_concept: f
    working_interpretation:
      kind: timing
      when: later
`), FormatYAML)
		assert.Error(t, err)
	})
}

func TestWorkingInterpretation_RawKind(t *testing.T) {
	var w WorkingInterpretation
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"looping","over":"items","depth":2}`), &w))

	raw, ok := w.Interpretation.(RawInterpretation)
	require.True(t, ok)
	assert.Equal(t, InterpretationKind("looping"), raw.Kind())
	assert.Equal(t, "items", raw.Fields["over"])

	out, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"looping","over":"items","depth":2}`, string(out))
}

func TestWorkingInterpretation_Variants(t *testing.T) {
	tests := []struct {
		name string
		in   Interpretation
	}{
		{"judgement", Judgement{Condition: "x > 1"}},
		{"grouping", Grouping{By: []string{"a", "b"}, Axis: "row"}},
		{"quantifying", Quantifying{Over: "items"}},
		{"assigning", Assigning{Marker: "$.", Source: "a"}},
		{"timing", Timing{Marker: "@if", Condition: "flag"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := json.Marshal(WorkingInterpretation{tc.in})
			require.NoError(t, err)

			var back WorkingInterpretation
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tc.in, back.Interpretation)
			assert.Equal(t, tc.in.Kind(), back.Kind())
		})
	}
}

func TestLoadFile_AndWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sumYAML), 0o644))

	repo, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, repo.FlowIndices())

	events := make(chan WatchEvent, 4)
	w, err := NewWatcher(path, func(ev WatchEvent) { events <- ev }, nil)
	require.NoError(t, err)
	defer w.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Start(ctx)

	changed := []byte(sumYAML[:len(sumYAML)-len("      output_type: number\n")] + "      output_type: text\n")
	require.NoError(t, os.WriteFile(path, changed, 0o644))

	select {
	case ev := <-events:
		require.NoError(t, ev.Err)
		assert.Equal(t, []string{"1"}, ev.Drift.Changed)
		assert.Same(t, ev.Repository, w.Current())
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
