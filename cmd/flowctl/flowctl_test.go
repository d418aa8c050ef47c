// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/pkg/validation"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/store"
)

const labelFlow = `
concepts:
  - name: a
    kind: ground
    reference:
      reference_data: 5
  - name: b
    kind: ground
    reference:
      reference_data: 3
  - name: q
    kind: ground
    reference:
      reference_data: "label?"
  - name: sum
    kind: derived
  - name: label
    kind: derived
  - name: report
    kind: derived
inferences:
  - flow_index: "1"
    to_infer: sum
    function_concept: add
    value_concepts: [a, b]
  - flow_index: "2"
    to_infer: label
    function_concept: ask
    value_concepts: [q]
  - flow_index: "3"
    to_infer: report
    function_concept: collect
    value_concepts: [label, sum]
`

// syncBuffer is a bytes.Buffer safe for the watcher goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	t   *testing.T
	dir string
	db  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(config.EnvFileVar, filepath.Join(dir, "missing.env"))
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	return &harness{t: t, dir: dir, db: filepath.Join(dir, "db")}
}

func (h *harness) definition(name, content string) string {
	h.t.Helper()
	path := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(path, []byte(content), 0600))
	return path
}

// exec runs one flowctl invocation with its own app, like a process would.
func (h *harness) exec(ctx context.Context, stdin string, args ...string) (string, string, error) {
	h.t.Helper()
	var out, errOut syncBuffer
	return h.execTo(ctx, stdin, &out, &errOut, args...)
}

func (h *harness) execTo(ctx context.Context, stdin string, out, errOut *syncBuffer, args ...string) (string, string, error) {
	a := newApp(strings.NewReader(stdin), out, errOut)
	root := newRootCmd(a)
	base := []string{"--db", h.db, "--config", filepath.Join(h.dir, "flowctl.yaml"), "--log-level", "error"}
	root.SetArgs(append(base, args...))
	err := errors.Join(root.ExecuteContext(ctx), a.teardown())
	return out.String(), errOut.String(), err
}

func (h *harness) mustExec(stdin string, args ...string) string {
	h.t.Helper()
	out, errOut, err := h.exec(context.Background(), stdin, args...)
	require.NoError(h.t, err, "stderr: %s", errOut)
	return out
}

// =============================================================================
// Run and Inspect Tests
// =============================================================================

func TestRun_PromptsAndCompletes(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)

	out, errOut, err := h.exec(context.Background(), "\"total\"\n", "run", def, "--run-id", "r1")
	require.NoError(t, err, errOut)
	assert.Contains(t, errOut, "label? [ask-2]: ")
	assert.Contains(t, out, "run r1 completed")
	assert.Contains(t, out, "executions\t4")
	assert.Contains(t, out, "report\t[\"total\",8]")

	out = h.mustExec("", "runs")
	assert.Contains(t, out, "RUN\tCREATED")
	assert.Contains(t, out, "\nr1\t")

	out = h.mustExec("", "checkpoints", "r1")
	assert.Contains(t, out, "CYCLE\tSEQ\tINFERENCES\tSAVED")

	out = h.mustExec("", "show", "r1")
	assert.Contains(t, out, "1\tcompleted")
	assert.Contains(t, out, "3\tcompleted")
	assert.Contains(t, out, "sum\t8")
	assert.Contains(t, out, "label\ttotal")
	assert.Contains(t, out, "definition_path\t"+def)

	out = h.mustExec("", "show", "r1", "--json")
	var doc map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "r1", doc["run_id"])
	assert.NotEmpty(t, doc["checksum"])

	out = h.mustExec("", "logs", "r1", "--level", "info")
	assert.Contains(t, out, "run started")
	assert.Contains(t, out, "inference awaiting input")
	assert.Contains(t, out, "run completed")

	out = h.mustExec("", "logs", "r1", "--flow-index", "1")
	assert.Contains(t, out, "inference completed")
	assert.NotContains(t, out, "run completed")

	out = h.mustExec("", "delete", "r1")
	assert.Contains(t, out, "OK: deleted run r1")
	out = h.mustExec("", "runs")
	assert.Contains(t, out, "no runs")
}

func TestRun_RecordsMetadata(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)
	h.mustExec("", "run", def, "--run-id", "meta", "--no-input")

	cfg := config.Default()
	cfg.Storage.Path = h.db
	st, err := store.Open(cfg.Badger(nil), nil)
	require.NoError(t, err)
	defer st.Close()

	meta, err := st.GetRunMetadata(context.Background(), "meta")
	require.NoError(t, err)
	assert.Equal(t, def, meta[store.MetaDefinitionPath])
	assert.NotEmpty(t, meta[store.MetaDefinitionHash])
	assert.Contains(t, meta[store.MetaConfig], `"checkpoint":{"mode":"patch"}`)
}

// =============================================================================
// Input and Resume Tests
// =============================================================================

func TestRun_NoInputThenResume(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)

	out := h.mustExec("", "run", def, "--run-id", "r2", "--no-input")
	assert.Contains(t, out, "run r2 awaiting_input (input)")
	assert.Contains(t, out, "awaiting\task-2: label?")

	out = h.mustExec("", "resume", "r2", def, "--input", "ask-2=\"x\"")
	assert.Contains(t, out, "run r2 completed")
	assert.Contains(t, out, "report\t[\"x\",8]")
}

func TestResume_Fork(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)
	h.mustExec("", "run", def, "--run-id", "src", "--no-input")

	out := h.mustExec("", "resume", "src", def, "--fork-as", "copy", "--input", "ask-2=5")
	assert.Contains(t, out, "run copy completed")
	assert.Contains(t, out, "report\t[5,8]")

	out = h.mustExec("", "runs")
	assert.Contains(t, out, "copy\t")
	assert.Contains(t, out, "\tsrc\n")

	out = h.mustExec("", "show", "src")
	assert.Contains(t, out, "3\tpending", "source run is untouched")

	_, _, err := h.exec(context.Background(), "", "resume", "src", def, "--fork-as", "copy")
	assert.ErrorIs(t, err, checkpoint.ErrForkTargetExists)
}

func TestResume_PatchAfterEdit(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)
	h.mustExec("\"total\"\n", "run", def, "--run-id", "r4")

	out := h.mustExec("", "drift", "r4", def)
	assert.Contains(t, out, "OK: no drift")

	h.definition("flow.yaml", strings.Replace(labelFlow, "function_concept: add", "function_concept: multiply", 1))

	out = h.mustExec("", "drift", "r4", def)
	assert.Contains(t, out, "changed\t1")
	assert.NotContains(t, out, "no drift")

	out = h.mustExec("", "resume", "r4", def, "--mode", "patch", "--no-input")
	assert.Contains(t, out, "mode\tpatch")
	assert.Contains(t, out, "changed\t1")
	assert.Contains(t, out, "run r4 completed")
	assert.Contains(t, out, "report\t[\"total\",15]")
}

func TestResume_OlderCycleInPlace(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)
	h.mustExec("\"total\"\n", "run", def, "--run-id", "r6")
	h.definition("flow.yaml", strings.Replace(labelFlow, "function_concept: add", "function_concept: multiply", 1))

	out := h.mustExec("", "resume", "r6", def, "--cycle", "1", "--mode", "patch",
		"--input", "ask-2=\"total\"", "--no-input")
	assert.Contains(t, out, "run r6 completed")
	assert.Contains(t, out, "report\t[\"total\",15]")

	out = h.mustExec("", "show", "r6")
	assert.Contains(t, out, "sum\t15")
}

func TestResume_OverwriteKeepsResults(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)
	h.mustExec("\"total\"\n", "run", def, "--run-id", "r5")
	h.definition("flow.yaml", strings.Replace(labelFlow, "function_concept: add", "function_concept: multiply", 1))

	out := h.mustExec("", "resume", "r5", def, "--mode", "overwrite")
	assert.Contains(t, out, "mode\toverwrite")
	assert.Contains(t, out, "run r5 completed")
	assert.Contains(t, out, "report\t[\"total\",8]")
}

// =============================================================================
// Error Tests
// =============================================================================

func TestErrors(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)
	ctx := context.Background()

	_, _, err := h.exec(ctx, "", "run", filepath.Join(h.dir, "absent.yaml"))
	assert.Error(t, err)

	_, _, err = h.exec(ctx, "", "resume", "ghost", def)
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)

	_, _, err = h.exec(ctx, "", "resume", "ghost", def, "--mode", "merge")
	assert.ErrorIs(t, err, checkpoint.ErrUnknownMode)

	_, _, err = h.exec(ctx, "", "run", def, "--input", "no-equals-sign")
	assert.ErrorContains(t, err, "want id=value")

	_, _, err = h.exec(ctx, "", "run", def, "--input", "bad id=1")
	assert.ErrorIs(t, err, validation.ErrInvalidIdentifier)

	_, _, err = h.exec(ctx, "", "delete", "ghost")
	assert.ErrorIs(t, err, store.ErrRunNotFound)

	_, _, err = h.exec(ctx, "", "checkpoints", "ghost")
	assert.ErrorIs(t, err, checkpoint.ErrCheckpointNotFound)

	_, _, err = h.exec(ctx, "", "runs", "--log-level", "loud")
	assert.ErrorContains(t, err, "unknown log level")

	_, _, err = h.exec(ctx, "", "show")
	assert.Error(t, err)
}

// =============================================================================
// Watch Tests
// =============================================================================

func TestWatch_ReportsDrift(t *testing.T) {
	h := newHarness(t)
	def := h.definition("flow.yaml", labelFlow)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var out, errOut syncBuffer
	done := make(chan error, 1)
	go func() {
		_, _, err := h.execTo(ctx, "", &out, &errOut, "watch", def)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "watching")
	}, 5*time.Second, 20*time.Millisecond)

	h.definition("flow.yaml", strings.Replace(labelFlow, "function_concept: add", "function_concept: multiply", 1))
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "changed\t1")
	}, 5*time.Second, 20*time.Millisecond)

	h.definition("flow.yaml", "concepts: [")
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "ERROR: reload failed")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestParseValue(t *testing.T) {
	assert.Equal(t, float64(8), parseValue("8"))
	assert.Equal(t, []any{"a", true}, parseValue(`["a", true]`))
	assert.Equal(t, "plain words", parseValue("plain words"))
	assert.Equal(t, "x", parseValue(`"x"`))
}
