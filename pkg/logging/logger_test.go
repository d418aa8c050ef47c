// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
		{Level(-1), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestLevel_Slog(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, LevelDebug.Slog())
	assert.Equal(t, slog.LevelInfo, LevelInfo.Slog())
	assert.Equal(t, slog.LevelWarn, LevelWarn.Slog())
	assert.Equal(t, slog.LevelError, LevelError.Slog())
	assert.Equal(t, slog.LevelInfo, Level(99).Slog(), "unknown defaults to info")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{" warn ", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"Error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// =============================================================================
// Console Output Tests
// =============================================================================

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "flowctl", Output: &buf})
	defer logger.Close()

	logger.Debug("hidden")
	logger.Info("run started", "run_id", "r1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "run started")
	assert.Contains(t, out, "run_id=r1")
	assert.Contains(t, out, "service=flowctl")
	assert.Empty(t, logger.FilePath())
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, JSON: true, Service: "flowctl", Output: &buf})

	logger.Debug("checkpoint saved", "cycle", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "checkpoint saved", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])
	assert.Equal(t, "flowctl", rec["service"])
	assert.EqualValues(t, 3, rec["cycle"])
}

func TestNew_Quiet(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Quiet: true, Output: &buf})

	logger.Error("not shown")
	assert.Empty(t, buf.String())
	assert.NotNil(t, logger.Slog())
}

func TestNew_ExtraHandlers(t *testing.T) {
	var console, extra bytes.Buffer
	logger := New(Config{
		Level:    LevelWarn,
		Output:   &console,
		Handlers: []slog.Handler{slog.NewJSONHandler(&extra, &slog.HandlerOptions{Level: slog.LevelDebug})},
	})

	logger.Info("info only in extra")
	logger.Warn("warn everywhere")

	assert.NotContains(t, console.String(), "info only in extra")
	assert.Contains(t, console.String(), "warn everywhere")
	assert.Contains(t, extra.String(), "info only in extra")
	assert.Contains(t, extra.String(), "warn everywhere")
}

func TestWith(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	child := logger.With("run_id", "r1")

	child.Info("cycle done")
	assert.Contains(t, buf.String(), "run_id=r1")
	assert.NoError(t, child.Close())
}

func TestDefault(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger)
	assert.Equal(t, "aleutian", logger.config.Service)
	assert.Equal(t, LevelInfo, logger.config.Level)
}

// =============================================================================
// File Output Tests
// =============================================================================

func TestNew_FileOutput(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger := New(Config{Level: LevelInfo, Service: "flowd", LogDir: dir, Quiet: true})

	want := filepath.Join(dir, "flowd_"+time.Now().Format("2006-01-02")+".log")
	assert.Equal(t, want, logger.FilePath())

	logger.Info("to file", "flow_index", "1.1")
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Close(), "second close is a no-op")

	data, err := os.ReadFile(want)
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &rec))
	assert.Equal(t, "to file", rec["msg"])
	assert.Equal(t, "1.1", rec["flow_index"])
	assert.Equal(t, "flowd", rec["service"])
}

func TestNew_FileAndConsole(t *testing.T) {
	var buf bytes.Buffer
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Output: &buf})
	defer logger.Close()

	logger.Info("both")
	assert.Contains(t, buf.String(), "both")
	assert.True(t, strings.HasPrefix(filepath.Base(logger.FilePath()), "aleutian_"))

	data, err := os.ReadFile(logger.FilePath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"both"`)
}

func TestNew_FileOpenFailure(t *testing.T) {
	var buf bytes.Buffer
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0600))

	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	defer logger.Close()

	assert.Empty(t, logger.FilePath())
	assert.Contains(t, buf.String(), "file logging disabled")
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	assert.Equal(t, home, expandPath("~"))
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.Equal(t, "~other", expandPath("~other"))
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestLogger_Concurrent(t *testing.T) {
	logger := New(Config{LogDir: t.TempDir(), Quiet: true})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				logger.Info("tick", "worker", n, "n", j)
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(logger.FilePath())
	require.NoError(t, err)
	assert.Equal(t, 400, strings.Count(string(data), "\n"))
}
