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
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/pkg/ux"
	"github.com/AleutianAI/AleutianFlow/pkg/validation"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/orchestrator"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
	"github.com/AleutianAI/AleutianFlow/services/flow/store"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// annotationMetrics marks commands that serve /metrics while they run.
const annotationMetrics = "flowctl/metrics"

// app holds the streams, global flags and resources shared by commands.
//
// setup runs before every command and teardown after it, so each
// invocation opens and closes the database exactly once.
type app struct {
	in     io.Reader
	out    io.Writer
	errOut io.Writer

	// global flags
	configPath string
	dbPath     string
	logLevel   string
	plain      bool

	cfg      config.Config
	log      *logging.Logger
	logger   *slog.Logger
	store    *store.Store
	mgr      *checkpoint.Manager
	printer  *ux.Printer
	shutdown func(context.Context) error
	metrics  *telemetry.MetricsServer
	reader   *bufio.Reader
}

func newApp(in io.Reader, out, errOut io.Writer) *app {
	return &app{in: in, out: out, errOut: errOut}
}

// setup loads configuration, then builds the logger, telemetry, store and
// checkpoint manager.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dbPath != "" {
		cfg.Storage.Path = a.dbPath
		cfg.Storage.InMemory = false
	}
	if a.logLevel != "" {
		if _, err := logging.ParseLevel(a.logLevel); err != nil {
			return err
		}
		cfg.Logging.Level = a.logLevel
	}
	a.cfg = cfg

	lc := cfg.LoggingConfig("flowctl")
	lc.Output = a.errOut
	a.log = logging.New(lc)
	a.logger = a.log.Slog()

	plain := a.plain
	if f, ok := a.out.(*os.File); !ok || !ux.IsTerminal(f) {
		plain = true
	}
	a.printer = ux.NewPrinter(a.out, plain)

	ctx := cmd.Context()
	a.shutdown, err = telemetry.Init(ctx, cfg.TelemetryConfig())
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	if cfg.Telemetry.MetricsAddr != "" && cmd.Annotations[annotationMetrics] != "" {
		a.metrics, err = telemetry.ServeMetrics(ctx, cfg.Telemetry.MetricsAddr, a.logger)
		if err != nil {
			return err
		}
	}

	var dbLogger *slog.Logger
	if cfg.Logging.Level == "debug" {
		dbLogger = a.logger
	}
	a.store, err = store.Open(cfg.Badger(dbLogger), a.logger)
	if err != nil {
		return fmt.Errorf("open run database: %w", err)
	}
	a.mgr = checkpoint.NewManager(a.store, a.logger)
	return nil
}

// teardown releases everything setup acquired. Safe after a partial setup.
func (a *app) teardown() error {
	var errs []error
	if a.metrics != nil {
		errs = append(errs, a.metrics.Close())
		a.metrics = nil
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
		a.store = nil
	}
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, a.shutdown(ctx))
		cancel()
		a.shutdown = nil
	}
	if a.log != nil {
		errs = append(errs, a.log.Close())
		a.log = nil
	}
	return errors.Join(errs...)
}

// orchestratorConfig returns the configured orchestrator settings wired to
// the store and checkpoint manager.
func (a *app) orchestratorConfig(runID string, maxCycles int) orchestrator.Config {
	cfg := a.cfg.OrchestratorConfig()
	cfg.RunID = runID
	if maxCycles > 0 {
		cfg.MaxCycles = maxCycles
	}
	cfg.Checkpoints = a.mgr
	cfg.Recorder = a.store
	cfg.Logger = a.logger
	return cfg
}

// recordDefinition stores where a run's definition came from, its
// signature digest and the effective configuration.
func (a *app) recordDefinition(ctx context.Context, runID, path string, repo *repository.Repository) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	snapshot, err := a.cfg.Snapshot()
	if err != nil {
		return err
	}
	meta := [][2]string{
		{store.MetaDefinitionPath, abs},
		{store.MetaDefinitionHash, string(repo.Digest())},
		{store.MetaConfig, snapshot},
	}
	for _, kv := range meta {
		if err := a.store.SetRunMetadata(ctx, runID, kv[0], kv[1]); err != nil {
			return fmt.Errorf("record run metadata %s: %w", kv[0], err)
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Driving runs
// -----------------------------------------------------------------------------

// driveOptions are the flags shared by run and resume.
type driveOptions struct {
	maxCycles   int
	breakpoints []string
	inputs      []string
	noInput     bool
}

func (o *driveOptions) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&o.maxCycles, "max-cycles", 0, "Pause after this many cycles (0 uses the configured limit)")
	cmd.Flags().StringArrayVar(&o.breakpoints, "breakpoint", nil, "Pause before this flow index (repeatable)")
	cmd.Flags().StringArrayVar(&o.inputs, "input", nil, "Answer an input request as id=value (repeatable)")
	cmd.Flags().BoolVar(&o.noInput, "no-input", false, "Never prompt; stop when an inference asks for input")
}

// drive starts o with start and keeps answering input requests until the
// run halts for another reason or a request goes unanswered.
func (a *app) drive(ctx context.Context, o *orchestrator.Orchestrator, start func(context.Context) error, opts driveOptions) error {
	for _, bp := range opts.breakpoints {
		if err := o.AddBreakpoint(bp); err != nil {
			return err
		}
	}
	inputs, err := parseInputs(opts.inputs)
	if err != nil {
		return err
	}

	if _, err := a.answer(o, inputs, opts.noInput); err != nil {
		return err
	}

	var runErr error
	if o.Status().Pending == nil {
		runErr = start(ctx)
		for runErr == nil {
			answered, err := a.answer(o, inputs, opts.noInput)
			if err != nil {
				return err
			}
			if !answered {
				break
			}
			runErr = o.Resume(ctx)
		}
	}

	a.printStatus(o)
	return runErr
}

// answer provides input for an open request from --input values or, unless
// noInput is set, from the input stream. It reports whether it answered.
func (a *app) answer(o *orchestrator.Orchestrator, inputs map[string]string, noInput bool) (bool, error) {
	st := o.Status()
	if st.State != orchestrator.StateAwaitingInput || st.Pending == nil {
		return false, nil
	}
	req := st.Pending

	raw, ok := inputs[req.ID]
	if ok {
		delete(inputs, req.ID)
	} else if !noInput {
		raw, ok = a.prompt(req)
	}
	if !ok {
		return false, nil
	}
	if err := o.ProvideInput(req.ID, parseValue(raw)); err != nil {
		return false, err
	}
	return true, nil
}

// prompt asks on errOut and reads one line from in. An empty line or end of
// input leaves the request open.
func (a *app) prompt(req *orchestrator.Interaction) (string, bool) {
	if a.reader == nil {
		a.reader = bufio.NewReader(a.in)
	}
	fmt.Fprintf(a.errOut, "%s [%s]: ", req.Prompt, req.ID)
	line, err := a.reader.ReadString('\n')
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		if err != nil {
			fmt.Fprintln(a.errOut)
		}
		return "", false
	}
	return line, true
}

func parseInputs(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		id, value, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --input %q: want id=value", p)
		}
		id, err := validation.SanitizeIdentifier("interaction id", id)
		if err != nil {
			return nil, fmt.Errorf("invalid --input %q: %w", p, err)
		}
		out[id] = value
	}
	return out, nil
}

// parseValue decodes JSON answers ("8", "[1,2]", "true") and keeps
// anything else as a string.
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// -----------------------------------------------------------------------------
// Output
// -----------------------------------------------------------------------------

func (a *app) printStatus(o *orchestrator.Orchestrator) {
	st := o.Status()
	p := a.printer

	line := fmt.Sprintf("run %s %s", st.RunID, st.State)
	if st.Reason != "" {
		line += " (" + st.Reason + ")"
	}
	p.Status(ux.StateIcon(string(st.State)), line)
	p.Field("cycle", st.Cycle)
	p.Field("executions", st.TotalExecutions)
	if st.Pending != nil {
		p.Field("awaiting", fmt.Sprintf("%s: %s", st.Pending.ID, st.Pending.Prompt))
	}
	if st.Err != nil {
		p.Field("error", st.Err)
	}
	if st.State != orchestrator.StateCompleted {
		return
	}

	repo := o.Repository()
	for _, c := range repo.Concepts() {
		if c.Kind != repository.ConceptDerived || len(repo.ConsumersOf(c.Name)) > 0 {
			continue
		}
		if ref, ok := o.Blackboard().Reference(c.Name); ok {
			p.Field(c.Name, formatValue(ref.Data))
		}
	}
}

func (a *app) printReport(r *checkpoint.Report) {
	if r == nil {
		return
	}
	p := a.printer
	p.Field("mode", r.Mode)
	fields := []struct {
		name  string
		items []string
	}{
		{"reverted", r.Reverted},
		{"changed", r.Changed},
		{"added", r.Added},
		{"dropped", r.Dropped},
		{"refreshed", r.Refreshed},
	}
	for _, f := range fields {
		if len(f.items) > 0 {
			p.Field(f.name, strings.Join(f.items, ", "))
		}
	}
}

func formatValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
