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
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/executors"
	"github.com/AleutianAI/AleutianFlow/services/flow/orchestrator"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
)

// =============================================================================
// run
// =============================================================================

// newRunCmd starts a new run of a definition.
//
// # Description
//
// Loads the definition, records its path, digest and the effective config
// as run metadata, then runs it with the built-in executors until it
// completes, fails or halts. Input requests are answered from --input or
// prompted for on stdin.
//
// # Examples
//
//	flowctl run flow.yaml
//	flowctl run flow.yaml --run-id nightly --breakpoint 2
//	flowctl run flow.yaml --input ask-3=42 --no-input
func newRunCmd(a *app) *cobra.Command {
	var (
		runID string
		opts  driveOptions
	)
	cmd := &cobra.Command{
		Use:         "run <definition>",
		Short:       "Run a flow definition",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationMetrics: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := repository.LoadFile(args[0])
			if err != nil {
				return err
			}
			o, err := orchestrator.New(repo, executors.Builtin(a.logger), a.orchestratorConfig(runID, opts.maxCycles))
			if err != nil {
				return err
			}
			if err := a.recordDefinition(ctx, o.RunID(), args[0], repo); err != nil {
				return err
			}
			return a.drive(ctx, o, o.Run, opts)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (generated when empty)")
	opts.bind(cmd)
	return cmd
}

// =============================================================================
// resume
// =============================================================================

// newResumeCmd continues a run from one of its checkpoints.
//
// # Description
//
// Loads the checkpoint, reconciles it with the definition as it is now,
// prints what the reconciliation changed and continues the run. With
// --fork-as the checkpoint is copied into a new run and the source run is
// left untouched. Without it an older --cycle continues in place; its
// later checkpoints stay listed and new ones follow them.
//
// # Examples
//
//	flowctl resume r1 flow.yaml
//	flowctl resume r1 flow.yaml --cycle 2 --mode overwrite
//	flowctl resume r1 flow.yaml --fork-as r1-retry --mode fill_gaps
func newResumeCmd(a *app) *cobra.Command {
	var (
		cycle  int
		mode   string
		forkAs string
		opts   driveOptions
	)
	cmd := &cobra.Command{
		Use:         "resume <run-id> <definition>",
		Short:       "Resume a run from a checkpoint",
		Args:        cobra.ExactArgs(2),
		Annotations: map[string]string{annotationMetrics: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			m := a.cfg.Mode()
			if mode != "" {
				var err error
				if m, err = checkpoint.ParseMode(mode); err != nil {
					return err
				}
			}
			repo, err := repository.LoadFile(args[1])
			if err != nil {
				return err
			}

			o, err := orchestrator.LoadCheckpoint(ctx, a.mgr, orchestrator.LoadOptions{
				RunID:      args[0],
				Cycle:      cycle,
				Repository: repo,
				Mode:       m,
				NewRunID:   forkAs,
				Executor:   executors.Builtin(a.logger),
				Config:     a.orchestratorConfig("", opts.maxCycles),
			})
			if err != nil {
				return err
			}
			a.printReport(o.Reconciliation())
			if err := a.recordDefinition(ctx, o.RunID(), args[1], repo); err != nil {
				return err
			}
			return a.drive(ctx, o, o.Resume, opts)
		},
	}
	cmd.Flags().IntVar(&cycle, "cycle", orchestrator.LatestCycle, "Checkpoint cycle (default: latest)")
	cmd.Flags().StringVar(&mode, "mode", "", "Reconciliation mode: overwrite, patch, fill_gaps (default from config)")
	cmd.Flags().StringVar(&forkAs, "fork-as", "", "Resume into a new run with this id")
	opts.bind(cmd)
	return cmd
}
