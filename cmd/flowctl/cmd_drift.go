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
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/services/flow/orchestrator"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
	"github.com/AleutianAI/AleutianFlow/services/flow/store"
)

// =============================================================================
// drift
// =============================================================================

// newDriftCmd compares a checkpoint's signatures with a definition.
//
// # Description
//
// Reports which inferences a patch resume would re-run: inferences added,
// removed or changed since the checkpoint, and concepts whose signature
// changed. Exits non-zero only on errors, not on drift.
func newDriftCmd(a *app) *cobra.Command {
	var cycle int
	cmd := &cobra.Command{
		Use:   "drift <run-id> <definition>",
		Short: "Compare a checkpoint with the current definition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			snap, _, err := a.mgr.Inspect(ctx, args[0], cycle)
			if err != nil {
				return err
			}
			repo, err := repository.LoadFile(args[1])
			if err != nil {
				return err
			}
			meta, err := a.store.GetRunMetadata(ctx, args[0])
			if err != nil {
				return err
			}

			p := a.printer
			p.Title(fmt.Sprintf("Drift of %s cycle %d against %s", args[0], snap.Cycle, args[1]))
			if digest, ok := meta[store.MetaDefinitionHash]; ok {
				p.Field("recorded", digest)
			}
			p.Field("current", string(repo.Digest()))
			a.printDrift(repository.DiffSignatures(snap.Signatures, repo.Signatures()))
			return nil
		},
	}
	cmd.Flags().IntVar(&cycle, "cycle", orchestrator.LatestCycle, "Checkpoint cycle (default: latest)")
	return cmd
}

func (a *app) printDrift(d repository.Drift) {
	p := a.printer
	if d.Empty() {
		p.Success("no drift")
		return
	}
	for _, f := range []struct {
		name  string
		items []string
	}{
		{"added", d.Added},
		{"removed", d.Removed},
		{"changed", d.Changed},
		{"concepts", d.ChangedConcepts},
	} {
		if len(f.items) > 0 {
			p.Field(f.name, strings.Join(f.items, ", "))
		}
	}
}

// =============================================================================
// watch
// =============================================================================

// newWatchCmd reloads a definition on every save and prints its drift.
//
// # Description
//
// Validates the definition on each write and prints the signature drift
// against the previous valid version. Invalid edits are reported and the
// last valid version stays current. Runs until interrupted.
func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:         "watch <definition>",
		Short:       "Watch a definition and report signature drift on change",
		Args:        cobra.ExactArgs(1),
		Annotations: map[string]string{annotationMetrics: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			w, err := repository.NewWatcher(args[0], func(ev repository.WatchEvent) {
				if ev.Err != nil {
					a.printer.Error(fmt.Sprintf("reload failed: %v", ev.Err))
					return
				}
				a.printer.Info(fmt.Sprintf("reloaded %s (%d inferences, digest %s)",
					args[0], len(ev.Repository.FlowIndices()), ev.Repository.Digest()))
				a.printDrift(ev.Drift)
			}, a.logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := w.Stop(); err != nil {
					a.logger.Warn("stop watcher", slog.String("error", err.Error()))
				}
			}()

			a.printer.Info(fmt.Sprintf("watching %s (digest %s)", args[0], w.Current().Digest()))
			w.Start(cmd.Context())
			return nil
		},
	}
}
