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
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/checkpoint"
	"github.com/AleutianAI/AleutianFlow/services/flow/orchestrator"
	"github.com/AleutianAI/AleutianFlow/services/flow/repository"
	"github.com/AleutianAI/AleutianFlow/services/flow/store"
)

// =============================================================================
// runs
// =============================================================================

func newRunsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List runs with stored history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := a.store.ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				a.printer.Info("no runs")
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				forked := r.ForkedFrom
				if forked == "" {
					forked = "-"
				}
				rows = append(rows, []string{
					r.RunID,
					formatTime(r.CreatedAt),
					strconv.Itoa(r.MaxCycle),
					strconv.Itoa(r.ExecutionCount),
					strconv.Itoa(r.CheckpointCount),
					forked,
				})
			}
			a.printer.Title("Runs")
			a.printer.Table([]string{"RUN", "CREATED", "CYCLE", "EXECUTIONS", "CHECKPOINTS", "FORKED FROM"}, rows)
			return nil
		},
	}
}

// =============================================================================
// checkpoints
// =============================================================================

func newCheckpointsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoints <run-id>",
		Short: "List the checkpoints of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := a.store.ListCheckpoints(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				return fmt.Errorf("%w: run %s has no checkpoints", checkpoint.ErrCheckpointNotFound, args[0])
			}
			rows := make([][]string, 0, len(infos))
			for _, info := range infos {
				rows = append(rows, []string{
					strconv.Itoa(info.Cycle),
					strconv.FormatUint(info.Seq, 10),
					strconv.Itoa(info.InferenceCount),
					formatTime(info.Timestamp),
				})
			}
			a.printer.Title("Checkpoints of " + args[0])
			a.printer.Table([]string{"CYCLE", "SEQ", "INFERENCES", "SAVED"}, rows)
			return nil
		},
	}
}

// =============================================================================
// show
// =============================================================================

// newShowCmd prints one checkpoint.
//
// # Description
//
// Shows the run metadata, tracker, per-inference status and the values of
// completed concepts of a checkpoint. --json prints the verified
// checkpoint document instead.
func newShowCmd(a *app) *cobra.Command {
	var (
		cycle  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a checkpoint of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			snap, info, err := a.mgr.Inspect(ctx, args[0], cycle)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}

			meta, err := a.store.GetRunMetadata(ctx, args[0])
			if err != nil {
				return err
			}

			p := a.printer
			p.Title(fmt.Sprintf("Run %s, cycle %d", snap.RunID, snap.Cycle))
			p.Field("saved", formatTime(info.Timestamp))
			p.Field("version", snap.Version)
			p.Field("executions", snap.Tracker.TotalExecutions)
			p.Field("order", strings.Join(snap.Tracker.CompletionOrder, " "))
			for _, key := range []string{store.MetaDefinitionPath, store.MetaDefinitionHash, store.MetaForkedFrom, store.MetaForkedFromCycle} {
				if v, ok := meta[key]; ok {
					p.Field(key, v)
				}
			}

			items := make([]string, 0, len(snap.Blackboard.ItemStatus))
			for idx := range snap.Blackboard.ItemStatus {
				items = append(items, idx)
			}
			repository.SortFlowIndices(items)
			rows := make([][]string, 0, len(items))
			for _, idx := range items {
				rows = append(rows, []string{idx, string(snap.Blackboard.ItemStatus[idx])})
			}
			p.Table([]string{"FLOW INDEX", "STATUS"}, rows)

			names := make([]string, 0, len(snap.CompletedConcepts))
			for name := range snap.CompletedConcepts {
				names = append(names, name)
			}
			sort.Strings(names)
			rows = rows[:0]
			for _, name := range names {
				rows = append(rows, []string{name, formatValue(snap.CompletedConcepts[name].Data)})
			}
			if len(rows) > 0 {
				p.Table([]string{"CONCEPT", "VALUE"}, rows)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&cycle, "cycle", orchestrator.LatestCycle, "Checkpoint cycle (default: latest)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the checkpoint document as JSON")
	return cmd
}

// =============================================================================
// logs
// =============================================================================

func newLogsCmd(a *app) *cobra.Command {
	var (
		flowIndex string
		level     string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print the execution log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lvl, err := logging.ParseLevel(level)
			if err != nil {
				return err
			}
			entries, err := a.store.GetLogs(cmd.Context(), args[0], store.LogFilter{
				FlowIndex: flowIndex,
				MinLevel:  lvl.Slog(),
				Limit:     limit,
			})
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				fi := e.FlowIndex
				if fi == "" {
					fi = "-"
				}
				rows = append(rows, []string{formatTime(e.Timestamp), e.Level.String(), fi, e.Message})
			}
			a.printer.Table([]string{"TIME", "LEVEL", "FLOW INDEX", "MESSAGE"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&flowIndex, "flow-index", "", "Only entries of this inference")
	cmd.Flags().StringVar(&level, "level", "debug", "Minimum level")
	cmd.Flags().IntVar(&limit, "limit", 0, "Keep only the newest N entries")
	return cmd
}

// =============================================================================
// delete
// =============================================================================

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <run-id>",
		Short: "Delete a run and all of its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.store.GetRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := a.store.DeleteRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			a.printer.Success("deleted run " + args[0])
			return nil
		},
	}
}
