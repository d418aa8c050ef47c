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
)

// newRootCmd builds the flowctl command tree around a. The caller must
// call a.teardown after Execute, which also covers commands that failed.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "flowctl",
		Short: "Run, resume and inspect checkpointed inference flows",
		Long: `flowctl executes flow definitions and keeps their history.

Every run is checkpointed into a local database. A checkpoint can be resumed
against an edited definition with one of three reconciliation modes:
  overwrite  restore the checkpoint exactly
  patch      re-run inferences whose definition changed (default)
  fill_gaps  keep completed work, only fill what is missing

Examples:
  flowctl run flow.yaml
  flowctl resume <run-id> flow.yaml --mode patch
  flowctl show <run-id>`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "flowctl.yaml", "Config file (YAML or JSON); missing files are ignored")
	pf.StringVar(&a.dbPath, "db", "", "Run database directory (overrides storage.path)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&a.plain, "plain", false, "Plain tab-separated output")

	root.AddCommand(
		newRunCmd(a),
		newResumeCmd(a),
		newRunsCmd(a),
		newCheckpointsCmd(a),
		newShowCmd(a),
		newLogsCmd(a),
		newDriftCmd(a),
		newWatchCmd(a),
		newDeleteCmd(a),
	)
	return root
}
