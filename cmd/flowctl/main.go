// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command flowctl runs and inspects inference flows.
//
// A flow is a definition file of concepts and inferences. flowctl executes
// it with the built-in executors, checkpoints every cycle into a local
// BadgerDB database, and can resume, fork, inspect and diff those runs.
//
// # Examples
//
//	flowctl run sum.yaml
//	flowctl runs
//	flowctl show <run-id> --cycle 2
//	flowctl resume <run-id> sum.yaml --mode patch --fork-as experiment
//	flowctl logs <run-id> --level warn
//	flowctl drift <run-id> sum.yaml
//	flowctl watch sum.yaml
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(os.Stdin, os.Stdout, os.Stderr)
	err := newRootCmd(a).ExecuteContext(ctx)
	if terr := a.teardown(); terr != nil {
		fmt.Fprintf(os.Stderr, "Warning: cleanup: %v\n", terr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
