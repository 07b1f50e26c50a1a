// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

/*
Package neuroget mirrors versioned datasets from an OpenNeuro-style catalog
onto local storage, with resumable transfers and integrity verification.

# Features

  - Resumable transfers: interrupted downloads continue from the current
    local file length on the next run
  - Concurrent transfers: a bounded pool of files downloads in parallel
  - Filtering: include/exclude patterns select which files to mirror,
    with essential dataset files always fetched
  - Verification: final size and content hash checks, with automatic
    re-fetch on mismatch
  - Progress events: real-time callbacks for UI integration
  - Context cancellation: partial files stay intact and resumable

# Quick Start

	package main

	import (
		"context"
		"fmt"
		"log"

		"github.com/neuroget/neuroget/pkg/neuroget"
	)

	func main() {
		job := neuroget.Job{
			Dataset: "ds000248",
			Include: []string{"sub-01/*"},
		}

		cfg := neuroget.DefaultSettings()
		cfg.TargetDir = "./ds000248"

		result, err := neuroget.Sync(context.Background(), job, cfg, func(e neuroget.ProgressEvent) {
			fmt.Printf("[%s] %s %s\n", e.Event, e.Path, e.Message)
		})
		if err != nil {
			log.Fatal(err)
		}
		if !result.OK() {
			log.Fatalf("%d files failed", len(result.Failed))
		}
	}

# Dry-Run / Planning

Resolve and filter without transferring:

	plan, err := neuroget.PlanSync(ctx, job, cfg)
	if err != nil {
		log.Fatal(err)
	}
	for _, item := range plan.Items {
		fmt.Println(item.Path)
	}

# Progress Events

The ProgressFunc callback receives events throughout the run:

  - resolve_start: snapshot resolution has begun
  - plan_item: a file was selected for transfer
  - file_start: transfer of a file has started
  - file_progress: bytes arrived (Bytes holds the delta)
  - retry: a transient failure triggered a retry
  - file_done: file complete or skipped
  - error: a file permanently failed
  - done: the run finished

# Error Handling

Fatal errors (unknown dataset, include pattern matching nothing, target
directory holding a different dataset, unreachable catalog) abort the run
before any transfer. Per-file transfer failures never abort the run; they
accumulate in SyncResult.Failed together with their cause.

# Authentication

For restricted datasets, set the Token field in Settings. The token is sent
as an Authorization bearer header on catalog and transfer requests.
*/
package neuroget
