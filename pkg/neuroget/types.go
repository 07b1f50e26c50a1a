// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import "time"

// Job defines which dataset to synchronize and which files of it to keep.
//
// The Dataset field is required. It accepts either a plain accession number
// (e.g. "ds000248") or a DOI-style identifier
// ("doi:10.18112/openneuro.ds000248.v1.0.0"), which is normalized before use.
//
// Example:
//
//	job := neuroget.Job{
//	    Dataset: "ds000248",
//	    Tag:     "1.0.0",
//	    Include: []string{"sub-01/*"},
//	}
type Job struct {
	// Dataset is the dataset identifier. This field is required.
	Dataset string

	// Tag is the snapshot tag (version) to download.
	// If empty, the latest snapshot is used.
	Tag string

	// Include restricts the download to entries matching at least one of
	// these patterns. Patterns are matched against POSIX-style relative
	// paths, either as a path prefix or as a Unix glob ("sub-01/*.json").
	// An include pattern that matches nothing is a hard error.
	Include []string

	// Exclude removes matching entries from the download. Essential dataset
	// files (dataset_description.json, participants.tsv, ...) are fetched
	// regardless of Exclude.
	Exclude []string
}

// Settings configures sync behavior.
//
// All fields have sensible defaults; at minimum set TargetDir for where the
// mirror should live. Use DefaultSettings as a starting point:
//
//	cfg := neuroget.DefaultSettings()
//	cfg.TargetDir = "./ds000248"
type Settings struct {
	// TargetDir is the directory the dataset is mirrored into.
	// If empty, the dataset identifier is used as a relative directory name.
	TargetDir string

	// Concurrency limits how many files transfer at once.
	// If <= 0, defaults to 5.
	Concurrency int

	// VerifyHash enables content-hash verification after each transfer,
	// when the catalog reported a hash for the entry.
	VerifyHash bool

	// VerifySize enables final-size verification after each transfer,
	// when the catalog reported a size for the entry.
	VerifySize bool

	// Retries is the per-file transient-failure budget.
	// If <= 0, defaults to 5.
	Retries int

	// BackoffInitial is the delay before the first retry ("500ms").
	BackoffInitial string

	// BackoffMax caps the exponentially growing retry delay ("32s").
	BackoffMax string

	// Token is the catalog access token for restricted datasets.
	// Sent as an Authorization bearer header when non-empty.
	Token string

	// Endpoint is the catalog base URL. Defaults to DefaultEndpoint.
	Endpoint string
}

// DefaultSettings returns Settings with defaults filled in.
func DefaultSettings() Settings {
	return Settings{
		Concurrency:    5,
		VerifyHash:     true,
		VerifySize:     true,
		Retries:        5,
		BackoffInitial: "500ms",
		BackoffMax:     "32s",
	}
}

// ProgressEvent represents a progress update during a sync run.
//
// The Event field indicates the type of event:
//   - "resolve_start": snapshot resolution has begun
//   - "plan_item": a file was selected for transfer
//   - "file_start": transfer of a file has started
//   - "file_progress": bytes arrived for a file
//   - "retry": a transient failure triggered a retry
//   - "file_done": file complete (Message carries "skip (reason)" when skipped)
//   - "error": a file permanently failed
//   - "done": the run finished
type ProgressEvent struct {
	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Level is the log level: "debug", "info", "warn", "error".
	// Empty defaults to "info".
	Level string `json:"level,omitempty"`

	// Event is the event type identifier.
	Event string `json:"event"`

	// Dataset is the dataset being synchronized.
	Dataset string `json:"dataset,omitempty"`

	// Tag is the resolved snapshot tag.
	Tag string `json:"tag,omitempty"`

	// Path is the POSIX-style relative file path within the dataset.
	Path string `json:"path,omitempty"`

	// Bytes is the number of bytes newly transferred since the previous
	// file_progress event for this path.
	Bytes int64 `json:"bytes,omitempty"`

	// Total is the expected size in bytes, 0 when the catalog did not
	// report one.
	Total int64 `json:"total,omitempty"`

	// Downloaded is the cumulative local size of the file so far,
	// including bytes recovered from a previous interrupted run.
	Downloaded int64 `json:"downloaded,omitempty"`

	// Attempt is the retry attempt number (1-based), set on "retry".
	Attempt int `json:"attempt,omitempty"`

	// Message carries additional context or error details.
	Message string `json:"message,omitempty"`
}

// ProgressFunc is a callback receiving progress events.
// It is invoked from multiple goroutines and must be safe for concurrent use.
type ProgressFunc func(ProgressEvent)

// SyncResult summarizes one sync run. Per-file failures accumulate here
// instead of aborting the run.
type SyncResult struct {
	// Succeeded lists paths that were transferred and verified this run.
	Succeeded []string

	// Skipped lists paths that were already complete locally.
	Skipped []string

	// Failed maps each permanently failed path to its terminal error.
	Failed map[string]error
}

// OK reports whether every selected file is now complete locally.
func (r *SyncResult) OK() bool {
	return len(r.Failed) == 0
}
