// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
)

// Plan holds the resolved snapshot and the entries selected for transfer,
// for preview without downloading.
type Plan struct {
	Snapshot *Snapshot
	Items    []ManifestEntry
}

// PlanSync resolves and filters the dataset without transferring anything.
func PlanSync(ctx context.Context, job Job, cfg Settings) (*Plan, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	applyDefaults(&cfg)

	ref, err := ParseDatasetRef(job.Dataset, job.Tag)
	if err != nil {
		return nil, err
	}

	cat := newCatalogClient(cfg, buildHTTPClient(), clockwork.NewRealClock())
	snap, err := cat.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	items, err := Filter(snap, FilterSpec{Include: job.Include, Exclude: job.Exclude})
	if err != nil {
		return nil, err
	}
	return &Plan{Snapshot: snap, Items: items}, nil
}

// Sync converges the target directory to the requested snapshot.
//
// Fatal errors (unknown dataset, unmatched include pattern, incompatible
// target directory, unreachable catalog) abort the run before any transfer
// and return a nil result. Per-file transfer failures never abort the run;
// they accumulate in SyncResult.Failed and the caller decides what to do.
//
// Cancellation via ctx stops in-flight transfers cleanly and leaves every
// partial file resumable by the next run.
func Sync(ctx context.Context, job Job, cfg Settings, progress ProgressFunc) (*SyncResult, error) {
	return runSync(ctx, job, cfg, progress, clockwork.NewRealClock())
}

func runSync(ctx context.Context, job Job, cfg Settings, progress ProgressFunc, clock clockwork.Clock) (*SyncResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	applyDefaults(&cfg)

	ref, err := ParseDatasetRef(job.Dataset, job.Tag)
	if err != nil {
		return nil, err
	}
	targetDir := cfg.TargetDir
	if targetDir == "" {
		targetDir = ref.ID
	}

	emit := func(ev ProgressEvent) {
		if progress == nil {
			return
		}
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}
		if ev.Dataset == "" {
			ev.Dataset = ref.ID
		}
		progress(ev)
	}

	emit(ProgressEvent{Event: "resolve_start", Tag: ref.Tag, Message: "resolving snapshot"})

	httpc := buildHTTPClient()
	cat := newCatalogClient(cfg, httpc, clock)
	snap, err := cat.resolve(ctx, ref)
	if err != nil {
		return nil, err
	}

	targets, err := Filter(snap, FilterSpec{Include: job.Include, Exclude: job.Exclude})
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return nil, err
	}
	if err := checkDescriptor(targetDir, snap); err != nil {
		return nil, err
	}
	states, err := inspectLocal(targetDir, targets)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{Failed: make(map[string]error)}
	var mu sync.Mutex

	f := &fetcher{
		httpc:      httpc,
		token:      cfg.Token,
		retries:    cfg.Retries,
		initial:    cfg.BackoffInitial,
		max:        cfg.BackoffMax,
		verifySize: cfg.VerifySize,
		verifyHash: cfg.VerifyHash,
		clock:      clock,
		emit:       emit,
	}

	sem := semaphore.NewWeighted(int64(cfg.Concurrency))
	var wg sync.WaitGroup

LOOP:
	for _, entry := range targets {
		entry := entry
		state := states[entry.Path]

		var total int64
		if entry.Size != nil {
			total = *entry.Size
		}
		emit(ProgressEvent{Event: "plan_item", Tag: snap.Tag, Path: entry.Path, Total: total})

		dst := filepath.Join(targetDir, filepath.FromSlash(entry.Path))

		// Complete files are detected from local state alone; a second run
		// with no remote changes transfers zero bytes.
		if state.Exists && entry.Size != nil && state.Size == *entry.Size {
			if err := verifyEntry(entry, dst, cfg.VerifySize, cfg.VerifyHash); err == nil {
				mu.Lock()
				result.Skipped = append(result.Skipped, entry.Path)
				mu.Unlock()
				emit(ProgressEvent{Event: "file_done", Path: entry.Path, Message: "skip (already downloaded)"})
				continue
			}
			// Size matched but content did not; fall through and let the
			// fetcher discard and re-download.
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break LOOP
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)

			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				recordFailure(&mu, result, emit, entry.Path, err)
				return
			}

			emit(ProgressEvent{Event: "file_start", Path: entry.Path, Total: total, Downloaded: localSize(dst)})

			if err := f.fetch(ctx, entry, dst); err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				recordFailure(&mu, result, emit, entry.Path, &TransferError{Path: entry.Path, Err: err})
				return
			}

			mu.Lock()
			result.Succeeded = append(result.Succeeded, entry.Path)
			mu.Unlock()
			emit(ProgressEvent{Event: "file_done", Path: entry.Path})
		}()
	}

	wg.Wait()

	sort.Strings(result.Succeeded)
	sort.Strings(result.Skipped)

	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	emit(ProgressEvent{
		Event: "done",
		Tag:   snap.Tag,
		Message: fmt.Sprintf("sync complete (downloaded %d, skipped %d, failed %d)",
			len(result.Succeeded), len(result.Skipped), len(result.Failed)),
	})
	return result, nil
}

func recordFailure(mu *sync.Mutex, result *SyncResult, emit func(ProgressEvent), path string, err error) {
	mu.Lock()
	result.Failed[path] = err
	mu.Unlock()
	emit(ProgressEvent{Level: "error", Event: "error", Path: path, Message: err.Error()})
}

func applyDefaults(cfg *Settings) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 5
	}
	if cfg.BackoffInitial == "" {
		cfg.BackoffInitial = "500ms"
	}
	if cfg.BackoffMax == "" {
		cfg.BackoffMax = "32s"
	}
}
