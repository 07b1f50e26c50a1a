// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by the library.
var (
	// ErrMissingDataset is returned when no dataset identifier is given.
	ErrMissingDataset = errors.New("missing dataset identifier")

	// ErrDatasetNotFound is returned when the dataset or the requested tag
	// does not exist in the catalog. Not retryable.
	ErrDatasetNotFound = errors.New("dataset or snapshot not found")

	// ErrUnauthorized is returned when the catalog refuses access to a
	// restricted dataset.
	ErrUnauthorized = errors.New("not permitted to read this dataset")

	// ErrCatalogUnavailable is returned after the catalog could not be
	// reached within the retry budget.
	ErrCatalogUnavailable = errors.New("catalog unavailable")
)

// NotFoundError reports a missing dataset or snapshot tag.
// KnownTags, when populated, lists the tags that do exist.
type NotFoundError struct {
	Dataset   string
	Tag       string
	KnownTags []string
}

func (e *NotFoundError) Error() string {
	if e.Tag == "" {
		return fmt.Sprintf("dataset %s not found", e.Dataset)
	}
	msg := fmt.Sprintf("snapshot %s:%s not found", e.Dataset, e.Tag)
	if len(e.KnownTags) > 0 {
		msg += fmt.Sprintf(" (existing tags: %s)", strings.Join(e.KnownTags, ", "))
	}
	return msg
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrDatasetNotFound
}

// CatalogError reports a transport-level catalog failure.
type CatalogError struct {
	Op  string
	Err error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Op, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

func (e *CatalogError) Is(target error) bool {
	return target == ErrCatalogUnavailable
}

// NoMatchingFilesError is returned when a user-supplied include pattern
// matched no manifest entry. A typo in a path must surface immediately
// rather than produce an empty or partial download.
type NoMatchingFilesError struct {
	// Patterns lists the include patterns that matched nothing.
	Patterns []string

	// Suggestions maps each unmatched pattern to near-matching manifest
	// paths, when any were found.
	Suggestions map[string][]string
}

func (e *NoMatchingFilesError) Error() string {
	var b strings.Builder
	b.WriteString("no files in the dataset match the following include patterns:")
	for _, p := range e.Patterns {
		fmt.Fprintf(&b, "\n- %s", p)
		if close := e.Suggestions[p]; len(close) > 0 {
			b.WriteString("\n  perhaps you meant one of these paths:")
			for _, c := range close {
				fmt.Fprintf(&b, "\n  - %s", c)
			}
		}
	}
	b.WriteString("\nplease check your includes")
	return b.String()
}

// MismatchError is returned when the target directory already holds a
// different dataset or snapshot. Resuming into incompatible local data
// would corrupt it, so the run refuses to start.
type MismatchError struct {
	Dir       string
	Requested string // dataset id or dataset:tag requested
	Found     string // identity recorded in the local descriptor
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("target directory %s holds %s, but %s was requested; "+
		"remove the existing data or choose a different target directory",
		e.Dir, e.Found, e.Requested)
}

// TransferError wraps a per-file transfer failure with its path.
type TransferError struct {
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %v", e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// VerificationError is returned when a completed file fails the final
// size or hash check.
type VerificationError struct {
	Path     string
	Method   string // "size", "md5", "sha256"
	Expected string
	Actual   string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verification failed for %s: %s mismatch (expected %s, got %s)",
		e.Path, e.Method, e.Expected, e.Actual)
}

// retryableStatus reports whether an HTTP status hints at an intermittent
// server-side problem worth retrying.
func retryableStatus(code int) bool {
	switch code {
	case 408, 500, 502, 503, 504, 522, 524:
		return true
	default:
		return false
	}
}
