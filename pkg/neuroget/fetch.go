// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// fetcher performs the byte transfer for single files. Each task owns its
// destination file exclusively; bytes are appended in offset order and a
// partial file is only ever discarded on a verified integrity mismatch.
type fetcher struct {
	httpc      *http.Client
	token      string
	retries    int
	initial    string
	max        string
	verifySize bool
	verifyHash bool
	clock      clockwork.Clock
	emit       func(ProgressEvent)
}

// fetch brings dst up to date with entry, resuming from the current local
// length. Transient failures retry with backoff; an integrity mismatch
// after a complete transfer triggers exactly one full re-fetch.
func (f *fetcher) fetch(ctx context.Context, entry ManifestEntry, dst string) error {
	// Opportunistic HEAD: the catalog does not always know size or hash,
	// but the transfer server usually reports both.
	f.headMetadata(ctx, &entry)

	retry := newBackoff(f.initial, f.max)
	integrityRetried := false
	var lastErr error

	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			f.emit(ProgressEvent{Event: "retry", Path: entry.Path, Attempt: attempt, Message: lastErr.Error()})
			if !sleepCtx(ctx, f.clock, retry.Next()) {
				return ctx.Err()
			}
		}

		err := f.transferOnce(ctx, entry, dst)
		if err == nil {
			err = verifyEntry(entry, dst, f.verifySize, f.verifyHash)
			if err == nil {
				return nil
			}
			if _, mismatch := err.(*VerificationError); mismatch {
				// Discard the corrupt copy. One full re-fetch is allowed
				// before the mismatch becomes terminal.
				os.Remove(dst)
				if integrityRetried {
					return err
				}
				integrityRetried = true
				lastErr = err
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			// Leave the partial file intact; the next run resumes it.
			return ctx.Err()
		}
		var transient *transientError
		if !errors.As(err, &transient) {
			return err
		}
		lastErr = transient.err
	}
	return lastErr
}

// transientError marks failures worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// transferOnce performs one transfer attempt: a ranged request starting at
// the current local size, streaming appended bytes to disk.
func (f *fetcher) transferOnce(ctx context.Context, entry ManifestEntry, dst string) error {
	offset := localSize(dst)

	// A local file larger than the remote cannot be resumed; discard it.
	if entry.Size != nil && offset > *entry.Size {
		if err := os.Remove(dst); err != nil {
			return err
		}
		offset = 0
	}
	// Nothing left to transfer; verification decides what happens next.
	if entry.Size != nil && offset == *entry.Size {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, entry.URL, nil)
	if err != nil {
		return err
	}
	addAuth(req, f.token)
	// Compression would break the bytes-received == bytes-written
	// arithmetic the resume offsets depend on.
	req.Header.Set("Accept-Encoding", "identity")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.httpc.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPartialContent:
		// Server honored the range; append below.
	case resp.StatusCode == http.StatusOK:
		if offset > 0 {
			// Server ignored the range request and is sending the full
			// content. Restart from zero rather than double-writing.
			if err := os.Remove(dst); err != nil {
				return err
			}
			offset = 0
		}
	case resp.StatusCode == http.StatusRequestedRangeNotSatisfiable && offset > 0:
		// The local file already covers the remote length. Happens for
		// entries whose size the catalog did not report.
		return nil
	case retryableStatus(resp.StatusCode):
		return &transientError{err: fmt.Errorf("server returned %s", resp.Status)}
	default:
		return fmt.Errorf("error %s when downloading %s", resp.Status, entry.Path)
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	total := int64(0)
	if entry.Size != nil {
		total = *entry.Size
	}
	pr := &progressReader{
		reader:     resp.Body,
		path:       entry.Path,
		total:      total,
		downloaded: offset,
		emit:       f.emit,
		lastEmit:   time.Now(),
		interval:   200 * time.Millisecond,
	}
	if _, err := io.Copy(out, pr); err != nil {
		// The bytes written so far stay on disk; the next attempt resumes
		// from the new local length.
		return &transientError{err: err}
	}
	pr.flush()
	return out.Close()
}

// headMetadata fills in size and hash from the transfer server when the
// catalog did not report them. S3-backed servers expose an md5 etag.
// Failures here are harmless; verification simply has less to check.
func (f *fetcher) headMetadata(ctx context.Context, entry *ManifestEntry) {
	if entry.Size != nil && entry.Hash != "" {
		return
	}
	headCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, entry.URL, nil)
	if err != nil {
		return
	}
	addAuth(req, f.token)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return
	}

	if entry.Size == nil {
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n >= 0 {
				entry.Size = &n
			}
		}
	}
	if entry.Hash == "" {
		etag := strings.Trim(resp.Header.Get("ETag"), `"`)
		// Multipart uploads produce etags like "<md5>-<parts>", which are
		// not content hashes.
		if hashAlgoFor(etag) == "md5" {
			entry.Hash = etag
		}
	}
}

func localSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// progressReader wraps the response body and emits throttled
// file_progress events with byte deltas as data arrives.
type progressReader struct {
	reader     io.Reader
	path       string
	total      int64
	downloaded int64
	sinceEmit  int64
	emit       func(ProgressEvent)
	lastEmit   time.Time
	interval   time.Duration
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		pr.sinceEmit += int64(n)
		if time.Since(pr.lastEmit) >= pr.interval {
			pr.flush()
		}
	}
	return n, err
}

func (pr *progressReader) flush() {
	if pr.sinceEmit == 0 {
		return
	}
	pr.emit(ProgressEvent{
		Event:      "file_progress",
		Path:       pr.path,
		Bytes:      pr.sinceEmit,
		Total:      pr.total,
		Downloaded: pr.downloaded,
	})
	pr.sinceEmit = 0
	pr.lastEmit = time.Now()
}
