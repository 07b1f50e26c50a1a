// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package neuroget

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRemote serves both the GraphQL catalog and the file bytes for one
// dataset snapshot, the way a full sync run sees them.
type fakeRemote struct {
	dataset string
	tag     string
	baseURL string
	files   map[string][]byte // path -> served content

	// manifestOnly lists paths advertised by the catalog whose transfer
	// endpoint answers 404, for failure-isolation tests.
	manifestOnly map[string]int64

	mu       sync.Mutex
	fileGets map[string]int
}

func newFakeRemote(t *testing.T, dataset, tag string, files map[string][]byte) (*fakeRemote, *httptest.Server) {
	t.Helper()
	fr := &fakeRemote{
		dataset:  dataset,
		tag:      tag,
		files:    files,
		fileGets: make(map[string]int),
	}
	ts := httptest.NewServer(fr)
	t.Cleanup(ts.Close)
	fr.baseURL = ts.URL
	return fr, ts
}

func (fr *fakeRemote) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/crn/graphql" {
		fr.serveGraphQL(w, r)
		return
	}
	if path, ok := strings.CutPrefix(r.URL.Path, "/files/"); ok {
		fr.serveFile(w, r, path)
		return
	}
	http.NotFound(w, r)
}

func (fr *fakeRemote) manifest() map[string]any {
	var entries []gqlFile
	add := func(path string, size int64) {
		s := size
		entries = append(entries, gqlFile{
			ID:       "file-" + path,
			Filename: path,
			Size:     &s,
			Urls:     []string{fr.baseURL + "/files/" + path},
		})
	}
	for path, content := range fr.files {
		add(path, int64(len(content)))
	}
	for path, size := range fr.manifestOnly {
		add(path, size)
	}
	return map[string]any{"id": fr.dataset + ":" + fr.tag, "files": entries}
}

func (fr *fakeRemote) serveGraphQL(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Query string `json:"query"`
	}
	json.NewDecoder(r.Body).Decode(&req)
	w.Header().Set("Content-Type", "application/json")

	switch {
	case strings.Contains(req.Query, "latestSnapshot"):
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"dataset": map[string]any{"latestSnapshot": fr.manifest()}},
		})
	case strings.Contains(req.Query, "snapshots"):
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"dataset": map[string]any{"snapshots": []map[string]string{
				{"id": fr.dataset + ":" + fr.tag},
			}}},
		})
	default:
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"snapshot": fr.manifest()},
		})
	}
}

func (fr *fakeRemote) serveFile(w http.ResponseWriter, r *http.Request, path string) {
	content, ok := fr.files[path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method == http.MethodGet {
		fr.mu.Lock()
		fr.fileGets[path]++
		fr.mu.Unlock()
	}
	rng := r.Header.Get("Range")
	if rng != "" {
		offset, _ := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"), 10, 64)
		if offset >= int64(len(content)) {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[offset:])
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Write(content)
}

func (fr *fakeRemote) totalFileGets() int {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	n := 0
	for _, c := range fr.fileGets {
		n += c
	}
	return n
}

func testSettings(ts *httptest.Server, dir string) Settings {
	cfg := DefaultSettings()
	cfg.Endpoint = ts.URL
	cfg.TargetDir = dir
	cfg.Retries = 1
	cfg.BackoffInitial = "1ms"
	cfg.BackoffMax = "2ms"
	return cfg
}

func TestSyncDownloadsEverything(t *testing.T) {
	fr, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"README":   []byte("readme body that is long enough to not look like an error document"),
		"data.tsv": []byte(strings.Repeat("row\t1\n", 50)),
	})

	dir := t.TempDir()
	var mu sync.Mutex
	var events []ProgressEvent
	result, err := Sync(context.Background(), Job{Dataset: "ds000001"}, testSettings(ts, dir), func(ev ProgressEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	require.True(t, result.OK())
	assert.ElementsMatch(t, []string{"README", "data.tsv"}, result.Succeeded)
	assert.Empty(t, result.Skipped)

	for path, content := range fr.files {
		got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(path)))
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}

	var sawDone bool
	for _, ev := range events {
		if ev.Event == "done" {
			sawDone = true
			assert.Equal(t, "ds000001", ev.Dataset)
		}
	}
	assert.True(t, sawDone)
}

func TestSyncSecondRunTransfersNothing(t *testing.T) {
	fr, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"README":   []byte("readme body that is long enough to not look like an error document"),
		"data.tsv": []byte(strings.Repeat("row\t1\n", 50)),
	})

	dir := t.TempDir()
	cfg := testSettings(ts, dir)

	first, err := Sync(context.Background(), Job{Dataset: "ds000001"}, cfg, nil)
	require.NoError(t, err)
	require.True(t, first.OK())
	getsAfterFirst := fr.totalFileGets()

	second, err := Sync(context.Background(), Job{Dataset: "ds000001"}, cfg, nil)
	require.NoError(t, err)
	require.True(t, second.OK())
	assert.Empty(t, second.Succeeded)
	assert.ElementsMatch(t, []string{"README", "data.tsv"}, second.Skipped)
	assert.Equal(t, getsAfterFirst, fr.totalFileGets())
}

func TestSyncResumesPartialFile(t *testing.T) {
	content := []byte(strings.Repeat("0123456789", 40))
	_, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"big.dat": content,
	})

	dir := t.TempDir()
	// Simulate an interrupted earlier run.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "big.dat"), content[:150], 0o644))

	result, err := Sync(context.Background(), Job{Dataset: "ds000001"}, testSettings(ts, dir), nil)
	require.NoError(t, err)
	require.True(t, result.OK())

	got, err := os.ReadFile(filepath.Join(dir, "big.dat"))
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestSyncIsolatesPerFileFailures(t *testing.T) {
	fr, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"good-a.txt": []byte("first file with plenty of perfectly ordinary content in it"),
		"good-b.txt": []byte("second file with plenty of perfectly ordinary content too"),
	})
	fr.manifestOnly = map[string]int64{"bad.txt": 57}

	dir := t.TempDir()
	result, err := Sync(context.Background(), Job{Dataset: "ds000001"}, testSettings(ts, dir), nil)
	require.NoError(t, err, "per-file failures must not abort the run")
	assert.False(t, result.OK())
	assert.ElementsMatch(t, []string{"good-a.txt", "good-b.txt"}, result.Succeeded)

	require.Contains(t, result.Failed, "bad.txt")
	var terr *TransferError
	assert.ErrorAs(t, result.Failed["bad.txt"], &terr)

	// The good files landed despite the failure.
	_, err = os.Stat(filepath.Join(dir, "good-a.txt"))
	assert.NoError(t, err)
}

func TestSyncRefusesMismatchedTargetDir(t *testing.T) {
	_, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"data.tsv": []byte(strings.Repeat("row\t1\n", 50)),
	})

	dir := t.TempDir()
	descriptor := []byte(`{"Name":"other","DatasetDOI":"doi:10.18112/openneuro.ds999999.v1.0.0"}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dataset_description.json"), descriptor, 0o644))

	_, err := Sync(context.Background(), Job{Dataset: "ds000001"}, testSettings(ts, dir), nil)
	var merr *MismatchError
	require.ErrorAs(t, err, &merr)
	assert.Contains(t, merr.Found, "ds999999")
}

func TestSyncUnmatchedIncludeAbortsBeforeTransfer(t *testing.T) {
	fr, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"data.tsv": []byte(strings.Repeat("row\t1\n", 50)),
	})

	dir := t.TempDir()
	_, err := Sync(context.Background(), Job{Dataset: "ds000001", Include: []string{"sub-99"}}, testSettings(ts, dir), nil)

	var nmf *NoMatchingFilesError
	require.ErrorAs(t, err, &nmf)
	assert.Equal(t, 0, fr.totalFileGets())
}

func TestSyncCancelledContext(t *testing.T) {
	_, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"data.tsv": []byte(strings.Repeat("row\t1\n", 50)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Sync(ctx, Job{Dataset: "ds000001"}, testSettings(ts, t.TempDir()), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSyncDOIIdentifierPinsTag(t *testing.T) {
	_, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"README": []byte("readme body that is long enough to not look like an error document"),
	})

	dir := t.TempDir()
	result, err := Sync(context.Background(),
		Job{Dataset: "doi:10.18112/openneuro.ds000001.v1.0.0"},
		testSettings(ts, dir), nil)
	require.NoError(t, err)
	assert.True(t, result.OK())
	assert.Equal(t, []string{"README"}, result.Succeeded)
}

func TestPlanSyncListsWithoutTransferring(t *testing.T) {
	fr, ts := newFakeRemote(t, "ds000001", "1.0.0", map[string][]byte{
		"README":   []byte("readme body that is long enough to not look like an error document"),
		"data.tsv": []byte(strings.Repeat("row\t1\n", 50)),
	})

	plan, err := PlanSync(context.Background(), Job{Dataset: "ds000001", Tag: "1.0.0"}, testSettings(ts, t.TempDir()))
	require.NoError(t, err)
	assert.Equal(t, "ds000001", plan.Snapshot.Dataset)
	assert.Equal(t, "1.0.0", plan.Snapshot.Tag)
	assert.Len(t, plan.Items, 2)
	assert.Equal(t, 0, fr.totalFileGets())
}
