// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

// hangingCatalog keeps catalog queries open so jobs stay in the running
// state for the duration of a test.
func hangingCatalog(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)
	return ts
}

func testManager(t *testing.T, endpoint string) *JobManager {
	t.Helper()
	cfg := Config{
		DataDir:     "./test_datasets",
		Concurrency: 2,
		Retries:     1,
		Endpoint:    endpoint,
	}
	hub := NewWSHub()
	go hub.Run()

	mgr := NewJobManager(cfg, hub)
	t.Cleanup(func() {
		for _, job := range mgr.ListJobs() {
			mgr.CancelJob(job.ID)
		}
	})
	return mgr
}

func TestJobManager_CreateJob(t *testing.T) {
	ts := hangingCatalog(t)
	mgr := testManager(t, ts.URL)

	t.Run("creates job with server-controlled target dir", func(t *testing.T) {
		job, wasExisting, err := mgr.CreateJob(SyncRequest{Dataset: "ds000123"})
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if wasExisting {
			t.Error("Expected new job, got existing")
		}
		want := filepath.Join("./test_datasets", "ds000123")
		if job.TargetDir != want {
			t.Errorf("Expected target dir %s, got %s", want, job.TargetDir)
		}
		if job.Dataset != "ds000123" {
			t.Errorf("Expected dataset ds000123, got %s", job.Dataset)
		}
	})

	t.Run("normalizes DOI identifiers", func(t *testing.T) {
		job, _, err := mgr.CreateJob(SyncRequest{Dataset: "doi:10.18112/openneuro.ds000777.v1.0.0"})
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if job.Dataset != "ds000777" {
			t.Errorf("Expected dataset ds000777, got %s", job.Dataset)
		}
		if job.Tag != "1.0.0" {
			t.Errorf("Expected tag 1.0.0, got %s", job.Tag)
		}
	})

	t.Run("rejects invalid identifiers", func(t *testing.T) {
		_, _, err := mgr.CreateJob(SyncRequest{Dataset: "not-a-dataset"})
		if err == nil {
			t.Fatal("Expected error for invalid dataset id")
		}
	})
}

func TestJobManager_Deduplication(t *testing.T) {
	ts := hangingCatalog(t)
	mgr := testManager(t, ts.URL)

	first, wasExisting, err := mgr.CreateJob(SyncRequest{Dataset: "ds000001", Tag: "1.0.0"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if wasExisting {
		t.Fatal("First job reported as existing")
	}

	second, wasExisting, err := mgr.CreateJob(SyncRequest{Dataset: "ds000001", Tag: "1.0.0"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if !wasExisting {
		t.Error("Expected duplicate to return the existing job")
	}
	if second.ID != first.ID {
		t.Errorf("Expected job %s, got %s", first.ID, second.ID)
	}

	// A different tag is a different job.
	third, wasExisting, err := mgr.CreateJob(SyncRequest{Dataset: "ds000001", Tag: "2.0.0"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if wasExisting {
		t.Error("Different tag must not deduplicate")
	}
	if third.ID == first.ID {
		t.Error("Expected a new job id for the new tag")
	}
}

func TestJobManager_CancelJob(t *testing.T) {
	ts := hangingCatalog(t)
	mgr := testManager(t, ts.URL)

	job, _, err := mgr.CreateJob(SyncRequest{Dataset: "ds000002"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if !mgr.CancelJob(job.ID) {
		t.Fatal("CancelJob returned false for an active job")
	}

	got, ok := mgr.GetJob(job.ID)
	if !ok {
		t.Fatal("Job disappeared after cancel")
	}
	if got.Status != JobStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", got.Status)
	}
	if got.EndedAt == nil {
		t.Error("Expected EndedAt to be set")
	}

	if mgr.CancelJob("does-not-exist") {
		t.Error("CancelJob returned true for an unknown id")
	}
	if mgr.CancelJob(job.ID) {
		t.Error("CancelJob returned true for an already cancelled job")
	}
}

func TestJobManager_CancelImmediatelyAfterCreate(t *testing.T) {
	ts := hangingCatalog(t)
	mgr := testManager(t, ts.URL)

	// The cancel function is wired before the job goroutine starts, so a
	// cancel landing right after CreateJob must stop the run for real.
	var ids []string
	for i := 0; i < 20; i++ {
		job, _, err := mgr.CreateJob(SyncRequest{Dataset: fmt.Sprintf("ds%06d", 100+i)})
		if err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
		if !mgr.CancelJob(job.ID) {
			t.Fatal("CancelJob returned false immediately after create")
		}
		ids = append(ids, job.ID)
	}

	// Every run must wind down as cancelled; a job stuck talking to the
	// catalog means its context was never cancelled.
	deadline := time.After(10 * time.Second)
	for {
		settled := true
		for _, id := range ids {
			got, _ := mgr.GetJob(id)
			if got.Status != JobStatusCancelled {
				settled = false
				break
			}
		}
		if settled {
			return
		}
		select {
		case <-deadline:
			t.Fatal("Cancelled jobs did not settle in the cancelled state")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestJobManager_DeleteJob(t *testing.T) {
	ts := hangingCatalog(t)
	mgr := testManager(t, ts.URL)

	job, _, err := mgr.CreateJob(SyncRequest{Dataset: "ds000003"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	if !mgr.DeleteJob(job.ID) {
		t.Fatal("DeleteJob returned false")
	}
	if _, ok := mgr.GetJob(job.ID); ok {
		t.Error("Job still listed after delete")
	}
	if mgr.DeleteJob(job.ID) {
		t.Error("DeleteJob returned true for a deleted job")
	}
}

func TestJobManager_FailedRunMarksJob(t *testing.T) {
	// A catalog that 404s every query makes the sync fail fast.
	ts := httptest.NewServer(http.HandlerFunc(http.NotFound))
	t.Cleanup(ts.Close)
	mgr := testManager(t, ts.URL)

	job, _, err := mgr.CreateJob(SyncRequest{Dataset: "ds000004"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	deadline := time.After(10 * time.Second)
	for {
		got, _ := mgr.GetJob(job.ID)
		if got.Status == JobStatusFailed {
			if got.Error == "" {
				t.Error("Expected the job error to be recorded")
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("Job never failed; status %s", got.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
