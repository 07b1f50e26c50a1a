// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"path/filepath"
	"sync"
	"time"

	"github.com/neuroget/neuroget/pkg/neuroget"
)

// JobStatus represents the state of a sync job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Job represents a sync job.
type Job struct {
	ID        string            `json:"id"`
	Dataset   string            `json:"dataset"`
	Tag       string            `json:"tag,omitempty"`
	Include   []string          `json:"include,omitempty"`
	Exclude   []string          `json:"exclude,omitempty"`
	TargetDir string            `json:"targetDir"`
	Status    JobStatus         `json:"status"`
	Progress  JobProgress       `json:"progress"`
	Error     string            `json:"error,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
	StartedAt *time.Time        `json:"startedAt,omitempty"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
	Files     []JobFileProgress `json:"files,omitempty"`

	cancel context.CancelFunc `json:"-"`
}

// JobProgress holds aggregate progress info.
type JobProgress struct {
	TotalFiles      int   `json:"totalFiles"`
	CompletedFiles  int   `json:"completedFiles"`
	FailedFiles     int   `json:"failedFiles"`
	TotalBytes      int64 `json:"totalBytes"`
	DownloadedBytes int64 `json:"downloadedBytes"`
}

// JobFileProgress holds per-file progress.
type JobFileProgress struct {
	Path       string `json:"path"`
	TotalBytes int64  `json:"totalBytes"`
	Downloaded int64  `json:"downloaded"`
	Status     string `json:"status"` // pending, active, complete, skipped, error
	Error      string `json:"error,omitempty"`
}

// JobManager manages sync jobs.
type JobManager struct {
	mu         sync.RWMutex
	jobs       map[string]*Job
	config     Config
	listeners  []chan *Job
	listenerMu sync.RWMutex
	wsHub      *WSHub
}

// NewJobManager creates a new job manager.
func NewJobManager(cfg Config, wsHub *WSHub) *JobManager {
	return &JobManager{
		jobs:   make(map[string]*Job),
		config: cfg,
		wsHub:  wsHub,
	}
}

// generateID creates a short random ID.
func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateJob creates a new sync job.
// Returns the existing job if the same dataset+tag is already in progress.
func (m *JobManager) CreateJob(req SyncRequest) (*Job, bool, error) {
	ref, err := neuroget.ParseDatasetRef(req.Dataset, req.Tag)
	if err != nil {
		return nil, false, err
	}

	// Target directory is server-controlled, never taken from the request.
	targetDir := filepath.Join(m.config.DataDir, ref.ID)

	// Check for an existing active job for the same dataset+tag
	m.mu.Lock()
	for _, existing := range m.jobs {
		if existing.Dataset == ref.ID &&
			existing.Tag == ref.Tag &&
			(existing.Status == JobStatusQueued || existing.Status == JobStatusRunning) {
			m.mu.Unlock()
			return existing, true, nil
		}
	}

	// The cancel function must be in place before the job is visible, so a
	// CancelJob racing with the start of the run always stops it.
	ctx, cancel := context.WithCancel(context.Background())
	job := &Job{
		ID:        generateID(),
		Dataset:   ref.ID,
		Tag:       ref.Tag,
		Include:   req.Include,
		Exclude:   req.Exclude,
		TargetDir: targetDir,
		Status:    JobStatusQueued,
		CreatedAt: time.Now(),
		Progress:  JobProgress{},
		cancel:    cancel,
	}

	m.jobs[job.ID] = job
	m.mu.Unlock()

	go m.runJob(ctx, job)

	return job, false, nil
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	return job, ok
}

// ListJobs returns all jobs.
func (m *JobManager) ListJobs() []*Job {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// CancelJob cancels a running or queued job. Partial files stay on disk and
// resume when the same dataset is requested again.
func (m *JobManager) CancelJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false
	}

	if job.Status == JobStatusQueued || job.Status == JobStatusRunning {
		if job.cancel != nil {
			job.cancel()
		}
		job.Status = JobStatusCancelled
		now := time.Now()
		job.EndedAt = &now
		m.notifyListeners(job)
		return true
	}

	return false
}

// DeleteJob removes a job from the list.
func (m *JobManager) DeleteJob(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return false
	}

	if job.cancel != nil && (job.Status == JobStatusQueued || job.Status == JobStatusRunning) {
		job.cancel()
	}

	delete(m.jobs, id)
	return true
}

// Subscribe adds a listener for job updates.
func (m *JobManager) Subscribe() chan *Job {
	ch := make(chan *Job, 100)
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, ch)
	m.listenerMu.Unlock()
	return ch
}

// Unsubscribe removes a listener.
func (m *JobManager) Unsubscribe(ch chan *Job) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()

	for i, listener := range m.listeners {
		if listener == ch {
			m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *JobManager) notifyListeners(job *Job) {
	m.listenerMu.RLock()
	for _, ch := range m.listeners {
		select {
		case ch <- job:
		default:
			// Listener is slow, skip
		}
	}
	m.listenerMu.RUnlock()

	if m.wsHub != nil {
		m.wsHub.BroadcastJob(job)
	}
}

func (m *JobManager) settings(targetDir string) neuroget.Settings {
	cfg := neuroget.DefaultSettings()
	cfg.TargetDir = targetDir
	cfg.Token = m.config.Token
	cfg.Endpoint = m.config.Endpoint
	if m.config.Concurrency > 0 {
		cfg.Concurrency = m.config.Concurrency
	}
	if m.config.Retries > 0 {
		cfg.Retries = m.config.Retries
	}
	return cfg
}

// runJob executes the sync job.
func (m *JobManager) runJob(ctx context.Context, job *Job) {
	m.mu.Lock()
	if ctx.Err() != nil {
		// Cancelled while still queued; CancelJob already finalized it.
		m.mu.Unlock()
		return
	}
	job.Status = JobStatusRunning
	now := time.Now()
	job.StartedAt = &now
	m.mu.Unlock()
	m.notifyListeners(job)

	syncJob := neuroget.Job{
		Dataset: job.Dataset,
		Tag:     job.Tag,
		Include: job.Include,
		Exclude: job.Exclude,
	}
	settings := m.settings(job.TargetDir)

	// Progress callback - must not hold the lock when calling notifyListeners
	progressFunc := func(evt neuroget.ProgressEvent) {
		m.mu.Lock()

		switch evt.Event {
		case "plan_item":
			job.Progress.TotalFiles++
			job.Progress.TotalBytes += evt.Total
			job.Files = append(job.Files, JobFileProgress{
				Path:       evt.Path,
				TotalBytes: evt.Total,
				Status:     "pending",
			})

		case "file_start":
			for i := range job.Files {
				if job.Files[i].Path == evt.Path {
					job.Files[i].Status = "active"
					job.Files[i].Downloaded = evt.Downloaded
					break
				}
			}

		case "file_progress":
			for i := range job.Files {
				if job.Files[i].Path == evt.Path {
					job.Files[i].Downloaded = evt.Downloaded
					break
				}
			}
			var total int64
			for _, f := range job.Files {
				total += f.Downloaded
			}
			job.Progress.DownloadedBytes = total

		case "file_done":
			for i := range job.Files {
				if job.Files[i].Path == evt.Path {
					if evt.Message != "" {
						job.Files[i].Status = "skipped"
					} else {
						job.Files[i].Status = "complete"
					}
					job.Files[i].Downloaded = job.Files[i].TotalBytes
					break
				}
			}
			job.Progress.CompletedFiles++
			var total int64
			for _, f := range job.Files {
				total += f.Downloaded
			}
			job.Progress.DownloadedBytes = total

		case "error":
			for i := range job.Files {
				if job.Files[i].Path == evt.Path {
					job.Files[i].Status = "error"
					job.Files[i].Error = evt.Message
					break
				}
			}
			job.Progress.FailedFiles++
		}

		m.mu.Unlock() // Unlock BEFORE notifying to avoid deadlock
		m.notifyListeners(job)
	}

	result, err := neuroget.Sync(ctx, syncJob, settings, progressFunc)

	m.mu.Lock()
	endTime := time.Now()
	job.EndedAt = &endTime
	if ctx.Err() != nil {
		job.Status = JobStatusCancelled
	} else if err != nil {
		job.Status = JobStatusFailed
		job.Error = err.Error()
	} else if result != nil && !result.OK() {
		job.Status = JobStatusFailed
		job.Error = "some files failed to download"
	} else {
		job.Status = JobStatusCompleted
	}
	m.mu.Unlock()

	m.notifyListeners(job)
}
