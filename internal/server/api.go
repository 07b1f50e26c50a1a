// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/neuroget/neuroget/pkg/neuroget"
)

// SyncRequest is the request body for starting a sync.
// Note: the target directory is NOT configurable via API for security
// reasons. The server mirrors each dataset under its configured DataDir.
type SyncRequest struct {
	Dataset string   `json:"dataset"`
	Tag     string   `json:"tag,omitempty"`
	Include []string `json:"include,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
	DryRun  bool     `json:"dryRun,omitempty"`
}

// PlanResponse is the response for a dry-run/plan request.
type PlanResponse struct {
	Dataset    string     `json:"dataset"`
	Tag        string     `json:"tag"`
	Files      []PlanFile `json:"files"`
	TotalSize  int64      `json:"totalSize"`
	TotalFiles int        `json:"totalFiles"`
}

// PlanFile represents a file in the plan.
type PlanFile struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// --- Handlers ---

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStartSync starts a new sync job.
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	if req.Dataset == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: dataset", "")
		return
	}

	// If dry-run, return the plan
	if req.DryRun {
		s.handlePlanInternal(w, req)
		return
	}

	job, wasExisting, err := s.jobs.CreateJob(req)
	if err != nil {
		// The only synchronous failure is an unparseable identifier.
		writeError(w, http.StatusBadRequest, "Invalid dataset identifier", err.Error())
		return
	}

	if wasExisting {
		// A sync for this dataset+tag is already in flight
		writeJSON(w, http.StatusOK, map[string]any{
			"job":     job,
			"message": "Sync already in progress",
		})
	} else {
		writeJSON(w, http.StatusAccepted, job)
	}
}

// handlePlan returns a sync plan without starting the transfer.
func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	req.DryRun = true
	s.handlePlanInternal(w, req)
}

func (s *Server) handlePlanInternal(w http.ResponseWriter, req SyncRequest) {
	if req.Dataset == "" {
		writeError(w, http.StatusBadRequest, "Missing required field: dataset", "")
		return
	}

	job := neuroget.Job{
		Dataset: req.Dataset,
		Tag:     req.Tag,
		Include: req.Include,
		Exclude: req.Exclude,
	}
	settings := s.jobs.settings("")

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	p, err := neuroget.PlanSync(ctx, job, settings)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, neuroget.ErrDatasetNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "Failed to resolve dataset", err.Error())
		return
	}

	var files []PlanFile
	var totalSize int64
	for _, it := range p.Items {
		var size int64
		if it.Size != nil {
			size = *it.Size
		}
		files = append(files, PlanFile{Path: it.Path, Size: size})
		totalSize += size
	}

	resp := PlanResponse{
		Dataset:    p.Snapshot.Dataset,
		Tag:        p.Snapshot.Tag,
		Files:      files,
		TotalSize:  totalSize,
		TotalFiles: len(files),
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleListJobs returns all jobs.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleGetJob returns a specific job.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	job, ok := s.jobs.GetJob(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Job not found", "")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// handleCancelJob cancels a job.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID", "")
		return
	}

	if s.jobs.CancelJob(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{
			Success: true,
			Message: "Job cancelled",
		})
	} else {
		writeError(w, http.StatusNotFound, "Job not found or already completed", "")
	}
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{
		Error:   message,
		Details: details,
	})
}
