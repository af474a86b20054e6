// Package rest is the admin HTTP API of a node: MapReduce job submission
// and inspection, and read access to group membership.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/nemanja-m/distrib/internal/all"
	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/mr"
	"github.com/nemanja-m/distrib/internal/shared/config"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/jobs"
	"github.com/nemanja-m/distrib/pkg/local"
)

const defaultLimit = 10

// JobService runs and records MapReduce jobs.
type JobService interface {
	Submit(cfg mr.Config, batches bool) (string, error)
	GetJob(jobID string) (*mr.JobRecord, error)
	GetJobs(filter mr.JobFilter) ([]*mr.JobRecord, int, error)
}

// GroupView reads the local group table.
type GroupView interface {
	Get(gid string) (groups.Group, error)
	Config(gid string) (groups.Config, error)
}

// Loader stores local input files in a group before a job reads them.
type Loader interface {
	Load(ctx context.Context, gid string, patterns []string) (int, error)
}

type API struct {
	jobs   JobService
	groups GroupView
	loader Loader
	logger logging.Logger
}

func NewAPI(jobService JobService, groupView GroupView, loader Loader, logger logging.Logger) *API {
	return &API{
		jobs:   jobService,
		groups: groupView,
		loader: loader,
		logger: logger,
	}
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/jobs", a.submitJob)
	mux.HandleFunc("GET /api/jobs", a.listJobs)
	mux.HandleFunc("GET /api/jobs/{id}", a.getJob)
	mux.HandleFunc("GET /api/groups/{gid}", a.getGroup)
}

func (a *API) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	if err := a.validateSubmitJobRequest(&req); err != nil {
		a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
		return
	}

	var loaded int
	if req.Input != nil {
		if a.loader == nil {
			a.respondError(w, http.StatusBadRequest, "validation failed", "loading input is not supported")
			return
		}
		n, err := a.loader.Load(r.Context(), req.GID, req.Input.Paths)
		if err != nil {
			if isInvalidJob(err) {
				a.respondError(w, http.StatusBadRequest, "invalid input", err.Error())
				return
			}
			a.logger.Error("Failed to load input", "gid", req.GID, "error", err)
			a.respondError(w, http.StatusInternalServerError, "failed to load input", err.Error())
			return
		}
		loaded = n
	}

	jobID, err := a.jobs.Submit(req.ToConfig(), req.Batched())
	if err != nil {
		if isInvalidJob(err) {
			a.respondError(w, http.StatusBadRequest, "validation failed", err.Error())
			return
		}
		a.logger.Error("Failed to submit job", "job", req.Job, "gid", req.GID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to submit job", err.Error())
		return
	}

	job, err := a.jobs.GetJob(jobID)
	if err != nil {
		a.logger.Error("Failed to load submitted job", "job_id", jobID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to load job", err.Error())
		return
	}

	a.logger.Info("Job submitted", "job_id", jobID, "job", req.Job, "gid", req.GID)
	a.respondJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID:       jobID,
		Status:      string(job.Status),
		SubmittedAt: job.SubmittedAt,
		LoadedLines: loaded,
		Links: Links{
			Self: fmt.Sprintf("/api/jobs/%s", jobID),
		},
	})
}

// isInvalidJob reports errors caused by the submitted configuration.
func isInvalidJob(err error) bool {
	return errors.Is(err, jobs.ErrJobNotFound) ||
		errors.Is(err, groups.ErrGroupNotFound) ||
		errors.Is(err, all.ErrEmptyGroup) ||
		errors.Is(err, mr.ErrUnknownSource) ||
		errors.Is(err, mr.ErrNotMember) ||
		errors.Is(err, local.ErrNoInput)
}

// getJob handles GET /api/jobs/{id}
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		a.respondError(w, http.StatusBadRequest, "job ID required", "")
		return
	}

	job, err := a.jobs.GetJob(jobID)
	if err != nil {
		if errors.Is(err, mr.ErrRecordNotFound) {
			a.respondError(w, http.StatusNotFound, "job not found", "")
			return
		}
		a.logger.Error("Failed to get job", "job_id", jobID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to get job", err.Error())
		return
	}

	a.respondJSON(w, http.StatusOK, ToGetJobResponse(job))
}

// listJobs handles GET /api/jobs with filters and pagination
func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := mr.JobFilter{Limit: defaultLimit}
	if s := query.Get("status"); s != "" {
		status, err := parseStatus(s)
		if err != nil {
			a.respondError(w, http.StatusBadRequest, "invalid status", err.Error())
			return
		}
		filter.Status = &status
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	page, total, err := a.jobs.GetJobs(filter)
	if err != nil {
		a.logger.Error("Failed to list jobs", "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to list jobs", err.Error())
		return
	}

	summaries := make([]JobSummary, 0, len(page))
	for _, job := range page {
		summaries = append(summaries, ToJobSummary(job))
	}

	var nextOffset *int
	if end := filter.Offset + len(page); end < total {
		nextOffset = &end
	}

	a.respondJSON(w, http.StatusOK, ListJobsResponse{
		Jobs:       summaries,
		Total:      total,
		Limit:      filter.Limit,
		Offset:     filter.Offset,
		NextOffset: nextOffset,
	})
}

func parseStatus(s string) (mr.JobStatus, error) {
	status := mr.JobStatus(strings.ToUpper(s))
	switch status {
	case mr.JobStatusPending, mr.JobStatusRunning, mr.JobStatusCompleted, mr.JobStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// getGroup handles GET /api/groups/{gid}
func (a *API) getGroup(w http.ResponseWriter, r *http.Request) {
	gid := r.PathValue("gid")

	group, err := a.groups.Get(gid)
	if err != nil {
		if errors.Is(err, groups.ErrGroupNotFound) {
			a.respondError(w, http.StatusNotFound, "group not found", "")
			return
		}
		a.respondError(w, http.StatusInternalServerError, "failed to get group", err.Error())
		return
	}

	cfg, err := a.groups.Config(gid)
	if err != nil {
		// "local" has no stored configuration.
		cfg = groups.Config{GID: gid}
	}
	a.respondJSON(w, http.StatusOK, ToGetGroupResponse(cfg, group))
}

func (a *API) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("Failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, statusCode int, error string, message string) {
	resp := ErrorResponse{
		Error:   error,
		Message: message,
		Code:    statusCode,
	}
	a.respondJSON(w, statusCode, resp)
}

// NewServer builds the admin HTTP server listening on cfg.Addr.
func NewServer(cfg config.AdminConfig, jobService JobService, groupView GroupView, loader Loader, logger logging.Logger) *http.Server {
	api := NewAPI(jobService, groupView, loader, logger)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	handler := comm.ChainMiddleware(
		mux,
		comm.RecoveryMiddleware(logger),
		comm.LoggingMiddleware(logger),
	)

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func (a *API) validateSubmitJobRequest(req *SubmitJobRequest) error {
	if req.Job == "" {
		return errors.New("job is required")
	}
	if req.GID == "" {
		return errors.New("gid is required")
	}
	if req.Batch != nil && req.Batch.Size <= 0 {
		return errors.New("batch size must be greater than 0")
	}
	if req.Input != nil && len(req.Input.Paths) == 0 {
		return errors.New("at least one input path is required")
	}
	return nil
}
