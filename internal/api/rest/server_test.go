package rest

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/mr"
	"github.com/nemanja-m/distrib/internal/shared/config"
	"github.com/nemanja-m/distrib/pkg/core"
	"github.com/nemanja-m/distrib/pkg/id"
	"github.com/nemanja-m/distrib/pkg/jobs"
	"github.com/nemanja-m/distrib/pkg/local"
)

func newTestMux(jobService JobService, table *groups.Table) *http.ServeMux {
	return newTestMuxWithLoader(jobService, table, nil)
}

func newTestMuxWithLoader(jobService JobService, table *groups.Table, loader Loader) *http.ServeMux {
	api := NewAPI(jobService, table, loader, newMockLogger())
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)
	return mux
}

func newTestTable() *groups.Table {
	return groups.NewTable(id.Node{IP: "127.0.0.1", Port: 7000})
}

func TestSubmitJob(t *testing.T) {
	jobService := &mockJobs{}
	mux := newTestMux(jobService, newTestTable())

	body, _ := json.Marshal(SubmitJobRequest{Job: "wordcount", GID: "g"})
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", bytes.NewReader(body))
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}

	var resp SubmitJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if resp.JobID == "" {
		t.Error("Expected job ID to be set")
	}
	if resp.Status != "PENDING" {
		t.Errorf("Expected status PENDING, got %s", resp.Status)
	}
	if resp.Links.Self != "/api/jobs/"+resp.JobID {
		t.Errorf("Unexpected self link %s", resp.Links.Self)
	}
	if len(jobService.submitted) != 1 || jobService.submitted[0].Job != "wordcount" {
		t.Errorf("Expected one wordcount submission, got %+v", jobService.submitted)
	}
	if jobService.batched[0] {
		t.Error("Expected a single round job")
	}
}

func TestSubmitJob_Batched(t *testing.T) {
	jobService := &mockJobs{}
	mux := newTestMux(jobService, newTestTable())

	body := `{"job":"wordcount","gid":"g","source":"mem","batch":{"size":5}}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()

	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", w.Code)
	}
	cfg := jobService.submitted[0]
	if cfg.BatchSize != 5 || cfg.Source != mr.SourceMem {
		t.Errorf("Unexpected config %+v", cfg)
	}
	if !jobService.batched[0] {
		t.Error("Expected a batched job")
	}
}

func TestSubmitJob_LoadsInputFirst(t *testing.T) {
	jobService := &mockJobs{}
	loader := &mockLoader{lines: 12}
	mux := newTestMuxWithLoader(jobService, newTestTable(), loader)

	body := `{"job":"wordcount","gid":"g","input":{"paths":["data/**/*.txt"]}}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	var resp SubmitJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.LoadedLines != 12 {
		t.Errorf("Expected 12 loaded lines, got %d", resp.LoadedLines)
	}
	if loader.gid != "g" || len(loader.patterns) != 1 || loader.patterns[0] != "data/**/*.txt" {
		t.Errorf("Unexpected load of %s %v", loader.gid, loader.patterns)
	}
}

func TestSubmitJob_InputErrors(t *testing.T) {
	tests := []struct {
		name   string
		loader Loader
		code   int
	}{
		{"no loader", nil, http.StatusBadRequest},
		{"no files", &mockLoader{err: local.ErrNoInput}, http.StatusBadRequest},
		{"unknown group", &mockLoader{err: groups.ErrGroupNotFound}, http.StatusBadRequest},
		{"store failure", &mockLoader{err: errors.New("connection refused")}, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobService := &mockJobs{}
			mux := newTestMuxWithLoader(jobService, newTestTable(), tt.loader)

			body := `{"job":"wordcount","gid":"g","input":{"paths":["*.txt"]}}`
			req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, w.Code)
			}
			if len(jobService.submitted) != 0 {
				t.Error("Expected nothing to be submitted")
			}
		})
	}
}

func TestSubmitJob_InvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"job":`},
		{"missing job", `{"gid":"g"}`},
		{"missing gid", `{"job":"wordcount"}`},
		{"bad batch size", `{"job":"wordcount","gid":"g","batch":{"size":0}}`},
		{"empty input", `{"job":"wordcount","gid":"g","input":{"paths":[]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobService := &mockJobs{}
			mux := newTestMux(jobService, newTestTable())

			req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d", w.Code)
			}
			if len(jobService.submitted) != 0 {
				t.Error("Expected nothing to be submitted")
			}

			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Code != http.StatusBadRequest || resp.Error == "" {
				t.Errorf("Unexpected error response %+v", resp)
			}
		})
	}
}

func TestSubmitJob_SubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"unknown job", jobs.ErrJobNotFound, http.StatusBadRequest},
		{"unknown group", groups.ErrGroupNotFound, http.StatusBadRequest},
		{"unknown source", mr.ErrUnknownSource, http.StatusBadRequest},
		{"not a member", mr.ErrNotMember, http.StatusBadRequest},
		{"other", errors.New("disk full"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(&mockJobs{submitErr: tt.err}, newTestTable())

			req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"job":"x","gid":"g"}`))
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			if w.Code != tt.code {
				t.Errorf("Expected status %d, got %d", tt.code, w.Code)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	completed := time.Now().UTC()
	jobService := &mockJobs{jobs: []*mr.JobRecord{{
		ID:            "mr-1",
		Config:        mr.Config{Job: "wordcount", GID: "g"},
		Status:        mr.JobStatusCompleted,
		Phase:         mr.PhaseDone,
		Nodes:         3,
		ProcessedKeys: 4,
		Results:       []core.KeyValue{{Key: "hello", Value: "2"}},
		CompletedAt:   &completed,
	}}}
	mux := newTestMux(jobService, newTestTable())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/mr-1", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var resp GetJobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "COMPLETED" || resp.Phase != "DONE" {
		t.Errorf("Unexpected status %s / phase %s", resp.Status, resp.Phase)
	}
	if resp.Progress.Nodes != 3 || resp.Progress.ProcessedKeys != 4 {
		t.Errorf("Unexpected progress %+v", resp.Progress)
	}
	if len(resp.Results) != 1 || resp.Results[0] != (KeyValue{Key: "hello", Value: "2"}) {
		t.Errorf("Unexpected results %+v", resp.Results)
	}
	if resp.Timestamps.Completed == nil {
		t.Error("Expected completion time")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	mux := newTestMux(&mockJobs{}, newTestTable())

	req := httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestListJobs(t *testing.T) {
	jobService := &mockJobs{}
	for range 5 {
		jobService.Submit(mr.Config{Job: "wordcount", GID: "g"}, false)
	}
	jobService.jobs[0].Status = mr.JobStatusCompleted
	jobService.jobs[1].Status = mr.JobStatusCompleted
	mux := newTestMux(jobService, newTestTable())

	t.Run("pagination", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs?limit=2&offset=1", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", w.Code)
		}
		var resp ListJobsResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Total != 5 || len(resp.Jobs) != 2 {
			t.Errorf("Expected 2 of 5 jobs, got %d of %d", len(resp.Jobs), resp.Total)
		}
		if resp.NextOffset == nil || *resp.NextOffset != 3 {
			t.Errorf("Expected next offset 3, got %v", resp.NextOffset)
		}
	})

	t.Run("status filter", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=completed", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		var resp ListJobsResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		if resp.Total != 2 {
			t.Errorf("Expected 2 completed jobs, got %d", resp.Total)
		}
		for _, job := range resp.Jobs {
			if job.Status != "COMPLETED" {
				t.Errorf("Unexpected status %s", job.Status)
			}
		}
		if resp.NextOffset != nil {
			t.Errorf("Expected no next offset, got %d", *resp.NextOffset)
		}
	})

	t.Run("invalid status", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/jobs?status=LOST", nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", w.Code)
		}
	})
}

func TestGetGroup(t *testing.T) {
	table := newTestTable()
	a := id.Node{IP: "127.0.0.1", Port: 7001}
	b := id.Node{IP: "127.0.0.1", Port: 7002}
	if _, err := table.Put(groups.Config{GID: "g", Hash: id.HashConsistent}, groups.NewGroup(a, b)); err != nil {
		t.Fatalf("Failed to put group: %v", err)
	}
	mux := newTestMux(&mockJobs{}, table)

	req := httptest.NewRequest(http.MethodGet, "/api/groups/g", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	var resp GetGroupResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.GID != "g" || resp.Hash != id.HashConsistent {
		t.Errorf("Unexpected group %s/%s", resp.GID, resp.Hash)
	}
	if len(resp.Members) != 2 {
		t.Fatalf("Expected 2 members, got %d", len(resp.Members))
	}
	if resp.Members[0].SID > resp.Members[1].SID {
		t.Error("Expected members ordered by SID")
	}
}

func TestGetGroup_LocalAndMissing(t *testing.T) {
	mux := newTestMux(&mockJobs{}, newTestTable())

	req := httptest.NewRequest(http.MethodGet, "/api/groups/local", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200 for local, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/groups/nope", nil)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}

func TestNewServer(t *testing.T) {
	cfg := config.AdminConfig{
		Addr:         ":0",
		ReadTimeout:  time.Second,
		WriteTimeout: 2 * time.Second,
		IdleTimeout:  3 * time.Second,
	}
	logger := newMockLogger()
	srv := NewServer(cfg, &mockJobs{}, newTestTable(), nil, logger)

	if srv.Addr != ":0" || srv.ReadTimeout != time.Second || srv.IdleTimeout != 3*time.Second {
		t.Errorf("Unexpected server settings %+v", srv)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := httptest.NewRecorder()
	srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if !strings.Contains(logger.output(), "HTTP request") {
		t.Errorf("Expected request to be logged, got %q", logger.output())
	}
}
