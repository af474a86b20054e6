package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nemanja-m/distrib/internal/mr"
)

func saveJobs(t *testing.T, store *InMemoryJobStore, statuses ...mr.JobStatus) {
	t.Helper()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, status := range statuses {
		job := &mr.JobRecord{
			ID:          fmt.Sprintf("mr-%02d", i),
			Status:      status,
			SubmittedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.SaveJob(job); err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
	}
}

func TestGetJobs_StatusFilter(t *testing.T) {
	store := NewInMemoryJobStore()
	saveJobs(t, store, mr.JobStatusPending, mr.JobStatusRunning, mr.JobStatusCompleted, mr.JobStatusCompleted)

	completed := mr.JobStatusCompleted
	jobs, total, err := store.GetJobs(mr.JobFilter{Status: &completed, Limit: 10})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if total != 2 {
		t.Errorf("Expected total 2, got %d", total)
	}
	for _, job := range jobs {
		if job.Status != mr.JobStatusCompleted {
			t.Errorf("Expected COMPLETED, got %s", job.Status)
		}
	}
}

func TestGetJobs_PaginationNewestFirst(t *testing.T) {
	store := NewInMemoryJobStore()
	saveJobs(t, store, mr.JobStatusPending, mr.JobStatusPending, mr.JobStatusPending, mr.JobStatusPending, mr.JobStatusPending)

	jobs, total, err := store.GetJobs(mr.JobFilter{Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if total != 5 {
		t.Errorf("Expected total 5, got %d", total)
	}
	if len(jobs) != 2 {
		t.Fatalf("Expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].ID != "mr-03" || jobs[1].ID != "mr-02" {
		t.Errorf("Expected mr-03, mr-02, got %s, %s", jobs[0].ID, jobs[1].ID)
	}

	jobs, _, err = store.GetJobs(mr.JobFilter{Limit: 10, Offset: 10})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(jobs) != 0 {
		t.Errorf("Expected no jobs past the end, got %d", len(jobs))
	}
}

func TestGetJobByID_NotFound(t *testing.T) {
	store := NewInMemoryJobStore()

	_, err := store.GetJobByID("mr-missing")
	if !errors.Is(err, mr.ErrRecordNotFound) {
		t.Errorf("Expected ErrRecordNotFound, got %v", err)
	}
}

func TestUpdateJob_StoresCopy(t *testing.T) {
	store := NewInMemoryJobStore()
	job := &mr.JobRecord{ID: "mr-1", Status: mr.JobStatusRunning}
	if err := store.SaveJob(job); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	job.Status = mr.JobStatusCompleted
	got, err := store.GetJobByID("mr-1")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if got.Status != mr.JobStatusRunning {
		t.Errorf("Expected stored copy to stay RUNNING, got %s", got.Status)
	}

	if err := store.UpdateJob(job); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	got, _ = store.GetJobByID("mr-1")
	if got.Status != mr.JobStatusCompleted {
		t.Errorf("Expected COMPLETED after update, got %s", got.Status)
	}

	if err := store.SaveJob(job); err == nil {
		t.Error("Expected error saving duplicate job")
	}
}
