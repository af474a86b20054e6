package storage

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nemanja-m/distrib/internal/mr"
)

type InMemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]*mr.JobRecord
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs: make(map[string]*mr.JobRecord),
	}
}

func (s *InMemoryJobStore) SaveJob(job *mr.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *InMemoryJobStore) UpdateJob(job *mr.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = clone(job)
	return nil
}

func (s *InMemoryJobStore) GetJobByID(id string) (*mr.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, exists := s.jobs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", mr.ErrRecordNotFound, id)
	}
	return clone(job), nil
}

// GetJobs returns the newest jobs first, after filtering, and the number of
// jobs that matched before paging.
func (s *InMemoryJobStore) GetJobs(filter mr.JobFilter) ([]*mr.JobRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*mr.JobRecord, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, job)
	}
	slices.SortFunc(matched, func(a, b *mr.JobRecord) int {
		if c := b.SubmittedAt.Compare(a.SubmittedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	page := make([]*mr.JobRecord, 0, end-start)
	for _, job := range matched[start:end] {
		page = append(page, clone(job))
	}
	return page, total, nil
}

func clone(job *mr.JobRecord) *mr.JobRecord {
	c := *job
	c.Results = slices.Clone(job.Results)
	if job.StartedAt != nil {
		t := *job.StartedAt
		c.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
