package rest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/mr"
	"github.com/nemanja-m/distrib/internal/shared/logging"
)

// mockLogger is a test logger that captures log messages
type mockLogger struct {
	mu       sync.Mutex
	messages []string
}

func newMockLogger() *mockLogger {
	return &mockLogger{
		messages: make([]string, 0),
	}
}

func (m *mockLogger) Debug(msg string, args ...any) { m.log("DEBUG", msg, args...) }
func (m *mockLogger) Info(msg string, args ...any)  { m.log("INFO", msg, args...) }
func (m *mockLogger) Warn(msg string, args ...any)  { m.log("WARN", msg, args...) }
func (m *mockLogger) Error(msg string, args ...any) { m.log("ERROR", msg, args...) }
func (m *mockLogger) Fatal(msg string, args ...any) { m.log("FATAL", msg, args...) }

func (m *mockLogger) With(args ...any) logging.Logger {
	return m
}

func (m *mockLogger) log(level, msg string, args ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	formatted := fmt.Sprintf("[%s] %s", level, msg)
	for i := 0; i+1 < len(args); i += 2 {
		formatted += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	m.messages = append(m.messages, formatted)
}

func (m *mockLogger) output() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.messages, "\n")
}

// mockJobs records submissions and serves a fixed set of jobs.
type mockJobs struct {
	mu        sync.Mutex
	jobs      []*mr.JobRecord
	submitted []mr.Config
	batched   []bool
	submitErr error
}

func (m *mockJobs) Submit(cfg mr.Config, batches bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, cfg)
	m.batched = append(m.batched, batches)
	jobID := fmt.Sprintf("mr-%d", len(m.jobs)+1)
	m.jobs = append(m.jobs, &mr.JobRecord{
		ID:          jobID,
		Config:      cfg,
		Status:      mr.JobStatusPending,
		Phase:       mr.PhaseSetup,
		SubmittedAt: time.Now().UTC(),
	})
	return jobID, nil
}

func (m *mockJobs) GetJob(jobID string) (*mr.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.ID == jobID {
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", mr.ErrRecordNotFound, jobID)
}

func (m *mockJobs) GetJobs(filter mr.JobFilter) ([]*mr.JobRecord, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*mr.JobRecord
	for _, job := range m.jobs {
		if filter.Status == nil || job.Status == *filter.Status {
			matched = append(matched, job)
		}
	}
	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return slices.Clone(matched[start:end]), total, nil
}

type mockLoader struct {
	lines    int
	err      error
	gid      string
	patterns []string
}

func (m *mockLoader) Load(_ context.Context, gid string, patterns []string) (int, error) {
	m.gid = gid
	m.patterns = patterns
	return m.lines, m.err
}

var _ GroupView = (*groups.Table)(nil)
