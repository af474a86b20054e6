package rest

import (
	"time"
)

type SubmitJobRequest struct {
	Job    string     `json:"job"`
	GID    string     `json:"gid"`
	Source string     `json:"source,omitempty"` // "store" or "mem"
	Batch  *BatchSpec `json:"batch,omitempty"`
	// Input is loaded into the group's store before the job starts.
	Input *InputConfig `json:"input,omitempty"`
}

type InputConfig struct {
	Paths []string `json:"paths"` // Glob patterns or specific paths on the receiving node
}

// BatchSpec runs the job in rounds of Size keys per node until a round
// processes nothing.
type BatchSpec struct {
	Size int `json:"size"`
}

type SubmitJobResponse struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	LoadedLines int       `json:"loaded_lines,omitempty"`
	Links       Links     `json:"links"`
}

type Links struct {
	Self string `json:"self"`
}

type GetJobResponse struct {
	JobID      string         `json:"job_id"`
	Job        string         `json:"job"`
	GID        string         `json:"gid"`
	Status     string         `json:"status"`
	Phase      string         `json:"phase"`
	Progress   ProgressInfo   `json:"progress"`
	Timestamps TimestampsInfo `json:"timestamps"`
	Results    []KeyValue     `json:"results"`
	Error      string         `json:"error,omitempty"`
}

type ProgressInfo struct {
	Nodes         int `json:"nodes"`
	ProcessedKeys int `json:"processed_keys"`
	Rounds        int `json:"rounds,omitempty"`
}

type TimestampsInfo struct {
	Submitted time.Time  `json:"submitted"`
	Started   *time.Time `json:"started"`
	Completed *time.Time `json:"completed"`
}

type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type ListJobsResponse struct {
	Jobs       []JobSummary `json:"jobs"`
	Total      int          `json:"total"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
	NextOffset *int         `json:"next_offset,omitempty"`
}

type JobSummary struct {
	JobID       string     `json:"job_id"`
	Job         string     `json:"job"`
	GID         string     `json:"gid"`
	Status      string     `json:"status"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type GetGroupResponse struct {
	GID     string       `json:"gid"`
	Hash    string       `json:"hash"`
	Members []MemberInfo `json:"members"`
}

type MemberInfo struct {
	SID  string `json:"sid"`
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
