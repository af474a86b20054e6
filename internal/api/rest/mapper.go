package rest

import (
	"maps"
	"slices"

	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/mr"
)

func (req *SubmitJobRequest) ToConfig() mr.Config {
	cfg := mr.Config{
		Job:    req.Job,
		GID:    req.GID,
		Source: req.Source,
	}
	if req.Batch != nil {
		cfg.BatchSize = req.Batch.Size
	}
	return cfg
}

func (req *SubmitJobRequest) Batched() bool {
	return req.Batch != nil
}

func ToGetJobResponse(job *mr.JobRecord) GetJobResponse {
	results := make([]KeyValue, 0, len(job.Results))
	for _, kv := range job.Results {
		results = append(results, KeyValue{Key: kv.Key, Value: kv.Value})
	}

	return GetJobResponse{
		JobID:  job.ID,
		Job:    job.Config.Job,
		GID:    job.Config.GID,
		Status: string(job.Status),
		Phase:  string(job.Phase),
		Progress: ProgressInfo{
			Nodes:         job.Nodes,
			ProcessedKeys: job.ProcessedKeys,
			Rounds:        job.Rounds,
		},
		Timestamps: TimestampsInfo{
			Submitted: job.SubmittedAt,
			Started:   job.StartedAt,
			Completed: job.CompletedAt,
		},
		Results: results,
		Error:   job.Error,
	}
}

func ToJobSummary(job *mr.JobRecord) JobSummary {
	return JobSummary{
		JobID:       job.ID,
		Job:         job.Config.Job,
		GID:         job.Config.GID,
		Status:      string(job.Status),
		SubmittedAt: job.SubmittedAt,
		CompletedAt: job.CompletedAt,
	}
}

// ToGetGroupResponse lists members ordered by SID.
func ToGetGroupResponse(cfg groups.Config, group groups.Group) GetGroupResponse {
	members := make([]MemberInfo, 0, len(group))
	for _, sid := range slices.Sorted(maps.Keys(group)) {
		node := group[sid]
		members = append(members, MemberInfo{SID: sid, IP: node.IP, Port: node.Port})
	}
	return GetGroupResponse{GID: cfg.GID, Hash: cfg.Hash, Members: members}
}
