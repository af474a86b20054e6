package mr

import (
	"errors"
	"time"

	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/pkg/core"
	"github.com/nemanja-m/distrib/pkg/id"
	"github.com/nemanja-m/distrib/pkg/jobs"
)

var (
	ErrPhaseMismatch         = errors.New("notification for unexpected phase")
	ErrDuplicateNotification = errors.New("duplicate phase notification")
	ErrUnknownNode           = errors.New("notification from node outside the job")
	ErrPhaseTimeout          = errors.New("phase deadline exceeded")
	ErrNodeFailed            = errors.New("node reported failure")
	ErrNotCoordinator        = errors.New("node does not coordinate this job")
	ErrNotMember             = errors.New("coordinating node is not a member of the group")
	ErrUnknownSource         = errors.New("unknown input source")
	ErrRecordNotFound        = errors.New("job record not found")
)

func init() {
	comm.RegisterErrorKind("phase_mismatch", ErrPhaseMismatch)
	comm.RegisterErrorKind("duplicate_notification", ErrDuplicateNotification)
	comm.RegisterErrorKind("unknown_node", ErrUnknownNode)
	comm.RegisterErrorKind("not_coordinator", ErrNotCoordinator)
	comm.RegisterErrorKind("job_not_found", jobs.ErrJobNotFound)
}

type Phase string

const (
	PhaseSetup   Phase = "SETUP"
	PhaseMap     Phase = "MAP"
	PhaseShuffle Phase = "SHUFFLE"
	PhaseReduce  Phase = "REDUCE"
	PhaseDone    Phase = "DONE"
	PhaseError   Phase = "ERROR"
)

// next is the phase that follows p once every node completed it.
func (p Phase) next() Phase {
	switch p {
	case PhaseSetup:
		return PhaseMap
	case PhaseMap:
		return PhaseShuffle
	case PhaseShuffle:
		return PhaseReduce
	case PhaseReduce:
		return PhaseDone
	default:
		return PhaseError
	}
}

// method is the per-node job service method that runs p.
func (p Phase) method() string {
	switch p {
	case PhaseMap:
		return "map"
	case PhaseShuffle:
		return "shuffle"
	case PhaseReduce:
		return "reduce"
	default:
		return ""
	}
}

type NotifyStatus string

const (
	StatusCompleted NotifyStatus = "COMPLETED"
	StatusError     NotifyStatus = "ERROR"
)

// Notification is what a node reports to the coordinator after a phase.
type Notification struct {
	Phase         Phase           `json:"phase"`
	Status        NotifyStatus    `json:"status"`
	NodeID        string          `json:"nodeId"`
	ProcessedKeys int             `json:"processedKeys,omitempty"`
	Results       []core.KeyValue `json:"results,omitempty"`
	Error         string          `json:"error,omitempty"`
}

const (
	SourceStore = "store"
	SourceMem   = "mem"
)

type Config struct {
	Job        string `json:"job"`
	GID        string `json:"gid"`
	BatchSize  int    `json:"batchSize,omitempty"`
	BatchIndex int    `json:"batchIndex,omitempty"`
	// Source is the local service whose keys are mapped: store (default) or mem.
	Source string `json:"source,omitempty"`
}

type Result struct {
	JobID         string          `json:"jobId"`
	ProcessedKeys int             `json:"processedKeys"`
	Rounds        int             `json:"rounds,omitempty"`
	Results       []core.KeyValue `json:"results"`
}

// jobSpec is shipped to every node to build its job service.
type jobSpec struct {
	ID          string       `json:"id"`
	Config      Config       `json:"config"`
	Coordinator id.Node      `json:"coordinator"`
	Members     groups.Group `json:"members"`
	Hash        string       `json:"hash"`
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// JobRecord is the persisted view of one job for the admin API.
type JobRecord struct {
	ID            string
	Config        Config
	Status        JobStatus
	Phase         Phase
	Nodes         int
	ProcessedKeys int
	Rounds        int
	Results       []core.KeyValue
	Error         string

	SubmittedAt time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

type JobFilter struct {
	Status *JobStatus
	Limit  int
	Offset int
}

type JobStore interface {
	SaveJob(job *JobRecord) error
	UpdateJob(job *JobRecord) error
	GetJobByID(id string) (*JobRecord, error)
	GetJobs(filter JobFilter) ([]*JobRecord, int, error)
}
