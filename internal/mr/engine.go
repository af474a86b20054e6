// Package mr runs MapReduce jobs across a node group. The node that calls
// Exec coordinates: it registers a job service on every member, then drives
// the members through the map, shuffle and reduce phases, waiting after each
// phase until all of them reported back.
package mr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/distrib/internal/all"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/internal/storage"
	"github.com/nemanja-m/distrib/pkg/core"
	"github.com/nemanja-m/distrib/pkg/id"
	"github.com/nemanja-m/distrib/pkg/jobs"
)

// FactoryKind is the routes factory kind that builds job services.
const FactoryKind = "mr"

const cleanupTimeout = 30 * time.Second

type Options struct {
	Self     id.Node
	Env      all.Env
	Registry *routes.Registry
	// Locals are this node's own stores by source name; "mem" also holds
	// shuffled values.
	Locals       map[string]storage.Store
	Jobs         JobStore
	PhaseTimeout time.Duration
	Logger       logging.Logger
}

// run is a job coordinated by this node.
type run struct {
	coord *coordinator
	comm  *all.Comm
	ctx   context.Context
}

type Engine struct {
	opts   Options
	logger logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
}

func NewEngine(opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[string]*run),
	}
	opts.Registry.RegisterFactory(FactoryKind, e.buildService)
	return e
}

// Stop abandons running phase work.
func (e *Engine) Stop() {
	e.cancel()
}

func newJobID() string {
	return "mr-" + uuid.NewString()
}

// Exec runs one setup, map, shuffle, reduce round and returns the reduce
// results of every node.
func (e *Engine) Exec(ctx context.Context, cfg Config) (*Result, error) {
	return e.exec(ctx, newJobID(), cfg, true)
}

// ExecBatches runs rounds with increasing batch indexes until a round maps
// no keys. Without a batch size it is a single Exec. The rounds share one
// job record.
func (e *Engine) ExecBatches(ctx context.Context, cfg Config) (*Result, error) {
	if cfg.BatchSize <= 0 {
		res, err := e.Exec(ctx, cfg)
		if err == nil {
			res.Rounds = 1
		}
		return res, err
	}
	members, _, err := e.validate(&cfg)
	if err != nil {
		return nil, err
	}
	jobID := newJobID()
	rec := e.startRecord(jobID, cfg, len(members))
	res, err := e.execBatches(ctx, jobID, cfg, rec)
	return res, e.finish(rec, res, err)
}

// execBatches runs the rounds of jobID. Each round gets its own job service
// named after jobID and its index; progress is written to rec.
func (e *Engine) execBatches(ctx context.Context, jobID string, cfg Config, rec *JobRecord) (*Result, error) {
	total := &Result{JobID: jobID, Results: []core.KeyValue{}}
	for idx := cfg.BatchIndex; ; idx++ {
		round := cfg
		round.BatchIndex = idx

		res, err := e.exec(ctx, fmt.Sprintf("%s-%d", jobID, idx), round, false)
		if err != nil {
			return total, fmt.Errorf("batch %d: %w", idx, err)
		}
		if res.ProcessedKeys == 0 {
			return total, nil
		}
		total.Rounds++
		total.ProcessedKeys += res.ProcessedKeys
		total.Results = append(total.Results, res.Results...)
		if rec != nil {
			rec.Rounds = total.Rounds
			rec.ProcessedKeys = total.ProcessedKeys
			e.saveRecord(rec)
		}
	}
}

func (e *Engine) validate(cfg *Config) (groups.Group, string, error) {
	if cfg.Source == "" {
		cfg.Source = SourceStore
	}
	if _, ok := e.opts.Locals[cfg.Source]; !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Source)
	}
	if _, err := jobs.Get(cfg.Job); err != nil {
		return nil, "", err
	}
	members, err := e.opts.Env.Groups.Get(cfg.GID)
	if err != nil {
		return nil, "", err
	}
	if len(members) == 0 {
		return nil, "", all.ErrEmptyGroup
	}
	// Members report phases to the coordinator's job service, which only
	// members register.
	if _, ok := members[id.ShortID(e.opts.Self)]; !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNotMember, cfg.GID)
	}
	hash := id.HashNaive
	if gc, err := e.opts.Env.Groups.Config(cfg.GID); err == nil && gc.Hash != "" {
		hash = gc.Hash
	}
	return members, hash, nil
}

// exec runs one round under jobID. Only tracked rounds keep a job record.
func (e *Engine) exec(ctx context.Context, jobID string, cfg Config, tracked bool) (*Result, error) {
	members, hash, err := e.validate(&cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	self := id.ShortID(e.opts.Self)
	r := &run{
		coord: newCoordinator(jobID, self, members),
		comm:  all.NewComm(e.opts.Env, cfg.GID).WithGroup(members),
		ctx:   ctx,
	}
	e.mu.Lock()
	e.runs[jobID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, jobID)
		e.mu.Unlock()
	}()

	var rec *JobRecord
	if tracked {
		rec = e.startRecord(jobID, cfg, len(members))
	}
	logger := e.logger.With("job_id", jobID, "gid", cfg.GID)
	logger.Info("Job started", "job", cfg.Job, "nodes", len(members), "batch_index", cfg.BatchIndex, "batch_size", cfg.BatchSize)

	spec, err := json.Marshal(jobSpec{
		ID:          jobID,
		Config:      cfg,
		Coordinator: e.opts.Self,
		Members:     members,
		Hash:        hash,
	})
	if err != nil {
		return nil, e.finish(rec, nil, err)
	}
	defer e.cleanup(ctx, r, jobID, cfg.GID, members)

	if _, err := r.comm.Send(ctx, "routes", "put", routes.Spec{Kind: FactoryKind, Name: jobID, Config: spec}); err != nil {
		return nil, e.finish(rec, nil, fmt.Errorf("registering job service: %w", err))
	}

	next, err := r.coord.notify(Notification{Phase: PhaseSetup, Status: StatusCompleted, NodeID: self})
	if err != nil {
		return nil, e.finish(rec, nil, err)
	}
	go e.broadcast(r, jobID, next)

	res, err := e.wait(ctx, r.coord, rec, logger)
	if err != nil {
		logger.Error("Job failed", "phase", r.coord.current(), "error", err)
	} else {
		logger.Info("Job completed", "processed_keys", res.ProcessedKeys, "results", len(res.Results))
	}
	return res, e.finish(rec, res, err)
}

// broadcast starts phase on every member.
func (e *Engine) broadcast(r *run, jobID string, phase Phase) {
	if phase == "" {
		return
	}
	if _, err := r.comm.Send(r.ctx, jobID, phase.method()); err != nil {
		r.coord.fail(fmt.Errorf("starting %s: %w", phase, err))
	}
}

func (e *Engine) wait(ctx context.Context, coord *coordinator, rec *JobRecord, logger logging.Logger) (*Result, error) {
	var deadline <-chan time.Time
	var timer *time.Timer
	if e.opts.PhaseTimeout > 0 {
		timer = time.NewTimer(e.opts.PhaseTimeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-coord.done:
			return coord.result()
		case phase := <-coord.advance:
			logger.Debug("Job phase started", "phase", phase)
			if rec != nil {
				rec.Phase = phase
				e.saveRecord(rec)
			}
			if timer != nil {
				timer.Reset(e.opts.PhaseTimeout)
			}
		case <-deadline:
			coord.fail(fmt.Errorf("%w: %s still waiting on %s", ErrPhaseTimeout, coord.current(), coord.pending()))
		case <-ctx.Done():
			coord.fail(ctx.Err())
		}
	}
}

// cleanup removes the job service and shuffled values from every member.
func (e *Engine) cleanup(ctx context.Context, r *run, jobID, gid string, members groups.Group) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if _, err := r.comm.Send(ctx, "routes", "rem", jobID); err != nil {
		e.logger.Warn("Failed to remove job service", "job_id", jobID, "error", err)
	}
	mem := all.NewStore(e.opts.Env, gid, all.ServiceMem).WithGroup(members, nil).WithNamespace(jobID)
	if err := mem.Drop(ctx); err != nil {
		e.logger.Warn("Failed to drop shuffle data", "job_id", jobID, "error", err)
	}
}

// Submit validates cfg and runs the job in the background. With batches
// set it keeps running rounds until the keys are exhausted.
func (e *Engine) Submit(cfg Config, batches bool) (string, error) {
	members, _, err := e.validate(&cfg)
	if err != nil {
		return "", err
	}

	jobID := newJobID()
	rec := &JobRecord{
		ID:          jobID,
		Config:      cfg,
		Status:      JobStatusPending,
		Phase:       PhaseSetup,
		SubmittedAt: time.Now().UTC(),
	}
	if err := e.createRecord(rec); err != nil {
		return "", err
	}

	go func() {
		if !batches || cfg.BatchSize <= 0 {
			e.exec(e.ctx, jobID, cfg, true)
			return
		}
		rec := e.startRecord(jobID, cfg, len(members))
		res, err := e.execBatches(e.ctx, jobID, cfg, rec)
		if err != nil {
			e.logger.Error("Batched job failed", "job_id", jobID, "error", err)
		}
		e.finish(rec, res, err)
	}()
	return jobID, nil
}

func (e *Engine) GetJob(jobID string) (*JobRecord, error) {
	if e.opts.Jobs == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, jobID)
	}
	return e.opts.Jobs.GetJobByID(jobID)
}

func (e *Engine) GetJobs(filter JobFilter) ([]*JobRecord, int, error) {
	if e.opts.Jobs == nil {
		return []*JobRecord{}, 0, nil
	}
	return e.opts.Jobs.GetJobs(filter)
}

func (e *Engine) startRecord(jobID string, cfg Config, nodes int) *JobRecord {
	if e.opts.Jobs == nil {
		return nil
	}
	rec, err := e.opts.Jobs.GetJobByID(jobID)
	if err != nil || rec == nil {
		rec = &JobRecord{ID: jobID, Config: cfg, SubmittedAt: time.Now().UTC()}
		if err := e.createRecord(rec); err != nil {
			return nil
		}
	}
	rec.Status = JobStatusRunning
	rec.Phase = PhaseSetup
	rec.Nodes = nodes
	rec.StartedAt = ptrTimeNow()
	e.saveRecord(rec)
	return rec
}

func (e *Engine) finish(rec *JobRecord, res *Result, err error) error {
	if rec == nil {
		return err
	}
	rec.CompletedAt = ptrTimeNow()
	if res != nil {
		rec.ProcessedKeys = res.ProcessedKeys
		rec.Results = res.Results
		if res.Rounds > 0 {
			rec.Rounds = res.Rounds
		}
	}
	if err != nil {
		rec.Status = JobStatusFailed
		rec.Phase = PhaseError
		rec.Error = err.Error()
	} else {
		rec.Status = JobStatusCompleted
		rec.Phase = PhaseDone
	}
	e.saveRecord(rec)
	return err
}

func (e *Engine) createRecord(rec *JobRecord) error {
	if e.opts.Jobs == nil {
		return nil
	}
	return e.opts.Jobs.SaveJob(rec)
}

func (e *Engine) saveRecord(rec *JobRecord) {
	if e.opts.Jobs == nil || rec == nil {
		return
	}
	if err := e.opts.Jobs.UpdateJob(rec); err != nil {
		e.logger.Warn("Failed to update job record", "job_id", rec.ID, "error", err)
	}
}

func ptrTimeNow() *time.Time {
	now := time.Now().UTC()
	return &now
}
