package mr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nemanja-m/distrib/internal/all"
	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/core"
	"github.com/nemanja-m/distrib/pkg/id"
	"github.com/nemanja-m/distrib/pkg/jobs"
)

// worker runs this node's share of every phase of one job.
type worker struct {
	engine *Engine
	spec   jobSpec
	job    jobs.Job
	hasher id.Hasher
	sid    string
	logger logging.Logger

	// run is set only on the coordinating node.
	run *run

	mu           sync.Mutex
	intermediate map[string][]string
}

func (e *Engine) buildService(spec routes.Spec) (routes.Service, error) {
	var js jobSpec
	if err := json.Unmarshal(spec.Config, &js); err != nil {
		return nil, fmt.Errorf("decoding job spec: %w", err)
	}
	job, err := jobs.Get(js.Config.Job)
	if err != nil {
		return nil, err
	}
	hasher, err := id.HasherByName(js.Hash)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	r := e.runs[js.ID]
	e.mu.Unlock()

	w := &worker{
		engine: e,
		spec:   js,
		job:    job,
		hasher: hasher,
		sid:    id.ShortID(e.opts.Self),
		logger: e.logger.With("job_id", js.ID),
		run:    r,
	}
	return routes.MethodTable{
		"notify":  w.notify,
		"map":     w.start(PhaseMap, w.doMap),
		"shuffle": w.start(PhaseShuffle, w.doShuffle),
		"reduce":  w.start(PhaseReduce, w.doReduce),
	}, nil
}

func (w *worker) notify(_ context.Context, args routes.Args) (any, error) {
	if w.run == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotCoordinator, w.spec.ID)
	}
	var n Notification
	if err := args.Decode(0, &n); err != nil {
		return nil, err
	}
	next, err := w.run.coord.notify(n)
	if err != nil {
		return nil, err
	}
	go w.engine.broadcast(w.run, w.spec.ID, next)
	return "ok", nil
}

// start acknowledges the phase call at once and reports the outcome to the
// coordinator when the work is done.
func (w *worker) start(phase Phase, fn func(ctx context.Context) (Notification, error)) routes.Method {
	return func(context.Context, routes.Args) (any, error) {
		go func() {
			ctx := w.engine.ctx
			if w.engine.opts.PhaseTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, w.engine.opts.PhaseTimeout)
				defer cancel()
			}

			n, err := fn(ctx)
			n.Phase = phase
			n.NodeID = w.sid
			if err != nil {
				w.logger.Error("Phase failed", "phase", phase, "error", err)
				n.Status = StatusError
				n.Error = err.Error()
			} else {
				n.Status = StatusCompleted
			}
			w.report(ctx, n)
		}()
		return "ok", nil
	}
}

func (w *worker) report(ctx context.Context, n Notification) {
	target := comm.Target{Node: w.spec.Coordinator, Service: w.spec.ID, Method: "notify"}
	if _, err := w.engine.opts.Env.Client.Send(ctx, target, n); err != nil {
		w.logger.Warn("Failed to notify coordinator", "phase", n.Phase, "error", err)
	}
}

func (w *worker) doMap(ctx context.Context) (Notification, error) {
	cfg := w.spec.Config
	src := w.engine.opts.Locals[cfg.Source]
	if src == nil {
		return Notification{}, fmt.Errorf("%w: %q", ErrUnknownSource, cfg.Source)
	}

	keys, err := src.List(ctx, cfg.GID)
	if err != nil {
		return Notification{}, fmt.Errorf("listing keys: %w", err)
	}
	keys = batch(keys, cfg.BatchSize, cfg.BatchIndex)

	out := make(map[string][]string)
	for _, key := range keys {
		raw, err := src.Get(ctx, cfg.GID, key)
		if err != nil {
			return Notification{}, fmt.Errorf("reading %s: %w", key, err)
		}
		pairs, err := safeMap(w.job.Map, key, decodeValue(raw))
		if err != nil {
			w.logger.Warn("Mapper failed", "key", key, "error", err)
			continue
		}
		for _, kv := range pairs {
			out[kv.Key] = append(out[kv.Key], kv.Value)
		}
	}

	w.mu.Lock()
	w.intermediate = out
	w.mu.Unlock()

	w.logger.Debug("Map done", "keys", len(keys), "intermediate", len(out))
	return Notification{ProcessedKeys: len(keys)}, nil
}

func (w *worker) doShuffle(ctx context.Context) (Notification, error) {
	w.mu.Lock()
	intermediate := w.intermediate
	w.intermediate = nil
	w.mu.Unlock()

	entries := make(map[string][]json.RawMessage, len(intermediate))
	for key, values := range intermediate {
		encoded := make([]json.RawMessage, len(values))
		for i, v := range values {
			data, err := json.Marshal(v)
			if err != nil {
				return Notification{}, err
			}
			encoded[i] = data
		}
		entries[key] = encoded
	}

	mem := all.NewStore(w.engine.opts.Env, w.spec.Config.GID, all.ServiceMem).
		WithGroup(w.spec.Members, w.hasher).
		WithNamespace(w.spec.ID)
	if err := mem.Append(ctx, entries); err != nil {
		return Notification{}, fmt.Errorf("shuffling: %w", err)
	}
	return Notification{}, nil
}

func (w *worker) doReduce(ctx context.Context) (Notification, error) {
	mem := w.engine.opts.Locals[SourceMem]
	if mem == nil {
		return Notification{}, fmt.Errorf("%w: %q", ErrUnknownSource, SourceMem)
	}

	keys, err := mem.List(ctx, w.spec.ID)
	if err != nil {
		return Notification{}, fmt.Errorf("listing shuffled keys: %w", err)
	}

	results := make([]core.KeyValue, 0, len(keys))
	for _, key := range keys {
		raw, err := mem.Get(ctx, w.spec.ID, key)
		if err != nil {
			return Notification{}, fmt.Errorf("reading shuffled %s: %w", key, err)
		}
		var values []string
		if err := json.Unmarshal(raw, &values); err != nil {
			w.logger.Warn("Skipping malformed shuffle entry", "key", key, "error", err)
			continue
		}
		kv, err := safeReduce(w.job.Reduce, key, values)
		if err != nil {
			w.logger.Warn("Reducer failed", "key", key, "error", err)
			continue
		}
		results = append(results, kv)
	}
	return Notification{Results: results}, nil
}

// batch returns the batchIndex-th slice of size keys; size <= 0 is all keys.
func batch(keys []string, size, index int) []string {
	if size <= 0 {
		return keys
	}
	start := size * index
	if index < 0 || start >= len(keys) {
		return nil
	}
	return keys[start:min(start+size, len(keys))]
}

// decodeValue hands strings to the mapper as text and anything else as JSON.
func decodeValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func safeMap(fn core.MapFunc, key, value string) (pairs []core.KeyValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(key, value), nil
}

func safeReduce(fn core.ReduceFunc, key string, values []string) (kv core.KeyValue, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(key, values), nil
}
