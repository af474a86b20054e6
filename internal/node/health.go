package node

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/internal/shared/pool"
	"github.com/nemanja-m/distrib/pkg/id"
)

const healthProbeLimit = 8

// HealthChecker periodically probes the members of every known group and
// logs members that stop or resume answering. Membership itself is left
// alone; removing a member is an administrator decision.
type HealthChecker struct {
	checkInterval time.Duration
	table         *groups.Table
	probe         func(ctx context.Context, node id.Node) error
	logger        logging.Logger

	mu   sync.Mutex
	down map[string]time.Time // sid -> first failed probe
}

func NewHealthChecker(
	checkInterval time.Duration,
	table *groups.Table,
	probe func(ctx context.Context, node id.Node) error,
	logger logging.Logger,
) *HealthChecker {
	return &HealthChecker{
		checkInterval: checkInterval,
		table:         table,
		probe:         probe,
		logger:        logger,
		down:          make(map[string]time.Time),
	}
}

func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Check(ctx)
		}
	}
}

// Check probes every distinct member once.
func (h *HealthChecker) Check(ctx context.Context) {
	members := make(map[string]id.Node)
	for _, gid := range h.table.GIDs() {
		group, err := h.table.Get(gid)
		if err != nil {
			continue
		}
		maps.Copy(members, group)
	}

	sids := slices.Sorted(maps.Keys(members))
	pool.Each(healthProbeLimit, sids, func(sid string) {
		node := members[sid]
		probeCtx, cancel := context.WithTimeout(ctx, h.checkInterval)
		defer cancel()
		h.record(sid, node, h.probe(probeCtx, node))
	})
}

func (h *HealthChecker) record(sid string, node id.Node, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	since, wasDown := h.down[sid]
	switch {
	case err != nil && !wasDown:
		h.down[sid] = time.Now()
		h.logger.Warn("Member unreachable", "member", sid, "addr", node.Addr(), "error", err)
	case err == nil && wasDown:
		delete(h.down, sid)
		h.logger.Info("Member reachable again", "member", sid, "addr", node.Addr(), "down_for", time.Since(since).String())
	}
}

// Unreachable returns the SIDs that failed their last probe, sorted.
func (h *HealthChecker) Unreachable() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Sorted(maps.Keys(h.down))
}
