package mr

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/pkg/core"
)

// coordinator is the barrier state of one job on the node that runs Exec.
// A phase advances only once every member of the job snapshot completed it.
type coordinator struct {
	mu       sync.Mutex
	jobID    string
	self     string
	members  groups.Group
	phase    Phase
	reported map[string]bool

	processed int
	results   []core.KeyValue
	err       error

	// advance receives each phase entered; done closes once the job ends.
	advance chan Phase
	done    chan struct{}
}

func newCoordinator(jobID, self string, members groups.Group) *coordinator {
	return &coordinator{
		jobID:    jobID,
		self:     self,
		members:  members,
		phase:    PhaseSetup,
		reported: make(map[string]bool),
		advance:  make(chan Phase, 8),
		done:     make(chan struct{}),
	}
}

// notify records n. It returns the phase to broadcast when n completed the
// barrier, or "" when nothing is to be sent. Any protocol violation fails the
// job.
func (c *coordinator) notify(n Notification) (Phase, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseDone || c.phase == PhaseError {
		return "", nil
	}

	if n.Status == StatusError {
		return "", c.failLocked(fmt.Errorf("%w: %s during %s: %s", ErrNodeFailed, n.NodeID, n.Phase, n.Error))
	}
	if n.Phase != c.phase {
		return "", c.failLocked(fmt.Errorf("%w: got %s from %s while in %s", ErrPhaseMismatch, n.Phase, n.NodeID, c.phase))
	}

	if c.phase == PhaseSetup {
		if n.NodeID != c.self {
			return "", c.failLocked(fmt.Errorf("%w: setup from %s", ErrUnknownNode, n.NodeID))
		}
		return c.advanceLocked(), nil
	}

	if _, ok := c.members[n.NodeID]; !ok {
		return "", c.failLocked(fmt.Errorf("%w: %s", ErrUnknownNode, n.NodeID))
	}
	if c.reported[n.NodeID] {
		return "", c.failLocked(fmt.Errorf("%w: %s already completed %s", ErrDuplicateNotification, n.NodeID, c.phase))
	}
	c.reported[n.NodeID] = true

	switch c.phase {
	case PhaseMap:
		c.processed += n.ProcessedKeys
	case PhaseReduce:
		c.results = append(c.results, n.Results...)
	}

	if len(c.reported) < len(c.members) {
		return "", nil
	}
	return c.advanceLocked(), nil
}

func (c *coordinator) advanceLocked() Phase {
	c.phase = c.phase.next()
	clear(c.reported)
	select {
	case c.advance <- c.phase:
	default:
	}
	if c.phase == PhaseDone {
		close(c.done)
		return ""
	}
	return c.phase
}

// fail moves the job to ERROR unless it already ended. The first error wins.
func (c *coordinator) fail(err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(err)
}

func (c *coordinator) failLocked(err error) error {
	if c.phase == PhaseDone || c.phase == PhaseError {
		return c.err
	}
	c.err = err
	c.phase = PhaseError
	close(c.done)
	return err
}

func (c *coordinator) current() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// pending lists the members that have not reported in the current phase.
func (c *coordinator) pending() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sids []string
	for sid := range c.members {
		if !c.reported[sid] {
			sids = append(sids, sid)
		}
	}
	slices.Sort(sids)
	return strings.Join(sids, ",")
}

// result is only meaningful after done is closed.
func (c *coordinator) result() (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	results := append([]core.KeyValue{}, c.results...)
	slices.SortStableFunc(results, func(a, b core.KeyValue) int {
		return strings.Compare(a.Key, b.Key)
	})
	return &Result{JobID: c.jobID, ProcessedKeys: c.processed, Results: results}, nil
}
