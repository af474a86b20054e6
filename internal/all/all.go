// Package all runs service calls across every member of a group: plain
// fan-out for comm, groups, routes, status and gossip, and owner routed
// calls for the keyed mem and store services.
package all

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/shared/pool"
	"github.com/nemanja-m/distrib/pkg/id"
)

var ErrEmptyGroup = errors.New("group has no members")

// Env carries the node state the facades share.
type Env struct {
	Groups      *groups.Table
	Client      *comm.Client
	FanoutLimit int
}

// GroupError collects the per-node failures of a fan-out, keyed by SID.
type GroupError struct {
	Errors map[string]error
}

func (e *GroupError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, sid := range slices.Sorted(maps.Keys(e.Errors)) {
		parts = append(parts, fmt.Sprintf("%s: %v", sid, e.Errors[sid]))
	}
	return fmt.Sprintf("%d node(s) failed: %s", len(e.Errors), strings.Join(parts, "; "))
}

func (e *GroupError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, sid := range slices.Sorted(maps.Keys(e.Errors)) {
		errs = append(errs, e.Errors[sid])
	}
	return errs
}

// members resolves a group either from a fixed snapshot or the table.
type members struct {
	env   Env
	gid   string
	fixed groups.Group
}

func (m members) group() (groups.Group, error) {
	if m.fixed != nil {
		return m.fixed.Clone(), nil
	}
	return m.env.Groups.Get(m.gid)
}

// Comm sends one call to every member of a group.
type Comm struct {
	members
}

func NewComm(env Env, gid string) *Comm {
	return &Comm{members{env: env, gid: gid}}
}

// WithGroup returns a Comm that targets g instead of the current members
// of the gid.
func (c *Comm) WithGroup(g groups.Group) *Comm {
	return &Comm{members{env: c.env, gid: c.gid, fixed: g.Clone()}}
}

// Send returns the values of the members that answered, keyed by SID, and a
// *GroupError naming those that did not.
func (c *Comm) Send(ctx context.Context, service, method string, args ...any) (map[string]json.RawMessage, error) {
	g, err := c.group()
	if err != nil {
		return nil, err
	}
	return fanout(ctx, c.env, g, func(ctx context.Context, node id.Node) (json.RawMessage, error) {
		return c.env.Client.Send(ctx, comm.Target{Node: node, GID: c.gid, Service: service, Method: method}, args...)
	})
}

func fanout(ctx context.Context, env Env, g groups.Group, call func(context.Context, id.Node) (json.RawMessage, error)) (map[string]json.RawMessage, error) {
	var (
		mu     sync.Mutex
		values = make(map[string]json.RawMessage, len(g))
		errs   = make(map[string]error)
	)

	pool.Each(env.FanoutLimit, slices.Sorted(maps.Keys(g)), func(sid string) {
		value, err := call(ctx, g[sid])
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs[sid] = err
			return
		}
		values[sid] = value
	})

	if len(errs) > 0 {
		return values, &GroupError{Errors: errs}
	}
	return values, nil
}
