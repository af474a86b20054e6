package all

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/pkg/id"
)

// Groups replicates group table changes to every member of a group.
type Groups struct {
	comm *Comm
}

func NewGroups(env Env, gid string) *Groups {
	return &Groups{comm: NewComm(env, gid)}
}

// Get returns each member's view of gid.
func (g *Groups) Get(ctx context.Context, gid string) (map[string]groups.Group, error) {
	values, err := g.comm.Send(ctx, "groups", "get", gid)
	return decodeEach[groups.Group](values, err)
}

// Put installs cfg on the local table and on every member of group.
func (g *Groups) Put(ctx context.Context, cfg groups.Config, group groups.Group) error {
	if _, err := g.comm.env.Groups.Put(cfg, group); err != nil {
		return err
	}
	_, err := g.comm.Send(ctx, "groups", "put", cfg, group)
	return err
}

func (g *Groups) Add(ctx context.Context, gid string, node id.Node) error {
	g.comm.env.Groups.Add(gid, node)
	_, err := g.comm.Send(ctx, "groups", "add", gid, node)
	return err
}

func (g *Groups) Remove(ctx context.Context, gid, sid string) error {
	_, err := g.comm.Send(ctx, "groups", "rem", gid, sid)
	g.comm.env.Groups.Remove(gid, sid)
	return err
}

func (g *Groups) Delete(ctx context.Context, gid string) error {
	_, err := g.comm.Send(ctx, "groups", "del", gid)
	g.comm.env.Groups.Delete(gid)
	return err
}

// Routes registers or removes a service on every member.
type Routes struct {
	comm *Comm
}

func NewRoutes(env Env, gid string) *Routes {
	return &Routes{comm: NewComm(env, gid)}
}

func (r *Routes) Put(ctx context.Context, spec routes.Spec) error {
	_, err := r.comm.Send(ctx, "routes", "put", spec)
	return err
}

func (r *Routes) Remove(ctx context.Context, name string) error {
	_, err := r.comm.Send(ctx, "routes", "rem", name)
	return err
}

// Spawner starts a node process.
type Spawner interface {
	Spawn(ctx context.Context, node id.Node) error
}

// Status reads status fields of every member and manages their processes.
type Status struct {
	comm    *Comm
	groups  *Groups
	spawner Spawner
}

func NewStatus(env Env, gid string, spawner Spawner) *Status {
	return &Status{comm: NewComm(env, gid), groups: NewGroups(env, gid), spawner: spawner}
}

func (s *Status) Get(ctx context.Context, field string) (map[string]json.RawMessage, error) {
	return s.comm.Send(ctx, "status", "get", field)
}

// Total sums a numeric field across the members that answered.
func (s *Status) Total(ctx context.Context, field string) (int64, error) {
	values, err := s.Get(ctx, field)
	var total int64
	for _, sid := range slices.Sorted(maps.Keys(values)) {
		var n int64
		if derr := json.Unmarshal(values[sid], &n); derr != nil {
			return 0, fmt.Errorf("field %s on %s is not numeric: %w", field, sid, derr)
		}
		total += n
	}
	return total, err
}

// Spawn starts node and adds it to the group on every member.
func (s *Status) Spawn(ctx context.Context, node id.Node) error {
	if s.spawner == nil {
		return fmt.Errorf("spawning is not configured")
	}
	if err := s.spawner.Spawn(ctx, node); err != nil {
		return err
	}
	if s.comm.gid == routes.LocalGID {
		return nil
	}
	return s.groups.Add(ctx, s.comm.gid, node)
}

// Stop asks every member to shut down.
func (s *Status) Stop(ctx context.Context) error {
	_, err := s.comm.Send(ctx, "status", "stop")
	return err
}

func decodeEach[T any](values map[string]json.RawMessage, sendErr error) (map[string]T, error) {
	out := make(map[string]T, len(values))
	for sid, raw := range values {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding reply from %s: %w", sid, err)
		}
		out[sid] = v
	}
	return out, sendErr
}
