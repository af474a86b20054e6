// Package groups keeps the per-process table of named node groups and the
// hash function each group routes keys with.
package groups

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/pkg/id"
)

var ErrGroupNotFound = errors.New("group not found")

// Group maps short node ids to nodes.
type Group map[string]id.Node

// NewGroup builds a group keyed by the short id of each node.
func NewGroup(nodes ...id.Node) Group {
	g := make(Group, len(nodes))
	for _, n := range nodes {
		g[id.ShortID(n)] = n
	}
	return g
}

// NodeIDs returns the full ids of the members, sorted.
func (g Group) NodeIDs() []id.ID {
	nids := make([]id.ID, 0, len(g))
	for _, n := range g {
		nids = append(nids, id.NodeID(n))
	}
	slices.Sort(nids)
	return nids
}

// Nodes returns the members ordered by short id.
func (g Group) Nodes() []id.Node {
	nodes := make([]id.Node, 0, len(g))
	for _, sid := range slices.Sorted(maps.Keys(g)) {
		nodes = append(nodes, g[sid])
	}
	return nodes
}

// Owner returns the member that owns key under hasher.
func (g Group) Owner(key any, hasher id.Hasher) (id.Node, error) {
	byNID := make(map[id.ID]id.Node, len(g))
	for _, n := range g {
		byNID[id.NodeID(n)] = n
	}
	nid, err := hasher.Select(id.KeyID(key), slices.Collect(maps.Keys(byNID)))
	if err != nil {
		return id.Node{}, err
	}
	return byNID[nid], nil
}

func (g Group) Clone() Group {
	return maps.Clone(g)
}

type Config struct {
	GID  string `json:"gid"`
	Hash string `json:"hash,omitempty"`
}

type entry struct {
	config Config
	hasher id.Hasher
	group  Group
}

// Table is the node's view of every group it knows about. Nothing here is
// replicated; callers propagate changes through the group fan-out.
type Table struct {
	mu       sync.RWMutex
	self     id.Node
	entries  map[string]*entry
	onCreate func(Config)
	onDelete func(gid string)
}

func NewTable(self id.Node) *Table {
	return &Table{
		self:    self,
		entries: make(map[string]*entry),
	}
}

// OnCreate registers a hook called the first time a gid is put.
func (t *Table) OnCreate(fn func(Config)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCreate = fn
}

// OnDelete registers a hook called after a gid is deleted.
func (t *Table) OnDelete(fn func(gid string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onDelete = fn
}

// Get returns a copy of the group; "local" is always {SID(self): self}.
func (t *Table) Get(gid string) (Group, error) {
	if gid == routes.LocalGID {
		return NewGroup(t.self), nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[gid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, gid)
	}
	return e.group.Clone(), nil
}

// Put replaces the members of cfg.GID. Repeating the same put has no
// further effect.
func (t *Table) Put(cfg Config, group Group) (Group, error) {
	if cfg.GID == "" || cfg.GID == routes.LocalGID {
		return nil, fmt.Errorf("invalid gid %q", cfg.GID)
	}
	hasher, err := id.HasherByName(cfg.Hash)
	if err != nil {
		return nil, err
	}
	if cfg.Hash == "" {
		cfg.Hash = id.HashNaive
	}
	if group == nil {
		group = Group{}
	}

	t.mu.Lock()
	_, existed := t.entries[cfg.GID]
	t.entries[cfg.GID] = &entry{config: cfg, hasher: hasher, group: group.Clone()}
	hook := t.onCreate
	t.mu.Unlock()

	if !existed && hook != nil {
		hook(cfg)
	}
	return group.Clone(), nil
}

// Add inserts node into gid. Unknown groups are ignored.
func (t *Table) Add(gid string, node id.Node) Group {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[gid]
	if !ok {
		return nil
	}
	e.group[id.ShortID(node)] = node
	return e.group.Clone()
}

// Remove drops the member with the given short id. Unknown groups are
// ignored.
func (t *Table) Remove(gid, sid string) Group {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[gid]
	if !ok {
		return nil
	}
	delete(e.group, sid)
	return e.group.Clone()
}

func (t *Table) Delete(gid string) (Group, error) {
	t.mu.Lock()
	e, ok := t.entries[gid]
	if !ok {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrGroupNotFound, gid)
	}
	delete(t.entries, gid)
	hook := t.onDelete
	t.mu.Unlock()

	if hook != nil {
		hook(gid)
	}
	return e.group, nil
}

// Hasher returns the hash function bound to gid, naive for unknown groups.
func (t *Table) Hasher(gid string) id.Hasher {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.entries[gid]; ok {
		return e.hasher
	}
	return id.Naive
}

func (t *Table) Config(gid string) (Config, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[gid]
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrGroupNotFound, gid)
	}
	return e.config, nil
}

func (t *Table) GIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.entries))
}

// NewService exposes the table as the "groups" service.
func NewService(t *Table) routes.Service {
	return routes.MethodTable{
		"get": func(_ context.Context, args routes.Args) (any, error) {
			var gid string
			if err := args.Decode(0, &gid); err != nil {
				return nil, err
			}
			return t.Get(gid)
		},
		"put": func(_ context.Context, args routes.Args) (any, error) {
			var (
				cfg   Config
				group Group
			)
			if err := decodeConfig(args, &cfg); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &group); err != nil {
				return nil, err
			}
			return t.Put(cfg, group)
		},
		"add": func(_ context.Context, args routes.Args) (any, error) {
			var (
				gid  string
				node id.Node
			)
			if err := args.Decode(0, &gid); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &node); err != nil {
				return nil, err
			}
			return t.Add(gid, node), nil
		},
		"rem": func(_ context.Context, args routes.Args) (any, error) {
			var gid, sid string
			if err := args.Decode(0, &gid); err != nil {
				return nil, err
			}
			if err := args.Decode(1, &sid); err != nil {
				return nil, err
			}
			return t.Remove(gid, sid), nil
		},
		"del": func(_ context.Context, args routes.Args) (any, error) {
			var gid string
			if err := args.Decode(0, &gid); err != nil {
				return nil, err
			}
			return t.Delete(gid)
		},
	}
}

// decodeConfig accepts either a bare gid string or a {gid, hash} object.
func decodeConfig(args routes.Args, cfg *Config) error {
	var gid string
	if err := args.Decode(0, &gid); err == nil {
		cfg.GID = gid
		return nil
	}
	return args.Decode(0, cfg)
}
