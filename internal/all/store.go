package all

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/internal/storage"
	"github.com/nemanja-m/distrib/pkg/id"
)

const (
	ServiceStore = "store"
	ServiceMem   = "mem"
)

// Store routes each key to the member that owns it under the group's hash
// function. It fronts either the store or the mem service.
type Store struct {
	members
	service   string
	namespace string
	hasher    id.Hasher
}

func NewStore(env Env, gid, service string) *Store {
	return &Store{
		members:   members{env: env, gid: gid},
		service:   service,
		namespace: gid,
	}
}

// WithNamespace keeps routing on the group but stores keys under ns.
func (s *Store) WithNamespace(ns string) *Store {
	c := *s
	c.namespace = ns
	return &c
}

// WithGroup pins membership and hash function, e.g. to a job snapshot.
func (s *Store) WithGroup(g groups.Group, hasher id.Hasher) *Store {
	c := *s
	c.fixed = g.Clone()
	c.hasher = hasher
	return &c
}

func (s *Store) Namespace() string {
	return s.namespace
}

func (s *Store) hasherFor() id.Hasher {
	if s.hasher != nil {
		return s.hasher
	}
	return s.env.Groups.Hasher(s.gid)
}

func (s *Store) owner(key string) (id.Node, error) {
	g, err := s.group()
	if err != nil {
		return id.Node{}, err
	}
	return ownerIn(g, key, s.hasherFor())
}

func ownerIn(g groups.Group, key string, hasher id.Hasher) (id.Node, error) {
	node, err := g.Owner(key, hasher)
	if errors.Is(err, id.ErrNoCandidates) {
		return id.Node{}, ErrEmptyGroup
	}
	return node, err
}

// call reaches the owner's local service; the namespace travels in the key.
func (s *Store) call(ctx context.Context, node id.Node, method string, args ...any) (json.RawMessage, error) {
	return s.env.Client.Send(ctx, comm.Target{Node: node, GID: routes.LocalGID, Service: s.service, Method: method}, args...)
}

// Get fetches key from its owner. Owner errors are returned as they are.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, error) {
	node, err := s.owner(key)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, node, "get", storage.KeyOf(s.namespace, key))
}

// List concatenates the keys held by every member.
func (s *Store) List(ctx context.Context) ([]string, error) {
	byNode, err := s.listByNode(ctx, nil)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, nodeKeys := range byNode {
		keys = append(keys, nodeKeys...)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *Store) listByNode(ctx context.Context, g groups.Group) (map[string][]string, error) {
	if g == nil {
		var err error
		if g, err = s.group(); err != nil {
			return nil, err
		}
	}
	if len(g) == 0 {
		return nil, ErrEmptyGroup
	}

	values, err := fanout(ctx, s.env, g, func(ctx context.Context, node id.Node) (json.RawMessage, error) {
		return s.call(ctx, node, "get", storage.ListKey(s.namespace))
	})
	if err != nil {
		return nil, err
	}

	byNode := make(map[string][]string, len(values))
	for sid, raw := range values {
		var keys []string
		if err := json.Unmarshal(raw, &keys); err != nil {
			return nil, fmt.Errorf("decoding key list from %s: %w", sid, err)
		}
		byNode[sid] = keys
	}
	return byNode, nil
}

// Put stores value on the owner of key; an empty key is derived from the
// value's content.
func (s *Store) Put(ctx context.Context, value any, key string) (json.RawMessage, error) {
	if key == "" {
		key = id.ContentKey(value)
	}
	node, err := s.owner(key)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, node, "put", value, storage.KeyOf(s.namespace, key))
}

func (s *Store) Del(ctx context.Context, key string) (json.RawMessage, error) {
	node, err := s.owner(key)
	if err != nil {
		return nil, err
	}
	return s.call(ctx, node, "del", storage.KeyOf(s.namespace, key))
}

// Append groups entries by owner and sends each owner one batch.
func (s *Store) Append(ctx context.Context, entries map[string][]json.RawMessage) error {
	if len(entries) == 0 {
		return nil
	}
	g, err := s.group()
	if err != nil {
		return err
	}
	hasher := s.hasherFor()

	batches := make(map[string]map[string][]json.RawMessage)
	for key, values := range entries {
		node, err := ownerIn(g, key, hasher)
		if err != nil {
			return err
		}
		sid := id.ShortID(node)
		if batches[sid] == nil {
			batches[sid] = make(map[string][]json.RawMessage)
		}
		batches[sid][key] = values
	}

	targets := make(groups.Group, len(batches))
	for sid := range batches {
		targets[sid] = g[sid]
	}
	_, err = fanout(ctx, s.env, targets, func(ctx context.Context, node id.Node) (json.RawMessage, error) {
		return s.call(ctx, node, "append", batches[id.ShortID(node)], s.namespace)
	})
	return err
}

// Reconf moves every key whose owner changed between old and the current
// membership. It returns the number of keys moved.
func (s *Store) Reconf(ctx context.Context, old groups.Group) (int, error) {
	current, err := s.group()
	if err != nil {
		return 0, err
	}
	if len(current) == 0 {
		return 0, ErrEmptyGroup
	}
	byNode, err := s.listByNode(ctx, old)
	if err != nil {
		return 0, err
	}

	hasher := s.hasherFor()
	moved := 0
	for _, sid := range slices.Sorted(maps.Keys(byNode)) {
		from := old[sid]
		for _, key := range byNode[sid] {
			to, err := ownerIn(current, key, hasher)
			if err != nil {
				return moved, err
			}
			if to == from {
				continue
			}
			value, err := s.call(ctx, from, "get", storage.KeyOf(s.namespace, key))
			if err != nil {
				return moved, fmt.Errorf("reading %s from %s: %w", key, sid, err)
			}
			if _, err := s.call(ctx, to, "put", value, storage.KeyOf(s.namespace, key)); err != nil {
				return moved, fmt.Errorf("moving %s to %s: %w", key, id.ShortID(to), err)
			}
			// The copy is in place; a failed delete only leaves a stale replica.
			if _, err := s.call(ctx, from, "del", storage.KeyOf(s.namespace, key)); err != nil {
				return moved, fmt.Errorf("removing %s from %s: %w", key, sid, err)
			}
			moved++
		}
	}
	return moved, nil
}

// Drop removes the namespace on every member.
func (s *Store) Drop(ctx context.Context) error {
	g, err := s.group()
	if err != nil {
		return err
	}
	_, err = fanout(ctx, s.env, g, func(ctx context.Context, node id.Node) (json.RawMessage, error) {
		return s.call(ctx, node, "drop", s.namespace)
	})
	return err
}
