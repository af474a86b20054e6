package all

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/storage"
	"github.com/nemanja-m/distrib/pkg/id"
)

func TestStore_PutGetOnOwnerOnly(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 3, "g1", id.HashConsistent)
	store := NewStore(nodes[0].env, "g1", ServiceStore)

	value := map[string]string{"first": "Josiah", "last": "Carberry"}
	_, err := store.Put(ctx, value, "jcarb")
	require.NoError(t, err)

	got, err := store.Get(ctx, "jcarb")
	require.NoError(t, err)
	require.JSONEq(t, `{"first":"Josiah","last":"Carberry"}`, string(got))

	group, err := nodes[0].env.Groups.Get("g1")
	require.NoError(t, err)
	owner, err := group.Owner("jcarb", id.Consistent)
	require.NoError(t, err)

	holders := 0
	for _, n := range nodes {
		if _, err := n.store.Get(ctx, "g1", "jcarb"); err == nil {
			holders++
			require.Equal(t, owner, n.node)
		}
	}
	require.Equal(t, 1, holders)

	// Any node computes the same owner.
	other := NewStore(nodes[2].env, "g1", ServiceStore)
	got, err = other.Get(ctx, "jcarb")
	require.NoError(t, err)
	require.JSONEq(t, `{"first":"Josiah","last":"Carberry"}`, string(got))
}

func TestStore_EmptyKeyUsesContent(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 2, "g1", id.HashNaive)
	store := NewStore(nodes[0].env, "g1", ServiceMem)

	_, err := store.Put(ctx, "hello", "")
	require.NoError(t, err)

	got, err := store.Get(ctx, id.ContentKey("hello"))
	require.NoError(t, err)
	require.Equal(t, `"hello"`, string(got))
}

func TestStore_ListDelAndMissingKey(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 3, "g1", id.HashRendezvous)
	store := NewStore(nodes[1].env, "g1", ServiceMem)

	var want []string
	for i := range 10 {
		key := fmt.Sprintf("k%02d", i)
		want = append(want, key)
		_, err := store.Put(ctx, i, key)
		require.NoError(t, err)
	}

	keys, err := store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, want, keys)

	deleted, err := store.Del(ctx, "k03")
	require.NoError(t, err)
	require.Equal(t, "3", string(deleted))

	_, err = store.Get(ctx, "k03")
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
	_, err = store.Del(ctx, "k03")
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
}

func TestStore_GroupErrors(t *testing.T) {
	ctx := context.Background()
	n := startNode(t)

	_, err := NewStore(n.env, "nope", ServiceMem).Get(ctx, "k")
	require.ErrorIs(t, err, groups.ErrGroupNotFound)

	_, err = n.env.Groups.Put(groups.Config{GID: "empty"}, groups.Group{})
	require.NoError(t, err)
	_, err = NewStore(n.env, "empty", ServiceMem).Put(ctx, 1, "k")
	require.ErrorIs(t, err, ErrEmptyGroup)
	_, err = NewStore(n.env, "empty", ServiceMem).List(ctx)
	require.ErrorIs(t, err, ErrEmptyGroup)
}

func TestStore_LocalGroupIsSelf(t *testing.T) {
	ctx := context.Background()
	n := startNode(t)
	store := NewStore(n.env, "local", ServiceMem)

	_, err := store.Put(ctx, "v", "k")
	require.NoError(t, err)

	value, err := n.mem.Get(ctx, "local", "k")
	require.NoError(t, err)
	require.Equal(t, `"v"`, string(value))
}

func TestStore_AppendBatchesToOwners(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 3, "g1", id.HashConsistent)
	mem := NewStore(nodes[0].env, "g1", ServiceMem).WithNamespace("job-1")

	entries := map[string][]json.RawMessage{}
	for i := range 12 {
		entries[fmt.Sprintf("w%d", i)] = []json.RawMessage{json.RawMessage(`1`)}
	}
	require.NoError(t, mem.Append(ctx, entries))
	require.NoError(t, mem.Append(ctx, map[string][]json.RawMessage{"w0": {json.RawMessage(`2`)}}))

	group, err := nodes[0].env.Groups.Get("g1")
	require.NoError(t, err)
	for key := range entries {
		owner, err := group.Owner(key, id.Consistent)
		require.NoError(t, err)
		value, err := byNode(nodes, owner).mem.Get(ctx, "job-1", key)
		require.NoError(t, err)
		if key == "w0" {
			require.JSONEq(t, `[1,2]`, string(value))
		} else {
			require.JSONEq(t, `[1]`, string(value))
		}
	}

	require.NoError(t, mem.Drop(ctx))
	keys, err := mem.List(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestStore_ReconfMovesKeysToNewOwners(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 3, "g1", id.HashNaive)
	extra := startNode(t)
	env := nodes[0].env
	store := NewStore(env, "g1", ServiceMem)

	for i := range 30 {
		_, err := store.Put(ctx, i, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
	}

	old, err := env.Groups.Get("g1")
	require.NoError(t, err)
	env.Groups.Add("g1", extra.node)
	current, err := env.Groups.Get("g1")
	require.NoError(t, err)

	moved, err := store.Reconf(ctx, old)
	require.NoError(t, err)
	require.Positive(t, moved)

	all := append(nodes, extra)
	for i := range 30 {
		key := fmt.Sprintf("key-%d", i)
		owner, err := current.Owner(key, id.Naive)
		require.NoError(t, err)

		holders := 0
		for _, n := range all {
			if _, err := n.mem.Get(ctx, "g1", key); err == nil {
				holders++
				require.Equal(t, owner, n.node, key)
			}
		}
		require.Equal(t, 1, holders, key)
	}
}

func TestStore_ReconfKeepsValueWhenMoveFails(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 3, "g1", id.HashNaive)
	down := startNode(t)
	down.stop()
	env := nodes[0].env
	store := NewStore(env, "g1", ServiceMem)

	for i := range 30 {
		_, err := store.Put(ctx, i, fmt.Sprintf("key-%d", i))
		require.NoError(t, err)
	}

	old, err := env.Groups.Get("g1")
	require.NoError(t, err)
	env.Groups.Add("g1", down.node)

	_, err = store.Reconf(ctx, old)
	require.Error(t, err)

	for i := range 30 {
		key := fmt.Sprintf("key-%d", i)
		found := false
		for _, n := range nodes {
			if value, err := n.mem.Get(ctx, "g1", key); err == nil {
				found = true
				require.JSONEq(t, fmt.Sprint(i), string(value), key)
			}
		}
		require.True(t, found, key)
	}
}

func TestStore_ServiceRoutesGroupCallsToOwner(t *testing.T) {
	ctx := context.Background()
	nodes := startCluster(t, 3, "g1", id.HashConsistent)
	for _, n := range nodes {
		n.registry.PutGroup("g1", ServiceStore, NewStore(n.env, "g1", ServiceStore).Service())
	}
	client := newTestClient()
	target := func(n *testNode, method string) comm.Target {
		return comm.Target{Node: n.node, GID: "g1", Service: ServiceStore, Method: method}
	}

	_, err := client.Send(ctx, target(nodes[1], "put"), "v1", "k1")
	require.NoError(t, err)

	group, err := nodes[0].env.Groups.Get("g1")
	require.NoError(t, err)
	owner, err := group.Owner("k1", id.Consistent)
	require.NoError(t, err)
	for _, n := range nodes {
		_, err := n.store.Get(ctx, "g1", "k1")
		if n.node == owner {
			require.NoError(t, err)
		} else {
			require.ErrorIs(t, err, storage.ErrKeyNotFound)
		}
	}

	value, err := client.Send(ctx, target(nodes[2], "get"), "k1")
	require.NoError(t, err)
	require.JSONEq(t, `"v1"`, string(value))

	raw, err := client.Send(ctx, target(nodes[0], "get"), nil)
	require.NoError(t, err)
	var keys []string
	require.NoError(t, json.Unmarshal(raw, &keys))
	require.Equal(t, []string{"k1"}, keys)

	_, err = client.Send(ctx, target(nodes[0], "del"), "k1")
	require.NoError(t, err)
	_, err = client.Send(ctx, target(nodes[1], "get"), "k1")
	require.ErrorIs(t, err, storage.ErrKeyNotFound)
}
