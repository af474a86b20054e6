package all

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/gossip"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/internal/status"
	"github.com/nemanja-m/distrib/internal/storage"
	"github.com/nemanja-m/distrib/pkg/id"
)

type testNode struct {
	node     id.Node
	env      Env
	registry *routes.Registry
	mem      *storage.MemStore
	store    *storage.MemStore
	server   *comm.Server
	http     *http.Server
}

func (n *testNode) stop() {
	n.http.Close()
}

func newTestClient() *comm.Client {
	return comm.NewClient(comm.NewHTTPTransport(2*time.Second), comm.Options{}, logging.Nop())
}

func startNode(t *testing.T) *testNode {
	t.Helper()

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	node := id.Node{IP: "127.0.0.1", Port: lis.Addr().(*net.TCPAddr).Port}

	n := &testNode{
		node:     node,
		registry: routes.NewRegistry(),
		mem:      storage.NewMemStore(),
		store:    storage.NewMemStore(),
	}
	n.env = Env{Groups: groups.NewTable(node), Client: newTestClient(), FanoutLimit: 4}
	n.server = comm.NewServer(n.registry, logging.Nop())

	forwarder := gossipForwarder{env: n.env, self: node}
	n.registry.Put("mem", storage.NewService(n.mem))
	n.registry.Put("store", storage.NewService(n.store))
	n.registry.Put("groups", groups.NewService(n.env.Groups))
	n.registry.Put("routes", routes.NewService(n.registry))
	n.registry.Put("status", status.NewService(status.Source{Self: node, Calls: n.server.Calls}, nil, nil))
	n.registry.Put("gossip", gossip.NewService(gossip.NewReceiver(n.registry, forwarder, logging.Nop())))

	n.http = &http.Server{Handler: n.server.Handler()}
	go n.http.Serve(lis)
	t.Cleanup(n.stop)
	return n
}

// gossipFanout covers every member so delivery in tests is deterministic.
const gossipFanout = 16

type gossipForwarder struct {
	env  Env
	self id.Node
}

func (f gossipForwarder) Forward(ctx context.Context, msg gossip.Message) error {
	return NewGossip(f.env, msg.GID, f.self, gossipFanout, logging.Nop()).Forward(ctx, msg)
}

// startCluster starts n nodes that all know group gid.
func startCluster(t *testing.T, n int, gid, hash string) []*testNode {
	t.Helper()
	nodes := make([]*testNode, n)
	members := make([]id.Node, n)
	for i := range n {
		nodes[i] = startNode(t)
		members[i] = nodes[i].node
	}
	group := groups.NewGroup(members...)
	for _, node := range nodes {
		_, err := node.env.Groups.Put(groups.Config{GID: gid, Hash: hash}, group)
		require.NoError(t, err)
	}
	return nodes
}

func byNode(nodes []*testNode, node id.Node) *testNode {
	for _, n := range nodes {
		if n.node == node {
			return n
		}
	}
	return nil
}
