package all

import (
	"context"
	"encoding/json"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/gossip"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/id"
)

// Gossip sends a call to ceil(log2 n) random members of a group, who keep
// forwarding it through their own gossip receivers.
type Gossip struct {
	members
	self      id.Node
	fanoutMin int
	logger    logging.Logger

	mu      sync.Mutex
	tickers map[string]context.CancelFunc
}

func NewGossip(env Env, gid string, self id.Node, fanoutMin int, logger logging.Logger) *Gossip {
	return &Gossip{
		members:   members{env: env, gid: gid},
		self:      self,
		fanoutMin: max(fanoutMin, 1),
		logger:    logger,
		tickers:   make(map[string]context.CancelFunc),
	}
}

// Subset picks the members a message is sent to.
func (g *Gossip) Subset(group groups.Group) []id.Node {
	nodes := group.Nodes()
	nodes = slices.DeleteFunc(nodes, func(n id.Node) bool { return n == g.self })
	if len(nodes) == 0 {
		return nil
	}
	k := max(int(math.Ceil(math.Log2(float64(len(nodes))))), g.fanoutMin)
	k = min(k, len(nodes))
	rand.Shuffle(len(nodes), func(i, j int) { nodes[i], nodes[j] = nodes[j], nodes[i] })
	return nodes[:k]
}

// Send starts gossiping service.method(args...) through the group.
func (g *Gossip) Send(ctx context.Context, service, method string, args ...any) (string, error) {
	msg, err := gossip.NewMessage(g.gid, service, method, args...)
	if err != nil {
		return "", err
	}
	return msg.ID, g.Forward(ctx, msg)
}

// Forward passes msg to a fresh random subset of the group.
func (g *Gossip) Forward(ctx context.Context, msg gossip.Message) error {
	group, err := g.group()
	if err != nil {
		return err
	}
	targets := g.Subset(group)
	if len(targets) == 0 {
		return nil
	}
	_, err = fanout(ctx, g.env, groups.NewGroup(targets...), func(ctx context.Context, node id.Node) (json.RawMessage, error) {
		return g.env.Client.Send(ctx, comm.Target{Node: node, GID: g.gid, Service: "gossip", Method: "recv"}, msg)
	})
	return err
}

// At gossips the call every interval until Del is called with the returned
// id.
func (g *Gossip) At(interval time.Duration, service, method string, args ...any) string {
	tickerID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())

	g.mu.Lock()
	g.tickers[tickerID] = cancel
	g.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := g.Send(ctx, service, method, args...); err != nil {
					g.logger.Debug("Periodic gossip failed", "id", tickerID, "error", err)
				}
			}
		}
	}()
	return tickerID
}

// Del stops a periodic gossip. It reports whether the id was known.
func (g *Gossip) Del(tickerID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	cancel, ok := g.tickers[tickerID]
	if ok {
		cancel()
		delete(g.tickers, tickerID)
	}
	return ok
}

// Close stops every periodic gossip.
func (g *Gossip) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for tickerID, cancel := range g.tickers {
		cancel()
		delete(g.tickers, tickerID)
	}
}
