// Package gossip spreads a call through a group by forwarding it to a few
// random members, each of which delivers it once and forwards it again.
package gossip

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/internal/shared/logging"
)

// Message is one gossiped call.
type Message struct {
	ID      string            `json:"id"`
	GID     string            `json:"gid"`
	Service string            `json:"service"`
	Method  string            `json:"method"`
	Args    []json.RawMessage `json:"args"`
}

func NewMessage(gid, service, method string, args ...any) (Message, error) {
	encoded, err := routes.NewArgs(args...)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:      uuid.NewString(),
		GID:     gid,
		Service: service,
		Method:  method,
		Args:    encoded,
	}, nil
}

// Forwarder passes a message on to other members of its group.
type Forwarder interface {
	Forward(ctx context.Context, msg Message) error
}

type Resolver interface {
	Resolve(gid, service, method string) (routes.Method, error)
}

// Receiver remembers which messages it has seen so each is delivered at most
// once per node.
type Receiver struct {
	mu        sync.Mutex
	seen      map[string]struct{}
	resolver  Resolver
	forwarder Forwarder
	logger    logging.Logger
}

func NewReceiver(resolver Resolver, forwarder Forwarder, logger logging.Logger) *Receiver {
	return &Receiver{
		seen:      make(map[string]struct{}),
		resolver:  resolver,
		forwarder: forwarder,
		logger:    logger,
	}
}

// Receive delivers msg locally and forwards it. It reports false for a
// message that was already received.
func (r *Receiver) Receive(ctx context.Context, msg Message) (bool, error) {
	r.mu.Lock()
	if _, ok := r.seen[msg.ID]; ok {
		r.mu.Unlock()
		return false, nil
	}
	r.seen[msg.ID] = struct{}{}
	r.mu.Unlock()

	// Delivery is to this node only; group scoped services would route the
	// call onward again.
	m, err := r.resolver.Resolve(routes.LocalGID, msg.Service, msg.Method)
	if err != nil {
		return true, err
	}
	if _, err := m(ctx, routes.Args(msg.Args)); err != nil {
		r.logger.Warn("Gossip delivery failed", "id", msg.ID, "service", msg.Service, "method", msg.Method, "error", err)
	}

	if r.forwarder != nil {
		// Forwarding outlives the request that delivered the message.
		go func() {
			if err := r.forwarder.Forward(context.WithoutCancel(ctx), msg); err != nil {
				r.logger.Debug("Gossip forward incomplete", "id", msg.ID, "error", err)
			}
		}()
	}
	return true, nil
}

func (r *Receiver) Seen(msgID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.seen[msgID]
	return ok
}

// NewService exposes r as the "gossip" service.
func NewService(r *Receiver) routes.Service {
	return routes.MethodTable{
		"recv": func(ctx context.Context, args routes.Args) (any, error) {
			var msg Message
			if err := args.Decode(0, &msg); err != nil {
				return nil, err
			}
			return r.Receive(ctx, msg)
		},
	}
}
