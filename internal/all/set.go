package all

import (
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/id"
)

// Set is every facade bound to one gid.
type Set struct {
	GID    string
	Comm   *Comm
	Groups *Groups
	Routes *Routes
	Status *Status
	Store  *Store
	Mem    *Store
	Gossip *Gossip
}

func NewSet(env Env, gid string, self id.Node, spawner Spawner, gossipFanoutMin int, logger logging.Logger) *Set {
	return &Set{
		GID:    gid,
		Comm:   NewComm(env, gid),
		Groups: NewGroups(env, gid),
		Routes: NewRoutes(env, gid),
		Status: NewStatus(env, gid, spawner),
		Store:  NewStore(env, gid, ServiceStore),
		Mem:    NewStore(env, gid, ServiceMem),
		Gossip: NewGossip(env, gid, self, gossipFanoutMin, logger),
	}
}
