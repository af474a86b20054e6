// Package node assembles one distrib process: the service registry, the
// group table, the remote call client and server, local storage, the
// MapReduce engine and the admin API.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"

	"google.golang.org/grpc"

	"github.com/nemanja-m/distrib/internal/all"
	"github.com/nemanja-m/distrib/internal/api/rest"
	"github.com/nemanja-m/distrib/internal/comm"
	"github.com/nemanja-m/distrib/internal/gossip"
	"github.com/nemanja-m/distrib/internal/groups"
	"github.com/nemanja-m/distrib/internal/mr"
	mrstorage "github.com/nemanja-m/distrib/internal/mr/storage"
	"github.com/nemanja-m/distrib/internal/routes"
	"github.com/nemanja-m/distrib/internal/shared/config"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/internal/shared/pool"
	"github.com/nemanja-m/distrib/internal/status"
	"github.com/nemanja-m/distrib/internal/storage"
	"github.com/nemanja-m/distrib/pkg/core"
	"github.com/nemanja-m/distrib/pkg/id"
	"github.com/nemanja-m/distrib/pkg/local"
)

// Names of the services every node registers in its local table.
const (
	ServiceRoutes = "routes"
	ServiceComm   = "comm"
	ServiceGroups = "groups"
	ServiceStatus = "status"
	ServiceGossip = "gossip"
)

type Option func(*options)

type options struct {
	spawnArgs []string
	binary    string
}

// WithSpawnArgs appends args to every node process this node spawns.
func WithSpawnArgs(args ...string) Option {
	return func(o *options) { o.spawnArgs = append(o.spawnArgs, args...) }
}

// WithBinary spawns nodes from binary instead of the running executable.
func WithBinary(binary string) Option {
	return func(o *options) { o.binary = binary }
}

type Node struct {
	cfg    *config.NodeConfig
	self   id.Node
	logger logging.Logger

	registry *routes.Registry
	table    *groups.Table
	client   *comm.Client
	server   *comm.Server
	store    *storage.FileStore
	mem      *storage.MemStore
	jobs     *mrstorage.InMemoryJobStore
	engine   *mr.Engine
	spawner  *status.Spawner
	health   *HealthChecker

	mu   sync.Mutex
	sets map[string]*all.Set

	httpServer  *http.Server
	grpcServer  *grpc.Server
	adminServer *http.Server

	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func New(cfg *config.NodeConfig, logger logging.Logger, opts ...Option) (*Node, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	self := id.Node{IP: cfg.Node.IP, Port: cfg.Node.Port}
	if !self.Valid() {
		return nil, fmt.Errorf("invalid node address %v", self)
	}
	nid := id.NodeID(self)
	logger = logger.With("sid", nid.Short())

	store, err := storage.NewFileStore(filepath.Clean(cfg.Store.Root), nid)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	n := &Node{
		cfg:      cfg,
		self:     self,
		logger:   logger,
		registry: routes.NewRegistry(),
		table:    groups.NewTable(self),
		store:    store,
		mem:      storage.NewMemStore(),
		jobs:     mrstorage.NewInMemoryJobStore(),
		sets:     make(map[string]*all.Set),
		done:     make(chan struct{}),
	}

	n.client = comm.NewClient(newTransport(cfg.Comm), comm.Options{
		MaxRetries:       cfg.Comm.MaxRetries,
		BackoffBase:      cfg.Comm.BackoffBase,
		BackoffMax:       cfg.Comm.BackoffMax,
		BreakerThreshold: cfg.Comm.BreakerThreshold,
		BreakerCooldown:  cfg.Comm.BreakerCooldown,
	}, logger)
	n.server = comm.NewServer(n.registry, logger)

	spawner, err := status.NewSpawner(o.binary, o.spawnArgs, n.probe, logger)
	if err != nil {
		logger.Warn("Spawning disabled", "error", err)
	} else {
		n.spawner = spawner
		if cfg.Comm.SelfHeal {
			n.client.SetHealer(status.NewHealer(spawner, logger))
		}
	}

	n.engine = mr.NewEngine(mr.Options{
		Self:         self,
		Env:          n.env(),
		Registry:     n.registry,
		Locals:       map[string]storage.Store{mr.SourceStore: n.store, mr.SourceMem: n.mem},
		Jobs:         n.jobs,
		PhaseTimeout: cfg.MR.PhaseTimeout,
		Logger:       logger,
	})

	if err := n.registerServices(); err != nil {
		return nil, err
	}

	n.table.OnCreate(func(gc groups.Config) {
		set := n.Facades(gc.GID)
		n.registry.PutGroup(gc.GID, mr.SourceStore, set.Store.Service())
		n.registry.PutGroup(gc.GID, mr.SourceMem, set.Mem.Service())
		logger.Debug("Group created", "gid", gc.GID, "hash", gc.Hash)
	})
	n.table.OnDelete(n.dropGroup)
	if err := n.seedGroups(); err != nil {
		return nil, err
	}

	if cfg.Health.CheckInterval > 0 {
		n.health = NewHealthChecker(cfg.Health.CheckInterval, n.table, n.probe, logger)
	}
	if cfg.Admin.Addr != "" {
		n.adminServer = rest.NewServer(cfg.Admin, n.engine, n.table, n, logger)
	}
	return n, nil
}

func newTransport(cfg config.CommConfig) comm.Transport {
	if cfg.Transport == "grpc" {
		return comm.NewGRPCTransport(cfg.Timeout, cfg.GRPC)
	}
	return comm.NewHTTPTransport(cfg.Timeout)
}

func (n *Node) env() all.Env {
	return all.Env{Groups: n.table, Client: n.client, FanoutLimit: n.cfg.Comm.FanoutLimit}
}

func (n *Node) registerServices() error {
	services := map[string]routes.Service{
		ServiceRoutes:  routes.NewService(n.registry),
		ServiceComm:    comm.NewService(n.client),
		ServiceGroups:  groups.NewService(n.table),
		mr.SourceStore: storage.NewService(n.store),
		mr.SourceMem:   storage.NewService(n.mem),
		ServiceStatus:  status.NewService(status.Source{Self: n.self, Calls: n.server.Calls}, n.spawner, n.shutdown),
		ServiceGossip:  gossip.NewService(gossip.NewReceiver(n.registry, n, n.logger)),
	}
	for name, svc := range services {
		if err := n.registry.Put(name, svc); err != nil {
			return fmt.Errorf("registering %s: %w", name, err)
		}
	}
	return nil
}

func (n *Node) seedGroups() error {
	for _, seed := range n.cfg.Groups {
		members := make([]id.Node, 0, len(seed.Nodes))
		for _, addr := range seed.Nodes {
			members = append(members, id.Node{IP: addr.IP, Port: addr.Port})
		}
		if _, err := n.table.Put(groups.Config{GID: seed.GID, Hash: seed.Hash}, groups.NewGroup(members...)); err != nil {
			return fmt.Errorf("seeding group %s: %w", seed.GID, err)
		}
		n.logger.Info("Group seeded", "gid", seed.GID, "members", len(members))
	}
	return nil
}

// probe reports whether node answers status calls.
func (n *Node) probe(ctx context.Context, node id.Node) error {
	_, err := n.client.Send(ctx, comm.Target{
		Node:    node,
		GID:     routes.LocalGID,
		Service: ServiceStatus,
		Method:  "get",
	}, status.FieldNID)
	return err
}

// Forward relays a gossip message to a random subset of its group.
func (n *Node) Forward(ctx context.Context, msg gossip.Message) error {
	return n.Facades(msg.GID).Gossip.Forward(ctx, msg)
}

// Facades returns the facades bound to gid, creating them on first use.
func (n *Node) Facades(gid string) *all.Set {
	n.mu.Lock()
	defer n.mu.Unlock()
	if set, ok := n.sets[gid]; ok {
		return set
	}
	var spawner all.Spawner
	if n.spawner != nil {
		spawner = n.spawner
	}
	set := all.NewSet(n.env(), gid, n.self, spawner, n.cfg.Gossip.FanoutMin, n.logger)
	n.sets[gid] = set
	return set
}

// dropGroup forgets the group services and facades of a deleted gid.
func (n *Node) dropGroup(gid string) {
	if n.registry.HasGroup(gid) {
		n.registry.RemoveGroup(gid)
	}
	n.mu.Lock()
	set, ok := n.sets[gid]
	delete(n.sets, gid)
	n.mu.Unlock()
	if ok {
		set.Gossip.Close()
	}
	n.logger.Debug("Group deleted", "gid", gid)
}

// Load stores every non-blank line of the local files matching patterns in
// the store of gid, keyed "<file>:<line>". It returns how many lines were
// stored.
func (n *Node) Load(ctx context.Context, gid string, patterns []string) (int, error) {
	if _, err := n.table.Get(gid); err != nil {
		return 0, err
	}
	records, err := local.ReadRecords(patterns...)
	if err != nil {
		return 0, err
	}

	store := n.Facades(gid).Store
	var (
		mu   sync.Mutex
		errs []error
	)
	pool.Each(n.cfg.Comm.FanoutLimit, records, func(kv core.KeyValue) {
		if _, err := store.Put(ctx, kv.Value, kv.Key); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("%s: %w", kv.Key, err))
			mu.Unlock()
		}
	})

	stored := len(records) - len(errs)
	if len(errs) > 0 {
		return stored, fmt.Errorf("loading %d of %d lines failed: %w", len(errs), len(records), errors.Join(errs...))
	}
	n.logger.Info("Input loaded", "gid", gid, "lines", stored)
	return stored, nil
}

func (n *Node) Self() id.Node {
	return n.self
}

func (n *Node) Registry() *routes.Registry {
	return n.registry
}

func (n *Node) Groups() *groups.Table {
	return n.table
}

func (n *Node) Client() *comm.Client {
	return n.client
}

func (n *Node) Engine() *mr.Engine {
	return n.engine
}

func (n *Node) Store() *storage.FileStore {
	return n.store
}

func (n *Node) Mem() *storage.MemStore {
	return n.mem
}

// Health is nil when health checking is disabled.
func (n *Node) Health() *HealthChecker {
	return n.health
}

// Done is closed once the node was asked to stop through status.stop.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) shutdown() {
	n.doneOnce.Do(func() { close(n.done) })
}

// Serve answers remote calls on lis until the node stops. It uses the
// transport configured in comm.transport.
func (n *Node) Serve(lis net.Listener) error {
	n.logger.Info("Node serving", "addr", lis.Addr().String(), "transport", n.cfg.Comm.Transport)

	if n.cfg.Comm.Transport == "grpc" {
		n.mu.Lock()
		n.grpcServer = comm.NewGRPCServer(n.server, n.cfg.Comm.GRPC)
		srv := n.grpcServer
		n.mu.Unlock()
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	}

	n.mu.Lock()
	n.httpServer = &http.Server{Handler: n.server.Handler()}
	srv := n.httpServer
	n.mu.Unlock()
	if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address and serves in the background,
// together with the admin API when it is enabled.
func (n *Node) Start(ctx context.Context) error {
	var lc net.ListenConfig
	lis, err := lc.Listen(ctx, "tcp", n.self.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", n.self.Addr(), err)
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	go func() {
		if err := n.Serve(lis); err != nil {
			n.logger.Error("Node server failed", "error", err)
			n.shutdown()
		}
	}()

	if n.health != nil {
		go n.health.Start(bg)
	}

	if n.adminServer != nil {
		go func() {
			n.logger.Info("Starting admin API server", "addr", n.adminServer.Addr)
			if err := n.adminServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Error("Admin server failed", "error", err)
			}
		}()
	}
	return nil
}

// Stop shuts the servers down, abandons running jobs and closes outgoing
// connections.
func (n *Node) Stop(ctx context.Context) error {
	n.shutdown()
	n.engine.Stop()

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	httpServer, grpcServer := n.httpServer, n.grpcServer
	sets := make([]*all.Set, 0, len(n.sets))
	for _, set := range n.sets {
		sets = append(sets, set)
	}
	n.mu.Unlock()

	for _, set := range sets {
		set.Gossip.Close()
	}

	var errs []error
	if n.adminServer != nil {
		if err := n.adminServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("admin server: %w", err))
		}
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("node server: %w", err))
		}
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	if err := n.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("client: %w", err))
	}
	return errors.Join(errs...)
}
