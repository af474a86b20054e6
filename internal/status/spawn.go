package status

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/id"
)

// Probe checks that a node answers calls.
type Probe func(ctx context.Context, node id.Node) error

// Spawner starts node processes from a binary and waits until they answer.
type Spawner struct {
	Binary       string
	Args         []string
	StartTimeout time.Duration

	probe  Probe
	logger logging.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewSpawner uses the running executable when binary is empty.
func NewSpawner(binary string, args []string, probe Probe, logger logging.Logger) (*Spawner, error) {
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolving node binary: %w", err)
		}
		binary = exe
	}
	return &Spawner{
		Binary:       binary,
		Args:         args,
		StartTimeout: 10 * time.Second,
		probe:        probe,
		logger:       logger,
		procs:        make(map[string]*exec.Cmd),
	}, nil
}

func (s *Spawner) Spawn(ctx context.Context, node id.Node) error {
	if !node.Valid() {
		return fmt.Errorf("cannot spawn %v: ip and port are required", node)
	}

	args := append([]string{"-ip", node.IP, "-port", strconv.Itoa(node.Port)}, s.Args...)
	cmd := exec.Command(s.Binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting node %s: %w", node, err)
	}
	s.logger.Info("Node process started", "node", node.Addr(), "pid", cmd.Process.Pid)

	s.mu.Lock()
	s.procs[node.Addr()] = cmd
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		if s.procs[node.Addr()] == cmd {
			delete(s.procs, node.Addr())
		}
		s.mu.Unlock()
		s.logger.Info("Node process exited", "node", node.Addr(), "error", err)
	}()

	return s.waitReady(ctx, node)
}

func (s *Spawner) waitReady(ctx context.Context, node id.Node) error {
	if s.probe == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.StartTimeout)
	defer cancel()

	backoff := 50 * time.Millisecond
	for {
		err := s.probe(ctx, node)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("node %s did not become ready: %w", node, err)
		case <-time.After(backoff):
			backoff = min(backoff*2, time.Second)
		}
	}
}

// Running lists the addresses of processes this spawner started that have
// not exited.
func (s *Spawner) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]string, 0, len(s.procs))
	for addr := range s.procs {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Healer frees the port of a node that stopped answering and spawns a new
// process in its place.
type Healer struct {
	spawner *Spawner
	logger  logging.Logger

	// lookup returns the pids listening on a port.
	lookup func(ctx context.Context, port int) ([]int, error)
}

func NewHealer(spawner *Spawner, logger logging.Logger) *Healer {
	return &Healer{spawner: spawner, logger: logger, lookup: listeningPIDs}
}

func (h *Healer) Revive(ctx context.Context, node id.Node) error {
	if err := h.freePort(ctx, node.Port); err != nil {
		return err
	}
	return h.spawner.Spawn(ctx, node)
}

func (h *Healer) freePort(ctx context.Context, port int) error {
	pids, err := h.lookup(ctx, port)
	if err != nil {
		return fmt.Errorf("looking up port %d: %w", port, err)
	}
	self := os.Getpid()
	for _, pid := range pids {
		if pid == self {
			continue
		}
		h.logger.Warn("Killing process holding port", "port", port, "pid", pid)
		if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("killing pid %d: %w", pid, err)
		}
	}
	return nil
}

func listeningPIDs(ctx context.Context, port int) ([]int, error) {
	out, err := exec.CommandContext(ctx, "lsof", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	if err != nil {
		// lsof exits 1 when nothing matches.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	return parsePIDs(out), nil
}

func parsePIDs(out []byte) []int {
	var pids []int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if pid, err := strconv.Atoi(string(bytes.TrimSpace(scanner.Bytes()))); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids
}
