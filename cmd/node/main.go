package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/nemanja-m/distrib/examples/grep"
	_ "github.com/nemanja-m/distrib/examples/wordcount"
	"github.com/nemanja-m/distrib/internal/node"
	"github.com/nemanja-m/distrib/internal/shared/config"
	"github.com/nemanja-m/distrib/internal/shared/logging"
	"github.com/nemanja-m/distrib/pkg/jobs"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	ip := flag.String("ip", "", "address to listen on, overrides node.ip")
	port := flag.Int("port", 0, "port to listen on, overrides node.port")
	flag.Parse()

	cfg, err := config.LoadNode(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *ip != "" {
		cfg.Node.IP = *ip
	}
	if *port != 0 {
		cfg.Node.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid config", "error", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging.Backend, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}

	var opts []node.Option
	if *configPath != "" {
		opts = append(opts, node.WithSpawnArgs("-config", *configPath))
	}
	n, err := node.New(cfg, logger, opts...)
	if err != nil {
		logger.Fatal("Failed to create node", "error", err)
	}

	if err := n.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start node", "error", err)
	}

	logger.Info("Node started",
		"addr", n.Self().Addr(),
		"transport", cfg.Comm.Transport,
		"admin_addr", cfg.Admin.Addr,
		"jobs", jobs.List(),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-n.Done():
	}

	logger.Info("Shutting down node", "addr", n.Self().Addr())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := n.Stop(ctx); err != nil {
		logger.Fatal("Node forced to shutdown", "error", err)
	}

	logger.Info("Node stopped")
}
