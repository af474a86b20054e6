package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// NodeConfig contains all configuration for one node process.
type NodeConfig struct {
	Node    NodeAddrConfig `mapstructure:"node"`
	Comm    CommConfig     `mapstructure:"comm"`
	Store   StoreConfig    `mapstructure:"store"`
	MR      MRConfig       `mapstructure:"mr"`
	Gossip  GossipConfig   `mapstructure:"gossip"`
	Admin   AdminConfig    `mapstructure:"admin"`
	Health  HealthConfig   `mapstructure:"health"`
	Groups  []GroupSeed    `mapstructure:"groups"`
	Logging LoggingConfig  `mapstructure:"logging"`
}

// NodeAddrConfig is the address this node listens on and is known by.
type NodeAddrConfig struct {
	IP   string `mapstructure:"ip"`
	Port int    `mapstructure:"port"`
}

// CommConfig contains remote call layer configuration.
type CommConfig struct {
	Transport        string        `mapstructure:"transport"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	SelfHeal         bool          `mapstructure:"self_heal"`
	FanoutLimit      int           `mapstructure:"fanout_limit"`
	GRPC             GRPCConfig    `mapstructure:"grpc"`
}

// GRPCConfig contains gRPC transport configuration.
type GRPCConfig struct {
	EnableReflection bool          `mapstructure:"enable_reflection"`
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout"`
	KeepaliveMinTime time.Duration `mapstructure:"keepalive_min_time"`
}

// StoreConfig contains local file store configuration.
type StoreConfig struct {
	Root string `mapstructure:"root"`
}

// MRConfig contains MapReduce engine configuration.
type MRConfig struct {
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
}

// GossipConfig contains gossip configuration.
type GossipConfig struct {
	FanoutMin int `mapstructure:"fanout_min"`
}

// AdminConfig contains the admin REST API configuration. An empty address
// disables the API.
type AdminConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// HealthConfig contains group member health checking configuration. A zero
// interval disables checking.
type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// GroupSeed is a group membership known at startup.
type GroupSeed struct {
	GID   string           `mapstructure:"gid"`
	Hash  string           `mapstructure:"hash"`
	Nodes []NodeAddrConfig `mapstructure:"nodes"`
}

// LoadNode loads the node configuration from the given path.
// If configPath is empty, it looks for node.yaml in the config/ directory.
// Environment variables with DISTRIB_NODE_ prefix override config file values.
func LoadNode(configPath string) (*NodeConfig, error) {
	v := viper.New()

	v.SetDefault("node.ip", "127.0.0.1")
	v.SetDefault("node.port", 7070)
	v.SetDefault("comm.transport", "http")
	v.SetDefault("comm.timeout", 30*time.Second)
	v.SetDefault("comm.max_retries", 3)
	v.SetDefault("comm.backoff_base", 100*time.Millisecond)
	v.SetDefault("comm.backoff_max", 2*time.Second)
	v.SetDefault("comm.breaker_threshold", 5)
	v.SetDefault("comm.breaker_cooldown", 10*time.Second)
	v.SetDefault("comm.self_heal", false)
	v.SetDefault("comm.fanout_limit", 16)
	v.SetDefault("comm.grpc.enable_reflection", true)
	v.SetDefault("comm.grpc.keepalive_time", 30*time.Second)
	v.SetDefault("comm.grpc.keepalive_timeout", 5*time.Second)
	v.SetDefault("comm.grpc.keepalive_min_time", 10*time.Second)
	v.SetDefault("store.root", "store")
	v.SetDefault("mr.phase_timeout", 5*time.Minute)
	v.SetDefault("gossip.fanout_min", 1)
	v.SetDefault("admin.addr", "")
	v.SetDefault("admin.read_timeout", 15*time.Second)
	v.SetDefault("admin.write_timeout", 15*time.Second)
	v.SetDefault("admin.idle_timeout", 60*time.Second)
	v.SetDefault("health.check_interval", 30*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.backend", "slog")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("node")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("DISTRIB_NODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg NodeConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values viper cannot check on its own.
func (c *NodeConfig) Validate() error {
	if c.Node.IP == "" {
		return errors.New("node.ip is required")
	}
	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("node.port out of range: %d", c.Node.Port)
	}
	switch c.Comm.Transport {
	case "http", "grpc":
	default:
		return fmt.Errorf("unsupported comm.transport: %s", c.Comm.Transport)
	}
	if c.Comm.MaxRetries < 0 {
		return fmt.Errorf("comm.max_retries must be >= 0, got %d", c.Comm.MaxRetries)
	}
	for _, g := range c.Groups {
		if g.GID == "" {
			return errors.New("groups: gid is required")
		}
	}
	return nil
}
