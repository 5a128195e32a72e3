package domain

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete Kestrel configuration.
type Config struct {
	Server ServerConfig `json:"server"`

	// Tier determines which backends are wired by default
	Tier Tier `json:"tier"`

	// Dataset identifies the snapshot this process serves
	Dataset DatasetConfig `json:"dataset"`

	// Engine tunes precomputation and derived queries
	Engine EngineConfig `json:"engine"`

	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Worker     WorkerConfig     `json:"worker"`

	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// DatasetConfig names the snapshot to load at startup.
type DatasetConfig struct {
	ID           string `json:"id"`
	SnapshotPath string `json:"snapshotPath"`
}

// EngineConfig holds risk-engine tuning.
type EngineConfig struct {
	// PrecomputeWorkers bounds concurrent bucket fusion at load time
	PrecomputeWorkers int `json:"precomputeWorkers"`

	// ClusterThreshold is the default minimum risk for cluster membership
	ClusterThreshold float64 `json:"clusterThreshold"`

	// PersistRisk writes every computed bucket to the repository
	PersistRisk bool `json:"persistRisk"`
}

// WorkerConfig controls the injection worker.
type WorkerConfig struct {
	// Async routes HTTP injections through the event bus instead of
	// applying them inline.
	Async bool `json:"async"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-process LRU and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Dataset: DatasetConfig{
			ID:           "default",
			SnapshotPath: "./data/snapshot.json",
		},
		Engine: EngineConfig{
			PrecomputeWorkers: 4,
			ClusterThreshold:  0.3,
			PersistRisk:       true,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			QueryTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Engine.PrecomputeWorkers = 8
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		QueryTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server port %d out of range", c.Server.Port))
	}
	if c.Dataset.ID == "" {
		errs = append(errs, errors.New("dataset id is required"))
	}
	if c.Engine.PrecomputeWorkers <= 0 {
		errs = append(errs, fmt.Errorf("precompute workers must be positive, got %d", c.Engine.PrecomputeWorkers))
	}
	if c.Engine.ClusterThreshold < 0 || c.Engine.ClusterThreshold > 1 {
		errs = append(errs, fmt.Errorf("cluster threshold %.2f outside [0,1]", c.Engine.ClusterThreshold))
	}
	switch c.Repository.Driver {
	case "sqlite", "postgres", "none":
	default:
		errs = append(errs, fmt.Errorf("unsupported repository driver: %s", c.Repository.Driver))
	}
	switch c.Cache.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unsupported cache type: %s", c.Cache.Type))
	}
	switch c.EventBus.Type {
	case "channel", "nats":
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus type: %s", c.EventBus.Type))
	}
	return errors.Join(errs...)
}
