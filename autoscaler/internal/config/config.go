package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/fx"
)

// Prefix is the environment variable prefix, e.g. VHM_SERVER_PORT
const Prefix = "VHM"

// Config holds all configuration for the autoscaler
type Config struct {
	Server     ServerConfig
	Logging    LoggingConfig
	Platform   PlatformConfig
	Gate       GateConfig
	ClusterMap ClusterMapConfig
	Dispatcher DispatcherConfig
	Execution  ExecutionConfig
	Actions    ActionsConfig
	MQ         MQConfig
	Events     EventsConfig
	Health     HealthConfig
}

// ServerConfig holds the API server settings
type ServerConfig struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Development bool `envconfig:"DEVELOPMENT" default:"false"` // Whether to use development logger (more verbose, panics on DPanic)
}

// PlatformConfig holds settings for the virtualization platform
type PlatformConfig struct {
	// Mock runs against an in-memory platform seeded with demo clusters
	Mock    bool     `envconfig:"MOCK" default:"true"`
	Folders []string `envconfig:"FOLDERS" default:"vms"`
	Domain  string   `envconfig:"DOMAIN" default:"vm.local"`

	PowerDelay        time.Duration `envconfig:"POWER_DELAY" default:"2s"`
	PowerWaitInterval time.Duration `envconfig:"POWER_WAIT_INTERVAL" default:"500ms"`
	PowerWaitAttempts int           `envconfig:"POWER_WAIT_ATTEMPTS" default:"60"`

	ReconnectBackoff time.Duration `envconfig:"RECONNECT_BACKOFF" default:"1s"`
	ReconnectCap     time.Duration `envconfig:"RECONNECT_CAP" default:"30s"`

	// Demo inventory for mock mode
	SeedClusters       int `envconfig:"SEED_CLUSTERS" default:"2"`
	SeedComputePerHost int `envconfig:"SEED_COMPUTE_PER_HOST" default:"2"`
	SeedHosts          int `envconfig:"SEED_HOSTS" default:"2"`
}

// GateConfig holds settings for the cluster map gate
type GateConfig struct {
	DrainTimeout time.Duration `envconfig:"DRAIN_TIMEOUT" default:"10s"`
}

// ClusterMapConfig holds settings for the cluster state store
type ClusterMapConfig struct {
	ValidateAccess    bool          `envconfig:"VALIDATE_ACCESS" default:"false"`
	DisableCache      bool          `envconfig:"DISABLE_CACHE" default:"false"`
	CompletenessGrace time.Duration `envconfig:"COMPLETENESS_GRACE" default:"2m"`
}

// DispatcherConfig holds settings for the control loop
type DispatcherConfig struct {
	FolderLookupTimeout time.Duration `envconfig:"FOLDER_LOOKUP_TIMEOUT" default:"5s"`
}

// ExecutionConfig holds settings for the worker pool
type ExecutionConfig struct {
	MaxWorkers       int           `envconfig:"MAX_WORKERS" default:"16"`
	IdleTimeout      time.Duration `envconfig:"IDLE_TIMEOUT" default:"60s"`
	OperationTimeout time.Duration `envconfig:"OPERATION_TIMEOUT" default:"10m"`
}

// ActionsConfig holds settings for remote commissioning
type ActionsConfig struct {
	CheckAttempts int           `envconfig:"CHECK_ATTEMPTS" default:"10"`
	CheckDelay    time.Duration `envconfig:"CHECK_DELAY" default:"1s"`
}

// MQConfig holds settings for the Redis instruction queue
type MQConfig struct {
	Enabled      bool          `envconfig:"ENABLED" default:"false"`
	RedisURI     string        `envconfig:"REDIS_URI" default:"redis://localhost:6379/0"`
	Key          string        `envconfig:"KEY" default:"vhm:instructions"`
	BlockTimeout time.Duration `envconfig:"BLOCK_TIMEOUT" default:"1s"`
}

// EventsConfig holds settings for forwarding scale completions
type EventsConfig struct {
	Enabled    bool          `envconfig:"ENABLED" default:"false"`
	Endpoint   string        `envconfig:"ENDPOINT" default:"localhost:8090"`
	BufferSize int           `envconfig:"BUFFER_SIZE" default:"100"`
	MaxRetries int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryDelay time.Duration `envconfig:"RETRY_DELAY" default:"1s"`
}

// HealthConfig holds settings for the completeness sweep
type HealthConfig struct {
	Enabled  bool          `envconfig:"ENABLED" default:"true"`
	Interval time.Duration `envconfig:"INTERVAL" default:"30s"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	var cfg Config
	err := envconfig.Process(Prefix, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to process environment config: %w", err)
	}

	return &cfg, nil
}

// Module provides the config dependency to the fx container
var Module = fx.Options(
	fx.Provide(LoadConfig),
)
