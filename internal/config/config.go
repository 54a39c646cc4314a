// Package config loads orchestrator configuration from ORC_*-prefixed
// environment variables and an optional YAML overlay file, validating the
// result eagerly at startup. A missing required field is a fatal startup
// error, never a silent default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreInmem = "inmem"
	StoreRedis = "redis"
	StoreMongo = "mongo"

	ArtifactFS    = "fs"
	ArtifactMongo = "mongo-catalog"

	EngineInProcess = "inprocess"
	EngineTemporal  = "temporal"

	LogFormatAuto     = "auto"
	LogFormatJSON     = "json"
	LogFormatTerminal = "terminal"
)

// Config is the orchestrator process's complete startup configuration.
type Config struct {
	// CapabilityIndexPath is the YAML capability index file to load.
	// Required.
	CapabilityIndexPath string `yaml:"capability_index_path"`

	StoreBackend  string `yaml:"store_backend"`
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDatabase string `yaml:"mongo_database"`

	ArtifactBackend string `yaml:"artifact_backend"`
	ArtifactRoot    string `yaml:"artifact_root"`

	Workers         int           `yaml:"workers"`
	GlobalSemaphore int           `yaml:"global_semaphore"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	InlineThreshold int           `yaml:"inline_threshold"`
	ToolKillGrace   time.Duration `yaml:"tool_kill_grace"`

	Engine            string `yaml:"engine"`
	TemporalHostPort  string `yaml:"temporal_host_port"`
	TemporalNamespace string `yaml:"temporal_namespace"`
	TemporalTaskQueue string `yaml:"temporal_task_queue"`

	PulseEnabled  bool   `yaml:"pulse_enabled"`
	PulseRedisURL string `yaml:"pulse_redis_url"`

	LogFormat string `yaml:"log_format"`
	Debug     bool   `yaml:"debug"`
}

const (
	defaultWorkers         = 4
	defaultGlobalSemaphore = 16
	defaultRetryBackoff    = 250 * time.Millisecond
	defaultInlineThreshold = 32 * 1024
	defaultToolKillGrace   = 2 * time.Second
	defaultRedisURL        = "localhost:6379"
	defaultTemporalAddr    = "localhost:7233"
	defaultTemporalNS      = "default"
	defaultTemporalQueue   = "orchestrator"
)

// Load reads configuration from the process environment, overlaying it with
// ORC_CONFIG_FILE (if set) first so individual env vars can still override
// file values. It returns an error if the result fails Validate.
func Load() (Config, error) {
	cfg := Config{
		StoreBackend:    StoreInmem,
		ArtifactBackend: ArtifactFS,
		Workers:         defaultWorkers,
		GlobalSemaphore: defaultGlobalSemaphore,
		RetryBackoff:    defaultRetryBackoff,
		InlineThreshold: defaultInlineThreshold,
		ToolKillGrace:   defaultToolKillGrace,
		Engine:          EngineInProcess,
		TemporalHostPort:  defaultTemporalAddr,
		TemporalNamespace: defaultTemporalNS,
		TemporalTaskQueue: defaultTemporalQueue,
		RedisURL:          defaultRedisURL,
		LogFormat:         LogFormatAuto,
	}

	if path := os.Getenv("ORC_CONFIG_FILE"); path != "" {
		if err := overlayFile(&cfg, path); err != nil {
			return Config{}, fmt.Errorf("config: loading %s: %w", path, err)
		}
	}

	cfg.CapabilityIndexPath = envOr("ORC_CAPABILITY_INDEX_PATH", cfg.CapabilityIndexPath)
	cfg.StoreBackend = envOr("ORC_STORE_BACKEND", cfg.StoreBackend)
	cfg.RedisURL = envOr("ORC_REDIS_URL", cfg.RedisURL)
	cfg.RedisPassword = envOr("ORC_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.MongoURI = envOr("ORC_MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = envOr("ORC_MONGO_DATABASE", cfg.MongoDatabase)
	cfg.ArtifactBackend = envOr("ORC_ARTIFACT_BACKEND", cfg.ArtifactBackend)
	cfg.ArtifactRoot = envOr("ORC_ARTIFACT_ROOT", cfg.ArtifactRoot)
	cfg.Workers = envIntOr("ORC_WORKERS", cfg.Workers)
	cfg.GlobalSemaphore = envIntOr("ORC_GLOBAL_SEMAPHORE", cfg.GlobalSemaphore)
	cfg.RetryBackoff = envDurationOr("ORC_RETRY_BACKOFF", cfg.RetryBackoff)
	cfg.InlineThreshold = envIntOr("ORC_INLINE_THRESHOLD", cfg.InlineThreshold)
	cfg.ToolKillGrace = envDurationOr("ORC_TOOL_KILL_GRACE", cfg.ToolKillGrace)
	cfg.Engine = envOr("ORC_ENGINE", cfg.Engine)
	cfg.TemporalHostPort = envOr("ORC_TEMPORAL_HOST_PORT", cfg.TemporalHostPort)
	cfg.TemporalNamespace = envOr("ORC_TEMPORAL_NAMESPACE", cfg.TemporalNamespace)
	cfg.TemporalTaskQueue = envOr("ORC_TEMPORAL_TASK_QUEUE", cfg.TemporalTaskQueue)
	cfg.PulseEnabled = envBoolOr("ORC_PULSE_ENABLED", cfg.PulseEnabled)
	cfg.PulseRedisURL = envOr("ORC_PULSE_REDIS_URL", cfg.PulseRedisURL)
	cfg.LogFormat = envOr("ORC_LOG_FORMAT", cfg.LogFormat)
	cfg.Debug = envBoolOr("ORC_DEBUG", cfg.Debug)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cfg for the combinations Load can't enforce through
// defaults alone: a missing capability index path, non-positive worker
// counts, and a store/artifact/engine backend selection missing the fields
// it needs to connect.
func (c Config) Validate() error {
	if c.CapabilityIndexPath == "" {
		return fmt.Errorf("config: ORC_CAPABILITY_INDEX_PATH is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: ORC_WORKERS must be positive, got %d", c.Workers)
	}
	if c.GlobalSemaphore <= 0 {
		return fmt.Errorf("config: ORC_GLOBAL_SEMAPHORE must be positive, got %d", c.GlobalSemaphore)
	}
	if c.InlineThreshold <= 0 {
		return fmt.Errorf("config: ORC_INLINE_THRESHOLD must be positive, got %d", c.InlineThreshold)
	}

	switch c.StoreBackend {
	case StoreInmem:
	case StoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("config: ORC_REDIS_URL is required when ORC_STORE_BACKEND=redis")
		}
	case StoreMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return fmt.Errorf("config: ORC_MONGO_URI and ORC_MONGO_DATABASE are required when ORC_STORE_BACKEND=mongo")
		}
	default:
		return fmt.Errorf("config: unknown ORC_STORE_BACKEND %q (want %q, %q, or %q)", c.StoreBackend, StoreInmem, StoreRedis, StoreMongo)
	}

	switch c.ArtifactBackend {
	case ArtifactFS:
	case ArtifactMongo:
		if c.MongoURI == "" || c.MongoDatabase == "" {
			return fmt.Errorf("config: ORC_MONGO_URI and ORC_MONGO_DATABASE are required when ORC_ARTIFACT_BACKEND=mongo-catalog")
		}
	default:
		return fmt.Errorf("config: unknown ORC_ARTIFACT_BACKEND %q (want %q or %q)", c.ArtifactBackend, ArtifactFS, ArtifactMongo)
	}

	switch c.Engine {
	case EngineInProcess:
	case EngineTemporal:
		if c.TemporalHostPort == "" || c.TemporalNamespace == "" || c.TemporalTaskQueue == "" {
			return fmt.Errorf("config: ORC_TEMPORAL_HOST_PORT, ORC_TEMPORAL_NAMESPACE, and ORC_TEMPORAL_TASK_QUEUE are required when ORC_ENGINE=temporal")
		}
	default:
		return fmt.Errorf("config: unknown ORC_ENGINE %q (want %q or %q)", c.Engine, EngineInProcess, EngineTemporal)
	}

	if c.PulseEnabled && c.PulseRedisURL == "" {
		return fmt.Errorf("config: ORC_PULSE_REDIS_URL is required when ORC_PULSE_ENABLED=true")
	}

	switch c.LogFormat {
	case LogFormatAuto, LogFormatJSON, LogFormatTerminal:
	default:
		return fmt.Errorf("config: unknown ORC_LOG_FORMAT %q (want %q, %q, or %q)", c.LogFormat, LogFormatAuto, LogFormatJSON, LogFormatTerminal)
	}

	return nil
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func envOr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envIntOr(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envDurationOr(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envBoolOr(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
