package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Server defaults
const (
	DefaultAddress      = ":8080"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultDataDir      = "./data/tinyapm"
)

// HTTP timeouts
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 10 * time.Second
	IngestTimeout      = 5 * time.Second
	QueryTimeout       = 30 * time.Second
	ShutdownTimeout    = 30 * time.Second
)

// Background tasks
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
	StorageUsageCacheTTL = 10 * time.Second
)

// Pipeline defaults
const (
	DefaultQueueCapacity = 1024
	DefaultFlushInterval = 10 * time.Second
	DefaultMaxWorkingSet = 100000
	DefaultDrainTimeout  = 20 * time.Second
)

// Retention per time-bucket step
const (
	DefaultMinuteRetention = 2 * 24 * time.Hour
	DefaultHourRetention   = 14 * 24 * time.Hour
	DefaultDayRetention    = 90 * 24 * time.Hour
	DefaultAlarmRetention  = 30 * 24 * time.Hour
)

// Query limits
const (
	DefaultAlarmListLimit = 100
	MaxAlarmListLimit     = 1000
	MaxTrendPoints        = 2000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Cache sizes
const (
	DefaultNameCacheSize   = 10000
	DefaultRaisedAlarmSize = 50000
)

// Config is the process configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	Cache    CacheConfig    `yaml:"cache"`
	Rules    RulesConfig    `yaml:"rules"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// AllowedOrigins are the browser origins granted CORS access.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// StorageConfig selects and sizes the storage backend.
type StorageConfig struct {
	Backend      string          `yaml:"backend"` // badger | memory
	DataDir      string          `yaml:"dataDir"`
	MaxMemoryMB  int64           `yaml:"maxMemoryMB"`
	MaxStorageGB int64           `yaml:"maxStorageGB"`
	GCInterval   time.Duration   `yaml:"gcInterval"`
	Retention    RetentionConfig `yaml:"retention"`
}

// RetentionConfig is how long records of each step are kept. Zero keeps
// records forever.
type RetentionConfig struct {
	Minute time.Duration `yaml:"minute"`
	Hour   time.Duration `yaml:"hour"`
	Day    time.Duration `yaml:"day"`
	Alarm  time.Duration `yaml:"alarm"`
}

// PipelineConfig sizes the worker graph.
type PipelineConfig struct {
	QueueCapacity int           `yaml:"queueCapacity"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	MaxWorkingSet int           `yaml:"maxWorkingSet"`
	// Instances is the number of instances of each metric worker.
	Instances    int           `yaml:"instances"`
	DrainTimeout time.Duration `yaml:"drainTimeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig sizes the in-process caches.
type CacheConfig struct {
	NameSize        int `yaml:"nameSize"`
	RaisedAlarmSize int `yaml:"raisedAlarmSize"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("TINYAPM_CONFIG")
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Address:         DefaultAddress,
			ShutdownTimeout: ShutdownTimeout,
			AllowedOrigins:  []string{"http://localhost:8080", "http://localhost:3000"},
		},
		Storage: StorageConfig{
			Backend:      "badger",
			DataDir:      DefaultDataDir,
			MaxMemoryMB:  DefaultMaxMemoryMB,
			MaxStorageGB: DefaultMaxStorageGB,
			GCInterval:   BadgerGCInterval,
			Retention: RetentionConfig{
				Minute: DefaultMinuteRetention,
				Hour:   DefaultHourRetention,
				Day:    DefaultDayRetention,
				Alarm:  DefaultAlarmRetention,
			},
		},
		Pipeline: PipelineConfig{
			QueueCapacity: DefaultQueueCapacity,
			FlushInterval: DefaultFlushInterval,
			MaxWorkingSet: DefaultMaxWorkingSet,
			Instances:     1,
			DrainTimeout:  DefaultDrainTimeout,
		},
		Logging: LoggingConfig{Level: "info"},
		Cache: CacheConfig{
			NameSize:        DefaultNameCacheSize,
			RaisedAlarmSize: DefaultRaisedAlarmSize,
		},
		Rules: DefaultRules(),
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "badger" && c.Storage.GCInterval <= 0 {
		return fmt.Errorf("config: storage.gcInterval must be positive, got %s", c.Storage.GCInterval)
	}
	if c.Pipeline.QueueCapacity <= 0 {
		return fmt.Errorf("config: pipeline.queueCapacity must be positive, got %d", c.Pipeline.QueueCapacity)
	}
	if c.Pipeline.FlushInterval <= 0 {
		return fmt.Errorf("config: pipeline.flushInterval must be positive, got %s", c.Pipeline.FlushInterval)
	}
	if c.Pipeline.Instances <= 0 {
		return fmt.Errorf("config: pipeline.instances must be positive, got %d", c.Pipeline.Instances)
	}
	return c.Rules.Validate()
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("TINYAPM_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("TINYAPM_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("TINYAPM_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("TINYAPM_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("TINYAPM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TINYAPM_LOG_JSON"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "true") || v == "1"
	}

	ints := []struct {
		key string
		dst *int64
	}{
		{"TINYAPM_MAX_MEMORY_MB", &cfg.Storage.MaxMemoryMB},
		{"TINYAPM_MAX_STORAGE_GB", &cfg.Storage.MaxStorageGB},
	}
	for _, o := range ints {
		if v := os.Getenv(o.key); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("config: invalid %s %q: %w", o.key, v, err)
			}
			*o.dst = n
		}
	}

	if v := os.Getenv("TINYAPM_QUEUE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: invalid TINYAPM_QUEUE_CAPACITY %q: %w", v, err)
		}
		cfg.Pipeline.QueueCapacity = n
	}
	if v := os.Getenv("TINYAPM_FLUSH_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid TINYAPM_FLUSH_INTERVAL %q: %w", v, err)
		}
		cfg.Pipeline.FlushInterval = d
	}
	return nil
}
