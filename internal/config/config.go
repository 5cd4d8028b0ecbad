// Package config loads runtime configuration from the environment and an
// optional YAML overlay, and builds the process logger.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/roach88/aura/internal/errs"
)

// Execution modes.
const (
	ModeProduction = "production"
	ModeTesting    = "testing"
	ModeSimulation = "simulation"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bbolt"
	BackendRedis  = "redis"
)

// Config holds every tunable of the runtime.
type Config struct {
	Mode string `env:"AURA_MODE" envDefault:"production" yaml:"mode"`
	Seed uint64 `env:"AURA_SEED" envDefault:"0" yaml:"seed"`

	LogLevel  string `env:"AURA_LOG_LEVEL" envDefault:"info" yaml:"log_level"`
	LogFormat string `env:"AURA_LOG_FORMAT" envDefault:"text" yaml:"log_format"`

	StorageBackend string `env:"AURA_STORAGE_BACKEND" envDefault:"memory" yaml:"storage_backend"`
	StoragePath    string `env:"AURA_STORAGE_PATH" yaml:"storage_path"`
	RedisURL       string `env:"AURA_REDIS_URL" yaml:"redis_url"`
	StorageQuota   int64  `env:"AURA_STORAGE_QUOTA" envDefault:"0" yaml:"storage_quota"`
	MasterKeyFile  string `env:"AURA_MASTER_KEY_FILE" yaml:"master_key_file"`

	BloomCapacity    uint    `env:"AURA_BLOOM_CAPACITY" envDefault:"10000" yaml:"bloom_capacity"`
	BloomFPRate      float64 `env:"AURA_BLOOM_FP_RATE" envDefault:"0.01" yaml:"bloom_fp_rate"`
	SubscriberBuffer int     `env:"AURA_SUBSCRIBER_BUFFER" envDefault:"100" yaml:"subscriber_buffer"`
	SendQueueBound   int     `env:"AURA_SEND_QUEUE_BOUND" envDefault:"256" yaml:"send_queue_bound"`

	CeremonyTimeout   time.Duration `env:"AURA_CEREMONY_TIMEOUT" envDefault:"30s" yaml:"ceremony_timeout"`
	CompletionTimeout time.Duration `env:"AURA_COMPLETION_TIMEOUT" envDefault:"5m" yaml:"completion_timeout"`
	RetryAttempts     uint64        `env:"AURA_RETRY_ATTEMPTS" envDefault:"5" yaml:"retry_attempts"`
	RetryInterval     time.Duration `env:"AURA_RETRY_INTERVAL" envDefault:"50ms" yaml:"retry_interval"`
}

// Load parses the environment, then overlays the YAML file named by path
// (if non-empty), then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "parse env", err)
	}
	return nil
}

// ParseEnvMap is ParseEnv over an explicit environment, for tests.
func ParseEnvMap(target any, environ map[string]string) error {
	if err := env.ParseWithOptions(target, env.Options{Environment: environ}); err != nil {
		return errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "parse env", err)
	}
	return nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "read config file", err).With("path", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "parse config file", err).With("path", path)
	}
	return nil
}

// Validate checks field values and combinations.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeProduction, ModeTesting, ModeSimulation:
	default:
		return errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig, "unknown mode %q", c.Mode)
	}
	if c.Mode == ModeSimulation && c.Seed == 0 {
		return errs.New(errs.KindConfiguration, errs.CodeMissingField, "simulation mode requires a non-zero seed").With("field", "seed")
	}

	switch c.StorageBackend {
	case BackendMemory:
	case BackendSQLite, BackendBolt:
		if strings.TrimSpace(c.StoragePath) == "" {
			return errs.Newf(errs.KindConfiguration, errs.CodeMissingField, "%s backend requires a storage path", c.StorageBackend).With("field", "storage_path")
		}
	case BackendRedis:
		if strings.TrimSpace(c.RedisURL) == "" {
			return errs.New(errs.KindConfiguration, errs.CodeMissingField, "redis backend requires a url").With("field", "redis_url")
		}
	default:
		return errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig, "unknown storage backend %q", c.StorageBackend)
	}

	if c.BloomCapacity == 0 {
		return errs.New(errs.KindConfiguration, errs.CodeInvalidConfig, "bloom capacity must be positive")
	}
	if c.BloomFPRate <= 0 || c.BloomFPRate >= 1 {
		return errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig, "bloom false-positive rate %v outside (0,1)", c.BloomFPRate)
	}
	if c.SubscriberBuffer <= 0 || c.SendQueueBound <= 0 {
		return errs.New(errs.KindConfiguration, errs.CodeInvalidConfig, "buffer sizes must be positive")
	}
	if c.CompletionTimeout <= 0 || c.CeremonyTimeout <= 0 {
		return errs.New(errs.KindConfiguration, errs.CodeInvalidConfig, "timeouts must be positive")
	}
	return nil
}

// MasterKeySize is the decoded length of the secure-storage master key.
const MasterKeySize = 32

// MasterKey reads the hex-encoded master key named by MasterKeyFile. It
// returns nil when no file is configured.
func (c *Config) MasterKey() ([]byte, error) {
	if c.MasterKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.MasterKeyFile)
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "read master key", err).With("path", c.MasterKeyFile)
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, errs.CodeInvalidConfig, "decode master key", err).With("path", c.MasterKeyFile)
	}
	if len(key) != MasterKeySize {
		return nil, errs.Newf(errs.KindConfiguration, errs.CodeInvalidConfig, "master key is %d bytes, want %d", len(key), MasterKeySize).
			With("path", c.MasterKeyFile)
	}
	return key, nil
}

// String renders a one-line summary for verbose CLI output.
func (c *Config) String() string {
	return fmt.Sprintf("mode=%s backend=%s log=%s/%s", c.Mode, c.StorageBackend, c.LogLevel, c.LogFormat)
}
