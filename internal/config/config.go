// ABOUTME: Configuration loading and parsing for egg
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Modes and start modes accepted in the configuration.
const (
	ModeCluster = "cluster"
	ModeSingle  = "single"

	StartProcess = "process"
	StartThread  = "thread"
)

// Config represents the complete egg configuration
type Config struct {
	Mode          string              `yaml:"mode" toml:"mode"`
	StartMode     string              `yaml:"start_mode" toml:"start_mode"`
	Workers       int                 `yaml:"workers" toml:"workers"`
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Agent         AgentConfig         `yaml:"agent" toml:"agent"`
	ClusterClient ClusterClientConfig `yaml:"cluster_client" toml:"cluster_client"`
	Registry      RegistryConfig      `yaml:"registry" toml:"registry"`
	Watcher       WatcherConfig       `yaml:"watcher" toml:"watcher"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds the master's HTTP address for health and metrics
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// AgentConfig holds agent worker timing
type AgentConfig struct {
	ResponseTimeout time.Duration `yaml:"-" toml:"-"`
	RestartDelay    time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	ResponseTimeoutRaw string `yaml:"response_timeout" toml:"response_timeout"`
	RestartDelayRaw    string `yaml:"restart_delay" toml:"restart_delay"`
}

// ClusterClientConfig holds the leader/follower coordination settings.
// A zero port is replaced by a probed free port at startup.
type ClusterClientConfig struct {
	Port              int           `yaml:"port" toml:"port"`
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	ResponseTimeout   time.Duration `yaml:"-" toml:"-"`

	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	ResponseTimeoutRaw   string `yaml:"response_timeout" toml:"response_timeout"`
}

// RegistryConfig holds the shared registry database location
type RegistryConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// WatcherConfig lists paths application workers watch through the agent
type WatcherConfig struct {
	Paths []string `yaml:"paths" toml:"paths"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw content
	expandedData := expandEnvVars(string(data))

	cfg := Config{Metrics: MetricsConfig{Enabled: true}}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expandedData, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = ModeCluster
	}
	if cfg.StartMode == "" {
		cfg.StartMode = StartProcess
	}
	if cfg.Workers == 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:7002"
	}
	if cfg.Agent.ResponseTimeout == 0 {
		cfg.Agent.ResponseTimeout = 5 * time.Second
	}
	if cfg.Agent.RestartDelay == 0 {
		cfg.Agent.RestartDelay = time.Second
	}
	if cfg.ClusterClient.HeartbeatInterval == 0 {
		cfg.ClusterClient.HeartbeatInterval = 20 * time.Second
	}
	if cfg.ClusterClient.ResponseTimeout == 0 {
		cfg.ClusterClient.ResponseTimeout = 60 * time.Second
	}
	if cfg.Registry.Path == "" {
		cfg.Registry.Path = filepath.Join(os.TempDir(), "egg-registry.db")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

// Validate checks that all configuration fields are valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeCluster, ModeSingle:
	default:
		return fmt.Errorf("mode must be %q or %q, got %q", ModeCluster, ModeSingle, c.Mode)
	}

	switch c.StartMode {
	case StartProcess, StartThread:
	default:
		return fmt.Errorf("start_mode must be %q or %q, got %q", StartProcess, StartThread, c.StartMode)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	if c.ClusterClient.Port < 0 || c.ClusterClient.Port > 65535 {
		return fmt.Errorf("cluster_client.port %d out of range", c.ClusterClient.Port)
	}

	if c.Agent.ResponseTimeout < 0 || c.Agent.RestartDelay < 0 {
		return fmt.Errorf("agent durations must not be negative")
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"agent.response_timeout", cfg.Agent.ResponseTimeoutRaw, &cfg.Agent.ResponseTimeout},
		{"agent.restart_delay", cfg.Agent.RestartDelayRaw, &cfg.Agent.RestartDelay},
		{"cluster_client.heartbeat_interval", cfg.ClusterClient.HeartbeatIntervalRaw, &cfg.ClusterClient.HeartbeatInterval},
		{"cluster_client.response_timeout", cfg.ClusterClient.ResponseTimeoutRaw, &cfg.ClusterClient.ResponseTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
