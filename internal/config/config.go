// Package config provides centralized configuration management for simhost.
// All configuration is loaded from a JSON file at /etc/simhost/config.json
// (overridable via SIMHOST_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/simhost/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "SIMHOST_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths   PathsConfig   `json:"paths"`
	Server  ServerConfig  `json:"server"`
	Console ConsoleConfig `json:"console"`
	Log     LogConfig     `json:"log"`
	Metrics MetricsConfig `json:"metrics"`
	Hosts   []HostConfig  `json:"hosts"`
}

// PathsConfig defines filesystem paths for simhost
type PathsConfig struct {
	StateDir string `json:"state_dir"` // bbolt database directory
}

// ServerConfig defines the HTTP listener.
// Timeouts are duration strings (e.g., "5s", "2m", "500ms").
type ServerConfig struct {
	ListenAddress string `json:"listen_address"`
	ReadTimeout   string `json:"read_timeout"`
	WriteTimeout  string `json:"write_timeout"`
	IdleTimeout   string `json:"idle_timeout"`

	// ShutdownGrace is how long in-flight requests may run after a
	// termination signal.
	ShutdownGrace string `json:"shutdown_grace"`
}

// GetReadTimeout returns the read timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (s *ServerConfig) GetReadTimeout() time.Duration {
	return mustParseDuration(s.ReadTimeout)
}

// GetWriteTimeout returns the write timeout as a time.Duration.
func (s *ServerConfig) GetWriteTimeout() time.Duration {
	return mustParseDuration(s.WriteTimeout)
}

// GetIdleTimeout returns the idle timeout as a time.Duration.
func (s *ServerConfig) GetIdleTimeout() time.Duration {
	return mustParseDuration(s.IdleTimeout)
}

// GetShutdownGrace returns the shutdown grace period as a time.Duration.
func (s *ServerConfig) GetShutdownGrace() time.Duration {
	return mustParseDuration(s.ShutdownGrace)
}

// mustParseDuration parses a duration string, panicking on error.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// ConsoleConfig defines the console (VNC) port range handed out to VMs.
type ConsoleConfig struct {
	PortMin int `json:"port_min"`
	PortMax int `json:"port_max"`
}

// LogConfig defines logging output
type LogConfig struct {
	Level  string `json:"level"`  // trace, debug, info, warn, error
	Format string `json:"format"` // text or json
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// HostConfig is a simulated host seeded into the record store at start.
type HostConfig struct {
	GUID     string `json:"guid"`
	Name     string `json:"name,omitempty"`
	Disabled bool   `json:"disabled,omitempty"` // rule commands are rejected
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// Callers must ensure no concurrent Get() calls are in progress.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from SIMHOST_CONFIG env var or /etc/simhost/config.json.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s. Please create a config file or set %s environment variable", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir: "/var/lib/simhost",
		},
		Server: ServerConfig{
			ListenAddress: "127.0.0.1:8250",
			ReadTimeout:   "10s",
			WriteTimeout:  "10s",
			IdleTimeout:   "60s",
			ShutdownGrace: "5s",
		},
		Console: ConsoleConfig{
			PortMin: 5900,
			PortMax: 6899,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// DisabledHosts returns the GUIDs of hosts configured as disabled.
func (c *Config) DisabledHosts() []string {
	var out []string
	for _, h := range c.Hosts {
		if h.Disabled {
			out = append(out, h.GUID)
		}
	}
	return out
}

// applyDefaults fills in default values for any empty fields.
// metrics.enabled is a plain bool and keeps whatever the file says.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	c.applyServerDefaults(defaults)
	if c.Console.PortMin == 0 && c.Console.PortMax == 0 {
		c.Console = defaults.Console
	}
	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
}

func (c *Config) applyServerDefaults(defaults *Config) {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = defaults.Server.ListenAddress
	}
	if c.Server.ReadTimeout == "" {
		c.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = defaults.Server.WriteTimeout
	}
	if c.Server.IdleTimeout == "" {
		c.Server.IdleTimeout = defaults.Server.IdleTimeout
	}
	if c.Server.ShutdownGrace == "" {
		c.Server.ShutdownGrace = defaults.Server.ShutdownGrace
	}
}
