package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := c.validateConsole(); err != nil {
		return fmt.Errorf("console: %w", err)
	}
	if err := c.validateLog(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if err := c.validateHosts(); err != nil {
		return fmt.Errorf("hosts: %w", err)
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	return ensureDirWritable(c.Paths.StateDir, "state_dir")
}

func (c *Config) validateServer() error {
	if _, _, err := net.SplitHostPort(c.Server.ListenAddress); err != nil {
		return fmt.Errorf("listen_address: %w", err)
	}

	fields := map[string]string{
		"read_timeout":   c.Server.ReadTimeout,
		"write_timeout":  c.Server.WriteTimeout,
		"idle_timeout":   c.Server.IdleTimeout,
		"shutdown_grace": c.Server.ShutdownGrace,
	}
	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

func (c *Config) validateConsole() error {
	if c.Console.PortMin <= 0 || c.Console.PortMax > 65535 {
		return fmt.Errorf("port range must be within 1-65535, got %d-%d", c.Console.PortMin, c.Console.PortMax)
	}
	if c.Console.PortMax < c.Console.PortMin {
		return fmt.Errorf("port_max (%d) must be >= port_min (%d)", c.Console.PortMax, c.Console.PortMin)
	}
	return nil
}

func (c *Config) validateLog() error {
	switch c.Log.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return fmt.Errorf("level: unknown level %q", c.Log.Level)
	}
	switch log.OutputFormat(c.Log.Format) {
	case log.TextFormat, log.JSONFormat:
	default:
		return fmt.Errorf("format must be %q or %q, got %q", log.TextFormat, log.JSONFormat, c.Log.Format)
	}
	return nil
}

func (c *Config) validateHosts() error {
	seen := make(map[string]bool, len(c.Hosts))
	for i, h := range c.Hosts {
		if h.GUID == "" {
			return fmt.Errorf("[%d]: guid cannot be empty", i)
		}
		if seen[h.GUID] {
			return fmt.Errorf("[%d]: duplicate guid %q", i, h.GUID)
		}
		seen[h.GUID] = true
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}
