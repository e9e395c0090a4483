// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the collector configuration.
//
// Configuration comes from a single YAML file named by the --config flag
// or, failing that, the VIGIL_CONFIG environment variable. Values in the
// file are laid over Default(); there is no other source and no
// automatic discovery. ${VAR} and ${VAR:-default} are expanded in path
// fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable Load reads.
const EnvVar = "VIGIL_CONFIG"

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the collector configuration.
type Config struct {
	// WorkingDir is entered before anything else; relative paths below
	// resolve against it. Empty keeps the current directory.
	WorkingDir string `yaml:"working_dir"`

	// InstanceID identifies this collector to its modules (the
	// handshake context line). Defaults to a random UUID.
	InstanceID string `yaml:"instance_id"`

	Listen      ListenConfig      `yaml:"listen"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Exchange    ExchangeConfig    `yaml:"exchange"`
	Modules     []ModuleConfig    `yaml:"modules"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Control     ControlConfig     `yaml:"control"`
	Log         LogConfig         `yaml:"log"`
}

// ListenConfig is where flow records arrive.
type ListenConfig struct {
	// Network is "udp", "udp4", or "udp6".
	Network string `yaml:"network"`
	// Address is host:port. Empty disables the receiver.
	Address string `yaml:"address"`
}

// SupervisionConfig tunes the notification cycle.
type SupervisionConfig struct {
	// KillTime bounds one notification cycle. Modules that have not
	// finished by then are terminated.
	KillTime time.Duration `yaml:"kill_time"`
	// PollInterval is the semaphore wait timeout between exit checks.
	PollInterval time.Duration `yaml:"poll_interval"`
	// RestartOnCrash restarts modules that exit abnormally.
	RestartOnCrash bool `yaml:"restart_on_crash"`
	// ShutdownGrace is how long shutdown waits for modules to exit.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
	// StartupDelay gives freshly started modules time to attach before
	// the first records are accepted.
	StartupDelay time.Duration `yaml:"startup_delay"`
}

// ExchangeConfig selects how records reach modules.
type ExchangeConfig struct {
	// Type is "files" or "shm".
	Type string `yaml:"type"`
	// PacketDir holds record files for type files.
	PacketDir string `yaml:"packet_dir"`
	// ShmSize is the ring size in bytes for type shm.
	ShmSize int `yaml:"shm_size"`
	// IPCKeyBase is where System V key searches start, for both the
	// per-module semaphores and the shared memory segments.
	IPCKeyBase int `yaml:"ipc_key_base"`
}

// ModuleConfig is one detection module.
type ModuleConfig struct {
	Path string `yaml:"path"`
	// ConfigFile is passed as the module's first argument.
	ConfigFile string   `yaml:"config_file"`
	Args       []string `yaml:"args"`
	// Run disables the module when false. Defaults to true.
	Run *bool `yaml:"run"`
}

// Enabled reports whether the module should be started.
func (m ModuleConfig) Enabled() bool { return m.Run == nil || *m.Run }

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Address is host:port. Empty disables the endpoint.
	Address string `yaml:"address"`
}

// ControlConfig configures the local control socket.
type ControlConfig struct {
	// SocketPath is a Unix socket path. Empty disables the socket.
	SocketPath string `yaml:"socket_path"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`
	// Format is text, json, or auto (text on a terminal).
	Format string `yaml:"format"`
}

// Default returns the configuration every file is laid over.
func Default() *Config {
	return &Config{
		InstanceID: uuid.NewString(),
		Listen: ListenConfig{
			Network: "udp",
			Address: ":4739",
		},
		Supervision: SupervisionConfig{
			KillTime:       30 * time.Second,
			PollInterval:   10 * time.Millisecond,
			RestartOnCrash: true,
			ShutdownGrace:  2 * time.Second,
		},
		Exchange: ExchangeConfig{
			Type:       "files",
			PacketDir:  "packets",
			ShmSize:    16 << 20,
			IPCKeyBase: 10000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load reads the file named by VIGIL_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv(EnvVar)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of the collector config file, or use --config", EnvVar)
	}
	return LoadFile(path)
}

// LoadFile reads and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default, expands variables, and validates.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	cfg.expandVariables()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.WorkingDir = expandVars(c.WorkingDir, vars)
	vars["VIGIL_WORKING_DIR"] = c.WorkingDir

	c.Exchange.PacketDir = expandVars(c.Exchange.PacketDir, vars)
	c.Control.SocketPath = expandVars(c.Control.SocketPath, vars)
	for i := range c.Modules {
		c.Modules[i].Path = expandVars(c.Modules[i].Path, vars)
		c.Modules[i].ConfigFile = expandVars(c.Modules[i].ConfigFile, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}, preferring vars over
// the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every problem at once, wrapped in ErrInvalid.
func (c *Config) Validate() error {
	var errs []error

	switch c.Listen.Network {
	case "udp", "udp4", "udp6":
	default:
		errs = append(errs, fmt.Errorf("listen.network must be udp, udp4, or udp6, got %q", c.Listen.Network))
	}

	if c.Supervision.KillTime <= 0 {
		errs = append(errs, fmt.Errorf("supervision.kill_time must be positive"))
	}
	if c.Supervision.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("supervision.poll_interval must be positive"))
	} else if c.Supervision.PollInterval > c.Supervision.KillTime {
		errs = append(errs, fmt.Errorf("supervision.poll_interval must not exceed kill_time"))
	}
	if c.Supervision.ShutdownGrace < 0 {
		errs = append(errs, fmt.Errorf("supervision.shutdown_grace must not be negative"))
	}
	if c.Supervision.StartupDelay < 0 {
		errs = append(errs, fmt.Errorf("supervision.startup_delay must not be negative"))
	}

	switch c.Exchange.Type {
	case "files":
		if c.Exchange.PacketDir == "" {
			errs = append(errs, fmt.Errorf("exchange.packet_dir is required for type files"))
		}
	case "shm":
		if c.Exchange.ShmSize < 1024 {
			errs = append(errs, fmt.Errorf("exchange.shm_size must be at least 1024 bytes"))
		}
	default:
		errs = append(errs, fmt.Errorf("exchange.type must be files or shm, got %q", c.Exchange.Type))
	}
	if c.Exchange.IPCKeyBase <= 0 {
		errs = append(errs, fmt.Errorf("exchange.ipc_key_base must be positive"))
	}

	for i, module := range c.Modules {
		if module.Path == "" {
			errs = append(errs, fmt.Errorf("modules[%d].path is required", i))
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be auto, text, or json, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
