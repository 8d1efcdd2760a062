// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/bpagent/lib/bpv7"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for test links and ground-station rehearsals.
	Staging Environment = "staging"
	// Production is for deployed nodes.
	Production Environment = "production"
)

// Config is the configuration of one agent.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Node is the agent's ipn node number. Required.
	Node uint64 `yaml:"node"`

	Paths   PathsConfig   `yaml:"paths"`
	Pool    PoolConfig    `yaml:"pool"`
	Queue   QueueConfig   `yaml:"queue"`
	Storage StorageConfig `yaml:"storage"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`

	Contacts []ContactConfig `yaml:"contacts"`
	Channels []ChannelConfig `yaml:"channels"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Storage *StorageConfig `yaml:"storage,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
	Log     *LogConfig     `yaml:"log,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for agent data.
	Root string `yaml:"root"`

	// State holds the bundle database.
	State string `yaml:"state"`
}

// PoolConfig sizes the bundle memory pool. The pool never grows.
type PoolConfig struct {
	// Capacity is the number of chunks.
	// Default: 65536
	Capacity int `yaml:"capacity"`

	// ChunkSize is the number of data bytes per chunk.
	// Default: 320
	ChunkSize int `yaml:"chunk_size"`
}

// QueueConfig configures the job pipeline.
type QueueConfig struct {
	Workers       int `yaml:"workers"`
	JobQueueDepth int `yaml:"job_queue_depth"`
	EgressDepth   int `yaml:"egress_depth"`

	// MaintenanceInterval is the period of collection, overflow flush
	// and storage scans.
	// Default: 1s
	MaintenanceInterval time.Duration `yaml:"maintenance_interval"`
}

// StorageConfig configures the SQLite bundle store.
type StorageConfig struct {
	// Disabled deletes unroutable bundles instead of storing them.
	Disabled bool `yaml:"disabled"`

	// Path is the database file.
	// Default: ${BPAGENT_STATE}/bundles.db
	Path string `yaml:"path"`

	// Compression is one of none, lz4 or zstd.
	// Default: lz4
	Compression string `yaml:"compression"`

	// Durable commits with synchronous=FULL. Nodes that hold custody
	// of bundles should set it.
	Durable bool `yaml:"durable"`

	BatchSize      int           `yaml:"batch_size"`
	CustodyTimeout time.Duration `yaml:"custody_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the HTTP address serving /metrics. Empty disables it.
	Listen string `yaml:"listen"`
}

// LogConfig configures the daemon's slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// ContactConfig is one convergence layer link. Exactly one of Listen
// and Dial is set.
type ContactConfig struct {
	ID int `yaml:"id"`

	// Destinations are the endpoints routed over this contact, as
	// ipn patterns ("ipn:200.*", "ipn:300-399.1").
	Destinations []bpv7.Pattern `yaml:"destinations"`

	// Listen accepts the peer's connection on this address.
	Listen string `yaml:"listen,omitempty"`

	// Dial connects to the peer at this address.
	Dial string `yaml:"dial,omitempty"`

	// MaxBundleSize bounds one frame. Zero selects the adapter's
	// default.
	MaxBundleSize int `yaml:"max_bundle_size,omitempty"`
}

// ChannelConfig is one local application endpoint.
type ChannelConfig struct {
	ID          int      `yaml:"id"`
	Local       bpv7.EID `yaml:"local"`
	Destination bpv7.EID `yaml:"destination"`
	ReportTo    bpv7.EID `yaml:"report_to,omitempty"`

	Lifetime time.Duration `yaml:"lifetime"`

	// CRC is none, crc16 or crc32c.
	// Default: crc32c
	CRC string `yaml:"crc"`

	Priority uint8  `yaml:"priority"`
	HopLimit uint64 `yaml:"hop_limit"`
	Custody  bool   `yaml:"custody"`

	// Socket is a Unix socket path where a local application
	// exchanges data with the channel. Empty leaves the channel
	// without an application.
	Socket string `yaml:"socket,omitempty"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "bpagent")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			State: filepath.Join(defaultRoot, "state"),
		},
		Pool: PoolConfig{
			Capacity:  65536,
			ChunkSize: 320,
		},
		Queue: QueueConfig{
			Workers:             4,
			JobQueueDepth:       1024,
			EgressDepth:         64,
			MaintenanceInterval: time.Second,
		},
		Storage: StorageConfig{
			Path:           "${BPAGENT_STATE}/bundles.db",
			Compression:    "lz4",
			BatchSize:      32,
			CustodyTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the BPAGENT_CONFIG environment
// variable. There are no fallbacks or defaults - if BPAGENT_CONFIG is
// not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("BPAGENT_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BPAGENT_CONFIG environment variable not set; " +
			"set it to the path of your bpagent.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: machine-readable logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Storage != nil {
		// Disabled is a bool, so we always apply it from overrides.
		c.Storage.Disabled = overrides.Storage.Disabled
		if overrides.Storage.Path != "" {
			c.Storage.Path = overrides.Storage.Path
		}
		if overrides.Storage.Compression != "" {
			c.Storage.Compression = overrides.Storage.Compression
		}
		if overrides.Storage.BatchSize != 0 {
			c.Storage.BatchSize = overrides.Storage.BatchSize
		}
		if overrides.Storage.CustodyTimeout != 0 {
			c.Storage.CustodyTimeout = overrides.Storage.CustodyTimeout
		}
	}

	if overrides.Metrics != nil && overrides.Metrics.Listen != "" {
		c.Metrics.Listen = overrides.Metrics.Listen
	}

	if overrides.Log != nil {
		if overrides.Log.Level != "" {
			c.Log.Level = overrides.Log.Level
		}
		if overrides.Log.Format != "" {
			c.Log.Format = overrides.Log.Format
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BPAGENT_ROOT": c.Paths.Root,
		"HOME":         os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["BPAGENT_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	vars["BPAGENT_STATE"] = c.Paths.State

	c.Storage.Path = expandVars(c.Storage.Path, vars)
	for i := range c.Channels {
		c.Channels[i].Socket = expandVars(c.Channels[i].Socket, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var (
	compressionValues = []string{"none", "lz4", "zstd"}
	crcValues         = []string{"none", "crc16", "crc32c"}
	levelValues       = []string{"debug", "info", "warn", "error"}
	formatValues      = []string{"text", "json"}
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Node == 0 {
		errs = append(errs, errors.New("node is required"))
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}

	if c.Pool.Capacity < 64 {
		errs = append(errs, fmt.Errorf("pool.capacity must be at least 64, got %d", c.Pool.Capacity))
	}
	if c.Pool.ChunkSize < 64 {
		errs = append(errs, fmt.Errorf("pool.chunk_size must be at least 64, got %d", c.Pool.ChunkSize))
	}
	if c.Queue.Workers < 0 || c.Queue.JobQueueDepth < 0 || c.Queue.EgressDepth < 0 {
		errs = append(errs, errors.New("queue sizes must not be negative"))
	}

	if !c.Storage.Disabled {
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required unless storage is disabled"))
		}
		if !slices.Contains(compressionValues, c.Storage.Compression) {
			errs = append(errs, fmt.Errorf("storage.compression must be one of: %v", compressionValues))
		}
	}

	if !slices.Contains(levelValues, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: %v", levelValues))
	}
	if !slices.Contains(formatValues, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: %v", formatValues))
	}

	contactIDs := make(map[int]bool)
	for i, contact := range c.Contacts {
		if contactIDs[contact.ID] {
			errs = append(errs, fmt.Errorf("contacts[%d]: duplicate id %d", i, contact.ID))
		}
		contactIDs[contact.ID] = true
		if len(contact.Destinations) == 0 {
			errs = append(errs, fmt.Errorf("contacts[%d]: destinations are required", i))
		}
		if (contact.Listen == "") == (contact.Dial == "") {
			errs = append(errs, fmt.Errorf("contacts[%d]: exactly one of listen and dial is required", i))
		}
	}

	channelIDs := make(map[int]bool)
	sockets := make(map[string]bool)
	for i, channel := range c.Channels {
		if channelIDs[channel.ID] {
			errs = append(errs, fmt.Errorf("channels[%d]: duplicate id %d", i, channel.ID))
		}
		channelIDs[channel.ID] = true
		if channel.Local.Scheme != bpv7.SchemeIPN || channel.Local.Node != c.Node {
			errs = append(errs, fmt.Errorf("channels[%d]: local endpoint %s is not on node %d", i, channel.Local, c.Node))
		}
		if channel.Destination.Scheme != bpv7.SchemeIPN {
			errs = append(errs, fmt.Errorf("channels[%d]: destination must be an ipn endpoint", i))
		}
		if channel.Lifetime <= 0 {
			errs = append(errs, fmt.Errorf("channels[%d]: lifetime must be positive", i))
		}
		if channel.CRC != "" && !slices.Contains(crcValues, channel.CRC) {
			errs = append(errs, fmt.Errorf("channels[%d]: crc must be one of: %v", i, crcValues))
		}
		if channel.Socket != "" {
			if sockets[channel.Socket] {
				errs = append(errs, fmt.Errorf("channels[%d]: socket %s is used twice", i, channel.Socket))
			}
			sockets[channel.Socket] = true
		}
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{c.Paths.Root, c.Paths.State}
	if !c.Storage.Disabled && c.Storage.Path != "" {
		paths = append(paths, filepath.Dir(c.Storage.Path))
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}

// SlogLevel returns the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}

// CRCType returns the channel's CRC type; crc32c when unset.
func (c ChannelConfig) CRCType() bpv7.CRCType {
	switch c.CRC {
	case "none":
		return bpv7.CRCNone
	case "crc16":
		return bpv7.CRC16
	default:
		return bpv7.CRC32C
	}
}
