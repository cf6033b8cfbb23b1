// Package config provides configuration management for ssh-commander.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable read by ssh-commander.
const EnvPrefix = "SSH_COMMANDER"

// Config represents the application configuration structure
type Config struct {
	Port           int           `mapstructure:"port"`            // Remote SSH port
	IdentityFile   string        `mapstructure:"identity-file"`   // Explicit private key
	TrustUnknown   bool          `mapstructure:"trust-unknown"`   // Accept unknown host keys without asking
	KnownHosts     string        `mapstructure:"known-hosts"`     // known_hosts file (empty for ~/.ssh/known_hosts)
	SaveHostKeys   bool          `mapstructure:"save-host-keys"`  // Record accepted unknown host keys
	Concurrency    string        `mapstructure:"concurrency"`     // Concurrent hosts ("auto" or number)
	SettleDelay    time.Duration `mapstructure:"settle-delay"`    // Wait between sending a command and reading
	BufferSize     int           `mapstructure:"buffer-size"`     // Bytes read per command
	ReadTimeout    time.Duration `mapstructure:"read-timeout"`    // Longest wait for any output per command
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"` // Dial and handshake timeout per host
	Output         string        `mapstructure:"output"`          // Output format (streamed, buffered, json)
	Quiet          bool          `mapstructure:"quiet"`           // Suppress non-error logging
	DryRun         bool          `mapstructure:"dry-run"`         // Show execution plan without connecting
	LogLevel       string        `mapstructure:"log-level"`       // Log level (debug, info, warn, error)
	LogFormat      string        `mapstructure:"log-format"`      // Log format (json, text)
	ShowProgress   bool          `mapstructure:"progress"`        // Draw a host completion bar on stderr
	ShowStats      bool          `mapstructure:"stats"`           // Print run statistics at the end
	MetricsFile    string        `mapstructure:"metrics-file"`    // Prometheus textfile to write after the run
}

// Manager defines the interface for configuration management
type Manager interface {
	// Load reads configuration from all sources (files, env vars)
	Load() (*Config, error)

	// SetDefaults establishes default configuration values
	SetDefaults()

	// Validate ensures configuration values are valid and consistent
	Validate(config *Config) error
}

// ViperManager implements the Manager interface using Viper
type ViperManager struct {
	v           *viper.Viper
	configPaths []string
	usedFile    string
}

// ManagerOption configures a ViperManager.
type ManagerOption func(*ViperManager)

// WithConfigPaths replaces the directories searched for a config file.
func WithConfigPaths(paths ...string) ManagerOption {
	return func(m *ViperManager) {
		m.configPaths = paths
	}
}

// NewManager creates a new configuration manager searching the current
// directory, then ~/.config/ssh-commander, then /etc/ssh-commander.
func NewManager(opts ...ManagerOption) *ViperManager {
	m := &ViperManager{
		v:           viper.New(),
		configPaths: DefaultConfigPaths(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// DefaultConfigPaths lists config directories in precedence order.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if homeDir, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(homeDir, ".config", "ssh-commander"))
	}
	return append(paths, "/etc/ssh-commander/")
}

// SetDefaults establishes default configuration values
func (m *ViperManager) SetDefaults() {
	m.v.SetDefault("port", 22)
	m.v.SetDefault("identity-file", "")
	m.v.SetDefault("trust-unknown", false)
	m.v.SetDefault("known-hosts", "")
	m.v.SetDefault("save-host-keys", false)
	m.v.SetDefault("concurrency", "auto")
	m.v.SetDefault("settle-delay", time.Second)
	m.v.SetDefault("buffer-size", 8000)
	m.v.SetDefault("read-timeout", 10*time.Second)
	m.v.SetDefault("connect-timeout", 10*time.Second)
	m.v.SetDefault("output", "streamed")
	m.v.SetDefault("quiet", false)
	m.v.SetDefault("dry-run", false)
	m.v.SetDefault("log-level", "info")
	m.v.SetDefault("log-format", "text")
	m.v.SetDefault("progress", false)
	m.v.SetDefault("stats", false)
	m.v.SetDefault("metrics-file", "")
}

// Load reads configuration from all sources with proper precedence:
// defaults, then the first config file found, then environment variables.
// Command-line flags are applied by the caller.
func (m *ViperManager) Load() (*Config, error) {
	m.SetDefaults()

	// The format follows the file extension (yaml, yml, json, toml).
	m.v.SetConfigName("config")
	for _, p := range m.configPaths {
		m.v.AddConfigPath(p)
	}

	m.v.SetEnvPrefix(EnvPrefix)
	m.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	m.v.AutomaticEnv()

	if err := m.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		m.usedFile = m.v.ConfigFileUsed()
	}

	var config Config
	if err := m.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := m.Validate(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// ConfigFileUsed returns the config file read by Load, or "" when none was found.
func (m *ViperManager) ConfigFileUsed() string {
	return m.usedFile
}

// Validate ensures configuration values are valid and consistent
func (m *ViperManager) Validate(config *Config) error {
	return Validate(config)
}

// Validate ensures configuration values are valid and consistent
func Validate(config *Config) error {
	if config.Port < 1 || config.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", config.Port)
	}

	if config.Concurrency != "auto" {
		if concurrency, err := strconv.Atoi(config.Concurrency); err != nil {
			return fmt.Errorf("invalid concurrency value '%s': must be 'auto' or a positive integer", config.Concurrency)
		} else if concurrency <= 0 {
			return fmt.Errorf("concurrency must be positive, got %d", concurrency)
		}
	}

	if config.SettleDelay < 0 {
		return fmt.Errorf("settle-delay must be non-negative, got %v", config.SettleDelay)
	}
	if config.BufferSize <= 0 {
		return fmt.Errorf("buffer-size must be positive, got %d", config.BufferSize)
	}
	if config.ReadTimeout <= 0 {
		return fmt.Errorf("read-timeout must be positive, got %v", config.ReadTimeout)
	}
	if config.ConnectTimeout <= 0 {
		return fmt.Errorf("connect-timeout must be positive, got %v", config.ConnectTimeout)
	}

	validOutputs := map[string]bool{
		"streamed": true,
		"buffered": true,
		"json":     true,
	}
	if !validOutputs[config.Output] {
		return fmt.Errorf("invalid output format '%s': must be one of 'streamed', 'buffered', or 'json'", config.Output)
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[config.LogLevel] {
		return fmt.Errorf("invalid log level '%s': must be one of 'debug', 'info', 'warn' or 'error'", config.LogLevel)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[config.LogFormat] {
		return fmt.Errorf("invalid log format '%s': must be one of 'json' or 'text'", config.LogFormat)
	}

	return nil
}

// GetEnvVarNames returns a list of all supported environment variable names
func GetEnvVarNames() []string {
	keys := []string{
		"port", "identity-file", "trust-unknown", "known-hosts", "save-host-keys",
		"concurrency", "settle-delay", "buffer-size", "read-timeout", "connect-timeout",
		"output", "quiet", "dry-run", "log-level", "log-format", "progress", "stats", "metrics-file",
	}

	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(k, "-", "_")))
	}
	return names
}
