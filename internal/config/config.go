// ABOUTME: Configuration loading and parsing for the agent control plane
// ABOUTME: YAML with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete control-plane configuration. This configures the
// control plane itself; the supervised agent's settings live in their own
// JSON document managed by the settings store.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Settings SettingsConfig `yaml:"settings"`
	Database DatabaseConfig `yaml:"database"`
	Agent    AgentConfig    `yaml:"agent"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// SettingsConfig locates the agent settings JSON document.
type SettingsConfig struct {
	Path string `yaml:"path"`
}

// DatabaseConfig locates the history database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentConfig holds the agent binary and supervisor timeouts.
type AgentConfig struct {
	Binary string `yaml:"binary"`

	StartTimeout time.Duration `yaml:"-"`
	StopTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	StartTimeoutRaw string `yaml:"start_timeout"`
	StopTimeoutRaw  string `yaml:"stop_timeout"`
}

// AuthConfig holds API authentication configuration. An empty secret
// disables auth.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Built-in defaults. The backend serves on 9133, matching what the
// frontend expects.
const (
	DefaultHTTPAddr    = "0.0.0.0:9133"
	DefaultAgentBinary = "MicroXRCEAgent"
)

// DefaultPath returns the config file path.
// Priority: AGENT_CONTROL_CONFIG env > XDG_CONFIG_HOME > ~/.config.
func DefaultPath() string {
	if envPath := os.Getenv("AGENT_CONTROL_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "agent-control.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "agent-control", "config.yaml")
}

// DefaultDataDir returns the data directory for settings and history.
// Priority: XDG_DATA_HOME > ~/.local/share.
func DefaultDataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "agent-control")
}

// Load reads a configuration file from the given path and returns a
// parsed Config. Environment variables in the format ${VAR_NAME} are
// expanded. Missing fields receive defaults; a missing file is an error
// (use Default when running without one).
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with all defaults applied, for running
// without a config file.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// applyDefaults fills unset fields.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Settings.Path == "" {
		c.Settings.Path = filepath.Join(DefaultDataDir(), "agent-settings.json")
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DefaultDataDir(), "history.db")
	}
	if c.Agent.Binary == "" {
		c.Agent.Binary = DefaultAgentBinary
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that the configuration is coherent. Returns an error
// describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Settings.Path == "" {
		return fmt.Errorf("settings.path is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agent.Binary == "" {
		return fmt.Errorf("agent.binary is required")
	}
	if c.Agent.StartTimeout < 0 || c.Agent.StopTimeout < 0 {
		return fmt.Errorf("agent timeouts must not be negative")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration
// values.
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Agent.StartTimeoutRaw != "" {
		cfg.Agent.StartTimeout, err = time.ParseDuration(cfg.Agent.StartTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing start_timeout %q: %w", cfg.Agent.StartTimeoutRaw, err)
		}
	}

	if cfg.Agent.StopTimeoutRaw != "" {
		cfg.Agent.StopTimeout, err = time.ParseDuration(cfg.Agent.StopTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing stop_timeout %q: %w", cfg.Agent.StopTimeoutRaw, err)
		}
	}

	return nil
}
