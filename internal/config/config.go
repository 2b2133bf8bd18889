// Package config provides configuration management for packwatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tracking settings applied when the config file leaves them unset.
const (
	DefaultPollInterval           = 2 * time.Second
	DefaultMaxConsecutiveFailures = 5
	DefaultListenAddr             = "127.0.0.1:9480"
	DefaultReconcileInterval      = 15 * time.Second
)

// DefaultConfigDir returns the default config directory (~/.packwatch).
func DefaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, ".packwatch"), nil
}

// DefaultConfigPath returns the default config file path (~/.packwatch/config.yml).
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yml"), nil
}

// ProxyConfig holds outbound proxy settings for reaching the vault service.
type ProxyConfig struct {
	HTTPProxy   string `yaml:"http_proxy,omitempty"`
	HTTPSProxy  string `yaml:"https_proxy,omitempty"`
	SOCKS5Proxy string `yaml:"socks5_proxy,omitempty"`
	// NoProxy is a comma-separated list of hosts that bypass the proxy.
	NoProxy string `yaml:"no_proxy,omitempty"`
}

// HasProxy reports whether any proxy is configured.
func (p *ProxyConfig) HasProxy() bool {
	return p != nil && (p.HTTPProxy != "" || p.HTTPSProxy != "" || p.SOCKS5Proxy != "")
}

// Schedule describes one cron-driven backup entry for daemon mode.
type Schedule struct {
	Name           string `yaml:"name"`
	CronExpression string `yaml:"cron_expression"`
	Note           string `yaml:"note,omitempty"`
}

// Config holds the packwatch configuration.
type Config struct {
	ServerURL string `yaml:"server_url,omitempty"`
	APIKey    string `yaml:"api_key,omitempty"`

	// PollInterval is how often job status is fetched while a job is tracked.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// MaxConsecutiveFailures is how many status fetches may fail in a row
	// before tracking is declared lost for a job.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures,omitempty"`
	// ReconcileInterval is how often daemon mode re-fetches the job list.
	ReconcileInterval time.Duration `yaml:"reconcile_interval,omitempty"`
	// ListenAddr is the daemon status API bind address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// HistoryDir overrides where the local history database lives.
	HistoryDir string `yaml:"history_dir,omitempty"`

	Proxy *ProxyConfig `yaml:"proxy,omitempty"`

	Schedules []Schedule `yaml:"schedules,omitempty"`
}

// Validate checks that the configuration has required fields for operation.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New("server_url is required")
	}
	if c.APIKey == "" {
		return errors.New("api_key is required")
	}
	if c.PollInterval < 0 {
		return errors.New("poll_interval must not be negative")
	}
	if c.MaxConsecutiveFailures < 0 {
		return errors.New("max_consecutive_failures must not be negative")
	}
	for _, s := range c.Schedules {
		if s.Name == "" {
			return errors.New("schedule name is required")
		}
		if s.CronExpression == "" {
			return fmt.Errorf("schedule %q is missing a cron expression", s.Name)
		}
	}
	return nil
}

// IsConfigured returns true if packwatch has been pointed at a server.
func (c *Config) IsConfigured() bool {
	return c.ServerURL != "" && c.APIKey != ""
}

// HistoryPath returns the directory for the local history database,
// defaulting to <config dir>/history when unset.
func (c *Config) HistoryPath() (string, error) {
	if c.HistoryDir != "" {
		return c.HistoryDir, nil
	}
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history"), nil
}

// ApplyDefaults fills unset tracking settings with their defaults.
func (c *Config) ApplyDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
}

// Load reads the configuration from the given path.
// If the file does not exist, an empty config is returned.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := &Config{}
			cfg.ApplyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.ApplyDefaults()

	return &cfg, nil
}

// LoadDefault loads the configuration from the default path.
func LoadDefault() (*Config, error) {
	path, err := DefaultConfigPath()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// Save writes the configuration to the given path, creating directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file carries the API key, so keep it user-only.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}

	return nil
}

// SaveDefault saves the configuration to the default path.
func (c *Config) SaveDefault() error {
	path, err := DefaultConfigPath()
	if err != nil {
		return err
	}
	return c.Save(path)
}
