// Package config loads the taskflow daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alekspetrov/taskflow/internal/gateway"
	"github.com/alekspetrov/taskflow/internal/logging"
)

// Config represents the main configuration
type Config struct {
	Version   string           `yaml:"version"`
	Logging   *logging.Config  `yaml:"logging"`
	Store     *StoreConfig     `yaml:"store"`
	Gateway   *gateway.Config  `yaml:"gateway"`
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Monitors  *MonitorsConfig  `yaml:"monitors"`
	Providers *ProvidersConfig `yaml:"providers"`
}

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig holds recurrence scheduler settings
type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	MaterializeTimeout time.Duration `yaml:"materialize_timeout"`
	Concurrency        int           `yaml:"concurrency"`
	BatchSize          int           `yaml:"batch_size"`
	DefaultMaxRetries  int           `yaml:"default_max_retries"`
}

// MonitorsConfig holds monitor poller settings
type MonitorsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	TickInterval    time.Duration `yaml:"tick_interval"`
	PollTimeout     time.Duration `yaml:"poll_timeout"`
	MinPollInterval time.Duration `yaml:"min_poll_interval"`
	Concurrency     int           `yaml:"concurrency"`
}

// ProvidersConfig holds provider client credentials. A provider without a
// token has no client and its monitors fail with provider unavailable.
type ProvidersConfig struct {
	GitHub *GitHubConfig `yaml:"github"`
	Slack  *SlackConfig  `yaml:"slack"`
}

// GitHubConfig configures the GitHub events client.
type GitHubConfig struct {
	Token   string `yaml:"token"`
	BaseURL string `yaml:"base_url,omitempty"`
}

// SlackConfig configures the Slack history client.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
	BaseURL  string `yaml:"base_url,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		Logging: logging.DefaultConfig(),
		Store: &StoreConfig{
			Path: filepath.Join(homeDir, ".taskflow", "taskflow.db"),
		},
		Gateway: &gateway.Config{
			Host: "127.0.0.1",
			Port: 9090,
			Auth: &gateway.AuthConfig{Type: gateway.AuthTypeLocal},
		},
		Scheduler: &SchedulerConfig{
			Enabled:            true,
			TickInterval:       time.Minute,
			MaterializeTimeout: 30 * time.Second,
			Concurrency:        4,
			BatchSize:          100,
			DefaultMaxRetries:  3,
		},
		Monitors: &MonitorsConfig{
			Enabled:         true,
			TickInterval:    30 * time.Second,
			PollTimeout:     30 * time.Second,
			MinPollInterval: 30 * time.Second,
			Concurrency:     4,
		},
		Providers: &ProvidersConfig{
			GitHub: &GitHubConfig{Token: "${GITHUB_TOKEN}"},
			Slack:  &SlackConfig{BotToken: "${SLACK_BOT_TOKEN}"},
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			config.expand()
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.expand()
	return config, nil
}

// expand resolves ~ in paths and environment references left in defaults.
func (c *Config) expand() {
	if c.Store != nil {
		c.Store.Path = expandPath(c.Store.Path)
	}
	if c.Logging != nil && c.Logging.Output != "stdout" && c.Logging.Output != "stderr" {
		c.Logging.Output = expandPath(c.Logging.Output)
	}
	if c.Providers != nil {
		if c.Providers.GitHub != nil {
			c.Providers.GitHub.Token = os.ExpandEnv(c.Providers.GitHub.Token)
		}
		if c.Providers.Slack != nil {
			c.Providers.Slack.BotToken = os.ExpandEnv(c.Providers.Slack.BotToken)
		}
	}
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".taskflow", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errs []error
	if c.Store == nil || c.Store.Path == "" {
		errs = append(errs, errors.New("store.path is required"))
	}
	if c.Gateway == nil {
		errs = append(errs, errors.New("gateway configuration is required"))
	} else {
		if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid gateway port: %d", c.Gateway.Port))
		}
		if auth := c.Gateway.Auth; auth != nil {
			switch auth.Type {
			case gateway.AuthTypeLocal:
			case gateway.AuthTypeAPIToken:
				if auth.Token == "" && len(auth.Actors) == 0 {
					errs = append(errs, errors.New("API token is required when auth type is api-token"))
				}
				seen := make(map[string]bool, len(auth.Actors))
				for i, b := range auth.Actors {
					switch {
					case b.Token == "" || b.Actor == "":
						errs = append(errs, fmt.Errorf("gateway.auth.actors[%d] needs both token and actor", i))
					case seen[b.Token] || b.Token == auth.Token:
						errs = append(errs, fmt.Errorf("gateway.auth.actors[%d] reuses a token", i))
					}
					seen[b.Token] = true
				}
			default:
				errs = append(errs, fmt.Errorf("invalid gateway.auth.type %q", auth.Type))
			}
		}
	}
	if c.Logging != nil {
		switch strings.ToLower(c.Logging.Level) {
		case "", "debug", "info", "warn", "warning", "error":
		default:
			errs = append(errs, fmt.Errorf("invalid logging.level %q", c.Logging.Level))
		}
		switch c.Logging.Format {
		case "", "text", "json":
		default:
			errs = append(errs, fmt.Errorf("invalid logging.format %q", c.Logging.Format))
		}
	}
	if s := c.Scheduler; s != nil {
		if s.TickInterval <= 0 {
			errs = append(errs, errors.New("scheduler.tick_interval must be positive"))
		}
		if s.MaterializeTimeout <= 0 {
			errs = append(errs, errors.New("scheduler.materialize_timeout must be positive"))
		}
		if s.Concurrency < 1 {
			errs = append(errs, errors.New("scheduler.concurrency must be at least 1"))
		}
		if s.BatchSize < 1 {
			errs = append(errs, errors.New("scheduler.batch_size must be at least 1"))
		}
		if s.DefaultMaxRetries < 0 {
			errs = append(errs, errors.New("scheduler.default_max_retries must not be negative"))
		}
	}
	if m := c.Monitors; m != nil {
		if m.TickInterval <= 0 {
			errs = append(errs, errors.New("monitors.tick_interval must be positive"))
		}
		if m.PollTimeout <= 0 {
			errs = append(errs, errors.New("monitors.poll_timeout must be positive"))
		}
		if m.MinPollInterval < time.Second {
			errs = append(errs, errors.New("monitors.min_poll_interval must be at least 1s"))
		}
		if m.Concurrency < 1 {
			errs = append(errs, errors.New("monitors.concurrency must be at least 1"))
		}
	}
	return errors.Join(errs...)
}
