package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models stagehand.yml. Secrets are never stored here; they come from
// the STAGEHAND_WEBHOOK_SECRET and STAGEHAND_JWT_SECRET environment variables.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Webhook struct {
		LockWaitSeconds  int `yaml:"lock_wait_seconds"`
		OpTimeoutSeconds int `yaml:"op_timeout_seconds"`
	} `yaml:"webhook"`
	Scheduling struct {
		MaxDependencyAttempts    int    `yaml:"max_dependency_attempts"`
		DefaultAssigneeReference string `yaml:"default_assignee_reference"`
	} `yaml:"scheduling"`
}

// Load reads and validates config from the workspace, falling back to
// defaults when the file does not exist.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Webhook.LockWaitSeconds < 0 {
		return fmt.Errorf("config.webhook.lock_wait_seconds must not be negative")
	}
	if c.Webhook.OpTimeoutSeconds < 0 {
		return fmt.Errorf("config.webhook.op_timeout_seconds must not be negative")
	}
	if c.Scheduling.MaxDependencyAttempts < 0 {
		return fmt.Errorf("config.scheduling.max_dependency_attempts must not be negative")
	}
	return nil
}

// LockWait is the bound on per-matter exclusion acquisition.
func (c *Config) LockWait() time.Duration {
	if c.Webhook.LockWaitSeconds == 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Webhook.LockWaitSeconds) * time.Second
}

// OpTimeout bounds every store call made during resolution.
func (c *Config) OpTimeout() time.Duration {
	if c.Webhook.OpTimeoutSeconds == 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Webhook.OpTimeoutSeconds) * time.Second
}

// MaxAttempts is the deferred-dependency retry bound.
func (c *Config) MaxAttempts() int {
	if c.Scheduling.MaxDependencyAttempts == 0 {
		return 5
	}
	return c.Scheduling.MaxDependencyAttempts
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "stagehand.yml")
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = ":8917"
	cfg.Server.BasePath = "/v0"
	cfg.Webhook.LockWaitSeconds = 5
	cfg.Webhook.OpTimeoutSeconds = 10
	cfg.Scheduling.MaxDependencyAttempts = 5
	cfg.Scheduling.DefaultAssigneeReference = "attorney_of_record"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}
