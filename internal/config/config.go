package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"gigflow/internal/domain"
)

// Config models gigflow.yml.
type Config struct {
	Invoicing struct {
		NumberPrefix   string `yaml:"number_prefix"`
		Currency       string `yaml:"currency"`
		DefaultDueDays int    `yaml:"default_due_days"`
	} `yaml:"invoicing"`
	Triggers []string        `yaml:"triggers"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig is one event subscription delivered fire-and-forget.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// TriggerManual marks rules that only run via explicit execution.
const TriggerManual = "MANUAL"

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Invoicing.NumberPrefix == "" {
		return fmt.Errorf("config.invoicing.number_prefix is required")
	}
	if c.Invoicing.Currency == "" {
		return fmt.Errorf("config.invoicing.currency is required")
	}
	if c.Invoicing.DefaultDueDays <= 0 {
		return fmt.Errorf("config.invoicing.default_due_days must be positive")
	}
	if len(c.Triggers) == 0 {
		return fmt.Errorf("config.triggers is required")
	}
	for _, t := range c.Triggers {
		if t == "" {
			return fmt.Errorf("config.triggers contains empty trigger name")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// KnownTrigger reports whether a trigger name may be used by a rule.
func (c *Config) KnownTrigger(name string) bool {
	if name == TriggerManual {
		return true
	}
	for _, t := range c.Triggers {
		if t == name {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "gigflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it or run with defaults", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
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

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `invoicing:
  number_prefix: INV
  currency: USD
  default_due_days: 14

triggers:
  - ` + domain.EventContractSigned + `
  - ` + domain.EventInvoiceCreated + `
  - ` + domain.EventInvoiceOverdue + `
`
