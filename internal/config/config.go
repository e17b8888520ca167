package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dtaflow.yml.
type Config struct {
	Site struct {
		ID             string `yaml:"id"`
		Name           string `yaml:"name"`
		Classification string `yaml:"classification"`
	} `yaml:"site"`
	Signing struct {
		ServiceURL     string `yaml:"service_url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		Algorithm      string `yaml:"algorithm"`
	} `yaml:"signing"`
	Auth struct {
		AllowHeaderActor bool `yaml:"allow_header_actor"`
	} `yaml:"auth"`
	Webhooks []Webhook `yaml:"webhooks"`
}

// Webhook configures one outbound notification target.
type Webhook struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Actions []string `yaml:"actions"`
	Secret  string   `yaml:"secret"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Site.ID == "" {
		return fmt.Errorf("config.site.id is required")
	}
	if c.Signing.TimeoutSeconds < 0 {
		return fmt.Errorf("config.signing.timeout_seconds must not be negative")
	}
	if c.Signing.ServiceURL != "" {
		if _, err := url.ParseRequestURI(c.Signing.ServiceURL); err != nil {
			return fmt.Errorf("config.signing.service_url is not a valid URL: %w", err)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.Name == "" {
			return fmt.Errorf("config.webhooks[%d].name is required", i)
		}
		if _, err := url.ParseRequestURI(hook.URL); err != nil {
			return fmt.Errorf("webhook %s has invalid url: %w", hook.Name, err)
		}
		for _, action := range hook.Actions {
			if action == "" {
				return fmt.Errorf("webhook %s has empty action filter entry", hook.Name)
			}
		}
	}
	return nil
}

// SigningTimeout returns the configured signing service timeout.
func (c *Config) SigningTimeout() time.Duration {
	if c.Signing.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Signing.TimeoutSeconds) * time.Second
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dtaflow.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with dta site config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a site.
func Default(siteID string) *Config {
	var cfg Config
	cfg.Site.ID = siteID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, siteID))).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(siteID string) string {
	return fmt.Sprintf(defaultTemplate, siteID)
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

const defaultTemplate = `site:
  id: %s
  name: ""
  classification: unclassified

signing:
  service_url: ""
  timeout_seconds: 10
  algorithm: SHA256-RSA

auth:
  allow_header_actor: false

webhooks: []
`
