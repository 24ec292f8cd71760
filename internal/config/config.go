package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const FileName = "raidline.yml"

// Config models raidline.yml.
type Config struct {
	Server struct {
		Addr         string `yaml:"addr"`
		BasePath     string `yaml:"base_path"`
		JWTSecret    string `yaml:"jwt_secret"`
		SignalSecret string `yaml:"signal_secret"`
	} `yaml:"server"`
	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`
	Raids struct {
		GracePeriod     time.Duration `yaml:"grace_period"`
		WarningLead     time.Duration `yaml:"warning_lead"`
		QuestionTimeout time.Duration `yaml:"question_timeout"`
		PersistRetry    time.Duration `yaml:"persist_retry"`
		PersistRetryMax time.Duration `yaml:"persist_retry_max"`
	} `yaml:"raids"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Communities []CommunityConfig `yaml:"communities"`
}

type GatewayConfig struct {
	Kind    string        `yaml:"kind"`
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

type CommunityConfig struct {
	ID      string `yaml:"id"`
	Channel string `yaml:"channel"`
	Share   bool   `yaml:"share"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with raidline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	durations := map[string]time.Duration{
		"raids.grace_period":      c.Raids.GracePeriod,
		"raids.warning_lead":      c.Raids.WarningLead,
		"raids.question_timeout":  c.Raids.QuestionTimeout,
		"raids.persist_retry":     c.Raids.PersistRetry,
		"raids.persist_retry_max": c.Raids.PersistRetryMax,
	}
	for key, d := range durations {
		if d <= 0 {
			return fmt.Errorf("config.%s must be positive", key)
		}
	}
	if c.Raids.PersistRetryMax < c.Raids.PersistRetry {
		return fmt.Errorf("config.raids.persist_retry_max must not be below persist_retry")
	}
	switch c.Gateway.Kind {
	case "memory":
	case "webhook":
		if strings.TrimSpace(c.Gateway.URL) == "" {
			return fmt.Errorf("config.gateway.url is required for the webhook gateway")
		}
		if c.Gateway.Timeout < 0 {
			return fmt.Errorf("config.gateway.timeout must not be negative")
		}
	default:
		return fmt.Errorf("config.gateway.kind %q must be memory or webhook", c.Gateway.Kind)
	}
	if len(c.Communities) == 0 {
		return fmt.Errorf("config.communities needs at least one community")
	}
	seen := map[string]bool{}
	for i, cm := range c.Communities {
		if strings.TrimSpace(cm.ID) == "" {
			return fmt.Errorf("config.communities[%d].id is required", i)
		}
		if strings.TrimSpace(cm.Channel) == "" {
			return fmt.Errorf("community %s has no channel", cm.ID)
		}
		if seen[cm.ID] {
			return fmt.Errorf("community %s is listed twice", cm.ID)
		}
		seen[cm.ID] = true
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(community string) string {
	if strings.TrimSpace(community) == "" {
		community = "main"
	}
	return fmt.Sprintf(defaultTemplate, community)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(""), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default(community string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(community))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data keep
// their default value.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	cfg.Communities = nil
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

const defaultTemplate = `server:
  addr: 127.0.0.1:8484
  base_path: /v0
  jwt_secret: ""
  signal_secret: ""

logging:
  level: info
  pretty: false

raids:
  grace_period: 10m
  warning_lead: 7m
  question_timeout: 5m
  persist_retry: 5s
  persist_retry_max: 1m

gateway:
  kind: memory
  url: ""
  secret: ""
  timeout: 5s

communities:
  - id: %s
    channel: raids
    share: false
`
