// Package config loads and validates the inspector's YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/purpleroc/mcp-security-inspector/internal/mcp"
)

type Config struct {
	Server   ServerConfig        `yaml:"server"`
	Logging  LoggingConfig       `yaml:"logging"`
	Targets  []TargetConfig      `yaml:"targets"`
	LLM      LLMConfig           `yaml:"llm"`
	Security SecurityCheckConfig `yaml:"security"`
	Monitor  MonitorConfig       `yaml:"monitor"`
	Storage  StorageConfig       `yaml:"storage"`
	Rules    RulesConfig         `yaml:"rules"`
	Metrics  MetricsConfig       `yaml:"metrics"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	APIKey       string `yaml:"api_key"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TargetConfig describes one MCP server under inspection.
type TargetConfig struct {
	Name           string         `yaml:"name"`
	Transport      string         `yaml:"transport"` // http | sse
	URL            string         `yaml:"url"`
	EventsURL      string         `yaml:"events_url,omitempty"`
	Auth           mcp.AuthConfig `yaml:"auth"`
	TLSFingerprint string         `yaml:"tls_fingerprint,omitempty"`
}

type LLMConfig struct {
	ID       string `yaml:"id"`
	Provider string `yaml:"provider"` // openai | anthropic
	BaseURL  string `yaml:"base_url,omitempty"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	Timeout  string `yaml:"timeout,omitempty"`
}

// SecurityCheckConfig drives the active scan and parameterises passive rule
// application.
type SecurityCheckConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	LLMConfigID       string `yaml:"llm_config_id" json:"llmConfigId"`
	AutoGenerate      bool   `yaml:"auto_generate" json:"autoGenerate"`
	EnableLLMAnalysis bool   `yaml:"enable_llm_analysis" json:"enableLLMAnalysis"`
	MaxTestCases      int    `yaml:"max_test_cases" json:"maxTestCases"`
	TimeoutSeconds    int    `yaml:"timeout_seconds" json:"timeout"`

	// IncludeTargets/ExcludeTargets are glob patterns filtering which
	// capabilities a scan visits. Empty include means all.
	IncludeTargets []string `yaml:"include_targets,omitempty" json:"includeTargets,omitempty"`
	ExcludeTargets []string `yaml:"exclude_targets,omitempty" json:"excludeTargets,omitempty"`
}

// Timeout returns the per-test-call timeout.
func (c SecurityCheckConfig) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

type MonitorConfig struct {
	Enabled    bool `yaml:"enabled"`
	BufferSize int  `yaml:"buffer_size"`
}

type StorageConfig struct {
	SQLitePath  string `yaml:"sqlite_path"`
	ScanLogPath string `yaml:"scan_log_path"`
}

type RulesConfig struct {
	CustomRulesFile string `yaml:"custom_rules_file,omitempty"`
	Watch           bool   `yaml:"watch"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a configuration that works out of the box against a
// local MCP server.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         "127.0.0.1:8690",
			ReadTimeout:  "30s",
			WriteTimeout: "30s",
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Security: SecurityCheckConfig{
			Enabled:           true,
			AutoGenerate:      true,
			EnableLLMAnalysis: true,
			MaxTestCases:      5,
			TimeoutSeconds:    30,
		},
		Monitor: MonitorConfig{Enabled: true, BufferSize: 500},
		Storage: StorageConfig{
			SQLitePath:  defaultStatePath("inspector.db"),
			ScanLogPath: defaultStatePath("scan-log.jsonl"),
		},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

func defaultStatePath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return home + "/.mcp-inspector/" + name
}

// Load reads a YAML config file, layering it over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(false)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks enum fields and target definitions at the boundary so
// internal logic never sees an unrecognised tag.
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	for i, t := range c.Targets {
		if t.Name == "" {
			return fmt.Errorf("target %d: name is required", i)
		}
		if t.URL == "" {
			return fmt.Errorf("target %q: url is required", t.Name)
		}
		switch t.Transport {
		case "", "http", "sse":
		default:
			return fmt.Errorf("target %q: unknown transport %q", t.Name, t.Transport)
		}
		switch t.Auth.Type {
		case "", "none", "api_key", "bearer":
		default:
			return fmt.Errorf("target %q: unknown auth type %q", t.Name, t.Auth.Type)
		}
	}
	if c.LLM.Provider != "" {
		switch c.LLM.Provider {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("unknown llm provider %q", c.LLM.Provider)
		}
	}
	if c.Security.MaxTestCases < 0 {
		return fmt.Errorf("security.max_test_cases must be >= 0")
	}
	return nil
}

// ParseDuration parses a config duration string with a fallback.
func ParseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
