package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/polzovatel/ui-self-healing-agent/internal/agent"
)

const (
	envMaxAttempts = "HEALER_MAX_ATTEMPTS"
	envLogLevel    = "HEALER_LOG_LEVEL"
)

// Config captures every tunable setting of the healer.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Healer   HealerConfig   `yaml:"healer"`
	Advisory AdvisoryConfig `yaml:"advisory"`
	Browser  BrowserConfig  `yaml:"browser"`
	MCP      MCPConfig      `yaml:"mcp"`
}

type LogConfig struct {
	// Level is a zerolog level name: debug | info | warn | error.
	Level string `yaml:"level"`
	// Format is console | json. Empty picks console on a terminal.
	Format string `yaml:"format"`
}

type HealerConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	MaxConcurrent  int    `yaml:"max_concurrent"`
	StepTimeout    string `yaml:"step_timeout"`
	SessionTimeout string `yaml:"session_timeout"`
	CaptureTimeout string `yaml:"capture_timeout"`
	// SessionStore persists terminal sessions as JSON when set.
	SessionStore string `yaml:"session_store"`
}

// AdvisoryConfig selects the advisory tier. Disabled runs rules only.
type AdvisoryConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Provider        string `yaml:"provider"`
	Model           string `yaml:"model"`
	DiagnoseTimeout string `yaml:"diagnose_timeout"`
	PatchTimeout    string `yaml:"patch_timeout"`
}

type BrowserConfig struct {
	Headless     bool     `yaml:"headless"`
	Args         []string `yaml:"args"`
	StartURL     string   `yaml:"start_url"`
	StorageState string   `yaml:"storage_state"`
	Screenshots  bool     `yaml:"screenshots"`
	ElementLimit int      `yaml:"element_limit"`
	SettleDelay  string   `yaml:"settle_delay"`
}

type MCPConfig struct {
	Name string `yaml:"name"`
	// Transport is stdio | http.
	Transport string `yaml:"transport"`
	Port      int    `yaml:"port"`
}

// DefaultConfig provides reasonable defaults for local use.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Healer: HealerConfig{
			MaxAttempts:    agent.DefaultMaxAttempts,
			MaxConcurrent:  4,
			StepTimeout:    "60s",
			SessionTimeout: "10m",
			CaptureTimeout: "5s",
		},
		Advisory: AdvisoryConfig{
			Enabled:         true,
			Provider:        "anthropic",
			DiagnoseTimeout: "20s",
			PatchTimeout:    "30s",
		},
		Browser: BrowserConfig{
			Headless:     true,
			ElementLimit: 300,
			SettleDelay:  "1s",
		},
		MCP: MCPConfig{
			Name:      "ui-healer",
			Transport: "stdio",
			Port:      8808,
		},
	}
}

// Load overlays the YAML file at path on DefaultConfig, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(envMaxAttempts)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envMaxAttempts, err)
		}
		c.Healer.MaxAttempts = n
	}
	if v := strings.TrimSpace(os.Getenv(envLogLevel)); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate ensures the healer can start deterministically.
func (c *Config) Validate() error {
	var errs []error
	if c.Healer.MaxAttempts < 1 || c.Healer.MaxAttempts > agent.MaxAttemptsLimit {
		errs = append(errs, fmt.Errorf("healer.max_attempts must be between 1 and %d", agent.MaxAttemptsLimit))
	}
	if c.Healer.MaxConcurrent < 0 {
		errs = append(errs, errors.New("healer.max_concurrent must not be negative"))
	}
	switch c.MCP.Transport {
	case "stdio", "http":
	default:
		errs = append(errs, fmt.Errorf("mcp.transport must be stdio or http, got %q", c.MCP.Transport))
	}
	switch c.Log.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Orchestrator maps the healer section onto the orchestrator config.
func (h HealerConfig) Orchestrator() agent.Config {
	return agent.Config{
		MaxConcurrent:  h.MaxConcurrent,
		CaptureTimeout: duration(h.CaptureTimeout, agent.DefaultCaptureTimeout),
		Defaults: agent.Options{
			MaxAttempts:    h.MaxAttempts,
			StepTimeout:    duration(h.StepTimeout, 0),
			SessionTimeout: duration(h.SessionTimeout, 0),
		},
	}
}

func (a AdvisoryConfig) DiagnoseDeadline() time.Duration {
	return duration(a.DiagnoseTimeout, 20*time.Second)
}

func (a AdvisoryConfig) PatchDeadline() time.Duration {
	return duration(a.PatchTimeout, 30*time.Second)
}

func (b BrowserConfig) Settle() time.Duration {
	return duration(b.SettleDelay, time.Second)
}

// duration parses s, returning def when it is empty, malformed or negative.
func duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
