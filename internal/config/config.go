// Package config loads chatstream.yaml, fills unset values from Defaults and
// watches the file for changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"sort"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/roelfdiedericks/chatstream/internal/lifecycle"
	"github.com/roelfdiedericks/chatstream/internal/llm"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/paths"
	"github.com/roelfdiedericks/chatstream/internal/retry"
)

// FileName is the config file looked up in the working directory and in ~/.chatstream.
const FileName = paths.ConfigFile

// ErrNoProviders is returned by Validate when no provider is enabled.
var ErrNoProviders = errors.New("no providers configured")

// Config is the complete chatstream configuration. Zero values are filled
// from Defaults, so a lifecycle watchdog is disabled with a negative duration
// and retries with enableRetry: false.
type Config struct {
	Provider       string                        `yaml:"provider"`
	Model          string                        `yaml:"model,omitempty"`
	SystemPrompt   string                        `yaml:"systemPrompt,omitempty"`
	Thinking       bool                          `yaml:"thinking,omitempty"`
	Providers      map[string]llm.ProviderConfig `yaml:"providers"`
	FallbackOrder  []string                      `yaml:"fallbackOrder"`
	EnableRetry    *bool                         `yaml:"enableRetry"`
	EnableFallback *bool                         `yaml:"enableFallback"`
	EstimateTokens bool                          `yaml:"estimateTokens,omitempty"`
	Retry          retry.Config                  `yaml:"retry"`
	Lifecycle      lifecycle.Options             `yaml:"lifecycle"`
	Logging        LoggingConfig                 `yaml:"logging"`
	Server         ServerConfig                  `yaml:"server"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	TimeFormat string `yaml:"timeFormat,omitempty"`
	ShowCaller bool   `yaml:"showCaller,omitempty"`
}

// ServerConfig configures `chatstream serve`.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	Path        string `yaml:"path"`
	MetricsPath string `yaml:"metricsPath"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	enabled := true
	fallback := true
	return &Config{
		FallbackOrder:  slices.Clone(llm.DefaultFallbackOrder),
		EnableRetry:    &enabled,
		EnableFallback: &fallback,
		Retry:          retry.DefaultConfig(),
		Lifecycle:      lifecycle.DefaultOptions(),
		Logging: LoggingConfig{
			Level:      "info",
			TimeFormat: "15:04:05",
		},
		Server: ServerConfig{
			Addr:        "127.0.0.1:8765",
			Path:        "/ws",
			MetricsPath: "/metrics",
		},
	}
}

// RetryEnabled reports whether same-provider retries are on.
func (c *Config) RetryEnabled() bool {
	return c.EnableRetry == nil || *c.EnableRetry
}

// FallbackEnabled reports whether cross-provider fallback is on.
func (c *Config) FallbackEnabled() bool {
	return c.EnableFallback == nil || *c.EnableFallback
}

// LoggingLevel returns the configured level as a logging constant.
func (c *Config) LoggingLevel() int {
	return ParseLevel(c.Logging.Level)
}

// Resolve returns the config path to load: explicit if set, else
// ./chatstream.yaml, else ~/.chatstream/chatstream.yaml. It returns "" when
// no file exists.
func Resolve(explicit string) (string, error) {
	if explicit == "" {
		return paths.ConfigPath()
	}
	path, err := paths.ExpandTilde(explicit)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("config file: %w", err)
	}
	return path, nil
}

// DefaultPath is where `chatstream init` writes a new config.
func DefaultPath() string {
	path, err := paths.DefaultConfigPath()
	if err != nil {
		return FileName
	}
	return path
}

// Load reads path (may be empty for defaults only), fills unset values from
// Defaults, expands ${VAR} references and picks up API keys from the
// environment.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		L_debug("config: loaded", "path", path, "providers", len(cfg.Providers))
	} else {
		L_debug("config: no config file, using defaults")
	}

	if err := cfg.mergeDefaults(); err != nil {
		return nil, err
	}
	cfg.expandEnv()
	cfg.normalize()
	return cfg, nil
}

// mergeDefaults fills zero fields from Defaults. mergo follows the *bool
// switches and overwrites an explicit false through the pointer, so the
// values read from the file are put back after the merge.
func (c *Config) mergeDefaults() error {
	retrySet, fallbackSet := explicit(c.EnableRetry), explicit(c.EnableFallback)
	if err := mergo.Merge(c, *Defaults()); err != nil {
		return fmt.Errorf("merge defaults: %w", err)
	}
	if retrySet != nil {
		c.EnableRetry = retrySet
	}
	if fallbackSet != nil {
		c.EnableFallback = fallbackSet
	}
	return nil
}

// explicit copies a set *bool so later writes through p do not reach it.
func explicit(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Parse decodes YAML into cfg, rejecting unknown keys.
func Parse(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// envKeys maps provider types to the environment variable holding their key.
var envKeys = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"xai":        "XAI_API_KEY",
}

func (c *Config) expandEnv() {
	for name, p := range c.Providers {
		p.APIKey = os.ExpandEnv(p.APIKey)
		p.BaseURL = os.ExpandEnv(p.BaseURL)
		kind := p.Type
		if kind == "" {
			kind = name
		}
		if p.APIKey == "" {
			if env, ok := envKeys[kind]; ok {
				p.APIKey = os.Getenv(env)
			}
		}
		c.Providers[name] = p
	}
}

// normalize picks a default provider when none is set.
func (c *Config) normalize() {
	if c.Provider != "" || len(c.Providers) == 0 {
		return
	}
	for _, name := range c.FallbackOrder {
		if p, ok := c.Providers[name]; ok && !p.Disabled {
			c.Provider = name
			return
		}
	}
	names := make([]string, 0, len(c.Providers))
	for name, p := range c.Providers {
		if !p.Disabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		c.Provider = names[0]
	}
}

// Validate reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	enabled := 0
	for name, p := range c.Providers {
		if p.Disabled {
			continue
		}
		enabled++
		kind := p.Type
		if kind == "" {
			kind = name
		}
		if _, known := llm.DefaultModels[kind]; !known {
			errs = append(errs, fmt.Errorf("provider %s: %w: %s", name, llm.ErrUnknownProvider, kind))
		}
	}
	if enabled == 0 {
		errs = append(errs, ErrNoProviders)
	} else if p, ok := c.Providers[c.Provider]; !ok || p.Disabled {
		errs = append(errs, fmt.Errorf("provider %q is not configured", c.Provider))
	}

	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry.maxRetries must not be negative"))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("retry.backoffMultiplier must be at least 1"))
	}
	if c.Retry.MaxDelay > 0 && c.Retry.MaxDelay < c.Retry.BaseDelay {
		errs = append(errs, errors.New("retry.maxDelay must not be below retry.baseDelay"))
	}

	switch c.Lifecycle.BackgroundBehavior {
	case lifecycle.BackgroundCancel, lifecycle.BackgroundPause, lifecycle.BackgroundContinue:
	default:
		errs = append(errs, fmt.Errorf("lifecycle.backgroundBehavior %q must be cancel, pause or continue", c.Lifecycle.BackgroundBehavior))
	}

	for _, name := range c.FallbackOrder {
		if _, ok := c.Providers[name]; !ok {
			L_debug("config: fallback order names unconfigured provider", "provider", name)
		}
	}

	if !strings.HasPrefix(c.Server.Path, "/") || !strings.HasPrefix(c.Server.MetricsPath, "/") {
		errs = append(errs, errors.New("server paths must start with /"))
	}
	return errors.Join(errs...)
}
