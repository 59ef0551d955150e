package main

import (
	"fmt"

	"github.com/roelfdiedericks/chatstream/internal/config"
	"github.com/roelfdiedericks/chatstream/internal/llm"
	. "github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/orchestrator"
)

// CLI is the root command structure for chatstream.
// Flags override values loaded from the config file.
type CLI struct {
	Config   string `short:"c" help:"Path to config file" type:"path" env:"CHATSTREAM_CONFIG"`
	Verbose  bool   `short:"v" help:"Debug logging"`
	LogLevel string `help:"Log level (trace, debug, info, warn, error)" env:"CHATSTREAM_LOG_LEVEL"`
	Provider string `short:"p" help:"Provider to use" env:"CHATSTREAM_PROVIDER"`
	Model    string `short:"m" help:"Model to use" env:"CHATSTREAM_MODEL"`

	NoRetry    bool `help:"Disable same-provider retries"`
	NoFallback bool `help:"Disable fallback to other providers"`

	Ask       AskCmd       `cmd:"" default:"withargs" help:"Send one message and stream the reply"`
	Serve     ServeCmd     `cmd:"" help:"Serve chat streams over a websocket"`
	Providers ProvidersCmd `cmd:"" help:"List configured providers"`
	Init      InitCmd      `cmd:"" help:"Write a starter config file"`
	Version   VersionCmd   `cmd:"" help:"Print version"`
}

// load resolves, reads and validates the config, then applies flag overrides.
func (cli *CLI) load() (string, *config.Config, error) {
	path, err := config.Resolve(cli.Config)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", nil, err
	}
	cli.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return "", nil, fmt.Errorf("invalid config: %w", err)
	}
	cli.initLogging(cfg)
	return path, cfg, nil
}

// apply copies command-line overrides onto cfg.
func (cli *CLI) apply(cfg *config.Config) {
	if cli.Provider != "" {
		cfg.Provider = cli.Provider
		cfg.Model = ""
	}
	if cli.Model != "" {
		cfg.Model = cli.Model
	}
	if cli.NoRetry {
		off := false
		cfg.EnableRetry = &off
	}
	if cli.NoFallback {
		off := false
		cfg.EnableFallback = &off
	}
	if cli.LogLevel != "" {
		cfg.Logging.Level = cli.LogLevel
	}
	if cli.Verbose {
		cfg.Logging.Level = "debug"
	}
}

func (cli *CLI) initLogging(cfg *config.Config) {
	Init(&LogConfig{
		Level:      cfg.LoggingLevel(),
		TimeFormat: cfg.Logging.TimeFormat,
		ShowCaller: cfg.Logging.ShowCaller,
	})
}

// template builds the provider registry and the orchestrator options that
// every conversation starts from.
func template(cfg *config.Config) (orchestrator.Options, *llm.Registry, error) {
	reg, err := llm.NewRegistryFromConfig(cfg.Providers)
	if err != nil {
		return orchestrator.Options{}, nil, err
	}
	model := cfg.Model
	if model == "" {
		model = reg.SelectedModel(cfg.Provider)
	}
	return orchestrator.Options{
		Providers:      reg,
		Fallback:       llm.NewFallbackResolver(cfg.FallbackOrder, reg),
		Provider:       cfg.Provider,
		Model:          model,
		SystemPrompt:   cfg.SystemPrompt,
		Thinking:       cfg.Thinking,
		Retry:          cfg.Retry,
		Lifecycle:      cfg.Lifecycle,
		EnableRetry:    cfg.RetryEnabled(),
		EnableFallback: cfg.FallbackEnabled(),
		EstimateTokens: cfg.EstimateTokens,
	}, reg, nil
}
