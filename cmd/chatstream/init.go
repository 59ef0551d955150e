package main

import (
	"fmt"
	"os"

	"github.com/roelfdiedericks/chatstream/internal/config"
	"github.com/roelfdiedericks/chatstream/internal/llm"
)

// InitCmd writes a starter config with API keys read from the environment.
type InitCmd struct {
	Path  string `arg:"" optional:"" type:"path" help:"Where to write the config (default ~/.chatstream/chatstream.yaml)"`
	Force bool   `help:"Overwrite an existing file"`
}

// Run executes the init command.
func (c *InitCmd) Run() error {
	path := c.Path
	if path == "" {
		path = config.DefaultPath()
	}
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	cfg := config.Defaults()
	cfg.Provider = "anthropic"
	cfg.Providers = map[string]llm.ProviderConfig{
		"anthropic":  {APIKey: "${ANTHROPIC_API_KEY}"},
		"openai":     {APIKey: "${OPENAI_API_KEY}"},
		"openrouter": {APIKey: "${OPENROUTER_API_KEY}"},
		"ollama":     {BaseURL: "http://localhost:11434"},
	}
	if err := config.Save(path, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", path)
	return nil
}
