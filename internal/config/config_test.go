package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/roelfdiedericks/chatstream/internal/lifecycle"
	"github.com/roelfdiedericks/chatstream/internal/llm"
	"github.com/roelfdiedericks/chatstream/internal/logging"
)

func TestMain(m *testing.M) {
	logging.Init(&logging.LogConfig{Level: logging.LevelError})
	os.Exit(m.Run())
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	path := writeConfig(t, `
providers:
  openai:
    model: gpt-5-mini
retry:
  maxRetries: 5
lifecycle:
  inactivityTimeout: 10s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != time.Second || cfg.Retry.BackoffMultiplier != 2 {
		t.Errorf("retry defaults not merged: %+v", cfg.Retry)
	}
	if cfg.Lifecycle.InactivityTimeout != 10*time.Second {
		t.Errorf("InactivityTimeout = %v", cfg.Lifecycle.InactivityTimeout)
	}
	if cfg.Lifecycle.MaxDuration != 5*time.Minute || cfg.Lifecycle.BackgroundBehavior != lifecycle.BackgroundCancel {
		t.Errorf("lifecycle defaults not merged: %+v", cfg.Lifecycle)
	}
	if !cfg.RetryEnabled() || !cfg.FallbackEnabled() {
		t.Error("retry and fallback should default to enabled")
	}
	if cfg.Provider != "openai" {
		t.Errorf("Provider = %q, want first configured in fallback order", cfg.Provider)
	}
	if cfg.Server.Path != "/ws" {
		t.Errorf("server defaults not merged: %+v", cfg.Server)
	}
}

func TestExplicitFalseSurvivesMerge(t *testing.T) {
	path := writeConfig(t, `
provider: ollama
providers:
  ollama: {}
enableRetry: false
enableFallback: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RetryEnabled() || cfg.FallbackEnabled() {
		t.Error("explicit false must not be overridden by defaults")
	}
}

func TestExplicitSwitchesAreIndependent(t *testing.T) {
	path := writeConfig(t, `
providers:
  ollama: {}
enableRetry: false
enableFallback: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RetryEnabled() {
		t.Error("enableRetry: false was overridden")
	}
	if !cfg.FallbackEnabled() {
		t.Error("enableFallback: true was lost")
	}

	// A second load must not see state leaked through the defaults.
	again, err := Load(writeConfig(t, "providers:\n  ollama: {}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !again.RetryEnabled() || !again.FallbackEnabled() {
		t.Error("defaults changed by an earlier load")
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("CHATSTREAM_TEST_KEY", "sk-from-env")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	path := writeConfig(t, `
providers:
  openai:
    apiKey: ${CHATSTREAM_TEST_KEY}
  anthropic: {}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.Providers["openai"].APIKey; got != "sk-from-env" {
		t.Errorf("openai key = %q", got)
	}
	if got := cfg.Providers["anthropic"].APIKey; got != "sk-ant-env" {
		t.Errorf("anthropic key = %q", got)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	var cfg Config
	err := Parse([]byte("enableRetries: true\n"), &cfg)
	if err == nil || !strings.Contains(err.Error(), "enableRetries") {
		t.Errorf("err = %v, want unknown field error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no providers", func(c *Config) { c.Providers = nil }, "no providers"},
		{"unknown type", func(c *Config) { c.Providers["x"] = llm.ProviderConfig{Type: "carrier-pigeon"} }, "unknown provider"},
		{"selected missing", func(c *Config) { c.Provider = "anthropic" }, `"anthropic" is not configured`},
		{"bad multiplier", func(c *Config) { c.Retry.BackoffMultiplier = 0.5 }, "backoffMultiplier"},
		{"max below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }, "maxDelay"},
		{"bad background", func(c *Config) { c.Lifecycle.BackgroundBehavior = "sleep" }, "backgroundBehavior"},
		{"bad path", func(c *Config) { c.Server.Path = "ws" }, "server paths"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			cfg.Provider = "echo"
			cfg.Providers = map[string]llm.ProviderConfig{"echo": {Type: "echo"}}
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateNoProvidersSentinel(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); !errors.Is(err, ErrNoProviders) {
		t.Errorf("err = %v, want ErrNoProviders", err)
	}
}

func TestResolve(t *testing.T) {
	if _, err := Resolve(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("explicit missing path must fail")
	}
	path := writeConfig(t, "provider: echo\n")
	got, err := Resolve(path)
	if err != nil || got != path {
		t.Errorf("Resolve(%q) = %q, %v", path, got, err)
	}
}

func TestSaveRoundTripAndBackup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)
	cfg := Defaults()
	cfg.Provider = "echo"
	cfg.Providers = map[string]llm.ProviderConfig{"echo": {Type: "echo"}}

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	cfg.Provider = "echo2"
	cfg.Providers["echo2"] = llm.ProviderConfig{Type: "echo"}
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Errorf("expected backup: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Provider != "echo2" || loaded.Lifecycle.CompletionGrace != 8*time.Second {
		t.Errorf("round trip lost values: %+v", loaded)
	}
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "provider: echo\nproviders:\n  echo: {}\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, 20*time.Millisecond, func(c *Config) { changed <- c }) }()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("provider: echo\nproviders:\n  echo: {}\nsystemPrompt: be brief\n"), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.SystemPrompt != "be brief" {
			t.Errorf("SystemPrompt = %q", cfg.SystemPrompt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload after write")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
}

func TestBackupRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	for i := 0; i < BackupCount+2; i++ {
		if err := os.WriteFile(path, []byte{byte('a' + i)}, 0600); err != nil {
			t.Fatal(err)
		}
		cfg := Defaults()
		cfg.SystemPrompt = strings.Repeat("x", i)
		if err := Save(path, cfg); err != nil {
			t.Fatal(err)
		}
	}

	newest, err := os.ReadFile(backupName(path, 0))
	if err != nil || string(newest) != string(rune('a'+BackupCount+1)) {
		t.Errorf("newest backup = %q, %v", newest, err)
	}
	if _, err := os.Stat(backupName(path, BackupCount-1)); err != nil {
		t.Errorf("oldest kept slot missing: %v", err)
	}
	if _, err := os.Stat(backupName(path, BackupCount)); !os.IsNotExist(err) {
		t.Errorf("backup beyond BackupCount should not exist: %v", err)
	}
}
