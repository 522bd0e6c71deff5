package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.MaxToolIterations != 20 {
		t.Errorf("MaxToolIterations = %d, want 20", cfg.Agents.MaxToolIterations)
	}
	if cfg.Heartbeat.IntervalS != 1800 {
		t.Errorf("IntervalS = %d, want 1800", cfg.Heartbeat.IntervalS)
	}
}

func TestLoad_JSON5WithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// agent settings
		agents: { model: "gpt-4.1-mini", memory_window: 10 },
		gateway: { port: 9999 },
	}`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Model != "gpt-4.1-mini" {
		t.Errorf("Model = %q", cfg.Agents.Model)
	}
	if cfg.Agents.MemoryWindow != 10 {
		t.Errorf("MemoryWindow = %d", cfg.Agents.MemoryWindow)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("Port = %d", cfg.Gateway.Port)
	}
	// untouched defaults survive a partial file
	if cfg.Agents.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d, want 8192", cfg.Agents.MaxTokens)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("ROBUN_AGENTS__MODEL", "deepseek-chat")
	t.Setenv("ROBUN_AGENTS__MEMORY_WINDOW", "8")
	t.Setenv("ROBUN_AGENTS__TEMPERATURE", "0.2")
	t.Setenv("ROBUN_PROVIDERS__OPENAI__API_KEY", "sk-test")
	t.Setenv("ROBUN_CHANNELS__TELEGRAM__ENABLED", "true")
	t.Setenv("ROBUN_CHANNELS__TELEGRAM__ALLOW_LIST", "123, 456")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agents.Model != "deepseek-chat" {
		t.Errorf("Model = %q", cfg.Agents.Model)
	}
	if cfg.Agents.MemoryWindow != 8 {
		t.Errorf("MemoryWindow = %d", cfg.Agents.MemoryWindow)
	}
	if cfg.Agents.Temperature != 0.2 {
		t.Errorf("Temperature = %v", cfg.Agents.Temperature)
	}
	if cfg.Providers.OpenAI.APIKey != "sk-test" {
		t.Errorf("APIKey = %q", cfg.Providers.OpenAI.APIKey)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("Telegram.Enabled = false")
	}
	if len(cfg.Channels.Telegram.AllowList) != 2 || cfg.Channels.Telegram.AllowList[1] != "456" {
		t.Errorf("AllowList = %v", cfg.Channels.Telegram.AllowList)
	}
}

func TestSanitized_RedactsCredentials(t *testing.T) {
	cfg := Default()
	cfg.Providers.OpenAI.APIKey = "sk-secret"
	cfg.Channels.Telegram.Token = "bot-token"
	cfg.Tools.WebSearchAPIKey = "brave-key"

	s := cfg.Sanitized()
	if s.Providers.OpenAI.APIKey != "***" {
		t.Errorf("APIKey = %q", s.Providers.OpenAI.APIKey)
	}
	if s.Channels.Telegram.Token != "***" {
		t.Errorf("Token = %q", s.Channels.Telegram.Token)
	}
	if s.Tools.WebSearchAPIKey != "***" {
		t.Errorf("WebSearchAPIKey = %q", s.Tools.WebSearchAPIKey)
	}
	// original untouched
	if cfg.Providers.OpenAI.APIKey != "sk-secret" {
		t.Error("Sanitized mutated the original config")
	}
}
