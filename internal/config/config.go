// Package config defines the robun runtime configuration: a JSON5 file with
// defaults, overlaid by ROBUN_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"
)

// Config is the root configuration for the robun gateway.
type Config struct {
	Agents    AgentsConfig    `json:"agents"`
	Providers ProvidersConfig `json:"providers"`
	Channels  ChannelsConfig  `json:"channels"`
	Tools     ToolsConfig     `json:"tools"`
	Gateway   GatewayConfig   `json:"gateway"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
}

// AgentsConfig holds agent loop defaults.
type AgentsConfig struct {
	Workspace           string  `json:"workspace"`
	RestrictToWorkspace bool    `json:"restrict_to_workspace"`
	Provider            string  `json:"provider"`
	Model               string  `json:"model"`
	MaxTokens           int     `json:"max_tokens"`
	Temperature         float64 `json:"temperature"`
	MaxToolIterations   int     `json:"max_tool_iterations"`
	MemoryWindow        int     `json:"memory_window"`
}

// ProviderConfig holds credentials for one LLM provider endpoint.
type ProviderConfig struct {
	APIKey       string            `json:"api_key"`
	APIBase      string            `json:"api_base,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers,omitempty"`
}

// ProvidersConfig maps provider names to their credentials.
type ProvidersConfig struct {
	OpenAI     ProviderConfig `json:"openai"`
	OpenRouter ProviderConfig `json:"openrouter"`
	DeepSeek   ProviderConfig `json:"deepseek"`
	Groq       ProviderConfig `json:"groq"`
}

// TelegramConfig configures the Telegram channel adapter.
type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowList []string `json:"allow_list,omitempty"` // empty = allow all
}

// ChannelsConfig holds per-channel adapter settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

// ToolsConfig holds built-in tool settings.
type ToolsConfig struct {
	ExecTimeoutS    int    `json:"exec_timeout_s"`
	WebSearchAPIKey string `json:"web_search_api_key"`
}

// GatewayConfig holds the HTTP gateway listener settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// HeartbeatConfig holds the heartbeat service settings.
type HeartbeatConfig struct {
	Enabled   bool `json:"enabled"`
	IntervalS int  `json:"interval_s"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agents: AgentsConfig{
			Workspace:           filepath.Join(home, ".robun", "workspace"),
			RestrictToWorkspace: true,
			Provider:            "openai",
			Model:               "gpt-4.1",
			MaxTokens:           8192,
			Temperature:         0.7,
			MaxToolIterations:   20,
			MemoryWindow:        50,
		},
		Tools: ToolsConfig{
			ExecTimeoutS: 60,
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 18710,
		},
		Heartbeat: HeartbeatConfig{
			Enabled:   true,
			IntervalS: 1800,
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults (still env-overridable).
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays ROBUN_* env vars onto the config.
// Path separator is "__": ROBUN_AGENTS__MODEL, ROBUN_PROVIDERS__OPENAI__API_KEY.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				*dst = n
			}
		}
	}
	envFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			var f float64
			if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
				*dst = f
			}
		}
	}
	envBool := func(key string, dst *bool) {
		switch strings.ToLower(os.Getenv(key)) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		}
	}
	envList := func(key string, dst *[]string) {
		if v := os.Getenv(key); v != "" {
			parts := strings.Split(v, ",")
			out := make([]string, 0, len(parts))
			for _, p := range parts {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}

	envStr("ROBUN_AGENTS__WORKSPACE", &c.Agents.Workspace)
	envBool("ROBUN_AGENTS__RESTRICT_TO_WORKSPACE", &c.Agents.RestrictToWorkspace)
	envStr("ROBUN_AGENTS__PROVIDER", &c.Agents.Provider)
	envStr("ROBUN_AGENTS__MODEL", &c.Agents.Model)
	envInt("ROBUN_AGENTS__MAX_TOKENS", &c.Agents.MaxTokens)
	envFloat("ROBUN_AGENTS__TEMPERATURE", &c.Agents.Temperature)
	envInt("ROBUN_AGENTS__MAX_TOOL_ITERATIONS", &c.Agents.MaxToolIterations)
	envInt("ROBUN_AGENTS__MEMORY_WINDOW", &c.Agents.MemoryWindow)

	envStr("ROBUN_PROVIDERS__OPENAI__API_KEY", &c.Providers.OpenAI.APIKey)
	envStr("ROBUN_PROVIDERS__OPENAI__API_BASE", &c.Providers.OpenAI.APIBase)
	envStr("ROBUN_PROVIDERS__OPENROUTER__API_KEY", &c.Providers.OpenRouter.APIKey)
	envStr("ROBUN_PROVIDERS__OPENROUTER__API_BASE", &c.Providers.OpenRouter.APIBase)
	envStr("ROBUN_PROVIDERS__DEEPSEEK__API_KEY", &c.Providers.DeepSeek.APIKey)
	envStr("ROBUN_PROVIDERS__DEEPSEEK__API_BASE", &c.Providers.DeepSeek.APIBase)
	envStr("ROBUN_PROVIDERS__GROQ__API_KEY", &c.Providers.Groq.APIKey)
	envStr("ROBUN_PROVIDERS__GROQ__API_BASE", &c.Providers.Groq.APIBase)

	envBool("ROBUN_CHANNELS__TELEGRAM__ENABLED", &c.Channels.Telegram.Enabled)
	envStr("ROBUN_CHANNELS__TELEGRAM__TOKEN", &c.Channels.Telegram.Token)
	envList("ROBUN_CHANNELS__TELEGRAM__ALLOW_LIST", &c.Channels.Telegram.AllowList)

	envInt("ROBUN_TOOLS__EXEC_TIMEOUT_S", &c.Tools.ExecTimeoutS)
	envStr("ROBUN_TOOLS__WEB_SEARCH_API_KEY", &c.Tools.WebSearchAPIKey)

	envStr("ROBUN_GATEWAY__HOST", &c.Gateway.Host)
	envInt("ROBUN_GATEWAY__PORT", &c.Gateway.Port)

	envBool("ROBUN_HEARTBEAT__ENABLED", &c.Heartbeat.Enabled)
	envInt("ROBUN_HEARTBEAT__INTERVAL_S", &c.Heartbeat.IntervalS)
}

// ProviderFor returns the credentials block for a named provider.
func (c *Config) ProviderFor(name string) ProviderConfig {
	switch name {
	case "openrouter":
		return c.Providers.OpenRouter
	case "deepseek":
		return c.Providers.DeepSeek
	case "groq":
		return c.Providers.Groq
	default:
		return c.Providers.OpenAI
	}
}

// Sanitized returns a copy safe to expose over the HTTP surface:
// all credentials are redacted.
func (c *Config) Sanitized() Config {
	out := *c
	redact := func(p *ProviderConfig) {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		p.ExtraHeaders = nil
	}
	redact(&out.Providers.OpenAI)
	redact(&out.Providers.OpenRouter)
	redact(&out.Providers.DeepSeek)
	redact(&out.Providers.Groq)
	if out.Channels.Telegram.Token != "" {
		out.Channels.Telegram.Token = "***"
	}
	if out.Tools.WebSearchAPIKey != "" {
		out.Tools.WebSearchAPIKey = "***"
	}
	return out
}
