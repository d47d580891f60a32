package config

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Config represents the main convoy configuration
type Config struct {
	Agent        AgentConfig        `json:"agent" mapstructure:"agent"`
	Providers    []ProviderProfile  `json:"providers" mapstructure:"providers"`
	Sessions     SessionsConfig     `json:"sessions" mapstructure:"sessions"`
	Confirmation ConfirmationConfig `json:"confirmation" mapstructure:"confirmation"`
	Channels     ChannelsConfig     `json:"channels" mapstructure:"channels"`
	Tools        ToolsConfig        `json:"tools" mapstructure:"tools"`
	Metrics      MetricsConfig      `json:"metrics" mapstructure:"metrics"`
	Logging      LoggingConfig      `json:"logging" mapstructure:"logging"`

	// DataDir holds sessions, logs and the audit trail.
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
	// WorkspacePath confines the file and exec tools. Empty disables them.
	WorkspacePath string `json:"workspace_path" mapstructure:"workspace_path"`
}

// AgentConfig controls one conversation iteration.
type AgentConfig struct {
	Model         string  `json:"model" mapstructure:"model"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	SystemPrompt  string  `json:"system_prompt" mapstructure:"system_prompt"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
	// MaxRetries bounds retries of transient model errors per profile.
	MaxRetries         int `json:"max_retries" mapstructure:"max_retries"`
	ToolTimeoutSeconds int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
}

// ProviderProfile is one model backend; lower priority is tried first.
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url,omitempty" mapstructure:"base_url"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// SessionsConfig selects the session store and the history window.
type SessionsConfig struct {
	Backend string `json:"backend" mapstructure:"backend"` // memory, file, sqlite
	// Dir defaults to <data_dir>/sessions.
	Dir              string `json:"dir" mapstructure:"dir"`
	MaxTurns         int    `json:"max_turns" mapstructure:"max_turns"`
	MaxContextTokens int    `json:"max_context_tokens" mapstructure:"max_context_tokens"`
	CleanupSchedule  string `json:"cleanup_schedule" mapstructure:"cleanup_schedule"`
	MaxIdleHours     int    `json:"max_idle_hours" mapstructure:"max_idle_hours"`
}

// ConfirmationConfig controls gated tool calls.
type ConfirmationConfig struct {
	Handler               string   `json:"handler" mapstructure:"handler"` // cli, chat, auto
	DefaultTimeoutSeconds int      `json:"default_timeout_seconds" mapstructure:"default_timeout_seconds"`
	GatedTools            []string `json:"gated_tools" mapstructure:"gated_tools"`
}

// ChannelsConfig holds channel configuration
type ChannelsConfig struct {
	CLI      CLIConfig      `json:"cli" mapstructure:"cli"`
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`
	Gateway  GatewayConfig  `json:"gateway" mapstructure:"gateway"`
}

// CLIConfig is the local terminal channel.
type CLIConfig struct {
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
	SessionID string `json:"session_id" mapstructure:"session_id"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	BotToken string `json:"bot_token" mapstructure:"bot_token"`
	// AllowFrom lists user ids or usernames; empty allows everyone.
	AllowFrom           []string `json:"allow_from" mapstructure:"allow_from"`
	GroupRequireMention bool     `json:"group_require_mention" mapstructure:"group_require_mention"`
}

// GatewayConfig holds the websocket gateway configuration
type GatewayConfig struct {
	Enabled      bool   `json:"enabled" mapstructure:"enabled"`
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// ToolsConfig toggles the built-in tools.
type ToolsConfig struct {
	// Exec enables the exec tool. It is always gated.
	Exec bool `json:"exec" mapstructure:"exec"`
}

// MetricsConfig serves /metrics on its own listener when the gateway is off.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Listen  string `json:"listen" mapstructure:"listen"`
	// TraceSampleRatio is the share of root traces recorded; 0 means all.
	TraceSampleRatio float64 `json:"trace_sample_ratio" mapstructure:"trace_sample_ratio"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	// AuditFile records confirmation and tool decisions as JSON lines.
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:              "claude-sonnet-4-5",
			Temperature:        0.7,
			MaxTokens:          4096,
			SystemPrompt:       "You are a helpful assistant. Use tools when they help answer the user.",
			MaxIterations:      10,
			MaxRetries:         3,
			ToolTimeoutSeconds: 30,
		},
		Providers: []ProviderProfile{},
		Sessions: SessionsConfig{
			Backend:          "file",
			MaxTurns:         100,
			MaxContextTokens: 100000,
			CleanupSchedule:  "@every 1h",
			MaxIdleHours:     24 * 30,
		},
		Confirmation: ConfirmationConfig{
			Handler:               "chat",
			DefaultTimeoutSeconds: 300,
			GatedTools:            []string{},
		},
		Channels: ChannelsConfig{
			CLI:      CLIConfig{Enabled: true, SessionID: "local"},
			Telegram: TelegramConfig{AllowFrom: []string{}, GroupRequireMention: true},
			Gateway:  GatewayConfig{Host: "127.0.0.1", Port: 8787},
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9090"},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Redaction: true,
		},
	}
}

// ConfirmationTimeout is the default deadline of a gated call.
func (c *Config) ConfirmationTimeout() time.Duration {
	return time.Duration(c.Confirmation.DefaultTimeoutSeconds) * time.Second
}

// ToolTimeout is the per-call tool timeout.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Agent.ToolTimeoutSeconds) * time.Second
}

// MaxIdle is how long an untouched session survives.
func (c *Config) MaxIdle() time.Duration {
	return time.Duration(c.Sessions.MaxIdleHours) * time.Hour
}

// Addr is the gateway listen address.
func (g GatewayConfig) Addr() string {
	return net.JoinHostPort(g.Host, strconv.Itoa(g.Port))
}

// Validate checks the configuration with the default validator.
func (c *Config) Validate() error {
	return NewValidator().Validate(c)
}

// Redacted returns a copy safe to print, with secrets masked.
func (c *Config) Redacted() *Config {
	out := c.clone()
	for i := range out.Providers {
		out.Providers[i].APIKey = mask(out.Providers[i].APIKey)
	}
	out.Channels.Telegram.BotToken = mask(out.Channels.Telegram.BotToken)
	out.Channels.Gateway.SharedSecret = mask(out.Channels.Gateway.SharedSecret)
	return out
}

func (c *Config) clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("config: marshal: %v", err))
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("config: unmarshal: %v", err))
	}
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}

// String renders the redacted config as indented JSON.
func (c *Config) String() string {
	data, err := json.MarshalIndent(c.Redacted(), "", "  ")
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}
