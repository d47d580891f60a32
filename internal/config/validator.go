package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

var (
	validProviders = []string{"anthropic", "openai"}
	validBackends  = []string{"memory", "file", "sqlite"}
	validHandlers  = []string{"cli", "chat", "auto"}
	validLogLevels = []string{"debug", "info", "warn", "error"}
)

// Validator validates configuration values
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate reports every problem in cfg, joined.
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidateModel(cfg.Agent.Model))
	add(v.ValidateTemperature(cfg.Agent.Temperature))
	add(v.ValidateMaxTokens(cfg.Agent.MaxTokens))
	if cfg.Agent.MaxIterations <= 0 {
		add(fmt.Errorf("agent.max_iterations must be positive, got %d", cfg.Agent.MaxIterations))
	}
	if cfg.Agent.MaxRetries < 0 {
		add(fmt.Errorf("agent.max_retries must not be negative, got %d", cfg.Agent.MaxRetries))
	}
	if cfg.Agent.ToolTimeoutSeconds < 0 {
		add(fmt.Errorf("agent.tool_timeout_seconds must not be negative, got %d", cfg.Agent.ToolTimeoutSeconds))
	}

	add(v.ValidateProviders(cfg.Providers))

	add(v.ValidateEnum("sessions.backend", cfg.Sessions.Backend, validBackends))
	if cfg.Sessions.MaxTurns < 0 {
		add(fmt.Errorf("sessions.max_turns must not be negative, got %d", cfg.Sessions.MaxTurns))
	}
	if cfg.Sessions.MaxContextTokens < 0 {
		add(fmt.Errorf("sessions.max_context_tokens must not be negative, got %d", cfg.Sessions.MaxContextTokens))
	}
	if cfg.Sessions.MaxIdleHours <= 0 {
		add(fmt.Errorf("sessions.max_idle_hours must be positive, got %d", cfg.Sessions.MaxIdleHours))
	}
	add(v.ValidateSchedule(cfg.Sessions.CleanupSchedule))

	add(v.ValidateEnum("confirmation.handler", cfg.Confirmation.Handler, validHandlers))
	if cfg.Confirmation.DefaultTimeoutSeconds <= 0 {
		add(fmt.Errorf("confirmation.default_timeout_seconds must be positive, got %d", cfg.Confirmation.DefaultTimeoutSeconds))
	}

	if r := cfg.Metrics.TraceSampleRatio; r < 0 || r > 1 {
		add(fmt.Errorf("metrics.trace_sample_ratio must be between 0 and 1, got %g", r))
	}

	add(v.ValidateChannels(cfg))
	add(v.ValidateLogLevel(cfg.Logging.Level))

	return errors.Join(errs...)
}

// ValidateProviders requires at least one usable, uniquely named profile.
func (v *Validator) ValidateProviders(profiles []ProviderProfile) error {
	if len(profiles) == 0 {
		return fmt.Errorf("at least one provider profile is required (or set ANTHROPIC_API_KEY / OPENAI_API_KEY)")
	}

	var errs []error
	seen := make(map[string]bool, len(profiles))
	for i, p := range profiles {
		name := p.ID
		if name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: id is required", i))
			name = fmt.Sprintf("#%d", i)
		} else if seen[name] {
			errs = append(errs, fmt.Errorf("providers[%d]: duplicate id %q", i, name))
		}
		seen[name] = true

		if err := v.ValidateEnum("providers["+name+"].provider", p.Provider, validProviders); err != nil {
			errs = append(errs, err)
			continue
		}
		// Custom endpoints may use their own key formats.
		if p.BaseURL != "" {
			if p.APIKey == "" {
				errs = append(errs, fmt.Errorf("providers[%s]: api_key is required", name))
			}
			continue
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Provider); err != nil {
			errs = append(errs, fmt.Errorf("providers[%s]: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// ValidateChannels checks the enabled channels and how confirmations reach
// them.
func (v *Validator) ValidateChannels(cfg *Config) error {
	ch := cfg.Channels
	if !ch.CLI.Enabled && !ch.Telegram.Enabled && !ch.Gateway.Enabled {
		return fmt.Errorf("at least one channel must be enabled")
	}

	var errs []error
	if ch.Telegram.Enabled {
		if err := v.ValidateTelegramToken(ch.Telegram.BotToken); err != nil {
			errs = append(errs, err)
		}
	}
	if ch.Gateway.Enabled {
		if ch.Gateway.SharedSecret == "" {
			errs = append(errs, fmt.Errorf("channels.gateway.shared_secret is required when the gateway is enabled"))
		}
		if ch.Gateway.Port <= 0 || ch.Gateway.Port > 65535 {
			errs = append(errs, fmt.Errorf("channels.gateway.port must be between 1 and 65535, got %d", ch.Gateway.Port))
		}
	}
	// Both would read the same stdin.
	if ch.CLI.Enabled && cfg.Confirmation.Handler == "cli" {
		errs = append(errs, fmt.Errorf("confirmation.handler \"cli\" cannot be combined with the cli channel; use \"chat\""))
	}
	return errors.Join(errs...)
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}
	return nil
}

// ValidateTelegramToken checks the <bot id>:<secret> shape.
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}
	return nil
}

func (v *Validator) ValidateModel(model string) error {
	if strings.TrimSpace(model) == "" {
		return fmt.Errorf("agent.model cannot be empty")
	}
	return nil
}

// ValidateTemperature accepts the range both providers support.
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %g", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateSchedule parses a cron spec or descriptor such as "@every 1h".
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sessions.cleanup_schedule %q: %w", spec, err)
	}
	return nil
}

func (v *Validator) ValidateLogLevel(level string) error {
	return v.ValidateEnum("logging.level", level, validLogLevels)
}

// ValidateEnum checks value against allowed.
func (v *Validator) ValidateEnum(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", field, value, strings.Join(allowed, ", "))
}
