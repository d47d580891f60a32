package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Wizard builds a config interactively, starting from DefaultConfig.
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{reader: bufio.NewReader(in), out: out}
}

// Run asks for a provider key, optional Telegram and gateway settings and
// the confirmation handler. Invalid answers are asked again.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== convoy configuration ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	for _, provider := range validProviders {
		key, err := w.askValid(fmt.Sprintf("%s API key (Enter to skip): ", provider), func(s string) error {
			if s == "" {
				return nil
			}
			return validator.ValidateAPIKey(s, provider)
		})
		if err != nil {
			return nil, err
		}
		if key != "" {
			cfg.Providers = append(cfg.Providers, ProviderProfile{
				ID:       provider,
				Provider: provider,
				APIKey:   key,
				Priority: len(cfg.Providers),
			})
		}
	}
	if len(cfg.Providers) == 0 {
		fmt.Fprintln(w.out, "No provider configured; set ANTHROPIC_API_KEY or OPENAI_API_KEY before serving.")
	}

	token, err := w.askValid("Telegram bot token (Enter to skip): ", func(s string) error {
		if s == "" {
			return nil
		}
		return validator.ValidateTelegramToken(s)
	})
	if err != nil {
		return nil, err
	}
	if token != "" {
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.BotToken = token
		allow, err := w.ask("Allowed Telegram users, comma separated (Enter for everyone): ")
		if err != nil {
			return nil, err
		}
		for _, entry := range strings.Split(allow, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.Channels.Telegram.AllowFrom = append(cfg.Channels.Telegram.AllowFrom, entry)
			}
		}
	}

	secret, err := w.ask("Gateway shared secret (Enter to keep the gateway off): ")
	if err != nil {
		return nil, err
	}
	if secret != "" {
		cfg.Channels.Gateway.Enabled = true
		cfg.Channels.Gateway.SharedSecret = secret
	}

	handler, err := w.askValid("Confirmation handler [chat/auto] (Enter for chat): ", func(s string) error {
		if s == "" {
			return nil
		}
		return validator.ValidateEnum("confirmation.handler", s, []string{"chat", "auto"})
	})
	if err != nil {
		return nil, err
	}
	if handler != "" {
		cfg.Confirmation.Handler = handler
	}

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return "", nil
		}
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) askValid(prompt string, check func(string) error) (string, error) {
	for attempt := 0; attempt < 3; attempt++ {
		answer, err := w.ask(prompt)
		if err != nil {
			return "", err
		}
		if err := check(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return answer, nil
	}
	return "", fmt.Errorf("too many invalid answers")
}
