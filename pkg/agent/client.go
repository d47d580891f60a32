package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/convoy/pkg/session"
	"github.com/harun/convoy/pkg/skills"
)

// ModelClient is a language-model backend.
type ModelClient interface {
	Complete(ctx context.Context, request ModelRequest) (*ModelResponse, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// ModelRequest contains the request parameters for a model call. System
// messages inside Messages carry the preamble.
type ModelRequest struct {
	Model       string
	Messages    []session.Message
	Tools       []skills.Spec
	Temperature float64
	MaxTokens   int
}

// ModelResponse is either final text or a batch of tool calls.
type ModelResponse struct {
	Content   string
	ToolCalls []session.ToolCall
	Usage     TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Profile holds credentials for one model provider.
type Profile struct {
	ID       string `json:"id"`
	Provider string `json:"provider"` // "anthropic", "openai"
	APIKey   string `json:"api_key"`
	BaseURL  string `json:"base_url,omitempty"`
	// Priority orders failover; lower is tried first.
	Priority int `json:"priority"`
}

// NewClient creates the model client for profile.
func NewClient(profile Profile) (ModelClient, error) {
	switch profile.Provider {
	case "anthropic":
		return NewAnthropicClient(profile), nil
	case "openai":
		return NewOpenAIClient(profile), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", profile.Provider)
	}
}

// splitSystem joins system messages into one prompt and returns the rest.
func splitSystem(messages []session.Message) (string, []session.Message) {
	var system []string
	rest := make([]session.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == session.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

// StatusError carries the HTTP status of a failed provider call.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode
		return code == 408 || code == 409 || code == 429 || code >= 500
	}

	errMsg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"econnreset", "etimedout", "connection reset", "connection refused",
		"timeout", "rate limit", "overloaded", "429", "500", "502", "503", "504",
	} {
		if strings.Contains(errMsg, marker) {
			return true
		}
	}
	return false
}
