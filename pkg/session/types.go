package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Metadata keys with meaning to the core.
const (
	// MetaError marks a turn recording a failure surfaced to the user.
	MetaError = "error"
	// MetaExcludeFromContext keeps a turn in the transcript but out of model prompts.
	MetaExcludeFromContext = "exclude_from_context"
	MetaChannel            = "channel"
	MetaConfirmationID     = "confirmation_id"
	MetaConfirmationState  = "confirmation_state"
)

// ToolCall is a model's request to invoke a named tool.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// Message is one turn of a conversation.
type Message struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content,omitempty"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
	IsError    bool              `json:"is_error,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Validate checks the structural rules of a single turn.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	switch m.Role {
	case RoleTool:
		if m.ToolCallID == "" {
			return fmt.Errorf("tool turn missing tool_call_id")
		}
	case RoleAssistant:
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return fmt.Errorf("assistant turn has neither content nor tool calls")
		}
		seen := make(map[string]bool, len(m.ToolCalls))
		for _, call := range m.ToolCalls {
			if call.ID == "" || call.Name == "" {
				return fmt.Errorf("tool call requires id and name")
			}
			if seen[call.ID] {
				return fmt.Errorf("duplicate tool call id %q", call.ID)
			}
			seen[call.ID] = true
		}
	default:
		if len(m.ToolCalls) > 0 {
			return fmt.Errorf("%s turn cannot carry tool calls", m.Role)
		}
		if m.Content == "" {
			return fmt.Errorf("%s turn has empty content", m.Role)
		}
	}
	return nil
}

// ExcludedFromContext reports whether the turn is kept out of model prompts.
func (m Message) ExcludedFromContext() bool {
	return m.Metadata[MetaExcludeFromContext] == "true"
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, call := range m.ToolCalls {
			out.ToolCalls[i] = call
			out.ToolCalls[i].Arguments = cloneArgs(call.Arguments)
		}
	}
	out.Metadata = cloneStrings(m.Metadata)
	return out
}

// Session is the durable conversation record for one key.
type Session struct {
	Key       string            `json:"key"`
	Turns     []Message         `json:"turns"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = make([]Message, len(s.Turns))
	for i, turn := range s.Turns {
		out.Turns[i] = turn.Clone()
	}
	out.Metadata = cloneStrings(s.Metadata)
	return &out
}

// LastTurn returns the most recent turn.
func (s *Session) LastTurn() (Message, bool) {
	if s == nil || len(s.Turns) == 0 {
		return Message{}, false
	}
	return s.Turns[len(s.Turns)-1], true
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// cloneArgs deep-copies JSON-shaped tool arguments. Values that do not
// survive a JSON round trip are copied shallowly.
func cloneArgs(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	data, err := json.Marshal(in)
	if err == nil {
		var out map[string]interface{}
		if json.Unmarshal(data, &out) == nil {
			return out
		}
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
