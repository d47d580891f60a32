package cli

import (
	"context"
	"testing"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/pkg/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSession(t *testing.T, path, key string, turns ...session.Message) {
	t.Helper()
	cfg, err := config.Load(path)
	require.NoError(t, err)
	mgr, err := openSessionManager(cfg)
	require.NoError(t, err)
	defer mgr.Close()

	for _, turn := range turns {
		_, err := mgr.AppendTurn(context.Background(), key, turn)
		require.NoError(t, err)
	}
}

func TestSessionsCommands(t *testing.T) {
	path, _ := writeConfig(t)

	out, err := execute(t, "", "sessions", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions")

	seedSession(t, path, "telegram:42",
		session.Message{Role: session.RoleUser, Content: "book me a flight"},
		session.Message{Role: session.RoleAssistant, ToolCalls: []session.ToolCall{{
			ID: "call_1", Name: "book_flight", Arguments: map[string]interface{}{"destination": "NYC"},
		}}},
		session.Message{Role: session.RoleTool, ToolCallID: "call_1", ToolName: "book_flight", Content: "booked"},
	)

	out, err = execute(t, "", "sessions", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "telegram:42")

	out, err = execute(t, "", "sessions", "show", "telegram:42", "--config", path, "--json=false")
	require.NoError(t, err)
	assert.Contains(t, out, "Session telegram:42 (3 turns)")
	assert.Contains(t, out, "[user] book me a flight")
	assert.Contains(t, out, `-> book_flight({"destination":"NYC"}) id=call_1`)
	assert.Contains(t, out, "(for call_1)")

	out, err = execute(t, "", "sessions", "show", "telegram:42", "--config", path, "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"key": "telegram:42"`)

	out, err = execute(t, "", "sessions", "delete", "telegram:42", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted telegram:42")

	_, err = execute(t, "", "sessions", "show", "telegram:42", "--config", path, "--json=false")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = execute(t, "", "sessions", "delete", "telegram:42", "--config", path)
	assert.Error(t, err)
}

func TestSessionsMemoryBackend(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Sessions.Backend = "memory"

	_, err := openSessionManager(cfg)
	assert.Error(t, err)
}
