package builtin

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/skills"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRegistry(t *testing.T, opts Options) *skills.Registry {
	t.Helper()
	b := skills.NewBuilder()
	require.NoError(t, Register(b, opts))
	r, err := b.Build()
	require.NoError(t, err)
	return r
}

func TestRegisterWithoutWorkspace(t *testing.T) {
	r := newRegistry(t, Options{})
	assert.Equal(t, []string{"current_time"}, r.Names())
}

func TestRegisterAppliesTimeout(t *testing.T) {
	r := newRegistry(t, Options{Workspace: t.TempDir(), EnableExec: true, Timeout: 5 * time.Second})

	def, ok := r.Lookup("read_file")
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, def.Timeout)

	def, ok = r.Lookup("exec")
	require.True(t, ok)
	assert.Equal(t, 2*time.Minute, def.Timeout, "own timeout wins")
}

func TestCurrentTime(t *testing.T) {
	fixed := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	r := newRegistry(t, Options{Now: func() time.Time { return fixed }})

	res, err := r.Execute(context.Background(), "current_time", nil)
	require.NoError(t, err)
	assert.Equal(t, "2026-07-01T12:00:00Z", res.Output)

	_, err = r.Execute(context.Background(), "current_time", map[string]interface{}{"timezone": "Not/AZone"})
	assert.Error(t, err)
}

func TestFileTools(t *testing.T) {
	ws := t.TempDir()
	r := newRegistry(t, Options{Workspace: ws})
	ctx := context.Background()

	assert.True(t, r.RequiresConfirmation("write_file"))
	assert.False(t, r.RequiresConfirmation("read_file"))

	_, err := r.Execute(ctx, "write_file", map[string]interface{}{"path": "notes/a.txt", "content": "hello"})
	require.NoError(t, err)
	_, err = r.Execute(ctx, "write_file", map[string]interface{}{"path": "notes/a.txt", "content": " world", "append": true})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(ws, "notes", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	res, err := r.Execute(ctx, "read_file", map[string]interface{}{"path": "notes/a.txt"})
	require.NoError(t, err)
	assert.Contains(t, res.Output, "hello world")

	res, err = r.Execute(ctx, "read_file", map[string]interface{}{"path": "notes/a.txt", "max_bytes": 5})
	require.NoError(t, err)
	assert.Contains(t, res.Output, `"truncated":true`)

	res, err = r.Execute(ctx, "list_dir", nil)
	require.NoError(t, err)
	assert.Equal(t, "notes/", res.Output)
}

func TestPathsConfinedToWorkspace(t *testing.T) {
	r := newRegistry(t, Options{Workspace: t.TempDir()})

	for _, p := range []string{"../outside.txt", "/etc/passwd", "file:///etc/passwd"} {
		_, err := r.Execute(context.Background(), "read_file", map[string]interface{}{"path": p})
		assert.Error(t, err, p)
	}
}

func TestExecTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses POSIX echo")
	}
	r := newRegistry(t, Options{Workspace: t.TempDir(), EnableExec: true})
	assert.True(t, r.RequiresConfirmation("exec"))

	res, err := r.Execute(context.Background(), "exec", map[string]interface{}{"command": "echo", "args": []interface{}{"hi"}})
	require.NoError(t, err)
	assert.Contains(t, res.Output, `"stdout":"hi\n"`)
	assert.Contains(t, res.Output, `"exit_code":0`)
}
