package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := execute(t, "", "start", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Start the convoy daemon")
		assert.Contains(t, out, "serve")
	})

	t.Run("refuses a second daemon", func(t *testing.T) {
		path, dir := writeConfig(t)
		pidFile := filepath.Join(dir, "convoy.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644))

		_, err := execute(t, "", "start", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		path, _ := writeConfig(t)
		require.NoError(t, os.WriteFile(path, []byte(`{"data_dir": "`+filepath.ToSlash(t.TempDir())+`", "providers": []}`), 0o600))

		_, err := execute(t, "", "start", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid configuration")
	})
}
