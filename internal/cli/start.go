package cli

import (
	"fmt"

	"github.com/harun/convoy/internal/daemon"
	"github.com/harun/convoy/internal/logger"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"serve"},
	Short:   "Start the convoy daemon",
	Long: `Start the convoy daemon in the foreground.
It serves every enabled channel until it receives SIGINT or SIGTERM, or,
when the terminal is the only channel, until its input closes.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if pid, alive := daemon.RunningPID(cfg.DataDir); alive {
		return fmt.Errorf("daemon is already running (pid %d)", pid)
	}

	// The terminal channel owns stdout and stdin; logs go to the file only.
	console := cfg.Logging.Console && !cfg.Channels.CLI.Enabled
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log, daemon.WithIO(cmd.InOrStdin(), cmd.OutOrStdout()), daemon.WithVersion(version))
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	if cfg.Channels.CLI.Enabled {
		fmt.Fprintln(cmd.OutOrStdout(), "convoy is ready. Type a message, /pending, /approve <id>, /deny <id> or /reset.")
	}

	d.Wait(cmd.Context())
	return nil
}
