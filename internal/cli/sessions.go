package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/pkg/session"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var sessionsJSON bool

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect stored conversations",
	Long: `Inspect the conversations in the configured session store.
The memory backend keeps nothing between runs, so there is nothing to inspect.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Print the transcript of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

func init() {
	sessionsShowCmd.Flags().BoolVar(&sessionsJSON, "json", false, "print the raw session record")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openSessions(cmd *cobra.Command) (*session.Manager, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openSessionManager(cfg)
}

func openSessionManager(cfg *config.Config) (*session.Manager, error) {
	if cfg.Sessions.Backend == string(session.BackendMemory) {
		return nil, fmt.Errorf("the memory session backend keeps nothing to inspect")
	}
	store, err := session.OpenStore(session.Backend(cfg.Sessions.Backend), cfg.Sessions.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	nop := zerolog.Nop()
	return session.NewManager(store, session.ManagerOptions{Logger: &nop}), nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	mgr, err := openSessions(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	ctx := cmd.Context()
	keys, err := mgr.List(ctx)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(keys) == 0 {
		fmt.Fprintln(out, "No sessions")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tTURNS\tUPDATED")
	for _, key := range keys {
		sess, ok, err := mgr.Load(ctx, key)
		if err != nil || !ok {
			fmt.Fprintf(w, "%s\t?\t?\n", key)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", key, len(sess.Turns), sess.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	mgr, err := openSessions(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	sess, ok, err := mgr.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %q not found", args[0])
	}

	out := cmd.OutOrStdout()
	if sessionsJSON {
		data, err := json.MarshalIndent(sess, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	fmt.Fprintf(out, "Session %s (%d turns)\n", sess.Key, len(sess.Turns))
	for _, turn := range sess.Turns {
		fmt.Fprintln(out, formatTurn(turn))
	}
	return nil
}

func formatTurn(turn session.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", turn.Role, turn.Content)
	for _, call := range turn.ToolCalls {
		args, _ := json.Marshal(call.Arguments)
		fmt.Fprintf(&b, "\n  -> %s(%s) id=%s", call.Name, args, call.ID)
	}
	if turn.Role == session.RoleTool {
		fmt.Fprintf(&b, " (for %s)", turn.ToolCallID)
	}
	if turn.ExcludedFromContext() {
		b.WriteString(" [not sent to the model]")
	}
	return b.String()
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	mgr, err := openSessions(cmd)
	if err != nil {
		return err
	}
	defer mgr.Close()

	_, ok, err := mgr.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("session %q not found", args[0])
	}
	if err := mgr.Delete(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}
