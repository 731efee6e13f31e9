package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/relay/internal/client"
)

var (
	serverURL string

	createName  string
	createAgent string
	createMode  string
)

// sessionsCmd groups the session management commands.
var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session", "s"},
	Short:   "Manage sessions on a running relay server",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sessions, err := newClient().ListSessions(cmd.Context())
		if err != nil {
			return err
		}
		return printSessions(cmd.OutOrStdout(), sessions)
	},
}

var sessionsCreateCmd = &cobra.Command{
	Use:   "create [dir]",
	Short: "Create a session in dir (default: current directory)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return fmt.Errorf("failed to resolve path %q: %w", dir, err)
		}
		info, err := newClient().CreateSession(cmd.Context(), client.CreateSessionRequest{
			WorkingDir: abs,
			Name:       createName,
			Agent:      createAgent,
			Mode:       createMode,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), info.ID)
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session, stopping its stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().DeleteSession(cmd.Context(), args[0])
	},
}

var sessionsChdirCmd = &cobra.Command{
	Use:   "chdir <id> <dir>",
	Short: "Move a session to another working directory",
	Long: `Move a session to another working directory.

The session's live stream is torn down and the agent conversation is
forgotten: the next prompt starts a fresh agent in the new directory.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		abs, err := filepath.Abs(args[1])
		if err != nil {
			return fmt.Errorf("failed to resolve path %q: %w", args[1], err)
		}
		info, err := newClient().ChangeDirectory(cmd.Context(), args[0], abs)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", info.ID, info.WorkingDir)
		return nil
	},
}

var sessionsRenameCmd = &cobra.Command{
	Use:   "rename <id> <name>",
	Short: "Rename a session",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := newClient().Rename(cmd.Context(), args[0], args[1])
		return err
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsCreateCmd, sessionsDeleteCmd, sessionsChdirCmd, sessionsRenameCmd)

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "relay server URL (default: the configured web address)")

	sessionsCreateCmd.Flags().StringVar(&createName, "name", "", "Session name (default: directory name)")
	sessionsCreateCmd.Flags().StringVar(&createAgent, "agent", "", "Agent to run (default: default_agent)")
	sessionsCreateCmd.Flags().StringVar(&createMode, "mode", "", "Initial control mode")
}

// serverBaseURL returns --server or the URL of the configured listener.
func serverBaseURL() string {
	if serverURL != "" {
		return serverURL
	}
	return "http://" + cfg.Web.Addr()
}

func newClient() *client.Client {
	return client.New(serverBaseURL(), client.WithTimeout(15*time.Second))
}

func printSessions(w io.Writer, sessions []client.SessionInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tMESSAGES\tDIRECTORY")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", s.ID, s.Name, streamStatus(s), s.MessageCount, s.WorkingDir)
	}
	return tw.Flush()
}

// streamStatus summarises a session's live stream for listings.
func streamStatus(s client.SessionInfo) string {
	if s.Stream == nil {
		return "idle"
	}
	status := s.Stream.Status
	if s.Stream.Stalled {
		status += " (stalled)"
	}
	if s.Stream.Pending != "" {
		status += " [" + s.Stream.Pending + "]"
	}
	return status
}
