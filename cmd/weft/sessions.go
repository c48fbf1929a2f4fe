package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/domain"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/transport"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	countStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage sessions on the server",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := sessionClient()
		if err != nil {
			return err
		}
		sessions, err := client.ListSessions(cmd.Context(), cfg.Token)
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}
		if len(sessions) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, s := range sessions {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			if s.IsDefault {
				title += " *"
			}
			last := ""
			if !s.LastMessageAt.IsZero() {
				last = s.LastMessageAt.Local().Format("2006-01-02 15:04")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				titleStyle.Render(title),
				idStyle.Render(s.SessionID),
				countStyle.Render(fmt.Sprintf("%d messages", s.MessageCount)),
				dateStyle.Render(last),
			)
		}
		return w.Flush()
	},
}

var sessionsNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := sessionClient()
		if err != nil {
			return err
		}
		title := strings.Join(args, " ")
		sess := domain.Session{SessionID: uuid.NewString(), Title: title}
		if err := client.CreateSession(cmd.Context(), cfg.Token, sess); err != nil {
			return fmt.Errorf("failed to create session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), sess.SessionID)
		return nil
	},
}

var sessionsRmCmd = &cobra.Command{
	Use:   "rm <session-id>",
	Short: "Delete a session and its transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, client, err := sessionClient()
		if err != nil {
			return err
		}
		if err := client.DeleteSession(cmd.Context(), cfg.Token, args[0]); err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
		return nil
	},
}

func sessionClient() (*config.Config, *transport.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	return cfg, transport.NewClient(cfg.ServerURL, logger), nil
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsNewCmd, sessionsRmCmd)
}
