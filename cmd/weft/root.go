package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/config"
)

var (
	configPath string
	serverURL  string
	feedURL    string
	authToken  string
	verbose    bool

	// Overridden at build time via -ldflags.
	version = "dev"
	commit  = "unknown"
)

// rootCmd runs the chat surface; session management lives under
// `weft sessions`.
var rootCmd = &cobra.Command{
	Use:   "weft",
	Short: "Terminal chat client with synchronized sessions",
	Long: `weft is a terminal chat client. Turns stream in live over SSE while
the feed keeps every session's transcript converged on the server's
authoritative record, so restarts, conflicts and lost streams heal on
their own.

Quick start:
  weft                       # open the chat surface
  weft sessions list         # list sessions on the server
  weft sessions new "notes"  # create a session
  weft sessions rm <id>      # delete a session`,
	Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage: true,
	RunE:         runChat,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/weft/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Turn server base URL")
	rootCmd.PersistentFlags().StringVar(&feedURL, "feed", "", "Feed websocket URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token for the server")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.AddCommand(sessionsCmd)
}

// loadConfig layers the command line over the file and environment
// configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if feedURL != "" {
		cfg.FeedURL = feedURL
	}
	if authToken != "" {
		cfg.Token = authToken
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}
