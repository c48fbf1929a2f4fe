package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/domain"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/feed"
	"github.com/weftlabs/weft/internal/mirror"
	"github.com/weftlabs/weft/internal/policy"
	"github.com/weftlabs/weft/internal/transport"
	"github.com/weftlabs/weft/internal/tui"
)

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The TUI owns the terminal, so logs go to a file next to the
	// mirror database.
	logger, closeLogger := chatLogger(cfg)
	defer closeLogger()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.MirrorPath), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := mirror.Open(cfg.MirrorPath)
	if err != nil {
		return fmt.Errorf("failed to open mirror: %w", err)
	}
	defer store.Close()

	policyContent := ""
	if cfg.PolicyPath != "" {
		raw, err := os.ReadFile(cfg.PolicyPath)
		if err != nil {
			return fmt.Errorf("failed to read display policy: %w", err)
		}
		policyContent = string(raw)
	}
	gate, err := policy.NewGate(ctx, policyContent)
	if err != nil {
		return err
	}

	client := transport.NewClient(cfg.ServerURL, logger)
	relay := tui.NewRelay()

	// The feed client needs the engine's apply hooks and the engine
	// needs the feed's sync requests, so the feed slot is filled after
	// the engine exists.
	var feedClient *feed.Client
	eng := engine.New(engine.Options{
		Turns:         client,
		API:           client,
		Creds:         transport.StaticCredentials(cfg.Token),
		Mirror:        store,
		Gate:          gate,
		Notifier:      relay,
		Logger:        logger,
		StreamTimeout: cfg.StreamTimeout,
		RequestSync: func(sessionID string) {
			if feedClient != nil {
				feedClient.RequestSync(sessionID)
			}
		},
		OnInstanceChange: relay.InstanceChanged,
		OnRegistryChange: relay.RegistryChanged,
	})

	feedClient = feed.NewClient(cfg.FeedURL, cfg.Token, &feedBridge{
		ctx:    ctx,
		eng:    eng,
		relay:  relay,
		logger: logger,
	}, logger)
	feedClient.OnStateChange = relay.FeedState

	if err := eng.Startup(ctx); err != nil {
		return fmt.Errorf("failed to hydrate local state: %w", err)
	}
	go feedClient.Run(ctx)

	return tui.Run(ctx, eng, relay)
}

// chatLogger writes to weft.log in the data directory; when the file
// cannot be opened, logging is dropped rather than corrupting the
// terminal.
func chatLogger(cfg *config.Config) (*slog.Logger, func()) {
	path := filepath.Join(filepath.Dir(cfg.MirrorPath), "weft.log")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil)), func() {}
	}
	logger := slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	return logger, func() { f.Close() }
}

// feedBridge adapts feed pushes onto the engine.
type feedBridge struct {
	ctx    context.Context
	eng    *engine.Engine
	relay  *tui.Relay
	logger *slog.Logger
}

func (b *feedBridge) OnSessions(sessions []domain.Session) {
	b.eng.ApplySessions(b.ctx, sessions)
}

func (b *feedBridge) OnTranscript(sessionID string, messages []domain.Message) {
	b.eng.ApplyTranscript(b.ctx, sessionID, messages)
}

func (b *feedBridge) OnFeedError(code, message string) {
	b.logger.Warn("feed error", "code", code, "message", message)
	if code == feed.ErrorCodeUnauthorized {
		b.relay.Notify(domain.Notice{Kind: domain.NoticeError, Text: "feed: " + message})
	}
}
