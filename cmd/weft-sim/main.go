// weft-sim is the reference backend for the weft client: a turn server
// with an SSE stream per turn, a websocket feed pushing authoritative
// state, and a mock or OpenAI-backed responder.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/sim"
)

func main() {
	cfg := config.LoadSim()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	store, err := sim.OpenStore(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	var responder sim.Responder
	switch cfg.Mode {
	case "openai":
		if cfg.OpenAIKey == "" {
			logger.Error("openai mode requires OPENAI_API_KEY")
			os.Exit(1)
		}
		responder = sim.NewOpenAIResponder(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.Model)
	case "mock":
		responder = sim.NewMockResponder()
	default:
		logger.Error("unknown responder mode", "mode", cfg.Mode)
		os.Exit(1)
	}

	srv := sim.NewServer(store, sim.Options{
		Token:     cfg.Token,
		Responder: responder,
		Logger:    logger,
	})

	go func() {
		if err := srv.Start(cfg.Addr); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()
	logger.Info("weft-sim listening", "addr", cfg.Addr, "db", cfg.DatabasePath, "mode", cfg.Mode)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	logger.Info("stopped")
}
