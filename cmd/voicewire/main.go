// Command voicewire is the real-time voice orchestrator: it bridges Twilio
// media streams, the GPU inference service, and the OpenAI Realtime API into
// spoken phone conversations.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "optional path to a YAML configuration file (environment overrides it)")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("voicewire starting",
		"port", cfg.Port,
		"log_level", cfg.LogLevel,
		"gpu_server", cfg.GPU.URL,
		"model", cfg.OpenAI.Model,
	)

	// ── Metrics ───────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "voicewire",
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			slog.Warn("metrics shutdown error", "err", err)
		}
	}()

	// ── Server ────────────────────────────────────────────────────────────────
	srv, err := server.New(cfg)
	if err != nil {
		slog.Error("failed to initialise server", "err", err)
		return 1
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	slog.Info("server ready")

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
