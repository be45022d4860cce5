// playserver runs a play node with two sample stage types: "chat", a
// chat room exercising the full stage callback surface, and "echo", the
// smallest useful stage.
//
// Usage:
//
//	go run ./cmd/playserver
//	PLAYHOUSE_PLAY_CONFIG=deploy/play-1.yaml go run ./cmd/playserver
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/playhouse/playhouse-go/internal/config"
	"github.com/playhouse/playhouse-go/internal/play"
)

const ConfigPath = "config/playserver.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := ConfigPath
	if p := os.Getenv("PLAYHOUSE_PLAY_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadPlayServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("play server starting",
		"node", cfg.NodeId,
		"port", cfg.Port,
		"ws_port", cfg.WSPort,
		"cluster_port", cfg.Cluster.Port,
		"peers", len(cfg.Cluster.Nodes))

	n := play.NewNode(cfg)
	if err := n.RegisterStage("chat", newChatRoom, newChatSeat); err != nil {
		return fmt.Errorf("registering chat stage: %w", err)
	}
	if err := n.RegisterStage("echo", newEchoStage, nil); err != nil {
		return fmt.Errorf("registering echo stage: %w", err)
	}

	return n.Run(ctx)
}

// parseLogLevel converts string log level to slog.Level.
// Defaults to Info if invalid or empty.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
