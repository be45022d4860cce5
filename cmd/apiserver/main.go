// apiserver runs an api node with sample controllers: "echo", which
// mirrors requests back, and a room directory (rooms.create, rooms.list,
// rooms.get, rooms.say) that provisions chat rooms on play nodes.
//
// Usage:
//
//	go run ./cmd/apiserver
//	PLAYHOUSE_API_CONFIG=deploy/api-1.yaml go run ./cmd/apiserver
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/playhouse/playhouse-go/internal/api"
	"github.com/playhouse/playhouse-go/internal/config"
	"github.com/playhouse/playhouse-go/internal/protocol"
)

const ConfigPath = "config/apiserver.yaml"

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
	if p := os.Getenv("PLAYHOUSE_API_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.LoadApiServer(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))

	slog.Info("api server starting",
		"node", cfg.NodeId,
		"workers", cfg.Workers,
		"cluster_port", cfg.Cluster.Port,
		"peers", len(cfg.Cluster.Nodes))

	n := api.NewNode(cfg)
	if err := n.Register("echo", echoHandler); err != nil {
		return fmt.Errorf("registering echo handler: %w", err)
	}
	dir := newDirectory()
	for msgId, h := range dir.handlers() {
		if err := n.Register(msgId, h); err != nil {
			return fmt.Errorf("registering %s handler: %w", msgId, err)
		}
	}

	return n.Run(ctx)
}

func echoHandler(sender *api.Sender, pkt *protocol.Packet) {
	sender.Reply(protocol.New(pkt.MsgId, pkt.Payload))
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
