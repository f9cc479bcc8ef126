package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillkom/dictamen-rag/internal/bootstrap"
	"github.com/kirillkom/dictamen-rag/internal/config"
	"github.com/kirillkom/dictamen-rag/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	slog.SetDefault(logging.NewJSONLogger(os.Stderr, "dictamen-chatctl", cfg.LogLevel))

	root := newRootCmd(func(ctx context.Context) (services, func(), error) {
		app, err := bootstrap.New(ctx, cfg)
		if err != nil {
			return services{}, nil, err
		}
		return services{chat: app.ChatUC, sessions: app.SessionUC}, app.Close, nil
	})
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
