package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/dictamen-rag/internal/bootstrap"
	"github.com/kirillkom/dictamen-rag/internal/config"
	"github.com/kirillkom/dictamen-rag/internal/observability/logging"
	"github.com/kirillkom/dictamen-rag/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(os.Stdout, "dictamen-worker", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics("dictamen-worker")
	retention := newPurger(app.SessionUC, workerMetrics)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serveMetrics(gctx, cfg.WorkerMetricsPort, workerMetrics.Handler())
	})

	shared := app.SharedHistory()
	if !shared {
		logger.Warn("worker_purges_disabled_local_history",
			"history_backend", app.HistoryKind,
			"nats_configured", cfg.NATSURL != "",
		)
	}

	if app.Queue != nil && shared {
		g.Go(func() error {
			logger.Info("worker_subscribed", "subject", cfg.NATSPurgeSubject)
			return app.Queue.SubscribePurge(gctx, func(handlerCtx context.Context, days int) error {
				return retention.run(handlerCtx, "queue", days)
			})
		})
	}

	if cfg.RetentionInterval > 0 && shared {
		g.Go(func() error {
			return retention.schedule(gctx, cfg.RetentionInterval, cfg.RetentionDays)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_failed", "error", err)
		os.Exit(1)
	}
}

func serveMetrics(ctx context.Context, port string, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker_metrics_listening", "port", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
