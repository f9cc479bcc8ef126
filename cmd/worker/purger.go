package main

import (
	"context"
	"log/slog"
	"time"
)

type historyPurger interface {
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
}

type purgeRecorder interface {
	StartPurge()
	FinishPurge(trigger string, removed int64, duration time.Duration, err error)
}

type purger struct {
	sessions historyPurger
	metrics  purgeRecorder
	timeout  time.Duration
}

func newPurger(sessions historyPurger, metrics purgeRecorder) *purger {
	return &purger{sessions: sessions, metrics: metrics, timeout: 5 * time.Minute}
}

func (p *purger) run(ctx context.Context, trigger string, days int) error {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	p.metrics.StartPurge()
	removed, err := p.sessions.PurgeOlderThan(runCtx, days)
	p.metrics.FinishPurge(trigger, removed, time.Since(start), err)
	if err != nil {
		slog.Error("history_purge_failed", "trigger", trigger, "older_than_days", days, "error", err)
		return err
	}
	slog.Info("history_purged", "trigger", trigger, "older_than_days", days, "removed", removed)
	return nil
}

// schedule purges once at start and then every interval until ctx ends.
// Failed runs are logged and retried on the next tick.
func (p *purger) schedule(ctx context.Context, interval time.Duration, days int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_ = p.run(ctx, "schedule", days)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
