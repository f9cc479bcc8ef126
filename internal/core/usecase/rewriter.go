package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
)

// QueryRewriter folds conversation context into a standalone search query.
type QueryRewriter struct {
	generator ports.ChatGenerator
	timeout   time.Duration
}

func NewQueryRewriter(generator ports.ChatGenerator, timeout time.Duration) *QueryRewriter {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &QueryRewriter{generator: generator, timeout: timeout}
}

// Rewrite is best-effort: with no history, or on any failure, the original
// query is returned unchanged.
func (r *QueryRewriter) Rewrite(ctx context.Context, query string, history []domain.Message) domain.RewriteOutcome {
	if len(history) == 0 {
		return domain.RewriteOutcome{Query: query}
	}
	if r.generator == nil {
		return domain.RewriteOutcome{Query: query, FallbackReason: fallbackReasonModelError}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.generator.Generate(callCtx, buildRewriteMessages(query, history))
	if err != nil {
		reason := fallbackReasonModelError
		if isTimeoutError(err) {
			reason = fallbackReasonModelTimeout
		}
		slog.Warn("query_rewrite_fallback", "reason", reason, "error", err)
		return domain.RewriteOutcome{Query: query, FallbackReason: reason}
	}

	rewritten := strings.TrimSpace(raw)
	if rewritten == "" {
		return domain.RewriteOutcome{Query: query, FallbackReason: fallbackReasonEmptyOutput}
	}
	return domain.RewriteOutcome{Query: rewritten, Rewritten: rewritten != query}
}

func isTimeoutError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func truncateForLog(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
