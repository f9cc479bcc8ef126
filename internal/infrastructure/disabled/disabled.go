// Package disabled provides stand-ins for outbound components that are not
// configured. Every call fails with domain.ErrUnavailable so callers take
// their normal fallback path.
package disabled

import (
	"context"
	"errors"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

type Generator struct{ Reason string }

func (g Generator) Generate(context.Context, []domain.ChatMessage) (string, error) {
	return "", domain.WrapError(domain.ErrUnavailable, "generate", errors.New(g.Reason))
}

type Embedder struct{ Reason string }

func (e Embedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return nil, domain.WrapError(domain.ErrUnavailable, "embed", errors.New(e.Reason))
}

type SearchBackend struct{ Reason string }

func (s SearchBackend) Search(context.Context, domain.SearchRequest) ([]domain.SearchRecord, error) {
	return nil, domain.WrapError(domain.ErrUnavailable, "search", errors.New(s.Reason))
}
