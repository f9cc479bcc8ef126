package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

// ChatGenerator turns a structured message sequence into text.
type ChatGenerator interface {
	Generate(ctx context.Context, messages []domain.ChatMessage) (string, error)
}

// Embedder builds a vector for query text.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// SearchBackend executes one ranked retrieval request against the rulings index.
type SearchBackend interface {
	Search(ctx context.Context, req domain.SearchRequest) ([]domain.SearchRecord, error)
}

// HistoryStore persists the per-session message log.
type HistoryStore interface {
	AppendTurn(ctx context.Context, sessionID string, messages ...domain.Message) error
	Read(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	ListSessions(ctx context.Context, limit int) ([]domain.SessionSummary, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// PurgeQueue publishes/consumes retention purge jobs.
type PurgeQueue interface {
	PublishPurge(ctx context.Context, days int) error
	SubscribePurge(ctx context.Context, handler func(context.Context, int) error) error
}

// HistoryExporter renders a session transcript into a document.
type HistoryExporter interface {
	Export(w io.Writer, sessionID string, messages []domain.Message) error
}

// TurnObserver records per-turn routing telemetry.
type TurnObserver interface {
	ObserveTurn(obs domain.TurnObservation)
}
