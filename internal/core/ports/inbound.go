package ports

import (
	"context"
	"io"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

// ChatService is the inbound contract for processing one conversation turn.
type ChatService interface {
	ProcessTurn(ctx context.Context, req domain.TurnRequest) (*domain.TurnResult, error)
}

// SessionService is the inbound read/admin model for stored sessions.
type SessionService interface {
	History(ctx context.Context, sessionID string) ([]domain.Message, error)
	ListSessions(ctx context.Context, limit int) ([]domain.SessionSummary, error)
	DeleteSession(ctx context.Context, sessionID string) error
	PurgeOlderThan(ctx context.Context, days int) (int64, error)
	ExportHistory(ctx context.Context, sessionID string, w io.Writer) error
}
