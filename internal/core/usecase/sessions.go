package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
)

const (
	defaultSessionListLimit = 50
	defaultRetentionDays    = 30
)

// SessionUseCase exposes stored conversations for reading and retention.
type SessionUseCase struct {
	history  ports.HistoryStore
	exporter ports.HistoryExporter
	now      func() time.Time
}

func NewSessionUseCase(history ports.HistoryStore, exporter ports.HistoryExporter) *SessionUseCase {
	return &SessionUseCase{
		history:  history,
		exporter: exporter,
		now:      time.Now,
	}
}

func (uc *SessionUseCase) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "session history", errors.New("session_id is required"))
	}
	msgs, err := uc.history.Read(ctx, sessionID, 0)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	return msgs, nil
}

// ListSessions returns sessions ordered by most recent activity first.
func (uc *SessionUseCase) ListSessions(ctx context.Context, limit int) ([]domain.SessionSummary, error) {
	if limit <= 0 {
		limit = defaultSessionListLimit
	}
	sessions, err := uc.history.ListSessions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	return sessions, nil
}

func (uc *SessionUseCase) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.WrapError(domain.ErrInvalidInput, "delete session", errors.New("session_id is required"))
	}
	if err := uc.history.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeOlderThan drops messages older than the given number of days and
// returns how many were removed.
func (uc *SessionUseCase) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, domain.WrapError(domain.ErrInvalidInput, "purge history", fmt.Errorf("days must be >= 0, got %d", days))
	}
	if days == 0 {
		days = defaultRetentionDays
	}
	cutoff := uc.now().UTC().AddDate(0, 0, -days)
	removed, err := uc.history.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge history: %w", err)
	}
	return removed, nil
}

func (uc *SessionUseCase) ExportHistory(ctx context.Context, sessionID string, w io.Writer) error {
	if uc.exporter == nil {
		return domain.WrapError(domain.ErrUnavailable, "export history", errors.New("exporter is not configured"))
	}
	msgs, err := uc.History(ctx, sessionID)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "export history", fmt.Errorf("session_id=%s", sessionID))
	}
	if err := uc.exporter.Export(w, sessionID, msgs); err != nil {
		return fmt.Errorf("export history: %w", err)
	}
	return nil
}
