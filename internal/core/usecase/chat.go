package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
)

// ChatUseCase processes one conversation turn end to end:
// history, classification, optional rewrite and retrieval, generation,
// persistence.
type ChatUseCase struct {
	history    ports.HistoryStore
	classifier *IntentClassifier
	rewriter   *QueryRewriter
	retrieval  *RetrievalService
	generator  ports.ChatGenerator
	observer   ports.TurnObserver
	limits     domain.TurnLimits
}

func NewChatUseCase(
	history ports.HistoryStore,
	classifier *IntentClassifier,
	rewriter *QueryRewriter,
	retrieval *RetrievalService,
	generator ports.ChatGenerator,
	observer ports.TurnObserver,
	limits domain.TurnLimits,
) *ChatUseCase {
	if limits.HistoryMessages <= 0 {
		limits.HistoryMessages = 10
	}
	if limits.ClassifierMessages <= 0 {
		limits.ClassifierMessages = 5
	}
	if limits.GenerateTimeout <= 0 {
		limits.GenerateTimeout = 60 * time.Second
	}
	if limits.HistoryTimeout <= 0 {
		limits.HistoryTimeout = 5 * time.Second
	}

	return &ChatUseCase{
		history:    history,
		classifier: classifier,
		rewriter:   rewriter,
		retrieval:  retrieval,
		generator:  generator,
		observer:   observer,
		limits:     limits,
	}
}

// ProcessTurn answers a query within a session. On failure the returned
// result is still non-nil and carries the session ID plus whatever history
// could be read, so callers can render a structured error.
func (uc *ChatUseCase) ProcessTurn(ctx context.Context, req domain.TurnRequest) (*domain.TurnResult, error) {
	start := time.Now()
	obs := domain.TurnObservation{Tier: domain.TierNone}
	defer func() {
		obs.Duration = time.Since(start)
		if uc.observer != nil {
			uc.observer.ObserveTurn(obs)
		}
	}()

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		obs.Err = domain.WrapError(domain.ErrInvalidInput, "process turn", errors.New("query is required"))
		return &domain.TurnResult{SessionID: sessionID, Sources: []domain.Source{}, History: []domain.Message{}}, obs.Err
	}

	history, err := uc.readHistory(ctx, sessionID, uc.limits.HistoryMessages)
	if err != nil {
		obs.Err = domain.WrapError(domain.ErrInternal, "load history", err)
		return uc.failedResult(ctx, sessionID, nil), obs.Err
	}

	classification := uc.classifier.Classify(ctx, query, tailMessages(history, uc.limits.ClassifierMessages))
	obs.Label = classification.Label
	obs.ClassifiedBy = classification.Source
	obs.ClassifyReason = classification.FallbackReason

	result := &domain.TurnResult{
		SessionID: sessionID,
		Label:     classification.Label,
		Sources:   []domain.Source{},
	}

	switch classification.Label {
	case domain.LabelConversational, domain.LabelGeneralKnowledge:
		result.Response, err = uc.generate(ctx, buildConversationalMessages(query, history))

	case domain.LabelLegalList:
		outcome := uc.retrieval.LegalListSearch(ctx, query, 0)
		obs.Tier, obs.TierFailures = outcome.Tier, len(outcome.Failures)
		result.SearchTier = outcome.Tier
		if len(outcome.Documents) == 0 {
			result.Response = noRulingsFoundMessage
			break
		}
		result.Response = BuildListAnswer(outcome.Documents, query)
		result.Sources = listSources(outcome.Documents)

	default:
		rewrite := uc.rewriter.Rewrite(ctx, query, history)
		obs.RewriteFallback = rewrite.FallbackReason
		if rewrite.Rewritten {
			result.RewrittenQuery = rewrite.Query
		}

		outcome := uc.retrieval.HybridSearch(ctx, rewrite.Query, req.UseSecondaryVector)
		obs.Tier, obs.TierFailures = outcome.Tier, len(outcome.Failures)
		result.SearchTier = outcome.Tier

		// The answer is generated for the user's own wording; the rewrite only
		// drives retrieval.
		contextBlock := buildContextBlock(outcome.Documents)
		result.Response, err = uc.generate(ctx, buildRetrievalMessages(query, contextBlock, history))
		if err == nil {
			result.Sources = scoredSources(outcome.Documents)
		}
	}
	if err != nil {
		obs.Err = domain.WrapError(domain.ErrInternal, "generate answer", err)
		return uc.failedResult(ctx, sessionID, history), obs.Err
	}
	obs.SourceCount = len(result.Sources)

	now := time.Now().UTC()
	userMsg := domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      domain.RoleUser,
		Content:   query,
		Sources:   []domain.Source{},
		Timestamp: now,
	}
	assistantMsg := domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      domain.RoleAssistant,
		Content:   result.Response,
		Sources:   result.Sources,
		Timestamp: now,
	}

	persisted := uc.persistTurn(ctx, sessionID, userMsg, assistantMsg)
	result.History = uc.updatedHistory(ctx, sessionID, history, persisted, userMsg, assistantMsg)

	slog.Info("chat_turn",
		"session_id", sessionID,
		"label", classification.Label,
		"classified_by", classification.Source,
		"search_tier", result.SearchTier,
		"sources", len(result.Sources),
		"persisted", persisted,
		"duration_ms", float64(time.Since(start).Microseconds())/1000.0,
	)
	return result, nil
}

func (uc *ChatUseCase) generate(ctx context.Context, messages []domain.ChatMessage) (string, error) {
	if uc.generator == nil {
		return "", domain.WrapError(domain.ErrUnavailable, "generate", errors.New("generator is not configured"))
	}
	callCtx, cancel := context.WithTimeout(ctx, uc.limits.GenerateTimeout)
	defer cancel()

	text, err := uc.generator.Generate(callCtx, messages)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.WrapError(domain.ErrInvalidOutput, "generate", errors.New("empty answer"))
	}
	return text, nil
}

// persistTurn writes both messages atomically. A failure is logged and the
// turn is still answered; the store never holds half a turn.
func (uc *ChatUseCase) persistTurn(ctx context.Context, sessionID string, user, assistant domain.Message) bool {
	callCtx, cancel := context.WithTimeout(ctx, uc.limits.HistoryTimeout)
	defer cancel()

	if err := uc.history.AppendTurn(callCtx, sessionID, user, assistant); err != nil {
		slog.Error("history_append_failed", "session_id", sessionID, "error", err)
		return false
	}
	return true
}

func (uc *ChatUseCase) readHistory(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, uc.limits.HistoryTimeout)
	defer cancel()

	msgs, err := uc.history.Read(callCtx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return msgs, nil
}

// updatedHistory returns the full session log with this turn's sources on
// its assistant message. If the re-read fails, the loaded context plus this
// turn stands in.
func (uc *ChatUseCase) updatedHistory(
	ctx context.Context,
	sessionID string,
	loaded []domain.Message,
	persisted bool,
	user, assistant domain.Message,
) []domain.Message {
	if persisted {
		stored, err := uc.readHistory(ctx, sessionID, 0)
		if err == nil {
			return mergeTurn(stored, user, assistant)
		}
		slog.Warn("history_reload_failed", "session_id", sessionID, "error", err)
	}
	return mergeTurn(loaded, user, assistant)
}

func (uc *ChatUseCase) failedResult(ctx context.Context, sessionID string, fallback []domain.Message) *domain.TurnResult {
	history, err := uc.readHistory(ctx, sessionID, 0)
	if err != nil {
		history = domain.CloneMessages(fallback)
	}
	if history == nil {
		history = []domain.Message{}
	}
	return &domain.TurnResult{
		SessionID: sessionID,
		Sources:   []domain.Source{},
		History:   history,
	}
}

func mergeTurn(stored []domain.Message, user, assistant domain.Message) []domain.Message {
	out := domain.CloneMessages(stored)
	if out == nil {
		out = make([]domain.Message, 0, 2)
	}
	for i := len(out) - 1; i >= 0; i-- {
		if out[i].ID == assistant.ID {
			out[i].Sources = append([]domain.Source(nil), assistant.Sources...)
			return out
		}
	}
	return append(out, user, assistant)
}

func tailMessages(msgs []domain.Message, n int) []domain.Message {
	if n <= 0 || len(msgs) <= n {
		return msgs
	}
	return msgs[len(msgs)-n:]
}

func listSources(docs []domain.RetrievedDocument) []domain.Source {
	out := make([]domain.Source, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.Source{
			Identifier: doc.Identifier(),
			URL:        doc.URL(),
		})
	}
	return out
}

func scoredSources(docs []domain.RetrievedDocument) []domain.Source {
	out := make([]domain.Source, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.Source{
			Identifier: doc.Identifier(),
			URL:        doc.URL(),
			Score:      doc.Score(),
		})
	}
	return out
}
