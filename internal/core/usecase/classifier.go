package usecase

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
)

const (
	fallbackReasonModelError   = "model_error"
	fallbackReasonModelTimeout = "model_timeout"
	fallbackReasonInvalidLabel = "invalid_label"
	fallbackReasonEmptyOutput  = "empty_output"
)

// IntentClassifier routes a query to one of the four labels.
type IntentClassifier struct {
	generator ports.ChatGenerator
	keywords  KeywordSet
	timeout   time.Duration
}

func NewIntentClassifier(generator ports.ChatGenerator, keywords KeywordSet, timeout time.Duration) *IntentClassifier {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if keywords.Fallback.ShortQueryMaxChars <= 0 {
		keywords = DefaultKeywordSet()
	}
	return &IntentClassifier{
		generator: generator,
		keywords:  keywords,
		timeout:   timeout,
	}
}

// Classify never fails: generation errors, timeouts and off-enum output all
// degrade to the deterministic keyword policy.
func (c *IntentClassifier) Classify(ctx context.Context, query string, history []domain.Message) domain.ClassificationOutcome {
	label, reason := c.classifyWithModel(ctx, query, history)
	if reason == "" {
		return domain.ClassificationOutcome{Label: label, Source: domain.ClassifiedByModel}
	}

	fallback := c.FallbackLabel(query)
	slog.Warn("intent_classifier_fallback",
		"reason", reason,
		"label", fallback,
	)
	return domain.ClassificationOutcome{
		Label:          fallback,
		Source:         domain.ClassifiedByFallback,
		FallbackReason: reason,
	}
}

func (c *IntentClassifier) classifyWithModel(ctx context.Context, query string, history []domain.Message) (domain.Label, string) {
	if c.generator == nil {
		return "", fallbackReasonModelError
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.generator.Generate(callCtx, buildClassificationMessages(c.keywords, query, history))
	if err != nil {
		if isTimeoutError(err) {
			return "", fallbackReasonModelTimeout
		}
		slog.Debug("intent_classifier_model_error", "error", err)
		return "", fallbackReasonModelError
	}
	if strings.TrimSpace(raw) == "" {
		return "", fallbackReasonEmptyOutput
	}

	label, ok := domain.ParseLabel(raw)
	if !ok {
		slog.Debug("intent_classifier_invalid_label", "raw", truncateForLog(raw, 80))
		return "", fallbackReasonInvalidLabel
	}
	return label, ""
}

// FallbackLabel is the deterministic keyword policy. Identical input always
// yields the identical label.
func (c *IntentClassifier) FallbackLabel(query string) domain.Label {
	normalized := strings.ToLower(strings.TrimSpace(query))
	policy := c.keywords.Fallback

	if utf8.RuneCountInString(normalized) < policy.ShortQueryMaxChars && containsAny(normalized, policy.Conversational) {
		return domain.LabelConversational
	}
	if containsAny(normalized, policy.GeneralKnowledge) {
		return domain.LabelGeneralKnowledge
	}
	if containsAny(normalized, policy.LegalList) {
		return domain.LabelLegalList
	}
	return domain.LabelSpecific
}
