package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

func TestClassifierAcceptsModelLabel(t *testing.T) {
	cases := map[string]domain.Label{
		"ESPECIFICA":         domain.LabelSpecific,
		"  conversacional\n": domain.LabelConversational,
		"GENERAL_CGR.":       domain.LabelGeneralKnowledge,
		"\"LEGAL_LIST\"":     domain.LabelLegalList,
		"SPECIFIC":           domain.LabelSpecific,
	}
	for raw, want := range cases {
		classifier := NewIntentClassifier(staticGenerator(raw), DefaultKeywordSet(), time.Second)
		got := classifier.Classify(context.Background(), "dictamen 12345", nil)
		if got.Label != want {
			t.Fatalf("raw %q: expected %s, got %s", raw, want, got.Label)
		}
		if got.Source != domain.ClassifiedByModel {
			t.Fatalf("raw %q: expected model source, got %s", raw, got.Source)
		}
	}
}

func TestClassifierRejectsOffEnumOutput(t *testing.T) {
	classifier := NewIntentClassifier(staticGenerator("Creo que es ESPECIFICA"), DefaultKeywordSet(), time.Second)
	got := classifier.Classify(context.Background(), "hola", nil)
	if got.Source != domain.ClassifiedByFallback {
		t.Fatalf("expected fallback source, got %s", got.Source)
	}
	if got.FallbackReason != fallbackReasonInvalidLabel {
		t.Fatalf("expected invalid_label reason, got %q", got.FallbackReason)
	}
	if got.Label != domain.LabelConversational {
		t.Fatalf("expected CONVERSATIONAL, got %s", got.Label)
	}
}

func TestClassifierFallsBackOnModelError(t *testing.T) {
	classifier := NewIntentClassifier(failingGenerator(errors.New("boom")), DefaultKeywordSet(), time.Second)
	got := classifier.Classify(context.Background(), "¿Qué es un dictamen?", nil)
	if got.Label != domain.LabelGeneralKnowledge {
		t.Fatalf("expected GENERAL_KNOWLEDGE, got %s", got.Label)
	}
	if got.FallbackReason != fallbackReasonModelError {
		t.Fatalf("expected model_error reason, got %q", got.FallbackReason)
	}
}

func TestClassifierFallsBackOnTimeout(t *testing.T) {
	gen := &fakeGenerator{answer: func([]domain.ChatMessage) (string, error) {
		return "", context.DeadlineExceeded
	}}
	classifier := NewIntentClassifier(gen, DefaultKeywordSet(), time.Second)
	got := classifier.Classify(context.Background(), "dictamen 12345 sobre licencias médicas", nil)
	if got.Label != domain.LabelSpecific {
		t.Fatalf("expected SPECIFIC, got %s", got.Label)
	}
	if got.FallbackReason != fallbackReasonModelTimeout {
		t.Fatalf("expected model_timeout reason, got %q", got.FallbackReason)
	}
}

func TestFallbackLabelPolicy(t *testing.T) {
	classifier := NewIntentClassifier(nil, DefaultKeywordSet(), time.Second)
	cases := []struct {
		query string
		want  domain.Label
	}{
		{query: "hola", want: domain.LabelConversational},
		{query: "  Muchas GRACIAS  ", want: domain.LabelConversational},
		{query: "hola, necesito revisar el dictamen 4455 del año 2021", want: domain.LabelSpecific},
		{query: "¿Qué es un dictamen?", want: domain.LabelGeneralKnowledge},
		{query: "que hace la contraloria en los municipios", want: domain.LabelGeneralKnowledge},
		{query: "cuáles son los dictámenes de la ley 21000", want: domain.LabelLegalList},
		{query: "dictamen 12345 sobre licencias médicas", want: domain.LabelSpecific},
	}
	for _, tc := range cases {
		if got := classifier.FallbackLabel(tc.query); got != tc.want {
			t.Fatalf("query %q: expected %s, got %s", tc.query, tc.want, got)
		}
	}
}

func TestFallbackLabelIsDeterministic(t *testing.T) {
	classifier := NewIntentClassifier(failingGenerator(errors.New("unavailable")), DefaultKeywordSet(), time.Second)
	first := classifier.Classify(context.Background(), "requisitos de probidad funcionaria", nil)
	for i := 0; i < 5; i++ {
		got := classifier.Classify(context.Background(), "requisitos de probidad funcionaria", nil)
		if got != first {
			t.Fatalf("iteration %d: expected %+v, got %+v", i, first, got)
		}
	}
}

func TestClassifierPromptCarriesExemplarsAndHistory(t *testing.T) {
	gen := staticGenerator("ESPECIFICA")
	classifier := NewIntentClassifier(gen, DefaultKeywordSet(), time.Second)
	history := []domain.Message{
		{Role: domain.RoleUser, Content: "¿Qué dice el dictamen 100?"},
		{Role: domain.RoleAssistant, Content: "El dictamen 100 trata sobre feriados."},
	}
	classifier.Classify(context.Background(), "¿y el 101?", history)

	call := gen.lastCall()
	if len(call) != 4 {
		t.Fatalf("expected system + 2 history + query messages, got %d", len(call))
	}
	system := call[0].Content
	for _, want := range []string{"CONVERSACIONAL", "GENERAL_CGR", "ESPECIFICA", "LEGAL_LIST", "buenos días", "ley número"} {
		if !strings.Contains(system, want) {
			t.Fatalf("system prompt missing %q", want)
		}
	}
	if call[2].Role != domain.ChatRoleAssistant {
		t.Fatalf("expected assistant history role, got %s", call[2].Role)
	}
	if !strings.Contains(call[3].Content, "¿y el 101?") {
		t.Fatalf("expected query in final message, got %q", call[3].Content)
	}
}

func TestParseKeywordSetNormalizesEntries(t *testing.T) {
	set, err := ParseKeywordSet([]byte(`
conversational: ["  HOLA "]
fallback:
  conversational: ["Hola", ""]
`))
	if err != nil {
		t.Fatalf("ParseKeywordSet() error = %v", err)
	}
	if set.Conversational[0] != "hola" {
		t.Fatalf("expected lower-cased keyword, got %q", set.Conversational[0])
	}
	if len(set.Fallback.Conversational) != 1 {
		t.Fatalf("expected blank entries dropped, got %v", set.Fallback.Conversational)
	}
	if set.Fallback.ShortQueryMaxChars != 30 {
		t.Fatalf("expected default short query threshold 30, got %d", set.Fallback.ShortQueryMaxChars)
	}
}
