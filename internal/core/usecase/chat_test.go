package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

type chatFixture struct {
	uc       *ChatUseCase
	classGen *fakeGenerator
	mainGen  *fakeGenerator
	embedder *fakeEmbedder
	backend  *fakeBackend
	store    *fakeHistoryStore
	observer *fakeObserver
}

func newChatFixture(classGen, mainGen *fakeGenerator, backend *fakeBackend) *chatFixture {
	f := &chatFixture{
		classGen: classGen,
		mainGen:  mainGen,
		embedder: &fakeEmbedder{},
		backend:  backend,
		store:    newFakeHistoryStore(),
		observer: &fakeObserver{},
	}
	f.uc = NewChatUseCase(
		f.store,
		NewIntentClassifier(classGen, DefaultKeywordSet(), time.Second),
		NewQueryRewriter(mainGen, time.Second),
		NewRetrievalService(f.embedder, backend, RetrievalOptions{}),
		mainGen,
		f.observer,
		domain.TurnLimits{},
	)
	return f
}

func TestProcessTurnGreetingIsConversational(t *testing.T) {
	f := newChatFixture(failingGenerator(errors.New("classifier down")), staticGenerator("¡Hola! ¿En qué dictamen te ayudo?"), &fakeBackend{})

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s1", Query: "hola"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.Label != domain.LabelConversational {
		t.Fatalf("expected CONVERSATIONAL, got %s", res.Label)
	}
	if res.Sources == nil || len(res.Sources) != 0 {
		t.Fatalf("expected empty non-nil sources, got %#v", res.Sources)
	}
	if len(f.backend.requests) != 0 || f.embedder.calls != 0 {
		t.Fatalf("conversational turn must not search")
	}
	stored := f.store.messages["s1"]
	if len(stored) != 2 || stored[0].Role != domain.RoleUser || stored[1].Role != domain.RoleAssistant {
		t.Fatalf("expected user+assistant persisted, got %+v", stored)
	}
	if stored[1].Content != "¡Hola! ¿En qué dictamen te ayudo?" {
		t.Fatalf("unexpected persisted answer %q", stored[1].Content)
	}
	if len(res.History) != 2 {
		t.Fatalf("expected updated history of 2, got %d", len(res.History))
	}
}

func TestProcessTurnGeneralKnowledge(t *testing.T) {
	f := newChatFixture(staticGenerator("GENERAL_CGR"), staticGenerator("Un dictamen es..."), &fakeBackend{})

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s2", Query: "¿Qué es un dictamen?"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.Label != domain.LabelGeneralKnowledge || len(res.Sources) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Response != "Un dictamen es..." {
		t.Fatalf("unexpected response %q", res.Response)
	}
	system := f.mainGen.lastCall()[0].Content
	if !strings.Contains(system, "Contraloría General de la República de Chile") {
		t.Fatalf("expected conversational system prompt, got %q", system)
	}
}

func TestProcessTurnSpecificWithDocuments(t *testing.T) {
	backend := &fakeBackend{records: []domain.SearchRecord{
		{Fields: map[string]any{"numero_dictamen": "12345", "embedding_text": "licencias médicas texto", "url": "https://cgr.cl/12345"}, RerankerScore: scorePtr(0.9)},
		{Fields: map[string]any{"numero_dictamen": "67890", "embedding_text": "otro texto", "url": "https://cgr.cl/67890"}, RerankerScore: scorePtr(0.7)},
	}}
	f := newChatFixture(staticGenerator("ESPECIFICA"), staticGenerator("Según el dictamen 12345..."), backend)

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s3", Query: "dictamen 12345 sobre licencias médicas"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.Label != domain.LabelSpecific {
		t.Fatalf("expected SPECIFIC, got %s", res.Label)
	}
	if len(res.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(res.Sources))
	}
	if res.Sources[0] != (domain.Source{Identifier: "12345", URL: "https://cgr.cl/12345", Score: 0.9}) ||
		res.Sources[1] != (domain.Source{Identifier: "67890", URL: "https://cgr.cl/67890", Score: 0.7}) {
		t.Fatalf("unexpected sources %+v", res.Sources)
	}
	if f.mainGen.callCount() != 1 {
		t.Fatalf("expected no rewrite call with empty history, got %d generation calls", f.mainGen.callCount())
	}

	call := f.mainGen.lastCall()
	wantContext := "Fuente: 12345\nContenido: licencias médicas texto\n---\nFuente: 67890\nContenido: otro texto"
	if !strings.Contains(call[0].Content, wantContext) {
		t.Fatalf("expected context block in system prompt, got %q", call[0].Content)
	}
	if call[len(call)-1].Content != "dictamen 12345 sobre licencias médicas" {
		t.Fatalf("expected original query as final message, got %q", call[len(call)-1].Content)
	}

	last := res.History[len(res.History)-1]
	if last.Role != domain.RoleAssistant || len(last.Sources) != 2 {
		t.Fatalf("expected sources on final assistant message, got %+v", last)
	}
}

func TestProcessTurnSpecificWithoutDocuments(t *testing.T) {
	f := newChatFixture(staticGenerator("ESPECIFICA"), staticGenerator("La información no está disponible."), &fakeBackend{})

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s4", Query: "dictamen sobre teletrabajo"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.Response == "" || len(res.Sources) != 0 {
		t.Fatalf("expected answer without sources, got %+v", res)
	}
	system := f.mainGen.lastCall()[0].Content
	if !strings.HasSuffix(system, "Contexto recuperado: ") {
		t.Fatalf("expected empty context block, got %q", system)
	}
}

func TestProcessTurnLegalListWithoutResults(t *testing.T) {
	f := newChatFixture(staticGenerator("LEGAL_LIST"), staticGenerator("unused"), &fakeBackend{})

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s5", Query: "cuáles son los dictámenes de la ley 21000"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.Label != domain.LabelLegalList {
		t.Fatalf("expected LEGAL_LIST, got %s", res.Label)
	}
	if res.Response != "No se encontraron dictámenes relacionados con tu consulta." {
		t.Fatalf("unexpected response %q", res.Response)
	}
	if len(res.Sources) != 0 {
		t.Fatalf("expected no sources, got %+v", res.Sources)
	}
	if f.mainGen.callCount() != 0 {
		t.Fatalf("list flow must not call the generator")
	}
	if len(f.store.messages["s5"]) != 2 {
		t.Fatalf("expected turn persisted")
	}
}

func TestProcessTurnLegalListWithResults(t *testing.T) {
	backend := &fakeBackend{records: []domain.SearchRecord{
		{Fields: map[string]any{"numero_dictamen": "E1", "fecha": "2023-01-02", "url": "https://cgr.cl/E1"}, RerankerScore: scorePtr(3.1)},
		{Fields: map[string]any{"numero_dictamen": "E2", "fecha": "2024-02-03", "url": "https://cgr.cl/E2"}},
	}}
	f := newChatFixture(staticGenerator("LEGAL_LIST"), staticGenerator("unused"), backend)

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s6", Query: "últimos dictámenes de la ley karin"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if !strings.Contains(res.Response, "Se encontraron 2 dictámenes relacionados") {
		t.Fatalf("unexpected list response %q", res.Response)
	}
	want := []domain.Source{{Identifier: "E2", URL: "https://cgr.cl/E2"}, {Identifier: "E1", URL: "https://cgr.cl/E1"}}
	if len(res.Sources) != 2 || res.Sources[0] != want[0] || res.Sources[1] != want[1] {
		t.Fatalf("expected newest-first sources without scores, got %+v", res.Sources)
	}
}

func TestProcessTurnUsesKeywordTierWhenHybridFails(t *testing.T) {
	backend := &fakeBackend{
		errs: []error{errBackendDown, errBackendDown},
		records: []domain.SearchRecord{
			{Fields: map[string]any{"numero_dictamen": "K1", "embedding_text": "solo texto"}},
		},
	}
	f := newChatFixture(staticGenerator("ESPECIFICA"), staticGenerator("respuesta"), backend)

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s7", Query: "probidad administrativa"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.SearchTier != domain.TierKeyword {
		t.Fatalf("expected keyword tier, got %s", res.SearchTier)
	}
	if len(res.Sources) != 1 || res.Sources[0].Identifier != "K1" {
		t.Fatalf("expected tier-3 sources, got %+v", res.Sources)
	}
	obs := f.observer.observations[0]
	if obs.Tier != domain.TierKeyword || obs.TierFailures != 2 {
		t.Fatalf("unexpected observation %+v", obs)
	}
}

func TestProcessTurnRewritesForSearchButAnswersOriginal(t *testing.T) {
	mainGen := &fakeGenerator{answer: func(messages []domain.ChatMessage) (string, error) {
		if messages[0].Content == rewriteSystemPrompt {
			return "requisitos del dictamen 100 sobre feriados", nil
		}
		return "respuesta final", nil
	}}
	f := newChatFixture(staticGenerator("ESPECIFICA"), mainGen, &fakeBackend{})
	f.store.messages["s8"] = []domain.Message{
		{ID: "m1", SessionID: "s8", Role: domain.RoleUser, Content: "dictamen 100", Timestamp: time.Now().Add(-time.Minute)},
		{ID: "m2", SessionID: "s8", Role: domain.RoleAssistant, Content: "trata sobre feriados", Sources: []domain.Source{{Identifier: "100"}}, Timestamp: time.Now().Add(-time.Minute)},
	}

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s8", Query: "¿cuáles son sus requisitos?"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if f.embedder.texts[0] != "requisitos del dictamen 100 sobre feriados" {
		t.Fatalf("expected rewritten query to drive retrieval, got %q", f.embedder.texts[0])
	}
	call := f.mainGen.lastCall()
	if call[len(call)-1].Content != "¿cuáles son sus requisitos?" {
		t.Fatalf("expected original query in answer prompt, got %q", call[len(call)-1].Content)
	}
	if res.RewrittenQuery != "requisitos del dictamen 100 sobre feriados" {
		t.Fatalf("unexpected rewritten query %q", res.RewrittenQuery)
	}
	if len(res.History) != 4 || res.History[1].Sources[0].Identifier != "100" {
		t.Fatalf("expected prior history preserved, got %+v", res.History)
	}
}

func TestProcessTurnGenerationFailureReturnsInternalError(t *testing.T) {
	f := newChatFixture(staticGenerator("CONVERSACIONAL"), failingGenerator(errors.New("llm down")), &fakeBackend{})
	f.store.messages["s9"] = []domain.Message{{ID: "m1", SessionID: "s9", Role: domain.RoleUser, Content: "antes"}}

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s9", Query: "gracias"})
	if !domain.IsKind(err, domain.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if res == nil || res.SessionID != "s9" || len(res.History) != 1 {
		t.Fatalf("expected available history with error, got %+v", res)
	}
	if len(f.store.messages["s9"]) != 1 {
		t.Fatalf("failed turn must not be persisted")
	}
}

func TestProcessTurnPersistenceFailureStillAnswers(t *testing.T) {
	f := newChatFixture(staticGenerator("CONVERSACIONAL"), staticGenerator("hola"), &fakeBackend{})
	f.store.appendErr = errors.New("db down")

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s10", Query: "hola"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if len(res.History) != 2 || res.History[1].Content != "hola" {
		t.Fatalf("expected turn appended to loaded history, got %+v", res.History)
	}
}

func TestProcessTurnRejectsBlankQuery(t *testing.T) {
	f := newChatFixture(staticGenerator("CONVERSACIONAL"), staticGenerator("x"), &fakeBackend{})

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{Query: "   "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if res.SessionID == "" {
		t.Fatalf("expected generated session id")
	}
	if f.classGen.callCount() != 0 {
		t.Fatalf("blank query must not reach the classifier")
	}
}

func TestProcessTurnGeneratesSessionID(t *testing.T) {
	f := newChatFixture(staticGenerator("CONVERSACIONAL"), staticGenerator("hola"), &fakeBackend{})

	res, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{Query: "hola"})
	if err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if res.SessionID == "" || len(f.store.messages[res.SessionID]) != 2 {
		t.Fatalf("expected turn stored under generated session, got %q", res.SessionID)
	}
}

func TestProcessTurnClassifierSeesRecentHistoryOnly(t *testing.T) {
	classGen := staticGenerator("CONVERSACIONAL")
	f := newChatFixture(classGen, staticGenerator("ok"), &fakeBackend{})
	for i := 0; i < 8; i++ {
		f.store.messages["s11"] = append(f.store.messages["s11"], domain.Message{ID: string(rune('a' + i)), Role: domain.RoleUser, Content: "m"})
	}

	if _, err := f.uc.ProcessTurn(context.Background(), domain.TurnRequest{SessionID: "s11", Query: "hola"}); err != nil {
		t.Fatalf("ProcessTurn() error = %v", err)
	}
	if got := len(classGen.lastCall()); got != 7 {
		t.Fatalf("expected system + 5 history + query messages, got %d", got)
	}
}
