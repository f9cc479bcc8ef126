package usecase

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

type fakeGenerator struct {
	mu     sync.Mutex
	calls  [][]domain.ChatMessage
	answer func(messages []domain.ChatMessage) (string, error)
}

func (f *fakeGenerator) Generate(_ context.Context, messages []domain.ChatMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	f.mu.Unlock()
	if f.answer == nil {
		return "ok", nil
	}
	return f.answer(messages)
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeGenerator) lastCall() []domain.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

func staticGenerator(text string) *fakeGenerator {
	return &fakeGenerator{answer: func([]domain.ChatMessage) (string, error) { return text, nil }}
}

func failingGenerator(err error) *fakeGenerator {
	return &fakeGenerator{answer: func([]domain.ChatMessage) (string, error) { return "", err }}
}

type fakeEmbedder struct {
	err   error
	calls int
	texts []string
}

func (f *fakeEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	f.calls++
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

type fakeBackend struct {
	requests []domain.SearchRequest
	// errs is consumed one entry per call; nil entries succeed.
	errs    []error
	records []domain.SearchRecord
}

func (f *fakeBackend) Search(_ context.Context, req domain.SearchRequest) ([]domain.SearchRecord, error) {
	idx := len(f.requests)
	f.requests = append(f.requests, req)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	return f.records, nil
}

type fakeHistoryStore struct {
	mu        sync.Mutex
	messages  map[string][]domain.Message
	appendErr error
	readErr   error
	reads     int
	appends   int
}

func newFakeHistoryStore() *fakeHistoryStore {
	return &fakeHistoryStore{messages: make(map[string][]domain.Message)}
}

func (f *fakeHistoryStore) AppendTurn(_ context.Context, sessionID string, messages ...domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appends++
	if f.appendErr != nil {
		return f.appendErr
	}
	f.messages[sessionID] = append(f.messages[sessionID], domain.CloneMessages(messages)...)
	return nil
}

func (f *fakeHistoryStore) Read(_ context.Context, sessionID string, limit int) ([]domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return nil, f.readErr
	}
	msgs := f.messages[sessionID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return domain.CloneMessages(msgs), nil
}

func (f *fakeHistoryStore) ListSessions(_ context.Context, limit int) ([]domain.SessionSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SessionSummary, 0, len(f.messages))
	for id, msgs := range f.messages {
		if len(msgs) == 0 {
			continue
		}
		out = append(out, domain.SessionSummary{SessionID: id, MessageCount: len(msgs), LastActivity: msgs[len(msgs)-1].Timestamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.After(out[j].LastActivity) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeHistoryStore) PurgeOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed int64
	for id, msgs := range f.messages {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.Timestamp.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		f.messages[id] = kept
	}
	return removed, nil
}

func (f *fakeHistoryStore) DeleteSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, sessionID)
	return nil
}

type fakeObserver struct {
	observations []domain.TurnObservation
}

func (f *fakeObserver) ObserveTurn(obs domain.TurnObservation) {
	f.observations = append(f.observations, obs)
}

type fakeExporter struct {
	sessionID string
	count     int
}

func (f *fakeExporter) Export(w io.Writer, sessionID string, messages []domain.Message) error {
	f.sessionID = sessionID
	f.count = len(messages)
	_, err := w.Write([]byte("xlsx"))
	return err
}

var errBackendDown = errors.New("backend down")

func scorePtr(v float64) *float64 { return &v }
