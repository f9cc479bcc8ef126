package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/config"
	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/observability/metrics"
)

type chatFake struct {
	result *domain.TurnResult
	err    error
	got    domain.TurnRequest
}

func (f *chatFake) ProcessTurn(_ context.Context, req domain.TurnRequest) (*domain.TurnResult, error) {
	f.got = req
	return f.result, f.err
}

type sessionsFake struct {
	history   []domain.Message
	sessions  []domain.SessionSummary
	err       error
	purged    int
	lastLimit int
	deleted   string
}

func (f *sessionsFake) History(context.Context, string) ([]domain.Message, error) {
	return f.history, f.err
}

func (f *sessionsFake) ListSessions(_ context.Context, limit int) ([]domain.SessionSummary, error) {
	f.lastLimit = limit
	return f.sessions, f.err
}

func (f *sessionsFake) DeleteSession(_ context.Context, sessionID string) error {
	f.deleted = sessionID
	return f.err
}

func (f *sessionsFake) PurgeOlderThan(_ context.Context, days int) (int64, error) {
	f.purged = days
	return 4, f.err
}

func (f *sessionsFake) ExportHistory(_ context.Context, _ string, w io.Writer) error {
	if f.err != nil {
		return f.err
	}
	_, err := w.Write([]byte("PK-xlsx"))
	return err
}

type purgeQueueFake struct {
	days int
	err  error
}

func (f *purgeQueueFake) PublishPurge(_ context.Context, days int) error {
	f.days = days
	return f.err
}

func (f *purgeQueueFake) SubscribePurge(context.Context, func(context.Context, int) error) error {
	return nil
}

func newTestHandler(t *testing.T, cfg config.Config, chat *chatFake, sessions *sessionsFake, queue *purgeQueueFake) http.Handler {
	t.Helper()
	if chat == nil {
		chat = &chatFake{}
	}
	if sessions == nil {
		sessions = &sessionsFake{}
	}
	var router *Router
	if queue != nil {
		router = NewRouter(cfg, chat, sessions, queue, true, metrics.NewHTTPServerMetrics("api-test"))
	} else {
		router = NewRouter(cfg, chat, sessions, nil, false, metrics.NewHTTPServerMetrics("api-test"))
	}
	handler, err := router.Handler()
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	return handler
}

func postJSON(handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res
}

func TestChatReturnsAnswerSourcesAndHistory(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sources := []domain.Source{{Identifier: "E123N25", URL: "https://example.test/E123N25", Score: 2.5}}
	chat := &chatFake{result: &domain.TurnResult{
		SessionID: "s1",
		Response:  "respuesta",
		Sources:   sources,
		History: []domain.Message{
			{ID: "u1", SessionID: "s1", Role: domain.RoleUser, Content: "pregunta", Timestamp: now},
			{ID: "a1", SessionID: "s1", Role: domain.RoleAssistant, Content: "respuesta", Sources: sources, Timestamp: now},
		},
	}}
	handler := newTestHandler(t, config.Config{}, chat, nil, nil)

	for _, path := range []string{"/v1/chat", "/chat"} {
		res := postJSON(handler, path, map[string]any{"query": "pregunta", "session_id": "s1", "use_two_vectors": true})
		if res.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", path, res.Code, res.Body.String())
		}
		var resp chatResponse
		if err := json.Unmarshal(res.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Response != "respuesta" || resp.SessionID != "s1" || len(resp.Sources) != 1 || len(resp.History) != 2 {
			t.Fatalf("%s: unexpected response %+v", path, resp)
		}
		if resp.History[1].Sources[0].Identifier != "E123N25" {
			t.Fatalf("expected sources on the assistant message")
		}
	}
	if !chat.got.UseSecondaryVector || chat.got.SessionID != "s1" {
		t.Fatalf("request not forwarded: %+v", chat.got)
	}
}

func TestChatRejectsMissingQuery(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, nil, nil, nil)

	res := postJSON(handler, "/v1/chat", map[string]any{"session_id": "s1"})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "invalid request body") {
		t.Fatalf("expected validation message, got %s", res.Body.String())
	}
}

func TestChatMapsInvalidInputTo400(t *testing.T) {
	chat := &chatFake{
		result: &domain.TurnResult{SessionID: "generated"},
		err:    domain.WrapError(domain.ErrInvalidInput, "process turn", errors.New("empty query")),
	}
	handler := newTestHandler(t, config.Config{}, chat, nil, nil)

	res := postJSON(handler, "/v1/chat", map[string]any{"query": "   "})
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	var body chatErrorResponse
	_ = json.Unmarshal(res.Body.Bytes(), &body)
	if body.SessionID != "generated" || body.History == nil {
		t.Fatalf("unexpected error body %+v", body)
	}
}

func TestChatWithUnconfiguredGeneratorMapsTo500(t *testing.T) {
	cause := domain.WrapError(domain.ErrUnavailable, "generate", errors.New("generator is not configured"))
	chat := &chatFake{
		result: &domain.TurnResult{SessionID: "s9"},
		err:    domain.WrapError(domain.ErrInternal, "generate answer", cause),
	}
	handler := newTestHandler(t, config.Config{}, chat, nil, nil)

	res := postJSON(handler, "/v1/chat", map[string]any{"query": "hola", "session_id": "s9"})
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d: %s", res.Code, res.Body.String())
	}
	if !strings.Contains(res.Body.String(), "error interno del servidor") {
		t.Fatalf("expected generic message, got %s", res.Body.String())
	}
}

func TestErrorMappingPrecedence(t *testing.T) {
	unavailable := domain.WrapError(domain.ErrUnavailable, "export history", errors.New("exporter is not configured"))
	cases := []struct {
		err  error
		want int
	}{
		{err: unavailable, want: http.StatusNotImplemented},
		{err: domain.WrapError(domain.ErrInternal, "turn", unavailable), want: http.StatusInternalServerError},
		{err: domain.WrapError(domain.ErrTemporary, "search", errors.New("busy")), want: http.StatusServiceUnavailable},
		{err: domain.WrapError(domain.ErrSessionNotFound, "history", errors.New("s1")), want: http.StatusNotFound},
		{err: errors.New("plain"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := mapErrorToHTTPStatus(tc.err); got != tc.want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestChatInternalErrorCarriesHistory(t *testing.T) {
	chat := &chatFake{
		result: &domain.TurnResult{
			SessionID: "s1",
			History:   []domain.Message{{ID: "u0", SessionID: "s1", Role: domain.RoleUser, Content: "antes"}},
		},
		err: domain.WrapError(domain.ErrInternal, "generate", errors.New("upstream exploded")),
	}
	handler := newTestHandler(t, config.Config{}, chat, nil, nil)

	res := postJSON(handler, "/v1/chat", map[string]any{"query": "hola", "session_id": "s1"})
	if res.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", res.Code)
	}
	var body chatErrorResponse
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.SessionID != "s1" || len(body.History) != 1 || body.Error == "" {
		t.Fatalf("unexpected error body %+v", body)
	}
	if strings.Contains(body.Error, "upstream exploded") {
		t.Fatalf("internal detail leaked: %q", body.Error)
	}
}

func TestListSessionsPassesLimit(t *testing.T) {
	sessions := &sessionsFake{sessions: []domain.SessionSummary{{SessionID: "s1", MessageCount: 2}}}
	handler := newTestHandler(t, config.Config{}, nil, sessions, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions?limit=7", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if sessions.lastLimit != 7 {
		t.Fatalf("expected limit 7, got %d", sessions.lastLimit)
	}

	bad := httptest.NewRequest(http.MethodGet, "/v1/sessions?limit=0", nil)
	badRes := httptest.NewRecorder()
	handler.ServeHTTP(badRes, bad)
	if badRes.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for limit below minimum, got %d", badRes.Code)
	}
}

func TestSessionHistoryAndDelete(t *testing.T) {
	sessions := &sessionsFake{history: []domain.Message{{ID: "m1", SessionID: "s1", Role: domain.RoleUser, Content: "hola"}}}
	handler := newTestHandler(t, config.Config{}, nil, sessions, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/history", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK || !strings.Contains(res.Body.String(), `"session_id":"s1"`) {
		t.Fatalf("unexpected history response %d %s", res.Code, res.Body.String())
	}

	del := httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil)
	delRes := httptest.NewRecorder()
	handler.ServeHTTP(delRes, del)
	if delRes.Code != http.StatusNoContent || sessions.deleted != "s1" {
		t.Fatalf("expected 204 and delete of s1, got %d %q", delRes.Code, sessions.deleted)
	}
}

func TestDeleteMissingSessionReturns404(t *testing.T) {
	sessions := &sessionsFake{err: domain.WrapError(domain.ErrSessionNotFound, "delete session", errors.New("id=missing"))}
	handler := newTestHandler(t, config.Config{}, nil, sessions, nil)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/missing", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestExportSessionReturnsAttachment(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, nil, &sessionsFake{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s-1/export", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get("Content-Type") != xlsxContentType {
		t.Fatalf("unexpected content type %q", res.Header().Get("Content-Type"))
	}
	if !strings.Contains(res.Header().Get("Content-Disposition"), `historial-s-1.xlsx`) {
		t.Fatalf("unexpected disposition %q", res.Header().Get("Content-Disposition"))
	}
	if res.Body.String() != "PK-xlsx" {
		t.Fatalf("unexpected body %q", res.Body.String())
	}
}

func TestPurgeQueuesWhenQueueConfigured(t *testing.T) {
	queue := &purgeQueueFake{}
	sessions := &sessionsFake{}
	handler := newTestHandler(t, config.Config{RetentionDays: 30}, nil, sessions, queue)

	res := postJSON(handler, "/v1/maintenance/purge", map[string]any{"older_than_days": 10})
	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if queue.days != 10 || sessions.purged != 0 {
		t.Fatalf("expected queued purge only, queue=%d inline=%d", queue.days, sessions.purged)
	}
}

func TestPurgeRunsInlineWithoutQueue(t *testing.T) {
	sessions := &sessionsFake{}
	handler := newTestHandler(t, config.Config{RetentionDays: 30}, nil, sessions, nil)

	res := postJSON(handler, "/v1/maintenance/purge", map[string]any{})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if sessions.purged != 30 || !strings.Contains(res.Body.String(), `"removed":4`) {
		t.Fatalf("expected inline purge with default days, got %d %s", sessions.purged, res.Body.String())
	}
}

func TestPurgeFallsBackInlineWhenPublishFails(t *testing.T) {
	queue := &purgeQueueFake{err: domain.WrapError(domain.ErrTemporary, "nats publish", errors.New("no responders"))}
	sessions := &sessionsFake{}
	handler := newTestHandler(t, config.Config{RetentionDays: 30}, nil, sessions, queue)

	res := postJSON(handler, "/v1/maintenance/purge", map[string]any{"older_than_days": 5})
	if res.Code != http.StatusOK || sessions.purged != 5 {
		t.Fatalf("expected inline purge after publish failure, got %d purged=%d", res.Code, sessions.purged)
	}
}

func TestPurgeRunsInlineWhenHistoryIsProcessLocal(t *testing.T) {
	queue := &purgeQueueFake{}
	sessions := &sessionsFake{}
	router := NewRouter(config.Config{RetentionDays: 30}, &chatFake{}, sessions, queue, false, nil)
	handler, err := router.Handler()
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}

	res := postJSON(handler, "/v1/maintenance/purge", map[string]any{"older_than_days": 7})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if queue.days != 0 {
		t.Fatalf("purge must not be published while history is process-local, got %d", queue.days)
	}
	if sessions.purged != 7 || !strings.Contains(res.Body.String(), `"status":"done"`) {
		t.Fatalf("expected inline purge, got purged=%d body=%s", sessions.purged, res.Body.String())
	}
}

func TestHealthzAndRequestID(t *testing.T) {
	handler := newTestHandler(t, config.Config{}, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) != "req-42" {
		t.Fatalf("expected request id echoed, got %q", res.Header().Get(requestIDHeader))
	}
}
