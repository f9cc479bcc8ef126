package httpadapter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kirillkom/dictamen-rag/internal/config"
	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

func captureAccessLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(previous) })
	return &buf
}

func accessLogEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", scanner.Text(), err)
		}
		if entry["msg"] == "api_request" || entry["msg"] == "api_request_shed" {
			return entry
		}
	}
	t.Fatalf("no access log entry in %q", buf.String())
	return nil
}

func TestAccessLogCarriesRouteAndPathSession(t *testing.T) {
	buf := captureAccessLog(t)
	handler := newTestHandler(t, config.Config{}, nil, &sessionsFake{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/s-77/history", nil)
	req.Header.Set(requestIDHeader, "req-log")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}

	entry := accessLogEntry(t, buf)
	if entry["route"] != "GET /v1/sessions/{session_id}/history" {
		t.Fatalf("expected matched route pattern, got %v", entry["route"])
	}
	if entry["session_id"] != "s-77" || entry["request_id"] != "req-log" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestAccessLogCarriesGeneratedChatSession(t *testing.T) {
	buf := captureAccessLog(t)
	chat := &chatFake{result: &domain.TurnResult{SessionID: "generated-1", Response: "ok"}}
	handler := newTestHandler(t, config.Config{}, chat, nil, nil)

	res := postJSON(handler, "/v1/chat", map[string]any{"query": "hola"})
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}

	entry := accessLogEntry(t, buf)
	if entry["route"] != "POST /v1/chat" || entry["session_id"] != "generated-1" {
		t.Fatalf("unexpected log entry %v", entry)
	}
}

func TestAccessLogLabelsShedRequestsAsUnrouted(t *testing.T) {
	buf := captureAccessLog(t)
	handler := newTestHandler(t, config.Config{APIRateLimitRPS: 1, APIRateLimitBurst: 1}, nil, nil, nil)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	buf.Reset()
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", res.Code)
	}

	entry := accessLogEntry(t, buf)
	if entry["msg"] != "api_request_shed" || entry["route"] != "unrouted" {
		t.Fatalf("unexpected log entry %v", entry)
	}
	if _, ok := entry["session_id"]; ok {
		t.Fatalf("shed request must not carry a session id")
	}
}
