package httpadapter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/dictamen-rag/internal/config"
	"github.com/kirillkom/dictamen-rag/internal/core/domain"
	"github.com/kirillkom/dictamen-rag/internal/core/ports"
	"github.com/kirillkom/dictamen-rag/internal/observability/metrics"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Router struct {
	cfg      config.Config
	chat     ports.ChatService
	sessions ports.SessionService
	purge    ports.PurgeQueue
	shared   bool
	metrics  *metrics.HTTPServerMetrics
}

// NewRouter wires the HTTP surface. Purge requests go to the queue only when
// it is set and sharedHistory says the worker sees the same store; otherwise
// they run inline. metrics may be nil to skip instrumentation.
func NewRouter(
	cfg config.Config,
	chat ports.ChatService,
	sessions ports.SessionService,
	purge ports.PurgeQueue,
	sharedHistory bool,
	httpMetrics *metrics.HTTPServerMetrics,
) *Router {
	return &Router{
		cfg:      cfg,
		chat:     chat,
		sessions: sessions,
		purge:    purge,
		shared:   sharedHistory,
		metrics:  httpMetrics,
	}
}

func (rt *Router) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	route := func(pattern string, handler http.HandlerFunc) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			labelRequest(r, r.PathValue("session_id"))
			handler(w, r)
		})
	}
	route("GET /healthz", rt.healthz)
	route("POST /v1/chat", rt.chatTurn)
	route("POST /chat", rt.chatTurn)
	route("GET /v1/sessions", rt.listSessions)
	route("GET /v1/sessions/{session_id}/history", rt.sessionHistory)
	route("GET /v1/sessions/{session_id}/export", rt.exportSession)
	route("DELETE /v1/sessions/{session_id}", rt.deleteSession)
	route("POST /v1/maintenance/purge", rt.purgeHistory)
	if rt.metrics != nil {
		route("GET /metrics", rt.metrics.Handler().ServeHTTP)
	}

	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}

	var handler http.Handler = validator.middleware(mux)
	handler = bodyLimitMiddleware(handler, rt.cfg.APIMaxRequestBytes)
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, 100*time.Millisecond)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst)
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	return handler, nil
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type chatRequest struct {
	Query         string `json:"query"`
	SessionID     string `json:"session_id"`
	UseTwoVectors bool   `json:"use_two_vectors"`
}

type chatResponse struct {
	Response  string           `json:"response"`
	Sources   []domain.Source  `json:"sources"`
	SessionID string           `json:"session_id"`
	History   []domain.Message `json:"history"`
}

type chatErrorResponse struct {
	Error     string           `json:"error"`
	SessionID string           `json:"session_id"`
	History   []domain.Message `json:"history"`
}

func (rt *Router) chatTurn(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, chatErrorResponse{
			Error:   "invalid json",
			History: []domain.Message{},
		})
		return
	}

	result, err := rt.chat.ProcessTurn(r.Context(), domain.TurnRequest{
		SessionID:          req.SessionID,
		Query:              req.Query,
		UseSecondaryVector: req.UseTwoVectors,
	})
	if result != nil {
		labelRequest(r, result.SessionID)
	} else {
		labelRequest(r, req.SessionID)
	}
	if err != nil {
		status := mapErrorToHTTPStatus(err)
		body := chatErrorResponse{
			Error:     publicErrorMessage(status, err),
			SessionID: req.SessionID,
			History:   []domain.Message{},
		}
		if result != nil {
			body.SessionID = result.SessionID
			if result.History != nil {
				body.History = result.History
			}
		}
		slog.Error("chat_turn_failed",
			"request_id", requestIDFromContext(r.Context()),
			"session_id", body.SessionID,
			"error", err,
		)
		writeJSON(w, status, body)
		return
	}

	resp := chatResponse{
		Response:  result.Response,
		Sources:   result.Sources,
		SessionID: result.SessionID,
		History:   result.History,
	}
	if resp.Sources == nil {
		resp.Sources = []domain.Source{}
	}
	if resp.History == nil {
		resp.History = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Router) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be an integer"})
			return
		}
		limit = n
	}

	sessions, err := rt.sessions.ListSessions(r.Context(), limit)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []domain.SessionSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (rt *Router) sessionHistory(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	history, err := rt.sessions.History(r.Context(), sessionID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"history":    history,
	})
}

func (rt *Router) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := rt.sessions.DeleteSession(r.Context(), r.PathValue("session_id")); err != nil {
		rt.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) exportSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	// Buffer the workbook so a failed export still gets a JSON error.
	var buf bytes.Buffer
	if err := rt.sessions.ExportHistory(r.Context(), sessionID, &buf); err != nil {
		rt.writeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="historial-%s.xlsx"`, sanitizeFilename(sessionID)))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

type purgeRequest struct {
	OlderThanDays int `json:"older_than_days"`
}

func (rt *Router) purgeHistory(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	days := req.OlderThanDays
	if days == 0 {
		days = rt.cfg.RetentionDays
	}

	if rt.purge != nil && rt.shared {
		err := rt.purge.PublishPurge(r.Context(), days)
		if err == nil {
			writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "older_than_days": days})
			return
		}
		slog.Warn("purge_publish_failed_running_inline",
			"request_id", requestIDFromContext(r.Context()),
			"error", err,
		)
	}

	removed, err := rt.sessions.PurgeOlderThan(r.Context(), days)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "done", "older_than_days": days, "removed": removed})
}

func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeJSON(w, status, map[string]string{"error": publicErrorMessage(status, err)})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
