package httpadapter

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-Id"

type requestIDContextKey struct{}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	requestID, _ := ctx.Value(requestIDContextKey{}).(string)
	return requestID
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), requestIDContextKey{}, requestID)
		r = r.WithContext(ctx)
		w.Header().Set(requestIDHeader, requestID)

		next.ServeHTTP(w, r)
	})
}

// accessLabels is filled in by the matched route. Inner middlewares copy the
// request, so the mux pattern never reaches this layer on its own.
type accessLabels struct {
	route     string
	sessionID string
}

type accessLabelsContextKey struct{}

// labelRequest records the matched route and, when known, the chat session
// the request acted on.
func labelRequest(r *http.Request, sessionID string) {
	labels, ok := r.Context().Value(accessLabelsContextKey{}).(*accessLabels)
	if !ok {
		return
	}
	if r.Pattern != "" {
		labels.route = r.Pattern
	}
	if sessionID != "" {
		labels.sessionID = sessionID
	}
}

func accessLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		labels := &accessLabels{route: "unrouted"}
		r = r.WithContext(context.WithValue(r.Context(), accessLabelsContextKey{}, labels))
		recorder := &accessRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(recorder, r)

		logAttrs := []any{
			"request_id", requestIDFromContext(r.Context()),
			"route", labels.route,
			"status", recorder.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", recorder.bytesWritten,
			"client", clientKey(r),
		}
		if labels.sessionID != "" {
			logAttrs = append(logAttrs, "session_id", labels.sessionID)
		}

		switch {
		case recorder.statusCode >= 500:
			slog.Error("api_request", logAttrs...)
		case recorder.statusCode == http.StatusTooManyRequests || recorder.statusCode == http.StatusServiceUnavailable:
			slog.Warn("api_request_shed", logAttrs...)
		case recorder.statusCode >= 400:
			slog.Warn("api_request", logAttrs...)
		default:
			slog.Info("api_request", logAttrs...)
		}
	})
}

type accessRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (w *accessRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *accessRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}
