package httpadapter

import (
	"net/http"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrSessionNotFound):
		return http.StatusNotFound
	// A turn that failed inside the pipeline stays a 500 even when the cause
	// was a component that is not configured.
	case domain.IsKind(err, domain.ErrInternal):
		return http.StatusInternalServerError
	case domain.IsKind(err, domain.ErrUnavailable):
		return http.StatusNotImplemented
	case domain.IsKind(err, domain.ErrTemporary):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// publicErrorMessage keeps backend details out of 5xx bodies.
func publicErrorMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		return "error interno del servidor"
	}
	return err.Error()
}
