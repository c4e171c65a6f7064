package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mohammed-shakir/pgfeatures/internal/core/providererr"
)

// StatusOf maps an error kind to an HTTP status.
func StatusOf(err error) int {
	switch providererr.KindOf(err) {
	case providererr.ErrNotFound:
		return http.StatusNotFound
	case providererr.ErrQuery, providererr.ErrValidation:
		return http.StatusBadRequest
	case providererr.ErrConnection:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type problem struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.log.Log(r.Context(), level, "request failed",
		"method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	writeJSON(w, status, "application/json", problem{
		Code:        http.StatusText(status),
		Description: err.Error(),
	})
}
