package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/basket/agentbox/internal/gitops"
	"github.com/basket/agentbox/internal/lifecycle"
	"github.com/basket/agentbox/internal/orchestrator"
	"github.com/basket/agentbox/internal/persistence"
)

// Error codes carried in the error payload.
const (
	CodeNotFound      = "not_found"
	CodeDuplicate     = "duplicate"
	CodeConflict      = "conflict"
	CodeConfig        = "config"
	CodeInvalid       = "invalid"
	CodeOrchestration = "orchestration"
	CodeTimeout       = "timeout"
	CodeInternal      = "internal"
	CodeUnauthorized  = "unauthorized"
	CodeRateLimited   = "rate_limited"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// classify maps a domain error onto an error code and HTTP status.
func classify(err error) (string, int) {
	var orchErr *lifecycle.OrchestrationError
	switch {
	case errors.Is(err, persistence.ErrNotFound), errors.Is(err, orchestrator.ErrSandboxNotFound):
		return CodeNotFound, http.StatusNotFound
	case errors.Is(err, persistence.ErrDuplicate):
		return CodeDuplicate, http.StatusConflict
	case errors.Is(err, lifecycle.ErrNameCollision), errors.Is(err, persistence.ErrInvalidTransition),
		errors.Is(err, persistence.ErrSandboxInUse):
		return CodeConflict, http.StatusConflict
	case errors.Is(err, lifecycle.ErrConfig):
		return CodeConfig, http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInvalidInput), errors.Is(err, gitops.ErrInvalidURL),
		errors.Is(err, errInvalidBody):
		return CodeInvalid, http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrReadinessTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout, http.StatusGatewayTimeout
	case errors.As(err, &orchErr), errors.Is(err, gitops.ErrGitMissing), errors.Is(err, gitops.ErrRemote):
		return CodeOrchestration, http.StatusBadGateway
	}
	return CodeInternal, http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: msg}})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code, status := classify(err)
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "request failed",
		"method", r.Method, "path", r.URL.Path, "code", code, "error", err)
	writeErrorCode(w, status, code, err.Error())
}
