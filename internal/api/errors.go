package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/sqlassist/sqlassist/internal/assistant"
	"github.com/sqlassist/sqlassist/internal/nl2sql"
	"github.com/sqlassist/sqlassist/internal/query"
	"github.com/sqlassist/sqlassist/internal/schema"
	"github.com/sqlassist/sqlassist/internal/session"
	"github.com/sqlassist/sqlassist/internal/source"
	"github.com/sqlassist/sqlassist/internal/sqlguard"
)

type errorMapping struct {
	status    int
	code      string
	retryable bool
}

func mapError(err error) errorMapping {
	var (
		rejection     *sqlguard.RejectionError
		generation    *nl2sql.GenerationError
		execution     *query.ExecutionError
		introspection *schema.IntrospectionError
		tooLarge      *http.MaxBytesError
	)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return errorMapping{http.StatusNotFound, "SESSION_NOT_FOUND", false}
	case errors.Is(err, session.ErrSessionBusy):
		return errorMapping{http.StatusConflict, "SESSION_BUSY", true}
	case errors.Is(err, session.ErrStoreFull):
		return errorMapping{http.StatusServiceUnavailable, "SESSION_LIMIT", true}
	case errors.Is(err, assistant.ErrQuestionTooShort):
		return errorMapping{http.StatusBadRequest, "QUESTION_TOO_SHORT", false}
	case errors.Is(err, assistant.ErrPresetNotFound):
		return errorMapping{http.StatusNotFound, "PRESET_NOT_FOUND", false}
	case errors.Is(err, assistant.ErrHistoryDisabled):
		return errorMapping{http.StatusNotFound, "HISTORY_DISABLED", false}
	case errors.As(err, &rejection):
		return errorMapping{http.StatusUnprocessableEntity, "SQL_REJECTED", false}
	case errors.As(err, &generation):
		return errorMapping{http.StatusBadGateway, "GENERATION_FAILED", true}
	case errors.Is(err, query.ErrExecutionTimeout):
		return errorMapping{http.StatusGatewayTimeout, "EXECUTION_TIMEOUT", true}
	case errors.As(err, &execution):
		return errorMapping{http.StatusBadRequest, "EXECUTION_FAILED", false}
	case errors.Is(err, source.ErrUnsupportedKind):
		return errorMapping{http.StatusUnsupportedMediaType, "UNSUPPORTED_KIND", false}
	case errors.Is(err, source.ErrTooLarge), errors.As(err, &tooLarge):
		return errorMapping{http.StatusRequestEntityTooLarge, "UPLOAD_TOO_LARGE", false}
	case errors.As(err, &introspection):
		return errorMapping{http.StatusUnprocessableEntity, "INTROSPECTION_FAILED", false}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errorMapping{http.StatusServiceUnavailable, "REQUEST_CANCELED", true}
	default:
		return errorMapping{http.StatusInternalServerError, "INTERNAL", true}
	}
}

func writeEngineError(r *http.Request, w http.ResponseWriter, err error, extra map[string]any) {
	mapped := mapError(err)
	writeError(r.Context(), w, mapped.status, mapped.code, err.Error(), mapped.retryable, extra)
}
