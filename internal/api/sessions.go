package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sqlassist/sqlassist/internal/assistant"
	"github.com/sqlassist/sqlassist/internal/auth"
	"github.com/sqlassist/sqlassist/internal/export"
	"github.com/sqlassist/sqlassist/internal/history"
	"github.com/sqlassist/sqlassist/internal/prompt"
	"github.com/sqlassist/sqlassist/internal/source"
)

const (
	uploadField          = "file"
	multipartMemory      = 8 << 20
	multipartOverhead    = 1 << 20
	defaultHistoryLimit  = 50
	maxHistoryLimit      = 500
	exportFilenameHeader = `attachment; filename="result.parquet"`
)

type askRequest struct {
	Question string     `json:"question"`
	History  *priorTurn `json:"history,omitempty"`
}

type priorTurn struct {
	Question string `json:"question"`
	SQL      string `json:"sql_query"`
}

type sqlRequest struct {
	SQL string `json:"sql"`
}

type historyEntryResponse struct {
	RequestID  string    `json:"request_id"`
	SessionID  string    `json:"session_id"`
	Question   string    `json:"question"`
	SQL        string    `json:"sql_query,omitempty"`
	Stage      string    `json:"stage"`
	Reason     string    `json:"reason,omitempty"`
	RowCount   int       `json:"row_count"`
	Truncated  bool      `json:"truncated"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

func handleCreateSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.MaxUploadBytes > 0 {
		limit := deps.MaxUploadBytes + multipartOverhead
		if r.ContentLength > limit {
			writeEngineError(r, w, source.ErrTooLarge, nil)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeEngineError(r, w, err, nil)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_UPLOAD", "expected a multipart form with a file field", false, map[string]any{"details": err.Error()})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadField)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "FILE_REQUIRED", "multipart field \"file\" is required", false, nil)
		return
	}
	defer func() { _ = file.Close() }()

	info, err := deps.Assistant.InitSession(r.Context(), auth.OwnerFromContext(r.Context()), source.Upload{
		Filename: header.Filename,
		Kind:     source.Kind(strings.ToLower(strings.TrimSpace(r.FormValue("kind")))),
		Data:     file,
	})
	if err != nil {
		writeEngineError(r, w, err, map[string]any{"filename": header.Filename})
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	described, err := deps.Assistant.Schema(r.Context(), auth.OwnerFromContext(r.Context()), sessionID)
	if err != nil {
		writeEngineError(r, w, err, map[string]any{"session_id": sessionID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "schema": described})
}

func handleResetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if err := deps.Assistant.ResetSession(r.Context(), auth.OwnerFromContext(r.Context()), sessionID); err != nil {
		writeEngineError(r, w, err, map[string]any{"session_id": sessionID})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request askRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	ask := assistant.AskRequest{SessionID: r.PathValue("id"), Question: request.Question}
	if request.History != nil {
		ask.History = &prompt.PriorTurn{Question: request.History.Question, SQL: request.History.SQL}
	}
	result, err := deps.Assistant.Ask(r.Context(), auth.OwnerFromContext(r.Context()), ask)
	writeAskResult(r, w, result, err)
}

func handleRunPreset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	result, err := deps.Assistant.RunPreset(r.Context(), auth.OwnerFromContext(r.Context()), r.PathValue("id"), r.PathValue("preset"))
	writeAskResult(r, w, result, err)
}

// writeAskResult keeps the partial result of a failed ask in the error
// context so callers can still show the generated SQL.
func writeAskResult(r *http.Request, w http.ResponseWriter, result assistant.QueryResult, err error) {
	if err != nil {
		writeEngineError(r, w, err, map[string]any{"result": result})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func handleRunQuery(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request sqlRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid query request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	result, err := deps.Assistant.RunSQL(r.Context(), auth.OwnerFromContext(r.Context()), r.PathValue("id"), request.SQL)
	writeAskResult(r, w, result, err)
}

func handleSessionHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	turns, err := deps.Assistant.History(r.Context(), auth.OwnerFromContext(r.Context()), sessionID)
	if err != nil {
		writeEngineError(r, w, err, map[string]any{"session_id": sessionID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "turns": turns})
}

func handleOwnerHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxHistoryLimit {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", fmt.Sprintf("limit must be between 1 and %d", maxHistoryLimit), false, nil)
			return
		}
		limit = parsed
	}
	owner := auth.OwnerFromContext(r.Context())
	entries, err := deps.Assistant.OwnerHistory(r.Context(), owner, limit)
	if err != nil {
		writeEngineError(r, w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"owner": owner, "entries": historyResponse(entries)})
}

func historyResponse(entries []history.Entry) []historyEntryResponse {
	out := make([]historyEntryResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, historyEntryResponse{
			RequestID:  entry.RequestID,
			SessionID:  entry.SessionID,
			Question:   entry.Question,
			SQL:        entry.SQL,
			Stage:      entry.Stage,
			Reason:     entry.Reason,
			RowCount:   entry.RowCount,
			Truncated:  entry.Truncated,
			DurationMs: entry.Duration.Milliseconds(),
			CreatedAt:  entry.CreatedAt,
		})
	}
	return out
}

func handleListPresets(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	list, err := deps.Assistant.Presets(r.Context(), auth.OwnerFromContext(r.Context()), sessionID)
	if err != nil {
		writeEngineError(r, w, err, map[string]any{"session_id": sessionID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"presets": list})
}

func handleExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var request sqlRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid export request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	sessionID := r.PathValue("id")
	encoded, err := deps.Assistant.ExportParquet(r.Context(), auth.OwnerFromContext(r.Context()), sessionID, request.SQL)
	if err != nil {
		writeEngineError(r, w, err, map[string]any{"session_id": sessionID})
		return
	}
	w.Header().Set("Content-Type", export.ContentTypeParquet)
	w.Header().Set("Content-Disposition", exportFilenameHeader)
	w.Header().Set("X-Record-Count", strconv.FormatInt(encoded.RecordCount, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(encoded.Data)
}
