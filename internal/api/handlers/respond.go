package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	middleware "github.com/markdave123-py/contexta-ingest/internal/api/middlewares"
	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/search"
	"github.com/markdave123-py/contexta-ingest/internal/dispatch"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorBody{Error: msg})
}

// fail maps service errors to status codes. Unexpected errors are logged
// and reported without detail.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, jobstatus.ErrAlreadyTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, services.ErrOwnerRequired),
		errors.Is(err, services.ErrFileNameRequired),
		errors.Is(err, search.ErrEmptyQuery),
		errors.Is(err, search.ErrBadThreshold),
		errors.Is(err, core.ErrDimensionMismatch),
		errors.Is(err, dispatch.ErrMalformedEvent):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, search.ErrNoEmbedder):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// owner returns the authenticated owner or writes 401.
func owner(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := middleware.OwnerFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "user_id not found in context")
	}
	return id, ok
}
