package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/markdave123-py/contexta-ingest/internal/dispatch"
)

const maxEventBytes = 1 << 20

type EventHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger
}

func NewEventHandler(d *dispatch.Dispatcher) *EventHandler {
	return &EventHandler{dispatcher: d, logger: slog.Default().With("component", "events")}
}

type eventsResponse struct {
	Results []dispatch.Result `json:"results"`
}

// ObjectCreated receives an S3 notification. A dispatch failure answers
// 503 so the source redelivers; the events already handled are deduplicated.
func (h *EventHandler) ObjectCreated(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable event body")
		return
	}
	events, err := dispatch.ParseS3Event(body)
	if err != nil {
		fail(w, r, err)
		return
	}

	results, err := h.dispatcher.DispatchAll(r.Context(), events)
	if err != nil {
		h.logger.Error("dispatch failed", "handled", len(results), "total", len(events), "err", err)
		writeError(w, http.StatusServiceUnavailable, "dispatch failed, retry later")
		return
	}
	if results == nil {
		results = []dispatch.Result{}
	}
	writeJSON(w, http.StatusOK, eventsResponse{Results: results})
}
