package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/markdave123-py/contexta-ingest/internal/core/search"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

type SearchHandler struct {
	search *search.Service
}

func NewSearchHandler(s *search.Service) *SearchHandler {
	return &SearchHandler{search: s}
}

type SearchRequest struct {
	Query     string    `json:"query"`
	Vector    []float32 `json:"vector,omitempty"`
	Threshold float64   `json:"threshold"`
	Limit     int       `json:"limit"`
}

type searchResponse struct {
	Results []models.SearchResult `json:"results"`
}

type searchFunc func(context.Context, search.Request) ([]models.SearchResult, error)

func (h *SearchHandler) Text(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.search.Text)
}

func (h *SearchHandler) Multimodal(w http.ResponseWriter, r *http.Request) {
	h.run(w, r, h.search.Multimodal)
}

func (h *SearchHandler) run(w http.ResponseWriter, r *http.Request, fn searchFunc) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	results, err := fn(r.Context(), search.Request{
		OwnerID:   ownerID,
		Query:     req.Query,
		Vector:    req.Vector,
		Threshold: req.Threshold,
		Limit:     req.Limit,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	if results == nil {
		results = []models.SearchResult{}
	}
	writeJSON(w, http.StatusOK, searchResponse{Results: results})
}
