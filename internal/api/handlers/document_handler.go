package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/contexta-ingest/internal/models"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

const (
	maxUploadBytes  = 512 << 20
	multipartMemory = 32 << 20
	uploadTimeout   = 5 * time.Minute
)

type DocumentHandler struct {
	docs *services.DocumentService
	jobs *services.JobService
}

func NewDocumentHandler(docs *services.DocumentService, jobs *services.JobService) *DocumentHandler {
	return &DocumentHandler{docs: docs, jobs: jobs}
}

type uploadResponse struct {
	Document *models.Document `json:"document"`
	Job      services.JobView `json:"job"`
}

// UploadDocument accepts a multipart "file" field, stores it and creates
// its pending job. Processing is asynchronous, so the response is 202.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file")
		return
	}
	defer file.Close()

	ctx, cancel := context.WithTimeout(r.Context(), uploadTimeout)
	defer cancel()

	doc, job, err := h.docs.UploadAndCreate(ctx, services.Upload{
		OwnerID:     ownerID,
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{Document: doc, Job: h.jobs.View(*job)})
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	documents, err := h.docs.ListByOwner(r.Context(), ownerID)
	if err != nil {
		fail(w, r, err)
		return
	}
	if documents == nil {
		documents = []models.Document{}
	}
	writeJSON(w, http.StatusOK, documents)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	doc, err := h.docs.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	if err := h.docs.Delete(r.Context(), ownerID, chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
