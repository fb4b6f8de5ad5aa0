package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/markdave123-py/contexta-ingest/internal/services"
)

// maxJobIDs bounds one status poll.
const maxJobIDs = 100

type JobHandler struct {
	jobs *services.JobService
}

func NewJobHandler(jobs *services.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type jobsResponse struct {
	Jobs []services.JobView `json:"jobs"`
}

// ListJobs returns the jobs named by ?ids=a,b,c. Ids that are unknown or
// belong to another owner are left out.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	var ids []string
	for _, v := range r.URL.Query()["ids"] {
		ids = append(ids, strings.Split(v, ",")...)
	}
	if len(ids) == 0 {
		writeError(w, http.StatusBadRequest, "ids is required")
		return
	}
	if len(ids) > maxJobIDs {
		writeError(w, http.StatusBadRequest, "too many ids")
		return
	}
	views, err := h.jobs.List(r.Context(), ownerID, ids)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: orEmpty(views)})
}

func (h *JobHandler) ActiveJobs(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	views, err := h.jobs.Active(r.Context(), ownerID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobsResponse{Jobs: orEmpty(views)})
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	view, err := h.jobs.Get(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := owner(w, r)
	if !ok {
		return
	}
	view, err := h.jobs.Cancel(r.Context(), ownerID, chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func orEmpty(v []services.JobView) []services.JobView {
	if v == nil {
		return []services.JobView{}
	}
	return v
}
