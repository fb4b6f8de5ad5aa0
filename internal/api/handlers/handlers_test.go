package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	middleware "github.com/markdave123-py/contexta-ingest/internal/api/middlewares"
	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/llm/mock"
	"github.com/markdave123-py/contexta-ingest/internal/core/memstore"
	objectclient "github.com/markdave123-py/contexta-ingest/internal/core/object-client"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/core/search"
	"github.com/markdave123-py/contexta-ingest/internal/dispatch"
	"github.com/markdave123-py/contexta-ingest/internal/models"
	"github.com/markdave123-py/contexta-ingest/internal/services"
)

const (
	bucket      = "contexta-docs"
	ownerHeader = "X-Test-Owner"
)

type recordingLauncher struct{ ids []string }

func (l *recordingLauncher) Launch(_ context.Context, id string) error {
	l.ids = append(l.ids, id)
	return nil
}

type env struct {
	store    *memstore.Store
	launcher *recordingLauncher
	router   http.Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	storage, err := objectclient.NewLocalClient(t.TempDir())
	require.NoError(t, err)

	e := &env{store: memstore.New(), launcher: &recordingLauncher{}}
	tracker := jobstatus.NewTracker(e.store, 3)
	exec := retry.NewExecutor(retry.DefaultPolicies(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))

	// Uploads are dispatched by storage events here, not launched inline.
	docs := services.NewDocumentService(e.store, storage, tracker, nil, bucket)
	jobs := services.NewJobService(e.store, tracker, 0)
	docH := NewDocumentHandler(docs, jobs)
	jobH := NewJobHandler(jobs)
	searchH := NewSearchHandler(search.NewService(e.store, mock.NewTextEmbedder(), nil, exec))
	eventH := NewEventHandler(dispatch.NewDispatcher(e.store, e.launcher, nil))

	r := chi.NewRouter()
	r.Post("/events/storage", eventH.ObjectCreated)
	r.Group(func(p chi.Router) {
		p.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if o := r.Header.Get(ownerHeader); o != "" {
					r = r.WithContext(middleware.WithOwner(r.Context(), o))
				}
				next.ServeHTTP(w, r)
			})
		})
		p.Post("/api/documents/upload", docH.UploadDocument)
		p.Get("/api/documents", docH.GetDocuments)
		p.Get("/api/documents/{id}", docH.GetDocument)
		p.Delete("/api/documents/{id}", docH.DeleteDocument)
		p.Get("/api/jobs", jobH.ListJobs)
		p.Get("/api/jobs/active", jobH.ActiveJobs)
		p.Get("/api/jobs/{id}", jobH.GetJob)
		p.Post("/api/jobs/{id}/cancel", jobH.CancelJob)
		p.Post("/api/search/text", searchH.Text)
		p.Post("/api/search/multimodal", searchH.Multimodal)
	})
	e.router = r
	return e
}

func (e *env) do(t *testing.T, method, path, owner string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if owner != "" {
		req.Header.Set(ownerHeader, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *env) upload(t *testing.T, owner, name, mime, content string) uploadResponse {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	h.Set("Content-Type", mime)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := e.do(t, http.MethodPost, "/api/documents/upload", owner, &buf, mw.FormDataContentType())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var out uploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewBuffer(b)
}

func TestUpload_ReturnsPendingJob(t *testing.T) {
	e := newEnv(t)
	out := e.upload(t, "alice", "notes.md", "text/markdown", "# Title\n\nbody")

	assert.Equal(t, "notes.md", out.Document.FileName)
	assert.Equal(t, models.CategoryDocument, out.Document.Category)
	assert.Equal(t, models.JobPending, out.Job.Status)
	assert.Equal(t, 0, out.Job.Progress)
	assert.False(t, out.Job.Terminal)
}

func TestUpload_RequiresOwnerAndFile(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/api/documents/upload", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/documents/upload", "alice", bytes.NewBufferString("x"), "text/plain")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocuments_OwnerScoped(t *testing.T) {
	e := newEnv(t)
	out := e.upload(t, "alice", "a.txt", "text/plain", "hello")

	rec := e.do(t, http.MethodGet, "/api/documents", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Document](t, rec), 1)

	rec = e.do(t, http.MethodGet, "/api/documents", "bob", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())

	rec = e.do(t, http.MethodGet, "/api/documents/"+out.Document.ID, "bob", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodDelete, "/api/documents/"+out.Document.ID, "alice", nil, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = e.do(t, http.MethodGet, "/api/documents/"+out.Document.ID, "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobs_StatusReadPath(t *testing.T) {
	e := newEnv(t)
	a := e.upload(t, "alice", "a.txt", "text/plain", "a")
	b := e.upload(t, "alice", "b.txt", "text/plain", "b")

	rec := e.do(t, http.MethodGet, "/api/jobs?ids="+b.Job.ID+","+a.Job.ID+"&ids=unknown", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[jobsResponse](t, rec)
	require.Len(t, list.Jobs, 2)
	assert.Equal(t, b.Job.ID, list.Jobs[0].ID)

	rec = e.do(t, http.MethodGet, "/api/jobs?ids="+a.Job.ID, "bob", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[jobsResponse](t, rec).Jobs)

	rec = e.do(t, http.MethodGet, "/api/jobs", "alice", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/jobs/"+a.Job.ID+"/cancel", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobCancelled, decode[services.JobView](t, rec).Status)

	rec = e.do(t, http.MethodPost, "/api/jobs/"+a.Job.ID+"/cancel", "alice", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/jobs/active", "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	active := decode[jobsResponse](t, rec)
	require.Len(t, active.Jobs, 1)
	assert.Equal(t, b.Job.ID, active.Jobs[0].ID)

	rec = e.do(t, http.MethodGet, "/api/jobs/"+a.Job.ID, "alice", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[services.JobView](t, rec)
	assert.True(t, view.Terminal)
	require.NotNil(t, view.Error)
}

func TestEvents_LaunchUploadedJob(t *testing.T) {
	e := newEnv(t)
	out := e.upload(t, "alice", "a.txt", "text/plain", "hello")

	body := `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"` + bucket +
		`"},"object":{"key":"` + out.Document.StorageKey + `","size":5,"eTag":"e1","sequencer":"01"}}}]}`
	rec := e.do(t, http.MethodPost, "/events/storage", "", bytes.NewBufferString(body), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[eventsResponse](t, rec)
	require.Len(t, res.Results, 1)
	assert.Equal(t, dispatch.OutcomeLaunched, res.Results[0].Outcome)
	assert.Equal(t, []string{out.Job.ID}, e.launcher.ids)
}

func TestEvents_Malformed(t *testing.T) {
	e := newEnv(t)
	rec := e.do(t, http.MethodPost, "/events/storage", "", bytes.NewBufferString(`{"Records":[`), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearch_Text(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := &models.Document{ID: "d1", OwnerID: "alice", FileName: "guide.md", StorageBucket: bucket, StorageKey: "k", Status: models.DocumentUploading}
	job := &models.ProcessingJob{ID: "j1", DocumentID: "d1", Status: models.JobPending, MaxRetryCount: 3}
	require.NoError(t, e.store.CreateDocumentWithJob(ctx, doc, job))
	_, err := e.store.CommitChunks(ctx, "j1", core.JobExpectation{}, []models.Chunk{
		{ID: "c1", OwnerID: "alice", DocumentID: "d1", Content: "install guide", TextEmbedding: mock.Vector("install guide", models.TextEmbeddingDim)},
	})
	require.NoError(t, err)
	_, err = e.store.CompleteJob(ctx, "j1", core.JobExpectation{}, nil)
	require.NoError(t, err)

	rec := e.do(t, http.MethodPost, "/api/search/text", "alice", jsonBody(t, SearchRequest{Query: "install guide", Threshold: 0.99}), "application/json")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[searchResponse](t, rec)
	require.Len(t, res.Results, 1)
	assert.Equal(t, "c1", res.Results[0].ChunkID)

	rec = e.do(t, http.MethodPost, "/api/search/text", "bob", jsonBody(t, SearchRequest{Query: "install guide"}), "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[searchResponse](t, rec).Results)
}

func TestSearch_Errors(t *testing.T) {
	e := newEnv(t)
	cases := []struct {
		name string
		path string
		body string
		code int
	}{
		{"bad json", "/api/search/text", `{`, http.StatusBadRequest},
		{"empty query", "/api/search/text", `{"query":"  "}`, http.StatusBadRequest},
		{"bad threshold", "/api/search/text", `{"query":"x","threshold":2}`, http.StatusBadRequest},
		{"wrong width", "/api/search/text", `{"vector":[1,2,3]}`, http.StatusBadRequest},
		{"no multimodal embedder", "/api/search/multimodal", `{"query":"x"}`, http.StatusNotImplemented},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, tc.path, "alice", bytes.NewBufferString(tc.body), "application/json")
			assert.Equal(t, tc.code, rec.Code, rec.Body.String())
			assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))
		})
	}
}
