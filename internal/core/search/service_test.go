package search

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/llm/mock"
	"github.com/markdave123-py/contexta-ingest/internal/core/memstore"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

func ptr[T any](v T) *T { return &v }

// publish stores one completed document owned by owner with the given chunks.
func publish(t *testing.T, s *memstore.Store, owner, docID string, chunks ...models.Chunk) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{
		ID: docID, OwnerID: owner, FileName: docID + ".md", Category: models.CategoryDocument,
		StorageBucket: "bucket", StorageKey: docID, Status: models.DocumentUploading,
	}
	job := &models.ProcessingJob{ID: "job-" + docID, DocumentID: docID, Status: models.JobPending, MaxRetryCount: 3}
	require.NoError(t, s.CreateDocumentWithJob(ctx, doc, job))

	processing := core.JobExpectation{Statuses: []models.JobStatus{models.JobProcessing}}
	_, err := s.TransitionJob(ctx, job.ID, core.JobExpectation{}, core.JobUpdate{Status: ptr(models.JobProcessing)})
	require.NoError(t, err)
	for i := range chunks {
		chunks[i].OwnerID, chunks[i].DocumentID, chunks[i].Index = owner, docID, i
	}
	_, err = s.CommitChunks(ctx, job.ID, processing, chunks)
	require.NoError(t, err)
	_, err = s.CompleteJob(ctx, job.ID, processing, nil)
	require.NoError(t, err)
}

func textChunk(id, content string) models.Chunk {
	return models.Chunk{ID: id, Content: content, TextEmbedding: mock.Vector(content, models.TextEmbeddingDim)}
}

func noSleep() *retry.Executor {
	return retry.NewExecutor(retry.DefaultPolicies(), retry.WithSleep(func(context.Context, time.Duration) error { return nil }))
}

func TestText_EmbedsQueryAndScopesOwner(t *testing.T) {
	store := memstore.New()
	publish(t, store, "alice", "doc-a", textChunk("a0", "install guide"), textChunk("a1", "release notes"))
	publish(t, store, "bob", "doc-b", textChunk("b0", "install guide"))

	embedder := mock.NewTextEmbedder()
	svc := NewService(store, embedder, nil, noSleep())

	res, err := svc.Text(context.Background(), Request{OwnerID: "alice", Query: "install guide", Threshold: 0.99})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "a0", res[0].ChunkID)
	assert.InDelta(t, 1.0, res[0].Similarity, 1e-6)
	assert.Equal(t, []string{"install guide"}, embedder.Texts())
}

func TestText_RawVectorSkipsEmbedder(t *testing.T) {
	store := memstore.New()
	publish(t, store, "alice", "doc-a", textChunk("a0", "install guide"))
	embedder := mock.NewTextEmbedder()
	svc := NewService(store, embedder, nil, noSleep())

	res, err := svc.Text(context.Background(), Request{
		OwnerID: "alice",
		Query:   "ignored",
		Vector:  mock.Vector("install guide", models.TextEmbeddingDim),
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Zero(t, embedder.CallCount())
}

func TestMultimodal_MatchesVisualContext(t *testing.T) {
	store := memstore.New()
	publish(t, store, "alice", "doc-v", models.Chunk{
		ID:                  "v0",
		Content:             "welcome to the demo",
		Context:             "a red bicycle leaning on a wall",
		MultimodalEmbedding: mock.Vector("a red bicycle leaning on a wall", models.MultimodalEmbeddingDim),
	})
	svc := NewService(store, nil, mock.NewMultimodalEmbedder(), noSleep())

	res, err := svc.Multimodal(context.Background(), Request{OwnerID: "alice", Query: "a red bicycle leaning on a wall", Threshold: 0.9})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "welcome to the demo", res[0].Content)
	assert.Equal(t, "a red bicycle leaning on a wall", res[0].Context)
}

func TestRequestValidation(t *testing.T) {
	svc := NewService(memstore.New(), mock.NewTextEmbedder(), nil, noSleep())
	ctx := context.Background()

	_, err := svc.Text(ctx, Request{Query: "x"})
	assert.ErrorIs(t, err, ErrOwnerRequired)

	_, err = svc.Text(ctx, Request{OwnerID: "alice", Query: "  "})
	assert.ErrorIs(t, err, ErrEmptyQuery)

	_, err = svc.Text(ctx, Request{OwnerID: "alice", Query: "x", Threshold: 1.5})
	assert.ErrorIs(t, err, ErrBadThreshold)

	_, err = svc.Text(ctx, Request{OwnerID: "alice", Vector: make([]float32, 1408)})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	_, err = svc.Multimodal(ctx, Request{OwnerID: "alice", Query: "x"})
	assert.ErrorIs(t, err, ErrNoEmbedder)
}

func TestPrepare_LimitBounds(t *testing.T) {
	svc := NewService(memstore.New(), nil, nil, noSleep())
	vec := make([]float32, models.TextEmbeddingDim)
	vec[0] = 1

	for _, tc := range []struct{ in, want int }{{0, DefaultLimit}, {-3, DefaultLimit}, {25, 25}, {1000, MaxLimit}} {
		q, err := svc.prepare(context.Background(), Request{OwnerID: "alice", Vector: vec, Limit: tc.in}, models.TextSpace, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.want, q.Limit, "limit %d", tc.in)
	}
}

func TestText_QueryEmbeddingRetriedOnce(t *testing.T) {
	calls := 0
	embedder := &mock.TextEmbedder{EmbedTextsFunc: func(context.Context, []string) ([][]float32, error) {
		calls++
		return nil, retry.New(retry.ClassTransient, errors.New("upstream 503"))
	}}
	svc := NewService(memstore.New(), embedder, nil, noSleep())

	_, err := svc.Text(context.Background(), Request{OwnerID: "alice", Query: "x"})
	var re *retry.Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, retry.ClassTransient, re.Class)
	assert.Equal(t, 2, calls)
}
