package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/llm/mock"
	"github.com/markdave123-py/contexta-ingest/internal/core/memstore"
	objectclient "github.com/markdave123-py/contexta-ingest/internal/core/object-client"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

const testBucket = "uploads"

// recorder keeps every job state the store accepted.
type recorder struct {
	*memstore.Store

	mu     sync.Mutex
	states []models.ProcessingJob
}

func (r *recorder) TransitionJob(ctx context.Context, id string, exp core.JobExpectation, upd core.JobUpdate) (*models.ProcessingJob, error) {
	job, err := r.Store.TransitionJob(ctx, id, exp, upd)
	if err == nil {
		r.mu.Lock()
		r.states = append(r.states, *job)
		r.mu.Unlock()
	}
	return job, err
}

func (r *recorder) statuses() []models.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.JobStatus, len(r.states))
	for i, s := range r.states {
		out[i] = s.Status
	}
	return out
}

func (r *recorder) snapshot() []models.ProcessingJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ProcessingJob(nil), r.states...)
}

type fixture struct {
	store    *recorder
	objects  *objectclient.LocalClient
	tracker  *jobstatus.Tracker
	text     *mock.TextEmbedder
	mm       *mock.MultimodalEmbedder
	analyzer *mock.MediaAnalyzer
	splitter *mock.Splitter
	cfg      *IngestConfig
	seq      int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	objects, err := objectclient.NewLocalClient(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store:    &recorder{Store: memstore.New()},
		objects:  objects,
		text:     mock.NewTextEmbedder(),
		mm:       mock.NewMultimodalEmbedder(),
		analyzer: mock.NewMediaAnalyzer(),
		splitter: mock.NewSplitter(0),
		cfg:      &IngestConfig{ScratchDir: t.TempDir()},
	}
	f.tracker = jobstatus.NewTracker(f.store, 5)
	return f
}

func (f *fixture) ingestor() *DocumentIngestor {
	noSleep := func(context.Context, time.Duration) error { return nil }
	exec := retry.NewExecutor(retry.DefaultPolicies(), retry.WithSleep(noSleep))
	return NewDocumentIngestor(f.store, f.objects, f.tracker, exec, Providers{
		Extractor:  NewDocconvExtractor(false),
		Text:       f.text,
		Multimodal: f.mm,
		Analyzer:   f.analyzer,
		Splitter:   f.splitter,
	}, f.cfg, WithSleep(noSleep))
}

func (f *fixture) upload(t *testing.T, name, mimeType string, data []byte) *models.ProcessingJob {
	t.Helper()
	f.seq++
	doc := &models.Document{
		ID:            fmt.Sprintf("doc-%d", f.seq),
		OwnerID:       "owner-1",
		FileName:      name,
		SizeBytes:     int64(len(data)),
		MimeType:      mimeType,
		StorageBucket: testBucket,
		StorageKey:    fmt.Sprintf("users/owner-1/documents/doc-%d/%s", f.seq, name),
		Status:        models.DocumentUploading,
	}
	job := &models.ProcessingJob{
		ID:            fmt.Sprintf("job-%d", f.seq),
		DocumentID:    doc.ID,
		Status:        models.JobPending,
		Stage:         "pending",
		MaxRetryCount: 5,
	}
	ctx := context.Background()
	require.NoError(t, f.store.CreateDocumentWithJob(ctx, doc, job))
	_, err := f.objects.UploadFile(ctx, testBucket, doc.StorageKey, bytes.NewReader(data), mimeType)
	require.NoError(t, err)
	return job
}

func (f *fixture) job(t *testing.T, id string) *models.ProcessingJob {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (f *fixture) doc(t *testing.T, id string) *models.Document {
	t.Helper()
	doc, err := f.store.GetDocument(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func count(statuses []models.JobStatus, s models.JobStatus) int {
	n := 0
	for _, x := range statuses {
		if x == s {
			n++
		}
	}
	return n
}

func assertMonotone(t *testing.T, states []models.ProcessingJob) {
	t.Helper()
	for i := 1; i < len(states); i++ {
		assert.GreaterOrEqual(t, states[i].Progress, states[i-1].Progress, "state %d", i)
	}
}

const manual = `# Introduction
Contexta turns uploads into searchable chunks.
It keeps every section together.

## Setup
Install the worker and point it at a bucket.

## Usage
Upload a file and poll the job until it is processed.
`

func TestProcessJob_DocumentStages(t *testing.T) {
	f := newFixture(t)
	job := f.upload(t, "manual.md", "text/markdown", []byte(manual))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobProcessed, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Zero(t, got.RetryCount)

	doc := f.doc(t, got.DocumentID)
	assert.Equal(t, models.DocumentCompleted, doc.Status)
	assert.Equal(t, 3, doc.ChunkCount)

	var stages []string
	var prog []int
	for _, s := range f.store.snapshot() {
		if len(stages) == 0 || stages[len(stages)-1] != s.Stage {
			stages = append(stages, s.Stage)
			prog = append(prog, s.Progress)
		}
	}
	assert.Equal(t, []string{"pending", "downloading", "extracting", "storing"}, stages)
	assert.Equal(t, []int{0, 20, 70, 95}, prog)
	assertMonotone(t, f.store.snapshot())

	chunks := f.store.Chunks(doc.ID)
	require.Len(t, chunks, 3)
	assert.Equal(t, "Introduction > Setup", chunks[1].Context)
	assert.Contains(t, chunks[1].Content, "Install the worker")
	for i, c := range chunks {
		assert.Equal(t, i, c.Index)
		space, ok := c.Space()
		require.True(t, ok)
		assert.Equal(t, models.TextSpace, space)
	}
}

func TestProcessJob_ImageProducesOneMultimodalChunk(t *testing.T) {
	f := newFixture(t)
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))))
	f.analyzer.DescribeImageFunc = func(context.Context, core.Media) (core.ImageAnalysis, error) {
		return core.ImageAnalysis{Description: "a whiteboard diagram", Text: "Q3 roadmap"}, nil
	}
	job := f.upload(t, "board.png", "image/png", buf.Bytes())

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	assert.Equal(t, models.JobProcessed, f.job(t, job.ID).Status)
	chunks := f.store.Chunks(job.DocumentID)
	require.Len(t, chunks, 1)
	assert.Equal(t, "Q3 roadmap", chunks[0].Content)
	assert.Equal(t, "a whiteboard diagram", chunks[0].Context)
	assert.Equal(t, 4, chunks[0].Metadata["width"])
	assert.Len(t, chunks[0].MultimodalEmbedding, models.MultimodalEmbeddingDim)
	assert.Empty(t, chunks[0].TextEmbedding)

	inputs := f.mm.Inputs()
	require.Len(t, inputs, 1)
	require.NotNil(t, inputs[0].Media)
	assert.Equal(t, "image/png", inputs[0].Media.MimeType)
}

func TestProcessJob_VideoBatchInterpolation(t *testing.T) {
	f := newFixture(t)
	f.splitter.DurationSeconds = 600
	f.cfg.VideoBatch = time.Minute
	job := f.upload(t, "talk.mp4", "video/mp4", []byte("fake video"))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	require.Equal(t, models.JobProcessed, got.Status)

	found := false
	for _, s := range f.store.snapshot() {
		if s.Stage == "processing" && s.StageIndex == 3 && s.StageTotal == 10 {
			assert.Equal(t, 35, s.Progress)
			found = true
		}
	}
	assert.True(t, found, "batch 3 of 10 was reported")
	assertMonotone(t, f.store.snapshot())

	chunks := f.store.Chunks(job.DocumentID)
	require.Len(t, chunks, 10)
	assert.Equal(t, "transcript 1", chunks[0].Content)
	assert.Equal(t, "scene 1", chunks[0].Context)
	assert.Equal(t, 10, chunks[9].Metadata["batches"])
	assert.Len(t, chunks[0].MultimodalEmbedding, models.MultimodalEmbeddingDim)
}

func TestProcessJob_TransientEmbeddingFailuresRetry(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.text.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls <= 2 {
			return nil, retry.New(retry.ClassTransient, errors.New("503 service unavailable"))
		}
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = mock.Vector(s, models.TextEmbeddingDim)
		}
		return out, nil
	}
	job := f.upload(t, "manual.md", "text/markdown", []byte(manual))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobProcessed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, 2, count(f.store.statuses(), models.JobRetryPending))
	assert.LessOrEqual(t, got.RetryCount, got.MaxRetryCount)
}

func TestProcessJob_FailedBatchAfterCommitIsPartiallyProcessed(t *testing.T) {
	f := newFixture(t)
	f.cfg.BatchSize = 1
	calls := 0
	f.text.EmbedTextsFunc = func(_ context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls == 2 {
			return nil, retry.New(retry.ClassRateLimited, errors.New("429"))
		}
		out := make([][]float32, len(texts))
		for i, s := range texts {
			out[i] = mock.Vector(s, models.TextEmbeddingDim)
		}
		return out, nil
	}
	job := f.upload(t, "manual.md", "text/markdown", []byte(manual))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	var waiting *models.ProcessingJob
	for _, s := range f.store.snapshot() {
		if s.Status == models.JobPartiallyProcessed {
			waiting = &s
		}
	}
	require.NotNil(t, waiting)
	assert.Equal(t, 1, waiting.CommittedChunks)

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobProcessed, got.Status)
	assert.Len(t, f.store.Chunks(job.DocumentID), 3)
}

func TestProcessJob_UnsupportedTypeFailsImmediately(t *testing.T) {
	f := newFixture(t)
	job := f.upload(t, "setup.exe", "application/x-msdownload", []byte("MZ"))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobError, got.Status)
	assert.Equal(t, string(retry.ClassValidation), got.ErrorType)
	assert.Zero(t, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "unsupported file type")
	assert.Equal(t, []models.JobStatus{models.JobError}, f.store.statuses())
	assert.Equal(t, models.DocumentError, f.doc(t, got.DocumentID).Status)
}

func TestProcessJob_EmptyDocumentIsValidationError(t *testing.T) {
	f := newFixture(t)
	job := f.upload(t, "blank.txt", "text/plain", []byte("  \n\n "))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobError, got.Status)
	assert.Equal(t, string(retry.ClassValidation), got.ErrorType)
	assert.Zero(t, got.RetryCount)
}

func TestProcessJob_ValidationAfterTransientRetryHasZeroRetries(t *testing.T) {
	f := newFixture(t)
	calls := 0
	f.text.EmbedTextsFunc = func(context.Context, []string) ([][]float32, error) {
		calls++
		if calls == 1 {
			return nil, retry.New(retry.ClassTransient, errors.New("503 service unavailable"))
		}
		return nil, retry.Validation("the document contains text the embedding model rejects", errors.New("400 invalid input"))
	}
	job := f.upload(t, "manual.md", "text/markdown", []byte(manual))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	assert.Equal(t, 1, count(f.store.statuses(), models.JobRetryPending))
	got := f.job(t, job.ID)
	assert.Equal(t, models.JobError, got.Status)
	assert.Equal(t, string(retry.ClassValidation), got.ErrorType)
	assert.Zero(t, got.RetryCount)
	assert.Zero(t, got.MaxRetryCount)
	assert.Empty(t, f.store.Chunks(job.DocumentID))
}

func TestProcessJob_ExhaustedRetriesEndInError(t *testing.T) {
	f := newFixture(t)
	f.text.EmbedTextsFunc = func(context.Context, []string) ([][]float32, error) {
		return nil, retry.New(retry.ClassTransient, errors.New("provider down"))
	}
	job := f.upload(t, "manual.md", "text/markdown", []byte(manual))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobError, got.Status)
	assert.Equal(t, got.MaxRetryCount, got.RetryCount)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, string(retry.ClassTransient), got.ErrorType)
	assert.NotContains(t, got.ErrorMessage, "provider down")
	assert.Contains(t, got.ErrorDetail, "provider down")
	assert.Empty(t, f.store.Chunks(job.DocumentID))
}

func TestProcessJob_CancelledMidway(t *testing.T) {
	f := newFixture(t)
	f.splitter.DurationSeconds = 360
	job := f.upload(t, "call.mp3", "audio/mpeg", []byte("fake audio"))

	f.analyzer.TranscribeFunc = func(ctx context.Context, _ core.Media) (string, error) {
		_, err := f.tracker.Cancel(ctx, job.ID)
		require.NoError(t, err)
		return "hello", nil
	}

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobCancelled, got.Status)
	assert.Empty(t, f.store.Chunks(job.DocumentID))
	_, transcripts, _ := f.analyzer.Calls()
	assert.Equal(t, 1, transcripts, "work stops at the next checkpoint")
}

func TestProcessJob_SkipsFailedAudioSegment(t *testing.T) {
	f := newFixture(t)
	f.splitter.DurationSeconds = 360
	f.analyzer.TranscribeFunc = func(_ context.Context, m core.Media) (string, error) {
		if strings.Contains(string(m.Data), "[120-240]") {
			return "", retry.New(retry.ClassTransient, errors.New("transcription backend error"))
		}
		return "words " + string(m.Data), nil
	}
	job := f.upload(t, "call.mp3", "audio/mpeg", []byte("fake audio"))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobProcessed, got.Status)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "segment 2 of 3")

	chunks := f.store.Chunks(job.DocumentID)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Context, "0:00 to 2:00")
	assert.Contains(t, chunks[1].Context, "4:00 to 6:00")
	assert.Len(t, chunks[0].TextEmbedding, models.TextEmbeddingDim)
}

func TestProcessJob_CancelledWhileProbingDuration(t *testing.T) {
	f := newFixture(t)
	job := f.upload(t, "call.mp3", "audio/mpeg", []byte("fake audio"))
	f.splitter.DurationFunc = func(ctx context.Context, _ string) (float64, error) {
		_, err := f.tracker.Cancel(ctx, job.ID)
		require.NoError(t, err)
		return 360, nil
	}

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	assert.Equal(t, models.JobCancelled, f.job(t, job.ID).Status)
	assert.Empty(t, f.splitter.Windows(), "no segment is cut after cancellation")
	_, transcripts, _ := f.analyzer.Calls()
	assert.Zero(t, transcripts)
}

func TestProcessJob_TransientProbeFailureRetriesInPlace(t *testing.T) {
	f := newFixture(t)
	probes := 0
	f.splitter.DurationFunc = func(context.Context, string) (float64, error) {
		probes++
		if probes == 1 {
			return 0, retry.New(retry.ClassTransient, errors.New("ffprobe: resource temporarily unavailable"))
		}
		return 100, nil
	}
	job := f.upload(t, "memo.mp3", "audio/mpeg", []byte("fake audio"))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobProcessed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 2, probes)
}

// cutExcept writes a placeholder segment for every window but the one
// starting at badStart, which fails with err.
func cutExcept(badStart float64, err error) func(context.Context, string, core.Window, string) (string, error) {
	return func(_ context.Context, _ string, w core.Window, dstDir string) (string, error) {
		if w.Start == badStart {
			return "", err
		}
		dst := filepath.Join(dstDir, fmt.Sprintf("part-%03d", w.Index))
		if werr := os.WriteFile(dst, []byte(fmt.Sprintf("[%.0f-%.0f]", w.Start, w.End)), 0o600); werr != nil {
			return "", werr
		}
		return dst, nil
	}
}

func TestProcessJob_FailedAudioCutSkipsSegment(t *testing.T) {
	f := newFixture(t)
	f.splitter.DurationSeconds = 360
	f.splitter.CutFunc = cutExcept(120, retry.New(retry.ClassTransient, errors.New("ffmpeg: broken pipe")))
	job := f.upload(t, "call.mp3", "audio/mpeg", []byte("fake audio"))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobProcessed, got.Status)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "segment 2 of 3")
	assert.Len(t, f.store.Chunks(job.DocumentID), 2)
	_, transcripts, _ := f.analyzer.Calls()
	assert.Equal(t, 2, transcripts)
}

func TestProcessJob_UndecodableVideoBatchIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.splitter.DurationSeconds = 180
	f.cfg.VideoBatch = time.Minute
	f.splitter.CutFunc = cutExcept(60, retry.Validation("the media file is corrupt or in an unsupported encoding",
		errors.New("ffmpeg: invalid data found when processing input")))
	job := f.upload(t, "talk.mp4", "video/mp4", []byte("fake video"))

	require.NoError(t, f.ingestor().ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobProcessed, got.Status)
	assert.Zero(t, got.RetryCount)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "batch 2 of 3")
	assert.Len(t, f.store.Chunks(job.DocumentID), 2)
}

func TestProcessJob_IgnoresTerminalAndClaimedJobs(t *testing.T) {
	f := newFixture(t)
	job := f.upload(t, "manual.md", "text/markdown", []byte(manual))
	ing := f.ingestor()

	require.NoError(t, ing.ProcessJob(context.Background(), job.ID))
	before := len(f.store.snapshot())
	require.NoError(t, ing.ProcessJob(context.Background(), job.ID))
	assert.Len(t, f.store.snapshot(), before)
}

func TestProcessJob_MissingProviderIsSystemError(t *testing.T) {
	f := newFixture(t)
	noSleep := func(context.Context, time.Duration) error { return nil }
	ing := NewDocumentIngestor(f.store, f.objects, f.tracker,
		retry.NewExecutor(nil, retry.WithSleep(noSleep)),
		Providers{Extractor: NewDocconvExtractor(false), Text: f.text}, f.cfg)
	job := f.upload(t, "clip.mp4", "video/mp4", []byte("x"))

	require.NoError(t, ing.ProcessJob(context.Background(), job.ID))

	got := f.job(t, job.ID)
	assert.Equal(t, models.JobError, got.Status)
	assert.Equal(t, string(retry.ClassSystem), got.ErrorType)
	assert.Equal(t, got.MaxRetryCount, got.RetryCount)
}
