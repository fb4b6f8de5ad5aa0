package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/progress"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Providers are the external services the pipelines call. Any may be nil;
// a job whose pipeline needs a missing provider fails with a system error.
type Providers struct {
	Extractor  core.DocumentExtractor
	Text       core.TextEmbedder
	Multimodal core.MultimodalEmbedder
	Analyzer   core.MediaAnalyzer
	Splitter   core.MediaSplitter
}

// DocumentIngestor runs one job at a time to a resting state: processed,
// error, cancelled, or handed back to the store after a lost claim.
//
// store:    documents, jobs and chunks.
// obj:      object storage the uploads live in.
// tracker:  every job status write.
// exec:     retry policy table.
// procs:    one processor per pipeline.
// writer:   embedding and chunk commits.
type DocumentIngestor struct {
	store   core.Store
	obj     core.ObjectClient
	tracker *jobstatus.Tracker
	exec    *retry.Executor
	tables  progress.Tables
	procs   map[models.Category]Processor
	writer  *Writer
	cfg     *IngestConfig
	now     func() time.Time
	sleep   retry.SleepFunc
	logger  *slog.Logger
}

var _ JobProcessor = (*DocumentIngestor)(nil)

// Option configures a DocumentIngestor.
type Option func(*DocumentIngestor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *DocumentIngestor) {
		if now != nil {
			i.now = now
		}
	}
}

// WithSleep replaces the wait for a job's next retry time.
func WithSleep(fn retry.SleepFunc) Option {
	return func(i *DocumentIngestor) {
		if fn != nil {
			i.sleep = fn
		}
	}
}

// WithTables replaces the stage tables.
func WithTables(t progress.Tables) Option {
	return func(i *DocumentIngestor) {
		if t != nil {
			i.tables = t
		}
	}
}

// NewDocumentIngestor wires the four pipelines over the given providers.
func NewDocumentIngestor(
	store core.Store,
	obj core.ObjectClient,
	tracker *jobstatus.Tracker,
	exec *retry.Executor,
	p Providers,
	cfg *IngestConfig,
	opts ...Option,
) *DocumentIngestor {
	cfg = cfg.withDefaults()
	i := &DocumentIngestor{
		store:   store,
		obj:     obj,
		tracker: tracker,
		exec:    exec,
		tables:  progress.DefaultTables(),
		procs:   map[models.Category]Processor{},
		writer:  NewWriter(p.Text, p.Multimodal, cfg.BatchSize),
		cfg:     cfg,
		now:     time.Now,
		sleep:   waitFor,
		logger:  slog.Default().With("component", "ingestor"),
	}
	if p.Extractor != nil {
		i.procs[models.CategoryDocument] = NewDocumentProcessor(p.Extractor, cfg)
	}
	if p.Analyzer != nil {
		i.procs[models.CategoryImage] = NewImageProcessor(p.Analyzer)
		if p.Splitter != nil {
			i.procs[models.CategoryAudio] = NewAudioProcessor(p.Analyzer, p.Splitter, cfg)
			i.procs[models.CategoryVideo] = NewVideoProcessor(p.Analyzer, p.Splitter, cfg)
		}
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// ProcessJob claims jobID and runs its pipeline. It returns nil whenever the
// job reached a resting state, including terminal failure; a non-nil error
// means the job was left for the recovery sweep.
func (i *DocumentIngestor) ProcessJob(ctx context.Context, jobID string) error {
	job, err := i.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	logger := i.logger.With("job_id", job.ID, "document_id", job.DocumentID)

	switch {
	case job.Status.Terminal():
		logger.Info("job already terminal", "status", job.Status)
		return nil
	case job.Status == models.JobProcessing:
		logger.Info("job already claimed by another instance")
		return nil
	}

	if job.NextRetryAt != nil {
		if wait := job.NextRetryAt.Sub(i.now()); wait > 0 {
			logger.Info("waiting for retry time", "wait", wait)
			if err := i.sleep(ctx, wait); err != nil {
				return err
			}
		}
	}

	doc, err := i.store.GetDocument(ctx, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", job.DocumentID, err)
	}

	format, err := Classify(doc.MimeType, doc.FileName)
	if err != nil {
		return i.reject(ctx, job, retry.Validation("unsupported file type; re-upload in a supported format", err))
	}
	proc, ok := i.procs[format.Category]
	if !ok || !i.writer.Supports(spaceOf(format.Category)) {
		return i.reject(ctx, job, retry.New(retry.ClassSystem,
			fmt.Errorf("%w: %s pipeline", ErrNoProvider, format.Category)))
	}
	table, err := i.tables.For(format.Category)
	if err != nil {
		return i.reject(ctx, job, retry.New(retry.ClassSystem, err))
	}

	att, err := i.tracker.Claim(ctx, job, table)
	if errors.Is(err, jobstatus.ErrNotClaimable) {
		logger.Info("job claimed elsewhere", "err", err)
		return nil
	}
	if err != nil {
		return err
	}
	logger.Info("job claimed", "category", format.Category, "retry_count", att.RetryCount())

	sess := newSession(att, i.exec, i.store, logger)
	err = i.exec.Do(ctx, att, "ingest", func(ctx context.Context) error {
		return i.attempt(ctx, sess, doc, format, proc)
	})
	return i.settle(ctx, att, logger, err)
}

func (i *DocumentIngestor) reject(ctx context.Context, job *models.ProcessingJob, e *retry.Error) error {
	_, err := i.tracker.Reject(ctx, job, e)
	if errors.Is(err, core.ErrJobConflict) {
		return nil
	}
	return err
}

// settle turns the outcome of the attempt loop into the job's resting state.
func (i *DocumentIngestor) settle(ctx context.Context, att *jobstatus.Attempt, logger *slog.Logger, err error) error {
	// terminal bookkeeping must survive an expiring instance context
	bg := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, jobstatus.ErrCancelled):
		logger.Info("job cancelled while running")
		return att.Discard(bg)
	case errors.Is(err, jobstatus.ErrSuperseded):
		logger.Warn("job superseded, abandoning attempt")
		return nil
	case ctx.Err() != nil:
		logger.Warn("instance stopped before the job finished", "err", ctx.Err())
		return ctx.Err()
	}

	var e *retry.Error
	if !errors.As(err, &e) {
		e = retry.New(retry.ClassSystem, err)
	}
	if _, ferr := att.Fail(bg, e); ferr != nil {
		if errors.Is(ferr, jobstatus.ErrCancelled) {
			return att.Discard(bg)
		}
		if retry.IsAbort(ferr) {
			return nil
		}
		return fmt.Errorf("mark job failed: %w (cause: %v)", ferr, err)
	}
	return att.Discard(bg)
}

// attempt is one full pass over the document, restarting from zero.
func (i *DocumentIngestor) attempt(ctx context.Context, s *Session, doc *models.Document, format Format, proc Processor) error {
	if err := s.att.Begin(ctx); err != nil {
		return err
	}
	if err := s.Report(ctx, progress.At(progress.StageDownloading)); err != nil {
		return err
	}

	dir, err := os.MkdirTemp(i.cfg.ScratchDir, "ingest-*")
	if err != nil {
		return fmt.Errorf("scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	src, err := i.download(ctx, s, doc, format, dir)
	if err != nil {
		return err
	}

	out, err := proc.Process(ctx, s, src)
	if err != nil {
		return err
	}
	if len(out.Drafts) == 0 {
		return retry.Validation("no content could be extracted from the file", ErrEmptyContent)
	}

	if err := s.Report(ctx, progress.At(progress.StageStoring)); err != nil {
		return err
	}
	n, err := i.writer.Write(ctx, s, doc, out.Space, out.Drafts)
	if err != nil {
		return err
	}

	job, err := s.att.Complete(ctx, out.Warnings)
	if err != nil {
		return err
	}
	s.Logger().Info("job processed", "chunks", n, "warnings", len(out.Warnings), "retry_count", job.RetryCount)
	return nil
}

// download copies the object into dir under its guard.
func (i *DocumentIngestor) download(ctx context.Context, s *Session, doc *models.Document, format Format, dir string) (Source, error) {
	path := filepath.Join(dir, "source"+filepath.Ext(doc.FileName))
	var size int64
	err := s.Guard(ctx, "download", func(ctx context.Context) error {
		rc, err := i.obj.GetObjectReader(ctx, doc.StorageBucket, doc.StorageKey)
		if err != nil {
			return err
		}
		defer rc.Close()

		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create local copy: %w", err)
		}
		n, err := io.Copy(f, rc)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("download %s: %w", doc.StorageKey, err)
		}
		size = n
		return nil
	})
	if err != nil {
		return Source{}, err
	}
	if size == 0 {
		return Source{}, retry.Validation("the uploaded file is empty", ErrEmptyContent)
	}
	return Source{
		Path:     path,
		Dir:      dir,
		FileName: doc.FileName,
		MimeType: format.MimeType,
		Size:     size,
	}, nil
}

func spaceOf(c models.Category) models.EmbeddingSpace {
	switch c {
	case models.CategoryImage, models.CategoryVideo:
		return models.MultimodalSpace
	}
	return models.TextSpace
}

func waitFor(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
