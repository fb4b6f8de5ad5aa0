package ingestion_engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/progress"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Draft is one chunk before embedding.
//
// MediaPath/MediaType: optional media embedded alongside the text in the
// multimodal space (the image itself, a video batch clip).
type Draft struct {
	Content   string
	Context   string
	Metadata  map[string]any
	MediaPath string
	MediaType string
}

// Source is the downloaded object handed to a processor.
type Source struct {
	Path     string // local copy of the object
	Dir      string // scratch directory for derived files
	FileName string
	MimeType string
	Size     int64
}

// Output is what a processor produced for one attempt.
type Output struct {
	Space    models.EmbeddingSpace
	Drafts   []Draft
	Warnings []string
}

// Processor turns a downloaded object into chunk drafts.
type Processor interface {
	Process(ctx context.Context, s *Session, src Source) (*Output, error)
}

// JobProcessor runs one job to a resting state.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// Session is a processor's handle on the job it works for. Every external
// call a processor makes goes through Guard, so it is retried under the
// job's budget and aborted once the job is cancelled.
type Session struct {
	att    *jobstatus.Attempt
	exec   *retry.Executor
	chunks core.ChunkStore
	logger *slog.Logger
}

func newSession(att *jobstatus.Attempt, exec *retry.Executor, chunks core.ChunkStore, logger *slog.Logger) *Session {
	return &Session{att: att, exec: exec, chunks: chunks, logger: logger}
}

// Report records a stage event.
func (s *Session) Report(ctx context.Context, e progress.Event) error {
	return s.att.Report(ctx, e)
}

// Guard runs fn under the retry policy table after checking that the job
// still belongs to this attempt.
func (s *Session) Guard(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := s.att.Checkpoint(ctx); err != nil {
		return err
	}
	return s.exec.Do(ctx, s.att, name, fn)
}

// Tool runs a local media tool call under Guard. Tool calls can run for
// minutes, so the attempt is checked again once the call returns.
func (s *Session) Tool(ctx context.Context, name string, fn func(context.Context) error) error {
	if err := s.Guard(ctx, name, fn); err != nil {
		return err
	}
	return s.att.Checkpoint(ctx)
}

// Logger returns the job-scoped logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Commit writes a batch of chunks. When a previous try's outcome was lost
// in transit, the stored chunk count settles whether the batch landed.
func (s *Session) Commit(ctx context.Context, chunks []models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	want := chunks[len(chunks)-1].Index + 1
	tried := false
	return s.Guard(ctx, "commit", func(ctx context.Context) error {
		if tried {
			n, err := s.chunks.CountChunksByDocument(ctx, s.att.DocumentID())
			if err == nil && n >= want {
				return nil
			}
		}
		tried = true
		return s.att.Commit(ctx, chunks)
	})
}

// skippable reports whether a failed media unit may be dropped with a
// warning instead of failing the job.
func skippable(err error) bool {
	if retry.IsAbort(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var re *retry.Error
	if !errors.As(err, &re) || !re.Exhausted {
		return false
	}
	switch re.Class {
	case retry.ClassTransient, retry.ClassRateLimited, retry.ClassTimeout:
		return true
	}
	return false
}

// skippableCut also drops a unit the splitter could not decode; a damaged
// stretch of media does not fail the rest of the file.
func skippableCut(err error) bool {
	if skippable(err) {
		return true
	}
	var re *retry.Error
	return errors.As(err, &re) && re.Class == retry.ClassValidation && !retry.IsAbort(err)
}
