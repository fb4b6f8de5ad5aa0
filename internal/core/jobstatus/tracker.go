package jobstatus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/progress"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

const cancelledMessage = "processing was cancelled"

// Store is the subset of the job/chunk store the tracker writes through.
type Store interface {
	core.JobStore
	core.ChunkStore
}

// Tracker owns job lifecycle writes. Every write is conditional on the
// status and retry count the writer last observed.
type Tracker struct {
	store   Store
	ceiling int
	now     func() time.Time
	logger  *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTracker creates a tracker. ceiling caps the retry budget of every job.
func NewTracker(store Store, ceiling int, opts ...Option) *Tracker {
	t := &Tracker{
		store:   store,
		ceiling: ceiling,
		now:     time.Now,
		logger:  slog.Default().With("component", "jobstatus"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Ceiling returns the configured retry ceiling.
func (t *Tracker) Ceiling() int { return t.ceiling }

func ptr[T any](v T) *T { return &v }

// Reject moves an unclaimed job straight to terminal error. It is used for
// failures detected before any processing starts, such as an unsupported
// format.
func (t *Tracker) Reject(ctx context.Context, job *models.ProcessingJob, e *retry.Error) (*models.ProcessingJob, error) {
	if !CanTransition(job.Status, models.JobError) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, models.JobError)
	}
	rc := job.RetryCount
	upd := t.failureUpdate(rc, e)
	updated, err := t.store.TransitionJob(ctx, job.ID, core.JobExpectation{
		Statuses:   []models.JobStatus{job.Status},
		RetryCount: &rc,
	}, upd)
	if err != nil {
		return nil, err
	}
	t.logger.Warn("job rejected", "job_id", job.ID, "document_id", job.DocumentID, "class", e.Class, "err", e.Err)
	return updated, nil
}

// failureUpdate pins the budget to the final retry count. Validation
// failures always end at zero, even after earlier retries in the job.
func (t *Tracker) failureUpdate(rc int, e *retry.Error) core.JobUpdate {
	if e.Class == retry.ClassValidation {
		rc = 0
	}
	now := t.now()
	return core.JobUpdate{
		Status:           ptr(models.JobError),
		RetryCount:       ptr(rc),
		MaxRetryCount:    ptr(rc),
		ErrorMessage:     ptr(e.UserMessage()),
		ErrorDetail:      ptr(e.Detail()),
		ErrorType:        ptr(string(e.Class)),
		ClearNextRetryAt: true,
		CompletedAt:      &now,
		DocumentStatus:   ptr(models.DocumentError),
		DocumentError:    ptr(e.UserMessage()),
	}
}

// Claim moves a job into processing for a new worker attempt. The returned
// Attempt carries the retry count it claimed at; all of its writes are
// conditional on it.
func (t *Tracker) Claim(ctx context.Context, job *models.ProcessingJob, table *progress.Table) (*Attempt, error) {
	if !Claimable(job.Status) {
		return nil, fmt.Errorf("%w: status %s", ErrNotClaimable, job.Status)
	}
	rc := job.RetryCount
	now := t.now()
	updated, err := t.store.TransitionJob(ctx, job.ID, core.JobExpectation{
		Statuses:   []models.JobStatus{job.Status},
		RetryCount: &rc,
	}, core.JobUpdate{
		Status:              ptr(models.JobProcessing),
		ProcessingStartedAt: &now,
		ClearNextRetryAt:    true,
		CommittedChunks:     ptr(0),
		DocumentStatus:      ptr(models.DocumentProcessing),
	})
	if errors.Is(err, core.ErrJobConflict) {
		return nil, fmt.Errorf("%w: %w", ErrNotClaimable, err)
	}
	if err != nil {
		return nil, err
	}
	return &Attempt{
		t:          t,
		jobID:      updated.ID,
		documentID: updated.DocumentID,
		retryCount: updated.RetryCount,
		monitor:    progress.NewMonitor(table, updated.Progress),
		logger:     t.logger.With("job_id", updated.ID, "document_id", updated.DocumentID),
	}, nil
}

// Cancel moves any non-terminal job to cancelled. A running worker notices
// at its next checkpoint.
func (t *Tracker) Cancel(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	now := t.now()
	updated, err := t.store.TransitionJob(ctx, jobID, core.JobExpectation{
		Statuses: Sources(models.JobCancelled),
	}, core.JobUpdate{
		Status:           ptr(models.JobCancelled),
		ErrorMessage:     ptr(cancelledMessage),
		ClearNextRetryAt: true,
		CompletedAt:      &now,
		DocumentStatus:   ptr(models.DocumentError),
		DocumentError:    ptr(cancelledMessage),
	})
	if errors.Is(err, core.ErrJobConflict) {
		return nil, ErrAlreadyTerminal
	}
	if err != nil {
		return nil, err
	}
	t.logger.Info("job cancelled", "job_id", jobID, "document_id", updated.DocumentID)
	return updated, nil
}

// ExpireStuck routes a job stuck in processing through the timeout policy.
// The write only applies if the job is still processing at the same retry
// count and has not been touched since cutoff, so a sweep never repeats a
// transition another writer already made.
func (t *Tracker) ExpireStuck(ctx context.Context, job *models.ProcessingJob, cutoff time.Time, p retry.Policy) (*models.ProcessingJob, error) {
	rc := job.RetryCount
	e := retry.New(retry.ClassTimeout, fmt.Errorf("no progress since %s", job.UpdatedAt.UTC().Format(time.RFC3339)))
	exp := core.JobExpectation{
		Statuses:      []models.JobStatus{models.JobProcessing},
		RetryCount:    &rc,
		UpdatedBefore: &cutoff,
	}

	limit := retry.EffectiveMax(rc, t.ceiling, p)
	if rc >= limit {
		updated, err := t.store.TransitionJob(ctx, job.ID, exp, t.failureUpdate(rc, e))
		if err != nil {
			return nil, err
		}
		// The expired attempt may have committed chunks before it stalled.
		if n, err := t.store.DeleteChunksByDocument(ctx, updated.DocumentID); err != nil {
			t.logger.Error("discard chunks of expired job", "job_id", job.ID, "document_id", updated.DocumentID, "err", err)
		} else if n > 0 {
			t.logger.Info("discarded chunks of expired job", "job_id", job.ID, "document_id", updated.DocumentID, "count", n)
		}
		return updated, nil
	}

	next := t.now().Add(p.Delay(rc))
	return t.store.TransitionJob(ctx, job.ID, exp, core.JobUpdate{
		Status:        ptr(models.JobRetryPending),
		RetryCount:    ptr(rc + 1),
		MaxRetryCount: ptr(limit),
		ErrorMessage:  ptr(e.UserMessage()),
		ErrorDetail:   ptr(e.Detail()),
		ErrorType:     ptr(string(e.Class)),
		NextRetryAt:   &next,
	})
}

// Attempt is one worker's claim on a job. It implements retry.Budget against
// the persisted retry count.
type Attempt struct {
	t          *Tracker
	jobID      string
	documentID string
	monitor    *progress.Monitor
	logger     *slog.Logger

	mu         sync.Mutex
	retryCount int
	committed  int
}

var _ retry.Budget = (*Attempt)(nil)

func (a *Attempt) JobID() string      { return a.jobID }
func (a *Attempt) DocumentID() string { return a.documentID }

// RetryCount returns the retry count the attempt currently holds.
func (a *Attempt) RetryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retryCount
}

// Committed returns the number of chunks committed in this attempt.
func (a *Attempt) Committed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.committed
}

func (a *Attempt) expect(statuses ...models.JobStatus) core.JobExpectation {
	rc := a.retryCount
	return core.JobExpectation{Statuses: statuses, RetryCount: &rc}
}

// lost turns a conditional write conflict into an abort telling the worker
// whether it was cancelled or superseded. A deleted job counts as
// superseded.
func (a *Attempt) lost(ctx context.Context, err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return retry.Abort(ErrSuperseded)
	}
	if !errors.Is(err, core.ErrJobConflict) {
		return err
	}
	cur, gerr := a.t.store.GetJob(ctx, a.jobID)
	if gerr == nil && cur.Status == models.JobCancelled {
		return retry.Abort(ErrCancelled)
	}
	return retry.Abort(ErrSuperseded)
}

// Report persists a stage event. It doubles as the worker heartbeat.
func (a *Attempt) Report(ctx context.Context, e progress.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := a.monitor.Observe(e)
	if snap.Unknown {
		a.logger.Warn("unmapped stage reported", "stage", snap.Stage)
	}
	_, err := a.t.store.TransitionJob(ctx, a.jobID, a.expect(models.JobProcessing), core.JobUpdate{
		Status:     ptr(models.JobProcessing),
		Stage:      ptr(snap.Stage),
		StageIndex: ptr(snap.Index),
		StageTotal: ptr(snap.Total),
		Progress:   ptr(snap.Progress),
	})
	if err != nil {
		return a.lost(ctx, err)
	}
	a.logger.Debug("stage reported", "stage", snap.Label(), "progress", snap.Progress)
	return nil
}

// Checkpoint aborts the worker if the job was cancelled or moved on.
func (a *Attempt) Checkpoint(ctx context.Context) error {
	a.mu.Lock()
	rc := a.retryCount
	a.mu.Unlock()

	cur, err := a.t.store.GetJob(ctx, a.jobID)
	if errors.Is(err, core.ErrNotFound) {
		return retry.Abort(ErrSuperseded)
	}
	if err != nil {
		return err
	}
	switch {
	case cur.Status == models.JobCancelled:
		return retry.Abort(ErrCancelled)
	case cur.Status != models.JobProcessing || cur.RetryCount != rc:
		return retry.Abort(ErrSuperseded)
	}
	return nil
}

// Spend records a failed attempt. The job waits in retry_pending, or in
// partially_processed when chunks were already committed in this attempt.
func (a *Attempt) Spend(ctx context.Context, e *retry.Error, p retry.Policy) (time.Duration, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rc := a.retryCount
	limit := retry.EffectiveMax(rc, a.t.ceiling, p)
	if rc >= limit {
		return 0, retry.ErrExhausted
	}

	to := models.JobRetryPending
	if a.committed > 0 {
		to = models.JobPartiallyProcessed
	}
	delay := p.Delay(rc)
	next := a.t.now().Add(delay)
	_, err := a.t.store.TransitionJob(ctx, a.jobID, a.expect(models.JobProcessing), core.JobUpdate{
		Status:        ptr(to),
		RetryCount:    ptr(rc + 1),
		MaxRetryCount: ptr(limit),
		ErrorMessage:  ptr(e.UserMessage()),
		ErrorDetail:   ptr(e.Detail()),
		ErrorType:     ptr(string(e.Class)),
		NextRetryAt:   &next,
	})
	if err != nil {
		return 0, a.lost(ctx, err)
	}
	a.retryCount = rc + 1
	a.logger.Info("job waiting to retry", "status", to, "class", e.Class, "retry_count", rc+1, "max_retry_count", limit, "delay", delay)
	return delay, nil
}

// Resume moves the job back to processing after a backoff wait.
func (a *Attempt) Resume(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.t.store.TransitionJob(ctx, a.jobID,
		a.expect(models.JobRetryPending, models.JobPartiallyProcessed),
		core.JobUpdate{
			Status:           ptr(models.JobProcessing),
			ClearNextRetryAt: true,
		})
	if err != nil {
		return a.lost(ctx, err)
	}
	return nil
}

// Begin starts a processing pass from zero: chunks left by earlier passes
// are discarded and the committed boundary is reset.
func (a *Attempt) Begin(ctx context.Context) error {
	if _, err := a.t.store.DeleteChunksByDocument(ctx, a.documentID); err != nil {
		return fmt.Errorf("discard chunks: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.t.store.TransitionJob(ctx, a.jobID, a.expect(models.JobProcessing), core.JobUpdate{
		CommittedChunks: ptr(0),
	})
	if err != nil {
		return a.lost(ctx, err)
	}
	a.committed = 0
	return nil
}

// Commit writes one batch of chunks, conditional on this attempt still
// owning the job.
func (a *Attempt) Commit(ctx context.Context, chunks []models.Chunk) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	job, err := a.t.store.CommitChunks(ctx, a.jobID, a.expect(models.JobProcessing), chunks)
	if err != nil {
		return a.lost(ctx, err)
	}
	a.committed = job.CommittedChunks
	return nil
}

// Discard removes every chunk of the document.
func (a *Attempt) Discard(ctx context.Context) error {
	n, err := a.t.store.DeleteChunksByDocument(ctx, a.documentID)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("discarded partial chunks", "count", n)
	}
	return nil
}

// Complete marks the job processed and the document completed.
func (a *Attempt) Complete(ctx context.Context, warnings []string) (*models.ProcessingJob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	job, err := a.t.store.CompleteJob(ctx, a.jobID, a.expect(models.JobProcessing), warnings)
	if err != nil {
		return nil, a.lost(ctx, err)
	}
	a.monitor.Observe(progress.At(progress.StageCompleted))
	return job, nil
}

// Fail moves the job to terminal error. Failures reach here either as
// validation errors or with the budget spent, so retry_count is the final
// budget.
func (a *Attempt) Fail(ctx context.Context, e *retry.Error) (*models.ProcessingJob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	job, err := a.t.store.TransitionJob(ctx, a.jobID,
		a.expect(models.JobProcessing, models.JobRetryPending, models.JobPartiallyProcessed),
		a.t.failureUpdate(a.retryCount, e))
	if err != nil {
		return nil, a.lost(ctx, err)
	}
	a.retryCount = job.RetryCount
	a.logger.Warn("job failed", "class", e.Class, "retry_count", job.RetryCount, "err", e.Err)
	return job, nil
}
