// Package recovery finds jobs no live worker is moving and routes them back
// through the retry policy or relaunches them.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

const defaultBatch = 100

// Config tunes a Sweeper.
type Config struct {
	Interval     time.Duration
	StuckAfter   time.Duration
	RequeueGrace time.Duration
	Batch        int
}

// Report summarises one sweep cycle.
type Report struct {
	Requeued   []string `json:"requeued"`   // stuck jobs moved to retry_pending
	Failed     []string `json:"failed"`     // stuck jobs whose retry budget was spent
	Relaunched []string `json:"relaunched"` // pending or retry jobs handed back to the launcher
	Skipped    int      `json:"skipped"`    // jobs another writer moved first
	Errors     []error  `json:"-"`
}

func (r Report) empty() bool {
	return len(r.Requeued)+len(r.Failed)+len(r.Relaunched)+r.Skipped+len(r.Errors) == 0
}

// Sweeper runs the recovery cycle.
type Sweeper struct {
	store    core.JobStore
	tracker  *jobstatus.Tracker
	launcher core.Launcher
	policies retry.Policies
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper creates a sweeper. launcher may be nil, in which case jobs are
// only expired and never relaunched.
func NewSweeper(store core.JobStore, tracker *jobstatus.Tracker, launcher core.Launcher, policies retry.Policies, cfg Config, opts ...Option) *Sweeper {
	if cfg.Batch <= 0 {
		cfg.Batch = defaultBatch
	}
	s := &Sweeper{
		store:    store,
		tracker:  tracker,
		launcher: launcher,
		policies: policies,
		cfg:      cfg,
		now:      time.Now,
		logger:   slog.Default().With("component", "recovery"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce performs a single sweep cycle. Errors on individual jobs are
// collected in the report; the returned error is set only when a listing
// query fails.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	now := s.now()

	if err := s.expireStuck(ctx, now.Add(-s.cfg.StuckAfter), &rep); err != nil {
		return rep, err
	}

	stale, err := s.store.ListStalePendingJobs(ctx, now.Add(-s.cfg.StuckAfter), s.cfg.Batch)
	if err != nil {
		return rep, fmt.Errorf("list stale pending jobs: %w", err)
	}
	for _, j := range stale {
		s.relaunch(ctx, j, "pending without a worker", &rep)
	}

	orphaned, err := s.store.ListOrphanedRetryJobs(ctx, now.Add(-s.cfg.RequeueGrace), s.cfg.Batch)
	if err != nil {
		return rep, fmt.Errorf("list orphaned retry jobs: %w", err)
	}
	for _, j := range orphaned {
		s.relaunch(ctx, j, "retry due without a worker", &rep)
	}

	if !rep.empty() {
		s.logger.Info("sweep finished",
			"requeued", len(rep.Requeued),
			"failed", len(rep.Failed),
			"relaunched", len(rep.Relaunched),
			"skipped", rep.Skipped,
			"errors", len(rep.Errors),
		)
	}
	return rep, nil
}

func (s *Sweeper) expireStuck(ctx context.Context, cutoff time.Time, rep *Report) error {
	stuck, err := s.store.ListStuckJobs(ctx, cutoff, s.cfg.Batch)
	if err != nil {
		return fmt.Errorf("list stuck jobs: %w", err)
	}
	policy := s.policies.Lookup(retry.ClassTimeout)
	for i := range stuck {
		j := &stuck[i]
		updated, err := s.tracker.ExpireStuck(ctx, j, cutoff, policy)
		switch {
		case errors.Is(err, core.ErrJobConflict), errors.Is(err, core.ErrNotFound):
			rep.Skipped++
			continue
		case err != nil:
			rep.Errors = append(rep.Errors, fmt.Errorf("expire job %s: %w", j.ID, err))
			continue
		}

		log := s.logger.With("job_id", j.ID, "document_id", j.DocumentID, "retry_count", updated.RetryCount)
		if updated.Status == models.JobError {
			rep.Failed = append(rep.Failed, j.ID)
			log.Warn("stuck job failed, retries exhausted")
			continue
		}
		rep.Requeued = append(rep.Requeued, j.ID)
		log.Info("stuck job requeued", "next_retry_at", updated.NextRetryAt)
		s.launch(ctx, updated.ID, rep)
	}
	return nil
}

func (s *Sweeper) relaunch(ctx context.Context, j models.ProcessingJob, reason string, rep *Report) {
	s.logger.Info("relaunching job", "job_id", j.ID, "document_id", j.DocumentID, "status", j.Status, "reason", reason)
	if s.launch(ctx, j.ID, rep) {
		rep.Relaunched = append(rep.Relaunched, j.ID)
	}
}

func (s *Sweeper) launch(ctx context.Context, jobID string, rep *Report) bool {
	if s.launcher == nil {
		return false
	}
	if err := s.launcher.Launch(ctx, jobID); err != nil {
		rep.Errors = append(rep.Errors, fmt.Errorf("launch job %s: %w", jobID, err))
		return false
	}
	return true
}

// Run sweeps every Interval until ctx is done. A panicking cycle is logged
// and the loop continues.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("recovery sweep started", "interval", s.cfg.Interval, "stuck_after", s.cfg.StuckAfter)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Sweeper) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep panicked", "panic", r)
		}
	}()
	rep, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "err", err)
		return
	}
	for _, e := range rep.Errors {
		s.logger.Error("sweep job error", "err", e)
	}
}
