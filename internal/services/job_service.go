package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/progress"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// DefaultPollInterval is the fixed interval of the status polling consumer.
const DefaultPollInterval = 2 * time.Second

// JobView is the read-path projection of a job.
type JobView struct {
	ID           string           `json:"id"`
	DocumentID   string           `json:"document_id"`
	Status       models.JobStatus `json:"status"`
	Stage        string           `json:"stage"`
	StageLabel   string           `json:"stage_label"`
	UnknownStage bool             `json:"unknown_stage,omitempty"`
	Progress     int              `json:"progress"`
	RetryCount   int              `json:"retry_count"`
	MaxRetry     int              `json:"max_retry_count"`
	Error        *JobError        `json:"error,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
	Committed    int              `json:"committed_chunks"`
	NextRetryAt  *time.Time       `json:"next_retry_at,omitempty"`
	StartedAt    *time.Time       `json:"processing_started_at,omitempty"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	Terminal     bool             `json:"terminal"`
}

// JobError is the user-safe part of a job failure. Technical detail stays in
// the store for operators.
type JobError struct {
	Message string `json:"message"`
	Class   string `json:"class"`
}

// JobService is the read-only status path plus cancellation.
type JobService struct {
	store    core.JobStore
	chunks   core.ChunkStore
	tracker  *jobstatus.Tracker
	tables   progress.Tables
	interval time.Duration
	logger   *slog.Logger
}

// NewJobService creates the service. interval <= 0 uses DefaultPollInterval.
func NewJobService(store core.Store, tracker *jobstatus.Tracker, interval time.Duration) *JobService {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &JobService{
		store:    store,
		chunks:   store,
		tracker:  tracker,
		tables:   progress.DefaultTables(),
		interval: interval,
		logger:   slog.Default().With("component", "jobs"),
	}
}

// View projects a job for readers.
func (s *JobService) View(j models.ProcessingJob) JobView {
	label, known := s.tables.Describe(j.Stage, j.StageIndex, j.StageTotal)
	v := JobView{
		ID:           j.ID,
		DocumentID:   j.DocumentID,
		Status:       j.Status,
		Stage:        j.Stage,
		StageLabel:   label,
		UnknownStage: !known,
		Progress:     j.Progress,
		RetryCount:   j.RetryCount,
		MaxRetry:     j.MaxRetryCount,
		Warnings:     j.Warnings,
		Committed:    j.CommittedChunks,
		NextRetryAt:  j.NextRetryAt,
		StartedAt:    j.ProcessingStartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		Terminal:     j.Status.Terminal(),
	}
	if j.ErrorMessage != "" {
		v.Error = &JobError{Message: j.ErrorMessage, Class: j.ErrorType}
	}
	return v
}

func (s *JobService) views(jobs []models.ProcessingJob) []JobView {
	out := make([]JobView, len(jobs))
	for i, j := range jobs {
		out[i] = s.View(j)
	}
	return out
}

// Get returns one of the owner's jobs.
func (s *JobService) Get(ctx context.Context, ownerID, id string) (JobView, error) {
	jobs, err := s.store.ListJobsByIDs(ctx, ownerID, []string{id})
	if err != nil {
		return JobView{}, err
	}
	if len(jobs) == 0 {
		return JobView{}, core.ErrNotFound
	}
	return s.View(jobs[0]), nil
}

// List returns the owner's jobs among ids, in the order of ids. Unknown ids
// and other owners' jobs are left out.
func (s *JobService) List(ctx context.Context, ownerID string, ids []string) ([]JobView, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	ids = compactIDs(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	jobs, err := s.store.ListJobsByIDs(ctx, ownerID, ids)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(jobs, func(a, b models.ProcessingJob) int {
		return slices.Index(ids, a.ID) - slices.Index(ids, b.ID)
	})
	return s.views(jobs), nil
}

// Active returns the owner's jobs that are still in flight.
func (s *JobService) Active(ctx context.Context, ownerID string) ([]JobView, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	jobs, err := s.store.ListActiveJobsByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return s.views(jobs), nil
}

// Cancel cancels one of the owner's jobs and discards the chunks its
// document holds. A running worker notices at its next checkpoint.
func (s *JobService) Cancel(ctx context.Context, ownerID, id string) (JobView, error) {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return JobView{}, err
	}
	job, err := s.tracker.Cancel(ctx, id)
	if err != nil {
		return JobView{}, err
	}
	if n, err := s.chunks.DeleteChunksByDocument(ctx, job.DocumentID); err != nil {
		s.logger.Warn("discard after cancel failed", "job_id", id, "err", err)
	} else if n > 0 {
		s.logger.Info("discarded chunks of cancelled job", "job_id", id, "count", n)
	}
	return s.View(*job), nil
}

// WaitForTerminal polls ids on the fixed interval until every job is
// terminal, calling onPoll after each read. It only reads.
func (s *JobService) WaitForTerminal(ctx context.Context, ownerID string, ids []string, onPoll func([]JobView)) ([]JobView, error) {
	ids = compactIDs(ids)
	if len(ids) == 0 {
		return nil, errors.New("no job ids to wait for")
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		views, err := s.List(ctx, ownerID, ids)
		if err != nil {
			return nil, err
		}
		if len(views) < len(ids) {
			return views, fmt.Errorf("%w: %s", core.ErrNotFound, strings.Join(missing(ids, views), ", "))
		}
		if onPoll != nil {
			onPoll(views)
		}
		if allTerminal(views) {
			return views, nil
		}
		select {
		case <-ctx.Done():
			return views, ctx.Err()
		case <-ticker.C:
		}
	}
}

func allTerminal(views []JobView) bool {
	for _, v := range views {
		if !v.Terminal {
			return false
		}
	}
	return true
}

func missing(ids []string, views []JobView) []string {
	var out []string
	for _, id := range ids {
		if !slices.ContainsFunc(views, func(v JobView) bool { return v.ID == id }) {
			out = append(out, id)
		}
	}
	return out
}

func compactIDs(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
