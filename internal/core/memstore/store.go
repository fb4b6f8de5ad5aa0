// Package memstore is an in-memory core.Store with the same conditional
// update and search semantics as the Postgres store. It backs tests and
// STORE=memory local runs.
package memstore

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Store keeps documents, jobs and chunks in maps guarded by one lock.
type Store struct {
	mu     sync.RWMutex
	docs   map[string]*models.Document
	jobs   map[string]*models.ProcessingJob
	chunks map[string][]models.Chunk // by document id
	now    func() time.Time
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		docs:   make(map[string]*models.Document),
		jobs:   make(map[string]*models.ProcessingJob),
		chunks: make(map[string][]models.Chunk),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ core.Store = (*Store)(nil)

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneJob(j *models.ProcessingJob) models.ProcessingJob {
	out := *j
	out.Warnings = slices.Clone(j.Warnings)
	out.NextRetryAt = cloneTime(j.NextRetryAt)
	out.ProcessingStartedAt = cloneTime(j.ProcessingStartedAt)
	out.CompletedAt = cloneTime(j.CompletedAt)
	return out
}

func cloneDoc(d *models.Document) models.Document {
	out := *d
	out.ProcessedAt = cloneTime(d.ProcessedAt)
	return out
}

func (s *Store) CreateDocumentWithJob(_ context.Context, doc *models.Document, job *models.ProcessingJob) error {
	if doc == nil || job == nil {
		return fmt.Errorf("document and job are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	if job.DocumentID != doc.ID {
		return fmt.Errorf("job %s does not reference document %s", job.ID, doc.ID)
	}
	if job.RetryCount > job.MaxRetryCount {
		return fmt.Errorf("retry_count exceeds max_retry_count")
	}

	now := s.now()
	d := cloneDoc(doc)
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	j := cloneJob(job)
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	s.docs[d.ID] = &d
	s.jobs[j.ID] = &j
	doc.CreatedAt, doc.UpdatedAt = d.CreatedAt, d.UpdatedAt
	job.CreatedAt, job.UpdatedAt = j.CreatedAt, j.UpdatedAt
	return nil
}

func (s *Store) GetDocument(_ context.Context, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := cloneDoc(d)
	return &out, nil
}

func (s *Store) ListDocumentsByOwner(_ context.Context, ownerID string) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Document
	for _, d := range s.docs {
		if d.OwnerID == ownerID {
			out = append(out, cloneDoc(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) DeleteDocument(_ context.Context, ownerID, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || d.OwnerID != ownerID {
		return nil, core.ErrNotFound
	}
	out := cloneDoc(d)
	delete(s.docs, id)
	delete(s.chunks, id)
	for jid, j := range s.jobs {
		if j.DocumentID == id {
			delete(s.jobs, jid)
		}
	}
	return &out, nil
}

func (s *Store) GetJob(_ context.Context, id string) (*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	out := cloneJob(j)
	return &out, nil
}

func (s *Store) ListJobsByIDs(_ context.Context, ownerID string, ids []string) ([]models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ProcessingJob
	for _, id := range ids {
		j, ok := s.jobs[id]
		if !ok || !s.ownedLocked(j, ownerID) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	return out, nil
}

func (s *Store) ListActiveJobsByOwner(_ context.Context, ownerID string) ([]models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ProcessingJob
	for _, j := range s.jobs {
		if s.ownedLocked(j, ownerID) && slices.Contains(models.ActiveJobStatuses, j.Status) {
			out = append(out, cloneJob(j))
		}
	}
	sortJobs(out, func(j models.ProcessingJob) time.Time { return j.CreatedAt })
	return out, nil
}

func (s *Store) ownedLocked(j *models.ProcessingJob, ownerID string) bool {
	d, ok := s.docs[j.DocumentID]
	return ok && d.OwnerID == ownerID
}

func (s *Store) FindActiveJobByStorageKey(_ context.Context, bucket, key string) (*models.ProcessingJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.ProcessingJob
	for _, j := range s.jobs {
		if j.Status != models.JobPending && j.Status != models.JobProcessing {
			continue
		}
		d, ok := s.docs[j.DocumentID]
		if !ok || d.StorageBucket != bucket || d.StorageKey != key {
			continue
		}
		if best == nil || j.CreatedAt.After(best.CreatedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, core.ErrNotFound
	}
	out := cloneJob(best)
	return &out, nil
}

func (s *Store) matchLocked(j *models.ProcessingJob, exp core.JobExpectation) bool {
	if len(exp.Statuses) > 0 && !slices.Contains(exp.Statuses, j.Status) {
		return false
	}
	if exp.RetryCount != nil && j.RetryCount != *exp.RetryCount {
		return false
	}
	if exp.UpdatedBefore != nil && !j.UpdatedAt.Before(*exp.UpdatedBefore) {
		return false
	}
	return true
}

func (s *Store) TransitionJob(_ context.Context, id string, exp core.JobExpectation, upd core.JobUpdate) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if !s.matchLocked(cur, exp) {
		return nil, core.ErrJobConflict
	}

	j := cloneJob(cur)
	applyJobUpdate(&j, upd)
	if j.RetryCount > j.MaxRetryCount {
		return nil, fmt.Errorf("job %s: retry_count %d exceeds max_retry_count %d", id, j.RetryCount, j.MaxRetryCount)
	}
	now := s.now()
	j.UpdatedAt = now
	s.jobs[id] = &j

	if upd.DocumentStatus != nil || upd.DocumentError != nil {
		if d, ok := s.docs[j.DocumentID]; ok {
			if upd.DocumentStatus != nil {
				d.Status = *upd.DocumentStatus
			}
			if upd.DocumentError != nil {
				d.ErrorMessage = *upd.DocumentError
			}
			d.UpdatedAt = now
		}
	}

	out := cloneJob(&j)
	return &out, nil
}

func applyJobUpdate(j *models.ProcessingJob, upd core.JobUpdate) {
	if upd.Status != nil {
		j.Status = *upd.Status
	}
	if upd.Stage != nil {
		j.Stage = *upd.Stage
	}
	if upd.StageIndex != nil {
		j.StageIndex = *upd.StageIndex
	}
	if upd.StageTotal != nil {
		j.StageTotal = *upd.StageTotal
	}
	if upd.Progress != nil && *upd.Progress > j.Progress {
		j.Progress = min(*upd.Progress, 100)
	}
	if upd.RetryCount != nil {
		j.RetryCount = *upd.RetryCount
	}
	if upd.MaxRetryCount != nil {
		j.MaxRetryCount = *upd.MaxRetryCount
	}
	if upd.ErrorMessage != nil {
		j.ErrorMessage = *upd.ErrorMessage
	}
	if upd.ErrorDetail != nil {
		j.ErrorDetail = *upd.ErrorDetail
	}
	if upd.ErrorType != nil {
		j.ErrorType = *upd.ErrorType
	}
	if upd.CommittedChunks != nil {
		j.CommittedChunks = *upd.CommittedChunks
	}
	if upd.Warnings != nil {
		j.Warnings = slices.Clone(upd.Warnings)
	}
	if upd.ClearNextRetryAt {
		j.NextRetryAt = nil
	}
	if upd.NextRetryAt != nil {
		j.NextRetryAt = cloneTime(upd.NextRetryAt)
	}
	if upd.ProcessingStartedAt != nil {
		j.ProcessingStartedAt = cloneTime(upd.ProcessingStartedAt)
	}
	if upd.CompletedAt != nil {
		j.CompletedAt = cloneTime(upd.CompletedAt)
	}
}

func (s *Store) CompleteJob(_ context.Context, id string, exp core.JobExpectation, warnings []string) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	if !s.matchLocked(cur, exp) {
		return nil, core.ErrJobConflict
	}
	d, ok := s.docs[cur.DocumentID]
	if !ok {
		return nil, core.ErrNotFound
	}

	now := s.now()
	j := cloneJob(cur)
	j.Status = models.JobProcessed
	j.Stage = "completed"
	j.StageIndex, j.StageTotal = 0, 0
	j.Progress = 100
	j.ErrorMessage, j.ErrorDetail, j.ErrorType = "", "", ""
	j.Warnings = slices.Clone(warnings)
	j.NextRetryAt = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	s.jobs[id] = &j

	d.Status = models.DocumentCompleted
	d.ChunkCount = len(s.chunks[d.ID])
	d.ErrorMessage = ""
	d.ProcessedAt = cloneTime(&now)
	d.UpdatedAt = now

	out := cloneJob(&j)
	return &out, nil
}

func sortJobs(jobs []models.ProcessingJob, key func(models.ProcessingJob) time.Time) {
	sort.Slice(jobs, func(i, k int) bool { return key(jobs[i]).Before(key(jobs[k])) })
}

func (s *Store) listJobs(limit int, keep func(*models.ProcessingJob) bool, key func(models.ProcessingJob) time.Time) []models.ProcessingJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ProcessingJob
	for _, j := range s.jobs {
		if keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	sortJobs(out, key)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *Store) ListStuckJobs(_ context.Context, before time.Time, limit int) ([]models.ProcessingJob, error) {
	return s.listJobs(limit, func(j *models.ProcessingJob) bool {
		return j.Status == models.JobProcessing &&
			j.ProcessingStartedAt != nil && j.ProcessingStartedAt.Before(before) &&
			j.UpdatedAt.Before(before)
	}, func(j models.ProcessingJob) time.Time { return j.UpdatedAt }), nil
}

func (s *Store) ListStalePendingJobs(_ context.Context, before time.Time, limit int) ([]models.ProcessingJob, error) {
	return s.listJobs(limit, func(j *models.ProcessingJob) bool {
		return j.Status == models.JobPending && j.CreatedAt.Before(before) && j.UpdatedAt.Before(before)
	}, func(j models.ProcessingJob) time.Time { return j.CreatedAt }), nil
}

func (s *Store) ListOrphanedRetryJobs(_ context.Context, before time.Time, limit int) ([]models.ProcessingJob, error) {
	return s.listJobs(limit, func(j *models.ProcessingJob) bool {
		return (j.Status == models.JobRetryPending || j.Status == models.JobPartiallyProcessed) &&
			j.NextRetryAt != nil && j.NextRetryAt.Before(before)
	}, func(j models.ProcessingJob) time.Time { return *j.NextRetryAt }), nil
}

func (s *Store) CommitChunks(_ context.Context, jobID string, exp core.JobExpectation, chunks []models.Chunk) (*models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.jobs[jobID]
	if !ok {
		return nil, core.ErrNotFound
	}
	if !s.matchLocked(cur, exp) {
		return nil, core.ErrJobConflict
	}
	d, ok := s.docs[cur.DocumentID]
	if !ok {
		return nil, core.ErrNotFound
	}

	existing := s.chunks[d.ID]
	taken := make(map[int]bool, len(existing)+len(chunks))
	for _, c := range existing {
		taken[c.Index] = true
	}
	now := s.now()
	batch := make([]models.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if err := core.CheckChunk(&c, d.ID, d.OwnerID); err != nil {
			return nil, err
		}
		if taken[c.Index] {
			return nil, fmt.Errorf("chunk index %d already exists for document %s", c.Index, d.ID)
		}
		taken[c.Index] = true
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		batch = append(batch, c)
	}
	s.chunks[d.ID] = append(existing, batch...)

	j := cloneJob(cur)
	j.CommittedChunks += len(batch)
	j.UpdatedAt = now
	s.jobs[jobID] = &j
	out := cloneJob(&j)
	return &out, nil
}

func (s *Store) DeleteChunksByDocument(_ context.Context, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.chunks[documentID])
	delete(s.chunks, documentID)
	return n, nil
}

func (s *Store) CountChunksByDocument(_ context.Context, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks[documentID]), nil
}

// Chunks returns a copy of the document's chunks in index order.
func (s *Store) Chunks(documentID string) []models.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.chunks[documentID])
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (s *Store) SearchText(_ context.Context, q core.SearchQuery) ([]models.SearchResult, error) {
	return s.search(q, func(c *models.Chunk) []float32 { return c.TextEmbedding }), nil
}

func (s *Store) SearchMultimodal(_ context.Context, q core.SearchQuery) ([]models.SearchResult, error) {
	return s.search(q, func(c *models.Chunk) []float32 { return c.MultimodalEmbedding }), nil
}

func (s *Store) search(q core.SearchQuery, vector func(*models.Chunk) []float32) []models.SearchResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.SearchResult
	for docID, chunks := range s.chunks {
		d := s.docs[docID]
		if d == nil || d.OwnerID != q.OwnerID || d.Status != models.DocumentCompleted {
			continue
		}
		for i := range chunks {
			c := &chunks[i]
			if c.OwnerID != q.OwnerID {
				continue
			}
			v := vector(c)
			if len(v) == 0 || len(v) != len(q.Vector) {
				continue
			}
			sim := cosine(q.Vector, v)
			if sim < q.Threshold {
				continue
			}
			out = append(out, models.SearchResult{
				ChunkID:    c.ID,
				DocumentID: c.DocumentID,
				FileName:   d.FileName,
				Index:      c.Index,
				Content:    c.Content,
				Context:    c.Context,
				Metadata:   c.Metadata,
				Similarity: sim,
				CreatedAt:  c.CreatedAt,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
