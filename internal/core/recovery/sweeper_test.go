package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/jobstatus"
	"github.com/markdave123-py/contexta-ingest/internal/core/memstore"
	"github.com/markdave123-py/contexta-ingest/internal/core/retry"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (l *fakeLauncher) Launch(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.launched = append(l.launched, jobID)
	return nil
}

func (l *fakeLauncher) IDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.launched...)
}

type fixture struct {
	now      time.Time
	store    *memstore.Store
	launcher *fakeLauncher
	sweeper  *Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC), launcher: &fakeLauncher{}}
	clock := func() time.Time { return f.now }
	f.store = memstore.New(memstore.WithClock(clock))
	f.sweeper = f.newSweeper(f.store)
	return f
}

func (f *fixture) newSweeper(store core.JobStore) *Sweeper {
	clock := func() time.Time { return f.now }
	tracker := jobstatus.NewTracker(f.store, 5, jobstatus.WithClock(clock))
	return NewSweeper(store, tracker, f.launcher, retry.DefaultPolicies(), Config{
		Interval:     time.Minute,
		StuckAfter:   30 * time.Minute,
		RequeueGrace: 2 * time.Minute,
	}, WithClock(clock))
}

func ptr[T any](v T) *T { return &v }

func (f *fixture) seed(t *testing.T, id string, upd core.JobUpdate) {
	t.Helper()
	ctx := context.Background()
	doc := &models.Document{
		ID: "doc-" + id, OwnerID: "alice", FileName: id + ".mp4", Category: models.CategoryVideo,
		StorageBucket: "bucket", StorageKey: id, Status: models.DocumentUploading,
	}
	job := &models.ProcessingJob{ID: id, DocumentID: doc.ID, Status: models.JobPending, Stage: "pending", MaxRetryCount: 5}
	require.NoError(t, f.store.CreateDocumentWithJob(ctx, doc, job))
	if upd.Status != nil {
		_, err := f.store.TransitionJob(ctx, id, core.JobExpectation{}, upd)
		require.NoError(t, err)
	}
}

func (f *fixture) processing(t *testing.T, id string, retryCount int) {
	f.seed(t, id, core.JobUpdate{
		Status:              ptr(models.JobProcessing),
		ProcessingStartedAt: ptr(f.now),
		RetryCount:          ptr(retryCount),
		MaxRetryCount:       ptr(max(retryCount, 2)),
	})
}

func TestRunOnce_RequeuesStuckJobOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.processing(t, "job-1", 0)

	f.now = f.now.Add(31 * time.Minute)
	rep, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, rep.Requeued)
	assert.Equal(t, []string{"job-1"}, f.launcher.IDs())

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobRetryPending, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	assert.Equal(t, string(retry.ClassTimeout), job.ErrorType)
	require.NotNil(t, job.NextRetryAt)

	again, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, again.empty(), "second cycle must not repeat the transition: %+v", again)
	assert.Len(t, f.launcher.IDs(), 1)
}

func TestRunOnce_ActiveJobIsNotSwept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.processing(t, "job-1", 0)

	f.now = f.now.Add(25 * time.Minute)
	_, err := f.store.TransitionJob(ctx, "job-1", core.JobExpectation{}, core.JobUpdate{Progress: ptr(40)})
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	rep, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Requeued)
	assert.Empty(t, rep.Failed)
}

func TestRunOnce_ExhaustedStuckJobFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.processing(t, "job-1", 2)

	f.now = f.now.Add(time.Hour)
	rep, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"job-1"}, rep.Failed)
	assert.Empty(t, f.launcher.IDs())

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobError, job.Status)
	assert.Equal(t, job.MaxRetryCount, job.RetryCount)

	doc, err := f.store.GetDocument(ctx, job.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, models.DocumentError, doc.Status)
}

// snapshotStore serves a stuck-job listing taken before another writer
// touched the job.
type snapshotStore struct {
	*memstore.Store
	stuck []models.ProcessingJob
}

func (s *snapshotStore) ListStuckJobs(context.Context, time.Time, int) ([]models.ProcessingJob, error) {
	return s.stuck, nil
}

func TestRunOnce_SkipsJobMovedByWorker(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.processing(t, "job-1", 0)
	snap, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)

	f.now = f.now.Add(31 * time.Minute)
	_, err = f.store.TransitionJob(ctx, "job-1", core.JobExpectation{}, core.JobUpdate{Progress: ptr(50)})
	require.NoError(t, err)

	sweeper := f.newSweeper(&snapshotStore{Store: f.store, stuck: []models.ProcessingJob{*snap}})
	rep, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Skipped)
	assert.Empty(t, rep.Requeued)

	job, err := f.store.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobProcessing, job.Status)
	assert.Zero(t, job.RetryCount)
}

func TestRunOnce_RelaunchesStalePendingAndOrphanedRetries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "pending-1", core.JobUpdate{})
	f.seed(t, "retry-1", core.JobUpdate{
		Status:      ptr(models.JobRetryPending),
		RetryCount:  ptr(1),
		NextRetryAt: ptr(f.now.Add(time.Minute)),
	})
	f.seed(t, "retry-future", core.JobUpdate{
		Status:      ptr(models.JobRetryPending),
		RetryCount:  ptr(1),
		NextRetryAt: ptr(f.now.Add(time.Hour)),
	})

	f.now = f.now.Add(31 * time.Minute)
	rep, err := f.sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"pending-1", "retry-1"}, rep.Relaunched)
	assert.ElementsMatch(t, []string{"pending-1", "retry-1"}, f.launcher.IDs())
}

func TestRunOnce_LaunchErrorsAreCollected(t *testing.T) {
	f := newFixture(t)
	f.launcher.err = errors.New("pool closed")
	f.seed(t, "pending-1", core.JobUpdate{})

	f.now = f.now.Add(time.Hour)
	rep, err := f.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Relaunched)
	require.Len(t, rep.Errors, 1)
	assert.ErrorContains(t, rep.Errors[0], "pool closed")
}

func TestRun_StopsWithContext(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.sweeper.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}
