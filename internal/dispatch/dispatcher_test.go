package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/core/memstore"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

type fakeLauncher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (l *fakeLauncher) Launch(_ context.Context, jobID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.ids = append(l.ids, jobID)
	return nil
}

func seedJob(t *testing.T, s *memstore.Store, id, key string, status models.JobStatus) {
	t.Helper()
	doc := &models.Document{
		ID: "doc-" + id, OwnerID: "alice", FileName: "a.pdf", Category: models.CategoryDocument,
		StorageBucket: "contexta-docs", StorageKey: key, Status: models.DocumentUploading,
	}
	job := &models.ProcessingJob{ID: id, DocumentID: doc.ID, Status: status, MaxRetryCount: 5}
	require.NoError(t, s.CreateDocumentWithJob(context.Background(), doc, job))
}

func openDeduper(t *testing.T) *EventDeduper {
	t.Helper()
	d, err := OpenEventDeduper("", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func event(key string) core.ObjectEvent {
	return core.ObjectEvent{Bucket: "contexta-docs", Key: key, ETag: "etag", Sequencer: "01"}
}

func TestDispatch_LaunchesPendingJob(t *testing.T) {
	store := memstore.New()
	seedJob(t, store, "job-1", "users/alice/a.pdf", models.JobPending)
	launcher := &fakeLauncher{}
	d := NewDispatcher(store, launcher, openDeduper(t))

	res, err := d.Dispatch(context.Background(), event("users/alice/a.pdf"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLaunched, res.Outcome)
	assert.Equal(t, "job-1", res.JobID)
	assert.Equal(t, []string{"job-1"}, launcher.ids)
}

func TestDispatch_DuplicateDeliveryLaunchesOnce(t *testing.T) {
	store := memstore.New()
	seedJob(t, store, "job-1", "k", models.JobPending)
	launcher := &fakeLauncher{}
	d := NewDispatcher(store, launcher, openDeduper(t))

	first, err := d.Dispatch(context.Background(), event("k"))
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), event("k"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeLaunched, first.Outcome)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Len(t, launcher.ids, 1)
}

func TestDispatch_NoJobIsDropped(t *testing.T) {
	d := NewDispatcher(memstore.New(), &fakeLauncher{}, nil)
	res, err := d.Dispatch(context.Background(), event("unknown"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoJob, res.Outcome)
}

func TestDispatch_ProcessingJobIsNotRelaunched(t *testing.T) {
	store := memstore.New()
	seedJob(t, store, "job-1", "k", models.JobProcessing)
	launcher := &fakeLauncher{}
	d := NewDispatcher(store, launcher, nil)

	res, err := d.Dispatch(context.Background(), event("k"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyRunning, res.Outcome)
	assert.Empty(t, launcher.ids)
}

func TestDispatch_LaunchFailureAllowsRedelivery(t *testing.T) {
	store := memstore.New()
	seedJob(t, store, "job-1", "k", models.JobPending)
	launcher := &fakeLauncher{err: errors.New("pool overloaded")}
	d := NewDispatcher(store, launcher, openDeduper(t))

	_, err := d.Dispatch(context.Background(), event("k"))
	require.ErrorContains(t, err, "pool overloaded")

	launcher.err = nil
	res, err := d.Dispatch(context.Background(), event("k"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLaunched, res.Outcome)
}

func TestDispatchAll(t *testing.T) {
	store := memstore.New()
	seedJob(t, store, "job-1", "a", models.JobPending)
	seedJob(t, store, "job-2", "b", models.JobPending)
	d := NewDispatcher(store, &fakeLauncher{}, nil)

	results, err := d.DispatchAll(context.Background(), []core.ObjectEvent{event("a"), event("missing"), event("b")})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []Outcome{OutcomeLaunched, OutcomeNoJob, OutcomeLaunched},
		[]Outcome{results[0].Outcome, results[1].Outcome, results[2].Outcome})
}

func TestEventDeduper_DistinctDeliveries(t *testing.T) {
	d := openDeduper(t)
	ev := event("k")

	seen, err := d.Seen(ev)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = d.Seen(ev)
	require.NoError(t, err)
	assert.True(t, seen)

	overwrite := ev
	overwrite.Sequencer = "02"
	seen, err = d.Seen(overwrite)
	require.NoError(t, err)
	assert.False(t, seen, "a new upload to the same key is a new delivery")

	require.NoError(t, d.Forget(ev))
	seen, err = d.Seen(ev)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestEventDeduper_PersistsOnDisk(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenEventDeduper(dir, time.Hour)
	require.NoError(t, err)
	_, err = d.Seen(event("k"))
	require.NoError(t, err)
	require.NoError(t, d.Close())

	reopened, err := OpenEventDeduper(dir, time.Hour)
	require.NoError(t, err)
	defer reopened.Close()
	seen, err := reopened.Seen(event("k"))
	require.NoError(t, err)
	assert.True(t, seen)
}
