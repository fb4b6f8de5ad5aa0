package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/markdave123-py/contexta-ingest/internal/core"
	"github.com/markdave123-py/contexta-ingest/internal/models"
)

// Outcome is what happened to one event.
type Outcome string

const (
	OutcomeLaunched       Outcome = "launched"
	OutcomeNoJob          Outcome = "no_job"
	OutcomeAlreadyRunning Outcome = "already_running"
	OutcomeDuplicate      Outcome = "duplicate"
)

// Deduper drops repeated deliveries of the same event.
type Deduper interface {
	Seen(ev core.ObjectEvent) (bool, error)
	Forget(ev core.ObjectEvent) error
}

// Result pairs an event with its outcome.
type Result struct {
	Bucket  string  `json:"bucket"`
	Key     string  `json:"key"`
	JobID   string  `json:"job_id,omitempty"`
	Outcome Outcome `json:"outcome"`
}

// Dispatcher resolves events to jobs and launches one worker per job.
type Dispatcher struct {
	store    core.JobStore
	launcher core.Launcher
	dedupe   Deduper
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher. dedupe may be nil.
func NewDispatcher(store core.JobStore, launcher core.Launcher, dedupe Deduper) *Dispatcher {
	return &Dispatcher{
		store:    store,
		launcher: launcher,
		dedupe:   dedupe,
		logger:   slog.Default().With("component", "dispatch"),
	}
}

// Dispatch handles one object-finalized event. An event with no pending or
// processing job is logged and dropped rather than reported as an error,
// since redelivering it cannot make a job appear.
func (d *Dispatcher) Dispatch(ctx context.Context, ev core.ObjectEvent) (Result, error) {
	res := Result{Bucket: ev.Bucket, Key: ev.Key}
	log := d.logger.With("bucket", ev.Bucket, "key", ev.Key)

	if d.dedupe != nil {
		seen, err := d.dedupe.Seen(ev)
		if err != nil {
			log.Warn("event dedupe unavailable, dispatching anyway", "err", err)
		} else if seen {
			log.Debug("duplicate event dropped")
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
	}

	job, err := d.store.FindActiveJobByStorageKey(ctx, ev.Bucket, ev.Key)
	if errors.Is(err, core.ErrNotFound) {
		log.Warn("no pending job for stored object, event dropped", "size", ev.Size)
		res.Outcome = OutcomeNoJob
		return res, nil
	}
	if err != nil {
		d.forget(ev)
		return res, fmt.Errorf("resolve job: %w", err)
	}
	res.JobID = job.ID
	log = log.With("job_id", job.ID, "document_id", job.DocumentID)

	if job.Status == models.JobProcessing {
		log.Info("job already running, event ignored")
		res.Outcome = OutcomeAlreadyRunning
		return res, nil
	}

	if err := d.launcher.Launch(ctx, job.ID); err != nil {
		d.forget(ev)
		return res, fmt.Errorf("launch job %s: %w", job.ID, err)
	}
	log.Info("worker launched")
	res.Outcome = OutcomeLaunched
	return res, nil
}

// DispatchAll handles a batch, stopping at the first error.
func (d *Dispatcher) DispatchAll(ctx context.Context, events []core.ObjectEvent) ([]Result, error) {
	out := make([]Result, 0, len(events))
	for _, ev := range events {
		res, err := d.Dispatch(ctx, ev)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// Handle adapts Dispatch to an event callback, such as the local storage
// watcher.
func (d *Dispatcher) Handle(ctx context.Context, ev core.ObjectEvent) {
	if _, err := d.Dispatch(ctx, ev); err != nil {
		d.logger.Error("dispatch failed", "bucket", ev.Bucket, "key", ev.Key, "err", err)
	}
}

func (d *Dispatcher) forget(ev core.ObjectEvent) {
	if d.dedupe == nil {
		return
	}
	if err := d.dedupe.Forget(ev); err != nil {
		d.logger.Warn("could not forget event", "key", ev.Key, "err", err)
	}
}
