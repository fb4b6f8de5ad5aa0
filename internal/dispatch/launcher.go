package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/markdave123-py/contexta-ingest/internal/core"
)

// ErrLauncherClosed is returned by Launch after Close.
var ErrLauncherClosed = errors.New("launcher closed")

// JobProcessor runs one job to a terminal or waiting state.
type JobProcessor interface {
	ProcessJob(ctx context.Context, jobID string) error
}

// PoolLauncher runs each job as an isolated instance on an ants pool. An
// instance shares nothing with its siblings except the store, and is
// cancelled when it exceeds the instance timeout.
type PoolLauncher struct {
	pool     *ants.Pool
	proc     JobProcessor
	timeout  time.Duration
	base     context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	closed   bool
	inflight map[string]struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger
}

var _ core.Launcher = (*PoolLauncher)(nil)

// NewPoolLauncher creates a launcher running at most size instances at once.
// Launch fails fast with ants.ErrPoolOverload when every slot is busy; the
// recovery sweep relaunches the job later.
func NewPoolLauncher(proc JobProcessor, size int, timeout time.Duration) (*PoolLauncher, error) {
	if size < 1 {
		size = 1
	}
	logger := slog.Default().With("component", "launcher")
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			logger.Error("worker instance panicked", "panic", p)
		}),
	)
	if err != nil {
		return nil, err
	}
	base, cancel := context.WithCancel(context.Background())
	return &PoolLauncher{
		pool:     pool,
		proc:     proc,
		timeout:  timeout,
		base:     base,
		cancel:   cancel,
		inflight: make(map[string]struct{}),
		logger:   logger,
	}, nil
}

// Launch starts an instance for jobID unless one is already running in this
// process. The instance outlives ctx; only Close or the instance timeout
// stop it.
func (l *PoolLauncher) Launch(_ context.Context, jobID string) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLauncherClosed
	}
	if _, ok := l.inflight[jobID]; ok {
		l.mu.Unlock()
		l.logger.Debug("instance already running", "job_id", jobID)
		return nil
	}
	l.inflight[jobID] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	err := l.pool.Submit(func() {
		defer l.done(jobID)
		l.run(jobID)
	})
	if err != nil {
		l.done(jobID)
		return fmt.Errorf("submit job %s: %w", jobID, err)
	}
	return nil
}

func (l *PoolLauncher) run(jobID string) {
	ctx := l.base
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(l.base, l.timeout)
		defer cancel()
	}
	start := time.Now()
	log := l.logger.With("job_id", jobID)
	log.Info("instance started")
	if err := l.proc.ProcessJob(ctx, jobID); err != nil {
		log.Error("instance failed", "err", err, "elapsed", time.Since(start))
		return
	}
	log.Info("instance finished", "elapsed", time.Since(start))
}

func (l *PoolLauncher) done(jobID string) {
	l.mu.Lock()
	delete(l.inflight, jobID)
	l.mu.Unlock()
	l.wg.Done()
}

// Running returns the number of instances in flight.
func (l *PoolLauncher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

// Close stops accepting jobs and waits up to grace for running instances,
// then cancels the rest. Cancelled instances leave their jobs in processing
// for the recovery sweep.
func (l *PoolLauncher) Close(grace time.Duration) {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(grace):
		l.logger.Warn("cancelling running instances", "running", l.Running())
		l.cancel()
		<-finished
	}
	l.cancel()
	l.pool.Release()
}
