package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Budget tracks the retries left for a unit of work. The job tracker
// implements it against the persisted retry_count; LocalBudget keeps the
// count in memory.
type Budget interface {
	// Spend records a failed attempt and returns how long to wait before
	// the next one, or ErrExhausted when no retries remain.
	Spend(ctx context.Context, e *Error, p Policy) (time.Duration, error)
	// Resume is called after the wait, before the next attempt.
	Resume(ctx context.Context) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs operations under the policy table.
type Executor struct {
	policies Policies
	sleep    SleepFunc
	logger   *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleep replaces the wait between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(x *Executor) {
		if fn != nil {
			x.sleep = fn
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(x *Executor) {
		if logger != nil {
			x.logger = logger
		}
	}
}

// NewExecutor creates an executor consulting policies.
func NewExecutor(policies Policies, opts ...Option) *Executor {
	if policies == nil {
		policies = DefaultPolicies()
	}
	x := &Executor{
		policies: policies,
		sleep:    sleepContext,
		logger:   slog.Default().With("component", "retry"),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Policies returns the table the executor consults.
func (x *Executor) Policies() Policies { return x.policies }

// Do runs fn until it succeeds, fails with a non-retryable or exhausted
// error, or the budget refuses another attempt. Failures returned by Do are
// *Error values, abort errors, or context errors.
func (x *Executor) Do(ctx context.Context, b Budget, name string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if IsAbort(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		e := Classify(err)
		if e.Exhausted {
			return e
		}
		if !e.Class.Retryable() {
			return e.exhausted()
		}

		delay, berr := b.Spend(ctx, e, x.policies.Lookup(e.Class))
		if errors.Is(berr, ErrExhausted) {
			x.logger.Warn("retries exhausted", "op", name, "class", e.Class, "attempt", attempt, "err", e.Err)
			return e.exhausted()
		}
		if berr != nil {
			return berr
		}

		x.logger.Info("operation failed, will retry", "op", name, "class", e.Class, "attempt", attempt, "delay", delay, "err", e.Err)
		if err := x.sleep(ctx, delay); err != nil {
			return err
		}
		if err := b.Resume(ctx); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// LocalBudget is an in-memory budget for work with no persisted job, such as
// embedding a search query.
type LocalBudget struct {
	ceiling int
	spent   int
}

// NewLocalBudget caps every class at ceiling retries.
func NewLocalBudget(ceiling int) *LocalBudget {
	return &LocalBudget{ceiling: ceiling}
}

func (l *LocalBudget) Spend(_ context.Context, _ *Error, p Policy) (time.Duration, error) {
	if l.spent >= EffectiveMax(l.spent, l.ceiling, p) {
		return 0, ErrExhausted
	}
	d := p.Delay(l.spent)
	l.spent++
	return d, nil
}

func (l *LocalBudget) Resume(context.Context) error { return nil }

// Spent returns the retries used so far.
func (l *LocalBudget) Spent() int { return l.spent }
