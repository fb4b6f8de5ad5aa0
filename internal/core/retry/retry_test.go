package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestPolicy_Delay(t *testing.T) {
	p := DefaultPolicies()[ClassTransient]
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 5*time.Second, p.Delay(1))
	assert.Equal(t, 15*time.Second, p.Delay(2))
	assert.Equal(t, 15*time.Second, p.Delay(7), "last entry repeats")
	assert.Zero(t, Policy{}.Delay(3))
}

func TestDefaultPolicies_ValidationNeverRetries(t *testing.T) {
	ps := DefaultPolicies()
	assert.Zero(t, ps[ClassValidation].MaxRetries)
	for _, c := range Classes {
		_, ok := ps[c]
		assert.True(t, ok, "missing policy for %s", c)
	}
}

func TestEffectiveMax(t *testing.T) {
	transient := DefaultPolicies()[ClassTransient]
	assert.Equal(t, 3, EffectiveMax(0, 5, transient))
	assert.Equal(t, 2, EffectiveMax(0, 2, transient), "ceiling caps the policy")
	assert.Equal(t, 4, EffectiveMax(4, 5, transient), "never below retries already spent")
	assert.Equal(t, 0, EffectiveMax(0, 5, DefaultPolicies()[ClassValidation]))
}

func TestParsePolicies(t *testing.T) {
	ps, err := ParsePolicies([]byte(`
[policies.transient_dependency]
max_retries = 4
backoff = ["2s", "4s"]
`))
	require.NoError(t, err)
	assert.Equal(t, 4, ps[ClassTransient].MaxRetries)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, ps[ClassTransient].Backoff)
	assert.Equal(t, DefaultPolicies()[ClassRateLimited], ps[ClassRateLimited])
}

func TestParsePolicies_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown class":       "[policies.gremlins]\nmax_retries = 1\nbackoff = [\"1s\"]\n",
		"retrying validation": "[policies.validation]\nmax_retries = 1\nbackoff = [\"1s\"]\n",
		"bad duration":        "[policies.system]\nmax_retries = 1\nbackoff = [\"soon\"]\n",
		"missing backoff":     "[policies.system]\nmax_retries = 1\n",
		"negative":            "[policies.system]\nmax_retries = -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePolicies([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadPolicies_EmptyPath(t *testing.T) {
	ps, err := LoadPolicies("")
	require.NoError(t, err)
	assert.Equal(t, DefaultPolicies(), ps)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"deadline", fmt.Errorf("embed: %w", context.DeadlineExceeded), ClassTimeout},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), ClassRateLimited},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), ClassTransient},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad media"), ClassValidation},
		{"grpc permission", status.Error(codes.PermissionDenied, "nope"), ClassSystem},
		{"googleapi 429", &googleapi.Error{Code: http.StatusTooManyRequests}, ClassRateLimited},
		{"googleapi 503", &googleapi.Error{Code: http.StatusServiceUnavailable}, ClassTransient},
		{"googleapi 400", &googleapi.Error{Code: http.StatusBadRequest}, ClassValidation},
		{"text rate limit", errors.New("provider says: rate limit reached"), ClassRateLimited},
		{"text reset", errors.New("read tcp: connection reset by peer"), ClassTransient},
		{"unknown", errors.New("nil map write"), ClassSystem},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err).Class)
		})
	}
	assert.Nil(t, Classify(nil))
}

func TestClassify_KeepsClassifiedErrors(t *testing.T) {
	orig := Newf(ClassStorageConsistency, "no such key %q", "a/b")
	got := Classify(fmt.Errorf("download: %w", orig))
	assert.Same(t, orig, got)
}

func TestError_Messages(t *testing.T) {
	e := New(ClassSystem, errors.New("pq: relation missing"))
	assert.Equal(t, ClassSystem.DefaultMessage(), e.UserMessage())
	assert.Equal(t, "pq: relation missing", e.Detail())
	assert.NotContains(t, e.UserMessage(), "pq")

	v := Validation("unsupported file type", nil)
	assert.Equal(t, "unsupported file type", v.UserMessage())
	assert.True(t, v.Exhausted)
}

type recordingBudget struct {
	spent   int
	limit   int
	resumed int
	delays  []time.Duration
	err     error
}

func (b *recordingBudget) Spend(_ context.Context, _ *Error, p Policy) (time.Duration, error) {
	if b.err != nil {
		return 0, b.err
	}
	if b.spent >= b.limit {
		return 0, ErrExhausted
	}
	d := p.Delay(b.spent)
	b.delays = append(b.delays, d)
	b.spent++
	return d, nil
}

func (b *recordingBudget) Resume(context.Context) error {
	b.resumed++
	return nil
}

func noSleep(context.Context, time.Duration) error { return nil }

func TestExecutor_EventualSuccess(t *testing.T) {
	x := NewExecutor(DefaultPolicies(), WithSleep(noSleep))
	budget := &recordingBudget{limit: 3}

	attempts := 0
	err := x.Do(context.Background(), budget, "embed", func(context.Context) error {
		attempts++
		if attempts < 3 {
			return status.Error(codes.Unavailable, "embedding backend unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 2, budget.spent)
	assert.Equal(t, 2, budget.resumed)
	assert.Equal(t, []time.Duration{time.Second, 5 * time.Second}, budget.delays)
}

func TestExecutor_Exhausted(t *testing.T) {
	x := NewExecutor(DefaultPolicies(), WithSleep(noSleep))
	budget := &recordingBudget{limit: 1}

	attempts := 0
	err := x.Do(context.Background(), budget, "embed", func(context.Context) error {
		attempts++
		return status.Error(codes.ResourceExhausted, "quota")
	})

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.True(t, e.Exhausted)
	assert.Equal(t, ClassRateLimited, e.Class)
	assert.Equal(t, 2, attempts)
}

func TestExecutor_ValidationIsNotRetried(t *testing.T) {
	x := NewExecutor(DefaultPolicies(), WithSleep(noSleep))
	budget := &recordingBudget{limit: 5}

	attempts := 0
	err := x.Do(context.Background(), budget, "parse", func(context.Context) error {
		attempts++
		return New(ClassValidation, errors.New("corrupt pdf"))
	})

	var e *Error
	require.ErrorAs(t, err, &e)
	assert.True(t, e.Exhausted)
	assert.Equal(t, 1, attempts)
	assert.Zero(t, budget.spent)
}

func TestExecutor_AbortPassesThrough(t *testing.T) {
	x := NewExecutor(DefaultPolicies(), WithSleep(noSleep))
	cancelled := errors.New("job cancelled")

	err := x.Do(context.Background(), &recordingBudget{limit: 5}, "store", func(context.Context) error {
		return Abort(cancelled)
	})

	assert.ErrorIs(t, err, cancelled)
	assert.True(t, IsAbort(err))
}

func TestExecutor_BudgetErrorStops(t *testing.T) {
	x := NewExecutor(DefaultPolicies(), WithSleep(noSleep))
	conflict := Abort(errors.New("superseded"))

	err := x.Do(context.Background(), &recordingBudget{limit: 5, err: conflict}, "store", func(context.Context) error {
		return errors.New("connection reset")
	})
	assert.Equal(t, conflict, err)
}

func TestExecutor_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	x := NewExecutor(DefaultPolicies())

	err := x.Do(ctx, &recordingBudget{limit: 5}, "embed", func(context.Context) error {
		cancel()
		return errors.New("connection reset")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalBudget(t *testing.T) {
	b := NewLocalBudget(2)
	p := DefaultPolicies()[ClassTransient]

	d, err := b.Spend(context.Background(), nil, p)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	_, err = b.Spend(context.Background(), nil, p)
	require.NoError(t, err)
	_, err = b.Spend(context.Background(), nil, p)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, 2, b.Spent())
}
