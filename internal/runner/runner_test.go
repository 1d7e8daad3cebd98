package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nparley/prefect/internal/cluster"
	"github.com/nparley/prefect/internal/model"
	"github.com/nparley/prefect/internal/store"
)

func newTestRunner(t *testing.T, opts Options) *ClusterRunner {
	t.Helper()
	if opts.Workers == 0 {
		opts.Workers = 4
	}
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func addTask() model.Task {
	return model.Task{
		Name: "add",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			return params["a"].(int) + params["b"].(int), nil
		},
	}
}

func TestSubmitAndResult(t *testing.T) {
	r := newTestRunner(t, Options{})

	f, err := r.Submit(context.Background(), addTask(), model.Parameters{"a": 1, "b": 2})
	require.NoError(t, err)

	v, err := f.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
	assert.True(t, f.State().IsCompleted())
}

func TestSubmissionKeyCarriesTaskName(t *testing.T) {
	r := newTestRunner(t, Options{})

	f, err := r.Submit(context.Background(), addTask(), model.Parameters{"a": 1, "b": 2})
	require.NoError(t, err)
	defer f.Result(context.Background())

	assert.True(t, strings.HasPrefix(f.Key(), "add-"), "key %q must be prefixed with the task name", f.Key())
	assert.Equal(t, "add-"+f.TaskRunID(), f.Key())
}

func TestFailedRunSurfacesOriginalError(t *testing.T) {
	r := newTestRunner(t, Options{})

	cause := errors.New("this task fails")
	f, err := r.Submit(context.Background(), model.Task{
		Name: "fails",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			return nil, cause
		},
	}, nil)
	require.NoError(t, err)

	_, err = f.Result(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, cause), "the original task error must be surfaced as-is")
	assert.True(t, f.State().IsFailed())
}

func TestDependentRunOfFailedUpstreamIsNotReady(t *testing.T) {
	r := newTestRunner(t, Options{})

	upstream, err := r.Submit(context.Background(), model.Task{
		Name: "fails",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			return nil, errors.New("this task fails")
		},
	}, nil)
	require.NoError(t, err)

	downstream, err := r.Submit(context.Background(), addTask(),
		model.Parameters{"a": 1, "b": 2}, upstream)
	require.NoError(t, err)

	st, err := downstream.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsPending())
	assert.True(t, st.IsNotReady())
	assert.Equal(t, model.NotReadyName, st.Name)
	assert.Contains(t, st.Message,
		fmt.Sprintf("upstream task run '%s' did not reach a 'COMPLETED' state", upstream.TaskRunID()))

	_, err = downstream.Result(context.Background())
	require.Error(t, err)
}

func TestTimeoutMarksRunFailedNotCrashed(t *testing.T) {
	r := newTestRunner(t, Options{})

	slow, err := r.Submit(context.Background(), model.Task{
		Name:    "sleeper",
		Timeout: 100 * time.Millisecond,
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			select {
			case <-time.After(10 * time.Second):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}, nil)
	require.NoError(t, err)

	// A run depending on the timed-out run must finish NotReady; an
	// independent run must be unaffected.
	dependent, err := r.Submit(context.Background(), addTask(),
		model.Parameters{"a": 1, "b": 2}, slow)
	require.NoError(t, err)

	independent, err := r.Submit(context.Background(), addTask(),
		model.Parameters{"a": 3, "b": 4})
	require.NoError(t, err)

	st, err := slow.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsFailed(), "a timeout is a task failure, not a crash")
	assert.Contains(t, st.Message, "exceeded timeout")

	st, err = dependent.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsNotReady())

	v, err := independent.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestParameterFuturesAreResolvedBeforeExecution(t *testing.T) {
	r := newTestRunner(t, Options{})

	upstream, err := r.Submit(context.Background(), addTask(), model.Parameters{"a": 1, "b": 2})
	require.NoError(t, err)

	downstream, err := r.Submit(context.Background(), model.Task{
		Name: "double",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			return params["n"].(int) * 2, nil
		},
	}, model.Parameters{"n": upstream})
	require.NoError(t, err)

	v, err := downstream.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, v)
}

func TestKilledRunCrashesWithoutReRaising(t *testing.T) {
	r := newTestRunner(t, Options{})

	started := make(chan struct{})
	f, err := r.Submit(context.Background(), model.Task{
		Name: "long",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}, nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	assert.True(t, f.Cancel())

	st, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsCrashed())

	_, err = f.Result(context.Background())
	require.Error(t, err)
	assert.False(t, errors.Is(err, cluster.ErrKilled), "the low-level kill error must not be re-raised")
	assert.False(t, errors.Is(err, context.Canceled))
	assert.Contains(t, err.Error(), "crashed")
}

func TestWorkerPanicCrashesRun(t *testing.T) {
	r := newTestRunner(t, Options{})

	f, err := r.Submit(context.Background(), model.Task{
		Name: "panics",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			panic("boom")
		},
	}, nil)
	require.NoError(t, err)

	st, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsCrashed())
	assert.Contains(t, st.Message, "boom")
}

func TestCancelUnknownRunReturnsFalse(t *testing.T) {
	r := newTestRunner(t, Options{})
	assert.False(t, r.Cancel("nonexistent"))
}

func TestAsCompletedYieldsInCompletionOrder(t *testing.T) {
	r := newTestRunner(t, Options{})

	sleeper := func(d time.Duration) model.Task {
		return model.Task{
			Name: "sleeper",
			Fn: func(ctx context.Context, params model.Parameters) (any, error) {
				select {
				case <-time.After(d):
					return d.String(), nil
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			},
		}
	}

	slow, err := r.Submit(context.Background(), sleeper(500*time.Millisecond), nil)
	require.NoError(t, err)
	fast, err := r.Submit(context.Background(), sleeper(10*time.Millisecond), nil)
	require.NoError(t, err)

	var order []*Future
	for f := range AsCompleted(slow, fast) {
		order = append(order, f)
	}

	require.Len(t, order, 2)
	assert.Same(t, fast, order[0])
	assert.Same(t, slow, order[1])
}

func TestWaitForGatesExecutionOrder(t *testing.T) {
	r := newTestRunner(t, Options{})

	var mu sync.Mutex
	var trace []string
	record := func(name string) model.Task {
		return model.Task{
			Name: name,
			Fn: func(ctx context.Context, params model.Parameters) (any, error) {
				time.Sleep(20 * time.Millisecond)
				mu.Lock()
				trace = append(trace, name)
				mu.Unlock()
				return name, nil
			},
		}
	}

	first, err := r.Submit(context.Background(), record("first"), nil)
	require.NoError(t, err)
	second, err := r.Submit(context.Background(), record("second"), nil)
	require.NoError(t, err)
	third, err := r.Submit(context.Background(), record("third"), nil, first, second)
	require.NoError(t, err)

	_, err = third.Result(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, trace, 3)
	assert.Equal(t, "third", trace[2], "a gated run must execute after all of its upstreams")

	thirdSt := third.State()
	for _, up := range []*Future{first, second} {
		assert.True(t, thirdSt.Timestamp.After(up.State().Timestamp),
			"a gated run's completion timestamp must exceed its upstreams'")
	}
}

func TestMapSubmitsOnePerElement(t *testing.T) {
	r := newTestRunner(t, Options{})

	futures, err := r.Map(context.Background(), model.Task{
		Name: "square",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			n := params["n"].(int)
			return n * n, nil
		},
	}, []model.Parameters{{"n": 1}, {"n": 2}, {"n": 3}})
	require.NoError(t, err)
	require.Len(t, futures, 3)

	want := []int{1, 4, 9}
	for i, f := range futures {
		v, err := f.Result(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want[i], v)
	}
}

func TestMapGatedOnFailedUpstreamIsNotReady(t *testing.T) {
	r := newTestRunner(t, Options{})

	upstream, err := r.Submit(context.Background(), model.Task{
		Name: "fails",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			return nil, errors.New("this task fails")
		},
	}, nil)
	require.NoError(t, err)

	futures, err := r.Map(context.Background(), model.Task{
		Name: "square",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			n := params["n"].(int)
			return n * n, nil
		},
	}, []model.Parameters{{"n": 1}, {"n": 2}}, upstream)
	require.NoError(t, err)
	require.Len(t, futures, 2)

	for _, f := range futures {
		st, err := f.Wait(context.Background())
		require.NoError(t, err)
		assert.True(t, st.IsNotReady(), "every mapped run must be gated on the upstream")
	}
}

func TestNestedSubmission(t *testing.T) {
	r := newTestRunner(t, Options{Workers: 4})

	outer, err := r.Submit(context.Background(), model.Task{
		Name: "outer",
		Fn: func(ctx context.Context, params model.Parameters) (any, error) {
			inner, err := r.Submit(ctx, addTask(), model.Parameters{"a": 20, "b": 22})
			if err != nil {
				return nil, err
			}
			return inner.Result(ctx)
		},
	}, nil)
	require.NoError(t, err)

	v, err := outer.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestDuplicateRunnerIsIndependent(t *testing.T) {
	r := newTestRunner(t, Options{})

	dup, err := r.Duplicate()
	require.NoError(t, err)
	defer dup.Close()

	f1, err := r.Submit(context.Background(), addTask(), model.Parameters{"a": 1, "b": 1})
	require.NoError(t, err)
	f2, err := dup.Submit(context.Background(), addTask(), model.Parameters{"a": 2, "b": 2})
	require.NoError(t, err)

	v1, err := f1.Result(context.Background())
	require.NoError(t, err)
	v2, err := f2.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v1)
	assert.Equal(t, 4, v2)

	// Closing the duplicate must not affect the original.
	require.NoError(t, dup.Close())
	f3, err := r.Submit(context.Background(), addTask(), model.Parameters{"a": 3, "b": 3})
	require.NoError(t, err)
	v3, err := f3.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, v3)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	r, err := New(Options{Workers: 1})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	_, err = r.Submit(context.Background(), addTask(), model.Parameters{"a": 1, "b": 2})
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestAdaptiveRunner(t *testing.T) {
	r := newTestRunner(t, Options{Workers: 1, AdaptMin: 1, AdaptMax: 4})

	f, err := r.Submit(context.Background(), addTask(), model.Parameters{"a": 1, "b": 2})
	require.NoError(t, err)

	v, err := f.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestAdaptiveRequiresCapableCluster(t *testing.T) {
	_, err := New(Options{Client: &stubClient{}, AdaptMin: 1, AdaptMax: 4})
	require.Error(t, err)
}

func TestFailedConstructionClosesOwnedCluster(t *testing.T) {
	before := runtime.NumGoroutine()

	// Invalid adapt bounds fail construction after the owned cluster is
	// created; its worker goroutines must not outlive the error.
	for i := 0; i < 5; i++ {
		_, err := New(Options{Workers: 8, AdaptMin: 0, AdaptMax: 4})
		require.Error(t, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if runtime.NumGoroutine() <= before+2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("goroutines before=%d after=%d, owned cluster workers leaked",
		before, runtime.NumGoroutine())
}

func TestSubmissionFailureCrashesRun(t *testing.T) {
	r := newTestRunner(t, Options{
		Client: &stubClient{submitErr: errors.New("scheduler unreachable")},
	})

	f, err := r.Submit(context.Background(), addTask(), model.Parameters{"a": 1, "b": 2})
	require.NoError(t, err)

	st, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, st.IsCrashed())
	assert.Contains(t, st.Message, "scheduler unreachable")
}

func TestRunnerPersistsLifecycle(t *testing.T) {
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	r := newTestRunner(t, Options{Store: s, FlowRunID: "fr1"})

	f, err := r.Submit(context.Background(), addTask(), model.Parameters{"a": 1, "b": 2})
	require.NoError(t, err)
	_, err = f.Result(context.Background())
	require.NoError(t, err)

	tr, err := s.GetTaskRun(context.Background(), f.TaskRunID())
	require.NoError(t, err)
	assert.Equal(t, model.StateTypeCompleted, tr.StateType)
	assert.Equal(t, "fr1", tr.FlowRunID)
	assert.Equal(t, "add", tr.TaskName)
	assert.NotNil(t, tr.StartedAt)
	assert.NotNil(t, tr.FinishedAt)
}

func TestAbandonedFutureWarns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	f := &Future{key: "add-abc", taskRunID: "abc", done: make(chan struct{})}
	f.reportAbandoned(logger)
	assert.Contains(t, buf.String(), "a future was garbage collected before it resolved")
}

func TestObservedFutureDoesNotWarn(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	f := &Future{key: "add-abc", taskRunID: "abc", done: make(chan struct{})}
	f.resolve(model.Completed(nil))
	_, err := f.Wait(context.Background())
	require.NoError(t, err)

	f.reportAbandoned(logger)
	assert.Empty(t, buf.String())
}

// stubClient is a cluster client that fails every submission. It does not
// implement adaptive scaling.
type stubClient struct {
	submitErr error
}

func (s *stubClient) Submit(ctx context.Context, spec cluster.TaskSpec) (cluster.Future, error) {
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	return nil, errors.New("stub client cannot execute work")
}

func (s *stubClient) Close() error { return nil }
