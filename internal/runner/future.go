package runner

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nparley/prefect/internal/model"
)

// Future is a typed handle to a submitted task run. It resolves exactly once
// with the run's final state.
type Future struct {
	taskRunID string
	key       string
	runner    *ClusterRunner

	done chan struct{}

	// observed flips once the caller retrieves the state or result. Futures
	// that are garbage collected without ever being observed log a warning.
	observed atomic.Bool

	mu    sync.Mutex
	state *model.State
}

func newFuture(r *ClusterRunner, taskRunID, key string) *Future {
	return &Future{
		taskRunID: taskRunID,
		key:       key,
		runner:    r,
		done:      make(chan struct{}),
		state:     model.Pending(),
	}
}

// TaskRunID returns the run's identifier.
func (f *Future) TaskRunID() string { return f.taskRunID }

// Key returns the cluster submission key, prefixed with the task name.
func (f *Future) Key() string { return f.key }

// Done returns a channel that is closed once the run reaches a final state.
func (f *Future) Done() <-chan struct{} { return f.done }

// State returns the run's current state without blocking.
func (f *Future) State() *model.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Wait blocks until the run reaches a final state and returns it.
func (f *Future) Wait(ctx context.Context) (*model.State, error) {
	f.observed.Store(true)
	select {
	case <-f.done:
		return f.State(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result waits for the run's final state and returns its outcome: the result
// payload for COMPLETED runs, the original task error for FAILED runs, and a
// descriptive error for CRASHED and NotReady runs.
func (f *Future) Result(ctx context.Context) (any, error) {
	st, err := f.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return st.Result()
}

// Cancel requests that the run be killed. Reports whether a kill signal was
// delivered to a run that had not yet finished.
func (f *Future) Cancel() bool {
	return f.runner.Cancel(f.taskRunID)
}

// resolve records the final state exactly once and unblocks waiters. The
// NotReady pending variant counts as final: the run will never execute.
func (f *Future) resolve(st *model.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.state = st
	close(f.done)
}

// reportAbandoned logs a warning for futures discarded without observation.
// Installed as a finalizer on every future handed to callers.
func (f *Future) reportAbandoned(logger *slog.Logger) {
	if f.observed.Load() {
		return
	}
	logger.Warn("a future was garbage collected before it resolved",
		"key", f.key, "task_run_id", f.taskRunID)
}

// AsCompleted returns a channel yielding futures in the order they reach a
// final state. The channel is closed once all futures have been yielded.
func AsCompleted(futures ...*Future) <-chan *Future {
	out := make(chan *Future, len(futures))
	var wg sync.WaitGroup
	for _, f := range futures {
		f := f
		f.observed.Store(true)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-f.done
			out <- f
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
