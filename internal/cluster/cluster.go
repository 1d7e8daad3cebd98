package cluster

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned when work is submitted to a closed cluster, and is
// the outcome error for work abandoned by a cluster shutdown.
var ErrClosed = errors.New("cluster is closed")

// ErrKilled is the outcome error for work terminated by a kill signal.
var ErrKilled = errors.New("task was killed")

// Callable is a unit of work handed to the cluster for execution.
type Callable func(ctx context.Context, params map[string]any) (any, error)

// TaskSpec describes one unit of work submitted to the cluster.
type TaskSpec struct {
	// Key identifies the submission; the runner prefixes it with the task
	// name so cluster-side observability can attribute work.
	Key string

	Fn     Callable
	Params map[string]any

	// Timeout bounds execution; zero means no limit.
	Timeout time.Duration
}

// Outcome is the resolved result of a cluster future. Crashed marks
// infrastructure-level abnormal termination (kill, cancellation, worker
// panic, cluster shutdown) as opposed to an error returned by the callable.
type Outcome struct {
	Value   any
	Err     error
	Crashed bool
}

// Future is a handle to an asynchronous cluster result.
type Future interface {
	// Key returns the submission key.
	Key() string

	// Done returns a channel that is closed once the outcome is available.
	Done() <-chan struct{}

	// Outcome returns the resolved result. Only valid after Done is closed.
	Outcome() Outcome

	// Cancel requests that the unit of work be killed. Queued work is
	// discarded; running work has its context cancelled. The future resolves
	// with a crashed outcome.
	Cancel()
}

// Client is the distributed-computing client the task runner submits work
// to. Implementations own scheduling, worker management and fault signaling.
type Client interface {
	// Submit hands one unit of work to the cluster and returns a future for
	// its outcome. The context only covers the submission itself, not the
	// execution.
	Submit(ctx context.Context, spec TaskSpec) (Future, error)

	// Close shuts down the client. Queued and running work resolves with a
	// crashed outcome. Blocks until workers have exited.
	Close() error
}

// Adaptive is implemented by clusters that support adaptive worker scaling
// between a lower and upper bound. The runner detects the capability with a
// type assertion and forwards its configured bounds.
type Adaptive interface {
	Adapt(min, max int) error
}
