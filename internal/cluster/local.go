package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// defaultQueueSize is the submission queue capacity when none is given.
	defaultQueueSize = 256

	// workerIdlePoll is how often an idle worker re-checks the scale target.
	workerIdlePoll = 100 * time.Millisecond

	// adaptInterval is how often the adaptive controller reconciles the
	// worker count against the queue depth.
	adaptInterval = 250 * time.Millisecond
)

// LocalOptions configure an in-process cluster.
type LocalOptions struct {
	// Workers is the pool size. Defaults to GOMAXPROCS.
	Workers int

	// QueueSize is the submission queue capacity.
	QueueSize int

	Logger *slog.Logger
}

// Local is an in-process cluster: a bounded worker pool pulling submissions
// from a queue. It enforces per-task timeouts via context deadlines, recovers
// worker panics as crashed outcomes, and supports kill signals and adaptive
// scaling of the worker count.
type Local struct {
	logger *slog.Logger
	queue  chan *localFuture

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// target is the desired worker count; workers retire when the live count
	// exceeds it.
	target atomic.Int64
	active atomic.Int64

	adaptMu            sync.Mutex
	adaptMin, adaptMax int
	adaptOnce          sync.Once

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Compile-time interface satisfaction checks.
var (
	_ Client   = (*Local)(nil)
	_ Adaptive = (*Local)(nil)
)

// NewLocal starts an in-process cluster with the given options.
func NewLocal(opts LocalOptions) *Local {
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Local{
		logger:     logger,
		queue:      make(chan *localFuture, queueSize),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	c.target.Store(int64(workers))
	for i := 0; i < workers; i++ {
		c.spawnWorker()
	}
	return c
}

// Submit enqueues one unit of work. Blocks while the queue is full.
func (c *Local) Submit(ctx context.Context, spec TaskSpec) (Future, error) {
	if spec.Fn == nil {
		return nil, fmt.Errorf("task spec %q has no callable", spec.Key)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	f := &localFuture{
		key:  spec.Key,
		spec: spec,
		done: make(chan struct{}),
	}

	select {
	case c.queue <- f:
		// A concurrent Close may have drained the queue before this send
		// landed; re-check and resolve so no enqueued future is left
		// unresolved. resolve is idempotent, so a future the drain (or a
		// worker) already handled is unaffected.
		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed {
			f.resolve(Outcome{Err: ErrClosed, Crashed: true})
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.baseCtx.Done():
		return nil, ErrClosed
	}
}

// Adapt enables adaptive scaling: the pool grows toward max while work is
// queued and shrinks toward min when idle.
func (c *Local) Adapt(min, max int) error {
	if min < 1 || max < min {
		return fmt.Errorf("invalid adapt bounds: min=%d max=%d", min, max)
	}

	c.adaptMu.Lock()
	c.adaptMin, c.adaptMax = min, max
	c.adaptMu.Unlock()

	c.target.Store(int64(min))
	c.ensureWorkers(min)
	c.adaptOnce.Do(func() {
		go c.adaptLoop()
	})
	return nil
}

// Workers returns the current live worker count.
func (c *Local) Workers() int {
	return int(c.active.Load())
}

// Close shuts down the cluster. Running work resolves with a crashed
// outcome; queued work is drained and resolved the same way.
func (c *Local) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.baseCancel()
	c.wg.Wait()

	for {
		select {
		case f := <-c.queue:
			f.resolve(Outcome{Err: ErrClosed, Crashed: true})
		default:
			return nil
		}
	}
}

func (c *Local) spawnWorker() {
	c.active.Add(1)
	c.wg.Add(1)
	go c.worker()
}

func (c *Local) worker() {
	defer c.wg.Done()
	defer c.active.Add(-1)

	idle := time.NewTicker(workerIdlePoll)
	defer idle.Stop()

	for {
		if c.active.Load() > c.target.Load() {
			return
		}
		select {
		case <-c.baseCtx.Done():
			return
		case f := <-c.queue:
			c.run(f)
		case <-idle.C:
			// Re-check the scale target.
		}
	}
}

// ensureWorkers spawns workers until the live count reaches n.
func (c *Local) ensureWorkers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for int(c.active.Load()) < n {
		c.spawnWorker()
	}
}

func (c *Local) adaptLoop() {
	ticker := time.NewTicker(adaptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.baseCtx.Done():
			return
		case <-ticker.C:
			c.adaptMu.Lock()
			min, max := c.adaptMin, c.adaptMax
			c.adaptMu.Unlock()

			desired := min
			if len(c.queue) > 0 {
				desired = max
			}
			if prev := c.target.Swap(int64(desired)); prev != int64(desired) {
				c.logger.Debug("scaling workers", "from", prev, "to", desired)
			}
			c.ensureWorkers(desired)
		}
	}
}

// run executes one unit of work on the calling worker goroutine.
func (c *Local) run(f *localFuture) {
	if f.isResolved() {
		// Killed while queued; never execute.
		return
	}

	runCtx, cancel := context.WithCancel(c.baseCtx)
	if f.spec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(c.baseCtx, f.spec.Timeout)
	}
	defer cancel()
	f.setCancel(cancel)

	// The callable runs in its own goroutine so that kill signals and
	// timeouts take effect even when it ignores its context. A preempted
	// callable keeps running until it returns; its result is discarded.
	resCh := make(chan Outcome, 1)
	go func() {
		resCh <- invoke(runCtx, f.spec)
	}()

	select {
	case out := <-resCh:
		switch {
		case f.killRequested.Load():
			f.resolve(Outcome{Err: ErrKilled, Crashed: true})
		case out.Err != nil && runCtx.Err() == context.DeadlineExceeded:
			f.resolve(timeoutOutcome(f.spec.Timeout))
		default:
			f.resolve(out)
		}
	case <-runCtx.Done():
		switch {
		case f.killRequested.Load():
			f.resolve(Outcome{Err: ErrKilled, Crashed: true})
		case c.baseCtx.Err() != nil:
			f.resolve(Outcome{Err: ErrClosed, Crashed: true})
		default:
			f.resolve(timeoutOutcome(f.spec.Timeout))
		}
	}
}

// invoke calls the task callable, converting a panic into a crashed outcome.
func invoke(ctx context.Context, spec TaskSpec) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Err: fmt.Errorf("worker panic: %v", r), Crashed: true}
		}
	}()

	v, err := spec.Fn(ctx, spec.Params)
	if err != nil {
		return Outcome{Err: err}
	}
	return Outcome{Value: v}
}

// timeoutOutcome is a task-level failure, not a crash: the run exceeded its
// declared limit.
func timeoutOutcome(timeout time.Duration) Outcome {
	return Outcome{Err: fmt.Errorf("task run exceeded timeout of %s", timeout)}
}

// localFuture is the Future implementation for the in-process cluster.
type localFuture struct {
	key  string
	spec TaskSpec
	done chan struct{}

	killRequested atomic.Bool

	mu       sync.Mutex
	outcome  Outcome
	resolved bool
	cancel   context.CancelFunc
}

func (f *localFuture) Key() string { return f.key }

func (f *localFuture) Done() <-chan struct{} { return f.done }

func (f *localFuture) Outcome() Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcome
}

func (f *localFuture) Cancel() {
	f.killRequested.Store(true)

	f.mu.Lock()
	cancel := f.cancel
	f.mu.Unlock()

	if cancel != nil {
		cancel()
		return
	}
	// Not yet picked up by a worker: resolve now so the kill takes effect
	// before execution starts.
	f.resolve(Outcome{Err: ErrKilled, Crashed: true})
}

func (f *localFuture) setCancel(cancel context.CancelFunc) {
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	if f.killRequested.Load() {
		cancel()
	}
}

func (f *localFuture) isResolved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// resolve records the outcome exactly once and unblocks waiters.
func (f *localFuture) resolve(o Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return
	}
	f.outcome = o
	f.resolved = true
	close(f.done)
}
