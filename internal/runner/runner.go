package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/nparley/prefect/internal/cluster"
	"github.com/nparley/prefect/internal/events"
	"github.com/nparley/prefect/internal/model"
	"github.com/nparley/prefect/internal/report"
	"github.com/nparley/prefect/internal/store"
)

// ErrClosed is returned when a task is submitted to a closed runner.
var ErrClosed = errors.New("task runner is closed")

// TaskRunner is the submission surface handed to flow functions.
type TaskRunner interface {
	// Submit schedules one task run. Execution is gated on the waitFor
	// futures and on any futures passed as parameter values; those are
	// replaced with their results before the task runs.
	Submit(ctx context.Context, task model.Task, params model.Parameters, waitFor ...*Future) (*Future, error)

	// Map schedules one task run per element of over. Every mapped run is
	// gated on the waitFor futures.
	Map(ctx context.Context, task model.Task, over []model.Parameters, waitFor ...*Future) ([]*Future, error)

	// Cancel requests that a run be killed. Reports whether the run was
	// found and still in flight.
	Cancel(taskRunID string) bool

	// Close stops accepting submissions, waits for in-flight runs, and
	// releases an owned cluster.
	Close() error
}

// Options configure a ClusterRunner.
type Options struct {
	// Client is the cluster to submit work to. When nil the runner creates
	// and owns an in-process cluster.
	Client cluster.Client

	// Workers sizes an owned in-process cluster.
	Workers int

	// AdaptMin and AdaptMax enable adaptive worker scaling when AdaptMax > 0
	// and the cluster supports it.
	AdaptMin, AdaptMax int

	// Store, Events and Report are optional collaborators for persistence,
	// streaming and latency collection.
	Store  store.Store
	Events *events.Broker
	Report *report.Collector

	Logger *slog.Logger

	// FlowRunID attributes task runs to a flow run.
	FlowRunID string
}

// Compile-time interface satisfaction check.
var _ TaskRunner = (*ClusterRunner)(nil)

// ClusterRunner submits task runs to a cluster client and tracks their
// lifecycle. Futures returned by Submit resolve with the run's final state.
type ClusterRunner struct {
	opts       Options
	client     cluster.Client
	ownsClient bool
	logger     *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight map[string]*inflightRun

	wg sync.WaitGroup
}

// inflightRun tracks one unresolved submission so kill signals reach it
// whether it is still pending or already running on the cluster.
type inflightRun struct {
	future *Future

	mu            sync.Mutex
	clusterFuture cluster.Future
	killed        bool
}

func (e *inflightRun) kill() {
	e.mu.Lock()
	e.killed = true
	cf := e.clusterFuture
	e.mu.Unlock()
	if cf != nil {
		cf.Cancel()
	}
}

func (e *inflightRun) isKilled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.killed
}

func (e *inflightRun) setClusterFuture(cf cluster.Future) {
	e.mu.Lock()
	e.clusterFuture = cf
	killed := e.killed
	e.mu.Unlock()
	if killed {
		cf.Cancel()
	}
}

// New creates a runner. When opts.Client is nil an in-process cluster is
// created and owned; it is closed together with the runner.
func New(opts Options) (*ClusterRunner, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := opts.Client
	owns := false
	if client == nil {
		client = cluster.NewLocal(cluster.LocalOptions{Workers: opts.Workers, Logger: logger})
		owns = true
	}

	if opts.AdaptMax > 0 {
		a, ok := client.(cluster.Adaptive)
		if !ok {
			if owns {
				client.Close()
			}
			return nil, fmt.Errorf("cluster client does not support adaptive scaling")
		}
		if err := a.Adapt(opts.AdaptMin, opts.AdaptMax); err != nil {
			if owns {
				client.Close()
			}
			return nil, fmt.Errorf("enable adaptive scaling: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ClusterRunner{
		opts:       opts,
		client:     client,
		ownsClient: owns,
		logger:     logger,
		baseCtx:    ctx,
		baseCancel: cancel,
		inflight:   make(map[string]*inflightRun),
	}, nil
}

// Duplicate creates a new runner with the same configuration. A runner that
// owns its cluster yields a duplicate owning a fresh cluster of the same
// shape; a runner on a shared client yields a duplicate on the same client.
func (r *ClusterRunner) Duplicate() (*ClusterRunner, error) {
	opts := r.opts
	if r.ownsClient {
		opts.Client = nil
	}
	return New(opts)
}

// Submit schedules one task run and returns its future. The run is recorded
// PENDING before Submit returns; execution proceeds asynchronously once all
// upstream futures resolve.
func (r *ClusterRunner) Submit(ctx context.Context, task model.Task, params model.Parameters, waitFor ...*Future) (*Future, error) {
	if task.Fn == nil {
		return nil, fmt.Errorf("task %q has no function", task.Name)
	}
	name := task.Name
	if name == "" {
		name = "task"
		task.Name = name
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}

	runID := model.NewID()
	key := name + "-" + runID
	f := newFuture(r, runID, key)
	entry := &inflightRun{future: f}
	r.inflight[runID] = entry
	r.mu.Unlock()

	if err := r.recordPending(ctx, runID, key, task); err != nil {
		r.forget(runID)
		return nil, err
	}

	taskRunsSubmitted.WithLabelValues(name).Inc()
	taskRunsInflight.Inc()

	logger := r.logger
	runtime.SetFinalizer(f, func(ff *Future) { ff.reportAbandoned(logger) })

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.execute(entry, task, params, waitFor)
	}()

	return f, nil
}

// Map schedules one task run per element of over, in order. The waitFor
// futures gate every mapped run.
func (r *ClusterRunner) Map(ctx context.Context, task model.Task, over []model.Parameters, waitFor ...*Future) ([]*Future, error) {
	futures := make([]*Future, 0, len(over))
	for i, params := range over {
		f, err := r.Submit(ctx, task, params, waitFor...)
		if err != nil {
			return futures, fmt.Errorf("map element %d: %w", i, err)
		}
		futures = append(futures, f)
	}
	return futures, nil
}

// Cancel delivers a kill signal to an in-flight run.
func (r *ClusterRunner) Cancel(taskRunID string) bool {
	r.mu.Lock()
	entry, ok := r.inflight[taskRunID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	entry.kill()
	return true
}

// CancelAll delivers a kill signal to every in-flight run and reports how
// many were signalled.
func (r *ClusterRunner) CancelAll() int {
	r.mu.Lock()
	entries := make([]*inflightRun, 0, len(r.inflight))
	for _, e := range r.inflight {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.kill()
	}
	return len(entries)
}

// Wait blocks until all in-flight runs reach a final state.
func (r *ClusterRunner) Wait() {
	r.wg.Wait()
}

// Close stops accepting submissions, waits for in-flight runs to finish, and
// closes an owned cluster.
func (r *ClusterRunner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.wg.Wait()
	r.baseCancel()

	if r.ownsClient {
		return r.client.Close()
	}
	return nil
}

// execute drives one run from pending to its final state.
func (r *ClusterRunner) execute(entry *inflightRun, task model.Task, params model.Parameters, waitFor []*Future) {
	f := entry.future
	start := time.Now()

	upstreams := collectUpstreams(params, waitFor)
	for _, up := range upstreams {
		select {
		case <-up.Done():
		case <-r.baseCtx.Done():
			r.finish(entry, task, start, model.Crashed("the task runner was shut down before the run started"))
			return
		}
	}

	// Any upstream that did not complete makes this run NotReady: it keeps
	// the PENDING type under the NotReady name and never executes.
	for _, up := range upstreams {
		if !up.State().IsCompleted() {
			r.finish(entry, task, start, model.NotReady(up.TaskRunID()))
			return
		}
	}

	if entry.isKilled() {
		r.finish(entry, task, start, model.Crashed(cluster.ErrKilled.Error()))
		return
	}

	cf, err := r.client.Submit(r.baseCtx, cluster.TaskSpec{
		Key:     f.Key(),
		Fn:      callable(task),
		Params:  resolvedParams(params),
		Timeout: task.Timeout,
	})
	if err != nil {
		r.finish(entry, task, start, model.Crashed(fmt.Sprintf("failed to submit to the cluster: %v", err)))
		return
	}
	entry.setClusterFuture(cf)

	r.transition(f.TaskRunID(), task, model.Running())

	select {
	case <-cf.Done():
	case <-r.baseCtx.Done():
		r.finish(entry, task, start, model.Crashed("the task runner was shut down before the run finished"))
		return
	}

	out := cf.Outcome()
	switch {
	case out.Crashed:
		msg := "abnormal termination"
		if out.Err != nil {
			msg = out.Err.Error()
		}
		r.finish(entry, task, start, model.Crashed(msg))
	case out.Err != nil:
		r.finish(entry, task, start, model.Failed(out.Err))
	default:
		r.finish(entry, task, start, model.Completed(out.Value))
	}
}

// callable adapts the task function to the cluster's calling convention.
func callable(task model.Task) cluster.Callable {
	return func(ctx context.Context, p map[string]any) (any, error) {
		return task.Fn(ctx, model.Parameters(p))
	}
}

// resolvedParams copies the parameters, replacing future values with the
// results of their completed runs. Callers only reach this once every
// upstream completed.
func resolvedParams(params model.Parameters) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if uf, ok := v.(*Future); ok {
			val, _ := uf.State().Result()
			out[k] = val
			continue
		}
		out[k] = v
	}
	return out
}

// collectUpstreams gathers explicit wait-for futures followed by futures
// passed as parameter values, in key order for determinism.
func collectUpstreams(params model.Parameters, waitFor []*Future) []*Future {
	upstreams := make([]*Future, 0, len(waitFor))
	upstreams = append(upstreams, waitFor...)

	keys := make([]string, 0, len(params))
	for k := range params {
		if _, ok := params[k].(*Future); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		upstreams = append(upstreams, params[k].(*Future))
	}
	return upstreams
}

// recordPending persists the initial PENDING record and announces it.
func (r *ClusterRunner) recordPending(ctx context.Context, runID, key string, task model.Task) error {
	if r.opts.Store != nil {
		tr := &model.TaskRun{
			ID:        runID,
			FlowRunID: r.opts.FlowRunID,
			TaskName:  task.Name,
			Key:       key,
			StateType: model.StateTypePending,
			StateName: "Pending",
			CreatedAt: time.Now().UTC(),
		}
		if err := r.opts.Store.CreateTaskRun(ctx, tr); err != nil {
			return fmt.Errorf("create task run: %w", err)
		}
	}
	r.publish(runID, task, model.Pending())
	return nil
}

// finish applies the final state: persistence, event stream, metrics, report
// collection, and future resolution.
func (r *ClusterRunner) finish(entry *inflightRun, task model.Task, start time.Time, st *model.State) {
	f := entry.future
	r.transition(f.TaskRunID(), task, st)

	elapsed := time.Since(start)
	taskRunsInflight.Dec()
	taskRunsFinished.WithLabelValues(string(st.Type)).Inc()
	taskRunDuration.WithLabelValues(task.Name).Observe(elapsed.Seconds())
	if r.opts.Report != nil {
		r.opts.Report.Record(task.Name, st.Type, elapsed)
	}

	f.resolve(st)
	r.forget(f.TaskRunID())
}

// transition persists and publishes a state change.
func (r *ClusterRunner) transition(runID string, task model.Task, st *model.State) {
	if r.opts.Store != nil {
		if err := r.opts.Store.UpdateTaskRunState(context.Background(), runID, *st); err != nil {
			r.logger.Error("failed to persist state transition",
				"task_run_id", runID, "state", st.Type, "error", err)
		}
	}
	r.publish(runID, task, st)
}

func (r *ClusterRunner) publish(runID string, task model.Task, st *model.State) {
	if r.opts.Events == nil {
		return
	}
	r.opts.Events.Publish(events.Event{
		FlowRunID: r.opts.FlowRunID,
		TaskRunID: runID,
		TaskName:  task.Name,
		StateType: st.Type,
		StateName: st.Name,
		Message:   st.Message,
		Timestamp: st.Timestamp,
	})
}

func (r *ClusterRunner) forget(runID string) {
	r.mu.Lock()
	delete(r.inflight, runID)
	r.mu.Unlock()
}
