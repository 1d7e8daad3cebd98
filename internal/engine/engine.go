package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/nparley/prefect/internal/cluster"
	"github.com/nparley/prefect/internal/events"
	"github.com/nparley/prefect/internal/model"
	"github.com/nparley/prefect/internal/report"
	"github.com/nparley/prefect/internal/runner"
	"github.com/nparley/prefect/internal/store"
)

// Flow is a named function submitting task runs against a runner.
type Flow struct {
	Name string
	Fn   func(ctx context.Context, r runner.TaskRunner) error
}

// Options configure the engine.
type Options struct {
	Store  store.Store
	Events *events.Broker
	Logger *slog.Logger

	// Client is the shared cluster client flows submit work to. When nil,
	// each flow run gets its own in-process cluster.
	Client cluster.Client

	// Workers sizes per-flow in-process clusters when no client is shared.
	Workers int

	// AdaptMin and AdaptMax enable adaptive worker scaling when AdaptMax > 0.
	AdaptMin, AdaptMax int

	// ReportDir, when set, receives one performance report per flow run.
	ReportDir string
}

// Engine orchestrates asynchronous flow execution.
type Engine struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	active map[string]*runner.ClusterRunner

	wg sync.WaitGroup
}

// NewEngine creates a flow-run engine.
func NewEngine(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		opts:   opts,
		logger: logger,
		active: make(map[string]*runner.ClusterRunner),
	}
}

// Submit creates a flow-run record and launches asynchronous execution in a
// goroutine. The flow run is recorded PENDING before returning.
func (e *Engine) Submit(ctx context.Context, flow Flow) (*model.FlowRun, error) {
	if flow.Fn == nil {
		return nil, fmt.Errorf("flow %q has no function", flow.Name)
	}
	name := flow.Name
	if name == "" {
		name = "flow"
	}

	fr := &model.FlowRun{
		ID:        model.NewFlowRunID(),
		FlowName:  name,
		StateType: model.StateTypePending,
		StateName: "Pending",
		CreatedAt: time.Now().UTC(),
	}
	if e.opts.Store != nil {
		if err := e.opts.Store.CreateFlowRun(ctx, fr); err != nil {
			return nil, fmt.Errorf("create flow run: %w", err)
		}
	}
	e.publish(fr.ID, name, model.Pending())

	frCopy := *fr
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(&frCopy, flow)
	}()

	return fr, nil
}

// Cancel delivers a kill signal to every in-flight task run of a flow run.
// Reports whether the flow run was active.
func (e *Engine) Cancel(flowRunID string) bool {
	e.mu.Lock()
	r, ok := e.active[flowRunID]
	e.mu.Unlock()
	if !ok {
		return false
	}
	r.CancelAll()
	return true
}

// CancelTaskRun delivers a kill signal to a single task run, searching every
// active flow run. Reports whether the run was found in flight.
func (e *Engine) CancelTaskRun(taskRunID string) bool {
	e.mu.Lock()
	runners := make([]*runner.ClusterRunner, 0, len(e.active))
	for _, r := range e.active {
		runners = append(runners, r)
	}
	e.mu.Unlock()

	for _, r := range runners {
		if r.Cancel(taskRunID) {
			return true
		}
	}
	return false
}

// ActiveFlowRuns reports how many flow runs are currently executing.
func (e *Engine) ActiveFlowRuns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Wait blocks until all in-flight flow runs complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// execute drives one flow run: pending, running, then a terminal state
// aggregated from the flow function's outcome and its task runs.
func (e *Engine) execute(fr *model.FlowRun, flow Flow) {
	// Close the event stream when execution finishes, regardless of outcome.
	if e.opts.Events != nil {
		defer e.opts.Events.Close(fr.ID)
	}

	e.transition(fr, model.Running())

	var collector *report.Collector
	if e.opts.ReportDir != "" {
		collector = report.NewCollector()
	}

	r, err := runner.New(runner.Options{
		Client:    e.opts.Client,
		Workers:   e.opts.Workers,
		AdaptMin:  e.opts.AdaptMin,
		AdaptMax:  e.opts.AdaptMax,
		Store:     e.opts.Store,
		Events:    e.opts.Events,
		Report:    collector,
		Logger:    e.logger,
		FlowRunID: fr.ID,
	})
	if err != nil {
		e.transition(fr, model.Crashed(fmt.Sprintf("failed to create task runner: %v", err)))
		return
	}

	e.mu.Lock()
	e.active[fr.ID] = r
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, fr.ID)
		e.mu.Unlock()
		if err := r.Close(); err != nil {
			e.logger.Error("failed to close task runner", "flow_run_id", fr.ID, "error", err)
		}
	}()

	flowErr := e.runFlow(fr, flow, r)

	// All task runs must be final before aggregating.
	r.Wait()

	if collector != nil {
		path := filepath.Join(e.opts.ReportDir, fr.ID+".html")
		if err := collector.WriteFile(path); err != nil {
			e.logger.Error("failed to write performance report", "flow_run_id", fr.ID, "error", err)
		}
	}

	if st, ok := recoverState(flowErr); ok {
		e.transition(fr, st)
		return
	}
	e.transition(fr, e.finalState(fr.ID))
}

// flowPanic carries a recovered panic out of runFlow.
type flowPanic struct {
	value any
}

func (p *flowPanic) Error() string {
	return fmt.Sprintf("flow panicked: %v", p.value)
}

// runFlow invokes the flow function, converting a panic into an error.
func (e *Engine) runFlow(fr *model.FlowRun, flow Flow, r *runner.ClusterRunner) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("flow panicked", "flow_run_id", fr.ID, "panic", rec)
			err = &flowPanic{value: rec}
		}
	}()
	return flow.Fn(context.Background(), r)
}

// recoverState maps a flow function error to a terminal state: a panic
// crashes the flow run, an ordinary error fails it.
func recoverState(err error) (*model.State, bool) {
	if err == nil {
		return nil, false
	}
	if p, ok := err.(*flowPanic); ok {
		return model.Crashed(p.Error()), true
	}
	return model.Failed(err), true
}

// finalState aggregates the flow run's task runs: any FAILED or CRASHED task
// run fails the flow run, otherwise it completes.
func (e *Engine) finalState(flowRunID string) *model.State {
	if e.opts.Store == nil {
		return model.Completed(nil)
	}

	runs, _, err := e.opts.Store.ListTaskRuns(context.Background(), flowRunID, 10000, 0)
	if err != nil {
		e.logger.Error("failed to list task runs for aggregation", "flow_run_id", flowRunID, "error", err)
		return model.Completed(nil)
	}

	var bad int
	for _, tr := range runs {
		if tr.StateType == model.StateTypeFailed || tr.StateType == model.StateTypeCrashed {
			bad++
		}
	}
	if bad > 0 {
		return model.Failed(fmt.Errorf("%d/%d task runs did not complete", bad, len(runs)))
	}
	return model.Completed(nil)
}

// transition persists and publishes a flow-run state change.
func (e *Engine) transition(fr *model.FlowRun, st *model.State) {
	if e.opts.Store != nil {
		if err := e.opts.Store.UpdateFlowRunState(context.Background(), fr.ID, *st); err != nil {
			e.logger.Error("failed to persist flow run transition",
				"flow_run_id", fr.ID, "state", st.Type, "error", err)
		}
	}
	e.publish(fr.ID, fr.FlowName, st)
}

func (e *Engine) publish(flowRunID, flowName string, st *model.State) {
	if e.opts.Events == nil {
		return
	}
	e.opts.Events.Publish(events.Event{
		FlowRunID: flowRunID,
		TaskName:  flowName,
		StateType: st.Type,
		StateName: st.Name,
		Message:   st.Message,
		Timestamp: st.Timestamp,
	})
}
