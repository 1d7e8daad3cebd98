// Package engine provides asynchronous flow-run orchestration. Each submitted
// flow gets its own task runner scoped to the flow run; the engine drives the
// flow-run lifecycle, aggregates task-run outcomes into the flow run's final
// state, and streams state transitions to the event broker.
package engine
