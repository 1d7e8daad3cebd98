package model

import (
	"context"
	"time"
)

// Parameters are the resolved keyword arguments passed to a task callable.
// Values may be plain payloads or unresolved futures; the runner substitutes
// a future's result before the callable executes.
type Parameters map[string]any

// Fn is the callable executed for a task run. A returned error marks the run
// FAILED; a panic inside the callable is treated as an infrastructure crash.
type Fn func(ctx context.Context, params Parameters) (any, error)

// Task is a unit of user work the orchestrator schedules. Immutable once
// submitted.
type Task struct {
	// Name prefixes the cluster submission key for observability.
	Name string

	Fn Fn

	// Timeout bounds a single run's execution; zero means no limit.
	Timeout time.Duration
}
