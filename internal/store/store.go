package store

import (
	"context"
	"errors"

	"github.com/nparley/prefect/internal/model"
)

// ErrNotFound is returned when a flow run or task run is not found.
var ErrNotFound = errors.New("run not found")

// ErrInvalidTransition is returned when a state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// RunStats holds aggregate execution statistics for task runs.
type RunStats struct {
	Total         int            `json:"total"`
	CountByState  map[string]int `json:"count_by_state"`
	CountByTask   map[string]int `json:"count_by_task"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

// Store defines the persistence operations for flow runs and task runs.
type Store interface {
	CreateFlowRun(ctx context.Context, fr *model.FlowRun) error
	GetFlowRun(ctx context.Context, id string) (*model.FlowRun, error)
	ListFlowRuns(ctx context.Context, limit, offset int) ([]*model.FlowRun, int, error)
	UpdateFlowRunState(ctx context.Context, id string, st model.State) error

	CreateTaskRun(ctx context.Context, tr *model.TaskRun) error
	GetTaskRun(ctx context.Context, id string) (*model.TaskRun, error)
	ListTaskRuns(ctx context.Context, flowRunID string, limit, offset int) ([]*model.TaskRun, int, error)
	UpdateTaskRunState(ctx context.Context, id string, st model.State) error

	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
