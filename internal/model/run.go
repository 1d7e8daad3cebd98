package model

import "time"

// TaskRun is the persisted record of a single task submission.
type TaskRun struct {
	ID         string     `json:"id"`
	FlowRunID  string     `json:"flow_run_id,omitempty"`
	TaskName   string     `json:"task_name"`
	Key        string     `json:"key"`
	StateType  StateType  `json:"state_type"`
	StateName  string     `json:"state_name"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
}

// FlowRun is the persisted record of a single flow execution.
type FlowRun struct {
	ID         string     `json:"id"`
	FlowName   string     `json:"flow_name"`
	StateType  StateType  `json:"state_type"`
	StateName  string     `json:"state_name"`
	Message    string     `json:"message,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	DurationMS *int       `json:"duration_ms,omitempty"`
}
