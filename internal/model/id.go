package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as a task-run identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewFlowRunID generates a new UUID string for use as a flow-run identifier.
func NewFlowRunID() string {
	return uuid.NewString()
}
