package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypeAuthzWarmup re-populates permission cache entries after an
	// invalidation. An empty payload warms every active assignment.
	TaskTypeAuthzWarmup = "authz:warmup"
)

// WarmupScope identifies one authorization context to warm.
type WarmupScope struct {
	ContextType string `json:"context_type"`
	ContextID   int64  `json:"context_id"`
}

// AuthzWarmupPayload names the principal and scopes to re-populate. A zero
// PrincipalID requests a sweep over all active assignments.
type AuthzWarmupPayload struct {
	PrincipalID int64         `json:"principal_id,omitempty"`
	Scopes      []WarmupScope `json:"scopes,omitempty"`
}

// NewAuthzWarmupTask constructs an Asynq task.
func NewAuthzWarmupTask(payload AuthzWarmupPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeAuthzWarmup, data), nil
}
