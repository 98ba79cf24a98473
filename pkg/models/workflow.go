package models

import "time"

type ExecutionStatus string

const (
	RunningExecutionStatus   ExecutionStatus = "running"
	CompletedExecutionStatus ExecutionStatus = "completed"
	FailedExecutionStatus    ExecutionStatus = "failed"
	PreemptedExecutionStatus ExecutionStatus = "preempted"
)

// Workflow is a named trigger/action pipeline. Priority orders workflows
// for preemption: a higher number wins conflicts resolved with the
// priority strategy.
type Workflow struct {
	ID        int64     `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Priority  int       `json:"priority" db:"priority"`
	Enabled   bool      `json:"enabled" db:"enabled"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// WorkflowExecution is one run of a workflow's action pipeline. A
// workflow has at most one running execution at a time (enforced by a
// partial unique index, not merely checked).
type WorkflowExecution struct {
	ID          string          `json:"id" db:"id"`
	WorkflowID  int64           `json:"workflow_id" db:"workflow_id"`
	Status      ExecutionStatus `json:"status" db:"status"`
	Context     JSONMap         `json:"context,omitempty" db:"context"`
	StartedAt   time.Time       `json:"started_at" db:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
	ErrorMsg    string          `json:"error,omitempty" db:"error_msg"`
}

// WorkflowTrigger binds an external event type to a workflow, guarded by
// a stored condition set evaluated against the trigger context.
type WorkflowTrigger struct {
	ID          int64   `json:"id" db:"id"`
	WorkflowID  int64   `json:"workflow_id" db:"workflow_id"`
	TriggerType string  `json:"trigger_type" db:"trigger_type"`
	Conditions  JSONMap `json:"conditions,omitempty" db:"conditions"`
}

type ActionType string

const (
	ContentPublishAction ActionType = "content_publish"
	WebhookAction        ActionType = "webhook"
)

// WorkflowAction is one step of a workflow pipeline, run in
// ExecutionOrder. ResourceKeys name context keys whose values must be
// locked before the action runs.
type WorkflowAction struct {
	ID             int64      `json:"id" db:"id"`
	WorkflowID     int64      `json:"workflow_id" db:"workflow_id"`
	ActionType     ActionType `json:"action_type" db:"action_type"`
	Config         JSONMap    `json:"config,omitempty" db:"config"`
	ExecutionOrder int        `json:"execution_order" db:"execution_order"`
	ResourceKeys   StringList `json:"resource_keys,omitempty" db:"resource_keys"`
}

// ResourceLock is an advisory, TTL-bounded lock. A row whose ExpiresAt
// is not after "now" is logically absent even if it still exists.
type ResourceLock struct {
	ID         string    `json:"id" db:"id"`
	ResourceID string    `json:"resource_id" db:"resource_id"`
	WorkflowID int64     `json:"workflow_id" db:"workflow_id"`
	ActionID   int64     `json:"action_id" db:"action_id"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// WorkflowError is an append-only error log entry.
type WorkflowError struct {
	ID         int64     `json:"id" db:"id"`
	WorkflowID int64     `json:"workflow_id" db:"workflow_id"`
	ActionID   *int64    `json:"action_id,omitempty" db:"action_id"`
	Message    string    `json:"message" db:"message"`
	Context    JSONMap   `json:"context,omitempty" db:"context"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// QueuedWorkflow is a deferred admission created by the queue conflict
// strategy; rows are drained FIFO by an external dispatcher.
type QueuedWorkflow struct {
	ID         int64     `json:"id" db:"id"`
	WorkflowID int64     `json:"workflow_id" db:"workflow_id"`
	Context    JSONMap   `json:"context,omitempty" db:"context"`
	QueuedAt   time.Time `json:"queued_at" db:"queued_at"`
}

// WorkflowConflict is a pending, human-resolved conflict created by the
// manual strategy.
type WorkflowConflict struct {
	ID         int64     `json:"id" db:"id"`
	WorkflowID int64     `json:"workflow_id" db:"workflow_id"`
	Context    JSONMap   `json:"context,omitempty" db:"context"`
	Status     string    `json:"status" db:"status"` // "pending" until an operator resolves it
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}
