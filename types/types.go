package types

import "time"

// Instance states
const (
	InstanceActive    = "active"
	InstanceCompleted = "completed"
	InstanceCancelled = "cancelled"
	InstanceFailed    = "failed"
)

// Task states
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskSkipped    = "skipped"
)

// Execution log actions
const (
	ActionStart      = "start"
	ActionComplete   = "complete"
	ActionTransition = "transition"
)

// Node is one step of a workflow graph. Users holding any of
// RequiredPositions are assigned a task when an instance enters the node.
type Node struct {
	ID                uint64   `json:"id"`
	WorkflowID        uint64   `json:"workflow_id"`
	Label             string   `json:"label"`
	RequiredPositions []string `json:"required_positions"`
	SLA               string   `json:"sla"` // e.g. "3 days"; empty means the default
	SortOrder         int      `json:"sort_order"`
	IsStart           bool     `json:"is_start"`
}

// Edge is a directed, condition-guarded transition between two nodes.
// Condition is matched against a task's execution result; higher
// Priority edges are evaluated first.
type Edge struct {
	WorkflowID   uint64 `json:"workflow_id"`
	SourceNodeID uint64 `json:"source_node_id"`
	TargetNodeID uint64 `json:"target_node_id"`
	Condition    string `json:"condition"`
	Priority     int    `json:"priority"`
}

// Instance is one running execution of a workflow definition against a
// business entity. While Status is "active", CurrentNodeID names a node
// of the workflow; once terminal the instance never changes again.
type Instance struct {
	ID                 uint64    `json:"id"`
	WorkflowID         uint64    `json:"workflow_id"`
	Name               string    `json:"name"`
	EntityID           uint64    `json:"entity_id"`
	EntityType         string    `json:"entity_type"`
	CurrentNodeID      uint64    `json:"current_node_id"`
	Status             string    `json:"status"` // "active", "completed", "cancelled", "failed"
	InitiatedBy        uint64    `json:"initiated_by"`
	StartedAt          time.Time `json:"started_at"`
	CompletedAt        time.Time `json:"completed_at,omitempty"`
	CancelledAt        time.Time `json:"cancelled_at,omitempty"`
	CancelledBy        uint64    `json:"cancelled_by,omitempty"`
	CancellationReason string    `json:"cancellation_reason,omitempty"`
	Metadata           Metadata  `json:"metadata,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Terminal reports whether the instance reached a final state.
func (i Instance) Terminal() bool {
	return i.Status != InstanceActive
}

// Task is a unit of work assigned to one user for one visit to one node.
type Task struct {
	ID              uint64    `json:"id"`
	InstanceID      uint64    `json:"instance_id"`
	NodeID          uint64    `json:"node_id"`
	AssignedTo      uint64    `json:"assigned_to"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Status          string    `json:"status"` // "pending", "in_progress", "completed", "skipped"
	Priority        int       `json:"priority"`
	DueDate         time.Time `json:"due_date"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	CompletedAt     time.Time `json:"completed_at,omitempty"`
	CompletedBy     uint64    `json:"completed_by,omitempty"`
	ExecutionResult string    `json:"execution_result,omitempty"`
	Comments        string    `json:"comments,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Open reports whether the task still blocks its node's transition.
func (t Task) Open() bool {
	return t.Status == TaskPending || t.Status == TaskInProgress
}

// LogEntry is one append-only row of an instance's execution history.
// Entries are never mutated or deleted.
type LogEntry struct {
	ID              uint64    `json:"id"`
	InstanceID      uint64    `json:"instance_id"`
	NodeID          uint64    `json:"node_id"`
	UserID          uint64    `json:"user_id"`
	Action          string    `json:"action"` // "start", "complete", "transition"
	ExecutionResult string    `json:"execution_result,omitempty"`
	Comments        string    `json:"comments,omitempty"`
	ExecutedAt      time.Time `json:"executed_at"`
}

// User is a directory entry eligible for task assignment.
type User struct {
	ID    uint64 `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Metadata is an opaque structured blob attached to an instance.
// Accessors return the zero value when a key is absent or mistyped.
type Metadata map[string]interface{}

// GetString returns the string stored under key, or "".
func (m Metadata) GetString(key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// GetInt64 returns the integer stored under key, or 0. JSON round-trips
// store numbers as float64, so both forms are accepted.
func (m Metadata) GetInt64(key string) int64 {
	switch v := m[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// GetBool returns the bool stored under key, or false.
func (m Metadata) GetBool(key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
