package storage

import (
	"context"
	"errors"

	"github.com/approvalkit/approval-engine/types"
)

// Errors
var (
	ErrNodeNotFound     = errors.New("node not found")
	ErrInstanceNotFound = errors.New("instance not found")
	ErrTaskNotFound     = errors.New("task not found")

	// ErrStaleNode is returned by MoveCurrentNode when the instance is no
	// longer positioned at the expected node. Exactly one of several
	// concurrent movers wins; the rest observe this error.
	ErrStaleNode = errors.New("instance moved past expected node")
)

// DefinitionStore exposes a workflow's persisted graph. The engine only
// reads definitions; authoring them is someone else's job.
type DefinitionStore interface {
	// GetNodes returns the workflow's nodes ordered by sort order
	// ascending. An unknown workflow yields an empty slice, not an error.
	GetNodes(ctx context.Context, workflowID uint64) ([]types.Node, error)

	// GetEdges returns the outgoing edges of sourceNodeID ordered by
	// priority descending.
	GetEdges(ctx context.Context, workflowID, sourceNodeID uint64) ([]types.Edge, error)

	// GetNode returns a single node, or ErrNodeNotFound.
	GetNode(ctx context.Context, workflowID, nodeID uint64) (types.Node, error)
}

// InstanceStore persists running executions and their append-only
// execution log.
type InstanceStore interface {
	// SaveInstance creates or replaces an instance record.
	SaveInstance(ctx context.Context, inst types.Instance) error

	// GetInstance returns an instance, or ErrInstanceNotFound.
	GetInstance(ctx context.Context, id uint64) (types.Instance, error)

	// MoveCurrentNode atomically repositions the instance from
	// expectedNodeID to targetNodeID and returns the updated record.
	// Fails with ErrStaleNode when the guard does not hold, so at most
	// one transition fires per node visit.
	MoveCurrentNode(ctx context.Context, instanceID, expectedNodeID, targetNodeID uint64) (types.Instance, error)

	// AppendLog appends one execution log entry. Entries are immutable;
	// no update or delete operation exists.
	AppendLog(ctx context.Context, entry types.LogEntry) error

	// GetLog returns an instance's log entries in append order.
	GetLog(ctx context.Context, instanceID uint64) ([]types.LogEntry, error)
}

// TaskStore persists work items.
type TaskStore interface {
	// SaveTask creates or replaces a task record.
	SaveTask(ctx context.Context, task types.Task) error

	// GetTask returns a task, or ErrTaskNotFound.
	GetTask(ctx context.Context, id uint64) (types.Task, error)

	// ListTasksByNode returns every task fanned out for one node visit
	// of one instance, regardless of status.
	ListTasksByNode(ctx context.Context, instanceID, nodeID uint64) ([]types.Task, error)

	// ListOpenTasksByNode returns the pending and in-progress tasks of
	// one node visit. The join rule waits on this set draining.
	ListOpenTasksByNode(ctx context.Context, instanceID, nodeID uint64) ([]types.Task, error)

	// ListTasksByAssignee returns a user's tasks across all instances.
	ListTasksByAssignee(ctx context.Context, userID uint64) ([]types.Task, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only
// return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}
