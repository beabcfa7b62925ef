package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/approvalkit/approval-engine/types"
)

// MemoryStorage is an in-memory implementation of DefinitionStore,
// InstanceStore and TaskStore.
type MemoryStorage struct {
	nodes     map[uint64][]types.Node // keyed by workflow ID
	edges     map[uint64][]types.Edge // keyed by workflow ID
	instances map[uint64]types.Instance
	tasks     map[uint64]types.Task
	logs      map[uint64][]types.LogEntry // keyed by instance ID
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		nodes:     make(map[uint64][]types.Node),
		edges:     make(map[uint64][]types.Edge),
		instances: make(map[uint64]types.Instance),
		tasks:     make(map[uint64]types.Task),
		logs:      make(map[uint64][]types.LogEntry),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveNode adds or replaces a node of a workflow definition. Seeding
// helper; the engine itself never writes definitions.
func (s *MemoryStorage) SaveNode(ctx context.Context, node types.Node) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		nodes := s.nodes[node.WorkflowID]
		for i, n := range nodes {
			if n.ID == node.ID {
				nodes[i] = node
				return nil
			}
		}
		s.nodes[node.WorkflowID] = append(nodes, node)
		return nil
	})
}

// SaveEdge adds an edge to a workflow definition. Seeding helper.
func (s *MemoryStorage) SaveEdge(ctx context.Context, edge types.Edge) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.edges[edge.WorkflowID] = append(s.edges[edge.WorkflowID], edge)
		return nil
	})
}

// GetNodes returns a workflow's nodes ordered by sort order ascending.
func (s *MemoryStorage) GetNodes(ctx context.Context, workflowID uint64) ([]types.Node, error) {
	return withContext(ctx, func() ([]types.Node, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		nodes := make([]types.Node, len(s.nodes[workflowID]))
		copy(nodes, s.nodes[workflowID])
		sort.SliceStable(nodes, func(i, j int) bool {
			return nodes[i].SortOrder < nodes[j].SortOrder
		})
		return nodes, nil
	})
}

// GetEdges returns the outgoing edges of a node ordered by priority
// descending.
func (s *MemoryStorage) GetEdges(ctx context.Context, workflowID, sourceNodeID uint64) ([]types.Edge, error) {
	return withContext(ctx, func() ([]types.Edge, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var edges []types.Edge
		for _, e := range s.edges[workflowID] {
			if e.SourceNodeID == sourceNodeID {
				edges = append(edges, e)
			}
		}
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Priority > edges[j].Priority
		})
		return edges, nil
	})
}

// GetNode returns a single node of a workflow.
func (s *MemoryStorage) GetNode(ctx context.Context, workflowID, nodeID uint64) (types.Node, error) {
	return withContext(ctx, func() (types.Node, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for _, n := range s.nodes[workflowID] {
			if n.ID == nodeID {
				return n, nil
			}
		}
		return types.Node{}, fmt.Errorf("%w: workflow=%d node=%d", ErrNodeNotFound, workflowID, nodeID)
	})
}

// SaveInstance saves a workflow instance to memory.
func (s *MemoryStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.instances[inst.ID] = inst
		return nil
	})
}

// GetInstance retrieves a workflow instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
}

// MoveCurrentNode repositions an instance under the store lock, so the
// read of the expected node and the write of the target are one unit.
func (s *MemoryStorage) MoveCurrentNode(ctx context.Context, instanceID, expectedNodeID, targetNodeID uint64) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		inst, ok := s.instances[instanceID]
		if !ok {
			return types.Instance{}, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}
		if inst.CurrentNodeID != expectedNodeID {
			return types.Instance{}, fmt.Errorf("%w: instance=%d expected=%d current=%d",
				ErrStaleNode, instanceID, expectedNodeID, inst.CurrentNodeID)
		}
		inst.CurrentNodeID = targetNodeID
		inst.UpdatedAt = time.Now()
		s.instances[instanceID] = inst
		return inst, nil
	})
}

// AppendLog appends an execution log entry.
func (s *MemoryStorage) AppendLog(ctx context.Context, entry types.LogEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.logs[entry.InstanceID] = append(s.logs[entry.InstanceID], entry)
		return nil
	})
}

// GetLog returns an instance's execution log in append order.
func (s *MemoryStorage) GetLog(ctx context.Context, instanceID uint64) ([]types.LogEntry, error) {
	return withContext(ctx, func() ([]types.LogEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		entries := make([]types.LogEntry, len(s.logs[instanceID]))
		copy(entries, s.logs[instanceID])
		return entries, nil
	})
}

// SaveTask saves a task to memory.
func (s *MemoryStorage) SaveTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.tasks[task.ID] = task
		return nil
	})
}

// GetTask retrieves a task from memory.
func (s *MemoryStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getItem(ctx, &s.mu, s.tasks, id, ErrTaskNotFound)
}

// ListTasksByNode returns all tasks of one node visit of one instance.
func (s *MemoryStorage) ListTasksByNode(ctx context.Context, instanceID, nodeID uint64) ([]types.Task, error) {
	return s.listTasks(ctx, func(t types.Task) bool {
		return t.InstanceID == instanceID && t.NodeID == nodeID
	})
}

// ListOpenTasksByNode returns the pending and in-progress tasks of one
// node visit.
func (s *MemoryStorage) ListOpenTasksByNode(ctx context.Context, instanceID, nodeID uint64) ([]types.Task, error) {
	return s.listTasks(ctx, func(t types.Task) bool {
		return t.InstanceID == instanceID && t.NodeID == nodeID && t.Open()
	})
}

// ListTasksByAssignee returns all tasks assigned to a user.
func (s *MemoryStorage) ListTasksByAssignee(ctx context.Context, userID uint64) ([]types.Task, error) {
	return s.listTasks(ctx, func(t types.Task) bool {
		return t.AssignedTo == userID
	})
}

func (s *MemoryStorage) listTasks(ctx context.Context, match func(types.Task) bool) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var tasks []types.Task
		for _, t := range s.tasks {
			if match(t) {
				tasks = append(tasks, t)
			}
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
		return tasks, nil
	})
}
