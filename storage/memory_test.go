package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/approvalkit/approval-engine/types"
)

// Helper function to create a sample instance
func newInstance(id, nodeID uint64) types.Instance {
	now := time.Now()
	return types.Instance{
		ID:            id,
		WorkflowID:    1,
		Name:          "test instance",
		EntityID:      10,
		EntityType:    "purchase_order",
		CurrentNodeID: nodeID,
		Status:        types.InstanceActive,
		InitiatedBy:   7,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Helper function to create a sample task
func newTask(id, instanceID, nodeID, userID uint64, status string) types.Task {
	now := time.Now()
	return types.Task{
		ID:         id,
		InstanceID: instanceID,
		NodeID:     nodeID,
		AssignedTo: userID,
		Name:       "Review",
		Status:     status,
		Priority:   3,
		DueDate:    now.Add(72 * time.Hour),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func seedDefinition(t *testing.T, store *MemoryStorage) {
	t.Helper()
	ctx := context.Background()
	nodes := []types.Node{
		{ID: 2, WorkflowID: 1, Label: "Approve", RequiredPositions: []string{"Approver"}, SortOrder: 2},
		{ID: 1, WorkflowID: 1, Label: "Review", RequiredPositions: []string{"Reviewer"}, SLA: "3 days", SortOrder: 1, IsStart: true},
	}
	for _, n := range nodes {
		assert.NoError(t, store.SaveNode(ctx, n))
	}
	edges := []types.Edge{
		{WorkflowID: 1, SourceNodeID: 1, TargetNodeID: 2, Condition: "approved", Priority: 1},
		{WorkflowID: 1, SourceNodeID: 1, TargetNodeID: 1, Condition: "rework", Priority: 5},
	}
	for _, e := range edges {
		assert.NoError(t, store.SaveEdge(ctx, e))
	}
}

func TestMemoryStorage(t *testing.T) {
	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.Empty(t, store.instances)
		assert.Empty(t, store.tasks)
	})

	t.Run("NodesOrderedBySortOrder", func(t *testing.T) {
		store := NewMemoryStorage()
		seedDefinition(t, store)
		ctx := context.Background()

		nodes, err := store.GetNodes(ctx, 1)
		assert.NoError(t, err)
		assert.Len(t, nodes, 2)
		assert.Equal(t, uint64(1), nodes[0].ID)
		assert.Equal(t, uint64(2), nodes[1].ID)

		// unknown workflow yields empty, not an error
		nodes, err = store.GetNodes(ctx, 99)
		assert.NoError(t, err)
		assert.Empty(t, nodes)
	})

	t.Run("EdgesOrderedByPriorityDesc", func(t *testing.T) {
		store := NewMemoryStorage()
		seedDefinition(t, store)
		ctx := context.Background()

		edges, err := store.GetEdges(ctx, 1, 1)
		assert.NoError(t, err)
		assert.Len(t, edges, 2)
		assert.Equal(t, 5, edges[0].Priority)
		assert.Equal(t, 1, edges[1].Priority)

		edges, err = store.GetEdges(ctx, 1, 2)
		assert.NoError(t, err)
		assert.Empty(t, edges)
	})

	t.Run("GetNode", func(t *testing.T) {
		store := NewMemoryStorage()
		seedDefinition(t, store)
		ctx := context.Background()

		node, err := store.GetNode(ctx, 1, 2)
		assert.NoError(t, err)
		assert.Equal(t, "Approve", node.Label)

		_, err = store.GetNode(ctx, 1, 42)
		assert.ErrorIs(t, err, ErrNodeNotFound)
	})

	t.Run("SaveNodeReplacesExisting", func(t *testing.T) {
		store := NewMemoryStorage()
		seedDefinition(t, store)
		ctx := context.Background()

		assert.NoError(t, store.SaveNode(ctx, types.Node{ID: 1, WorkflowID: 1, Label: "Peer Review", SortOrder: 1}))
		node, err := store.GetNode(ctx, 1, 1)
		assert.NoError(t, err)
		assert.Equal(t, "Peer Review", node.Label)

		nodes, _ := store.GetNodes(ctx, 1)
		assert.Len(t, nodes, 2)
	})

	t.Run("SaveAndGetInstance", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		inst := newInstance(1, 1)
		assert.NoError(t, store.SaveInstance(ctx, inst))

		got, err := store.GetInstance(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, inst, got)

		_, err = store.GetInstance(ctx, 2)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("MoveCurrentNode", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		assert.NoError(t, store.SaveInstance(ctx, newInstance(1, 1)))

		moved, err := store.MoveCurrentNode(ctx, 1, 1, 2)
		assert.NoError(t, err)
		assert.Equal(t, uint64(2), moved.CurrentNodeID)

		// guard no longer holds
		_, err = store.MoveCurrentNode(ctx, 1, 1, 3)
		assert.ErrorIs(t, err, ErrStaleNode)

		_, err = store.MoveCurrentNode(ctx, 99, 1, 2)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("MoveCurrentNodeConcurrent", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		assert.NoError(t, store.SaveInstance(ctx, newInstance(1, 1)))

		var wg sync.WaitGroup
		wins := make(chan uint64, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(target uint64) {
				defer wg.Done()
				if _, err := store.MoveCurrentNode(ctx, 1, 1, target); err == nil {
					wins <- target
				}
			}(uint64(i + 2))
		}
		wg.Wait()
		close(wins)

		var winners []uint64
		for w := range wins {
			winners = append(winners, w)
		}
		assert.Len(t, winners, 1, "exactly one mover may win")

		got, _ := store.GetInstance(ctx, 1)
		assert.Equal(t, winners[0], got.CurrentNodeID)
	})

	t.Run("AppendAndGetLog", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		for i := 1; i <= 3; i++ {
			entry := types.LogEntry{
				ID:         uint64(i),
				InstanceID: 1,
				NodeID:     uint64(i),
				Action:     types.ActionComplete,
				ExecutedAt: time.Now(),
			}
			assert.NoError(t, store.AppendLog(ctx, entry))
		}

		log, err := store.GetLog(ctx, 1)
		assert.NoError(t, err)
		assert.Len(t, log, 3)
		// append order preserved
		assert.Equal(t, uint64(1), log[0].ID)
		assert.Equal(t, uint64(3), log[2].ID)

		log, err = store.GetLog(ctx, 2)
		assert.NoError(t, err)
		assert.Empty(t, log)
	})

	t.Run("SaveAndGetTask", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		task := newTask(1, 1, 1, 101, types.TaskPending)
		assert.NoError(t, store.SaveTask(ctx, task))

		got, err := store.GetTask(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, task, got)

		_, err = store.GetTask(ctx, 2)
		assert.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("ListTasksByNode", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		assert.NoError(t, store.SaveTask(ctx, newTask(1, 1, 1, 101, types.TaskPending)))
		assert.NoError(t, store.SaveTask(ctx, newTask(2, 1, 1, 102, types.TaskCompleted)))
		assert.NoError(t, store.SaveTask(ctx, newTask(3, 1, 2, 103, types.TaskPending)))
		assert.NoError(t, store.SaveTask(ctx, newTask(4, 2, 1, 101, types.TaskPending)))

		tasks, err := store.ListTasksByNode(ctx, 1, 1)
		assert.NoError(t, err)
		assert.Len(t, tasks, 2)

		open, err := store.ListOpenTasksByNode(ctx, 1, 1)
		assert.NoError(t, err)
		assert.Len(t, open, 1)
		assert.Equal(t, uint64(1), open[0].ID)
	})

	t.Run("ListOpenTasksIncludesInProgress", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		assert.NoError(t, store.SaveTask(ctx, newTask(1, 1, 1, 101, types.TaskInProgress)))
		assert.NoError(t, store.SaveTask(ctx, newTask(2, 1, 1, 102, types.TaskSkipped)))

		open, err := store.ListOpenTasksByNode(ctx, 1, 1)
		assert.NoError(t, err)
		assert.Len(t, open, 1)
		assert.Equal(t, types.TaskInProgress, open[0].Status)
	})

	t.Run("ListTasksByAssignee", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		assert.NoError(t, store.SaveTask(ctx, newTask(1, 1, 1, 101, types.TaskPending)))
		assert.NoError(t, store.SaveTask(ctx, newTask(2, 2, 1, 101, types.TaskPending)))
		assert.NoError(t, store.SaveTask(ctx, newTask(3, 1, 1, 102, types.TaskPending)))

		tasks, err := store.ListTasksByAssignee(ctx, 101)
		assert.NoError(t, err)
		assert.Len(t, tasks, 2)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.ErrorIs(t, store.SaveInstance(ctx, newInstance(1, 1)), context.Canceled)
		_, err := store.GetInstance(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
		_, err = store.GetNodes(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentTaskWrites", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 1; i <= 50; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				task := newTask(uint64(id), 1, 1, uint64(100+id), types.TaskPending)
				assert.NoError(t, store.SaveTask(ctx, task))
			}(i)
		}
		wg.Wait()

		tasks, err := store.ListTasksByNode(ctx, 1, 1)
		assert.NoError(t, err)
		assert.Len(t, tasks, 50)
		for i, task := range tasks {
			assert.Equal(t, uint64(i+1), task.ID, fmt.Sprintf("tasks sorted by ID at index %d", i))
		}
	})
}
