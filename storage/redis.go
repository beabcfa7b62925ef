package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/approvalkit/approval-engine/types"
)

const (
	instancePrefix = "instance:"
	taskPrefix     = "task:"

	nodesKeyFmt     = "workflow:%d:nodes"
	edgesKeyFmt     = "workflow:%d:edges"
	logKeyFmt       = "instance:%d:log"
	nodeTasksKeyFmt = "instance:%d:node:%d:tasks"
	userTasksKeyFmt = "user:%d:tasks"

	// moveRetries bounds optimistic-transaction retries in MoveCurrentNode.
	moveRetries = 3
)

// RedisStorage is a Redis-backed implementation of DefinitionStore,
// InstanceStore and TaskStore.
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
}

// setJSON saves a value to Redis under the given key.
func (s *RedisStorage) setJSON(ctx context.Context, key string, value interface{}) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %v", key, err)
		}
		if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
			return fmt.Errorf("failed to set %s in Redis: %v", key, err)
		}
		return nil
	})
}

// getJSON retrieves and unmarshals a value from Redis under the given key.
func getJSON[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// getSlice reads a JSON-encoded slice, treating a missing key as empty.
func getSlice[T any](ctx context.Context, client *redis.Client, key string) ([]T, error) {
	return withContext(ctx, func() ([]T, error) {
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return nil, nil
		} else if err != nil {
			return nil, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}
		var result []T
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveNode adds or replaces a node of a workflow definition. Seeding
// helper; the engine itself never writes definitions.
func (s *RedisStorage) SaveNode(ctx context.Context, node types.Node) error {
	return withContextError(ctx, func() error {
		key := fmt.Sprintf(nodesKeyFmt, node.WorkflowID)
		nodes, err := getSlice[types.Node](ctx, s.client, key)
		if err != nil {
			return err
		}
		replaced := false
		for i, n := range nodes {
			if n.ID == node.ID {
				nodes[i] = node
				replaced = true
				break
			}
		}
		if !replaced {
			nodes = append(nodes, node)
		}
		return s.setJSON(ctx, key, nodes)
	})
}

// SaveEdge adds an edge to a workflow definition. Seeding helper.
func (s *RedisStorage) SaveEdge(ctx context.Context, edge types.Edge) error {
	return withContextError(ctx, func() error {
		key := fmt.Sprintf(edgesKeyFmt, edge.WorkflowID)
		edges, err := getSlice[types.Edge](ctx, s.client, key)
		if err != nil {
			return err
		}
		edges = append(edges, edge)
		return s.setJSON(ctx, key, edges)
	})
}

// GetNodes returns a workflow's nodes ordered by sort order ascending.
func (s *RedisStorage) GetNodes(ctx context.Context, workflowID uint64) ([]types.Node, error) {
	nodes, err := getSlice[types.Node](ctx, s.client, fmt.Sprintf(nodesKeyFmt, workflowID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(nodes, func(i, j int) bool {
		return nodes[i].SortOrder < nodes[j].SortOrder
	})
	return nodes, nil
}

// GetEdges returns the outgoing edges of a node ordered by priority
// descending.
func (s *RedisStorage) GetEdges(ctx context.Context, workflowID, sourceNodeID uint64) ([]types.Edge, error) {
	all, err := getSlice[types.Edge](ctx, s.client, fmt.Sprintf(edgesKeyFmt, workflowID))
	if err != nil {
		return nil, err
	}
	var edges []types.Edge
	for _, e := range all {
		if e.SourceNodeID == sourceNodeID {
			edges = append(edges, e)
		}
	}
	sort.SliceStable(edges, func(i, j int) bool {
		return edges[i].Priority > edges[j].Priority
	})
	return edges, nil
}

// GetNode returns a single node of a workflow.
func (s *RedisStorage) GetNode(ctx context.Context, workflowID, nodeID uint64) (types.Node, error) {
	nodes, err := getSlice[types.Node](ctx, s.client, fmt.Sprintf(nodesKeyFmt, workflowID))
	if err != nil {
		return types.Node{}, err
	}
	for _, n := range nodes {
		if n.ID == nodeID {
			return n, nil
		}
	}
	return types.Node{}, fmt.Errorf("%w: workflow=%d node=%d", ErrNodeNotFound, workflowID, nodeID)
}

// SaveInstance saves a workflow instance to Redis.
func (s *RedisStorage) SaveInstance(ctx context.Context, inst types.Instance) error {
	return s.setJSON(ctx, fmt.Sprintf("%s%d", instancePrefix, inst.ID), inst)
}

// GetInstance retrieves a workflow instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.Instance, error) {
	return getJSON[types.Instance](ctx, s.client, fmt.Sprintf("%s%d", instancePrefix, id), ErrInstanceNotFound)
}

// MoveCurrentNode repositions an instance inside a WATCH/MULTI
// transaction, so concurrent movers sharing one Redis cannot both
// observe the expected node and both write.
func (s *RedisStorage) MoveCurrentNode(ctx context.Context, instanceID, expectedNodeID, targetNodeID uint64) (types.Instance, error) {
	return withContext(ctx, func() (types.Instance, error) {
		key := fmt.Sprintf("%s%d", instancePrefix, instanceID)
		var moved types.Instance

		txn := func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
			} else if err != nil {
				return fmt.Errorf("failed to get %s from Redis: %v", key, err)
			}

			var inst types.Instance
			if err := json.Unmarshal(data, &inst); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}
			if inst.CurrentNodeID != expectedNodeID {
				return fmt.Errorf("%w: instance=%d expected=%d current=%d",
					ErrStaleNode, instanceID, expectedNodeID, inst.CurrentNodeID)
			}

			inst.CurrentNodeID = targetNodeID
			inst.UpdatedAt = time.Now()
			payload, err := json.Marshal(inst)
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %v", key, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				return nil
			})
			if err == nil {
				moved = inst
			}
			return err
		}

		for i := 0; i < moveRetries; i++ {
			err := s.client.Watch(ctx, txn, key)
			if err == nil {
				return moved, nil
			}
			if errors.Is(err, redis.TxFailedErr) {
				continue // key changed under us, re-read and retry
			}
			return types.Instance{}, err
		}
		return types.Instance{}, fmt.Errorf("%w: instance=%d expected=%d", ErrStaleNode, instanceID, expectedNodeID)
	})
}

// AppendLog appends an execution log entry to the instance's log list.
func (s *RedisStorage) AppendLog(ctx context.Context, entry types.LogEntry) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("failed to marshal log entry %d: %v", entry.ID, err)
		}
		key := fmt.Sprintf(logKeyFmt, entry.InstanceID)
		if err := s.client.RPush(ctx, key, data).Err(); err != nil {
			return fmt.Errorf("failed to append to %s: %v", key, err)
		}
		return nil
	})
}

// GetLog returns an instance's execution log in append order.
func (s *RedisStorage) GetLog(ctx context.Context, instanceID uint64) ([]types.LogEntry, error) {
	return withContext(ctx, func() ([]types.LogEntry, error) {
		key := fmt.Sprintf(logKeyFmt, instanceID)
		raw, err := s.client.LRange(ctx, key, 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %v", key, err)
		}
		entries := make([]types.LogEntry, 0, len(raw))
		for _, item := range raw {
			var entry types.LogEntry
			if err := json.Unmarshal([]byte(item), &entry); err != nil {
				return nil, fmt.Errorf("failed to unmarshal log entry in %s: %v", key, err)
			}
			entries = append(entries, entry)
		}
		return entries, nil
	})
}

// SaveTask saves a task to Redis and maintains the node and assignee
// index sets used by the list queries.
func (s *RedisStorage) SaveTask(ctx context.Context, task types.Task) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("failed to marshal task %d: %v", task.ID, err)
		}
		pipe := s.client.Pipeline()
		pipe.Set(ctx, fmt.Sprintf("%s%d", taskPrefix, task.ID), data, 0)
		pipe.SAdd(ctx, fmt.Sprintf(nodeTasksKeyFmt, task.InstanceID, task.NodeID), task.ID)
		pipe.SAdd(ctx, fmt.Sprintf(userTasksKeyFmt, task.AssignedTo), task.ID)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save task %d: %v", task.ID, err)
		}
		return nil
	})
}

// GetTask retrieves a task from Redis.
func (s *RedisStorage) GetTask(ctx context.Context, id uint64) (types.Task, error) {
	return getJSON[types.Task](ctx, s.client, fmt.Sprintf("%s%d", taskPrefix, id), ErrTaskNotFound)
}

// ListTasksByNode returns all tasks of one node visit of one instance.
func (s *RedisStorage) ListTasksByNode(ctx context.Context, instanceID, nodeID uint64) ([]types.Task, error) {
	return s.tasksFromIndex(ctx, fmt.Sprintf(nodeTasksKeyFmt, instanceID, nodeID), nil)
}

// ListOpenTasksByNode returns the pending and in-progress tasks of one
// node visit.
func (s *RedisStorage) ListOpenTasksByNode(ctx context.Context, instanceID, nodeID uint64) ([]types.Task, error) {
	return s.tasksFromIndex(ctx, fmt.Sprintf(nodeTasksKeyFmt, instanceID, nodeID), func(t types.Task) bool {
		return t.Open()
	})
}

// ListTasksByAssignee returns all tasks assigned to a user.
func (s *RedisStorage) ListTasksByAssignee(ctx context.Context, userID uint64) ([]types.Task, error) {
	return s.tasksFromIndex(ctx, fmt.Sprintf(userTasksKeyFmt, userID), nil)
}

func (s *RedisStorage) tasksFromIndex(ctx context.Context, indexKey string, match func(types.Task) bool) ([]types.Task, error) {
	return withContext(ctx, func() ([]types.Task, error) {
		ids, err := s.client.SMembers(ctx, indexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read index %s: %v", indexKey, err)
		}
		var tasks []types.Task
		for _, id := range ids {
			data, err := s.client.Get(ctx, taskPrefix+id).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return nil, fmt.Errorf("failed to get task %s: %v", id, err)
			}
			var task types.Task
			if err := json.Unmarshal(data, &task); err != nil {
				return nil, fmt.Errorf("failed to unmarshal task %s: %v", id, err)
			}
			if match == nil || match(task) {
				tasks = append(tasks, task)
			}
		}
		sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
		return tasks, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
