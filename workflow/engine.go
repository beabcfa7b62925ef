package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"

	"github.com/approvalkit/approval-engine/directory"
	"github.com/approvalkit/approval-engine/events"
	"github.com/approvalkit/approval-engine/rules"
	"github.com/approvalkit/approval-engine/storage"
	"github.com/approvalkit/approval-engine/types"
)

// Standard error definitions
var (
	ErrDefinitionNotFound   = errors.New("workflow definition has no nodes")
	ErrInstanceNotFound     = storage.ErrInstanceNotFound
	ErrTaskNotFound         = storage.ErrTaskNotFound
	ErrInstanceNotActive    = errors.New("instance is not active")
	ErrNotAssignee          = errors.New("task belongs to another user")
	ErrTaskNotPending       = errors.New("task is not pending")
	ErrNoPositionsDefined   = errors.New("node has no required positions")
	ErrNoEligibleUsers      = errors.New("no eligible users for required positions")
	ErrNoMatchingTransition = errors.New("no transition matches execution result")
	ErrTargetNodeNotFound   = errors.New("transition targets a node missing from the definition")
	ErrTransitionConflict   = errors.New("a concurrent transition already moved the instance")
)

// Completion statuses reported by CompleteTask.
const (
	StatusTaskCompleted     = "task_completed"
	StatusWorkflowCompleted = "workflow_completed"
	StatusTransitioned      = "transitioned"
)

// Event types
const (
	EventWorkflowStarted   = "workflow_started"
	EventTaskCreated       = "task_created"
	EventTaskCompleted     = "task_completed"
	EventNodeTransitioned  = "node_transitioned"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowCancelled = "workflow_cancelled"
)

// defaultTaskPriority is the baseline priority every fanned-out task gets.
const defaultTaskPriority = 3

// Result describes what completing a task led to: just the task
// resolving, the instance moving to NextNode, or the whole workflow
// finishing.
type Result struct {
	Status   string
	Instance *types.Instance
	NextNode *types.Node
}

// Progress is a point-in-time snapshot of how far an instance has come.
// CompletedNodes counts distinct nodes appearing in the execution log;
// on cyclic graphs a revisited node is not counted twice, so the
// percentage can stall below 100 or hit it early. Known limitation.
type Progress struct {
	Instance       types.Instance
	CompletedNodes int
	TotalNodes     int
	Percentage     int
	CurrentNodeID  uint64
	Status         string
}

// Engine drives approval workflows: it starts instances, fans tasks out
// to eligible users, enforces the per-node join barrier, evaluates edge
// conditions and keeps the append-only execution log.
type Engine struct {
	definitions storage.DefinitionStore
	instances   storage.InstanceStore
	tasks       storage.TaskStore
	resolver    directory.Resolver
	evaluator   rules.Evaluator
	notifier    Notifier
	eventBus    *events.EventBus
	generate    generator.Generator

	taskPriority int

	// locks serializes transition evaluation per instance. The store's
	// MoveCurrentNode guard covers movers outside this process.
	mu    sync.Mutex
	locks map[uint64]*sync.Mutex
}

// EngineOption defines functional options for configuring the Engine.
type EngineOption func(*Engine)

// WithEvaluator replaces the default exact-match condition evaluator.
func WithEvaluator(evaluator rules.Evaluator) EngineOption {
	return func(e *Engine) {
		if evaluator != nil {
			e.evaluator = evaluator
		}
	}
}

// WithNotifier replaces the default bus-backed task notifier.
func WithNotifier(notifier Notifier) EngineOption {
	return func(e *Engine) {
		if notifier != nil {
			e.notifier = notifier
		}
	}
}

// WithTaskPriority overrides the baseline priority of fanned-out tasks.
func WithTaskPriority(priority int) EngineOption {
	return func(e *Engine) {
		e.taskPriority = priority
	}
}

// NewEngine creates an Engine over the given collaborators. generate,
// definitions and resolver are required; nil instance/task stores fall
// back to one shared in-memory store.
func NewEngine(generate generator.Generator, definitions storage.DefinitionStore,
	instances storage.InstanceStore, tasks storage.TaskStore,
	resolver directory.Resolver, options ...EngineOption) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if definitions == nil {
		return nil, errors.New("definition store is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if instances == nil || tasks == nil {
		ms := storage.NewMemoryStorage()
		if instances == nil {
			instances = ms
		}
		if tasks == nil {
			tasks = ms
		}
	}

	e := &Engine{
		definitions:  definitions,
		instances:    instances,
		tasks:        tasks,
		resolver:     resolver,
		evaluator:    rules.NewOutcomeEvaluator(),
		eventBus:     events.NewEventBus(),
		generate:     generate,
		taskPriority: defaultTaskPriority,
		locks:        make(map[uint64]*sync.Mutex),
	}
	e.notifier = NewBusNotifier(e.eventBus)

	for _, option := range options {
		option(e)
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Stop gracefully stops the engine's event processing.
func (e *Engine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}

// lockInstance returns the transition mutex of one instance.
func (e *Engine) lockInstance(instanceID uint64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[instanceID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[instanceID] = l
	}
	return l
}

// publishEvent publishes an event asynchronously to the event bus.
func (e *Engine) publishEvent(ctx context.Context, eventType string, instanceID, taskID, userID uint64, data map[string]interface{}) {
	go e.eventBus.Publish(ctx, events.Event{
		Type:       eventType,
		InstanceID: instanceID,
		TaskID:     taskID,
		UserID:     userID,
		Data:       data,
	})
}

// StartWorkflow creates and positions a new instance at the workflow's
// entry node and fans tasks out to the users eligible for it. The entry
// node is the one flagged IsStart, or the lowest sort order when no node
// is flagged. Nothing is persisted when fan-out inputs are invalid, so a
// failed start leaves no orphan instance behind.
func (e *Engine) StartWorkflow(ctx context.Context, workflowID uint64, instanceName string, entityID uint64, entityType string, userID uint64) (*types.Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	nodes, err := e.definitions.GetNodes(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: workflow=%d", ErrDefinitionNotFound, workflowID)
	}

	entry := entryNode(nodes)
	users, err := e.eligibleUsers(ctx, entry)
	if err != nil {
		return nil, err
	}

	id, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	now := time.Now()
	inst := types.Instance{
		ID:            id,
		WorkflowID:    workflowID,
		Name:          instanceName,
		EntityID:      entityID,
		EntityType:    entityType,
		CurrentNodeID: entry.ID,
		Status:        types.InstanceActive,
		InitiatedBy:   userID,
		StartedAt:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.instances.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	if err := e.createTasksForNode(ctx, inst, entry, users); err != nil {
		return nil, err
	}

	if err := e.appendLog(ctx, inst.ID, 0, userID, types.ActionStart, "", fmt.Sprintf("entered %s", entry.Label)); err != nil {
		return nil, err
	}

	e.publishEvent(ctx, EventWorkflowStarted, inst.ID, 0, userID, map[string]interface{}{
		"workflow_id":  workflowID,
		"current_node": entry.ID,
	})
	return &inst, nil
}

// StartTask moves a pending task to in-progress for its assignee.
func (e *Engine) StartTask(ctx context.Context, taskID, userID uint64) (*types.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	inst, err := e.instances.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return nil, fmt.Errorf("%w: instance=%d status=%s", ErrInstanceNotActive, inst.ID, inst.Status)
	}
	if task.AssignedTo != userID {
		return nil, fmt.Errorf("%w: task=%d user=%d", ErrNotAssignee, taskID, userID)
	}
	if task.Status != types.TaskPending {
		return nil, fmt.Errorf("%w: task=%d status=%s", ErrTaskNotPending, taskID, task.Status)
	}

	now := time.Now()
	task.Status = types.TaskInProgress
	task.StartedAt = now
	task.UpdatedAt = now
	if err := e.tasks.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}
	return &task, nil
}

// CompleteTask marks a task completed with the reported outcome and, if
// that resolved the last open task of the node, evaluates the node's
// outgoing transitions. Sibling tasks still open keep the node
// unresolved: the join rule.
func (e *Engine) CompleteTask(ctx context.Context, taskID uint64, executionResult, comments string, userID uint64) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	task, err := e.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	inst, err := e.instances.GetInstance(ctx, task.InstanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return nil, fmt.Errorf("%w: instance=%d status=%s", ErrInstanceNotActive, inst.ID, inst.Status)
	}
	if task.AssignedTo != userID {
		return nil, fmt.Errorf("%w: task=%d user=%d", ErrNotAssignee, taskID, userID)
	}

	now := time.Now()
	task.Status = types.TaskCompleted
	task.CompletedAt = now
	task.CompletedBy = userID
	task.ExecutionResult = executionResult
	task.Comments = comments
	task.UpdatedAt = now
	if err := e.tasks.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	if err := e.appendLog(ctx, inst.ID, task.NodeID, userID, types.ActionComplete, executionResult, comments); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, EventTaskCompleted, inst.ID, task.ID, userID, map[string]interface{}{
		"node_id": task.NodeID,
		"result":  executionResult,
	})

	open, err := e.tasks.ListOpenTasksByNode(ctx, inst.ID, task.NodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sibling tasks: %w", err)
	}
	if len(open) > 0 {
		return &Result{Status: StatusTaskCompleted, Instance: &inst}, nil
	}

	lock := e.lockInstance(inst.ID)
	lock.Lock()
	defer lock.Unlock()
	return e.evaluateTransition(ctx, inst.ID, task.NodeID, executionResult, userID)
}

// evaluateTransition resolves a node: it selects the highest-priority
// outgoing edge accepting executionResult, moves the instance to the
// edge's target and fans out the target's tasks. A node without
// outgoing edges completes the workflow. Callers must hold the
// instance's transition lock.
func (e *Engine) evaluateTransition(ctx context.Context, instanceID, nodeID uint64, executionResult string, userID uint64) (*Result, error) {
	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Status == types.InstanceCompleted {
		// A concurrent completion on a final node already finished the
		// workflow; this task still completed successfully.
		return &Result{Status: StatusTaskCompleted, Instance: &inst}, nil
	}
	if inst.Terminal() {
		return nil, fmt.Errorf("%w: instance=%d status=%s", ErrInstanceNotActive, inst.ID, inst.Status)
	}
	if inst.CurrentNodeID != nodeID {
		// Another completion already resolved this node visit.
		return &Result{Status: StatusTaskCompleted, Instance: &inst}, nil
	}

	edges, err := e.definitions.GetEdges(ctx, inst.WorkflowID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load edges: %w", err)
	}

	if len(edges) == 0 {
		now := time.Now()
		inst.Status = types.InstanceCompleted
		inst.CompletedAt = now
		inst.UpdatedAt = now
		if err := e.instances.SaveInstance(ctx, inst); err != nil {
			return nil, fmt.Errorf("failed to save instance: %w", err)
		}
		e.publishEvent(ctx, EventWorkflowCompleted, inst.ID, 0, userID, map[string]interface{}{
			"final_node": nodeID,
		})
		return &Result{Status: StatusWorkflowCompleted, Instance: &inst}, nil
	}

	// Edges arrive priority-descending; the first accepting edge wins.
	var matched types.Edge
	found := false
	for _, edge := range edges {
		ok, err := e.evaluator.Evaluate(edge.Condition, executionResult, inst.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate condition %q: %w", edge.Condition, err)
		}
		if ok {
			matched = edge
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: node=%d result=%q", ErrNoMatchingTransition, nodeID, executionResult)
	}

	source, err := e.definitions.GetNode(ctx, inst.WorkflowID, nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load source node: %w", err)
	}
	target, err := e.definitions.GetNode(ctx, inst.WorkflowID, matched.TargetNodeID)
	if err != nil {
		if errors.Is(err, storage.ErrNodeNotFound) {
			return nil, fmt.Errorf("%w: edge %d->%d", ErrTargetNodeNotFound, matched.SourceNodeID, matched.TargetNodeID)
		}
		return nil, fmt.Errorf("failed to load target node: %w", err)
	}

	// Fan-out inputs are validated before the move so an unenterable
	// target leaves the instance on its prior node.
	users, err := e.eligibleUsers(ctx, target)
	if err != nil {
		return nil, err
	}

	moved, err := e.instances.MoveCurrentNode(ctx, inst.ID, nodeID, target.ID)
	if err != nil {
		if errors.Is(err, storage.ErrStaleNode) {
			return nil, fmt.Errorf("%w: instance=%d node=%d", ErrTransitionConflict, inst.ID, nodeID)
		}
		return nil, err
	}

	if err := e.createTasksForNode(ctx, moved, target, users); err != nil {
		return nil, err
	}

	if err := e.appendLog(ctx, moved.ID, nodeID, userID, types.ActionTransition, executionResult,
		fmt.Sprintf("from %s to %s", source.Label, target.Label)); err != nil {
		return nil, err
	}
	e.publishEvent(ctx, EventNodeTransitioned, moved.ID, 0, userID, map[string]interface{}{
		"from_node": nodeID,
		"to_node":   target.ID,
		"result":    executionResult,
	})

	return &Result{Status: StatusTransitioned, Instance: &moved, NextNode: &target}, nil
}

// CancelWorkflow terminally cancels an active instance. Open tasks are
// left as they are; SkipOpenTasks exists for operators who want them
// closed out.
func (e *Engine) CancelWorkflow(ctx context.Context, instanceID, userID uint64, reason string) (*types.Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	lock := e.lockInstance(instanceID)
	lock.Lock()
	defer lock.Unlock()

	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.Terminal() {
		return nil, fmt.Errorf("%w: instance=%d status=%s", ErrInstanceNotActive, inst.ID, inst.Status)
	}

	now := time.Now()
	inst.Status = types.InstanceCancelled
	inst.CancelledAt = now
	inst.CancelledBy = userID
	inst.CancellationReason = reason
	inst.UpdatedAt = now
	if err := e.instances.SaveInstance(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to save instance: %w", err)
	}

	e.publishEvent(ctx, EventWorkflowCancelled, inst.ID, 0, userID, map[string]interface{}{
		"reason": reason,
	})
	return &inst, nil
}

// SkipOpenTasks marks the open tasks of a terminal instance skipped and
// returns how many it touched. Cancellation deliberately leaves tasks
// open; this is the explicit cleanup for operators who want none
// dangling.
func (e *Engine) SkipOpenTasks(ctx context.Context, instanceID, userID uint64) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	inst, err := e.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return 0, err
	}
	if !inst.Terminal() {
		return 0, fmt.Errorf("instance %d is still active; cancel or complete it first", instanceID)
	}

	open, err := e.tasks.ListOpenTasksByNode(ctx, inst.ID, inst.CurrentNodeID)
	if err != nil {
		return 0, fmt.Errorf("failed to query open tasks: %w", err)
	}

	now := time.Now()
	for _, task := range open {
		task.Status = types.TaskSkipped
		task.CompletedAt = now
		task.CompletedBy = userID
		task.Comments = fmt.Sprintf("skipped: instance %s", inst.Status)
		task.UpdatedAt = now
		if err := e.tasks.SaveTask(ctx, task); err != nil {
			return 0, fmt.Errorf("failed to save task %d: %w", task.ID, err)
		}
	}
	return len(open), nil
}

// GetProgress returns a progress snapshot for an instance, or nil when
// the instance does not exist. CompletedNodes counts distinct nodes in
// the execution log; see Progress for the cyclic-graph caveat.
func (e *Engine) GetProgress(ctx context.Context, instanceID uint64) (*Progress, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	inst, err := e.instances.GetInstance(ctx, instanceID)
	if errors.Is(err, storage.ErrInstanceNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	nodes, err := e.definitions.GetNodes(ctx, inst.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	log, err := e.instances.GetLog(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load execution log: %w", err)
	}

	visited := make(map[uint64]bool)
	for _, entry := range log {
		if entry.NodeID != 0 {
			visited[entry.NodeID] = true
		}
	}

	percentage := 0
	if len(nodes) > 0 {
		percentage = int(float64(len(visited))/float64(len(nodes))*100 + 0.5)
	}

	return &Progress{
		Instance:       inst,
		CompletedNodes: len(visited),
		TotalNodes:     len(nodes),
		Percentage:     percentage,
		CurrentNodeID:  inst.CurrentNodeID,
		Status:         inst.Status,
	}, nil
}

// GetInstance retrieves a workflow instance by ID.
func (e *Engine) GetInstance(ctx context.Context, instanceID uint64) (*types.Instance, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		inst, err := e.instances.GetInstance(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		return &inst, nil
	}
}

// GetTask retrieves a task by ID.
func (e *Engine) GetTask(ctx context.Context, taskID uint64) (*types.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		task, err := e.tasks.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		return &task, nil
	}
}

// GetExecutionLog returns an instance's execution log in append order.
func (e *Engine) GetExecutionLog(ctx context.Context, instanceID uint64) ([]types.LogEntry, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return e.instances.GetLog(ctx, instanceID)
	}
}

// ListUserTasks returns a user's tasks across all instances.
func (e *Engine) ListUserTasks(ctx context.Context, userID uint64) ([]types.Task, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return e.tasks.ListTasksByAssignee(ctx, userID)
	}
}

// eligibleUsers validates a node's positions and resolves them.
func (e *Engine) eligibleUsers(ctx context.Context, node types.Node) ([]types.User, error) {
	if len(node.RequiredPositions) == 0 {
		return nil, fmt.Errorf("%w: node=%d", ErrNoPositionsDefined, node.ID)
	}
	users, err := e.resolver.Resolve(ctx, node.RequiredPositions)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve positions: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: node=%d positions=%v", ErrNoEligibleUsers, node.ID, node.RequiredPositions)
	}
	return users, nil
}

// createTasksForNode fans one task out per eligible user. Fan-out is
// idempotent on (instance, node): users already holding a task for this
// visit are skipped, so a retried transition creates no duplicates.
func (e *Engine) createTasksForNode(ctx context.Context, inst types.Instance, node types.Node, users []types.User) error {
	existing, err := e.tasks.ListTasksByNode(ctx, inst.ID, node.ID)
	if err != nil {
		return fmt.Errorf("failed to query existing tasks: %w", err)
	}
	assigned := make(map[uint64]bool, len(existing))
	for _, t := range existing {
		assigned[t.AssignedTo] = true
	}

	now := time.Now()
	due := now.Add(ParseSLA(node.SLA))
	for _, user := range users {
		if assigned[user.ID] {
			continue
		}
		id, err := e.generate.NextID()
		if err != nil {
			return fmt.Errorf("failed to generate ID: %w", err)
		}
		task := types.Task{
			ID:          id,
			InstanceID:  inst.ID,
			NodeID:      node.ID,
			AssignedTo:  user.ID,
			Name:        node.Label,
			Description: fmt.Sprintf("%s for %s", node.Label, inst.Name),
			Status:      types.TaskPending,
			Priority:    e.taskPriority,
			DueDate:     due,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.tasks.SaveTask(ctx, task); err != nil {
			return fmt.Errorf("failed to save task: %w", err)
		}
		// Notification is a hook; failures never fail the fan-out.
		_ = e.notifier.Notify(ctx, user, task)
	}
	return nil
}

// appendLog writes one immutable execution log row.
func (e *Engine) appendLog(ctx context.Context, instanceID, nodeID, userID uint64, action, executionResult, comments string) error {
	id, err := e.generate.NextID()
	if err != nil {
		return fmt.Errorf("failed to generate ID: %w", err)
	}
	entry := types.LogEntry{
		ID:              id,
		InstanceID:      instanceID,
		NodeID:          nodeID,
		UserID:          userID,
		Action:          action,
		ExecutionResult: executionResult,
		Comments:        comments,
		ExecutedAt:      time.Now(),
	}
	if err := e.instances.AppendLog(ctx, entry); err != nil {
		return fmt.Errorf("failed to append log entry: %w", err)
	}
	return nil
}

// entryNode picks the workflow's entry point: the first node flagged as
// start, falling back to the lowest sort order for definitions that
// predate the flag. Nodes arrive sorted ascending.
func entryNode(nodes []types.Node) types.Node {
	for _, n := range nodes {
		if n.IsStart {
			return n
		}
	}
	return nodes[0]
}
