package workflow

import (
	"context"

	"github.com/approvalkit/approval-engine/events"
	"github.com/approvalkit/approval-engine/types"
)

// Notifier is the delivery hook fired when a task is assigned to a
// user. Delivery itself (mail, chat, push) is out of scope; the engine
// only guarantees the hook is invoked. Notification failures never fail
// the operation that created the task.
type Notifier interface {
	Notify(ctx context.Context, user types.User, task types.Task) error
}

// NotifierFunc is a function adapter for Notifier.
type NotifierFunc func(ctx context.Context, user types.User, task types.Task) error

// Notify implements the Notifier interface.
func (f NotifierFunc) Notify(ctx context.Context, user types.User, task types.Task) error {
	return f(ctx, user, task)
}

// NopNotifier discards notifications.
type NopNotifier struct{}

// Notify implements the Notifier interface.
func (NopNotifier) Notify(context.Context, types.User, types.Task) error { return nil }

// BusNotifier forwards task assignments onto an event bus as
// "task_created" events, so delivery backends subscribe instead of
// being linked in.
type BusNotifier struct {
	bus *events.EventBus
}

// NewBusNotifier creates a Notifier publishing to the given bus.
func NewBusNotifier(bus *events.EventBus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Notify publishes the assignment; a bus with no subscribers is fine.
func (n *BusNotifier) Notify(ctx context.Context, user types.User, task types.Task) error {
	err := n.bus.Publish(ctx, events.Event{
		Type:       EventTaskCreated,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		UserID:     user.ID,
		Data: map[string]interface{}{
			"node_id":  task.NodeID,
			"due_date": task.DueDate,
			"email":    user.Email,
		},
	})
	if err == events.ErrNoHandler {
		return nil
	}
	return err
}
