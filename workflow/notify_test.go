package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/approvalkit/approval-engine/events"
	"github.com/approvalkit/approval-engine/types"
)

func TestTaskCreatedNotification(t *testing.T) {
	engine, store := newTestEngine(t, testResolver())
	seedReviewApprove(t, store)

	notified := make(chan events.Event, 4)
	engine.SubscribeEvent(EventTaskCreated, events.EventHandlerFunc(func(ctx context.Context, event events.Event) error {
		notified <- event
		return nil
	}))

	inst := mustStart(t, engine)

	select {
	case event := <-notified:
		if event.InstanceID != inst.ID {
			t.Errorf("expected instance %d, got %d", inst.ID, event.InstanceID)
		}
		if event.UserID != reviewer.ID {
			t.Errorf("expected assignment to %d, got %d", reviewer.ID, event.UserID)
		}
		if event.TaskID == 0 {
			t.Error("expected a task id on the notification")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no task_created notification received")
	}
}

func TestCustomNotifier(t *testing.T) {
	var notified []uint64
	notifier := NotifierFunc(func(ctx context.Context, user types.User, task types.Task) error {
		notified = append(notified, user.ID)
		return nil
	})

	engine, store := newTestEngine(t, testResolver(), WithNotifier(notifier))
	seedReviewApprove(t, store)
	mustStart(t, engine)

	if len(notified) != 1 || notified[0] != reviewer.ID {
		t.Errorf("expected one notification to %d, got %v", reviewer.ID, notified)
	}
}

func TestNotifierFailureDoesNotFailFanOut(t *testing.T) {
	notifier := NotifierFunc(func(ctx context.Context, user types.User, task types.Task) error {
		return context.DeadlineExceeded
	})

	engine, store := newTestEngine(t, testResolver(), WithNotifier(notifier))
	seedReviewApprove(t, store)

	inst := mustStart(t, engine)
	tasks, err := store.ListTasksByNode(context.Background(), inst.ID, 1)
	if err != nil {
		t.Fatalf("ListTasksByNode: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected fan-out to survive notifier failure, got %d tasks", len(tasks))
	}
}
