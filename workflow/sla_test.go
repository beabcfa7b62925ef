package workflow

import (
	"testing"
	"time"

	"github.com/approvalkit/approval-engine/types"
)

func TestParseSLA(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
	}{
		{"3 days", 72 * time.Hour},
		{"1 day", 24 * time.Hour},
		{"10 days", 240 * time.Hour},
		{"2 Days", 48 * time.Hour},
		{" 5 days ", 120 * time.Hour},
		{"", DefaultSLA},
		{"soon", DefaultSLA},
		{"0 days", DefaultSLA},
		{"three days", DefaultSLA},
		{"3 weeks", DefaultSLA},
	}
	for _, c := range cases {
		if got := ParseSLA(c.in); got != c.want {
			t.Errorf("ParseSLA(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestIsOverdue(t *testing.T) {
	now := time.Now()
	open := types.Task{Status: types.TaskPending, DueDate: now.Add(-time.Hour)}
	if !IsOverdue(open, now) {
		t.Error("expected open task past due to be overdue")
	}

	future := types.Task{Status: types.TaskPending, DueDate: now.Add(time.Hour)}
	if IsOverdue(future, now) {
		t.Error("task before due date is not overdue")
	}

	done := types.Task{Status: types.TaskCompleted, DueDate: now.Add(-time.Hour)}
	if IsOverdue(done, now) {
		t.Error("completed task is never overdue")
	}

	undated := types.Task{Status: types.TaskPending}
	if IsOverdue(undated, now) {
		t.Error("task without a due date is never overdue")
	}
}

func TestDaysUntilDue(t *testing.T) {
	now := time.Now()

	task := types.Task{DueDate: now.Add(72 * time.Hour)}
	if got := DaysUntilDue(task, now); got != 3 {
		t.Errorf("expected 3 days, got %d", got)
	}

	task = types.Task{DueDate: now.Add(time.Hour)}
	if got := DaysUntilDue(task, now); got != 1 {
		t.Errorf("expected partial day to round up to 1, got %d", got)
	}

	task = types.Task{DueDate: now.Add(-25 * time.Hour)}
	if got := DaysUntilDue(task, now); got != -1 {
		t.Errorf("expected -1 for a day overdue, got %d", got)
	}
}
