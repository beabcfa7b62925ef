package workflow

import (
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/approvalkit/approval-engine/types"
)

// DefaultSLA applies when a node's SLA is absent or unparseable.
const DefaultSLA = 7 * 24 * time.Hour

var slaPattern = regexp.MustCompile(`^\s*(\d+)\s*[Dd]ays?\s*$`)

// ParseSLA converts a node's SLA text ("3 days", "1 day") into a
// duration. Anything that does not match falls back to DefaultSLA.
func ParseSLA(sla string) time.Duration {
	m := slaPattern.FindStringSubmatch(sla)
	if m == nil {
		return DefaultSLA
	}
	days, err := strconv.Atoi(m[1])
	if err != nil || days <= 0 {
		return DefaultSLA
	}
	return time.Duration(days) * 24 * time.Hour
}

// IsOverdue reports whether an open task is past its due date. Due
// dates are informational only; nothing in the engine acts on them.
func IsOverdue(task types.Task, now time.Time) bool {
	return task.Open() && !task.DueDate.IsZero() && now.After(task.DueDate)
}

// DaysUntilDue returns the number of days until the task's due date,
// rounded up. Overdue tasks yield a negative count.
func DaysUntilDue(task types.Task, now time.Time) int {
	return int(math.Ceil(task.DueDate.Sub(now).Hours() / 24))
}
