// Package taskboard decides which task status transitions the acting user may
// perform. It is a pure function layer: the board UI consults it to gate
// drag-and-drop and buttons, and the hub enforces the same rules server-side.
package taskboard

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusApproved   Status = "APPROVED"
	StatusRejected   Status = "REJECTED"
)

// Task is the policy-relevant view of a workflow task.
type Task struct {
	ID                int64
	WorkflowID        int64
	Status            Status
	RequiredRoleLevel int
	AssigneeID        *int64
}

// User is the policy-relevant view of the acting user.
type User struct {
	ID        int64
	RoleLevel int
}

// AllowedTransitions returns the set of statuses the user may move the task
// to. It depends only on its inputs.
//
// A PENDING task may be claimed (moved to IN_PROGRESS, taking assignment) by
// a user whose role level equals the task's required level, and only while
// the task is unassigned. An IN_PROGRESS task may be approved or rejected by
// its current assignee. Every other combination is denied.
func AllowedTransitions(task Task, user User) map[Status]bool {
	allowed := make(map[Status]bool)
	switch task.Status {
	case StatusPending:
		if task.AssigneeID == nil && user.RoleLevel == task.RequiredRoleLevel {
			allowed[StatusInProgress] = true
		}
	case StatusInProgress:
		if task.AssigneeID != nil && *task.AssigneeID == user.ID {
			allowed[StatusApproved] = true
			allowed[StatusRejected] = true
		}
	}
	return allowed
}

// CanTransition reports whether a single transition is permitted.
func CanTransition(task Task, user User, target Status) bool {
	return AllowedTransitions(task, user)[target]
}

// Normalize maps an arbitrary status string onto a known Status, defaulting
// to PENDING.
func Normalize(status string) Status {
	switch Status(status) {
	case StatusPending, StatusInProgress, StatusApproved, StatusRejected:
		return Status(status)
	default:
		return StatusPending
	}
}
