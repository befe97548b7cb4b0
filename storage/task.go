package storage

import (
	"fmt"
	"slices"
	"time"
)

// Status represents the lifecycle status of a task.
type Status string

const (
	StatusPending            Status = "pending"
	StatusCompleted          Status = "completed"
	StatusImpossible         Status = "impossible"
	StatusExtensionRequested Status = "extension_requested"
)

// AllStatuses lists every status in display order.
var AllStatuses = []Status{
	StatusPending,
	StatusCompleted,
	StatusExtensionRequested,
	StatusImpossible,
}

// IsValid returns true if the status is a known value.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusImpossible, StatusExtensionRequested:
		return true
	default:
		return false
	}
}

// CanTransitionTo returns true if the status can transition to the target status.
// Administrative overrides do not go through this table.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		return target == StatusCompleted ||
			target == StatusImpossible ||
			target == StatusExtensionRequested
	case StatusImpossible:
		// impossible → pending (edited by admin, or the claim was denied)
		return target == StatusPending
	case StatusExtensionRequested:
		// extension_requested → pending (approved with a new date, or denied)
		return target == StatusPending
	case StatusCompleted:
		return false // Terminal state
	default:
		return false
	}
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(s string) (Status, error) {
	status := Status(s)
	if !status.IsValid() {
		return "", NewValidationError("status", "unknown status %q", s)
	}
	return status, nil
}

// Comment is a single audit trail entry on a task.
type Comment struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ExtensionRequest records a pending request to move a task's due date.
type ExtensionRequest struct {
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// Task represents a task document in the tasks bucket.
type Task struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Description      string            `json:"description"`
	ScheduledAt      time.Time         `json:"scheduled_at"`
	AssignedTo       string            `json:"assigned_to"`
	Status           Status            `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	Comments         []Comment         `json:"comments"`
	ExtensionRequest *ExtensionRequest `json:"extension_request"`
	ImpossibleReason *string           `json:"impossible_reason"`

	// Revision is the KV revision the task was read at. Not persisted.
	Revision uint64 `json:"-"`
}

// ClearStaleStatusFields drops whichever of the extension request and the
// impossible reason no longer applies to the current status.
func (t *Task) ClearStaleStatusFields() {
	if t.Status != StatusExtensionRequested {
		t.ExtensionRequest = nil
	}
	if t.Status != StatusImpossible {
		t.ImpossibleReason = nil
	}
}

// CheckInvariants reports the first violated document invariant, if any.
func (t *Task) CheckInvariants() error {
	if (t.ExtensionRequest != nil) != (t.Status == StatusExtensionRequested) {
		return fmt.Errorf("task %s: extension_request present=%t with status %s",
			t.ID, t.ExtensionRequest != nil, t.Status)
	}
	if (t.ImpossibleReason != nil) != (t.Status == StatusImpossible) {
		return fmt.Errorf("task %s: impossible_reason present=%t with status %s",
			t.ID, t.ImpossibleReason != nil, t.Status)
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		return fmt.Errorf("task %s: updated_at %s before created_at %s",
			t.ID, t.UpdatedAt, t.CreatedAt)
	}
	return nil
}

// LastComment returns the most recent comment, or nil.
func (t *Task) LastComment() *Comment {
	if len(t.Comments) == 0 {
		return nil
	}
	return &t.Comments[len(t.Comments)-1]
}

// TaskPatch is a partial update. Nil fields are left untouched.
type TaskPatch struct {
	Name        *string
	Description *string
	ScheduledAt *time.Time
	AssignedTo  *string
	Status      *Status

	ExtensionRequest *ExtensionRequest
	ImpossibleReason *string
}

// Apply merges the patch into t and re-establishes the status field rules.
func (p TaskPatch) Apply(t *Task) {
	if p.Name != nil {
		t.Name = *p.Name
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.ScheduledAt != nil {
		t.ScheduledAt = *p.ScheduledAt
	}
	if p.AssignedTo != nil {
		t.AssignedTo = *p.AssignedTo
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.ExtensionRequest != nil {
		req := *p.ExtensionRequest
		t.ExtensionRequest = &req
	}
	if p.ImpossibleReason != nil {
		reason := *p.ImpossibleReason
		t.ImpossibleReason = &reason
	}
	t.ClearStaleStatusFields()
}

// Filter selects tasks in Find. Zero values leave a dimension unconstrained.
type Filter struct {
	Statuses  []Status
	Assignees []string

	// Start and End bound scheduled_at as [Start, End).
	Start time.Time
	End   time.Time
}

// Matches reports whether the task satisfies every constrained dimension.
func (f Filter) Matches(t *Task) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if len(f.Assignees) > 0 && !slices.Contains(f.Assignees, t.AssignedTo) {
		return false
	}
	if !f.Start.IsZero() && t.ScheduledAt.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !t.ScheduledAt.Before(f.End) {
		return false
	}
	return true
}

// SortBySchedule orders tasks by scheduled_at ascending, breaking ties by
// creation time and then id so results are deterministic.
func SortBySchedule(tasks []*Task) {
	slices.SortStableFunc(tasks, func(a, b *Task) int {
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}
