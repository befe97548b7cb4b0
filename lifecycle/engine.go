// Package lifecycle implements the task state machine: every status change,
// its audit comment and the clearing of stale status fields happen in one
// revision-checked document write.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c360studio/choreboard/auth"
	"github.com/c360studio/choreboard/storage"
)

// Audit comment texts.
const (
	commentCompleted          = "Marked as completed"
	commentExtensionRequested = "Extension requested. Reason: %s"
	commentMarkedImpossible   = "Marked as impossible. Reason: %s"
	commentExtensionApproved  = "Extension approved. New date: %s"
	commentExtensionDenied    = "Extension denied. Reason: %s"
	commentImpossibleEdited   = "Task modified by administrator"
	commentImpossibleDenied   = "Impossibility request denied. Reason: %s"
	commentAdminEdited        = "Task updated by administrator"
)

// TaskStore is the persistence the engine needs. *storage.TaskStore
// implements it.
type TaskStore interface {
	Create(ctx context.Context, t *storage.Task) (storage.EntityID, error)
	Get(ctx context.Context, id storage.EntityID) (*storage.Task, error)
	Mutate(ctx context.Context, id storage.EntityID, fn func(*storage.Task) error) (*storage.Task, error)
	Delete(ctx context.Context, id storage.EntityID) (bool, error)
	DeleteIf(ctx context.Context, id storage.EntityID, check func(*storage.Task) error) (bool, error)
}

// Roster decides which assignee values are allowed. *auth.Policy implements it.
type Roster interface {
	IsAssignee(name string) bool
}

// Engine applies lifecycle operations to tasks.
type Engine struct {
	store     TaskStore
	roster    Roster
	publisher Publisher
	metrics   *Metrics
	logger    *slog.Logger
	loc       *time.Location
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithRoster sets the allowed assignee set. Without one any non-empty
// assignee is accepted.
func WithRoster(r Roster) Option {
	return func(e *Engine) {
		e.roster = r
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithMetrics sets the operation counters.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithLocation sets the zone used to render dates in audit comments.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// WithClock overrides the time source for comment and request timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine over store.
func NewEngine(store TaskStore, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("task store required")
	}
	e := &Engine{
		store:     store,
		publisher: NopPublisher{},
		logger:    slog.Default(),
		loc:       time.UTC,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// NewTask is the input for CreateTask.
type NewTask struct {
	Name        string
	Description string
	ScheduledAt time.Time
	AssignedTo  string
}

// CreateTask validates and stores a new pending task.
func (e *Engine) CreateTask(ctx context.Context, in NewTask) (*storage.Task, error) {
	const op = "create"

	if err := e.validateFields(in.Name, in.ScheduledAt, in.AssignedTo); err != nil {
		e.metrics.Observe(op, true, err)
		return nil, err
	}

	task := &storage.Task{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		ScheduledAt: in.ScheduledAt,
		AssignedTo:  in.AssignedTo,
	}
	id, err := e.store.Create(ctx, task)
	e.metrics.Observe(op, true, err)
	if err != nil {
		return nil, err
	}

	e.logger.Info("Task created",
		"task_id", id.String(),
		"assigned_to", task.AssignedTo,
		"scheduled_at", task.ScheduledAt)
	e.publish(ctx, Event{Type: EventCreated, TaskID: id.String(), ToStatus: storage.StatusPending})
	return task, nil
}

// MarkCompleted moves a pending task to completed.
func (e *Engine) MarkCompleted(ctx context.Context, id storage.EntityID) (bool, error) {
	return e.transition(ctx, "complete", EventCompleted, id,
		storage.StatusPending, storage.StatusCompleted,
		func(*storage.Task) string {
			return commentCompleted
		})
}

// RequestExtension asks the administrator to move a pending task's date.
// An empty reason is accepted.
func (e *Engine) RequestExtension(ctx context.Context, id storage.EntityID, reason string) (bool, error) {
	return e.transition(ctx, "request_extension", EventExtensionRequested, id,
		storage.StatusPending, storage.StatusExtensionRequested,
		func(t *storage.Task) string {
			t.ExtensionRequest = &storage.ExtensionRequest{Reason: reason, RequestedAt: e.now()}
			return fmt.Sprintf(commentExtensionRequested, reason)
		})
}

// MarkImpossible flags a pending task as impossible for review.
func (e *Engine) MarkImpossible(ctx context.Context, id storage.EntityID, reason string) (bool, error) {
	return e.transition(ctx, "mark_impossible", EventMarkedImpossible, id,
		storage.StatusPending, storage.StatusImpossible,
		func(t *storage.Task) string {
			t.ImpossibleReason = &reason
			return fmt.Sprintf(commentMarkedImpossible, reason)
		})
}

// ApproveExtension reschedules a task with a pending extension request.
func (e *Engine) ApproveExtension(ctx context.Context, id storage.EntityID, scheduledAt time.Time) (bool, error) {
	const op = "approve_extension"
	if scheduledAt.IsZero() {
		err := storage.NewValidationError("scheduled_at", "new date is required")
		e.metrics.Observe(op, true, err)
		return false, err
	}

	return e.transition(ctx, op, EventExtensionApproved, id,
		storage.StatusExtensionRequested, storage.StatusPending,
		func(t *storage.Task) string {
			t.ScheduledAt = scheduledAt
			return fmt.Sprintf(commentExtensionApproved, FormatSchedule(scheduledAt, e.loc))
		})
}

// DenyExtension rejects a pending extension request; the date is unchanged.
func (e *Engine) DenyExtension(ctx context.Context, id storage.EntityID, reason string) (bool, error) {
	return e.transition(ctx, "deny_extension", EventExtensionDenied, id,
		storage.StatusExtensionRequested, storage.StatusPending,
		func(*storage.Task) string {
			return fmt.Sprintf(commentExtensionDenied, reason)
		})
}

// ResolveAction is the administrator's decision on an impossible task.
type ResolveAction string

const (
	ResolveAccept ResolveAction = "accept"
	ResolveDeny   ResolveAction = "deny"
)

// ImpossibleResolution is the input for ResolveImpossible.
type ImpossibleResolution struct {
	Action         ResolveAction
	Reason         string
	NewName        string
	NewDescription string
}

// Deletes reports whether the resolution removes the task: an accept that
// does not carry both a new name and a new description.
func (r ImpossibleResolution) Deletes() bool {
	return r.Action == ResolveAccept && (r.NewName == "" || r.NewDescription == "")
}

// ResolveImpossible dispatches an administrator decision on an impossible
// task. Accepting with both a new name and description rewrites the task,
// accepting without them deletes it, and denying sends it back to pending.
func (e *Engine) ResolveImpossible(ctx context.Context, id storage.EntityID, r ImpossibleResolution) (bool, error) {
	switch r.Action {
	case ResolveAccept:
		if r.Deletes() {
			return e.DeleteImpossible(ctx, id)
		}
		return e.ApplyImpossibleEdit(ctx, id, r.NewName, r.NewDescription)
	case ResolveDeny:
		return e.DenyImpossible(ctx, id, r.Reason)
	default:
		err := storage.NewValidationError("action", "must be %q or %q, got %q", ResolveAccept, ResolveDeny, r.Action)
		e.metrics.Observe("resolve_impossible", true, err)
		return false, err
	}
}

// ApplyImpossibleEdit rewrites an impossible task and returns it to pending.
func (e *Engine) ApplyImpossibleEdit(ctx context.Context, id storage.EntityID, name, description string) (bool, error) {
	const op = "edit_impossible"
	name = strings.TrimSpace(name)
	if name == "" || description == "" {
		err := storage.NewValidationError("name", "new name and description are both required")
		e.metrics.Observe(op, true, err)
		return false, err
	}

	return e.transition(ctx, op, EventImpossibleEdited, id,
		storage.StatusImpossible, storage.StatusPending,
		func(t *storage.Task) string {
			t.Name = name
			t.Description = description
			return commentImpossibleEdited
		})
}

// DeleteImpossible removes a task only while it is impossible.
func (e *Engine) DeleteImpossible(ctx context.Context, id storage.EntityID) (bool, error) {
	const op = "delete_impossible"

	deleted, err := e.store.DeleteIf(ctx, id, func(t *storage.Task) error {
		if t.Status != storage.StatusImpossible {
			return fmt.Errorf("%w: cannot delete task in status %s", ErrInvalidTransition, t.Status)
		}
		return nil
	})
	return e.finish(ctx, op, deleted, err, Event{
		Type:       EventImpossibleDeleted,
		TaskID:     id.String(),
		FromStatus: storage.StatusImpossible,
	})
}

// DenyImpossible rejects an impossibility claim and returns the task to pending.
func (e *Engine) DenyImpossible(ctx context.Context, id storage.EntityID, reason string) (bool, error) {
	return e.transition(ctx, "deny_impossible", EventImpossibleDenied, id,
		storage.StatusImpossible, storage.StatusPending,
		func(*storage.Task) string {
			return fmt.Sprintf(commentImpossibleDenied, reason)
		})
}

// AdminUpdate is a full administrative overwrite of a task.
type AdminUpdate struct {
	Name        string
	Description string
	ScheduledAt time.Time
	AssignedTo  string
	Status      storage.Status
}

// AdminEdit overwrites a task regardless of its current status. Only pending
// and completed may be forced, so both status payloads are always cleared.
func (e *Engine) AdminEdit(ctx context.Context, id storage.EntityID, u AdminUpdate) (bool, error) {
	const op = "admin_edit"

	if err := e.validateAdminUpdate(u); err != nil {
		e.metrics.Observe(op, true, err)
		return false, err
	}

	var from storage.Status
	_, err := e.store.Mutate(ctx, id, func(t *storage.Task) error {
		from = t.Status
		t.Name = strings.TrimSpace(u.Name)
		t.Description = u.Description
		t.ScheduledAt = u.ScheduledAt
		t.AssignedTo = u.AssignedTo
		t.Status = u.Status
		t.ExtensionRequest = nil
		t.ImpossibleReason = nil
		t.Comments = append(t.Comments, storage.Comment{Text: commentAdminEdited, Timestamp: e.now()})
		return nil
	})
	return e.finish(ctx, op, err == nil, err, Event{
		Type:       EventAdminEdited,
		TaskID:     id.String(),
		FromStatus: from,
		ToStatus:   u.Status,
	})
}

// AddComment appends a free-form comment without touching the status.
func (e *Engine) AddComment(ctx context.Context, id storage.EntityID, text string) (bool, error) {
	const op = "comment"

	text = strings.TrimSpace(text)
	if text == "" {
		err := storage.NewValidationError("text", "comment text is required")
		e.metrics.Observe(op, true, err)
		return false, err
	}

	_, err := e.store.Mutate(ctx, id, func(t *storage.Task) error {
		t.Comments = append(t.Comments, storage.Comment{Text: text, Timestamp: e.now()})
		return nil
	})
	return e.finish(ctx, op, err == nil, err, Event{Type: EventCommented, TaskID: id.String()})
}

// DeleteTask removes a task in any status. Deleting twice reports false.
func (e *Engine) DeleteTask(ctx context.Context, id storage.EntityID) (bool, error) {
	deleted, err := e.store.Delete(ctx, id)
	return e.finish(ctx, "delete", deleted, err, Event{Type: EventDeleted, TaskID: id.String()})
}

// transition runs one guarded status change. apply sets the payload for the
// target status and returns the audit comment. The guard is evaluated on the
// state being written, so a concurrent change that lands first turns this
// call into ErrInvalidTransition instead of overwriting it.
func (e *Engine) transition(
	ctx context.Context,
	op string,
	eventType EventType,
	id storage.EntityID,
	from, to storage.Status,
	apply func(*storage.Task) string,
) (bool, error) {
	_, err := e.store.Mutate(ctx, id, func(t *storage.Task) error {
		if t.Status != from || !t.Status.CanTransitionTo(to) {
			return invalidTransition(t.Status, to)
		}
		t.Status = to
		text := apply(t)
		t.ClearStaleStatusFields()
		t.Comments = append(t.Comments, storage.Comment{Text: text, Timestamp: e.now()})
		return nil
	})
	return e.finish(ctx, op, err == nil, err, Event{
		Type:       eventType,
		TaskID:     id.String(),
		FromStatus: from,
		ToStatus:   to,
	})
}

// finish maps store results onto the (found, error) contract, records the
// outcome and publishes the event on success.
func (e *Engine) finish(ctx context.Context, op string, found bool, err error, event Event) (bool, error) {
	if errors.Is(err, storage.ErrNotFound) {
		found, err = false, nil
	}
	e.metrics.Observe(op, found, err)

	switch {
	case err != nil:
		e.logger.Debug("Task operation rejected", "op", op, "task_id", event.TaskID, "error", err)
		return false, err
	case !found:
		e.logger.Debug("Task not found", "op", op, "task_id", event.TaskID)
		return false, nil
	}

	e.logger.Info("Task updated",
		"op", op,
		"task_id", event.TaskID,
		"from", event.FromStatus,
		"to", event.ToStatus)
	e.publish(ctx, event)
	return true, nil
}

// publish is best-effort. The state change is already durable.
func (e *Engine) publish(ctx context.Context, event Event) {
	event.Actor = auth.Actor(ctx)
	event.OccurredAt = e.now()
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("Failed to publish lifecycle event",
			"type", event.Type,
			"task_id", event.TaskID,
			"error", err)
	}
}

func (e *Engine) validateFields(name string, scheduledAt time.Time, assignee string) error {
	if strings.TrimSpace(name) == "" {
		return storage.NewValidationError("name", "name is required")
	}
	if scheduledAt.IsZero() {
		return storage.NewValidationError("scheduled_at", "scheduled date is required")
	}
	if assignee == "" {
		return storage.NewValidationError("assigned_to", "assignee is required")
	}
	if e.roster != nil && !e.roster.IsAssignee(assignee) {
		return storage.NewValidationError("assigned_to", "unknown assignee %q", assignee)
	}
	return nil
}

func (e *Engine) validateAdminUpdate(u AdminUpdate) error {
	if err := e.validateFields(u.Name, u.ScheduledAt, u.AssignedTo); err != nil {
		return err
	}
	switch u.Status {
	case storage.StatusPending, storage.StatusCompleted:
		return nil
	default:
		return storage.NewValidationError("status", "must be %q or %q, got %q",
			storage.StatusPending, storage.StatusCompleted, u.Status)
	}
}
