package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// maxWriteAttempts bounds how often a revision-checked write is re-applied
// after losing to a concurrent writer.
const maxWriteAttempts = 5

// TaskStore provides task storage operations backed by a KV bucket.
// Every mutation is a single revision-checked document write.
type TaskStore struct {
	bucket Bucket
	logger *slog.Logger
	now    func() time.Time
}

// TaskStoreOption configures a TaskStore.
type TaskStoreOption func(*TaskStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) TaskStoreOption {
	return func(s *TaskStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source used for timestamps.
func WithClock(now func() time.Time) TaskStoreOption {
	return func(s *TaskStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTaskStore creates a TaskStore on top of the given bucket.
func NewTaskStore(bucket Bucket, opts ...TaskStoreOption) (*TaskStore, error) {
	if bucket == nil {
		return nil, fmt.Errorf("bucket required")
	}

	s := &TaskStore{
		bucket: bucket,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// OpenTaskStore creates the tasks bucket if needed and returns a store on it.
func OpenTaskStore(ctx context.Context, js jetstream.JetStream, bucketName string, opts ...TaskStoreOption) (*TaskStore, error) {
	if bucketName == "" {
		bucketName = BucketTasks
	}
	bucket, err := OpenKVBucket(ctx, js, bucketName, "Choreboard task documents")
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}
	return NewTaskStore(bucket, opts...)
}

// Create inserts a new pending task and returns its ID. Status, timestamps
// and comments are always set by the store.
func (s *TaskStore) Create(ctx context.Context, t *Task) (EntityID, error) {
	id := NewEntityID(EntityTypeTask)
	now := s.now()

	t.ID = id.String()
	t.Status = StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now
	t.Comments = []Comment{}
	t.ExtensionRequest = nil
	t.ImpossibleReason = nil

	data, err := json.Marshal(t)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal task: %w", err)
	}

	rev, err := s.bucket.Create(ctx, id.ID, data)
	if err != nil {
		return EntityID{}, fmt.Errorf("store task: %w", err)
	}
	t.Revision = rev

	s.logger.Debug("Task created", "task_id", t.ID, "assigned_to", t.AssignedTo)
	return id, nil
}

// Get retrieves a task by ID.
func (s *TaskStore) Get(ctx context.Context, id EntityID) (*Task, error) {
	if id.Type != EntityTypeTask {
		return nil, fmt.Errorf("%w: expected task, got %s", ErrInvalidID, id.Type)
	}

	entry, err := s.bucket.Get(ctx, id.ID)
	if err != nil {
		return nil, err
	}
	return decodeTask(entry)
}

// Update applies a partial merge. It reports false when the task is absent.
func (s *TaskStore) Update(ctx context.Context, id EntityID, patch TaskPatch) (bool, error) {
	_, err := s.Mutate(ctx, id, func(t *Task) error {
		patch.Apply(t)
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AppendComment atomically appends a comment. Concurrent appends are never
// lost: a write that loses the revision race is re-applied on fresh state.
func (s *TaskStore) AppendComment(ctx context.Context, id EntityID, text string) (bool, error) {
	_, err := s.Mutate(ctx, id, func(t *Task) error {
		t.Comments = append(t.Comments, Comment{Text: text, Timestamp: s.now()})
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Mutate reads the task, applies fn, and writes it back guarded by the
// revision that was read. If another writer got there first the whole
// read-apply-write is repeated so fn always decides on the latest state.
// An error from fn aborts without writing and is returned unchanged.
func (s *TaskStore) Mutate(ctx context.Context, id EntityID, fn func(*Task) error) (*Task, error) {
	if id.Type != EntityTypeTask {
		return nil, fmt.Errorf("%w: expected task, got %s", ErrInvalidID, id.Type)
	}

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := s.bucket.Get(ctx, id.ID)
		if err != nil {
			return nil, err
		}
		task, err := decodeTask(entry)
		if err != nil {
			return nil, err
		}

		if err := fn(task); err != nil {
			return nil, err
		}
		task.UpdatedAt = stamp(s.now, task.CreatedAt)

		data, err := json.Marshal(task)
		if err != nil {
			return nil, fmt.Errorf("marshal task: %w", err)
		}

		rev, err := s.bucket.Update(ctx, id.ID, data, entry.Revision)
		if errors.Is(err, errRevisionMismatch) {
			s.logger.Debug("Task modified concurrently, re-applying",
				"task_id", id.String(), "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update task: %w", err)
		}
		task.Revision = rev
		return task, nil
	}

	return nil, fmt.Errorf("%w: task %s", ErrConflict, id)
}

// Delete removes the task. Deleting an absent task reports false.
func (s *TaskStore) Delete(ctx context.Context, id EntityID) (bool, error) {
	return s.DeleteIf(ctx, id, nil)
}

// DeleteIf removes the task if check (when non-nil) accepts its current
// state. The delete is guarded by the revision check saw.
func (s *TaskStore) DeleteIf(ctx context.Context, id EntityID, check func(*Task) error) (bool, error) {
	if id.Type != EntityTypeTask {
		return false, fmt.Errorf("%w: expected task, got %s", ErrInvalidID, id.Type)
	}

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		entry, err := s.bucket.Get(ctx, id.ID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}

		if check != nil {
			task, err := decodeTask(entry)
			if err != nil {
				return false, err
			}
			if err := check(task); err != nil {
				return false, err
			}
		}

		err = s.bucket.Delete(ctx, id.ID, entry.Revision)
		if errors.Is(err, errRevisionMismatch) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("delete task: %w", err)
		}

		s.logger.Debug("Task deleted", "task_id", id.String())
		return true, nil
	}

	return false, fmt.Errorf("%w: task %s", ErrConflict, id)
}

// Find returns the tasks matching filter ordered by scheduled_at ascending.
func (s *TaskStore) Find(ctx context.Context, filter Filter) ([]*Task, error) {
	keys, err := s.bucket.Keys(ctx)
	if err != nil {
		return nil, err
	}

	tasks := make([]*Task, 0, len(keys))
	for _, key := range keys {
		// Check for context cancellation to avoid processing after request cancelled
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := s.bucket.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			continue // Deleted between listing and reading
		}
		if err != nil {
			return nil, err
		}

		task, err := decodeTask(entry)
		if err != nil {
			s.logger.Warn("Skipping undecodable task", "key", key, "error", err)
			continue
		}
		if filter.Matches(task) {
			tasks = append(tasks, task)
		}
	}

	SortBySchedule(tasks)
	return tasks, nil
}

func decodeTask(entry Entry) (*Task, error) {
	var t Task
	if err := json.Unmarshal(entry.Value, &t); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	if t.Comments == nil {
		t.Comments = []Comment{}
	}
	t.Revision = entry.Revision
	return &t, nil
}
