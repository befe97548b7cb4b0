package storage_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/choreboard/storage"
	"github.com/c360studio/choreboard/storage/storagetest"
)

func newTestStore(t *testing.T) (*storage.TaskStore, *storagetest.MemoryBucket) {
	t.Helper()
	bucket := storagetest.NewMemoryBucket()
	store, err := storage.NewTaskStore(bucket)
	require.NoError(t, err)
	return store, bucket
}

func createTask(t *testing.T, store *storage.TaskStore, name string, at time.Time, assignee string) storage.EntityID {
	t.Helper()
	id, err := store.Create(context.Background(), &storage.Task{
		Name:        name,
		Description: name + " description",
		ScheduledAt: at,
		AssignedTo:  assignee,
	})
	require.NoError(t, err)
	return id
}

func TestTaskStore_CreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	reason := "stale"
	input := &storage.Task{
		Name:             "Sweep",
		ScheduledAt:      at,
		AssignedTo:       "Juan",
		Status:           storage.StatusCompleted,
		ImpossibleReason: &reason,
	}
	id, err := store.Create(ctx, input)
	require.NoError(t, err)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, id.String(), got.ID)
	assert.Equal(t, "Sweep", got.Name)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.Empty(t, got.Comments)
	assert.NotNil(t, got.Comments)
	assert.Nil(t, got.ImpossibleReason)
	assert.Nil(t, got.ExtensionRequest)
	assert.True(t, got.ScheduledAt.Equal(at))
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)
	assert.NotZero(t, got.Revision)
	assert.NoError(t, got.CheckInvariants())
}

func TestTaskStore_GetMissing(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), storage.NewEntityID(storage.EntityTypeTask))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTaskStore_Update(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, "Sweep", time.Now(), "Juan")

	name := "Mop"
	ok, err := store.Update(ctx, id, storage.TaskPatch{Name: &name})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Mop", got.Name)
	assert.False(t, got.UpdatedAt.Before(got.CreatedAt))

	ok, err = store.Update(ctx, storage.NewEntityID(storage.EntityTypeTask), storage.TaskPatch{Name: &name})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskStore_DeleteTwice(t *testing.T) {
	store, bucket := newTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, "Sweep", time.Now(), "Juan")

	ok, err := store.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, bucket.Len())

	ok, err = store.Delete(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskStore_DeleteIfCheckRejects(t *testing.T) {
	store, bucket := newTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, "Sweep", time.Now(), "Juan")

	errNope := errors.New("nope")
	ok, err := store.DeleteIf(ctx, id, func(*storage.Task) error { return errNope })
	assert.ErrorIs(t, err, errNope)
	assert.False(t, ok)
	assert.Equal(t, 1, bucket.Len())
}

func TestTaskStore_ConcurrentAppendComment(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, "Sweep", time.Now(), "Juan")

	const writers = 4
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := range writers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := store.AppendComment(ctx, id, fmt.Sprintf("comment %d", n))
			if err == nil && !ok {
				err = errors.New("task not found")
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	// Each writer can lose at most writers-1 races, fewer than its attempts.
	for err := range errs {
		assert.NoError(t, err)
	}

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Len(t, got.Comments, writers)
}

func TestTaskStore_MutateReappliesOnLostRace(t *testing.T) {
	store, bucket := newTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, "Sweep", time.Now(), "Juan")

	raced := false
	bucket.BeforeUpdate = func(key string) {
		if raced {
			return
		}
		raced = true
		entry, err := bucket.Get(ctx, key)
		require.NoError(t, err)
		bucket.Put(key, entry.Value)
	}

	calls := 0
	_, err := store.Mutate(ctx, id, func(task *storage.Task) error {
		calls++
		task.Name = "Mop"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Mop", got.Name)
}

func TestTaskStore_MutateGivesUpAfterRepeatedConflicts(t *testing.T) {
	store, bucket := newTestStore(t)
	ctx := context.Background()
	id := createTask(t, store, "Sweep", time.Now(), "Juan")

	bucket.BeforeUpdate = func(key string) {
		entry, err := bucket.Get(ctx, key)
		if err == nil {
			bucket.Put(key, entry.Value)
		}
	}

	_, err := store.Mutate(ctx, id, func(task *storage.Task) error { return nil })
	assert.ErrorIs(t, err, storage.ErrConflict)
}

func TestTaskStore_StoreFailure(t *testing.T) {
	store, bucket := newTestStore(t)
	bucket.Fail = func(op, key string) error {
		return errors.New("connection refused")
	}

	_, err := store.Get(context.Background(), storage.NewEntityID(storage.EntityTypeTask))
	assert.ErrorIs(t, err, storage.ErrStore)

	_, err = store.Find(context.Background(), storage.Filter{})
	assert.ErrorIs(t, err, storage.ErrStore)
}

func TestTaskStore_Find(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	late := createTask(t, store, "Late", day.Add(18*time.Hour), "Juan")
	early := createTask(t, store, "Early", day.Add(8*time.Hour), "Jose")
	createTask(t, store, "Tomorrow", day.Add(32*time.Hour), "Juan")

	tasks, err := store.Find(ctx, storage.Filter{Start: day, End: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, early.String(), tasks[0].ID)
	assert.Equal(t, late.String(), tasks[1].ID)

	tasks, err = store.Find(ctx, storage.Filter{Assignees: []string{"Juan"}})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = store.Find(ctx, storage.Filter{Statuses: []storage.Status{storage.StatusCompleted}})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestTaskStore_FindSkipsUndecodable(t *testing.T) {
	store, bucket := newTestStore(t)
	createTask(t, store, "Sweep", time.Now(), "Juan")
	bucket.Put("garbage", []byte("{not json"))

	tasks, err := store.Find(context.Background(), storage.Filter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestTaskStore_RejectsNonTaskID(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Get(context.Background(), storage.EntityID{Type: "user", ID: "x"})
	assert.ErrorIs(t, err, storage.ErrInvalidID)
}

func nextChange(t *testing.T, changes <-chan storage.TaskChange) storage.TaskChange {
	t.Helper()
	select {
	case c, ok := <-changes:
		require.True(t, ok, "watch closed early")
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task change")
		return storage.TaskChange{}
	}
}

func TestTaskStore_Watch(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	at := time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC)

	existing := createTask(t, store, "Sweep", at, "Juan")

	changes, err := store.Watch(ctx)
	require.NoError(t, err)

	c := nextChange(t, changes)
	assert.Equal(t, existing.String(), c.ID)
	require.NotNil(t, c.Task)
	assert.Equal(t, "Sweep", c.Task.Name)

	assert.True(t, nextChange(t, changes).Synced)

	_, err = store.AppendComment(ctx, existing, "hello")
	require.NoError(t, err)
	c = nextChange(t, changes)
	require.NotNil(t, c.Task)
	require.NotNil(t, c.Task.LastComment())
	assert.Equal(t, "hello", c.Task.LastComment().Text)

	_, err = store.Delete(ctx, existing)
	require.NoError(t, err)
	c = nextChange(t, changes)
	assert.True(t, c.Deleted)
	assert.Equal(t, existing.String(), c.ID)
	assert.Nil(t, c.Task)

	cancel()
	for range changes {
	}
}

type plainBucket struct{ storage.Bucket }

func TestTaskStore_WatchUnsupported(t *testing.T) {
	store, err := storage.NewTaskStore(plainBucket{storagetest.NewMemoryBucket()})
	require.NoError(t, err)

	_, err = store.Watch(context.Background())
	assert.ErrorIs(t, err, storage.ErrWatchUnsupported)
}
