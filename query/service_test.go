package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/choreboard/lifecycle"
	"github.com/c360studio/choreboard/query"
	"github.com/c360studio/choreboard/storage"
	"github.com/c360studio/choreboard/storage/storagetest"
)

type fixture struct {
	svc    *query.Service
	engine *lifecycle.Engine
	bucket *storagetest.MemoryBucket
}

func newFixture(t *testing.T, opts ...query.Option) *fixture {
	t.Helper()
	bucket := storagetest.NewMemoryBucket()
	store, err := storage.NewTaskStore(bucket)
	require.NoError(t, err)
	engine, err := lifecycle.NewEngine(store)
	require.NoError(t, err)
	svc, err := query.NewService(store, opts...)
	require.NoError(t, err)
	return &fixture{svc: svc, engine: engine, bucket: bucket}
}

func (f *fixture) add(t *testing.T, name string, at time.Time, assignee string) storage.EntityID {
	t.Helper()
	task, err := f.engine.CreateTask(context.Background(), lifecycle.NewTask{
		Name: name, ScheduledAt: at, AssignedTo: assignee,
	})
	require.NoError(t, err)
	id, err := storage.ParseTaskID(task.ID)
	require.NoError(t, err)
	return id
}

func names(tasks []*storage.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Name
	}
	return out
}

func TestTasksOnDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "Wash dishes", time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC), "Juan")
	f.add(t, "Breakfast", time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC), "Jose")
	f.add(t, "Midnight", time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC), "Jose")
	f.add(t, "Last minute", time.Date(2024, 5, 31, 23, 59, 0, 0, time.UTC), "Jose")

	tasks, err := f.svc.TasksOnDay(ctx, 2024, 6, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"Breakfast", "Wash dishes"}, names(tasks))
}

func TestTasksOnDay_InvalidDate(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name             string
		year, month, day int
	}{
		{"feb 30", 2024, 2, 30},
		{"feb 29 non-leap", 2023, 2, 29},
		{"month 13", 2024, 13, 1},
		{"day 0", 2024, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.TasksOnDay(context.Background(), tt.year, tt.month, tt.day)
			assert.True(t, storage.IsValidation(err), "got %v", err)
		})
	}

	_, err := f.svc.TasksOnDay(context.Background(), 2024, 2, 29)
	assert.NoError(t, err)
}

func TestTasksInMonth(t *testing.T) {
	f := newFixture(t)
	f.add(t, "First", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), "Juan")
	f.add(t, "Leap", time.Date(2024, 2, 29, 23, 0, 0, 0, time.UTC), "Juan")
	f.add(t, "March", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), "Juan")

	tasks, err := f.svc.TasksInMonth(context.Background(), 2024, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"First", "Leap"}, names(tasks))

	_, err = f.svc.TasksInMonth(context.Background(), 2024, 0)
	assert.True(t, storage.IsValidation(err))
}

func TestTasksOnDay_UsesLocation(t *testing.T) {
	loc := time.FixedZone("UTC-6", -6*60*60)
	f := newFixture(t, query.WithLocation(loc))

	// 03:00 UTC on June 2 is still June 1 at UTC-6.
	f.add(t, "Late night", time.Date(2024, 6, 2, 3, 0, 0, 0, time.UTC), "Juan")

	tasks, err := f.svc.TasksOnDay(context.Background(), 2024, 6, 1)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestPendingAdminReview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	at := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

	ext := f.add(t, "Extend", at, "Juan")
	imp := f.add(t, "Impossible", at.Add(time.Hour), "Jose")
	done := f.add(t, "Done", at, "Juan")
	f.add(t, "Pending", at, "Juan")

	_, err := f.engine.RequestExtension(ctx, ext, "busy")
	require.NoError(t, err)
	_, err = f.engine.MarkImpossible(ctx, imp, "no")
	require.NoError(t, err)
	_, err = f.engine.MarkCompleted(ctx, done)
	require.NoError(t, err)

	tasks, err := f.svc.PendingAdminReview(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Extend", "Impossible"}, names(tasks))
}

func TestFiltered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.add(t, "June first", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "Juan")
	f.add(t, "June last", time.Date(2024, 6, 30, 23, 59, 0, 0, time.UTC), "Jose")
	done := f.add(t, "June done", time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC), "Juan")
	f.add(t, "July", time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), "Juan")

	_, err := f.engine.MarkCompleted(ctx, done)
	require.NoError(t, err)

	june := &query.DateRange{
		From: time.Date(2024, 6, 1, 15, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name   string
		opts   query.FilterOptions
		expect []string
	}{
		{"no constraints", query.FilterOptions{}, []string{"June first", "June done", "June last", "July"}},
		{"pending in june", query.FilterOptions{
			Statuses: []storage.Status{storage.StatusPending},
			Range:    june,
		}, []string{"June first", "June last"}},
		{"juan in june", query.FilterOptions{
			Assignees: []string{"Juan"},
			Range:     june,
		}, []string{"June first", "June done"}},
		{"completed", query.FilterOptions{
			Statuses: []storage.Status{storage.StatusCompleted},
		}, []string{"June done"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := f.svc.Filtered(ctx, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, names(tasks))
		})
	}
}

func TestFiltered_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Filtered(context.Background(), query.FilterOptions{
		Range: &query.DateRange{
			From: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		},
	})
	assert.True(t, storage.IsValidation(err))

	_, err = f.svc.Filtered(context.Background(), query.FilterOptions{Statuses: []storage.Status{"done"}})
	assert.True(t, storage.IsValidation(err))
}

func TestMonthCalendar(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", time.Date(2024, 2, 3, 9, 0, 0, 0, time.UTC), "Juan")
	f.add(t, "b", time.Date(2024, 2, 3, 11, 0, 0, 0, time.UTC), "Jose")
	f.add(t, "c", time.Date(2024, 2, 3, 15, 0, 0, 0, time.UTC), "Juan")
	f.add(t, "d", time.Date(2024, 2, 29, 15, 0, 0, 0, time.UTC), "Los dos")

	days, err := f.svc.MonthCalendar(context.Background(), 2024, 2)
	require.NoError(t, err)
	require.Len(t, days, 29)

	assert.Equal(t, "2024-02-03", days[2].Date)
	assert.Equal(t, "Saturday", days[2].Weekday)
	assert.Equal(t, []string{"Jose", "Juan"}, days[2].Assignees)
	assert.Equal(t, 3, days[2].Count)
	assert.Equal(t, []string{"Los dos"}, days[28].Assignees)
	assert.Empty(t, days[0].Assignees)
	assert.Zero(t, days[0].Count)
}

func TestDueSoon(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	f.add(t, "In two hours", now.Add(2*time.Hour), "Juan")
	f.add(t, "Right now", now, "Juan")
	f.add(t, "Tomorrow", now.Add(24*time.Hour), "Juan")
	doneID := f.add(t, "Done soon", now.Add(time.Hour), "Juan")
	_, err := f.engine.MarkCompleted(ctx, doneID)
	require.NoError(t, err)

	tasks, err := f.svc.DueSoon(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"In two hours"}, names(tasks))

	tasks, err = f.svc.DueSoon(ctx, now, 48*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"In two hours", "Tomorrow"}, names(tasks))

	assert.True(t, f.svc.IsDueSoon(tasks[0], now))
	assert.False(t, f.svc.IsDueSoon(tasks[1], now))
}

func TestTask(t *testing.T) {
	f := newFixture(t)
	id := f.add(t, "x", time.Now(), "Juan")

	task, found, err := f.svc.Task(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, id.String(), task.ID)

	_, found, err = f.svc.Task(context.Background(), storage.NewEntityID(storage.EntityTypeTask))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStoreFailure(t *testing.T) {
	f := newFixture(t)
	f.bucket.Fail = func(op, key string) error { return errors.New("timeout") }

	_, err := f.svc.PendingAdminReview(context.Background())
	assert.ErrorIs(t, err, storage.ErrStore)
}
