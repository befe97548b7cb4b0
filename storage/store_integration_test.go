//go:build integration

package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"golang.org/x/crypto/bcrypt"

	"github.com/c360studio/choreboard/storage"
)

func openKVStores(t *testing.T) (*storage.TaskStore, *storage.UserStore) {
	t.Helper()
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	js, err := tc.Client.JetStream()
	if err != nil {
		t.Fatalf("JetStream() error = %v", err)
	}

	tasks, err := storage.OpenTaskStore(ctx, js, "")
	if err != nil {
		t.Fatalf("OpenTaskStore() error = %v", err)
	}
	users, err := storage.OpenUserStore(ctx, js, "", storage.WithHashCost(bcrypt.MinCost))
	if err != nil {
		t.Fatalf("OpenUserStore() error = %v", err)
	}
	return tasks, users
}

func TestKVTaskStore_Lifecycle(t *testing.T) {
	tasks, _ := openKVStores(t)
	ctx := context.Background()

	id, err := tasks.Create(ctx, &storage.Task{
		Name:        "Sweep",
		ScheduledAt: time.Now().Add(time.Hour),
		AssignedTo:  "Juan",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	ok, err := tasks.AppendComment(ctx, id, "first")
	if err != nil || !ok {
		t.Fatalf("AppendComment() = %v, %v", ok, err)
	}

	got, err := tasks.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Comments) != 1 || got.Comments[0].Text != "first" {
		t.Errorf("Comments = %+v, want one comment %q", got.Comments, "first")
	}

	found, err := tasks.Find(ctx, storage.Filter{Assignees: []string{"Juan"}})
	if err != nil {
		t.Fatalf("Find() error = %v", err)
	}
	if len(found) != 1 {
		t.Errorf("Find() returned %d tasks, want 1", len(found))
	}

	ok, err = tasks.Delete(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Delete() = %v, %v", ok, err)
	}
	ok, err = tasks.Delete(ctx, id)
	if err != nil || ok {
		t.Errorf("second Delete() = %v, %v; want false, nil", ok, err)
	}

	if _, err := tasks.Get(ctx, id); err == nil {
		t.Error("Get() after delete succeeded, want ErrNotFound")
	}
}

func TestKVTaskStore_ConcurrentComments(t *testing.T) {
	tasks, _ := openKVStores(t)
	ctx := context.Background()

	id, err := tasks.Create(ctx, &storage.Task{Name: "Mop", ScheduledAt: time.Now(), AssignedTo: "Jose"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const writers = 3
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tasks.AppendComment(ctx, id, "note"); err != nil {
				t.Errorf("AppendComment() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, err := tasks.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Comments) != writers {
		t.Errorf("got %d comments, want %d", len(got.Comments), writers)
	}
}

func TestKVUserStore(t *testing.T) {
	_, users := openKVStores(t)
	ctx := context.Background()

	if err := users.Create(ctx, "rossy", "pw"); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ok, err := users.Verify(ctx, "rossy", "pw")
	if err != nil || !ok {
		t.Errorf("Verify() = %v, %v; want true, nil", ok, err)
	}
}
