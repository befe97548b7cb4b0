package storage

import (
	"context"
	"errors"

	"github.com/nats-io/nats.go/jetstream"
)

// ErrWatchUnsupported is returned when the backing bucket cannot stream changes.
var ErrWatchUnsupported = errors.New("bucket does not support watching")

// Change is one update seen by a bucket watch.
type Change struct {
	Key      string
	Value    []byte
	Revision uint64
	Deleted  bool
}

// Watchable is implemented by buckets that can stream changes. The channel
// first replays current values, then delivers a nil Change once caught up,
// then live changes. It is closed when ctx ends.
type Watchable interface {
	Watch(ctx context.Context) (<-chan *Change, error)
}

// Watch implements Watchable on top of a JetStream KV watcher.
func (b *kvBucket) Watch(ctx context.Context) (<-chan *Change, error) {
	watcher, err := b.kv.WatchAll(ctx)
	if err != nil {
		return nil, &StoreError{Op: "watch", Err: err}
	}

	out := make(chan *Change, 16)
	go func() {
		defer close(out)
		defer watcher.Stop()

		updates := watcher.Updates()
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-updates:
				if !ok {
					return
				}
				var change *Change
				// nil entry signals end of initial values
				if entry != nil {
					change = &Change{
						Key:      entry.Key(),
						Value:    entry.Value(),
						Revision: entry.Revision(),
						Deleted:  entry.Operation() != jetstream.KeyValuePut,
					}
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// TaskChange is a task-level view of a bucket change. Synced marks the end of
// the initial replay; Task is nil for deletions.
type TaskChange struct {
	ID      string
	Task    *Task
	Deleted bool
	Synced  bool
}

// Watch streams task changes until ctx ends.
func (s *TaskStore) Watch(ctx context.Context) (<-chan TaskChange, error) {
	w, ok := s.bucket.(Watchable)
	if !ok {
		return nil, ErrWatchUnsupported
	}
	changes, err := w.Watch(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan TaskChange, 16)
	go func() {
		defer close(out)
		for change := range changes {
			var tc TaskChange
			switch {
			case change == nil:
				tc.Synced = true
			case change.Deleted:
				tc.ID = EntityID{Type: EntityTypeTask, ID: change.Key}.String()
				tc.Deleted = true
			default:
				task, err := decodeTask(Entry{Key: change.Key, Value: change.Value, Revision: change.Revision})
				if err != nil {
					s.logger.Warn("Skipping undecodable task change", "key", change.Key, "error", err)
					continue
				}
				tc.ID = task.ID
				tc.Task = task
			}
			select {
			case out <- tc:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
