// Package storagetest provides an in-memory storage.Bucket for tests.
package storagetest

import (
	"context"
	"slices"
	"sync"

	"github.com/c360studio/choreboard/storage"
)

type record struct {
	value    []byte
	revision uint64
}

// MemoryBucket is a storage.Bucket with KV revision semantics. Revisions are
// global and strictly increasing, as in a JetStream stream.
type MemoryBucket struct {
	mu       sync.Mutex
	data     map[string]record
	sequence uint64
	watchers map[*watcher]struct{}

	// Fail, when set, is consulted before every operation. A non-nil return
	// is reported as the operation's error.
	Fail func(op, key string) error

	// BeforeUpdate runs (without the lock held) just before an Update is
	// applied, so tests can slip in a competing write.
	BeforeUpdate func(key string)
}

// NewMemoryBucket creates an empty bucket.
func NewMemoryBucket() *MemoryBucket {
	return &MemoryBucket{data: make(map[string]record), watchers: make(map[*watcher]struct{})}
}

func (b *MemoryBucket) fail(op, key string) error {
	if b.Fail == nil {
		return nil
	}
	if err := b.Fail(op, key); err != nil {
		return &storage.StoreError{Op: op, Err: err}
	}
	return nil
}

// Get implements storage.Bucket.
func (b *MemoryBucket) Get(_ context.Context, key string) (storage.Entry, error) {
	if err := b.fail("get", key); err != nil {
		return storage.Entry{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.data[key]
	if !ok {
		return storage.Entry{}, storage.ErrNotFound
	}
	return storage.Entry{Key: key, Value: slices.Clone(rec.value), Revision: rec.revision}, nil
}

// Create implements storage.Bucket.
func (b *MemoryBucket) Create(_ context.Context, key string, value []byte) (uint64, error) {
	if err := b.fail("create", key); err != nil {
		return 0, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.data[key]; ok {
		return 0, storage.ErrAlreadyExists
	}
	b.sequence++
	b.data[key] = record{value: slices.Clone(value), revision: b.sequence}
	b.notify(&storage.Change{Key: key, Value: slices.Clone(value), Revision: b.sequence})
	return b.sequence, nil
}

// Update implements storage.Bucket.
func (b *MemoryBucket) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := b.fail("update", key); err != nil {
		return 0, err
	}
	if b.BeforeUpdate != nil {
		b.BeforeUpdate(key)
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.data[key]
	if !ok || rec.revision != revision {
		return 0, storage.RevisionMismatch(key, revision)
	}
	b.sequence++
	b.data[key] = record{value: slices.Clone(value), revision: b.sequence}
	b.notify(&storage.Change{Key: key, Value: slices.Clone(value), Revision: b.sequence})
	return b.sequence, nil
}

// Delete implements storage.Bucket.
func (b *MemoryBucket) Delete(_ context.Context, key string, revision uint64) error {
	if err := b.fail("delete", key); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	rec, ok := b.data[key]
	if revision != 0 && (!ok || rec.revision != revision) {
		return storage.RevisionMismatch(key, revision)
	}
	delete(b.data, key)
	b.sequence++
	b.notify(&storage.Change{Key: key, Revision: b.sequence, Deleted: true})
	return nil
}

// Keys implements storage.Bucket.
func (b *MemoryBucket) Keys(_ context.Context) ([]string, error) {
	if err := b.fail("keys", ""); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys, nil
}

// Put writes raw bytes under key, bypassing revision checks.
func (b *MemoryBucket) Put(key string, value []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sequence++
	b.data[key] = record{value: slices.Clone(value), revision: b.sequence}
	b.notify(&storage.Change{Key: key, Value: slices.Clone(value), Revision: b.sequence})
	return b.sequence
}

// Len returns the number of stored keys.
func (b *MemoryBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Watch implements storage.Watchable. Current values are replayed in key
// order, followed by a nil marker and then live changes.
func (b *MemoryBucket) Watch(ctx context.Context) (<-chan *storage.Change, error) {
	if err := b.fail("watch", ""); err != nil {
		return nil, err
	}

	w := &watcher{signal: make(chan struct{}, 1)}

	b.mu.Lock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		rec := b.data[k]
		w.queue = append(w.queue, &storage.Change{Key: k, Value: slices.Clone(rec.value), Revision: rec.revision})
	}
	w.queue = append(w.queue, nil)
	b.watchers[w] = struct{}{}
	b.mu.Unlock()

	out := make(chan *storage.Change)
	go func() {
		defer close(out)
		defer func() {
			b.mu.Lock()
			delete(b.watchers, w)
			b.mu.Unlock()
		}()

		for {
			for _, change := range w.drain() {
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-w.signal:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// notify queues change for every watcher. Callers hold b.mu.
func (b *MemoryBucket) notify(change *storage.Change) {
	for w := range b.watchers {
		w.push(change)
	}
}

// watcher buffers changes without bound so writers never block on a slow reader.
type watcher struct {
	mu     sync.Mutex
	queue  []*storage.Change
	signal chan struct{}
}

func (w *watcher) push(change *storage.Change) {
	w.mu.Lock()
	w.queue = append(w.queue, change)
	w.mu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *watcher) drain() []*storage.Change {
	w.mu.Lock()
	defer w.mu.Unlock()
	q := w.queue
	w.queue = nil
	return q
}
