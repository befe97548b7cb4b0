package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// Entry is a single key's latest value and revision.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Bucket is the subset of KV operations the stores need. The JetStream
// implementation is returned by NewKVBucket; tests use storagetest.MemoryBucket.
//
// Implementations must report a missing key as ErrNotFound, an existing key
// on Create as ErrAlreadyExists, and a lost compare-and-set on Update or a
// revision-checked Delete as an error matching errRevisionMismatch (see
// RevisionMismatch).
type Bucket interface {
	Get(ctx context.Context, key string) (Entry, error)
	Create(ctx context.Context, key string, value []byte) (uint64, error)
	Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error)
	// Delete removes key. A zero revision deletes unconditionally.
	Delete(ctx context.Context, key string, revision uint64) error
	Keys(ctx context.Context) ([]string, error)
}

// RevisionMismatch returns the error a Bucket must report when a
// revision-checked write loses to a concurrent writer.
func RevisionMismatch(key string, revision uint64) error {
	return fmt.Errorf("%w: key %s at revision %d", errRevisionMismatch, key, revision)
}

// kvBucket adapts a JetStream KeyValue bucket.
type kvBucket struct {
	kv jetstream.KeyValue
}

// NewKVBucket wraps a JetStream KV bucket.
func NewKVBucket(kv jetstream.KeyValue) Bucket {
	return &kvBucket{kv: kv}
}

// OpenKVBucket gets or creates the named bucket and wraps it.
func OpenKVBucket(ctx context.Context, js jetstream.JetStream, name, description string) (Bucket, error) {
	// CreateOrUpdateKeyValue is idempotent and handles race conditions
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		History:     5, // Keep last 5 revisions
	})
	if err != nil {
		return nil, &StoreError{Op: "open bucket " + name, Err: err}
	}
	return NewKVBucket(kv), nil
}

func (b *kvBucket) Get(ctx context.Context, key string) (Entry, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, &StoreError{Op: "get", Err: err}
	}
	return Entry{Key: entry.Key(), Value: entry.Value(), Revision: entry.Revision()}, nil
}

func (b *kvBucket) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	rev, err := b.kv.Create(ctx, key, value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, ErrAlreadyExists
		}
		return 0, &StoreError{Op: "create", Err: err}
	}
	return rev, nil
}

func (b *kvBucket) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	rev, err := b.kv.Update(ctx, key, value, revision)
	if err != nil {
		if isWrongLastSequence(err) {
			return 0, RevisionMismatch(key, revision)
		}
		return 0, &StoreError{Op: "update", Err: err}
	}
	return rev, nil
}

func (b *kvBucket) Delete(ctx context.Context, key string, revision uint64) error {
	var err error
	if revision == 0 {
		err = b.kv.Delete(ctx, key)
	} else {
		err = b.kv.Delete(ctx, key, jetstream.LastRevision(revision))
	}
	if err != nil {
		if isWrongLastSequence(err) {
			return RevisionMismatch(key, revision)
		}
		return &StoreError{Op: "delete", Err: err}
	}
	return nil
}

func (b *kvBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.kv.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, &StoreError{Op: "list keys", Err: err}
	}
	return keys, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "key not found")
}

// isWrongLastSequence checks for an optimistic locking failure.
func isWrongLastSequence(err error) bool {
	return err != nil && strings.Contains(err.Error(), "wrong last sequence")
}

// stamp returns now, never earlier than floor.
func stamp(now func() time.Time, floor time.Time) time.Time {
	t := now()
	if t.Before(floor) {
		return floor
	}
	return t
}
