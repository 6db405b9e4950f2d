package entrystore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// View binds a payload type to one key family of the durable store. The key
// prefix, schema version tag, and TTL are fixed at construction so call
// sites deal only in their own payload type; the raw store stays unaware of
// business entities.
type View[T any] struct {
	store   *Store
	prefix  string
	version string
	ttl     time.Duration
}

// NewView constructs a typed view over store for the given key family.
func NewView[T any](store *Store, prefix, version string, ttl time.Duration) *View[T] {
	return &View[T]{store: store, prefix: prefix, version: version, ttl: ttl}
}

// Get loads and decodes the entry stored under the view's prefix plus key.
// Entries written under a different schema version read as a miss.
func (v *View[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var decoded T
	payload, found, err := v.store.GetVersioned(ctx, v.prefix+key, v.version)
	if err != nil || !found {
		return decoded, false, err
	}
	if err := json.Unmarshal([]byte(payload.JSON), &decoded); err != nil {
		return decoded, false, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return decoded, true, nil
}

// Set encodes value and stores it under the view's prefix plus key. An
// encoding failure fails only this call.
func (v *View[T]) Set(ctx context.Context, key string, value T) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}
	return v.store.Set(ctx, v.prefix+key, string(encoded), v.version, v.ttl)
}

// Delete removes the entry stored under the view's prefix plus key.
func (v *View[T]) Delete(ctx context.Context, key string) error {
	return v.store.Delete(ctx, v.prefix+key)
}

// DeleteByPrefix removes every entry in the view's key family whose key
// continues with subPrefix. It reports the number of removed entries.
func (v *View[T]) DeleteByPrefix(ctx context.Context, subPrefix string) (int, error) {
	return v.store.DeleteByPrefix(ctx, v.prefix+subPrefix)
}
