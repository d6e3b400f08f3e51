package ports

import (
	"context"
	"time"
)

// Entry is one listing row: the key and its metadata, never the value.
type Entry struct {
	Key      string
	Metadata map[string]string
}

type PutOptions struct {
	TTL      time.Duration
	Metadata map[string]string
}

// KeyValueStore is the durable, possibly eventually-consistent store that holds
// shared pool state. Implementations only promise read-your-writes on a single
// key. A List followed by a Put is never atomic: callers that decide on a
// listing must tolerate another writer acting on the same listing.
type KeyValueStore interface {
	// Get returns domain.ErrEntryNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, opts PutOptions) error
	List(ctx context.Context, prefix string) ([]Entry, error)
	// Delete is a no-op for absent keys.
	Delete(ctx context.Context, key string) error
}
