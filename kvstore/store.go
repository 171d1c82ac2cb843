// Package kvstore provides the key-value stores that persist learned
// prefetch models across process restarts.
//
// Three implementations share the Store interface:
//   - MemoryStore: process-local map, used by tests and when nothing is configured
//   - BoltStore: a single bolt file on local disk
//   - NATSStore: a JetStream KV bucket reached through natsclient
//
// Keys are strings, values are opaque bytes. Callers encode their own documents
// (the prefetcher stores JSON). A missing key is reported as errors.ErrKeyNotFound
// so callers can distinguish "nothing saved yet" from a storage failure.
//
// All implementations are safe for concurrent use.
package kvstore

import (
	"context"
	"sort"
	"strings"
)

// Store is the key-value backend for persisted state.
type Store interface {
	// Get returns the value stored at key, or an error wrapping
	// errors.ErrKeyNotFound when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns the keys starting with prefix in lexicographic order.
	// An empty prefix lists every key.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases the underlying resources.
	Close() error
}

func filterSorted(keys []string, prefix string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
