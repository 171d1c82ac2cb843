package kvstore

import (
	"context"

	"github.com/devblac/sport-tracker-sub010/natsclient"
)

// NATSStore is a Store over a JetStream KV bucket. The bucket already
// classifies its errors, so they pass through unchanged.
type NATSStore struct {
	bucket *natsclient.Bucket
}

// NewNATSStore wraps an open bucket
func NewNATSStore(bucket *natsclient.Bucket) *NATSStore {
	return &NATSStore{bucket: bucket}
}

// Get implements Store
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.bucket.Get(ctx, key)
	return value, err
}

// Put implements Store
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.bucket.Put(ctx, key, value)
	return err
}

// Delete implements Store
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	return s.bucket.Delete(ctx, key)
}

// List implements Store
func (s *NATSStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.bucket.Keys(ctx, prefix)
}

// Close is a no-op; the connection belongs to the natsclient.Client
func (s *NATSStore) Close() error {
	return nil
}
