package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/devblac/sport-tracker-sub010/errors"
)

const (
	defaultOpTimeout    = 5 * time.Second
	defaultMaxValueSize = 1 << 20
)

// Bucket is a JetStream key-value bucket with a per-call timeout and a value
// size limit. Errors come back classified: a missing key is invalid and
// wraps errors.ErrKeyNotFound, server trouble is transient.
type Bucket struct {
	kv           jetstream.KeyValue
	opTimeout    time.Duration
	maxValueSize int
	logger       *slog.Logger
}

// BucketOption tunes a Bucket
type BucketOption func(*Bucket)

// WithOpTimeout bounds each call that has no earlier deadline. Zero disables it.
func WithOpTimeout(d time.Duration) BucketOption {
	return func(b *Bucket) { b.opTimeout = d }
}

// WithMaxValueSize rejects larger values on Put. Zero disables the check.
func WithMaxValueSize(n int) BucketOption {
	return func(b *Bucket) { b.maxValueSize = n }
}

// OpenBucket returns the named bucket, creating it if needed
func (c *Client) OpenBucket(ctx context.Context, cfg jetstream.KeyValueConfig, opts ...BucketOption) (*Bucket, error) {
	kv, err := c.CreateKeyValueBucket(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return c.Bucket(kv, opts...), nil
}

// Bucket wraps a bucket handle obtained elsewhere
func (c *Client) Bucket(kv jetstream.KeyValue, opts ...BucketOption) *Bucket {
	b := &Bucket{
		kv:           kv,
		opTimeout:    defaultOpTimeout,
		maxValueSize: defaultMaxValueSize,
		logger:       c.logger.With("bucket", kv.Bucket()),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name is the bucket name
func (b *Bucket) Name() string { return b.kv.Bucket() }

func (b *Bucket) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || b.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.opTimeout)
}

// Get returns the value stored under key and its revision
func (b *Bucket) Get(ctx context.Context, key string) ([]byte, uint64, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	entry, err := b.kv.Get(ctx, key)
	switch {
	case isMissing(err):
		return nil, 0, errors.WrapInvalid(errors.ErrKeyNotFound, "Bucket", "Get", "read "+key)
	case err != nil:
		return nil, 0, errors.WrapTransient(err, "Bucket", "Get", "read "+key)
	}
	return entry.Value(), entry.Revision(), nil
}

// Put stores value under key, last writer wins
func (b *Bucket) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if b.maxValueSize > 0 && len(value) > b.maxValueSize {
		return 0, errors.WrapInvalid(fmt.Errorf("%w: %d bytes for %s, limit %d",
			errors.ErrInvalidData, len(value), key, b.maxValueSize), "Bucket", "Put", "check size")
	}
	ctx, cancel := b.bound(ctx)
	defer cancel()

	rev, err := b.kv.Put(ctx, key, value)
	if err != nil {
		return 0, errors.WrapTransient(err, "Bucket", "Put", "write "+key)
	}
	b.logger.Debug("Bucket key written", "key", key, "revision", rev, "bytes", len(value))
	return rev, nil
}

// Delete removes key. A key that is already gone is not an error.
func (b *Bucket) Delete(ctx context.Context, key string) error {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	if err := b.kv.Delete(ctx, key); err != nil && !isMissing(err) {
		return errors.WrapTransient(err, "Bucket", "Delete", "delete "+key)
	}
	return nil
}

// Keys lists the live keys starting with prefix, sorted
func (b *Bucket) Keys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := b.bound(ctx)
	defer cancel()

	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "Bucket", "Keys", "list keys")
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// isMissing matches the ways the server reports an absent or deleted key
func isMissing(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, jetstream.ErrKeyNotFound) || stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	// older servers answer with a plain API error
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}
