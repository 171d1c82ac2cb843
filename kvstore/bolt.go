package kvstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/boltdb/bolt"

	"github.com/devblac/sport-tracker-sub010/errors"
)

// DefaultBoltBucket is the bucket used when none is configured
const DefaultBoltBucket = "prefetch"

// BoltStore is a Store backed by one bucket of a bolt database file
type BoltStore struct {
	db     *bolt.DB
	bucket []byte
	logger *slog.Logger
}

// OpenBolt opens (creating if needed) the bolt file at path and ensures the bucket exists.
// An empty bucket name selects DefaultBoltBucket.
func OpenBolt(path, bucket string, logger *slog.Logger) (*BoltStore, error) {
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "BoltStore", "OpenBolt", "validate path")
	}
	if bucket == "" {
		bucket = DefaultBoltBucket
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.WrapTransient(err, "BoltStore", "OpenBolt", "open "+path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.WrapFatal(err, "BoltStore", "OpenBolt", "create bucket "+bucket)
	}

	logger.Debug("Bolt store opened", "path", path, "bucket", bucket)
	return &BoltStore{db: db, bucket: []byte(bucket), logger: logger}, nil
}

// Get implements Store
func (s *BoltStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return errors.ErrStorageUnavailable
		}
		// bolt values are only valid inside the transaction
		if v := b.Get([]byte(key)); v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "BoltStore", "Get", "read "+key)
	}
	if value == nil {
		return nil, errors.WrapInvalid(errors.ErrKeyNotFound, "BoltStore", "Get", "read "+key)
	}
	return value, nil
}

// Put implements Store
func (s *BoltStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "BoltStore", "Put", "validate key")
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), value)
	})
	if err != nil {
		return errors.WrapTransient(err, "BoltStore", "Put", "write "+key)
	}
	return nil
}

// Delete implements Store
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
	if err != nil {
		return errors.WrapTransient(err, "BoltStore", "Delete", "delete "+key)
	}
	return nil
}

// List implements Store. Bolt iterates keys in byte order.
func (s *BoltStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "BoltStore", "List", "iterate keys")
	}
	return keys, nil
}

// Close releases the database file lock
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}
