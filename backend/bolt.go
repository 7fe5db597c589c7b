package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// Bolt implements Store on a bbolt database with a single bucket.
type Bolt struct {
	db     *bbolt.DB
	logger *slog.Logger
	noSync bool
}

// BoltOption configures a Bolt store.
type BoltOption func(*Bolt)

// WithBoltLogger sets the logger for the database.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *Bolt) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltOption {
	return func(b *Bolt) {
		b.noSync = noSync
	}
}

// OpenBolt opens (creating if needed) the bbolt database at path.
func OpenBolt(path string, opts ...BoltOption) (*Bolt, error) {
	b := &Bolt{logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketEntries); err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketEntries, err)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.db = db

	b.logger.Debug("opened bolt store", "path", path, "noSync", b.noSync)
	return b, nil
}

// Close closes the database.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing bolt store")
	return b.db.Close()
}

// Get retrieves the value stored at key.
func (b *Bolt) Get(_ context.Context, key string) (string, error) {
	var value string
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		// string() copies; val is only valid inside the transaction.
		value = string(val)
		return nil
	})
	return value, err
}

// Set stores value at key.
func (b *Bolt) Set(_ context.Context, key, value string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put([]byte(key), []byte(value)); err != nil {
			return fmt.Errorf("putting entry: %w", err)
		}
		return nil
	})
}

// Remove deletes the value at key.
func (b *Bolt) Remove(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// ListKeys returns every key in the bucket.
func (b *Bolt) ListKeys(_ context.Context) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	return keys, nil
}

var (
	_ Store  = (*Bolt)(nil)
	_ Closer = (*Bolt)(nil)
)
