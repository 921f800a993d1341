// Package boltstore provides typed key-value storage for simulator records.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Store provides type-safe key-value storage
type Store[T any] interface {
	Get(ctx context.Context, key string) (*T, error)
	Set(ctx context.Context, key string, value *T) error
	Delete(ctx context.Context, key string) error
	Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error

	// Update runs a read-modify-write of key in a single transaction.
	// fn receives nil when the key is absent. Returning an error rolls the
	// transaction back and leaves the stored value untouched; returning a nil
	// value with no error deletes the key.
	Update(ctx context.Context, key string, fn func(current *T) (*T, error)) (*T, error)

	// NextID returns the next value of the store's monotonically increasing
	// sequence. IDs start at 1.
	NextID(ctx context.Context) (uint64, error)

	Close() error
}

var ErrNotFound = errdefs.ErrNotFound

// BoltStore provides a bolt-backed implementation of Store[T]
// Multiple BoltStore instances can share the same underlying bolt.DB connection
type BoltStore[T any] struct {
	db         *bolt.DB
	bucketName []byte
}

var (
	// Global registry of shared database connections
	sharedDBs = make(map[string]*sharedDB)
	dbMu      sync.Mutex
)

type sharedDB struct {
	db       *bolt.DB
	refCount int
}

// NewBoltStore creates a new bolt store that shares a database connection with other stores
// using the same dbPath. This avoids lock contention when multiple stores access the same database.
func NewBoltStore[T any](dbPath string, bucketName string) (Store[T], error) {
	dbMu.Lock()
	defer dbMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(dbPath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	sdb, exists := sharedDBs[dbPath]
	if !exists {
		db, err := bolt.Open(dbPath, 0600, &bolt.Options{
			Timeout:        30 * time.Second,
			NoFreelistSync: true,
			FreelistType:   bolt.FreelistMapType,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open bolt db: %w", err)
		}
		sdb = &sharedDB{db: db}
		sharedDBs[dbPath] = sdb
	}

	sdb.refCount++

	err := sdb.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		sdb.refCount--
		if sdb.refCount == 0 {
			_ = sdb.db.Close()
			delete(sharedDBs, dbPath)
		}
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore[T]{
		db:         sdb.db,
		bucketName: []byte(bucketName),
	}, nil
}

func (s *BoltStore[T]) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	b := tx.Bucket(s.bucketName)
	if b == nil {
		return nil, fmt.Errorf("bucket %s not found", string(s.bucketName))
	}
	return b, nil
}

// Get retrieves a value by key
func (s *BoltStore[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Set stores a value by key
func (s *BoltStore[T]) Set(ctx context.Context, key string, value *T) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		return b.Put([]byte(key), data)
	})
}

// Delete removes a value by key
func (s *BoltStore[T]) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Scan iterates over all keys with the given prefix
func (s *BoltStore[T]) Scan(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		c := b.Cursor()

		prefixBytes := []byte(prefix)
		for k, v := c.Seek(prefixBytes); k != nil && bytes.HasPrefix(k, prefixBytes); k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", string(k), err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Update performs an atomic read-modify-write of a single key.
func (s *BoltStore[T]) Update(ctx context.Context, key string, fn func(current *T) (*T, error)) (*T, error) {
	var result *T
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}

		var current *T
		if data := b.Get([]byte(key)); data != nil {
			current = new(T)
			if err := json.Unmarshal(data, current); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
			}
		}

		next, err := fn(current)
		if err != nil {
			return err
		}
		if next == nil {
			return b.Delete([]byte(key))
		}

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		if err := b.Put([]byte(key), data); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// NextID returns the bucket's next sequence value.
func (s *BoltStore[T]) NextID(ctx context.Context) (uint64, error) {
	var id uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx)
		if err != nil {
			return err
		}
		id, err = b.NextSequence()
		return err
	})
	return id, err
}

// Close decrements the reference count for shared databases
// The actual database is only closed when the last reference is removed
func (s *BoltStore[T]) Close() error {
	dbMu.Lock()
	defer dbMu.Unlock()

	for path, sdb := range sharedDBs {
		if sdb.db == s.db {
			sdb.refCount--
			if sdb.refCount == 0 {
				err := sdb.db.Close()
				delete(sharedDBs, path)
				return err
			}
			return nil
		}
	}

	return nil
}

