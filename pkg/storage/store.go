// Package storage is the host-side persistence exposed to the UI and to
// extensions under the "database" namespace.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	bbolt "go.etcd.io/bbolt"

	"extbridge/pkg/pathguard"
)

const (
	fileMode           os.FileMode = 0o600
	defaultOpenTimeout             = 5 * time.Second
)

var (
	ErrNotFound = errors.New("storage: record not found")
	ErrClosed   = errors.New("storage: store is closed")
)

// Options tune how the database file is opened.
type Options struct {
	// Timeout bounds the wait for the file lock held by another process.
	Timeout time.Duration
}

// Record is one stored value.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

// Store keeps JSON documents in one bbolt bucket per resource.
//
// bbolt serializes writers and lets readers run concurrently; Store only
// guards its closed state.
type Store struct {
	db     *bbolt.DB
	path   string
	closed atomic.Bool
}

func Open(path string) (*Store, error) {
	return OpenWith(path, Options{})
}

// OpenWith opens or creates the database at path, creating parent
// directories as needed. A leading "~" is expanded.
func OpenWith(path string, opts Options) (*Store, error) {
	expanded, err := pathguard.ExpandHome(strings.TrimSpace(path))
	if err != nil {
		return nil, err
	}
	if expanded == "" {
		return nil, errors.New("storage: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create directory: %w", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpenTimeout
	}

	db, err := bbolt.Open(expanded, fileMode, &bbolt.Options{Timeout: timeout, NoGrowSync: true})
	if err != nil {
		return nil, fmt.Errorf("storage: opening boltdb: %w", err)
	}

	return &Store{db: db, path: expanded}, nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Get returns the raw JSON stored under key.
func (s *Store) Get(ctx context.Context, resource string, key string) (json.RawMessage, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var value json.RawMessage
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resource))
		if bucket == nil {
			return ErrNotFound
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		// raw is only valid inside the transaction.
		value = append(json.RawMessage(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Put stores value, encoded as JSON, under key.
func (s *Store) Put(ctx context.Context, resource string, key string, value any) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if resource == "" || key == "" {
		return errors.New("storage: resource and key must not be empty")
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: encode %s/%s: %w", resource, key, err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(resource))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
}

// Delete removes key and reports whether it existed.
func (s *Store) Delete(ctx context.Context, resource string, key string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	existed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resource))
		if bucket == nil {
			return nil
		}
		if bucket.Get([]byte(key)) == nil {
			return nil
		}
		existed = true
		return bucket.Delete([]byte(key))
	})
	return existed, err
}

// List returns every record of resource ordered by key.
func (s *Store) List(ctx context.Context, resource string) ([]Record, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	records := make([]Record, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(resource))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			records = append(records, Record{
				Key:   string(k),
				Value: append(json.RawMessage(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Close closes the database. Further calls fail with ErrClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}
