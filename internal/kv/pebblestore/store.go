// Package pebblestore provides a kv.Store on an embedded Pebble database.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

// FsyncMode defines durability behavior for writes.
type FsyncMode string

// Fsync modes.
const (
	// FsyncAlways syncs the WAL on every write.
	FsyncAlways FsyncMode = "always"
	// FsyncInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncInterval FsyncMode = "interval"
	// FsyncNever leaves syncing to Pebble.
	FsyncNever FsyncMode = "never"
)

// ErrNoDataDir is returned when Options.DataDir is empty.
var ErrNoDataDir = errors.New("pebble data dir is required")

// Options configures the store.
type Options struct {
	DataDir       string
	Fsync         FsyncMode
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning, e.g. an in-memory FS in tests.
	PebbleOptions *pebble.Options
}

// Store wraps a Pebble database.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
}

// Open creates or opens the database at opts.DataDir.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, ErrNoDataDir
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}

	writeOpts := pebble.NoSync
	switch opts.Fsync {
	case FsyncAlways:
		writeOpts = pebble.Sync
	case FsyncNever:
	default:
		interval := opts.FsyncInterval
		if interval <= 0 {
			interval = 5 * time.Millisecond
		}
		po.WALMinSyncInterval = func() time.Duration { return interval }
		writeOpts = pebble.Sync
	}

	db, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &Store{db: db, writeOpts: writeOpts}, nil
}

// Get implements kv.Store.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	defer closer.Close()
	return string(val), true, nil
}

// Put implements kv.Store.
func (s *Store) Put(_ context.Context, key, value string) error {
	if err := s.db.Set([]byte(key), []byte(value), s.writeOpts); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Delete implements kv.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	if err := s.db.Delete([]byte(key), s.writeOpts); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Close implements kv.Store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
