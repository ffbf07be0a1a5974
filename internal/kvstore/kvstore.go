// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package kvstore wraps an embedded BadgerDB instance with a column-family
// keyed surface and optional transactions, used by the update pipeline for
// offset bookkeeping and intermediate state (spec §4.B).
//
// BadgerDB has no native column-family concept, so families are modeled as
// key prefixes ("<family>\x00<key>") over a single underlying database.
// This keeps the observable contract of spec §4.B/§9 (existing families are
// usable immediately after reopen, without a manifest to consult) while
// building on the one embedded engine the pack actually carries.
package kvstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/oxbowsec/cti-updater/internal/logging"
	"github.com/oxbowsec/cti-updater/internal/metrics"
)

// DefaultColumn is the column family used when none is specified.
const DefaultColumn = "default"

// Well-known keys written into DefaultColumn by the update pipeline,
// preserved from the original keystore's column layout (SPEC_FULL §3).
const (
	// KeyCurrentOffset holds the last successfully applied offset.
	KeyCurrentOffset = "current_offset"
	// KeyLastHash holds the hash of the last downloaded content file.
	KeyLastHash = "downloaded_file_hash"
)

// Sentinel errors. KVStore surfaces these synchronously per spec §7.
var (
	ErrEmptyKey     = errors.New("kvstore: key must not be empty")
	ErrEmptyColumn  = errors.New("kvstore: column name must not be empty")
	ErrColumnExists = errors.New("kvstore: column already exists")
	ErrNotFound     = errors.New("kvstore: key not found")
	ErrClosed       = errors.New("kvstore: store is closed")
	ErrInTx         = errors.New("kvstore: flush is forbidden inside a transaction")
)

const familySep = 0x00

// KVStore is a column-family aware wrapper around BadgerDB.
type KVStore struct {
	db *badger.DB

	mu      sync.RWMutex
	columns map[string]struct{}
	closed  bool
	inTx    bool
}

// Options configures Open.
type Options struct {
	// Path is the on-disk directory for the database. Created if missing.
	Path string

	// DisableWAL turns off Badger's sync-on-write behavior for higher
	// throughput at the cost of durability on crash (spec §4.B: "WAL
	// optionally disabled").
	DisableWAL bool
}

// Open opens (or creates) the store at opts.Path and discovers existing
// column families from previously-written keys, reattaching all of them —
// not only the default family — per spec §4.B/§9.
func Open(opts Options) (*KVStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("kvstore: path must not be empty")
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: create directory: %w", err)
	}

	bopts := badger.DefaultOptions(opts.Path)
	bopts.SyncWrites = !opts.DisableWAL
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open badger: %w", err)
	}

	s := &KVStore{
		db:      db,
		columns: map[string]struct{}{DefaultColumn: {}},
	}

	if err := s.discoverColumns(); err != nil {
		closeErr := db.Close()
		return nil, fmt.Errorf("kvstore: discover column families: %w", errors.Join(err, closeErr))
	}

	logging.Info().Str("path", opts.Path).Bool("sync_writes", bopts.SyncWrites).Msg("kvstore opened")
	return s, nil
}

// discoverColumns scans the keyspace for family prefixes and registers them,
// standing in for consulting BadgerDB's manifest for a native column-family
// engine (spec §4.B/§9: "the manifest must be consulted and every existing
// family reattached").
func (s *KVStore) discoverColumns() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			if idx := bytes.IndexByte(key, familySep); idx > 0 {
				s.columns[string(key[:idx])] = struct{}{}
			}
		}
		return nil
	})
}

func familyKey(column string, key []byte) []byte {
	out := make([]byte, 0, len(column)+1+len(key))
	out = append(out, column...)
	out = append(out, familySep)
	out = append(out, key...)
	return out
}

func resolveColumn(column string) string {
	if column == "" {
		return DefaultColumn
	}
	return column
}

// CreateColumn registers a new column family. Returns ErrColumnExists if
// already present.
func (s *KVStore) CreateColumn(name string) error {
	if name == "" {
		return ErrEmptyColumn
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.columns[name]; ok {
		return ErrColumnExists
	}
	s.columns[name] = struct{}{}
	return nil
}

// ColumnExists reports whether name has been created.
func (s *KVStore) ColumnExists(name string) (bool, error) {
	if name == "" {
		return false, ErrEmptyColumn
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.columns[name]
	return ok, nil
}

// Put stores value under key in the given column ("" selects the default
// column). Fails with ErrEmptyKey on an empty key.
func (s *KVStore) Put(key []byte, value []byte, column string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	start := time.Now()
	column = resolveColumn(column)
	fk := familyKey(column, key)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(fk, value)
	})
	metrics.KVStoreOpDuration.WithLabelValues("put", column).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.KVStoreErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("kvstore: put: %w", err)
	}
	s.registerColumn(column)
	return nil
}

func (s *KVStore) registerColumn(column string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[column] = struct{}{}
}

// Get retrieves the value for key in column. The second return value
// reports whether the key was found — a miss is not an error (spec §4.B,
// §9's "found vs not-found is contract, not accident").
func (s *KVStore) Get(key []byte, column string) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, false, ErrClosed
	}

	start := time.Now()
	resolved := resolveColumn(column)
	fk := familyKey(resolved, key)
	err = s.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get(fk)
		if errors.Is(getErr, badger.ErrKeyNotFound) {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		found = true
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	metrics.KVStoreOpDuration.WithLabelValues("get", resolved).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.KVStoreErrors.WithLabelValues("get").Inc()
		return nil, false, fmt.Errorf("kvstore: get: %w", err)
	}
	return value, found, nil
}

// Delete removes key from column. Deleting a missing key is not an error.
func (s *KVStore) Delete(key []byte, column string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	start := time.Now()
	resolved := resolveColumn(column)
	fk := familyKey(resolved, key)
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(fk)
	})
	metrics.KVStoreOpDuration.WithLabelValues("delete", resolved).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.KVStoreErrors.WithLabelValues("delete").Inc()
		return fmt.Errorf("kvstore: delete: %w", err)
	}
	return nil
}

// DeleteAll removes every key across every column family.
func (s *KVStore) DeleteAll() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("kvstore: delete all: %w", err)
	}
	return nil
}

// Flush forces a sync of pending writes. Forbidden while a transaction from
// this store is open (spec §4.B).
func (s *KVStore) Flush() error {
	s.mu.RLock()
	closed := s.closed
	inTx := s.inTx
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if inTx {
		return ErrInTx
	}
	if err := s.db.Sync(); err != nil {
		return fmt.Errorf("kvstore: flush: %w", err)
	}
	return nil
}

// GetLastKeyValue returns the lexicographically last key/value pair in
// column. Returns ErrNotFound if the column is empty.
func (s *KVStore) GetLastKeyValue(column string) (key []byte, value []byte, err error) {
	column = resolveColumn(column)
	err = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration seeks to the largest key <= seek target; append
		// 0xff to land past every key sharing the family prefix.
		seek := append(familyKey(column, nil), 0xff)
		it.Seek(seek)
		if !it.Valid() {
			return ErrNotFound
		}
		item := it.Item()
		fk := item.KeyCopy(nil)
		prefix := familyKey(column, nil)
		if !bytes.HasPrefix(fk, prefix) {
			return ErrNotFound
		}
		key = fk[len(prefix):]
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("kvstore: get last key value: %w", err)
	}
	return key, value, nil
}

// Compact triggers BadgerDB value-log garbage collection until no further
// rewrite is possible.
func (s *KVStore) Compact() error {
	start := time.Now()
	for {
		err := s.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) {
			metrics.KVStoreOpDuration.WithLabelValues("compact", "").Observe(time.Since(start).Seconds())
			return nil
		}
		if err != nil {
			metrics.KVStoreOpDuration.WithLabelValues("compact", "").Observe(time.Since(start).Seconds())
			metrics.KVStoreErrors.WithLabelValues("compact").Inc()
			return fmt.Errorf("kvstore: compact: %w", err)
		}
	}
}

// CompactBzip2 is an alias for Compact: the underlying value-log GC is
// codec-agnostic. Badger doesn't expose a bzip2-specific compaction path,
// so this satisfies spec §4.B's dual compact/compactBzip2 surface without
// pretending to a distinction the engine doesn't make.
func (s *KVStore) CompactBzip2() error {
	return s.Compact()
}

// Close releases the underlying database, waiting up to timeout.
func (s *KVStore) Close(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	done := make(chan error, 1)
	go func() { done <- s.db.Close() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("kvstore: close: %w", err)
		}
		logging.Info().Msg("kvstore closed")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("kvstore: close timed out after %v", timeout)
	}
}
