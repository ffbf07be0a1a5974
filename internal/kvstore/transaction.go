// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package kvstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// ErrTxDone is returned by any Transaction method called after Commit or
// Discard.
var ErrTxDone = errors.New("kvstore: transaction already committed or discarded")

// Transaction is a atomic batch of writes against a KVStore. Nothing
// written through a Transaction is visible to Get/Seek/Begin/End on the
// parent store until Commit succeeds (spec §4.B). Dropping a Transaction
// without calling Commit aborts it — no partial writes ever reach the
// store.
//
// A Transaction does not sync to disk on every write; durability is
// deferred to Commit regardless of the parent store's DisableWAL setting,
// since fsyncing every buffered write inside a transaction would defeat
// the point of batching them. Flush is forbidden while a transaction from
// the same store is open (ErrInTx).
type Transaction struct {
	store *KVStore
	txn   *badger.Txn

	mu   sync.Mutex
	done bool

	// newColumns holds column names created within this transaction, so
	// they only take effect on the parent store's registry after Commit.
	newColumns map[string]struct{}
}

// BeginTransaction opens a new Transaction against the store. Only one
// transaction should be open per store at a time; the caller is
// responsible for serializing concurrent transactional writers (Badger
// itself detects write-write conflicts on Commit and this surfaces as an
// error rather than silent data loss).
func (s *KVStore) BeginTransaction() (*Transaction, error) {
	s.mu.Lock()
	closed := s.closed
	if !closed {
		s.inTx = true
	}
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	return &Transaction{
		store:      s,
		txn:        s.db.NewTransaction(true),
		newColumns: make(map[string]struct{}),
	}, nil
}

func (t *Transaction) checkOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	return nil
}

// Put buffers a write of value under key in column, visible to Get/Seek
// within this transaction but not to the parent store until Commit.
func (t *Transaction) Put(key []byte, value []byte, column string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if err := t.checkOpen(); err != nil {
		return err
	}
	column = resolveColumn(column)
	if err := t.txn.Set(familyKey(column, key), value); err != nil {
		return fmt.Errorf("kvstore: tx put: %w", err)
	}
	t.mu.Lock()
	t.newColumns[column] = struct{}{}
	t.mu.Unlock()
	return nil
}

// Get reads key in column, seeing this transaction's own buffered writes
// but nothing committed after the transaction began.
func (t *Transaction) Get(key []byte, column string) (value []byte, found bool, err error) {
	if len(key) == 0 {
		return nil, false, ErrEmptyKey
	}
	if err := t.checkOpen(); err != nil {
		return nil, false, err
	}
	item, getErr := t.txn.Get(familyKey(resolveColumn(column), key))
	if errors.Is(getErr, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if getErr != nil {
		return nil, false, fmt.Errorf("kvstore: tx get: %w", getErr)
	}
	err = item.Value(func(val []byte) error {
		value = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("kvstore: tx get: %w", err)
	}
	return value, true, nil
}

// Delete buffers removal of key from column.
func (t *Transaction) Delete(key []byte, column string) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if err := t.checkOpen(); err != nil {
		return err
	}
	if err := t.txn.Delete(familyKey(resolveColumn(column), key)); err != nil {
		return fmt.Errorf("kvstore: tx delete: %w", err)
	}
	return nil
}

// CreateColumn registers a new column family, taking effect on the parent
// store only if the transaction commits.
func (t *Transaction) CreateColumn(name string) error {
	if name == "" {
		return ErrEmptyColumn
	}
	if err := t.checkOpen(); err != nil {
		return err
	}
	if ok, _ := t.store.ColumnExists(name); ok {
		return ErrColumnExists
	}
	t.mu.Lock()
	t.newColumns[name] = struct{}{}
	t.mu.Unlock()
	return nil
}

// ColumnExists reports whether name is known to the parent store. It does
// not see columns created earlier in this same, uncommitted transaction.
func (t *Transaction) ColumnExists(name string) (bool, error) {
	if err := t.checkOpen(); err != nil {
		return false, err
	}
	return t.store.ColumnExists(name)
}

// Flush is not supported inside a transaction (spec §4.B): durability is
// deferred entirely to Commit.
func (t *Transaction) Flush() error {
	return ErrInTx
}

// Commit atomically applies every buffered write to the parent store and
// clears its in-transaction flag. On success the involved column families
// are registered on the parent store, its writes become visible to
// subsequent Get/Seek calls, and the parent store is flushed to disk
// (spec §4.B: commit() flushes the parent store's column families).
func (t *Transaction) Commit() error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.done = true
	cols := t.newColumns
	t.mu.Unlock()

	err := t.txn.Commit()
	t.clearParentFlag()
	if err != nil {
		return fmt.Errorf("kvstore: tx commit: %w", err)
	}

	t.store.mu.Lock()
	for c := range cols {
		t.store.columns[c] = struct{}{}
	}
	t.store.mu.Unlock()

	if err := t.store.Flush(); err != nil {
		return fmt.Errorf("kvstore: tx commit: flush: %w", err)
	}
	return nil
}

// Discard aborts the transaction: none of its buffered writes reach the
// parent store. Safe to call after Commit (no-op) and safe to call
// multiple times.
func (t *Transaction) Discard() {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return
	}
	t.done = true
	t.mu.Unlock()

	t.txn.Discard()
	t.clearParentFlag()
}

func (t *Transaction) clearParentFlag() {
	t.store.mu.Lock()
	t.store.inTx = false
	t.store.mu.Unlock()
}
