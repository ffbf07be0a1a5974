// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

package kvstore

import (
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// Iterator walks key/value pairs within a single column family in key
// order. Callers must call Close when done.
type Iterator struct {
	txn    *badger.Txn
	it     *badger.Iterator
	prefix []byte
	valid  bool
}

func newIterator(db *badger.DB, column string, seek []byte, reverse bool) *Iterator {
	txn := db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	opts.Reverse = reverse
	it := txn.NewIterator(opts)

	prefix := familyKey(column, nil)
	target := append(append([]byte(nil), prefix...), seek...)
	if reverse && len(seek) == 0 {
		target = append(target, 0xff)
	}
	it.Seek(target)

	iter := &Iterator{txn: txn, it: it, prefix: prefix}
	iter.refreshValid()
	return iter
}

func (it *Iterator) refreshValid() {
	it.valid = it.it.ValidForPrefix(it.prefix)
}

// Valid reports whether the iterator currently points at an in-range entry.
func (it *Iterator) Valid() bool {
	return it.valid
}

// Next advances the iterator.
func (it *Iterator) Next() {
	it.it.Next()
	it.refreshValid()
}

// Key returns the current entry's key with the column-family prefix
// stripped.
func (it *Iterator) Key() []byte {
	full := it.it.Item().KeyCopy(nil)
	return full[len(it.prefix):]
}

// Value returns the current entry's value.
func (it *Iterator) Value() ([]byte, error) {
	var out []byte
	err := it.it.Item().Value(func(val []byte) error {
		out = append([]byte(nil), val...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: iterator value: %w", err)
	}
	return out, nil
}

// Close releases the iterator's underlying transaction.
func (it *Iterator) Close() {
	it.it.Close()
	it.txn.Discard()
}

// Seek returns an iterator positioned at the first key with the given
// prefix within column, in ascending order.
func (s *KVStore) Seek(prefix []byte, column string) (*Iterator, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return newIterator(s.db, resolveColumn(column), prefix, false), nil
}

// Begin returns an iterator positioned at the first key of column, in
// ascending order.
func (s *KVStore) Begin(column string) (*Iterator, error) {
	return s.Seek(nil, column)
}

// End returns an iterator positioned at the last key of column, in
// descending order (each Next moves toward smaller keys).
func (s *KVStore) End(column string) (*Iterator, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return newIterator(s.db, resolveColumn(column), nil, true), nil
}
