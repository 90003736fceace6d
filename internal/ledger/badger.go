// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ledger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//   - seq:<stream>                 big-endian uint64 next sequence
//   - dl:<id>                      JSON DeadLetter
//   - ovf:<stream>:<unixnano>:<seq> JSON OverflowEvent
const (
	seqPrefix = "seq:"
	dlPrefix  = "dl:"
	ovfPrefix = "ovf:"

	maxConflictRetries = 8
)

// BadgerStore implements Store on an embedded Badger database.
type BadgerStore struct {
	db *badger.DB
	// seqMu serializes counter updates within this process; update still
	// retries conflicts with other writers.
	seqMu sync.Mutex
}

// OpenBadgerStore opens a Badger directory. An empty path opens an in-memory DB.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("ledger: open badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error { return s.db.Close() }

// update retries read-modify-write transactions that lose an optimistic conflict.
func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func readSeq(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt sequence value for %s", key)
		}
		n = binary.BigEndian.Uint64(val)
		return nil
	})
	return n, err
}

func writeSeq(txn *badger.Txn, key []byte, n uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, n)
	return txn.Set(key, buf)
}

func (s *BadgerStore) NextSequence(_ context.Context, stream string) (uint64, error) {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	key := []byte(seqPrefix + stream)
	var out uint64
	err := s.update(func(txn *badger.Txn) error {
		n, err := readSeq(txn, key)
		if err != nil {
			return err
		}
		out = n
		return writeSeq(txn, key, n+1)
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: next sequence %s: %w", stream, err)
	}
	return out, nil
}

func (s *BadgerStore) EnsureSequenceAtLeast(_ context.Context, stream string, n uint64) error {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	key := []byte(seqPrefix + stream)
	return s.update(func(txn *badger.Txn) error {
		cur, err := readSeq(txn, key)
		if err != nil {
			return err
		}
		if cur >= n {
			return nil
		}
		return writeSeq(txn, key, n)
	})
}

func (s *BadgerStore) PutDeadLetter(_ context.Context, dl DeadLetter) error {
	buf, err := json.Marshal(dl)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(dlPrefix+dl.ID), buf)
	})
}

func (s *BadgerStore) ListDeadLetters(_ context.Context, stream string) ([]DeadLetter, error) {
	out := []DeadLetter{}
	prefix := []byte(dlPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dl DeadLetter
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &dl)
			}); err != nil {
				return err
			}
			if stream == "" || dl.Stream == stream {
				out = append(out, dl)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortDeadLetters(out)
	return out, nil
}

func (s *BadgerStore) DeleteDeadLetter(_ context.Context, id string) error {
	key := []byte(dlPrefix + id)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(key)
	})
}

func (s *BadgerStore) RecordOverflow(_ context.Context, ev OverflowEvent) error {
	buf, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%s%s:%020d:%020d", ovfPrefix, ev.Stream, ev.At.UnixNano(), ev.Sequence)
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf)
	})
}

func (s *BadgerStore) OverflowCount(_ context.Context, stream string) (int, error) {
	prefix := []byte(ovfPrefix + stream + ":")
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
