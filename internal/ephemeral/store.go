// Package ephemeral provides a restart-durable TTL-native key/value and
// counter store used for replay detection, rate limiting and
// alert-count gating. It is backed by Badger so state survives process
// restarts within the TTL window, unlike an in-memory map.
package ephemeral

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

type Store struct {
	db *badger.DB
}

func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetIfAbsent writes key with the given TTL only if it does not already
// exist. It reports whether the write happened, i.e. whether key was
// previously absent. Used for replay detection and the rules engine's
// alert cooldown gate.
func (s *Store) SetIfAbsent(key string, ttl time.Duration) (bool, error) {
	absent := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		absent = true
		e := badger.NewEntry([]byte(key), []byte{1})
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return false, err
	}
	return absent, nil
}

// Delete removes key, used to roll back a replay marker when the
// downstream persist for that event fails.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Increment atomically increments the counter at key by one, creating
// it with the given TTL if absent, and returns the post-increment
// value. Used for per-minute rate limiting.
func (s *Store) Increment(key string, ttl time.Duration) (int64, error) {
	var result int64
	err := s.db.Update(func(txn *badger.Txn) error {
		var current int64
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			if verr := item.Value(func(val []byte) error {
				if len(val) == 8 {
					current = int64(binary.BigEndian.Uint64(val))
				}
				return nil
			}); verr != nil {
				return verr
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			current = 0
		default:
			return err
		}
		current++
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(current))
		e := badger.NewEntry([]byte(key), buf)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		if err := txn.SetEntry(e); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// Get returns the current counter value at key, or 0 if absent.
func (s *Store) Get(key string) (int64, error) {
	var value int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 8 {
				value = int64(binary.BigEndian.Uint64(val))
			}
			return nil
		})
	})
	return value, err
}

// RunGC runs Badger's value-log garbage collection, intended to be
// called periodically from a background ticker.
func (s *Store) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}
