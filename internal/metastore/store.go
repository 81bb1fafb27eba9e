// Package metastore persists the path → FileMeta mapping in an ordered
// key-value store. Keys are stored without a leading separator; every write
// goes through one process-wide critical section so multi-key directory
// renames stay atomic for concurrent readers.
package metastore

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
)

// ErrNotFound is returned by Get for keys with no record.
var ErrNotFound = errors.New("metadata not found")

// Store wraps the ordered KV database holding FileMeta records.
type Store struct {
	db *pebble.DB

	// writeMu serializes all writes. Reads are lock-free; pebble batches
	// are applied atomically, so a reader sees a directory rename either
	// entirely before or entirely after.
	writeMu sync.Mutex
}

// KV is one key/value pair in a batch put.
type KV struct {
	Key  string
	Meta *FileMeta
}

// Open opens (creating if needed) the store under dir.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata store at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// NormalizeKey strips the leading separator from a visible path, yielding the
// store key.
func NormalizeKey(path string) string {
	return strings.TrimPrefix(path, "/")
}

// Get looks up one record. Returns ErrNotFound when no record exists.
func (s *Store) Get(key string) (*FileMeta, error) {
	key = NormalizeKey(key)
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("metadata read of %q failed: %w", key, err)
	}
	defer closer.Close()
	return decodeMeta(data)
}

// Put writes one record.
func (s *Store) Put(key string, meta *FileMeta) error {
	key = NormalizeKey(key)
	data, err := meta.encode()
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Set([]byte(key), data, pebble.Sync); err != nil {
		return fmt.Errorf("metadata write of %q failed: %w", key, err)
	}
	return nil
}

// Delete removes one record. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	key = NormalizeKey(key)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("metadata delete of %q failed: %w", key, err)
	}
	return nil
}

// Batch applies deletes then puts in one atomic write.
func (s *Store) Batch(deletes []string, puts []KV) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, key := range deletes {
		if err := b.Delete([]byte(NormalizeKey(key)), nil); err != nil {
			return fmt.Errorf("metadata batch delete of %q failed: %w", key, err)
		}
	}
	for _, kv := range puts {
		data, err := kv.Meta.encode()
		if err != nil {
			return err
		}
		if err := b.Set([]byte(NormalizeKey(kv.Key)), data, nil); err != nil {
			return fmt.Errorf("metadata batch put of %q failed: %w", kv.Key, err)
		}
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.db.Apply(b, pebble.Sync); err != nil {
		return fmt.Errorf("metadata batch failed: %w", err)
	}
	return nil
}

// ScanPrefix calls fn for each record whose key starts with prefix, in key
// order. Returning a non-nil error from fn stops the scan and is returned.
func (s *Store) ScanPrefix(prefix string, fn func(key string, meta *FileMeta) error) error {
	prefix = NormalizeKey(prefix)
	opts := &pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	}
	iter, err := s.db.NewIter(opts)
	if err != nil {
		return fmt.Errorf("metadata scan of prefix %q failed: %w", prefix, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		meta, err := decodeMeta(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(string(iter.Key()), meta); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("metadata scan of prefix %q failed: %w", prefix, err)
	}
	return nil
}

// IterateAll calls fn for every record in key order.
func (s *Store) IterateAll(fn func(key string, meta *FileMeta) error) error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("metadata iteration failed: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		meta, err := decodeMeta(iter.Value())
		if err != nil {
			return err
		}
		if err := fn(string(iter.Key()), meta); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("metadata iteration failed: %w", err)
	}
	return nil
}

// RenamePrefix atomically rewrites every key under oldPrefix to the
// corresponding key under newPrefix. Both are treated as directories: a
// trailing separator is appended so renaming "subdir" cannot touch
// "subdir2".
func (s *Store) RenamePrefix(oldPrefix, newPrefix string) error {
	oldPrefix = NormalizeKey(oldPrefix)
	newPrefix = NormalizeKey(newPrefix)
	if !strings.HasSuffix(oldPrefix, "/") {
		oldPrefix += "/"
	}
	if !strings.HasSuffix(newPrefix, "/") {
		newPrefix += "/"
	}

	var deletes []string
	var puts []KV
	err := s.ScanPrefix(oldPrefix, func(key string, meta *FileMeta) error {
		deletes = append(deletes, key)
		puts = append(puts, KV{Key: newPrefix + strings.TrimPrefix(key, oldPrefix), Meta: meta})
		return nil
	})
	if err != nil {
		return err
	}
	if len(deletes) == 0 {
		return nil
	}
	return s.Batch(deletes, puts)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when the prefix is all 0xff.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
