// Package settingsstore is a small embedded key-value store for the
// agent's persisted settings, backed by BoltDB. It is an ordinary
// component: cmd/agent opens exactly one *Store and passes it by handle to
// the supervisor, which hands it to SettingsActor. AppServiceActor does not
// read it; it keeps the last dns name it saw in memory. It is never a
// package-level singleton.
package settingsstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSettings = []byte("settings")

// Store wraps a BoltDB database holding a single flat settings bucket.
type Store struct {
	db   *bolt.DB
	path string
}

// Open creates or opens the settings database at path and ensures the
// settings bucket exists. The parent directory is created if missing.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create kvstore dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSettings)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create settings bucket: %w", err)
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the value for key. Returns "", false if the key does not exist.
func (s *Store) Get(key string) (string, bool, error) {
	var value string
	var found bool

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		v := b.Get([]byte(key))
		if v != nil {
			found = true
			value = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, found, nil
}

// Set stores value under key and returns the previous value (if any) so
// callers can publish a SettingsUpdated event carrying old and new.
func (s *Store) Set(key, value string) (existing string, existed bool, err error) {
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if v := b.Get([]byte(key)); v != nil {
			existed = true
			existing = string(v)
		}
		return b.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return "", false, fmt.Errorf("set %q: %w", key, err)
	}
	return existing, existed, nil
}

// Delete removes key. It is not an error if the key does not exist.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		return b.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %q: %w", key, err)
	}
	return nil
}

// Keys returns every key currently stored, in lexicographic order.
func (s *Store) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// RemoveAll closes the database and deletes the key-value store
// directory (the directory, not just the file) so that de_provision
// leaves no residue behind.
func (s *Store) RemoveAll() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close before remove: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove kvstore dir: %w", err)
	}
	return nil
}
