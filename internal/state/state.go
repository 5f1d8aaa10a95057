// Package state persists per-file sync baselines in a bbolt database so
// a restarted engine can classify offline changes. For every synced
// path the store keeps the agreed base content and its hash plus the
// disk mtime and size observed at the last agreement; on startup a
// hash mismatch classifies an offline edit against the true ancestor
// instead of silently adopting the changed disk content as the base.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

func rootBucket(root string) []byte {
	return []byte("root:" + root + ":files")
}

// FileBaseline is the last agreed-upon state of one synced path.
type FileBaseline struct {
	Path     string `json:"path"`
	BaseHash string `json:"base_hash"`
	MTime    int64  `json:"mtime"`
	Size     int64  `json:"size"`
	SyncedAt int64  `json:"synced_at"`

	// Base is the agreed content itself, so trackers resumed after a
	// restart hold the real common ancestor for conflict detection and
	// merge suggestions.
	Base []byte `json:"base,omitempty"`
}

// State wraps a bbolt database holding sync baselines.
type State struct {
	db *bolt.DB
}

// Open opens (creating if needed) the state database at path.
func Open(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// PutBaseline persists the baseline for a path under root.
func (s *State) PutBaseline(root string, fb FileBaseline) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(rootBucket(root))
		if err != nil {
			return err
		}

		data, err := json.Marshal(fb)
		if err != nil {
			return err
		}

		return b.Put([]byte(fb.Path), data)
	})
}

// GetBaseline returns the baseline for a path under root, or nil when
// none is recorded.
func (s *State) GetBaseline(root, path string) (*FileBaseline, error) {
	var fb *FileBaseline

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket(root))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(path))
		if v == nil {
			return nil
		}

		fb = &FileBaseline{}

		return json.Unmarshal(v, fb)
	})

	return fb, err
}

// DeleteBaseline removes the baseline for a path under root.
func (s *State) DeleteBaseline(root, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket(root))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(path))
	})
}

// AllBaselines returns every recorded baseline under root keyed by path.
func (s *State) AllBaselines(root string) (map[string]FileBaseline, error) {
	out := make(map[string]FileBaseline)

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(rootBucket(root))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var fb FileBaseline
			if err := json.Unmarshal(v, &fb); err != nil {
				return fmt.Errorf("decoding baseline for %s: %w", k, err)
			}

			out[string(k)] = fb

			return nil
		})
	})

	return out, err
}
