package resume

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/boltdb/bolt"

	"github.com/epifetch/epifetch/internal/logger"
	"github.com/epifetch/epifetch/internal/task"
)

const manifestBucket = "manifest"

// Store persists the resume manifest in a single bbolt file. Writes are
// transactional, so a snapshot either replaces the previous manifest
// entirely or leaves it untouched.
type Store struct {
	db   *bolt.DB
	path string
}

// NewStore opens (or creates) the manifest file at path. An unreadable
// file is treated the same as no prior state: it is removed and a fresh
// one is created, since a manifest we cannot parse carries no resume data.
func NewStore(path string) (*Store, error) {
	db, err := open(path)
	if err != nil {
		logger.Warnf("Resume manifest %s is unusable (%v), starting clean", path, err)
		if rmErr := os.Remove(path); rmErr != nil {
			return nil, fmt.Errorf("failed to remove unusable manifest: %w", rmErr)
		}
		db, err = open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open manifest: %w", err)
		}
	}

	return &Store{db: db, path: path}, nil
}

func open(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(manifestBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

// Snapshot replaces the manifest with the non-terminal subset of tasks.
// Only Downloading and Paused tasks carry resumable state; everything else
// is either not started or finished.
func (s *Store) Snapshot(tasks []*task.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(manifestBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("failed to reset manifest bucket: %w", err)
		}
		bucket, err := tx.CreateBucket([]byte(manifestBucket))
		if err != nil {
			return fmt.Errorf("failed to create manifest bucket: %w", err)
		}

		count := 0
		for _, t := range tasks {
			status := t.GetStatus()
			if status != task.StatusDownloading && status != task.StatusPaused {
				continue
			}

			data, err := json.Marshal(t.ToSnapshot())
			if err != nil {
				return fmt.Errorf("failed to marshal task snapshot: %w", err)
			}

			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, uint64(t.Ordinal))
			if err := bucket.Put(key, data); err != nil {
				return fmt.Errorf("failed to store task snapshot: %w", err)
			}
			count++
		}

		logger.Debugf("Snapshotted %d in-flight task(s) to %s", count, s.path)
		return nil
	})
}

// Restore loads the manifest and rebuilds paused tasks from it. Each
// recorded byte offset is clamped to the real size of the destination
// file, protecting against external truncation between runs. Records that
// fail to parse are skipped; a missing or empty manifest yields an empty
// result, never an error.
func (s *Store) Restore() ([]*task.Task, error) {
	var tasks []*task.Task

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(manifestBucket))
		if bucket == nil {
			return nil
		}

		return bucket.ForEach(func(k, v []byte) error {
			var snap task.Snapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				logger.Warnf("Skipping unparsable manifest record: %v", err)
				return nil
			}

			t := task.FromSnapshot(snap)
			t.SetDownloaded(diskOffset(snap))
			tasks = append(tasks, t)
			return nil
		})
	})
	if err != nil {
		logger.Warnf("Failed to read manifest, treating as empty: %v", err)
		return nil, nil
	}

	if len(tasks) > 0 {
		logger.Infof("Restored %d partial download(s) from %s", len(tasks), s.path)
	}

	return tasks, nil
}

// diskOffset returns the resumable offset for a restored task: the lesser
// of what the manifest recorded and what is actually on disk.
func diskOffset(snap task.Snapshot) int64 {
	info, err := os.Stat(snap.Destination)
	if err != nil {
		return 0
	}
	if info.Size() < snap.Downloaded {
		return info.Size()
	}
	return snap.Downloaded
}

// Clear removes all manifest records after a fully successful batch.
// Clearing an already-empty manifest is not an error.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(manifestBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return fmt.Errorf("failed to clear manifest: %w", err)
		}
		_, err := tx.CreateBucketIfNotExists([]byte(manifestBucket))
		return err
	})
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	return s.db.Close()
}
