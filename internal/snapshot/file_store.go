// Package snapshot persists the client roster as a single JSON document on the
// local filesystem.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/postwatch/postwatch/internal/models"
)

const lockRetryDelay = 50 * time.Millisecond

// FileStore implements models.RosterStore on top of a JSON file. Writes go to
// a temporary file that is renamed over the target, and both reads and writes
// hold an advisory lock on "<path>.lock" so a CLI run and a running server do
// not interleave.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore creates a store backed by the file at path. The parent
// directory is created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
	}
}

// Path returns the snapshot file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the roster. found is false when the file does not exist yet.
func (s *FileStore) Load(ctx context.Context) ([]models.ClientRecord, bool, error) {
	if err := s.ensureDir(); err != nil {
		return nil, false, err
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read snapshot %s: %w", s.path, err)
	}

	var clients []models.ClientRecord
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, false, fmt.Errorf("failed to decode snapshot %s: %w", s.path, err)
	}
	if clients == nil {
		clients = []models.ClientRecord{}
	}

	return clients, true, nil
}

// Save overwrites the roster file atomically.
func (s *FileStore) Save(ctx context.Context, clients []models.ClientRecord) error {
	if clients == nil {
		clients = []models.ClientRecord{}
	}

	data, err := json.MarshalIndent(clients, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := s.ensureDir(); err != nil {
		return err
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temporary snapshot: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}

	return nil
}

func (s *FileStore) ensureDir() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create snapshot directory %s: %w", dir, err)
	}
	return nil
}

func (s *FileStore) acquire(ctx context.Context) (func(), error) {
	locked, err := s.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("failed to lock snapshot: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock snapshot: %s is held by another process", s.lock.Path())
	}
	return func() { _ = s.lock.Unlock() }, nil
}
