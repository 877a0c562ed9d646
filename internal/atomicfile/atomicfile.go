// Package atomicfile provides locked, atomic read-modify-write persistence
// for small JSON state files shared between processes on one host.
package atomicfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/wardenlabs/warden/internal/backoff"
	"github.com/wardenlabs/warden/internal/logging"
)

// ErrLockTimeout is returned when the lock file cannot be acquired within
// the acquisition timeout.
var ErrLockTimeout = errors.New("atomicfile: lock acquisition timed out")

// WriteFile writes data to path atomically: the content goes to a uniquely
// named temp file in the same directory, which is then renamed over path.
// Readers see either the old or the new content, never a mix. On failure the
// temp file is removed best-effort and the original error is returned.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func(err error) error {
		tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			logging.Debug("temp file cleanup failed", "path", tmpName, "error", rmErr)
		}
		return err
	}

	if _, err := tmp.Write(data); err != nil {
		return cleanup(fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("sync temp file: %w", err))
	}
	if err := tmp.Chmod(perm); err != nil {
		return cleanup(fmt.Errorf("chmod temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		return cleanup(fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Store serializes read-modify-write cycles against a single file across
// processes using a sibling lock file.
type Store struct {
	path string

	// LockStaleAfter is the age past which an existing lock file is treated
	// as abandoned by a crashed writer and removed.
	LockStaleAfter time.Duration
	// AcquireTimeout bounds how long Update waits for the lock.
	AcquireTimeout time.Duration
	// Perm is the mode for the destination file.
	Perm os.FileMode
}

// NewStore creates a store for path with default lock timing.
func NewStore(path string) *Store {
	return &Store{
		path:           path,
		LockStaleAfter: 10 * time.Second,
		AcquireTimeout: 5 * time.Second,
		Perm:           0644,
	}
}

// Path returns the destination file path.
func (s *Store) Path() string { return s.path }

func (s *Store) lockPath() string { return s.path + ".lock" }

// Read returns the current file contents, or nil when the file does not
// exist yet.
func (s *Store) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	return data, err
}

// Update applies mutate to the current contents under the lock and writes
// the result atomically. mutate receives nil when the file does not exist.
// The lock is released whether or not mutate or the write fails. Concurrent
// Update calls on the same file, including from other processes, serialize:
// only one mutate body runs at a time system-wide.
func (s *Store) Update(ctx context.Context, mutate func(current []byte) ([]byte, error)) error {
	if err := s.acquireLock(ctx); err != nil {
		return err
	}
	defer s.releaseLock()

	current, err := s.Read()
	if err != nil {
		return fmt.Errorf("read %s: %w", s.path, err)
	}

	next, err := mutate(current)
	if err != nil {
		return err
	}

	return WriteFile(s.path, next, s.Perm)
}

// acquireLock creates the zero-byte lock file, treating an existing lock
// older than LockStaleAfter as abandoned. Contended acquisition retries with
// short jittered sleeps until AcquireTimeout.
func (s *Store) acquireLock(ctx context.Context) error {
	deadline := time.Now().Add(s.AcquireTimeout)

	for attempt := 0; ; attempt++ {
		f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("create lock file: %w", err)
		}

		if info, statErr := os.Stat(s.lockPath()); statErr == nil {
			if time.Since(info.ModTime()) > s.LockStaleAfter {
				logging.Warn("removing stale lock file", "path", s.lockPath(), "age", time.Since(info.ModTime()))
				os.Remove(s.lockPath())
				continue
			}
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s held for over %s", ErrLockTimeout, s.lockPath(), s.AcquireTimeout)
		}
		if err := backoff.Delay(ctx, backoff.JitteredDelay(attempt, 5*time.Millisecond, 50*time.Millisecond, 10)); err != nil {
			return err
		}
	}
}

func (s *Store) releaseLock() {
	if err := os.Remove(s.lockPath()); err != nil && !os.IsNotExist(err) {
		logging.Debug("lock file cleanup failed", "path", s.lockPath(), "error", err)
	}
}
