package lsmkv

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Locker is an interface for a file-based lock, enforcing the
// engine's single-writer-process invariant across the data directory.
type Locker interface {
	Lock() error
	Unlock() error
}

// fileLocker implements Locker using a sibling LOCK file in the data
// directory.
type fileLocker struct {
	fl *flock.Flock
}

// newFileLocker creates a new file lock for the given database directory.
func newFileLocker(dir string) (Locker, error) {
	lockPath := filepath.Join(dir, "LOCK")
	return &fileLocker{fl: flock.New(lockPath)}, nil
}

// Lock acquires an exclusive, non-blocking lock on the LOCK file.
func (l *fileLocker) Lock() error {
	locked, err := l.fl.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire file lock: %w", err)
	}
	if !locked {
		return ErrDBAlreadyOpen
	}
	return nil
}

// Unlock releases the lock.
func (l *fileLocker) Unlock() error {
	return l.fl.Unlock()
}
