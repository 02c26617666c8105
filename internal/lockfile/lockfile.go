// Package lockfile enforces the single-writer discipline: at most one
// process owns a loom store at a time.
package lockfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrLockBusy is returned when another process holds the writer lock.
var ErrLockBusy = errors.New("lock is held by another process")

// Lock is a held writer lock.
type Lock struct {
	f *os.File
}

// Acquire takes the exclusive writer lock at path (conventionally
// "<db>.lock"). Returns ErrLockBusy without blocking if another process
// holds it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := flockExclusiveNonBlock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLockBusy) {
			return nil, ErrLockBusy
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	// PID in the file is advisory, for operators inspecting a stuck lock.
	_ = f.Truncate(0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

// Release drops the lock.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockUnlock(l.f)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
