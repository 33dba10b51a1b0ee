// Package lock provides the process-wide single-instance guard: an
// exclusive flock on a file in the data dir. Interleaved lifecycle
// operations are never safe, so a second holder must fail fast.
package lock

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	dmerr "github.com/hostwatch/agent-manager/internal/domain/errors"
)

// FileLock is an exclusive advisory lock on a well-known path.
type FileLock struct {
	path string
	file *os.File
}

// New returns an unacquired lock for path.
func New(path string) *FileLock {
	return &FileLock{path: path}
}

// TryAcquire takes the lock without blocking. It returns ErrBusy when
// another process already holds it.
func (l *FileLock) TryAcquire() error {
	if l.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsPermission(err) {
			return dmerr.Wrap(dmerr.ErrPermissionDenied, err)
		}
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return dmerr.Wrapf(dmerr.ErrBusy, "lock %s held by another process", l.path)
	}
	// Leave a pid hint for humans inspecting the lock file.
	_ = f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	l.file = f
	return nil
}

// Release drops the lock. Safe to call when not held.
func (l *FileLock) Release() {
	if l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
}
