// Package lock provides the Downloader's single-instance PID lock.
//
// The lock is a file holding the owner's process ID. A lock file whose
// process is no longer alive is stale and is replaced, so a crashed run never
// blocks later ones. Acquisition runs under a companion file lock at
// <path>.flock, so two processes never both replace the same stale lock.
package lock

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/danjacques/gofslock/fslock"
	"golang.org/x/sys/unix"

	"github.com/roach88/ocdslake/internal/pipeline"
)

// ErrHeld is the cause of the error Acquire returns when a live process
// holds the lock.
var ErrHeld = errors.New("lock held by a live process")

// PIDLock is a lock file keyed by process ID.
//
// Thread-safety: a PIDLock is owned by one goroutine. Release may be called
// from a signal handler goroutine only if Acquire has returned.
type PIDLock struct {
	path  string
	pid   int
	alive func(pid int) bool
	held  bool
}

// New creates a lock at path for the current process.
func New(path string) *PIDLock {
	return &PIDLock{path: path, pid: os.Getpid(), alive: ProcessAlive}
}

// Path returns the lock file location.
func (l *PIDLock) Path() string {
	return l.path
}

// Acquire takes the lock or returns a LOCK_CONTENTION error naming the
// holder and the lock file.
func (l *PIDLock) Acquire() error {
	if l.held {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	err := fslock.With(l.guardPath(), l.acquireLocked)
	if errors.Is(err, fslock.ErrLockHeld) {
		return pipeline.Wrap(pipeline.ErrCodeLockContention, "",
			fmt.Sprintf("another download is acquiring %s", l.path), ErrHeld)
	}
	return err
}

// acquireLocked creates the lock file, replacing a stale one. The caller
// holds the guard file lock.
func (l *PIDLock) acquireLocked() error {
	// Two attempts: the second follows removal of a stale lock.
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(l.pid))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("write lock file: %w", errors.Join(werr, cerr))
			}
			l.held = true
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create lock file: %w", err)
		}

		holder, ok := readPID(l.path)
		if ok && l.alive(holder) {
			return pipeline.Wrap(pipeline.ErrCodeLockContention, "",
				fmt.Sprintf("another download is already running (PID %d); if that process is gone, remove %s and retry",
					holder, l.path),
				ErrHeld)
		}
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove stale lock %s: %w", l.path, err)
		}
	}
	return pipeline.Wrap(pipeline.ErrCodeLockContention, "",
		fmt.Sprintf("lock %s was re-created while replacing a stale lock", l.path), ErrHeld)
}

func (l *PIDLock) guardPath() string {
	return l.path + ".flock"
}

// Release removes the lock file if this process still owns it. Calling
// Release more than once is harmless.
func (l *PIDLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false

	holder, ok := readPID(l.path)
	if !ok || holder != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// Held reports whether this PIDLock currently owns the lock.
func (l *PIDLock) Held() bool {
	return l.held
}

// ProcessAlive reports whether a process with the given PID exists.
// A process owned by another user still counts as alive.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	return pid, true
}
