package store

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	staleLockAge  = 30 * time.Second
	lockRetries   = 10
	lockRetryWait = 100 * time.Millisecond
)

// FileLock is a cross-process advisory lock over a single path, with
// stale-lock detection and bounded retry. Acquisition is re-entrant
// within a single process via an in-memory flag, so a goroutine that
// already holds the lock does not deadlock itself.
type FileLock struct {
	path string
	mu   sync.Mutex
	held bool
}

// NewFileLock returns a lock bound to path. The lock file itself holds
// only the holder's pid — it carries no other state.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

// Acquire implements the documented protocol: exclusive-create, and on
// EEXIST, inspect mtime for staleness, retrying up to lockRetries times
// with lockRetryWait between attempts.
func (l *FileLock) Acquire() error {
	l.mu.Lock()
	if l.held {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	for attempt := 0; attempt < lockRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(lockRetryWait)
		}

		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, _ = f.WriteString(strconv.Itoa(os.Getpid()))
			_ = f.Close()
			l.mu.Lock()
			l.held = true
			l.mu.Unlock()
			return nil
		}
		if !os.IsExist(err) {
			return fmt.Errorf("%w: %v", ErrInternal, err)
		}

		info, statErr := os.Stat(l.path)
		if statErr != nil {
			// Lock file vanished between the failed create and the stat —
			// another process released it; just retry immediately.
			continue
		}
		if time.Since(info.ModTime()) > staleLockAge {
			log.WithField("lock_path", l.path).Warn("reclaiming stale lock")
			_ = os.Remove(l.path)
			continue
		}
	}

	return fmt.Errorf("%w: lock acquisition exceeded retries for %s", ErrLockContention, l.path)
}

// Release deletes the lock file, tolerating a missing file (another
// process or a stale-lock reclaim may have already removed it).
func (l *FileLock) Release() error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

// WithLock acquires the lock, runs fn, and releases the lock regardless
// of whether fn returned an error.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
