package localcache

import (
	"errors"
	"fmt"
	"os"
	"time"
)

const (
	defaultLockTimeout = 500 * time.Millisecond
	initialBackoff     = 5 * time.Millisecond
	maxBackoff         = 50 * time.Millisecond
)

var errLockTimeout = errors.New("cache lock timeout")

// writeLocker serializes cache writes across processes using an OS file
// lock. The kernel drops the lock if the holder dies.
type writeLocker struct {
	path string
	f    *os.File
}

func newWriteLocker(path string) *writeLocker {
	return &writeLocker{path: path}
}

// acquire takes the exclusive lock, polling with capped backoff until
// timeout elapses.
func (l *writeLocker) acquire(timeout time.Duration) error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for backoff := initialBackoff; ; backoff = min(backoff*2, maxBackoff) {
		if tryLock(f) == nil {
			l.f = f
			return nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return fmt.Errorf("%w after %v", errLockTimeout, timeout)
		}
		time.Sleep(backoff)
	}
}

func (l *writeLocker) release() {
	if l.f == nil {
		return
	}
	unlock(l.f)
	l.f.Close()
	l.f = nil
}
