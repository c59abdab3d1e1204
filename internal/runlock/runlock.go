// Package runlock provides the cross-process lock that serializes sync runs.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrContended is returned when another process holds the lock for longer
// than the configured wait.
var ErrContended = errors.New("run lock is held by another process")

const retryDelay = 50 * time.Millisecond

// Lock is a held advisory file lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock at path. A zero timeout makes a single
// non-blocking attempt; otherwise it waits up to timeout before returning
// ErrContended.
func Acquire(ctx context.Context, path string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	fl := flock.New(path)

	var (
		ok  bool
		err error
	)
	if timeout <= 0 {
		ok, err = fl.TryLock()
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		ok, err = fl.TryLockContext(waitCtx, retryDelay)
		cancel()
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lock: %w", err)
	}
	if !ok {
		return nil, ErrContended
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release unlocks. The lock file is left in place.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}
