// Package lock serializes loader runs on one project with an advisory file
// lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Name of the lock file created in the project root.
const Name = ".specjour.lock"

const retryInterval = 50 * time.Millisecond

var ErrLocked = errors.New("project is locked by another loader")

type Lock struct {
	fl *flock.Flock
}

// Acquire blocks until the project lock in dir is held or ctx is done. A
// lock still held by another loader when ctx is done is reported as
// ErrLocked together with the context error.
func Acquire(ctx context.Context, dir string) (*Lock, error) {
	path := filepath.Join(dir, Name)
	fl := flock.New(path)

	locked, err := fl.TryLockContext(ctx, retryInterval)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			err = errors.Join(ErrLocked, err)
		}
		return nil, fmt.Errorf("acquiring project lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("acquiring project lock %s: %w", path, ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

func (l *Lock) Path() string { return l.fl.Path() }

// Release unlocks and closes the lock file. The file stays on disk, removing
// it could invalidate a lock another process just acquired.
func (l *Lock) Release(ctx context.Context) {
	if l == nil || l.fl == nil {
		return
	}
	if err := l.fl.Close(); err != nil {
		slog.DebugContext(ctx, "releasing project lock", "path", l.fl.Path(), "error", err)
	}
}
