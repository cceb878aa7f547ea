//go:build !unix

package commands

import (
	"fmt"
	"os"
)

// dirLock is a no-op where flock is unavailable.
type dirLock struct{}

func acquireLock(dir string) (*dirLock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metadata directory: %w", err)
	}
	return &dirLock{}, nil
}

func (l *dirLock) Release() error { return nil }
