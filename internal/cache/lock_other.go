//go:build !unix

package cache

import (
	"errors"
	"fmt"
	"os"
)

// acquire falls back to an exclusive-create lock file where flock is missing.
// A stale file left by a crash has to be removed by hand.
func acquire(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to create cache lock: %w", err)
	}
	return f, nil
}

func release(f *os.File) error {
	name := f.Name()
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
