// Package lock provides named advisory mutexes backed by flock(2).
//
// Each logical resource name maps to one lock file. The lock is tied to an
// open file descriptor, so a holder that crashes releases it automatically
// when the kernel closes its handles. Web handlers and out-of-process
// tooling serialize through the same files.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"syscall"
)

var namePattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Gate hands out per-name exclusive locks under a single directory.
type Gate struct {
	dir string
}

// NewGate creates a Gate whose lock files live in dir.
func NewGate(dir string) (*Gate, error) {
	if dir == "" {
		return nil, fmt.Errorf("lock directory is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	return &Gate{dir: dir}, nil
}

// With runs fn while holding the exclusive lock for name. Acquisition
// blocks until the lock is free. The lock is released on every exit path,
// including a panic inside fn. Distinct names never contend.
func (g *Gate) With(name string, fn func() error) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid lock name %q", name)
	}

	path := filepath.Join(g.dir, name+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock %q: %w", name, err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("acquire lock %q: %w", name, err)
	}
	defer func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	}()

	return fn()
}
