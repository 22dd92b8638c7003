// Package daemon provides the single-instance guard a mount process takes
// out before serving a mountpoint, using gofrs/flock for a
// per-mountpoint-at-a-time invariant.
package daemon

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// MountLock guards a single mountpoint against being served by more than
// one process at a time. One MountLock is taken per mountpoint, since
// each mount runs in its own process rather than through a shared daemon.
type MountLock struct {
	flock *flock.Flock
	path  string
}

// lockPath derives the lock file path for a mountpoint: a file under the
// OS temp directory named after a hash of the mountpoint's absolute path,
// so the lock survives the mountpoint itself being an empty directory
// that gets replaced.
func lockPath(mountpoint string) string {
	abs, err := filepath.Abs(mountpoint)
	if err != nil {
		abs = mountpoint
	}
	name := fmt.Sprintf("transcodefs-%x.lock", hashPath(abs))
	return filepath.Join(os.TempDir(), name)
}

// AcquireMountLock takes an exclusive, non-blocking lock for mountpoint.
// It returns an error if another process already holds it.
func AcquireMountLock(mountpoint string) (*MountLock, error) {
	path := lockPath(mountpoint)
	fl := flock.New(path)

	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("daemon: acquiring mount lock for %s: %w", mountpoint, err)
	}
	if !locked {
		return nil, fmt.Errorf("daemon: %s is already served by another process", mountpoint)
	}
	return &MountLock{flock: fl, path: path}, nil
}

// Release unlocks and removes the lock file.
func (l *MountLock) Release() error {
	err := l.flock.Unlock()
	os.Remove(l.path)
	return err
}

// hashPath is a small, dependency-free fold over the path used only to
// keep the lock filename short and filesystem-safe; collisions are
// harmless since flock's exclusivity is what actually matters, this only
// picks a stable, unique-enough file name.
func hashPath(path string) uint64 {
	var h uint64 = 1469598103934665603
	for i := 0; i < len(path); i++ {
		h ^= uint64(path[i])
		h *= 1099511628211
	}
	return h
}
