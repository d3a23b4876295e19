package loop

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

// InstanceLock enforces spec §5's "one engine instance per app name per
// host" shared-resource policy via an advisory flock(2) on a fixed-path
// lock file, mirroring original_source/clients/hermesclient.py's pidfile
// idiom but using flock instead of a PID check so a crashed process's lock
// is released by the kernel immediately rather than needing staleness
// detection.
type InstanceLock struct {
	file *os.File
}

// AcquireInstanceLock takes the single-instance lock for appName, returning
// an error if another process already holds it. The caller must call
// Release before exiting (or simply let the process die: the kernel drops
// the lock on file-descriptor close).
func AcquireInstanceLock(appName string) (*InstanceLock, error) {
	path := filepath.Join(os.TempDir(), fmt.Sprintf("hermes-client-%s.lock", appName))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("loop: open lock file %q: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("loop: another hermes-client instance for app %q already holds %q", appName, path)
	}
	return &InstanceLock{file: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *InstanceLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	return l.file.Close()
}
