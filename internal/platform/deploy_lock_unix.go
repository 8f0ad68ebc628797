//go:build unix && !windows

package platform

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

const ownerReadLimit = 32

// unixDeployLock is an flock on a per-device file. The kernel drops the lock
// when the process exits.
type unixDeployLock struct {
	file *os.File
}

func acquireDeployLock(appID, host string) (DeployLock, error) {
	lockPath, err := unixDeployLockPath(appID, host)
	if err != nil {
		return nil, err
	}

	// #nosec G304 -- lockPath is built from process-owned runtime/temp directories.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open deploy lock %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		defer func() { _ = file.Close() }()
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return nil, &LockHeldError{PID: readLockOwner(file)}
		}

		return nil, fmt.Errorf("flock %s: %w", lockPath, err)
	}

	if err := writeLockOwner(file, os.Getpid()); err != nil {
		_ = file.Close()

		return nil, err
	}

	return &unixDeployLock{file: file}, nil
}

func (l *unixDeployLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	file := l.file
	l.file = nil

	// Clear the owner before unlocking so a waiting process never reads a stale pid.
	_ = file.Truncate(0)
	unlockErr := syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	closeErr := file.Close()

	switch {
	case unlockErr != nil && !errors.Is(unlockErr, syscall.EBADF):
		return fmt.Errorf("unlock deploy lock: %w", unlockErr)
	case closeErr != nil:
		return fmt.Errorf("close deploy lock: %w", closeErr)
	default:
		return nil
	}
}

func writeLockOwner(file *os.File, pid int) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("reset deploy lock owner: %w", err)
	}
	if _, err := file.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("record deploy lock owner: %w", err)
	}

	return nil
}

func readLockOwner(file *os.File) int {
	buf := make([]byte, ownerReadLimit)
	n, err := file.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil || pid <= 0 {
		return 0
	}

	return pid
}

// unixDeployLockPath prefers $XDG_RUNTIME_DIR/<app>, falling back to a
// per-user directory under the system temp dir.
func unixDeployLockPath(appID, host string) (string, error) {
	dir := filepath.Join(os.TempDir(), appID+"-"+strconv.Itoa(os.Getuid()))
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		dir = filepath.Join(runtimeDir, appID)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create deploy lock dir: %w", err)
	}

	return filepath.Join(dir, "deploy-"+host+".lock"), nil
}
