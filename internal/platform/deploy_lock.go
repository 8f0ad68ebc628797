package platform

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeployInProgress indicates another process already holds the deploy lock for the device.
var ErrDeployInProgress = errors.New("another deployment to this device is in progress")

// ErrDeployLockUnsupported indicates the current platform has no lock backend implementation.
var ErrDeployLockUnsupported = errors.New("deploy lock unsupported")

// LockHeldError reports contention. PID is the holder's process id when the
// platform records it, zero otherwise.
type LockHeldError struct {
	PID int
}

func (e *LockHeldError) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("%s (pid %d)", ErrDeployInProgress, e.PID)
	}

	return ErrDeployInProgress.Error()
}

func (e *LockHeldError) Unwrap() error {
	return ErrDeployInProgress
}

// DeployLock represents an acquired per-device deploy lock.
type DeployLock interface {
	Release() error
}

// AcquireDeployLock takes a process-wide lock scoped to appID and the target host.
// The lock is released by Release or when the process exits.
func AcquireDeployLock(appID, host string) (DeployLock, error) {
	return acquireDeployLock(
		normalizeLockComponent(appID, "app"),
		normalizeLockComponent(strings.ToLower(host), "device"),
	)
}

func normalizeLockComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
