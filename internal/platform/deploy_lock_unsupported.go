//go:build !unix && !windows

package platform

import (
	"fmt"
	"runtime"
)

func acquireDeployLock(_, _ string) (DeployLock, error) {
	return nil, fmt.Errorf("%w on %s", ErrDeployLockUnsupported, runtime.GOOS)
}
