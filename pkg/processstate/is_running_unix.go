//go:build !windows

package processstate

import (
	"errors"
	"os"
	"syscall"
)

func isRunning(pid int) (bool, error) {
	// On Unix FindProcess always succeeds; signal 0 tells whether the pid exists.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, err
	}

	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return !isZombie(pid), nil
	}
	if errors.Is(err, os.ErrProcessDone) {
		return false, nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false, err
	}
	switch errno {
	case syscall.ESRCH:
		return false, nil
	case syscall.EPERM:
		// exists, owned by someone else
		return true, nil
	}
	return false, err
}
