//go:build !windows

package process

import (
	stderrors "errors"
	"os/exec"
	"syscall"

	"github.com/cai-cerberus/bootseq/pkg/errors"
)

// setupProcessAttributes puts the child in a new process group so that a
// signal to -pid reaches the whole tree it forks.
func setupProcessAttributes(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// SendTerminationSignal sends SIGTERM to the process group, falling back to
// the process alone when pid does not lead a group.
func SendTerminationSignal(pid int) error {
	return signal(pid, syscall.SIGTERM)
}

// SendKillSignal sends SIGKILL the same way.
func SendKillSignal(pid int) error {
	return signal(pid, syscall.SIGKILL)
}

func signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if err == nil {
		return nil
	}
	if stderrors.Is(err, syscall.ESRCH) {
		return errors.NewNotFoundError("process not found", err).WithContext("pid", pid)
	}
	if stderrors.Is(err, syscall.EPERM) {
		return errors.NewPermissionError("not permitted to signal process", err).WithContext("pid", pid)
	}
	return errors.NewProcessError("failed to signal process", err).WithContext("pid", pid).WithContext("signal", sig.String())
}
